package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"ragpipe/internal/ingest"
	"ragpipe/internal/loader"
	"ragpipe/internal/progress"
)

var ingestJSON bool

var ingestCmd = &cobra.Command{
	Use:   "ingest <path|glob|dir>...",
	Short: "Chunk, embed and store documents",
	Long: `Loads .pdf, .txt and .md files, splits them into overlapping word windows,
embeds the chunks and upserts them into the document collection.

Directories are walked recursively and globs may use **. Re-ingesting a file
replaces its chunks instead of duplicating them. A document that fails is
reported and does not stop the others.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().BoolVar(&ingestJSON, "json", false, "print the run report as JSON")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	paths, err := loader.Expand(args)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return errors.New("no supported documents found")
	}

	ch, err := a.chunker()
	if err != nil {
		return err
	}
	emb, err := a.embedder()
	if err != nil {
		return err
	}
	store, err := a.store()
	if err != nil {
		return err
	}
	opts := []ingest.Option{ingest.WithLogger(a.log.WithName("ingest"))}
	if pr := progress.New(os.Stderr, "ingesting"); pr != nil {
		opts = append(opts, ingest.WithProgress(pr))
	}
	p, err := ingest.New(ch, emb, store, a.collection(), opts...)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if err := p.Prepare(ctx); err != nil {
		return err
	}
	rep, err := p.RunFiles(ctx, paths, loader.Load)
	if printErr := printReport(cmd, rep, ingestJSON); printErr != nil {
		return printErr
	}
	if err != nil {
		return err
	}
	if len(rep.Succeeded) == 0 && len(rep.Failed) > 0 {
		return fmt.Errorf("all %d documents failed", len(rep.Failed))
	}
	return nil
}

func printReport(cmd *cobra.Command, rep ingest.Report, asJSON bool) error {
	if asJSON {
		data, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal report: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}
	cmd.Printf("Run %s: %d succeeded, %d failed, %d chunks, %d points in %s\n",
		rep.RunID, len(rep.Succeeded), len(rep.Failed), rep.Chunks, rep.Points,
		rep.Finished.Sub(rep.Started).Round(time.Millisecond))
	for _, f := range rep.Failed {
		cmd.Printf("  FAILED %s [%s] %s: %v\n", f.DocumentID, f.Stage, f.Source, f.Err)
	}
	return nil
}
