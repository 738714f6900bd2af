package main

import (
	"encoding/json"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"ragpipe/internal/domain"
	"ragpipe/internal/mcpserver"
	"ragpipe/internal/retrieval"
	"ragpipe/internal/tui"
)

var (
	searchNoRerank    bool
	searchTop         int
	searchFilters     []string
	searchJSON        bool
	searchInteractive bool
	searchContext     bool
	searchImages      bool
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search ingested documents",
	Long: `Embeds the query, fetches candidates_top_k nearest chunks and reranks them
with the cross-encoder, printing the final_top_k best.

If the reranker is unavailable the results are printed in vector order and
marked as degraded.

With --images the query searches product images ingested by "ragpipe images"
instead, using the image embedding model and no reranking.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().BoolVar(&searchNoRerank, "no-rerank", false, "skip reranking and return vector order")
	searchCmd.Flags().IntVarP(&searchTop, "top", "n", 0, "number of results (default retrieval.final_top_k)")
	searchCmd.Flags().StringArrayVar(&searchFilters, "filter", nil, "payload filter key=value, repeatable (e.g. source_filename=a.pdf, metadata.page=3)")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output the response as JSON")
	searchCmd.Flags().BoolVar(&searchContext, "context", false, "print a cited context block instead of a result list")
	searchCmd.Flags().BoolVar(&searchImages, "images", false, "search the product image collection")
	searchCmd.Flags().BoolVarP(&searchInteractive, "interactive", "i", false, "browse results in a terminal UI")
	rootCmd.AddCommand(searchCmd)
}

func parseFilters(kvs []string) (domain.Filter, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	raw := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid filter %q, want key=value", kv)
		}
		raw[k] = v
	}
	return mcpserver.ParseFilter(raw), nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")
	filter, err := parseFilters(searchFilters)
	if err != nil {
		return err
	}

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()
	store, err := a.store()
	if err != nil {
		return err
	}
	collection := a.collection()
	var p *retrieval.Pipeline
	if searchImages {
		collection = a.qdrant().ImageCollection
		p, err = a.imageSearch(store)
	} else {
		p, err = a.retrieval(store)
	}
	if err != nil {
		return err
	}

	var opts []retrieval.SearchOption
	if filter != nil {
		opts = append(opts, retrieval.WithFilter(filter))
	}
	if searchTop > 0 {
		opts = append(opts, retrieval.WithTopK(searchTop))
	}
	if searchNoRerank {
		opts = append(opts, retrieval.WithoutRerank())
	}

	resp, err := p.Search(cmd.Context(), query, opts...)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	switch {
	case searchInteractive:
		summary := fmt.Sprintf("collection %s", collection)
		if stats, err := store.Stats(cmd.Context(), collection); err == nil {
			summary = fmt.Sprintf("collection %s: %d points", collection, stats.PointCount)
		}
		_, err := tea.NewProgram(tui.New(p, summary, resp, opts...), tea.WithAltScreen()).Run()
		return err
	case searchJSON:
		data, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal response: %w", err)
		}
		cmd.Println(string(data))
		return nil
	case searchContext:
		cmd.Println(resp.Context())
		return nil
	}
	return outputSearchTable(cmd, resp)
}

func outputSearchTable(cmd *cobra.Command, resp retrieval.Response) error {
	if resp.Status == retrieval.StatusNoResults {
		cmd.Println("No results found.")
		return nil
	}
	if resp.Status == retrieval.StatusDegraded {
		cmd.Println("Reranker unavailable: results are in vector order.")
	}
	cmd.Println()
	for _, r := range resp.Results {
		source := r.SourceFilename
		if r.Page > 0 {
			source += fmt.Sprintf(" p.%d", r.Page)
		}
		scores := fmt.Sprintf("vector %.3f", r.VectorScore)
		if r.RerankScore != nil {
			scores += fmt.Sprintf(", rerank %.3f", *r.RerankScore)
		}
		cmd.Printf("  [%d] %s (%s)\n", r.Rank, source, scores)
		cmd.Printf("      %s\n\n", snippet(r.Text, 240))
	}
	return nil
}

func snippet(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	return string(r[:n]) + "..."
}
