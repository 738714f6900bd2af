package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ragpipe/internal/catalog"
	"ragpipe/internal/config"
	"ragpipe/internal/domain"
	"ragpipe/internal/embedding"
	"ragpipe/internal/progress"
	"ragpipe/internal/retrieval"
	"ragpipe/internal/retry"
)

var (
	imagesStartFrom int
	imagesMax       int
	imagesJSON      bool
)

var imagesCmd = &cobra.Command{
	Use:   "images <catalog.csv|catalog.xlsx>",
	Short: "Embed product images listed in a catalog",
	Long: `Reads a product catalog with filename and link columns, downloads each
image, shrinks it to a JPEG thumbnail and stores its embedding in the image
collection. Rows are addressed by their 0-based position after the header.`,
	Args: cobra.ExactArgs(1),
	RunE: runImages,
}

func init() {
	imagesCmd.Flags().IntVar(&imagesStartFrom, "start-from", 0, "first catalog row to process")
	imagesCmd.Flags().IntVar(&imagesMax, "max", 0, "maximum number of products (0 = all)")
	imagesCmd.Flags().BoolVar(&imagesJSON, "json", false, "print the run report as JSON")
	rootCmd.AddCommand(imagesCmd)
}

// imageSearch builds text-to-image search over the image collection.
func (a *app) imageSearch(store domain.VectorStore) (*retrieval.Pipeline, error) {
	emb, err := embedding.NewImages(a.cfg.Embedding, a.cfg.Images, a.secrets.EmbeddingAPIKey, a.log.WithName("images"))
	if err != nil {
		return nil, err
	}
	return catalog.NewSearch(emb, store, a.qdrant().ImageCollection, a.cfg.Retrieval.FinalTopK, a.cfg.Retrieval.ScoreThreshold, a.log.WithName("image-search"))
}

func runImages(cmd *cobra.Command, args []string) error {
	products, err := catalog.Load(args[0])
	if err != nil {
		return err
	}
	products = catalog.Window(products, imagesStartFrom, imagesMax)
	if len(products) == 0 {
		return fmt.Errorf("no products in %s from row %d", args[0], imagesStartFrom)
	}

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()
	if a.cfg.Embedding.Type != "nvidia" {
		return domain.Configf("embedding.type", "image ingestion needs the nvidia embedder, got %q", a.cfg.Embedding.Type)
	}

	im := a.cfg.Images
	emb, err := embedding.NewImages(a.cfg.Embedding, im, a.secrets.EmbeddingAPIKey, a.log.WithName("images"))
	if err != nil {
		return err
	}
	store, err := a.store()
	if err != nil {
		return err
	}
	fetcher, err := catalog.NewFetcher(catalog.FetchConfig{
		MaxSize: im.MaxSize,
		Quality: im.JPEGQuality,
		Timeout: config.Seconds(im.TimeoutSecs),
		Retry:   retry.DefaultPolicy(),
	}, a.log.WithName("fetch"))
	if err != nil {
		return err
	}

	opts := []catalog.Option{catalog.WithLogger(a.log.WithName("images"))}
	if pr := progress.New(os.Stderr, "images"); pr != nil {
		opts = append(opts, catalog.WithProgress(pr))
	}
	p, err := catalog.NewPipeline(fetcher, emb, store, catalog.PipelineConfig{
		Collection:          a.qdrant().ImageCollection,
		ConcurrentDownloads: im.ConcurrentDownloads,
		BatchSize:           im.BatchSize,
	}, opts...)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if err := p.Prepare(ctx); err != nil {
		return err
	}
	rep, err := p.Run(ctx, products)
	if printErr := printReport(cmd, rep, imagesJSON); printErr != nil {
		return printErr
	}
	return err
}
