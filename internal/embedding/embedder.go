// Package embedding selects the configured domain.Embedder.
package embedding

import (
	"context"
	"io"

	"github.com/go-logr/logr"

	"ragpipe/internal/config"
	"ragpipe/internal/domain"
	"ragpipe/internal/embedding/cache"
	"ragpipe/internal/embedding/local"
	"ragpipe/internal/embedding/nvidia"
	"ragpipe/internal/retry"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New builds the text embedder described by cfg, wrapped in the cache when
// enabled. The returned Closer releases the cache database.
func New(cfg config.EmbeddingConfig, apiKey string, log logr.Logger) (domain.Embedder, io.Closer, error) {
	var emb domain.Embedder
	switch cfg.Type {
	case "local":
		l, err := local.New(cfg.Dimension)
		if err != nil {
			return nil, nil, err
		}
		emb = l
	case "nvidia", "":
		c, err := nvidia.NewClient(nvidia.Config{
			BaseURL:               cfg.BaseURL,
			APIKey:                apiKey,
			Model:                 cfg.Model,
			Dimension:             cfg.Dimension,
			BatchSize:             cfg.BatchSize,
			MaxConcurrentRequests: cfg.MaxConcurrentRequests,
			RequestsPerSecond:     cfg.RequestsPerSecond,
			Truncate:              cfg.Truncate,
			Timeout:               config.Seconds(cfg.TimeoutSecs),
			Retry:                 policy(cfg),
		}, nvidia.WithLogger(log.WithName("embedding")))
		if err != nil {
			return nil, nil, err
		}
		emb = c
	default:
		return nil, nil, domain.Configf("embedding.type", "unknown embedder %q", cfg.Type)
	}
	if !cfg.Cache.Enabled {
		return emb, nopCloser{}, nil
	}
	store, err := cache.Open(cfg.Cache.Path)
	if err != nil {
		return nil, nil, err
	}
	return cache.New(emb, store, cache.WithLogger(log.WithName("embedding-cache"))), store, nil
}

// NewImages builds the embedder used for product images. It shares the
// endpoint, credentials and limits of the text embedder with the image
// model and dimension.
func NewImages(cfg config.EmbeddingConfig, img config.ImagesConfig, apiKey string, log logr.Logger) (domain.Embedder, error) {
	if cfg.Type == "local" {
		l, err := local.New(img.Dimension)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
	c, err := nvidia.NewClient(nvidia.Config{
		BaseURL:               cfg.BaseURL,
		APIKey:                apiKey,
		Model:                 img.Model,
		Dimension:             img.Dimension,
		BatchSize:             img.BatchSize,
		MaxConcurrentRequests: cfg.MaxConcurrentRequests,
		RequestsPerSecond:     cfg.RequestsPerSecond,
		Truncate:              cfg.Truncate,
		Timeout:               config.Seconds(img.TimeoutSecs),
		Retry:                 policy(cfg),
	}, nvidia.WithLogger(log.WithName("image-embedding")))
	if err != nil {
		return nil, err
	}
	return c, nil
}

// EmbedOne embeds a single text.
func EmbedOne(ctx context.Context, e domain.Embedder, text string, inputType domain.InputType) (domain.Vector, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text}, inputType)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func policy(cfg config.EmbeddingConfig) retry.Policy {
	return retry.Policy{
		MaxRetries: cfg.Retries(),
		Base:       config.Millis(cfg.BackoffBaseMs),
		Cap:        config.Millis(cfg.BackoffCapMs),
		Jitter:     0.2,
	}
}
