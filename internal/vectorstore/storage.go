package vectorstore

import (
	"github.com/go-logr/logr"

	"ragpipe/internal/config"
	"ragpipe/internal/domain"
	"ragpipe/internal/retry"
	"ragpipe/internal/vectorstore/memory"
	"ragpipe/internal/vectorstore/qdrant"
)

// New builds the configured vector store. apiKey is the resolved Qdrant key.
func New(cfg config.VectorStoreConfig, apiKey string, log logr.Logger) (domain.VectorStore, error) {
	switch cfg.Type {
	case "memory":
		return memory.NewStorage(), nil
	case "qdrant", "":
		if cfg.Qdrant == nil {
			return nil, domain.Configf("vector_store.qdrant", "missing")
		}
		s, err := qdrant.NewStorage(qdrant.Config{
			URL:             cfg.Qdrant.URL,
			APIKey:          apiKey,
			Timeout:         config.Seconds(cfg.Qdrant.TimeoutSecs),
			UpsertBatchSize: cfg.Qdrant.UpsertBatchSize,
			Retry:           retry.DefaultPolicy(),
		}, qdrant.WithLogger(log.WithName("qdrant")))
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, domain.Configf("vector_store.type", "unknown vector store %q", cfg.Type)
	}
}
