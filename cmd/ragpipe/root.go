package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/google/gops/agent"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"ragpipe/internal/chunker"
	"ragpipe/internal/config"
	"ragpipe/internal/domain"
	"ragpipe/internal/embedding"
	"ragpipe/internal/metrics"
	"ragpipe/internal/rerank"
	"ragpipe/internal/retrieval"
	"ragpipe/internal/retry"
	"ragpipe/internal/vectorstore"
)

const version = "0.3.0"

var (
	// cfgPath is an explicit config file; empty means ./config.yaml then ~/.config/ragpipe.
	cfgPath     string
	verbosity   int
	metricsAddr string
	gopsAgent   bool
)

var rootCmd = &cobra.Command{
	Use:   "ragpipe",
	Short: "Ingest documents into a vector store and search them with reranking",
	Long: `ragpipe chunks and embeds PDF and text documents into Qdrant and answers
queries with vector search followed by cross-encoder reranking.

Examples:
  # Ingest a directory of PDFs
  ragpipe ingest ./papers

  # Search with reranking
  ragpipe search "how are chunks scored?"

  # Browse results interactively
  ragpipe search -i "vector databases"

  # Serve search to an agent over MCP stdio
  ragpipe mcp`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		_ = godotenv.Load()
		stdr.SetVerbosity(verbosity)
		if gopsAgent {
			if err := agent.Listen(agent.Options{ShutdownCleanup: true}); err != nil {
				newLogger().Error(err, "gops agent failed")
			}
		}
		if metricsAddr != "" {
			serveMetrics(metricsAddr)
		}
		return nil
	},
}

// Execute runs the root command with a context cancelled on SIGINT/SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to YAML config file (defaults to ./config.yaml, then ~/.config/ragpipe/config.yaml)")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase log verbosity (-v per-batch detail, -vv request detail)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while the command runs, e.g. :9090")
	rootCmd.PersistentFlags().BoolVar(&gopsAgent, "gops", false, "Start a gops diagnostics agent")
}

func newLogger() logr.Logger {
	return stdr.New(log.New(os.Stderr, "", log.LstdFlags))
}

func serveMetrics(addr string) {
	metrics.Register(prometheus.DefaultRegisterer)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			newLogger().Error(err, "metrics server stopped", "addr", addr)
		}
	}()
}

// app holds the components built from one resolved config.
type app struct {
	cfg     *config.AppConfig
	secrets config.Secrets
	log     logr.Logger
	closers []io.Closer
}

func loadApp() (*app, error) {
	var (
		cfg *config.AppConfig
		err error
	)
	if cfgPath == "" {
		cfg, _, err = config.LoadDefault()
	} else {
		cfg, err = config.Load(cfgPath)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	secrets, err := cfg.Resolve(os.Getenv)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, secrets: secrets, log: newLogger()}, nil
}

func (a *app) Close() {
	for _, c := range a.closers {
		_ = c.Close()
	}
}

func (a *app) collection() string { return a.qdrant().Collection }

func (a *app) qdrant() config.QdrantConfig {
	if q := a.cfg.VectorStore.Qdrant; q != nil {
		return *q
	}
	return *config.Default().VectorStore.Qdrant
}

func (a *app) embedder() (domain.Embedder, error) {
	emb, closer, err := embedding.New(a.cfg.Embedding, a.secrets.EmbeddingAPIKey, a.log.WithName("embedding"))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closer)
	return emb, nil
}

func (a *app) store() (domain.VectorStore, error) {
	return vectorstore.New(a.cfg.VectorStore, a.secrets.QdrantAPIKey, a.log.WithName("vectorstore"))
}

func (a *app) chunker() (domain.Chunker, error) {
	return chunker.New(chunker.Config{
		ChunkSize: a.cfg.Chunker.ChunkSize,
		Overlap:   a.cfg.Chunker.ChunkOverlap,
		MinTokens: a.cfg.Chunker.MinChunkTokens,
	})
}

func (a *app) reranker() (domain.Reranker, error) {
	if !a.cfg.Rerank.Enabled {
		return nil, nil
	}
	rc := a.cfg.Rerank
	p := retry.DefaultPolicy()
	p.MaxRetries = rc.Retries()
	c, err := rerank.NewClient(rerank.Config{
		URL:     rc.URL,
		APIKey:  a.secrets.RerankAPIKey,
		Model:   rc.Model,
		Timeout: config.Seconds(rc.TimeoutSecs),
		Retry:   p,
	}, rerank.WithLogger(a.log.WithName("rerank")))
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (a *app) retrieval(store domain.VectorStore) (*retrieval.Pipeline, error) {
	emb, err := a.embedder()
	if err != nil {
		return nil, err
	}
	rr, err := a.reranker()
	if err != nil {
		return nil, err
	}
	rc := a.cfg.Retrieval
	return retrieval.New(emb, store, rr, a.collection(), retrieval.Config{
		CandidatesTopK: rc.CandidatesTopK,
		FinalTopK:      rc.FinalTopK,
		ScoreThreshold: rc.ScoreThreshold,
		UseReranking:   rc.UseReranking && rr != nil,
	}, retrieval.WithLogger(a.log.WithName("retrieval")))
}
