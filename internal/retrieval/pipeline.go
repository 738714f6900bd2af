// Package retrieval answers queries with two-stage search: approximate
// vector search for a candidate pool, then cross-encoder reranking.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"

	"ragpipe/internal/domain"
	"ragpipe/internal/metrics"
)

const (
	DefaultCandidatesTopK = 50
	DefaultFinalTopK      = 10
)

var ErrEmptyQuery = errors.New("query is empty")

// Status tells callers how to read an empty or partial result.
type Status string

const (
	StatusOK        Status = "ok"
	StatusNoResults Status = "no_results"
	// StatusDegraded means the reranker was unavailable and results are in
	// vector order.
	StatusDegraded Status = "degraded"
)

type Config struct {
	CandidatesTopK int
	FinalTopK      int
	// ScoreThreshold drops results scoring below it. It applies to the
	// rerank score when reranking ran, else to the vector score. Nil
	// disables filtering.
	ScoreThreshold *float64
	UseReranking   bool
}

// Response is the result of one query.
type Response struct {
	Query      string                `json:"query"`
	Status     Status                `json:"status"`
	Reranked   bool                  `json:"reranked"`
	Candidates int                   `json:"candidates"`
	Results    []domain.RankedResult `json:"results"`
}

// Pipeline implements two-stage retrieval over one collection.
type Pipeline struct {
	embedder   domain.Embedder
	store      domain.VectorStore
	reranker   domain.Reranker
	collection string
	cfg        Config
	log        logr.Logger
}

type Option func(*Pipeline)

func WithLogger(l logr.Logger) Option { return func(p *Pipeline) { p.log = l } }

// New validates cfg. reranker may be nil when cfg.UseReranking is false.
func New(embedder domain.Embedder, store domain.VectorStore, reranker domain.Reranker, collection string, cfg Config, opts ...Option) (*Pipeline, error) {
	if embedder == nil || store == nil {
		return nil, domain.Configf("retrieval", "embedder and store are required")
	}
	if collection == "" {
		return nil, domain.Configf("collection", "required")
	}
	if cfg.CandidatesTopK == 0 {
		cfg.CandidatesTopK = DefaultCandidatesTopK
	}
	if cfg.FinalTopK == 0 {
		cfg.FinalTopK = DefaultFinalTopK
	}
	if cfg.CandidatesTopK < 0 || cfg.FinalTopK < 0 {
		return nil, domain.Configf("retrieval", "top_k values must be positive")
	}
	if cfg.FinalTopK > cfg.CandidatesTopK {
		return nil, domain.Configf("retrieval.final_top_k", "must not exceed candidates_top_k (%d > %d)", cfg.FinalTopK, cfg.CandidatesTopK)
	}
	if cfg.UseReranking && reranker == nil {
		return nil, domain.Configf("rerank", "reranking is enabled but no reranker is configured")
	}
	p := &Pipeline{
		embedder:   embedder,
		store:      store,
		reranker:   reranker,
		collection: collection,
		cfg:        cfg,
		log:        logr.Discard(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config { return p.cfg }

type searchOptions struct {
	filter   domain.Filter
	topK     int
	noRerank bool
}

type SearchOption func(*searchOptions)

// WithFilter restricts the candidate search to matching payloads.
func WithFilter(f domain.Filter) SearchOption { return func(o *searchOptions) { o.filter = f } }

// WithTopK overrides the final result count for one query. It is clamped to
// the candidate pool size.
func WithTopK(n int) SearchOption { return func(o *searchOptions) { o.topK = n } }

// WithoutRerank skips the second stage for one query.
func WithoutRerank() SearchOption { return func(o *searchOptions) { o.noRerank = true } }

// Search runs the query. Errors are returned only when the query cannot be
// answered at all (embedding or vector search failed, ctx ended);
// reranker outages show up as StatusDegraded.
func (p *Pipeline) Search(ctx context.Context, query string, opts ...SearchOption) (Response, error) {
	o := searchOptions{topK: p.cfg.FinalTopK}
	for _, opt := range opts {
		opt(&o)
	}
	if o.topK <= 0 {
		o.topK = p.cfg.FinalTopK
	}
	o.topK = min(o.topK, p.cfg.CandidatesTopK)
	query = strings.TrimSpace(query)
	if query == "" {
		return Response{}, ErrEmptyQuery
	}
	rerank := p.cfg.UseReranking && !o.noRerank && p.reranker != nil

	ctx, span := metrics.Tracer.Start(ctx, "retrieval.search")
	defer span.End()
	span.SetAttributes(attribute.Int("top_k", o.topK), attribute.Bool("rerank", rerank))
	log := p.log.WithValues("collection", p.collection)

	vecs, err := p.embedder.EmbedBatch(ctx, []string{query}, domain.InputQuery)
	if err != nil {
		span.RecordError(err)
		return Response{}, fmt.Errorf("embed query: %w", err)
	}

	candidates, err := p.store.Search(ctx, p.collection, vecs[0], p.cfg.CandidatesTopK, o.filter)
	if err != nil {
		span.RecordError(err)
		return Response{}, fmt.Errorf("vector search: %w", err)
	}
	span.SetAttributes(attribute.Int("candidates", len(candidates)))
	resp := Response{Query: query, Candidates: len(candidates), Results: []domain.RankedResult{}}
	if len(candidates) == 0 {
		resp.Status = StatusNoResults
		return resp, nil
	}

	var results []domain.RankedResult
	degraded := false
	if rerank {
		ranking, err := p.reranker.Rerank(ctx, query, candidates, o.topK)
		if err != nil {
			return Response{}, fmt.Errorf("rerank: %w", err)
		}
		results, degraded = ranking.Results, ranking.Degraded
		resp.Reranked = !ranking.Degraded
	} else {
		results = domain.RankByVector(candidates, o.topK)
	}

	if t := p.cfg.ScoreThreshold; t != nil {
		kept := results[:0:0]
		for _, r := range results {
			score := r.VectorScore
			if r.RerankScore != nil {
				score = *r.RerankScore
			}
			if score >= *t {
				r.Rank = len(kept) + 1
				kept = append(kept, r)
			}
		}
		results = kept
	}
	resp.Results = results

	switch {
	case degraded:
		resp.Status = StatusDegraded
	case len(results) == 0:
		resp.Status = StatusNoResults
	default:
		resp.Status = StatusOK
	}
	log.V(1).Info("query answered", "status", resp.Status, "candidates", resp.Candidates, "results", len(results))
	return resp, nil
}

// Context renders results as a numbered, citable context block.
func (r Response) Context() string {
	var b strings.Builder
	for _, res := range r.Results {
		fmt.Fprintf(&b, "[%d] %s", res.Rank, res.SourceFilename)
		if res.Page > 0 {
			fmt.Fprintf(&b, " p.%d", res.Page)
		}
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(res.Text))
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
