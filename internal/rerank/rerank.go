// Package rerank scores search candidates with a remote cross-encoder.
// When the service cannot be used the candidates are returned in vector
// order and the ranking is marked degraded.
package rerank

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-logr/logr"

	"ragpipe/internal/domain"
	"ragpipe/internal/metrics"
	"ragpipe/internal/remote"
	"ragpipe/internal/retry"
)

const service = "rerank"

type Config struct {
	URL        string
	APIKey     string
	Model      string
	Timeout    time.Duration
	Retry      retry.Policy
	HTTPClient *http.Client
}

// Client implements domain.Reranker.
type Client struct {
	url    string
	model  string
	policy retry.Policy
	http   *remote.Client
	log    logr.Logger
}

type Option func(*Client)

func WithLogger(l logr.Logger) Option { return func(c *Client) { c.log = l } }

func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.URL == "" {
		return nil, domain.Configf("rerank.url", "required")
	}
	if cfg.APIKey == "" {
		return nil, domain.Configf("rerank.api_key", "missing credentials")
	}
	if cfg.Model == "" {
		return nil, domain.Configf("rerank.model", "required")
	}
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = retry.DefaultPolicy()
	}
	c := &Client{
		url:    cfg.URL,
		model:  cfg.Model,
		policy: cfg.Retry,
		http: remote.New(service,
			remote.WithHTTPClient(cfg.HTTPClient),
			remote.WithTimeout(cfg.Timeout),
			remote.WithBearer(cfg.APIKey)),
		log: logr.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type rerankRequest struct {
	Query    string   `json:"query"`
	Passages []string `json:"passages"`
	Model    string   `json:"model"`
}

type ranking struct {
	Index int     `json:"index"`
	Logit float64 `json:"logit"`
}

type rerankResponse struct {
	Rankings []ranking `json:"rankings"`
}

// Rerank sends all candidates in one request and returns at most topN
// results by descending logit. Only cancellation of ctx is returned as an
// error; any service failure yields a degraded vector-order ranking.
func (c *Client) Rerank(ctx context.Context, query string, candidates []domain.SearchCandidate, topN int) (domain.Ranking, error) {
	if len(candidates) == 0 {
		return domain.Ranking{}, nil
	}
	if topN <= 0 || topN > len(candidates) {
		topN = len(candidates)
	}
	req := rerankRequest{Query: query, Model: c.model, Passages: make([]string, len(candidates))}
	for i, cand := range candidates {
		req.Passages[i] = cand.Payload.Text
	}

	var resp rerankResponse
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		resp = rerankResponse{}
		return c.http.Do(ctx, http.MethodPost, c.url, req, &resp)
	}, retry.Logging(c.log, service), retry.Count(service))
	if err == nil {
		err = validate(resp.Rankings, len(candidates))
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.Ranking{}, ctxErr
		}
		metrics.RerankFallbacks.Inc()
		c.log.Error(err, "reranker unavailable, using vector order", "candidates", len(candidates))
		return domain.Ranking{Results: domain.RankByVector(candidates, topN), Degraded: true}, nil
	}

	ranked := append([]ranking(nil), resp.Rankings...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Logit != ranked[j].Logit {
			return ranked[i].Logit > ranked[j].Logit
		}
		return ranked[i].Index < ranked[j].Index
	})
	if topN > len(ranked) {
		topN = len(ranked)
	}
	out := make([]domain.RankedResult, 0, topN)
	for i, r := range ranked[:topN] {
		score := r.Logit
		out = append(out, domain.NewRankedResult(i+1, candidates[r.Index], &score))
	}
	return domain.Ranking{Results: out}, nil
}

func validate(rankings []ranking, n int) error {
	if len(rankings) == 0 {
		return &domain.PermanentServiceError{Service: service, Err: errors.New("empty rankings")}
	}
	seen := make(map[int]bool, len(rankings))
	for _, r := range rankings {
		if r.Index < 0 || r.Index >= n || seen[r.Index] {
			return &domain.PermanentServiceError{Service: service, Err: fmt.Errorf("invalid ranking index %d for %d passages", r.Index, n)}
		}
		seen[r.Index] = true
	}
	return nil
}
