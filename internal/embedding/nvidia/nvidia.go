// Package nvidia is a client for OpenAI-style embedding endpoints that take
// an input_type (NVIDIA NIM, build.nvidia.com). Inputs are split into
// batches that are sent concurrently under a semaphore and reassembled in
// input order.
package nvidia

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"ragpipe/internal/domain"
	"ragpipe/internal/remote"
	"ragpipe/internal/retry"
)

const (
	service = "embedding"

	DefaultBaseURL       = "https://integrate.api.nvidia.com/v1"
	DefaultBatchSize     = 10
	DefaultMaxConcurrent = 5
	DefaultTruncate      = "NONE"
)

// Config configures the embeddings client.
type Config struct {
	BaseURL               string
	APIKey                string
	Model                 string
	Dimension             int
	BatchSize             int
	MaxConcurrentRequests int
	// RequestsPerSecond throttles outgoing requests. Zero disables throttling.
	RequestsPerSecond float64
	Truncate          string
	Timeout           time.Duration
	Retry             retry.Policy
	HTTPClient        *http.Client
}

// Client implements domain.Embedder.
type Client struct {
	url       string
	model     string
	dimension int
	batchSize int
	truncate  string
	policy    retry.Policy
	http      *remote.Client
	sem       *semaphore.Weighted
	limiter   *rate.Limiter
	log       logr.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithLogger sets the logger used for retries and batch failures.
func WithLogger(l logr.Logger) Option { return func(c *Client) { c.log = l } }

// NewClient validates cfg and creates a client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, domain.Configf("embedding.api_key", "missing credentials")
	}
	if cfg.Model == "" {
		return nil, domain.Configf("embedding.model", "required")
	}
	if cfg.Dimension <= 0 {
		return nil, domain.Configf("embedding.dimension", "must be positive, got %d", cfg.Dimension)
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize < 0 {
		return nil, domain.Configf("embedding.batch_size", "must be positive, got %d", cfg.BatchSize)
	}
	if cfg.MaxConcurrentRequests == 0 {
		cfg.MaxConcurrentRequests = DefaultMaxConcurrent
	}
	if cfg.MaxConcurrentRequests < 0 {
		return nil, domain.Configf("embedding.max_concurrent_requests", "must be positive, got %d", cfg.MaxConcurrentRequests)
	}
	if cfg.RequestsPerSecond < 0 {
		return nil, domain.Configf("embedding.requests_per_second", "must not be negative")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Truncate == "" {
		cfg.Truncate = DefaultTruncate
	}
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = retry.DefaultPolicy()
	}
	c := &Client{
		url:       strings.TrimRight(cfg.BaseURL, "/") + "/embeddings",
		model:     cfg.Model,
		dimension: cfg.Dimension,
		batchSize: cfg.BatchSize,
		truncate:  cfg.Truncate,
		policy:    cfg.Retry,
		http: remote.New(service,
			remote.WithHTTPClient(cfg.HTTPClient),
			remote.WithTimeout(cfg.Timeout),
			remote.WithBearer(cfg.APIKey)),
		sem: semaphore.NewWeighted(int64(cfg.MaxConcurrentRequests)),
		log: logr.Discard(),
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.MaxConcurrentRequests)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Dimension() int { return c.dimension }

func (c *Client) Model() string { return c.model }

type embedRequest struct {
	Input     []string `json:"input"`
	Model     string   `json:"model"`
	InputType string   `json:"input_type"`
	Truncate  string   `json:"truncate"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// EmbedBatch embeds texts. The result is aligned with texts. When some
// batches fail the result is still returned with nil entries at the failed
// positions, together with an *domain.EmbedError listing them.
func (c *Client) EmbedBatch(ctx context.Context, texts []string, inputType domain.InputType) ([]domain.Vector, error) {
	if !inputType.Valid() {
		return nil, domain.Configf("input_type", "must be %q or %q, got %q", domain.InputQuery, domain.InputPassage, inputType)
	}
	out := make([]domain.Vector, len(texts))
	if len(texts) == 0 {
		return out, nil
	}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		failures []domain.BatchFailure
	)
	fail := func(idx []int, err error) {
		mu.Lock()
		failures = append(failures, domain.BatchFailure{Indices: idx, Err: err})
		mu.Unlock()
	}

	var empty []int
	pending := make([]int, 0, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			empty = append(empty, i)
			continue
		}
		pending = append(pending, i)
	}
	if len(empty) > 0 {
		fail(empty, &domain.PermanentServiceError{Service: service, Err: errors.New("empty input")})
	}

	for start := 0; start < len(pending); start += c.batchSize {
		end := min(start+c.batchSize, len(pending))
		idx := pending[start:end]
		if err := c.sem.Acquire(ctx, 1); err != nil {
			fail(pending[start:], err)
			break
		}
		wg.Add(1)
		go func(idx []int) {
			defer wg.Done()
			defer c.sem.Release(1)
			batch := make([]string, len(idx))
			for j, i := range idx {
				batch[j] = texts[i]
			}
			vecs, err := c.embed(ctx, batch, inputType)
			if err != nil {
				c.log.Error(err, "embedding batch failed", "inputs", len(idx), "first", idx[0])
				fail(idx, err)
				return
			}
			for j, i := range idx {
				out[i] = vecs[j]
			}
		}(idx)
	}
	wg.Wait()

	if len(failures) == 0 {
		return out, nil
	}
	sort.Slice(failures, func(a, b int) bool { return failures[a].Indices[0] < failures[b].Indices[0] })
	return out, &domain.EmbedError{Failures: failures}
}

func (c *Client) embed(ctx context.Context, batch []string, inputType domain.InputType) ([]domain.Vector, error) {
	req := embedRequest{Input: batch, Model: c.model, InputType: string(inputType), Truncate: c.truncate}
	var vecs []domain.Vector
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		var resp embedResponse
		if err := c.http.Do(ctx, http.MethodPost, c.url, req, &resp); err != nil {
			return err
		}
		v, err := c.reassemble(len(batch), resp)
		if err != nil {
			return &domain.PermanentServiceError{Service: service, Err: err}
		}
		vecs = v
		return nil
	}, retry.Logging(c.log, service), retry.Count(service))
	return vecs, err
}

// reassemble orders response vectors by their index field.
func (c *Client) reassemble(n int, resp embedResponse) ([]domain.Vector, error) {
	if len(resp.Data) != n {
		return nil, fmt.Errorf("expected %d embeddings, got %d", n, len(resp.Data))
	}
	out := make([]domain.Vector, n)
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= n {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		if out[d.Index] != nil {
			return nil, fmt.Errorf("duplicate embedding index %d", d.Index)
		}
		if len(d.Embedding) != c.dimension {
			return nil, fmt.Errorf("embedding dimension %d does not match configured %d", len(d.Embedding), c.dimension)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
