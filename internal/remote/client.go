// Package remote is the JSON-over-HTTP transport shared by the embedding,
// rerank and vector store clients. It owns one connection pool per service
// and classifies failures as transient or permanent.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ragpipe/internal/domain"
	"ragpipe/internal/metrics"
)

const DefaultTimeout = 60 * time.Second

// Client issues JSON requests against one remote service.
type Client struct {
	service string
	http    *http.Client
	timeout time.Duration
	header  http.Header
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying connection pool.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.timeout = d
		}
	}
}

// WithBearer authenticates every request with an Authorization bearer token.
func WithBearer(token string) Option {
	return func(cl *Client) {
		if token != "" {
			cl.header.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithHeader sets a static header on every request.
func WithHeader(key, value string) Option {
	return func(cl *Client) {
		if value != "" {
			cl.header.Set(key, value)
		}
	}
}

// New creates a client for the named service.
func New(service string, opts ...Option) *Client {
	c := &Client{
		service: service,
		http:    &http.Client{},
		timeout: DefaultTimeout,
		header:  http.Header{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Service returns the service name used in errors and metrics.
func (c *Client) Service() string { return c.service }

// Timeout returns the per-request timeout.
func (c *Client) Timeout() time.Duration { return c.timeout }

// Do sends body as JSON and decodes the response into out (if non-nil).
// Failures are returned as *domain.TransientServiceError or
// *domain.PermanentServiceError. A cancelled parent context is returned as is.
func (c *Client) Do(ctx context.Context, method, url string, body, out any) error {
	start := time.Now()
	err := c.do(ctx, method, url, body, out)
	metrics.RemoteLatency.WithLabelValues(c.service).Observe(time.Since(start).Seconds())
	metrics.RemoteRequests.WithLabelValues(c.service, outcome(err)).Inc()
	return err
}

func (c *Client) do(ctx context.Context, method, url string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return c.permanent(0, fmt.Errorf("marshal request: %w", err))
		}
		rd = bytes.NewReader(data)
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, url, rd)
	if err != nil {
		return c.permanent(0, fmt.Errorf("create request: %w", err))
	}
	for k, v := range c.header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &domain.TransientServiceError{Service: c.service, Err: fmt.Errorf("send request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		msg := readSnippet(resp.Body)
		return &domain.TransientServiceError{
			Service:    c.service,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Err:        fmt.Errorf("%s %s: %s %s", method, url, resp.Status, msg),
		}
	}
	if resp.StatusCode >= 300 {
		msg := readSnippet(resp.Body)
		return c.permanent(resp.StatusCode, fmt.Errorf("%s %s: %s %s", method, url, resp.Status, msg))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if reqCtx.Err() != nil && ctx.Err() == nil {
			return &domain.TransientServiceError{Service: c.service, Err: fmt.Errorf("read response: %w", err)}
		}
		return c.permanent(resp.StatusCode, fmt.Errorf("malformed response: %w", err))
	}
	return nil
}

func (c *Client) permanent(status int, err error) error {
	return &domain.PermanentServiceError{Service: c.service, StatusCode: status, Err: err}
}

// StatusCode extracts the HTTP status carried by a classified error, or 0.
func StatusCode(err error) int {
	var t *domain.TransientServiceError
	if errors.As(err, &t) {
		return t.StatusCode
	}
	var p *domain.PermanentServiceError
	if errors.As(err, &p) {
		return p.StatusCode
	}
	return 0
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case domain.IsTransient(err):
		return "transient"
	default:
		var p *domain.PermanentServiceError
		if errors.As(err, &p) {
			return "permanent"
		}
		return "cancelled"
	}
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(b))
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
