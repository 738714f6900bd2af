package rerank

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragpipe/internal/domain"
	"ragpipe/internal/retry"
)

func candidates() []domain.SearchCandidate {
	return []domain.SearchCandidate{
		{PointID: 1, VectorScore: 0.9, Payload: domain.Payload{Text: "alpha", SourceFilename: "a.pdf", Metadata: map[string]any{"page": 2}}},
		{PointID: 2, VectorScore: 0.8, Payload: domain.Payload{Text: "beta", SourceFilename: "b.pdf"}},
		{PointID: 3, VectorScore: 0.7, Payload: domain.Payload{Text: "gamma", SourceFilename: "c.pdf"}},
	}
}

func newClient(t *testing.T, h http.HandlerFunc) (*Client, *atomic.Int32) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{
		URL:     srv.URL + "/v1/ranking",
		APIKey:  "key",
		Model:   "rerank-model",
		Timeout: time.Second,
		Retry:   retry.Policy{MaxRetries: 1, Base: time.Millisecond, Cap: time.Millisecond},
	}, WithLogger(testr.New(t)))
	require.NoError(t, err)
	return c, &calls
}

func TestRerankOrdersByLogit(t *testing.T) {
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req rerankRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "what is gamma", req.Query)
		assert.Equal(t, []string{"alpha", "beta", "gamma"}, req.Passages)
		assert.Equal(t, "rerank-model", req.Model)
		_, _ = w.Write([]byte(`{"rankings":[{"index":2,"logit":5.5},{"index":0,"logit":-1.25},{"index":1,"logit":-3}]}`))
	})
	got, err := c.Rerank(context.Background(), "what is gamma", candidates(), 2)
	require.NoError(t, err)
	assert.False(t, got.Degraded)
	require.Len(t, got.Results, 2)
	assert.Equal(t, uint64(3), got.Results[0].PointID)
	assert.Equal(t, 1, got.Results[0].Rank)
	require.NotNil(t, got.Results[0].RerankScore)
	assert.InDelta(t, 5.5, *got.Results[0].RerankScore, 1e-9)
	assert.InDelta(t, 0.7, got.Results[0].VectorScore, 1e-9)
	assert.Equal(t, uint64(1), got.Results[1].PointID)
	assert.Equal(t, 2, got.Results[1].Page)
}

func TestRerankTopNLargerThanCandidates(t *testing.T) {
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"rankings":[{"index":1,"logit":1},{"index":0,"logit":0},{"index":2,"logit":-1}]}`))
	})
	got, err := c.Rerank(context.Background(), "q", candidates(), 10)
	require.NoError(t, err)
	assert.Len(t, got.Results, 3)
}

func TestRerankFallsBackToVectorOrder(t *testing.T) {
	tests := map[string]http.HandlerFunc{
		"unavailable": func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) },
		"bad request": func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadRequest) },
		"malformed":   func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{"rankings":[{"index":7,"logit":1}]}`)) },
	}
	for name, h := range tests {
		t.Run(name, func(t *testing.T) {
			c, _ := newClient(t, h)
			got, err := c.Rerank(context.Background(), "q", candidates(), 2)
			require.NoError(t, err)
			assert.True(t, got.Degraded)
			require.Len(t, got.Results, 2)
			assert.Equal(t, uint64(1), got.Results[0].PointID)
			assert.Equal(t, uint64(2), got.Results[1].PointID)
			assert.Nil(t, got.Results[0].RerankScore)
		})
	}
}

func TestRerankRetriesThenDegrades(t *testing.T) {
	c, calls := newClient(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) })
	got, err := c.Rerank(context.Background(), "q", candidates(), 3)
	require.NoError(t, err)
	assert.True(t, got.Degraded)
	assert.EqualValues(t, 2, calls.Load())
}

func TestRerankUnreachable(t *testing.T) {
	c, err := NewClient(Config{URL: "http://127.0.0.1:1/ranking", APIKey: "k", Model: "m", Timeout: 200 * time.Millisecond,
		Retry: retry.Policy{MaxRetries: 0, Base: time.Millisecond, Cap: time.Millisecond}})
	require.NoError(t, err)
	got, err := c.Rerank(context.Background(), "q", candidates(), 1)
	require.NoError(t, err)
	assert.True(t, got.Degraded)
	assert.Len(t, got.Results, 1)
}

func TestRerankCancelledContext(t *testing.T) {
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Rerank(ctx, "q", candidates(), 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRerankEmpty(t *testing.T) {
	c, calls := newClient(t, func(w http.ResponseWriter, r *http.Request) {})
	got, err := c.Rerank(context.Background(), "q", nil, 5)
	require.NoError(t, err)
	assert.Empty(t, got.Results)
	assert.Zero(t, calls.Load())
}
