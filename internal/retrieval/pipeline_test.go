package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragpipe/internal/domain"
	"ragpipe/internal/embedding/local"
	"ragpipe/internal/rerank"
	"ragpipe/internal/retry"
	"ragpipe/internal/vectorstore/memory"
)

// indexStore holds 200 chunks about returns, shipping and warranties.
func indexStore(t *testing.T, emb domain.Embedder) *memory.Storage {
	ctx := context.Background()
	store := memory.NewStorage()
	require.NoError(t, store.EnsureCollection(ctx, "docs", emb.Dimension(), domain.DistanceCosine))
	topics := []string{"return policy electronics refund", "shipping times international orders", "warranty claims repair", "gift cards balance"}
	texts := make([]string, 200)
	for i := range texts {
		texts[i] = fmt.Sprintf("%s section %d item%d", topics[i%len(topics)], i, i)
	}
	vecs, err := emb.EmbedBatch(ctx, texts, domain.InputPassage)
	require.NoError(t, err)
	points := make([]domain.StoredPoint, len(texts))
	for i := range texts {
		points[i] = domain.StoredPoint{
			ID:     uint64(i + 1),
			Vector: vecs[i],
			Payload: domain.Payload{
				Text:           texts[i],
				SourceFilename: "Returns_Policy.pdf",
				ChunkIndex:     i,
				Metadata:       map[string]any{"page": i/10 + 1},
			},
		}
	}
	require.NoError(t, store.Upsert(ctx, "docs", points))
	return store
}

// rerankServer scores passages by their position, reversed, so the
// reranked order differs from vector order. base shifts all logits.
func rerankServer(t *testing.T, base float64, status int) *rerank.Client {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		var req struct {
			Passages []string `json:"passages"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		type rk struct {
			Index int     `json:"index"`
			Logit float64 `json:"logit"`
		}
		var out struct {
			Rankings []rk `json:"rankings"`
		}
		for i := len(req.Passages) - 1; i >= 0; i-- {
			out.Rankings = append(out.Rankings, rk{Index: i, Logit: base + float64(i)/10})
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(srv.Close)
	c, err := rerank.NewClient(rerank.Config{
		URL: srv.URL, APIKey: "k", Model: "m", Timeout: time.Second,
		Retry: retry.Policy{MaxRetries: 0, Base: time.Millisecond, Cap: time.Millisecond},
	})
	require.NoError(t, err)
	return c
}

func newEmbedder(t *testing.T) *local.Embedder {
	emb, err := local.New(64)
	require.NoError(t, err)
	return emb
}

func TestSearchRerankedScenario(t *testing.T) {
	emb := newEmbedder(t)
	store := indexStore(t, emb)
	p, err := New(emb, store, rerankServer(t, 0, 0), "docs",
		Config{CandidatesTopK: 20, FinalTopK: 5, UseReranking: true}, WithLogger(testr.New(t)))
	require.NoError(t, err)

	resp, err := p.Search(context.Background(), "return policy for electronics")
	require.NoError(t, err)
	assert.Equal(t, StatusOK, resp.Status)
	assert.True(t, resp.Reranked)
	assert.Equal(t, 20, resp.Candidates)
	require.Len(t, resp.Results, 5)
	for i, r := range resp.Results {
		assert.Equal(t, i+1, r.Rank)
		require.NotNil(t, r.RerankScore)
		assert.NotZero(t, r.VectorScore)
		if i > 0 {
			assert.GreaterOrEqual(t, *resp.Results[i-1].RerankScore, *r.RerankScore)
		}
	}
}

func TestSearchWithoutRerankSortedByVectorScore(t *testing.T) {
	emb := newEmbedder(t)
	store := indexStore(t, emb)
	p, err := New(emb, store, nil, "docs", Config{CandidatesTopK: 20, FinalTopK: 5})
	require.NoError(t, err)

	resp, err := p.Search(context.Background(), "warranty repair")
	require.NoError(t, err)
	assert.False(t, resp.Reranked)
	require.Len(t, resp.Results, 5)
	for i := 1; i < len(resp.Results); i++ {
		assert.GreaterOrEqual(t, resp.Results[i-1].VectorScore, resp.Results[i].VectorScore)
		assert.Nil(t, resp.Results[i].RerankScore)
	}
}

func TestSearchDegradesWhenRerankerDown(t *testing.T) {
	emb := newEmbedder(t)
	store := indexStore(t, emb)
	p, err := New(emb, store, rerankServer(t, 0, http.StatusServiceUnavailable), "docs",
		Config{CandidatesTopK: 20, FinalTopK: 5, UseReranking: true})
	require.NoError(t, err)

	resp, err := p.Search(context.Background(), "return policy for electronics")
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.False(t, resp.Reranked)
	require.Len(t, resp.Results, 5)
	for i := 1; i < len(resp.Results); i++ {
		assert.GreaterOrEqual(t, resp.Results[i-1].VectorScore, resp.Results[i].VectorScore)
	}
}

func TestSearchThresholdDropsEverything(t *testing.T) {
	emb := newEmbedder(t)
	store := indexStore(t, emb)
	threshold := 0.95
	p, err := New(emb, store, rerankServer(t, -5, 0), "docs",
		Config{CandidatesTopK: 20, FinalTopK: 5, UseReranking: true, ScoreThreshold: &threshold})
	require.NoError(t, err)

	resp, err := p.Search(context.Background(), "return policy for electronics")
	require.NoError(t, err)
	assert.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)
	assert.Equal(t, StatusNoResults, resp.Status)
}

func TestSearchThresholdKeepsAndRenumbers(t *testing.T) {
	emb := newEmbedder(t)
	store := indexStore(t, emb)
	threshold := 1.6
	p, err := New(emb, store, rerankServer(t, 0, 0), "docs",
		Config{CandidatesTopK: 20, FinalTopK: 5, UseReranking: true, ScoreThreshold: &threshold})
	require.NoError(t, err)

	resp, err := p.Search(context.Background(), "return policy")
	require.NoError(t, err)
	// logits are 1.9, 1.8, ..., only the first four reach 1.6
	require.Len(t, resp.Results, 4)
	assert.Equal(t, []int{1, 2, 3, 4}, []int{resp.Results[0].Rank, resp.Results[1].Rank, resp.Results[2].Rank, resp.Results[3].Rank})
}

func TestSearchEmptyCollection(t *testing.T) {
	emb := newEmbedder(t)
	store := memory.NewStorage()
	require.NoError(t, store.EnsureCollection(context.Background(), "docs", 64, domain.DistanceCosine))
	p, err := New(emb, store, nil, "docs", Config{})
	require.NoError(t, err)
	resp, err := p.Search(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, StatusNoResults, resp.Status)
	assert.Empty(t, resp.Results)
}

func TestSearchFilterAndOverrides(t *testing.T) {
	emb := newEmbedder(t)
	store := indexStore(t, emb)
	p, err := New(emb, store, rerankServer(t, 0, http.StatusInternalServerError), "docs",
		Config{CandidatesTopK: 20, FinalTopK: 5, UseReranking: true})
	require.NoError(t, err)

	resp, err := p.Search(context.Background(), "shipping", WithoutRerank(), WithTopK(50), WithFilter(domain.Filter{"metadata.page": 3}))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, resp.Status)
	assert.Len(t, resp.Results, 10)
	for _, r := range resp.Results {
		assert.Equal(t, 3, r.Page)
	}
}

func TestSearchMissingCollection(t *testing.T) {
	p, err := New(newEmbedder(t), memory.NewStorage(), nil, "docs", Config{})
	require.NoError(t, err)
	_, err = p.Search(context.Background(), "q")
	assert.True(t, domain.IsNotFound(err, domain.KindCollection))

	_, err = p.Search(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestNewValidatesTopK(t *testing.T) {
	emb := newEmbedder(t)
	_, err := New(emb, memory.NewStorage(), nil, "docs", Config{CandidatesTopK: 5, FinalTopK: 6})
	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "retrieval.final_top_k", cfgErr.Field)

	_, err = New(emb, memory.NewStorage(), nil, "docs", Config{UseReranking: true})
	assert.ErrorAs(t, err, &cfgErr)
}

func TestResponseContext(t *testing.T) {
	r := Response{Results: []domain.RankedResult{
		{Rank: 1, SourceFilename: "a.pdf", Page: 4, Text: " first "},
		{Rank: 2, SourceFilename: "b.txt", Text: "second"},
	}}
	assert.Equal(t, "[1] a.pdf p.4\nfirst\n\n[2] b.txt\nsecond", r.Context())
}
