package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragpipe/internal/domain"
)

func seeded(t *testing.T) *Storage {
	s := NewStorage()
	ctx := context.Background()
	require.NoError(t, s.EnsureCollection(ctx, "docs", 2, domain.DistanceCosine))
	require.NoError(t, s.Upsert(ctx, "docs", []domain.StoredPoint{
		{ID: 7, Vector: domain.Vector{1, 0}, Payload: domain.Payload{Text: "a", SourceFilename: "x.pdf", Metadata: map[string]any{"page": 1}}},
		{ID: 3, Vector: domain.Vector{2, 0}, Payload: domain.Payload{Text: "b", SourceFilename: "y.pdf", Metadata: map[string]any{"page": 2}}},
		{ID: 5, Vector: domain.Vector{0, 1}, Payload: domain.Payload{Text: "c", SourceFilename: "x.pdf"}},
		{ID: 1, Vector: domain.Vector{-1, 0}, Payload: domain.Payload{Text: "d", SourceFilename: "x.pdf"}},
	}))
	return s
}

func TestSearchOrdersByScoreThenID(t *testing.T) {
	s := seeded(t)
	res, err := s.Search(context.Background(), "docs", domain.Vector{1, 0}, 10, nil)
	require.NoError(t, err)
	ids := make([]uint64, len(res))
	for i, r := range res {
		ids[i] = r.PointID
	}
	assert.Equal(t, []uint64{3, 7, 5, 1}, ids)
	assert.InDelta(t, 1.0, res[0].VectorScore, 1e-9)
	assert.InDelta(t, -1.0, res[3].VectorScore, 1e-9)

	top, err := s.Search(context.Background(), "docs", domain.Vector{1, 0}, 2, nil)
	require.NoError(t, err)
	assert.Len(t, top, 2)
}

func TestSearchFilter(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	res, err := s.Search(ctx, "docs", domain.Vector{1, 0}, 10, domain.Filter{"source_filename": "x.pdf"})
	require.NoError(t, err)
	assert.Len(t, res, 3)

	res, err = s.Search(ctx, "docs", domain.Vector{1, 0}, 10, domain.Filter{"metadata.page": float64(2)})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, uint64(3), res[0].PointID)
}

func TestUpsertOverwritesByID(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, "docs", []domain.StoredPoint{{ID: 7, Vector: domain.Vector{0, 1}, Payload: domain.Payload{Text: "new"}}}))
	st, err := s.Stats(ctx, "docs")
	require.NoError(t, err)
	assert.EqualValues(t, 4, st.PointCount)
	p, err := s.Get(ctx, "docs", 7)
	require.NoError(t, err)
	assert.Equal(t, "new", p.Payload.Text)
}

func TestUpsertReportsDimensionMismatch(t *testing.T) {
	s := seeded(t)
	err := s.Upsert(context.Background(), "docs", []domain.StoredPoint{
		{ID: 100, Vector: domain.Vector{1, 1}},
		{ID: 101, Vector: domain.Vector{1, 1, 1}},
	})
	var upErr *domain.UpsertError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, []uint64{101}, upErr.Failed)
	_, err = s.Get(context.Background(), "docs", 100)
	assert.NoError(t, err)
}

func TestMissingCollectionAndPoint(t *testing.T) {
	s := NewStorage()
	ctx := context.Background()
	_, err := s.Search(ctx, "docs", domain.Vector{1}, 1, nil)
	assert.True(t, domain.IsNotFound(err, domain.KindCollection))
	assert.True(t, domain.IsNotFound(s.Upsert(ctx, "docs", nil), domain.KindCollection))
	_, err = s.Stats(ctx, "docs")
	assert.True(t, domain.IsNotFound(err, domain.KindCollection))

	s = seeded(t)
	_, err = s.Get(ctx, "docs", 42)
	assert.True(t, domain.IsNotFound(err, domain.KindPoint))
}

func TestEnsureCollectionDimensionConflict(t *testing.T) {
	s := seeded(t)
	err := s.EnsureCollection(context.Background(), "docs", 3, domain.DistanceCosine)
	var cfgErr *domain.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
	assert.NoError(t, s.EnsureCollection(context.Background(), "docs", 2, ""))
}
