package domain

import "context"

// Chunker splits documents into chunks suitable for embedding.
type Chunker interface {
	Chunk(document Document) ([]Chunk, error)
}

// Embedder converts inputs into fixed-dimension vectors. The returned slice
// is aligned with texts; on partial failure it is still aligned, failed
// entries are nil and the error is an *EmbedError.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string, inputType InputType) ([]Vector, error)
	Dimension() int
	Model() string
}

// VectorStore persists points and answers similarity queries.
type VectorStore interface {
	EnsureCollection(ctx context.Context, name string, dim int, distance Distance) error
	Upsert(ctx context.Context, collection string, points []StoredPoint) error
	Search(ctx context.Context, collection string, vector Vector, topK int, filter Filter) ([]SearchCandidate, error)
	Get(ctx context.Context, collection string, id uint64) (StoredPoint, error)
	Stats(ctx context.Context, collection string) (CollectionStats, error)
}

// Ranking is the outcome of a rerank call. Degraded is set when the
// cross-encoder could not be used and Results follow vector order.
type Ranking struct {
	Results  []RankedResult
	Degraded bool
}

// Reranker re-scores a bounded candidate set against a query.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []SearchCandidate, topN int) (Ranking, error)
}
