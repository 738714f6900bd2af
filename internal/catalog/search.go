package catalog

import (
	"github.com/go-logr/logr"

	"ragpipe/internal/domain"
	"ragpipe/internal/retrieval"
)

// NewSearch returns a text-to-image search over the image collection.
// Queries are embedded with input_type=query by the image embedder; there
// is no cross-encoder for images so results stay in vector order.
func NewSearch(embedder domain.Embedder, store domain.VectorStore, collection string, topK int, threshold *float64, log logr.Logger) (*retrieval.Pipeline, error) {
	if topK <= 0 {
		topK = retrieval.DefaultFinalTopK
	}
	return retrieval.New(embedder, store, nil, collection, retrieval.Config{
		CandidatesTopK: topK,
		FinalTopK:      topK,
		ScoreThreshold: threshold,
	}, retrieval.WithLogger(log))
}
