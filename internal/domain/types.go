package domain

import (
	"encoding/json"
	"time"
)

// PageSpan locates one extracted page inside a document's word stream.
// Start and End are word offsets, End exclusive.
type PageSpan struct {
	Page  int
	Start int
	End   int
}

// Document is a single extracted source file.
type Document struct {
	ID         string
	SourcePath string
	RawText    string
	Pages      []PageSpan
	Metadata   map[string]any
}

// PageAt returns the page number containing word offset off, or 0 when the
// document carries no page metadata.
func (d Document) PageAt(off int) int {
	for _, p := range d.Pages {
		if off >= p.Start && off < p.End {
			return p.Page
		}
	}
	if n := len(d.Pages); n > 0 && off >= d.Pages[n-1].End {
		return d.Pages[n-1].Page
	}
	return 0
}

// Chunk is a bounded window of a document's words used as the unit of embedding.
type Chunk struct {
	ChunkID     string
	DocumentID  string
	Text        string
	StartOffset int
	EndOffset   int
	ChunkIndex  int
	Metadata    map[string]any
}

// InputType distinguishes query-time from document-time embeddings.
type InputType string

const (
	InputQuery   InputType = "query"
	InputPassage InputType = "passage"
)

// Valid reports whether t is one of the supported input types.
func (t InputType) Valid() bool { return t == InputQuery || t == InputPassage }

// Vector is an embedding produced for one input.
type Vector []float32

// Distance is the similarity metric of a collection.
type Distance string

const DistanceCosine Distance = "Cosine"

// Payload is the persisted part of a point besides its vector.
type Payload struct {
	Text           string         `json:"text"`
	SourceFilename string         `json:"source_filename"`
	ChunkIndex     int            `json:"chunk_index"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	InsertedAt     time.Time      `json:"inserted_at"`
}

// Page returns the page number recorded in the metadata, or 0.
func (p Payload) Page() int {
	return intValue(p.Metadata["page"])
}

// StoredPoint is one vector store record.
type StoredPoint struct {
	ID      uint64
	Vector  Vector
	Payload Payload
}

// Filter restricts a search to points whose payload fields equal the given
// values. Keys may address metadata fields with a "metadata." prefix.
type Filter map[string]any

// SearchCandidate is a vector search hit prior to reranking.
type SearchCandidate struct {
	PointID     uint64
	VectorScore float64
	Payload     Payload
}

// RankedResult is a final retrieval result. RerankScore is nil when the
// result was not scored by the reranker.
type RankedResult struct {
	Rank           int            `json:"rank"`
	PointID        uint64         `json:"point_id"`
	Text           string         `json:"text"`
	SourceFilename string         `json:"source_filename"`
	Page           int            `json:"page,omitempty"`
	VectorScore    float64        `json:"vector_score"`
	RerankScore    *float64       `json:"rerank_score,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// CollectionStats summarises a collection.
type CollectionStats struct {
	PointCount int64  `json:"point_count"`
	Status     string `json:"status"`
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}
