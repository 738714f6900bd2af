package mcpserver

import "ragpipe/internal/domain"

// SearchInput defines inputs for the search_documents tool.
type SearchInput struct {
	Query    string            `json:"query" jsonschema:"natural language question to search the document collection for"`
	TopK     int               `json:"top_k,omitempty" jsonschema:"number of results to return (default from config)"`
	NoRerank bool              `json:"no_rerank,omitempty" jsonschema:"skip cross-encoder reranking and return vector order"`
	Filter   map[string]string `json:"filter,omitempty" jsonschema:"exact-match payload filter, e.g. source_filename or metadata.page"`
}

// SearchOutput is the output of search_documents.
type SearchOutput struct {
	Query    string                `json:"query"`
	Status   string                `json:"status"`
	Reranked bool                  `json:"reranked"`
	Count    int                   `json:"count"`
	Results  []domain.RankedResult `json:"results"`
	// Context is the results rendered as a cited prompt block.
	Context string `json:"context"`
}

// StatsInput defines inputs for the collection_stats tool.
type StatsInput struct {
	Collection string `json:"collection,omitempty" jsonschema:"collection name (defaults to the document collection)"`
}

// StatsOutput is the output of collection_stats.
type StatsOutput struct {
	Collection string `json:"collection"`
	Exists     bool   `json:"exists"`
	PointCount int64  `json:"point_count"`
	Status     string `json:"status,omitempty"`
}
