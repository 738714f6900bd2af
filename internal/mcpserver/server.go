// Package mcpserver exposes document search over MCP stdio.
package mcpserver

import (
	"context"
	"strconv"

	"github.com/go-logr/logr"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"ragpipe/internal/domain"
	"ragpipe/internal/retrieval"
)

// Searcher is the retrieval surface the tools need.
type Searcher interface {
	Search(ctx context.Context, query string, opts ...retrieval.SearchOption) (retrieval.Response, error)
}

// Server wires retrieval and collection stats into MCP tools.
type Server struct {
	searcher   Searcher
	store      domain.VectorStore
	collection string
	version    string
	log        logr.Logger
}

func New(searcher Searcher, store domain.VectorStore, collection, version string, log logr.Logger) *Server {
	return &Server{searcher: searcher, store: store, collection: collection, version: version, log: log}
}

// MCP builds the tool server without starting a transport.
func (s *Server) MCP() *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "ragpipe",
		Title:   "ragpipe",
		Version: s.version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name: "search_documents",
		Description: `Search ingested documents and return the most relevant passages.

Results carry the source filename and page for citation. The "context" field is
ready to paste into a prompt. status is "no_results" when nothing matched and
"degraded" when reranking was unavailable and results are in vector order.`,
	}, s.searchTool)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "collection_stats",
		Description: "Report whether the document collection exists and how many chunks it holds.",
	}, s.statsTool)

	return server
}

// Run serves tools on stdio until ctx ends or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.MCP().Run(ctx, &mcp.StdioTransport{})
}

func (s *Server) searchTool(ctx context.Context, _ *mcp.CallToolRequest, input SearchInput) (*mcp.CallToolResult, SearchOutput, error) {
	if input.Query == "" {
		return nil, SearchOutput{}, retrieval.ErrEmptyQuery
	}
	var opts []retrieval.SearchOption
	if input.TopK > 0 {
		opts = append(opts, retrieval.WithTopK(input.TopK))
	}
	if input.NoRerank {
		opts = append(opts, retrieval.WithoutRerank())
	}
	if len(input.Filter) > 0 {
		opts = append(opts, retrieval.WithFilter(ParseFilter(input.Filter)))
	}

	resp, err := s.searcher.Search(ctx, input.Query, opts...)
	if err != nil {
		s.log.Error(err, "search tool failed", "query", input.Query)
		return nil, SearchOutput{}, err
	}
	return nil, SearchOutput{
		Query:    resp.Query,
		Status:   string(resp.Status),
		Reranked: resp.Reranked,
		Count:    len(resp.Results),
		Results:  resp.Results,
		Context:  resp.Context(),
	}, nil
}

func (s *Server) statsTool(ctx context.Context, _ *mcp.CallToolRequest, input StatsInput) (*mcp.CallToolResult, StatsOutput, error) {
	name := input.Collection
	if name == "" {
		name = s.collection
	}
	stats, err := s.store.Stats(ctx, name)
	if domain.IsNotFound(err, domain.KindCollection) {
		return nil, StatsOutput{Collection: name}, nil
	}
	if err != nil {
		return nil, StatsOutput{}, err
	}
	return nil, StatsOutput{Collection: name, Exists: true, PointCount: stats.PointCount, Status: stats.Status}, nil
}

// ParseFilter converts string filter values to the types stored in
// payloads: integers and true/false are parsed, everything else stays text.
func ParseFilter(in map[string]string) domain.Filter {
	f := make(domain.Filter, len(in))
	for k, v := range in {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			f[k] = n
			continue
		}
		if v == "true" || v == "false" {
			f[k] = v == "true"
			continue
		}
		f[k] = v
	}
	return f
}
