package tools

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/tools/duckduckgo"
)

// Searcher is the subset of langchaingo's tool interface the search tool needs.
type Searcher interface {
	Call(ctx context.Context, input string) (string, error)
}

type SearchTool struct {
	MaxResults int

	client Searcher
}

func NewSearchTool(maxResults int) *SearchTool {
	if maxResults <= 0 {
		maxResults = 10
	}
	return &SearchTool{MaxResults: maxResults}
}

// NewSearchToolWith uses an existing searcher instead of DuckDuckGo.
func NewSearchToolWith(client Searcher) *SearchTool {
	return &SearchTool{client: client}
}

func (s *SearchTool) ID() ToolID {
	return ToolSearch
}

func (s *SearchTool) Description() string {
	return "Search the web using DuckDuckGo for real-time information. Operations: 'search'."
}

func (s *SearchTool) Initialize(ctx context.Context) error {
	if s.client != nil {
		return nil
	}
	ddg, err := duckduckgo.New(s.MaxResults, duckduckgo.DefaultUserAgent)
	if err != nil {
		return err
	}
	s.client = ddg
	return nil
}

func (s *SearchTool) Cleanup(ctx context.Context) error {
	return nil
}

func (s *SearchTool) Invoke(ctx context.Context, op string, params map[string]any) (Output, error) {
	if op != "search" {
		return nil, unsupported(s.ID(), op)
	}
	query := stringParam(params, "query")
	if query == "" {
		return nil, missingParam(s.ID(), op, "query")
	}

	if s.client == nil {
		return nil, &CapabilityError{Tool: s.ID().String(), Operation: op, Reason: "search client not initialized"}
	}

	res, err := s.client.Call(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	return Output{"result": res, "query": query, "results": res}, nil
}
