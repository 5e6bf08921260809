package pipeline

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/installer-scout/internal/agent"
	"github.com/sells-group/installer-scout/internal/fetch"
	"github.com/sells-group/installer-scout/pkg/tavily"
)

// --- Reasoner Mock ---

type mockReasoner struct {
	mock.Mock
}

func (m *mockReasoner) Invoke(ctx context.Context, req agent.Request) (*agent.Result, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*agent.Result), args.Error(1)
}

// --- Tavily Mock ---

type mockSearchClient struct {
	mock.Mock
}

func (m *mockSearchClient) Search(ctx context.Context, query string, opts ...tavily.SearchOption) (*tavily.SearchResponse, error) {
	args := m.Called(ctx, query)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*tavily.SearchResponse), args.Error(1)
}

func (m *mockSearchClient) Extract(ctx context.Context, targetURL string) (*tavily.ExtractResponse, error) {
	args := m.Called(ctx, targetURL)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*tavily.ExtractResponse), args.Error(1)
}

// --- Fetcher Mock ---

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) Fetch(ctx context.Context, url string) (*fetch.Page, error) {
	args := m.Called(ctx, url)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*fetch.Page), args.Error(1)
}

// Interface compliance.
var (
	_ agent.Service = (*mockReasoner)(nil)
	_ tavily.Client = (*mockSearchClient)(nil)
	_ fetch.Fetcher = (*mockFetcher)(nil)
)
