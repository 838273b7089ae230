package llm

import (
	"context"
	"sync"
)

// MockClient is a scriptable Client for tests. Responses come from
// GenerateFunc when set, otherwise a canned success.
type MockClient struct {
	GenerateFunc func(ctx context.Context, req Request) (*Response, error)
	ProviderName string

	mu    sync.Mutex
	calls []Request
}

// Generate records the request and delegates to GenerateFunc.
func (m *MockClient) Generate(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, req)
	}
	return &Response{
		Content:          "ok",
		TokensPrompt:     10,
		TokensCompletion: 5,
		Model:            req.Model,
	}, nil
}

// Provider returns the configured provider name, defaulting to "mock".
func (m *MockClient) Provider() string {
	if m.ProviderName != "" {
		return m.ProviderName
	}
	return "mock"
}

// Calls returns a copy of every request seen so far.
func (m *MockClient) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of Generate invocations.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
