package llm

import (
	"context"
	"sync"
)

// MockClient returns scripted responses in order. Used by generator,
// reviewer, and controller tests.
type MockClient struct {
	mu        sync.Mutex
	responses []CompletionResponse
	errs      []error
	calls     int
}

// NewMockClient creates a mock that cycles through the given responses and
// errors. A nil entry in errs means that call succeeds.
func NewMockClient(responses []CompletionResponse, errs []error) *MockClient {
	return &MockClient{responses: responses, errs: errs}
}

// Complete implements Client.
//
//nolint:gocritic // request size acceptable for interface consistency
func (m *MockClient) Complete(_ context.Context, _ CompletionRequest) (CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.calls
	m.calls++

	if idx < len(m.errs) && m.errs[idx] != nil {
		return CompletionResponse{}, m.errs[idx]
	}
	if len(m.responses) == 0 {
		return CompletionResponse{Content: "mock response"}, nil
	}
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	return m.responses[idx], nil
}

// Calls returns the number of Complete invocations.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
