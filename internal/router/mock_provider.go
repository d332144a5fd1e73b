package router

import (
	"context"
	"fmt"
	"sync/atomic"
)

// MockProvider is a deterministic Provider used by tests and local
// development, grounded on the teacher's ai/providers/mock pattern.
type MockProvider struct {
	ProviderName string
	Responses    []MockResponse
	calls        atomic.Int64
}

// MockResponse scripts one call's outcome for MockProvider.
type MockResponse struct {
	Completion Completion
	Err        error
}

func (m *MockProvider) Name() string { return m.ProviderName }

// Complete returns the next scripted response in order, repeating the last
// one once the script is exhausted.
func (m *MockProvider) Complete(ctx context.Context, apiKey string, req Request) (Completion, error) {
	i := m.calls.Add(1) - 1
	if len(m.Responses) == 0 {
		return Completion{Text: fmt.Sprintf("mock response to %q", req.Prompt)}, nil
	}
	idx := int(i)
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	r := m.Responses[idx]
	return r.Completion, r.Err
}
