package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockProvider is a testing implementation of Provider.
type MockProvider struct {
	Response     string
	Err          error
	GenerateFunc func(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)

	mu    sync.Mutex
	calls []GenerateRequest
}

// Generate returns the configured response, error or GenerateFunc result.
func (m *MockProvider) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, req)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return &GenerateResponse{
		Text: m.Response,
		Usage: Usage{
			PromptTokens:     10,
			CompletionTokens: 10,
			TotalTokens:      20,
		},
	}, nil
}

// Calls returns a copy of the requests received so far.
func (m *MockProvider) Calls() []GenerateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]GenerateRequest(nil), m.calls...)
}

// FailingMockProvider always fails.
type FailingMockProvider struct {
	Err error
}

func (f *FailingMockProvider) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	if f.Err == nil {
		return nil, fmt.Errorf("mock error")
	}
	return nil, f.Err
}

// HangingMockProvider blocks until the request context is done.
type HangingMockProvider struct{}

func (HangingMockProvider) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
