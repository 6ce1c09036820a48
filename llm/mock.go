package llm

import (
	"context"
	"sync"
)

// MockClient is a Client test double that records prompts and returns a
// fixed response.
type MockClient struct {
	mu       sync.Mutex
	Response string
	Err      error
	prompts  []string
}

// Complete records the prompt and returns the configured response or error.
func (m *MockClient) Complete(_ context.Context, prompt string) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	return m.Response, nil
}

// Prompts returns the prompts seen so far.
func (m *MockClient) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.prompts...)
}

func (m *MockClient) Name() string { return "mock" }

func (m *MockClient) Close() error { return nil }
