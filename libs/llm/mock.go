package llm

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Mock is an in-process Provider for tests and mock-mode deployments. It
// replays scripted responses (falling back to an echo once the script is
// exhausted) and can be told to fail its first N calls, which exercises
// caller retry paths.
type Mock struct {
	mu        sync.Mutex
	logger    *zap.Logger
	responses []string
	failFirst int
	calls     int
	prompts   []string
}

// NewMock creates a mock provider.
func NewMock(logger *zap.Logger) *Mock {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mock{logger: logger}
}

// Script queues canned responses, returned in order.
func (m *Mock) Script(responses ...string) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, responses...)
	return m
}

// FailFirst makes the next n calls return an error before recovering.
func (m *Mock) FailFirst(n int) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFirst = n
	return m
}

// Execute returns the next scripted response.
func (m *Mock) Execute(ctx context.Context, prompt string) (string, error) {
	return m.ExecuteWithSystem(ctx, prompt, "")
}

// ExecuteWithSystem returns the next scripted response.
func (m *Mock) ExecuteWithSystem(ctx context.Context, prompt, systemInstruction string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	m.prompts = append(m.prompts, prompt)

	if m.failFirst > 0 {
		m.failFirst--
		return "", fmt.Errorf("mock llm failure (remaining %d)", m.failFirst)
	}
	if len(m.responses) > 0 {
		resp := m.responses[0]
		m.responses = m.responses[1:]
		return resp, nil
	}
	return fmt.Sprintf("mock response to: %s", prompt), nil
}

// Model returns the mock model name.
func (m *Mock) Model() string {
	return "mock-llm"
}

// Calls returns how many completions were requested.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Prompts returns the prompts seen so far, in order.
func (m *Mock) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}
