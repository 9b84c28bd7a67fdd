// Package llm provides the language-model client used by agent workers and
// the collaboration orchestrator. Providers are interchangeable: production
// deployments point at an OpenAI-compatible endpoint, tests and mock-mode
// deployments use the in-process mock.
package llm

import "context"

// Provider is the interface all LLM clients implement.
type Provider interface {
	// Execute sends a prompt and returns the completion text.
	Execute(ctx context.Context, prompt string) (string, error)

	// ExecuteWithSystem sends a prompt under a system instruction.
	ExecuteWithSystem(ctx context.Context, prompt, systemInstruction string) (string, error)

	// Model returns the provider's model identifier.
	Model() string
}

// Message is one turn in a chat transcript.
type Message struct {
	Role    string `json:"role"` // "system", "user", or "assistant"
	Content string `json:"content"`
}
