package llm

import "context"

// Provider is a chat-completion backend. Implementations handle request
// formatting, authentication and response parsing.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Config holds common configuration for LLM providers.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
}
