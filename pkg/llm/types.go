package llm

import (
	"fmt"
	"time"
)

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func System(content string) Message { return Message{Role: "system", Content: content} }

func User(content string) Message { return Message{Role: "user", Content: content} }

// Request is a single completion call.
type Request struct {
	Messages []Message
	// JSON asks the model to answer with one JSON object.
	JSON bool
	// MaxTokens overrides Config.MaxTokens when positive.
	MaxTokens int
}

// Response represents a complete response from an LLM provider.
type Response struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage"`
}

// Usage tracks token consumption for a request/response pair.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// StatusError is returned when the provider answers with a non-200 status.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}
