// Package llm defines the model-inference provider used by llm steps and an
// OpenAI-compatible HTTP implementation.
package llm

import (
	"context"
	"encoding/json"
)

// Provider completes a single prompt.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// CompletionRequest is a single-turn completion.
type CompletionRequest struct {
	Model        string
	SystemPrompt string
	Prompt       string
	Temperature  *float64
	MaxTokens    int
	// OutputSchema, when set, asks the model for JSON conforming to it.
	OutputSchema json.RawMessage
}

// CompletionResponse is the model's answer.
type CompletionResponse struct {
	Content      string `json:"content"`
	Model        string `json:"model,omitempty"`
	FinishReason string `json:"finishReason,omitempty"`
	Usage        Usage  `json:"usage"`
}

// Usage reports token accounting when the provider returns it.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

func (f ProviderFunc) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return f(ctx, req)
}
