// Package llm abstracts the chat-completion providers used by workflow
// tools that generate text (review suggestions). Providers share a minimal
// prompt-in, text-out interface; tools stay provider-agnostic.
package llm

import (
	"context"
	"fmt"
)

// Client is a minimal chat-completion client.
type Client interface {
	// Complete sends prompt and returns the model's text response.
	Complete(ctx context.Context, prompt string) (string, error)

	// Name identifies the provider ("anthropic", "openai", "google").
	Name() string

	// Close releases provider resources. Safe to call more than once.
	Close() error
}

// NewClient constructs the provider named by provider. model may be empty
// to use the provider default.
func NewClient(ctx context.Context, provider, model, apiKey string) (Client, error) {
	switch provider {
	case "anthropic":
		return NewAnthropicClient(apiKey, model)
	case "openai":
		return NewOpenAIClient(apiKey, model)
	case "google":
		return NewGoogleClient(ctx, apiKey, model)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", provider)
	}
}
