package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const defaultGoogleModel = "gemini-1.5-flash"

// GoogleClient implements Client over Google's Gemini API. Unlike the other
// providers the underlying client holds a connection and must be closed.
type GoogleClient struct {
	client *genai.Client
	model  string
}

// NewGoogleClient creates a client for the given API key and model.
func NewGoogleClient(ctx context.Context, apiKey, model string) (*GoogleClient, error) {
	if apiKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if model == "" {
		model = defaultGoogleModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("google client: %w", err)
	}
	return &GoogleClient{client: client, model: model}, nil
}

// Complete sends prompt and concatenates the text parts of the first
// candidate.
func (c *GoogleClient) Complete(ctx context.Context, prompt string) (string, error) {
	model := c.client.GenerativeModel(c.model)
	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("google completion: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("google completion: empty response")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	return sb.String(), nil
}

func (c *GoogleClient) Name() string { return "google" }

func (c *GoogleClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
