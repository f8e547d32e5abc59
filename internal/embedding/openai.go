package embedding

import (
	"context"
	"strings"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultOpenAIModel   = "text-embedding-3-small"
)

// OpenAIClient embeds text with the OpenAI embeddings API.
type OpenAIClient struct {
	model  string
	client jsonClient
}

// NewOpenAIClient creates an OpenAI embedding client. BaseURL may point at any compatible relay.
func NewOpenAIClient(cfg Config) *OpenAIClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIClient{
		model:  model,
		client: newJSONClient("openai", strings.TrimRight(baseURL, "/")+"/embeddings", cfg),
	}
}

// Embed returns the embedding vector for text.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	return c.client.embed(ctx, map[string]any{
		"input": text,
		"model": c.model,
	})
}

// Model returns the configured embedding model.
func (c *OpenAIClient) Model() string { return c.model }
