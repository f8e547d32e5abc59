package embedding

import (
	"context"
	"strings"
)

const (
	defaultVoyageBaseURL = "https://api.voyageai.com/v1"
	defaultVoyageModel   = "voyage-3-lite"
)

type voyageRequest struct {
	Model     string   `json:"model"`
	InputType string   `json:"input_type"`
	Input     []string `json:"input"`
}

// VoyageClient embeds text with the Voyage AI API.
type VoyageClient struct {
	model  string
	client jsonClient
}

// NewVoyageClient creates a Voyage embedding client.
func NewVoyageClient(cfg Config) *VoyageClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultVoyageBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultVoyageModel
	}
	return &VoyageClient{
		model:  model,
		client: newJSONClient("voyage", strings.TrimRight(baseURL, "/")+"/embeddings", cfg),
	}
}

// Embed returns the embedding vector for text.
func (c *VoyageClient) Embed(ctx context.Context, text string) ([]float32, error) {
	return c.client.embed(ctx, voyageRequest{
		Input:     []string{text},
		Model:     c.model,
		InputType: "document",
	})
}

// Model returns the configured embedding model.
func (c *VoyageClient) Model() string { return c.model }
