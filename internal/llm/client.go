package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/Veraticus/expense-flow/internal/common"
)

// Supported providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Client is a raw provider API that turns one prompt into a categorization.
type Client interface {
	Classify(ctx context.Context, prompt string) (ClassificationResponse, error)
}

// ClassificationResponse contains the LLM's categorization of one expense description.
type ClassificationResponse struct {
	NormalizedText string
	GLCode         string
	Department     string
	Confidence     float64
}

// NewClient creates the raw client for cfg.Provider. A missing API key is reported as
// common.ErrMissingConfig so callers can run without the inference tier.
func NewClient(cfg Config) (Client, error) {
	switch strings.ToLower(cfg.Provider) {
	case ProviderOpenAI, "":
		return newOpenAIClient(cfg)
	case ProviderAnthropic:
		return newAnthropicClient(cfg)
	default:
		return nil, fmt.Errorf("%w: unknown LLM provider %q", common.ErrInvalidConfig, cfg.Provider)
	}
}

const systemPrompt = "You are an expense categorization assistant for an accounting team. " +
	"You MUST respond with ONLY a valid JSON object. Do not include any explanatory text, " +
	"markdown formatting, or commentary before or after the JSON. Start your response directly with { and end with }."
