package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Veraticus/expense-flow/internal/common"
	"github.com/Veraticus/expense-flow/internal/service"
)

// Config holds configuration for the LLM classifier.
type Config struct {
	Provider    string
	APIKey      string
	BaseURL     string
	Model       string
	Retry       service.RetryOptions
	Timeout     time.Duration
	RateLimit   int // Requests per minute
	Temperature float64
	MaxTokens   int
}

func (c Config) temperature() float64 {
	if c.Temperature == 0 {
		return 0.1
	}
	return c.Temperature
}

func (c Config) maxTokens() int {
	if c.MaxTokens == 0 {
		return 200
	}
	return c.MaxTokens
}

// Hint is a known vendor identity passed to the model as context.
type Hint struct {
	Vendor     string
	GLCode     string
	Department string
}

// Inference is the Tier-3 result for one raw description.
type Inference struct {
	NormalizedText string
	GLCode         string
	Department     string
	Confidence     float64
}

// Classifier wraps a Client with rate limiting and retries.
type Classifier struct {
	client      Client
	logger      *slog.Logger
	rateLimiter *rateLimiter
	retryOpts   service.RetryOptions
}

// NewClassifier creates a classifier for the configured provider.
func NewClassifier(cfg Config, logger *slog.Logger) (*Classifier, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	return NewClassifierWithClient(client, cfg, logger), nil
}

// NewClassifierWithClient wraps an existing client.
func NewClassifierWithClient(client Client, cfg Config, logger *slog.Logger) *Classifier {
	retryOpts := cfg.Retry
	if retryOpts.MaxAttempts == 0 {
		retryOpts = service.DefaultRetryOptions()
	}

	return &Classifier{
		client:      client,
		logger:      common.LoggerOrDefault(logger),
		retryOpts:   retryOpts,
		rateLimiter: newRateLimiter(cfg.RateLimit),
	}
}

// Classify infers the normalized description and accounting codes for raw.
// Transient provider errors are retried; the final error wraps common.ErrProviderFailure
// or common.ErrRateLimit.
func (c *Classifier) Classify(ctx context.Context, raw string, hints []Hint) (Inference, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Inference{}, common.Validationf("description is required")
	}

	prompt := buildPrompt(raw, hints)

	var response ClassificationResponse
	err := common.WithRetry(ctx, func() error {
		if err := c.rateLimiter.wait(ctx); err != nil {
			return err
		}

		resp, err := c.client.Classify(ctx, prompt)
		if err != nil {
			c.logger.Warn("LLM classification attempt failed",
				"error", err,
				"description", raw)
			return err
		}
		response = resp
		return nil
	}, c.retryOpts)
	if err != nil {
		return Inference{}, fmt.Errorf("classification failed: %w", err)
	}

	c.logger.Debug("LLM classified description",
		"description", raw,
		"gl_code", response.GLCode,
		"confidence", response.Confidence)

	return Inference{
		NormalizedText: response.NormalizedText,
		GLCode:         response.GLCode,
		Department:     response.Department,
		Confidence:     response.Confidence,
	}, nil
}
