// Package embedding turns normalized descriptions into vectors for the similarity tier.
package embedding

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Veraticus/expense-flow/internal/common"
	"github.com/Veraticus/expense-flow/internal/service"
)

// Provider converts text into an embedding vector.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Model identifies the vector space; vectors from different models are not comparable.
	Model() string
}

// Config selects and configures an embedding provider.
type Config struct {
	Provider string // "openai" or "voyage"
	APIKey   string
	BaseURL  string
	Model    string
	Timeout  time.Duration
	Retry    service.RetryOptions
}

// NewProvider creates the provider named in cfg.
func NewProvider(cfg Config) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: embedding API key", common.ErrMissingConfig)
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = service.DefaultRetryOptions()
	}

	switch strings.ToLower(cfg.Provider) {
	case "openai", "":
		return NewOpenAIClient(cfg), nil
	case "voyage":
		return NewVoyageClient(cfg), nil
	default:
		return nil, fmt.Errorf("%w: unsupported embedding provider %q", common.ErrInvalidConfig, cfg.Provider)
	}
}

// CosineSimilarity returns the cosine of the angle between a and b.
// Mismatched lengths and zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
