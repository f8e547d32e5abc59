// Package model defines the core domain models used throughout the application.
package model

import "time"

// Tier identifies which stage of the categorization cascade served a request.
type Tier string

// Cascade tiers, cheapest first.
const (
	TierNone       Tier = "NONE"
	TierCache      Tier = "CACHE"
	TierSimilarity Tier = "SIMILARITY"
	TierInference  Tier = "INFERENCE"
)

// Ordinal returns the 1-based position of the tier in the cascade, 0 for TierNone.
func (t Tier) Ordinal() int {
	switch t {
	case TierCache:
		return 1
	case TierSimilarity:
		return 2
	case TierInference:
		return 3
	case TierNone:
		return 0
	default:
		return 0
	}
}

// DescriptionCacheEntry memoizes a raw description's normalized form (Tier 1).
type DescriptionCacheEntry struct {
	CreatedAt             time.Time
	LastHitAt             time.Time
	Hash                  string
	RawDescription        string
	NormalizedDescription string
	GLCode                string
	Department            string
	HitCount              int
}

// EmbeddingRecord is a vector for a normalized description plus its resolved codes (Tier 2).
type EmbeddingRecord struct {
	CreatedAt  time.Time
	ExpiresAt  *time.Time // nil for verified records
	ID         string
	Text       string
	GLCode     string
	Department string
	Vector     []float32
	Verified   bool
}

// Expired reports whether the record is past its retention window at now.
func (r *EmbeddingRecord) Expired(now time.Time) bool {
	if r.Verified || r.ExpiresAt == nil {
		return false
	}
	return !now.Before(*r.ExpiresAt)
}

// TierUsage records which tier resolved a description and how long it took.
type TierUsage struct {
	At              time.Time
	DescriptionHash string
	Outcome         string
	Tier            Tier
	Elapsed         time.Duration
}
