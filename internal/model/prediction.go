package model

import "time"

// PredictionStatus follows the same Proposed → {Confirmed, Rejected} shape as match proposals.
type PredictionStatus string

// Prediction status constants.
const (
	PredictionPending   PredictionStatus = "PENDING"
	PredictionConfirmed PredictionStatus = "CONFIRMED"
	PredictionRejected  PredictionStatus = "REJECTED"
)

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s PredictionStatus) CanTransition(next PredictionStatus) bool {
	switch s {
	case PredictionPending:
		return next == PredictionConfirmed || next == PredictionRejected
	case PredictionConfirmed, PredictionRejected:
		return false
	default:
		return false
	}
}

// ConfidenceLevel buckets a prediction's score for display.
type ConfidenceLevel string

// Confidence levels.
const (
	ConfidenceHigh   ConfidenceLevel = "HIGH"
	ConfidenceMedium ConfidenceLevel = "MEDIUM"
	ConfidenceLow    ConfidenceLevel = "LOW"
)

// LevelFor returns the level for a score in [0,1].
func LevelFor(score float64) ConfidenceLevel {
	switch {
	case score >= 0.75:
		return ConfidenceHigh
	case score >= 0.5:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// TransactionPrediction proposes that a transaction is a business expense.
// PatternID is nil for manual overrides.
type TransactionPrediction struct {
	CreatedAt       time.Time
	ResolvedAt      *time.Time
	PatternID       *string
	ID              string
	TransactionID   string
	Status          PredictionStatus
	ConfidenceLevel ConfidenceLevel
	ConfidenceScore float64
}

// IsManual reports whether the prediction came from a user override rather than a pattern.
func (p *TransactionPrediction) IsManual() bool {
	return p.PatternID == nil
}
