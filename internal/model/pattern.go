package model

import "time"

// PatternClass is the business/personal classification derived from feedback counts.
type PatternClass string

// Pattern classifications.
const (
	ClassUndetermined PatternClass = "UNDETERMINED"
	ClassBusiness     PatternClass = "BUSINESS"
	ClassPersonal     PatternClass = "PERSONAL"
)

// PatternThresholds holds the product cutoffs for classifying an expense pattern.
// Business needs far less evidence than personal.
type PatternThresholds struct {
	BusinessConfirmRate float64
	PersonalRejectRate  float64
	BusinessMinSamples  int
	PersonalMinSamples  int
}

// DefaultPatternThresholds returns the standard cutoffs (50%/1 sample, 60%/3 samples).
func DefaultPatternThresholds() PatternThresholds {
	return PatternThresholds{
		BusinessConfirmRate: 0.5,
		BusinessMinSamples:  1,
		PersonalRejectRate:  0.6,
		PersonalMinSamples:  3,
	}
}

// ClassifyCounts derives a classification from confirm and reject counts.
// Business takes precedence when both thresholds are met: a vendor with enough
// confirmed business use is never labelled personal.
//
// The result is not monotonic in rejects. With the default thresholds, 3
// confirms and 4 rejects is undetermined (neither rate is reached), while 3
// confirms and 5 rejects is business: the reject rate crosses the personal
// cutoff and the business samples then take precedence.
func ClassifyCounts(confirms, rejects int, t PatternThresholds) PatternClass {
	total := confirms + rejects
	if total <= 0 {
		return ClassUndetermined
	}

	confirmRate := float64(confirms) / float64(total)
	rejectRate := float64(rejects) / float64(total)

	hasBusinessSamples := confirms >= t.BusinessMinSamples
	businessMet := hasBusinessSamples && confirmRate >= t.BusinessConfirmRate
	personalMet := total >= t.PersonalMinSamples && rejectRate >= t.PersonalRejectRate

	switch {
	case businessMet:
		return ClassBusiness
	case personalMet && hasBusinessSamples:
		return ClassBusiness
	case personalMet:
		return ClassPersonal
	default:
		return ClassUndetermined
	}
}

// ExpensePattern is the learned per-vendor profile built from match feedback.
type ExpensePattern struct {
	LastSeenAt    time.Time
	CreatedAt     time.Time
	ID            string
	VendorKey     string // Normalized vendor identity
	DisplayName   string
	AverageAmount float64
	MinAmount     float64
	MaxAmount     float64
	ConfirmCount  int
	RejectCount   int
	IsSuppressed  bool
}

// Classification is computed on read; it is never persisted.
func (p *ExpensePattern) Classification(t PatternThresholds) PatternClass {
	return ClassifyCounts(p.ConfirmCount, p.RejectCount, t)
}

// ConfirmRate returns the fraction of feedback that was a confirmation.
func (p *ExpensePattern) ConfirmRate() float64 {
	total := p.ConfirmCount + p.RejectCount
	if total == 0 {
		return 0
	}
	return float64(p.ConfirmCount) / float64(total)
}
