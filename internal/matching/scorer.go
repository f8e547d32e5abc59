// Package matching scores receipts against ledger transactions and manages the
// resulting match proposals.
package matching

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/agnivade/levenshtein"
	"github.com/shopspring/decimal"

	"github.com/Veraticus/expense-flow/internal/model"
	"github.com/Veraticus/expense-flow/internal/vendor"
)

// Vendor sub-score levels.
const (
	vendorAliasBoth    = model.MaxVendorScore
	vendorAliasOnly    = 15
	vendorFuzzyMax     = 20
	fuzzyMinSimilarity = 0.3
)

var exactTolerance = decimal.RequireFromString("0.005")

// ScorerConfig tunes the amount and date decay.
type ScorerConfig struct {
	AmountAbsTolerance decimal.Decimal // Smallest cutoff for amount deviation
	AmountRelTolerance decimal.Decimal // Cutoff as a fraction of the receipt amount
	DateWindowDays     int             // Largest gap that still earns date points
}

// DefaultScorerConfig returns a 1.00 / 5% amount cutoff and a 4 day window.
func DefaultScorerConfig() ScorerConfig {
	return ScorerConfig{
		AmountAbsTolerance: decimal.RequireFromString("1.00"),
		AmountRelTolerance: decimal.RequireFromString("0.05"),
		DateWindowDays:     4,
	}
}

// Candidate is a transaction or group viewed uniformly for scoring.
type Candidate struct {
	Date   time.Time
	Text   string // Statement description or group merchant name
	Amount decimal.Decimal
	Target model.MatchTarget
}

// CandidateFromTransaction adapts a single transaction.
func CandidateFromTransaction(t model.Transaction) (Candidate, error) {
	target, err := model.TransactionTarget(t.ID)
	if err != nil {
		return Candidate{}, err
	}
	return Candidate{Target: target, Date: t.Date, Amount: t.Amount, Text: t.Description}, nil
}

// CandidateFromGroup adapts a group; its combined amount is scored like any other amount.
func CandidateFromGroup(g model.TransactionGroup) (Candidate, error) {
	target, err := model.GroupTarget(g.ID)
	if err != nil {
		return Candidate{}, err
	}
	return Candidate{Target: target, Date: g.Date, Amount: g.CombinedAmount, Text: g.Name}, nil
}

// Score is the breakdown for one receipt/candidate pair.
// Confidence always equals Amount + Date + Vendor.
type Score struct {
	Reason     string
	Candidate  Candidate
	Amount     int
	Date       int
	Vendor     int
	Confidence int
}

// Scorer computes match confidence from amount, date and vendor signals.
type Scorer struct {
	vendors *vendor.Directory
	cfg     ScorerConfig
}

// NewScorer creates a scorer. vendors may be nil, in which case only fuzzy vendor matching applies.
func NewScorer(cfg ScorerConfig, vendors *vendor.Directory) *Scorer {
	if cfg.DateWindowDays < 0 {
		cfg.DateWindowDays = 0
	}
	return &Scorer{cfg: cfg, vendors: vendors}
}

// DateWindow returns the configured date window in days.
func (s *Scorer) DateWindow() int { return s.cfg.DateWindowDays }

// Score rates how well c matches r. It is pure and never blocks.
func (s *Scorer) Score(r *model.Receipt, c Candidate) Score {
	amount, amountReason := s.amountScore(r, c)
	date, dateReason := s.dateScore(r, c)
	vendorPts, vendorReason := s.vendorScore(r, c)

	return Score{
		Candidate:  c,
		Amount:     amount,
		Date:       date,
		Vendor:     vendorPts,
		Confidence: amount + date + vendorPts,
		Reason: fmt.Sprintf("%s (+%d); %s (+%d); %s (+%d)",
			amountReason, amount, dateReason, date, vendorReason, vendorPts),
	}
}

func (s *Scorer) amountScore(r *model.Receipt, c Candidate) (int, string) {
	if !r.Amount.Valid {
		return 0, "no amount on receipt"
	}

	receiptAmt := r.Amount.Decimal.Abs()
	delta := receiptAmt.Sub(c.Amount.Abs()).Abs()
	if delta.LessThan(exactTolerance) {
		return model.MaxAmountScore, fmt.Sprintf("amount %s matches exactly", receiptAmt.StringFixed(2))
	}

	cutoff := decimal.Max(s.cfg.AmountAbsTolerance, s.cfg.AmountRelTolerance.Mul(receiptAmt))
	if !cutoff.IsPositive() || delta.GreaterThanOrEqual(cutoff) {
		return 0, fmt.Sprintf("amount differs by %s, beyond the %s tolerance", delta.StringFixed(2), cutoff.StringFixed(2))
	}

	ratio, _ := delta.Div(cutoff).Float64()
	pts := int(math.Round(float64(model.MaxAmountScore) * (1 - ratio)))
	pts = min(pts, model.MaxAmountScore-1)
	pts = max(pts, 0)
	return pts, fmt.Sprintf("amount differs by %s", delta.StringFixed(2))
}

func (s *Scorer) dateScore(r *model.Receipt, c Candidate) (int, string) {
	if r.Date == nil {
		return 0, "no date on receipt"
	}

	gap := daysApart(*r.Date, c.Date)
	switch {
	case gap == 0:
		return model.MaxDateScore, "same day"
	case gap > s.cfg.DateWindowDays:
		return 0, fmt.Sprintf("%d days apart, outside the %d day window", gap, s.cfg.DateWindowDays)
	}

	decay := 1 - float64(gap)/float64(s.cfg.DateWindowDays+1)
	pts := int(math.Round(float64(model.MaxDateScore) * decay))
	if gap == 1 {
		return pts, "1 day apart"
	}
	return pts, fmt.Sprintf("%d days apart", gap)
}

func (s *Scorer) vendorScore(r *model.Receipt, c Candidate) (int, string) {
	receiptVendor := strings.TrimSpace(r.Vendor)

	if s.vendors != nil {
		if alias, ok := s.vendors.Match(c.Text); ok {
			if receiptVendor == "" {
				return vendorAliasOnly, fmt.Sprintf("description matches vendor %s, no vendor on receipt", alias.Name())
			}
			if own, ok := s.vendors.Resolve(receiptVendor); ok && strings.EqualFold(own.CanonicalName, alias.CanonicalName) {
				return vendorAliasBoth, fmt.Sprintf("vendor %s recognized in description", alias.Name())
			}
		}
	}

	if receiptVendor == "" {
		return 0, "no vendor on receipt"
	}

	sim := fuzzySimilarity(receiptVendor, c.Text)
	if sim < fuzzyMinSimilarity {
		return 0, fmt.Sprintf("vendor %q not found in description", receiptVendor)
	}
	pts := min(int(math.Round(vendorFuzzyMax*sim)), vendorFuzzyMax)
	return pts, fmt.Sprintf("vendor %q resembles description (%.0f%% similar)", receiptVendor, sim*100)
}

// daysApart counts calendar days between a and b, ignoring time of day.
func daysApart(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	da := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	days := int(da.Sub(db).Hours() / 24)
	if days < 0 {
		return -days
	}
	return days
}

// fuzzySimilarity compares vendor and description word by word. Each vendor word
// takes its best Levenshtein similarity against the description words; the result
// is the mean, in [0,1].
func fuzzySimilarity(vendorName, description string) float64 {
	vendorTokens := tokens(vendorName)
	descTokens := tokens(description)
	if len(vendorTokens) == 0 || len(descTokens) == 0 {
		return 0
	}

	var total float64
	for _, vt := range vendorTokens {
		best := 0.0
		for _, dt := range descTokens {
			best = math.Max(best, wordSimilarity(vt, dt))
		}
		total += best
	}
	return total / float64(len(vendorTokens))
}

func wordSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if (len(a) >= 3 && strings.HasPrefix(b, a)) || (len(b) >= 3 && strings.HasPrefix(a, b)) {
		return 0.9
	}
	longest := max(len([]rune(a)), len([]rune(b)))
	if longest == 0 {
		return 0
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

// tokens lower-cases s and splits it into words, dropping pure numbers and
// single characters, which are store ids and noise on statements.
func tokens(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	out := fields[:0]
	for _, f := range fields {
		if len(f) < 2 || isNumber(f) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func isNumber(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
