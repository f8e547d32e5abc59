package matching

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Veraticus/expense-flow/internal/common"
	"github.com/Veraticus/expense-flow/internal/model"
	"github.com/Veraticus/expense-flow/internal/service"
)

// DefaultAutoProposeThreshold is the minimum confidence for an automatic proposal.
const DefaultAutoProposeThreshold = 70

// Store is the persistence the manager needs.
type Store interface {
	service.ReceiptStore
	service.TransactionStore
	service.ProposalStore
}

// Learner is notified after a proposal reaches a terminal state.
type Learner interface {
	OnMatchConfirmed(ctx context.Context, receipt *model.Receipt, target model.MatchTarget) error
	OnMatchRejected(ctx context.Context, receipt *model.Receipt, target model.MatchTarget) error
}

// Config configures the proposal manager.
type Config struct {
	AutoProposeThreshold int
	Workers              int // Concurrent receipts in BatchAutoMatch
}

// DefaultConfig returns the standard threshold and four batch workers.
func DefaultConfig() Config {
	return Config{AutoProposeThreshold: DefaultAutoProposeThreshold, Workers: 4}
}

// Manager creates and resolves match proposals.
type Manager struct {
	store   Store
	scorer  *Scorer
	learner Learner
	logger  *slog.Logger
	cfg     Config
}

// NewManager creates a manager. learner may be nil.
func NewManager(store Store, scorer *Scorer, learner Learner, cfg Config, logger *slog.Logger) *Manager {
	if cfg.AutoProposeThreshold <= 0 {
		cfg.AutoProposeThreshold = DefaultAutoProposeThreshold
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Manager{
		store:   store,
		scorer:  scorer,
		learner: learner,
		logger:  common.LoggerOrDefault(logger),
		cfg:     cfg,
	}
}

// AutoMatchResult reports what AutoMatch did for one receipt.
type AutoMatchResult struct {
	Proposal   *model.MatchProposal // Nil unless a proposal was created
	Best       *Score               // Highest ranked candidate, even below threshold
	ReceiptID  string
	SkipReason string
	Candidates int
}

// Proposed reports whether a proposal was created.
func (r AutoMatchResult) Proposed() bool { return r.Proposal != nil }

// AutoMatch scores the receipt against its candidates and proposes the best one if it
// clears the threshold. Receipts that already have a pending or confirmed proposal are skipped.
func (m *Manager) AutoMatch(ctx context.Context, receiptID string) (AutoMatchResult, error) {
	result := AutoMatchResult{ReceiptID: receiptID}

	receipt, err := m.store.GetReceipt(ctx, receiptID)
	if err != nil {
		return result, fmt.Errorf("failed to load receipt: %w", err)
	}

	if receipt.MatchStatus == model.MatchMatched {
		result.SkipReason = "receipt already matched"
		return result, nil
	}
	open, err := m.store.HasOpenProposal(ctx, receiptID)
	if err != nil {
		return result, fmt.Errorf("failed to check proposals: %w", err)
	}
	if open {
		result.SkipReason = "receipt already has an open proposal"
		return result, nil
	}
	if receipt.Date == nil {
		result.SkipReason = "no date extracted"
		return result, nil
	}

	scores, err := m.scoreCandidates(ctx, receipt)
	if err != nil {
		return result, err
	}
	result.Candidates = len(scores)
	if len(scores) == 0 {
		result.SkipReason = "no candidates in window"
		return result, nil
	}

	best := scores[0]
	result.Best = &best
	if best.Confidence < m.cfg.AutoProposeThreshold {
		result.SkipReason = fmt.Sprintf("best confidence %d below threshold %d", best.Confidence, m.cfg.AutoProposeThreshold)
		return result, nil
	}

	proposal := &model.MatchProposal{
		ReceiptID:   receipt.ID,
		Target:      best.Candidate.Target,
		Confidence:  best.Confidence,
		AmountScore: best.Amount,
		DateScore:   best.Date,
		VendorScore: best.Vendor,
		Reason:      best.Reason,
	}
	if err := m.store.CreateProposal(ctx, proposal); err != nil {
		return result, fmt.Errorf("failed to create proposal: %w", err)
	}
	result.Proposal = proposal

	m.logger.Info("Proposed match",
		"receipt_id", receipt.ID,
		"target", proposal.Target.String(),
		"confidence", proposal.Confidence)
	return result, nil
}

// ScoreCandidates ranks every candidate for the receipt, best first, without proposing.
func (m *Manager) ScoreCandidates(ctx context.Context, receiptID string) ([]Score, error) {
	receipt, err := m.store.GetReceipt(ctx, receiptID)
	if err != nil {
		return nil, fmt.Errorf("failed to load receipt: %w", err)
	}
	if receipt.Date == nil {
		return nil, nil
	}
	return m.scoreCandidates(ctx, receipt)
}

func (m *Manager) scoreCandidates(ctx context.Context, receipt *model.Receipt) ([]Score, error) {
	window := m.scorer.DateWindow()
	txns, groups, err := m.store.FindCandidates(ctx, service.CandidateQuery{
		OwnerID: receipt.OwnerID,
		From:    receipt.Date.AddDate(0, 0, -window),
		To:      receipt.Date.AddDate(0, 0, window),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load candidates: %w", err)
	}

	rejected, err := m.store.RejectedTargets(ctx, receipt.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load rejected targets: %w", err)
	}
	skip := make(map[model.MatchTarget]bool, len(rejected))
	for _, t := range rejected {
		skip[t] = true
	}

	scores := make([]Score, 0, len(txns)+len(groups))
	add := func(c Candidate, err error) {
		if err != nil {
			m.logger.Warn("Skipping invalid candidate", "error", err)
			return
		}
		if skip[c.Target] {
			return
		}
		scores = append(scores, m.scorer.Score(receipt, c))
	}
	for _, t := range txns {
		add(CandidateFromTransaction(t))
	}
	for _, g := range groups {
		add(CandidateFromGroup(g))
	}

	Rank(scores)
	return scores, nil
}

// ManualMatch pairs a receipt with a target chosen by the user. Scoring is bypassed.
func (m *Manager) ManualMatch(ctx context.Context, receiptID string, target model.MatchTarget) (*model.MatchProposal, error) {
	if target.IsZero() {
		return nil, fmt.Errorf("%w: match target", model.ErrInvalidTarget)
	}

	proposal := &model.MatchProposal{
		ReceiptID: receiptID,
		Target:    target,
		IsManual:  true,
		Reason:    "matched manually",
	}
	if err := m.store.CreateProposal(ctx, proposal); err != nil {
		return nil, fmt.Errorf("failed to create manual proposal: %w", err)
	}

	m.logger.Info("Created manual match", "receipt_id", receiptID, "target", target.String())
	return proposal, nil
}

// Confirm confirms a proposal if version is still current, then reinforces learning.
// Learning failures are logged; the confirmation itself has already committed.
func (m *Manager) Confirm(ctx context.Context, proposalID, version string) (*model.MatchProposal, error) {
	proposal, err := m.store.ConfirmProposal(ctx, proposalID, version)
	if err != nil {
		return nil, fmt.Errorf("failed to confirm proposal %s: %w", proposalID, err)
	}

	m.logger.Info("Confirmed match", "proposal_id", proposal.ID, "receipt_id", proposal.ReceiptID)
	m.notify(ctx, proposal, true)
	return proposal, nil
}

// Reject rejects a proposal if version is still current.
func (m *Manager) Reject(ctx context.Context, proposalID, version string) (*model.MatchProposal, error) {
	proposal, err := m.store.RejectProposal(ctx, proposalID, version)
	if err != nil {
		return nil, fmt.Errorf("failed to reject proposal %s: %w", proposalID, err)
	}

	m.logger.Info("Rejected match", "proposal_id", proposal.ID, "receipt_id", proposal.ReceiptID)
	m.notify(ctx, proposal, false)
	return proposal, nil
}

// ListProposals lists proposals matching filter.
func (m *Manager) ListProposals(ctx context.Context, filter service.ProposalFilter) ([]model.MatchProposal, error) {
	return m.store.ListProposals(ctx, filter)
}

func (m *Manager) notify(ctx context.Context, proposal *model.MatchProposal, confirmed bool) {
	if m.learner == nil {
		return
	}

	ctx = context.WithoutCancel(ctx)
	receipt, err := m.store.GetReceipt(ctx, proposal.ReceiptID)
	if err != nil {
		m.logger.Error("Failed to load receipt for learning", "receipt_id", proposal.ReceiptID, "error", err)
		return
	}

	if confirmed {
		err = m.learner.OnMatchConfirmed(ctx, receipt, proposal.Target)
	} else {
		err = m.learner.OnMatchRejected(ctx, receipt, proposal.Target)
	}
	if err != nil {
		m.logger.Error("Failed to record match feedback",
			"proposal_id", proposal.ID,
			"confirmed", confirmed,
			"error", err)
	}
}
