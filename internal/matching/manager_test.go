package matching

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/expense-flow/internal/common"
	"github.com/Veraticus/expense-flow/internal/model"
	"github.com/Veraticus/expense-flow/internal/service"
	"github.com/Veraticus/expense-flow/internal/storage"
	"github.com/Veraticus/expense-flow/internal/testutil"
)

type feedbackCall struct {
	receiptID string
	target    model.MatchTarget
	confirmed bool
}

type mockLearner struct {
	err   error
	calls []feedbackCall
	mu    sync.Mutex
}

func (m *mockLearner) OnMatchConfirmed(_ context.Context, r *model.Receipt, target model.MatchTarget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, feedbackCall{receiptID: r.ID, target: target, confirmed: true})
	return m.err
}

func (m *mockLearner) OnMatchRejected(_ context.Context, r *model.Receipt, target model.MatchTarget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, feedbackCall{receiptID: r.ID, target: target})
	return m.err
}

func newTestManager(t *testing.T) (*Manager, *storage.SQLiteStorage, *mockLearner) {
	t.Helper()

	store := testutil.NewStore(t)
	learner := &mockLearner{}
	return NewManager(store, newTestScorer(t), learner, DefaultConfig(), nil), store, learner
}

func seedReceipt(t *testing.T, store *storage.SQLiteStorage, id, vendorName, date, amount string) *model.Receipt {
	t.Helper()
	r := &model.Receipt{
		ID:       id,
		OwnerID:  "owner-1",
		FileRef:  "blob/" + id,
		FileHash: "file-" + id,
		Vendor:   vendorName,
		Status:   model.ReceiptReady,
	}
	if date != "" {
		d := day(date)
		r.Date = &d
	}
	if amount != "" {
		r.Amount = decimal.NewNullDecimal(money(amount))
	}
	require.NoError(t, store.CreateReceipt(context.Background(), r))
	return r
}

func txn(id, date, amount, description string) model.Transaction {
	return model.Transaction{ID: id, Date: day(date), Amount: money(amount), Description: description}
}

func TestAutoMatch_DeltaScenario(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t)

	seedReceipt(t, store, "r1", "Delta Air Lines", "2025-03-01", "450.00")
	testutil.SaveTransactions(t, store, "owner-1",
		txn("t1", "2025-03-02", "450.00", "DELTA AIR 0062134567"),
		txn("t2", "2025-03-02", "89.10", "STARBUCKS 1234"),
		txn("t3", "2025-04-20", "450.00", "DELTA AIR 0099999999"),
	)

	result, err := m.AutoMatch(ctx, "r1")
	require.NoError(t, err)
	require.True(t, result.Proposed())
	assert.Equal(t, 2, result.Candidates)

	p := result.Proposal
	assert.Equal(t, model.ProposalProposed, p.Status)
	assert.Equal(t, "t1", p.Target.TransactionID())
	assert.Equal(t, 40, p.AmountScore)
	assert.Equal(t, 28, p.DateScore)
	assert.Equal(t, 25, p.VendorScore)
	assert.Equal(t, p.AmountScore+p.DateScore+p.VendorScore, p.Confidence)
	assert.False(t, p.IsManual)
	assert.NotEmpty(t, p.Version)
	assert.NotEmpty(t, p.Reason)

	r, err := store.GetReceipt(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.MatchProposed, r.MatchStatus)

	again, err := m.AutoMatch(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, again.Proposed())
	assert.Contains(t, again.SkipReason, "open proposal")
}

func TestAutoMatch_BelowThreshold(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t)

	seedReceipt(t, store, "r1", "Acme Widgets", "2025-03-01", "45.00")
	testutil.SaveTransactions(t, store, "owner-1", txn("t1", "2025-03-04", "47.00", "POS PURCHASE 99"))

	result, err := m.AutoMatch(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, result.Proposed())
	require.NotNil(t, result.Best)
	assert.Less(t, result.Best.Confidence, DefaultAutoProposeThreshold)
	assert.Contains(t, result.SkipReason, "below threshold")

	proposals, err := m.ListProposals(ctx, service.ProposalFilter{ReceiptID: "r1"})
	require.NoError(t, err)
	assert.Empty(t, proposals)
}

func TestAutoMatch_SkipsWithoutDate(t *testing.T) {
	m, store, _ := newTestManager(t)
	seedReceipt(t, store, "r1", "Delta Air Lines", "", "450.00")

	result, err := m.AutoMatch(context.Background(), "r1")
	require.NoError(t, err)
	assert.False(t, result.Proposed())
	assert.Equal(t, "no date extracted", result.SkipReason)
}

func TestAutoMatch_TieBreaksOnLowestID(t *testing.T) {
	m, store, _ := newTestManager(t)

	seedReceipt(t, store, "r1", "Marriott", "2025-03-01", "300.00")
	testutil.SaveTransactions(t, store, "owner-1",
		txn("t-b", "2025-03-01", "300.00", "MARRIOTT DOWNTOWN"),
		txn("t-a", "2025-03-01", "300.00", "MARRIOTT DOWNTOWN"),
	)

	result, err := m.AutoMatch(context.Background(), "r1")
	require.NoError(t, err)
	require.True(t, result.Proposed())
	assert.Equal(t, "t-a", result.Proposal.Target.ID())
}

func TestAutoMatch_RejectedPairNotReproposed(t *testing.T) {
	ctx := context.Background()
	m, store, learner := newTestManager(t)

	seedReceipt(t, store, "r1", "Marriott", "2025-03-01", "300.00")
	testutil.SaveTransactions(t, store, "owner-1",
		txn("t1", "2025-03-01", "300.00", "MARRIOTT DOWNTOWN"),
		txn("t2", "2025-03-02", "300.00", "MARRIOTT AIRPORT"),
	)

	first, err := m.AutoMatch(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, "t1", first.Proposal.Target.ID())

	_, err = m.Reject(ctx, first.Proposal.ID, first.Proposal.Version)
	require.NoError(t, err)
	require.Len(t, learner.calls, 1)
	assert.False(t, learner.calls[0].confirmed)

	second, err := m.AutoMatch(ctx, "r1")
	require.NoError(t, err)
	require.True(t, second.Proposed())
	assert.Equal(t, "t2", second.Proposal.Target.ID())

	// A rejected pair can still be matched explicitly.
	target, err := model.TransactionTarget("t1")
	require.NoError(t, err)
	manual, err := m.ManualMatch(ctx, "r1", target)
	require.NoError(t, err)
	assert.True(t, manual.IsManual)
	assert.Zero(t, manual.Confidence)
}

func TestAutoMatch_GroupCandidate(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t)

	seedReceipt(t, store, "r1", "Marriott", "2025-03-03", "300.00")
	testutil.SaveTransactions(t, store, "owner-1",
		txn("t1", "2025-03-03", "200.00", "MARRIOTT ROOM"),
		txn("t2", "2025-03-03", "100.00", "MARRIOTT TAX"),
	)
	group := &model.TransactionGroup{ID: "g1", Name: "MARRIOTT"}
	require.NoError(t, store.CreateGroup(ctx, group, []string{"t1", "t2"}))

	result, err := m.AutoMatch(ctx, "r1")
	require.NoError(t, err)
	require.True(t, result.Proposed())
	assert.Equal(t, 1, result.Candidates)
	assert.Equal(t, "g1", result.Proposal.Target.GroupID())
	assert.Equal(t, 40, result.Proposal.AmountScore)

	confirmed, err := m.Confirm(ctx, result.Proposal.ID, result.Proposal.Version)
	require.NoError(t, err)
	assert.Equal(t, model.ProposalConfirmed, confirmed.Status)

	members, err := store.GetGroupMembers(ctx, "g1")
	require.NoError(t, err)
	for _, member := range members {
		assert.Equal(t, model.MatchMatched, member.MatchStatus)
	}
}

func TestConfirm(t *testing.T) {
	ctx := context.Background()
	m, store, learner := newTestManager(t)

	seedReceipt(t, store, "r1", "Delta Air Lines", "2025-03-01", "450.00")
	testutil.SaveTransactions(t, store, "owner-1", txn("t1", "2025-03-02", "450.00", "DELTA AIR 0062134567"))

	result, err := m.AutoMatch(ctx, "r1")
	require.NoError(t, err)
	p := result.Proposal

	_, err = m.Confirm(ctx, p.ID, "stale-version")
	require.ErrorIs(t, err, common.ErrConcurrencyConflict)
	assert.Empty(t, learner.calls)

	confirmed, err := m.Confirm(ctx, p.ID, p.Version)
	require.NoError(t, err)
	assert.Equal(t, model.ProposalConfirmed, confirmed.Status)
	assert.NotEqual(t, p.Version, confirmed.Version)
	require.NotNil(t, confirmed.ResolvedAt)

	require.Len(t, learner.calls, 1)
	assert.Equal(t, feedbackCall{receiptID: "r1", target: p.Target, confirmed: true}, learner.calls[0])

	r, err := store.GetReceipt(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.MatchMatched, r.MatchStatus)

	// Terminal states are final.
	_, err = m.Reject(ctx, confirmed.ID, confirmed.Version)
	assert.ErrorIs(t, err, common.ErrInvalidTransition)
}

func TestConfirm_LearnerFailureDoesNotFailConfirmation(t *testing.T) {
	ctx := context.Background()
	m, store, learner := newTestManager(t)
	learner.err = errors.New("pattern store down")

	seedReceipt(t, store, "r1", "Delta Air Lines", "2025-03-01", "450.00")
	testutil.SaveTransactions(t, store, "owner-1", txn("t1", "2025-03-01", "450.00", "DELTA AIR 1"))

	target, err := model.TransactionTarget("t1")
	require.NoError(t, err)
	p, err := m.ManualMatch(ctx, "r1", target)
	require.NoError(t, err)

	confirmed, err := m.Confirm(ctx, p.ID, p.Version)
	require.NoError(t, err)
	assert.Equal(t, model.ProposalConfirmed, confirmed.Status)
}

func TestConfirm_ConcurrentConflictingProposals(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t)

	seedReceipt(t, store, "r1", "Marriott", "2025-03-01", "300.00")
	testutil.SaveTransactions(t, store, "owner-1",
		txn("t1", "2025-03-01", "300.00", "MARRIOTT"),
		txn("t2", "2025-03-01", "300.00", "MARRIOTT"),
	)

	var proposals []*model.MatchProposal
	for _, id := range []string{"t1", "t2"} {
		target, err := model.TransactionTarget(id)
		require.NoError(t, err)
		p, err := m.ManualMatch(ctx, "r1", target)
		require.NoError(t, err)
		proposals = append(proposals, p)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(proposals))
	start := make(chan struct{})
	for i, p := range proposals {
		wg.Add(1)
		go func(i int, p *model.MatchProposal) {
			defer wg.Done()
			<-start
			_, errs[i] = m.Confirm(ctx, p.ID, p.Version)
		}(i, p)
	}
	close(start)
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, common.ErrConcurrencyConflict)
	}
	assert.Equal(t, 1, succeeded)

	confirmed, err := m.ListProposals(ctx, service.ProposalFilter{ReceiptID: "r1", Status: model.ProposalConfirmed})
	require.NoError(t, err)
	assert.Len(t, confirmed, 1)
}

func TestManualMatch_InvalidTarget(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.ManualMatch(context.Background(), "r1", model.MatchTarget{})
	assert.ErrorIs(t, err, model.ErrInvalidTarget)
}

func TestBatchAutoMatch(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t)

	seedReceipt(t, store, "r1", "Delta Air Lines", "2025-03-01", "450.00")
	seedReceipt(t, store, "r2", "Marriott", "2025-03-10", "300.00")
	seedReceipt(t, store, "r3", "Nobody", "2025-06-01", "1.00")
	testutil.SaveTransactions(t, store, "owner-1",
		txn("t1", "2025-03-02", "450.00", "DELTA AIR 0062134567"),
		txn("t2", "2025-03-10", "300.00", "MARRIOTT DOWNTOWN"),
	)

	var mu sync.Mutex
	done := 0
	summary, err := m.BatchAutoMatch(ctx, []string{"r1", "r2", "r3", "missing"}, func(AutoMatchResult, error) {
		mu.Lock()
		done++
		mu.Unlock()
	})
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Processed)
	assert.Equal(t, 2, summary.Proposed)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, summary.Failed)
	assert.ErrorIs(t, summary.Errors["missing"], common.ErrNotFound)
	assert.Equal(t, 4, done)
}

func TestBatchAutoMatch_Canceled(t *testing.T) {
	m, store, _ := newTestManager(t)
	seedReceipt(t, store, "r1", "Delta Air Lines", "2025-03-01", "450.00")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := m.BatchAutoMatch(ctx, []string{"r1", "r2"}, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, summary.NotStarted)
	assert.Zero(t, summary.Processed)
}
