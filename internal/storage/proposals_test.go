package storage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/expense-flow/internal/common"
	"github.com/Veraticus/expense-flow/internal/model"
	"github.com/Veraticus/expense-flow/internal/service"
)

func txnTarget(t *testing.T, id string) model.MatchTarget {
	t.Helper()
	target, err := model.TransactionTarget(id)
	require.NoError(t, err)
	return target
}

func propose(t *testing.T, s *SQLiteStorage, receiptID string, target model.MatchTarget) *model.MatchProposal {
	t.Helper()
	p := &model.MatchProposal{
		ReceiptID:   receiptID,
		Target:      target,
		AmountScore: 40,
		DateScore:   26,
		VendorScore: 25,
		Confidence:  91,
		Reason:      "test",
	}
	require.NoError(t, s.CreateProposal(context.Background(), p))
	return p
}

func TestSQLiteStorage_CreateProposal(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	seedReceipt(t, store, "r1")
	seedTransactions(t, store, txn("t1", "2025-03-02", "450.00", "DELTA AIR"))

	p := propose(t, store, "r1", txnTarget(t, "t1"))
	assert.Equal(t, model.ProposalProposed, p.Status)
	assert.NotEmpty(t, p.Version)

	got, err := store.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "t1", got.Target.TransactionID())
	assert.Equal(t, 91, got.Confidence)
	assert.Nil(t, got.ResolvedAt)

	receipt, err := store.GetReceipt(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.MatchProposed, receipt.MatchStatus)

	open, err := store.HasOpenProposal(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, open)
}

func TestSQLiteStorage_CreateProposalValidation(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	seedReceipt(t, store, "r1")
	seedTransactions(t, store, txn("t1", "2025-03-02", "450.00", "DELTA AIR"))

	tests := []struct {
		name    string
		p       *model.MatchProposal
		wantErr error
	}{
		{"nil", nil, common.ErrValidation},
		{"no target", &model.MatchProposal{ReceiptID: "r1"}, common.ErrValidation},
		{"sum mismatch", &model.MatchProposal{ReceiptID: "r1", Target: txnTarget(t, "t1"), AmountScore: 10, Confidence: 11}, common.ErrValidation},
		{"amount over bound", &model.MatchProposal{ReceiptID: "r1", Target: txnTarget(t, "t1"), AmountScore: 41, Confidence: 41}, common.ErrValidation},
		{"missing receipt", &model.MatchProposal{ReceiptID: "nope", Target: txnTarget(t, "t1")}, common.ErrNotFound},
		{"missing transaction", &model.MatchProposal{ReceiptID: "r1", Target: txnTarget(t, "nope")}, common.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.CreateProposal(ctx, tt.p)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSQLiteStorage_ConfirmProposal(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	seedReceipt(t, store, "r1")
	seedTransactions(t, store, txn("t1", "2025-03-02", "450.00", "DELTA AIR"))
	p := propose(t, store, "r1", txnTarget(t, "t1"))

	confirmed, err := store.ConfirmProposal(ctx, p.ID, p.Version)
	require.NoError(t, err)
	assert.Equal(t, model.ProposalConfirmed, confirmed.Status)
	assert.NotEqual(t, p.Version, confirmed.Version)
	assert.NotNil(t, confirmed.ResolvedAt)

	receipt, err := store.GetReceipt(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.MatchMatched, receipt.MatchStatus)

	transaction, err := store.GetTransaction(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.MatchMatched, transaction.MatchStatus)

	// Terminal states are final.
	_, err = store.RejectProposal(ctx, p.ID, confirmed.Version)
	assert.ErrorIs(t, err, common.ErrInvalidTransition)
}

func TestSQLiteStorage_StaleVersion(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	seedReceipt(t, store, "r1")
	seedTransactions(t, store, txn("t1", "2025-03-02", "450.00", "DELTA AIR"))
	p := propose(t, store, "r1", txnTarget(t, "t1"))

	_, err := store.ConfirmProposal(ctx, p.ID, "not-the-version")
	assert.ErrorIs(t, err, common.ErrConcurrencyConflict)

	_, err = store.RejectProposal(ctx, p.ID, p.Version)
	require.NoError(t, err)

	// The token observed before the reject is now stale.
	_, err = store.ConfirmProposal(ctx, p.ID, p.Version)
	assert.ErrorIs(t, err, common.ErrConcurrencyConflict)

	_, err = store.ConfirmProposal(ctx, "missing", "v")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestSQLiteStorage_RejectProposal(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	seedReceipt(t, store, "r1")
	seedTransactions(t, store, txn("t1", "2025-03-02", "450.00", "DELTA AIR"))
	p := propose(t, store, "r1", txnTarget(t, "t1"))

	rejected, err := store.RejectProposal(ctx, p.ID, p.Version)
	require.NoError(t, err)
	assert.Equal(t, model.ProposalRejected, rejected.Status)

	receipt, err := store.GetReceipt(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.MatchUnmatched, receipt.MatchStatus)

	targets, err := store.RejectedTargets(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "t1", targets[0].TransactionID())

	open, err := store.HasOpenProposal(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, open)
}

func TestSQLiteStorage_ConfirmGroupMarksMembers(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	seedReceipt(t, store, "r1")
	seedTransactions(t, store,
		txn("t1", "2025-03-01", "400.00", "HILTON"),
		txn("t2", "2025-03-01", "50.00", "HILTON"),
	)
	group := &model.TransactionGroup{Name: "Hilton"}
	require.NoError(t, store.CreateGroup(ctx, group, []string{"t1", "t2"}))

	// Grouped transactions are only reachable through the group.
	err := store.CreateProposal(ctx, &model.MatchProposal{ReceiptID: "r1", Target: txnTarget(t, "t1")})
	assert.ErrorIs(t, err, common.ErrValidation)

	target, err := model.GroupTarget(group.ID)
	require.NoError(t, err)
	p := propose(t, store, "r1", target)

	_, err = store.ConfirmProposal(ctx, p.ID, p.Version)
	require.NoError(t, err)

	members, err := store.GetGroupMembers(ctx, group.ID)
	require.NoError(t, err)
	for _, m := range members {
		assert.Equal(t, model.MatchMatched, m.MatchStatus)
	}
	g, err := store.GetGroup(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MatchMatched, g.MatchStatus)
}

func TestSQLiteStorage_ConfirmConflictsSequential(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	seedReceipt(t, store, "r1")
	seedReceipt(t, store, "r2")
	seedTransactions(t, store,
		txn("t1", "2025-03-02", "450.00", "DELTA AIR"),
		txn("t2", "2025-03-02", "450.00", "DELTA AIR"),
	)

	a := propose(t, store, "r1", txnTarget(t, "t1"))
	sameReceipt := propose(t, store, "r1", txnTarget(t, "t2"))
	sameTxn := propose(t, store, "r2", txnTarget(t, "t1"))

	_, err := store.ConfirmProposal(ctx, a.ID, a.Version)
	require.NoError(t, err)

	_, err = store.ConfirmProposal(ctx, sameReceipt.ID, sameReceipt.Version)
	assert.ErrorIs(t, err, common.ErrAlreadyConfirmed)
	assert.ErrorIs(t, err, common.ErrConcurrencyConflict)

	_, err = store.ConfirmProposal(ctx, sameTxn.ID, sameTxn.Version)
	assert.ErrorIs(t, err, common.ErrAlreadyConfirmed)

	confirmed, err := store.ListProposals(ctx, service.ProposalFilter{Status: model.ProposalConfirmed})
	require.NoError(t, err)
	assert.Len(t, confirmed, 1)
}

func TestSQLiteStorage_ConfirmedIndexBackstop(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()

	seedReceipt(t, store, "r1")
	seedTransactions(t, store,
		txn("t1", "2025-03-02", "450.00", "DELTA AIR"),
		txn("t2", "2025-03-02", "450.00", "DELTA AIR"),
	)
	a := propose(t, store, "r1", txnTarget(t, "t1"))
	b := propose(t, store, "r1", txnTarget(t, "t2"))

	_, err := store.db.Exec(`UPDATE match_proposals SET status = 'CONFIRMED' WHERE id = ?`, a.ID)
	require.NoError(t, err)
	_, err = store.db.Exec(`UPDATE match_proposals SET status = 'CONFIRMED' WHERE id = ?`, b.ID)
	require.Error(t, err)
	assert.True(t, isUniqueViolation(err))
}

// Exactly one of several simultaneous confirmations of conflicting proposals succeeds.
func TestSQLiteStorage_ConcurrentConfirmRace(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, s *SQLiteStorage) []*model.MatchProposal
	}{
		{
			name: "same receipt, different transactions",
			setup: func(t *testing.T, s *SQLiteStorage) []*model.MatchProposal {
				seedReceipt(t, s, "r1")
				seedTransactions(t, s,
					txn("t1", "2025-03-02", "450.00", "DELTA AIR"),
					txn("t2", "2025-03-02", "450.00", "DELTA AIR"),
				)
				return []*model.MatchProposal{
					propose(t, s, "r1", txnTarget(t, "t1")),
					propose(t, s, "r1", txnTarget(t, "t2")),
				}
			},
		},
		{
			name: "same transaction, different receipts",
			setup: func(t *testing.T, s *SQLiteStorage) []*model.MatchProposal {
				seedReceipt(t, s, "r1")
				seedReceipt(t, s, "r2")
				seedTransactions(t, s, txn("t1", "2025-03-02", "450.00", "DELTA AIR"))
				return []*model.MatchProposal{
					propose(t, s, "r1", txnTarget(t, "t1")),
					propose(t, s, "r2", txnTarget(t, "t1")),
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, cleanup := createTestStorage(t)
			defer cleanup()
			ctx := context.Background()

			proposals := tt.setup(t, store)

			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				successes int
				conflicts int
				start     = make(chan struct{})
			)
			for _, p := range proposals {
				wg.Add(1)
				go func(p *model.MatchProposal) {
					defer wg.Done()
					<-start
					_, err := store.ConfirmProposal(ctx, p.ID, p.Version)
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						successes++
					case errors.Is(err, common.ErrConcurrencyConflict):
						conflicts++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}(p)
			}
			close(start)
			wg.Wait()

			assert.Equal(t, 1, successes)
			assert.Equal(t, len(proposals)-1, conflicts)
		})
	}
}

func TestSQLiteStorage_ConcurrentConfirmSameProposal(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	seedReceipt(t, store, "r1")
	seedTransactions(t, store, txn("t1", "2025-03-02", "450.00", "DELTA AIR"))
	p := propose(t, store, "r1", txnTarget(t, "t1"))

	const sessions = 4
	errs := make(chan error, sessions)
	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ConfirmProposal(ctx, p.ID, p.Version)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	successes := 0
	for err := range errs {
		if err == nil {
			successes++
			continue
		}
		assert.ErrorIs(t, err, common.ErrConcurrencyConflict)
	}
	assert.Equal(t, 1, successes)
}
