package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/expense-flow/internal/common"
	"github.com/Veraticus/expense-flow/internal/model"
	"github.com/Veraticus/expense-flow/internal/service"
)

func TestSQLiteStorage_SaveTransactions(t *testing.T) {
	tests := []struct {
		name    string
		txns    []model.Transaction
		wantErr error
	}{
		{
			name: "valid transactions",
			txns: []model.Transaction{
				{ID: "t1", OwnerID: "o", Date: day("2025-03-02"), Amount: money("450"), Description: "DELTA AIR"},
			},
		},
		{name: "nil slice", txns: nil, wantErr: ErrNilParameter},
		{name: "empty slice", txns: []model.Transaction{}, wantErr: ErrEmptySlice},
		{
			name:    "missing date",
			txns:    []model.Transaction{{ID: "t1", OwnerID: "o"}},
			wantErr: ErrInvalidTxn,
		},
		{
			name:    "preassigned group",
			txns:    []model.Transaction{{ID: "t1", OwnerID: "o", Date: day("2025-03-02"), GroupID: "g"}},
			wantErr: ErrInvalidTxn,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, cleanup := createTestStorage(t)
			defer cleanup()

			err := store.SaveTransactions(context.Background(), tt.txns)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.ErrorIs(t, err, common.ErrValidation)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestSQLiteStorage_SaveTransactionsImmutable(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	seedTransactions(t, store, txn("t1", "2025-03-02", "450.00", "DELTA AIR"))
	seedTransactions(t, store, txn("t1", "2025-03-09", "1.00", "CHANGED"))

	got, err := store.GetTransaction(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "DELTA AIR", got.Description)
	assert.True(t, got.Amount.Equal(money("450")))
	assert.Equal(t, model.MatchUnmatched, got.MatchStatus)
}

func TestSQLiteStorage_CreateGroup(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	seedTransactions(t, store,
		txn("t1", "2025-03-03", "120.10", "HILTON ROOM"),
		txn("t2", "2025-03-02", "35.90", "HILTON PARKING"),
		txn("t3", "2025-03-02", "9.99", "OTHER"),
	)

	group := &model.TransactionGroup{Name: "Hilton stay"}
	require.NoError(t, store.CreateGroup(ctx, group, []string{"t1", "t2"}))

	got, err := store.GetGroup(ctx, group.ID)
	require.NoError(t, err)
	assert.True(t, got.CombinedAmount.Equal(money("156.00")), got.CombinedAmount.String())
	assert.Equal(t, 2, got.TransactionCount)
	assert.Equal(t, "2025-03-02", got.Date.Format(dateLayout))
	assert.Equal(t, "owner-1", got.OwnerID)

	members, err := store.GetGroupMembers(ctx, group.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "t2", members[0].ID)
	assert.True(t, model.SumAmounts(members).Equal(got.CombinedAmount))

	// A grouped transaction cannot join a second group.
	err = store.CreateGroup(ctx, &model.TransactionGroup{Name: "again"}, []string{"t1", "t3"})
	assert.ErrorIs(t, err, common.ErrValidation)

	err = store.CreateGroup(ctx, &model.TransactionGroup{}, []string{"missing"})
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestSQLiteStorage_FindCandidates(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	seedTransactions(t, store,
		txn("in-window", "2025-03-02", "450.00", "DELTA AIR"),
		txn("too-late", "2025-03-20", "450.00", "DELTA AIR"),
		txn("member-a", "2025-03-01", "100.00", "HILTON"),
		txn("member-b", "2025-03-02", "50.00", "HILTON"),
		model.Transaction{ID: "other-owner", OwnerID: "owner-2", Date: day("2025-03-02"), Amount: money("1")},
	)
	group := &model.TransactionGroup{Name: "Hilton"}
	require.NoError(t, store.CreateGroup(ctx, group, []string{"member-a", "member-b"}))

	txns, groups, err := store.FindCandidates(ctx, service.CandidateQuery{
		OwnerID: "owner-1",
		From:    day("2025-02-25"),
		To:      day("2025-03-05"),
	})
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, "in-window", txns[0].ID)
	require.Len(t, groups, 1)
	assert.Equal(t, group.ID, groups[0].ID)

	_, _, err = store.FindCandidates(ctx, service.CandidateQuery{From: day("2025-03-05"), To: day("2025-03-01")})
	assert.ErrorIs(t, err, common.ErrValidation)
}
