package feedback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/expense-flow/internal/common"
	"github.com/Veraticus/expense-flow/internal/fingerprint"
	"github.com/Veraticus/expense-flow/internal/model"
	"github.com/Veraticus/expense-flow/internal/similarity"
	"github.com/Veraticus/expense-flow/internal/storage"
	"github.com/Veraticus/expense-flow/internal/testutil"
)

var testNow = time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC)

type stubEmbedder struct {
	err error
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []float32{float32(len(text)), 1, 0}, nil
}

func (s *stubEmbedder) Model() string { return "stub" }

func saveTxn(t *testing.T, store *storage.SQLiteStorage, id, description, amount string) model.MatchTarget {
	t.Helper()
	txn := model.Transaction{
		ID:          id,
		OwnerID:     "owner-1",
		Date:        time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC),
		Description: description,
		Amount:      decimal.RequireFromString(amount),
	}
	require.NoError(t, store.SaveTransactions(context.Background(), []model.Transaction{txn}))
	target, err := model.TransactionTarget(id)
	require.NoError(t, err)
	return target
}

func receiptFor(vendorName, amount string) *model.Receipt {
	r := &model.Receipt{ID: "r1", OwnerID: "owner-1", Vendor: vendorName}
	if amount != "" {
		r.Amount = decimal.NewNullDecimal(decimal.RequireFromString(amount))
	}
	return r
}

func newTestLearner(t *testing.T, opts ...Option) (*Learner, *storage.SQLiteStorage) {
	t.Helper()
	store := testutil.NewStore(t)
	dir := testutil.SeededDirectory(t, store)
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return NewLearner(store, dir, nil, opts...), store
}

func TestOnMatchConfirmed_ReinforcesAliasAndPattern(t *testing.T) {
	ctx := context.Background()
	learner, store := newTestLearner(t)
	target := saveTxn(t, store, "t1", "DELTA AIR 0062134567", "450.00")

	require.NoError(t, learner.OnMatchConfirmed(ctx, receiptFor("Delta Air Lines", "450.00"), target))
	require.NoError(t, learner.OnMatchConfirmed(ctx, receiptFor("Delta Air Lines", "150.00"), target))

	alias := testutil.AliasNamed(t, store, "Delta Airlines")
	assert.Equal(t, 2, alias.MatchCount)
	require.NotNil(t, alias.LastMatchedAt)
	assert.True(t, alias.LastMatchedAt.Equal(testNow))
	assert.Zero(t, alias.Confidence)

	pattern, err := store.GetPatternByVendorKey(ctx, "delta airlines")
	require.NoError(t, err)
	assert.Equal(t, 2, pattern.ConfirmCount)
	assert.Zero(t, pattern.RejectCount)
	assert.InDelta(t, 300.0, pattern.AverageAmount, 0.001)
	assert.InDelta(t, 150.0, pattern.MinAmount, 0.001)
	assert.InDelta(t, 450.0, pattern.MaxAmount, 0.001)
}

func TestOnMatchConfirmed_FallsBackToTargetAmountAndText(t *testing.T) {
	ctx := context.Background()
	learner, store := newTestLearner(t)
	target := saveTxn(t, store, "t1", "ACME   WIDGETS", "-42.50")

	require.NoError(t, learner.OnMatchConfirmed(ctx, receiptFor("", ""), target))

	pattern, err := store.GetPatternByVendorKey(ctx, "acme widgets")
	require.NoError(t, err)
	assert.Equal(t, 1, pattern.ConfirmCount)
	assert.InDelta(t, 42.5, pattern.AverageAmount, 0.001)
}

func TestOnMatchConfirmed_GroupTarget(t *testing.T) {
	ctx := context.Background()
	learner, store := newTestLearner(t)
	saveTxn(t, store, "t1", "MARRIOTT ROOM", "200.00")
	saveTxn(t, store, "t2", "MARRIOTT TAX", "100.00")
	group := &model.TransactionGroup{ID: "g1", Name: "Marriott Downtown"}
	require.NoError(t, store.CreateGroup(ctx, group, []string{"t1", "t2"}))
	target, err := model.GroupTarget("g1")
	require.NoError(t, err)

	require.NoError(t, learner.OnMatchConfirmed(ctx, receiptFor("", ""), target))

	pattern, err := store.GetPatternByVendorKey(ctx, "marriott")
	require.NoError(t, err)
	assert.InDelta(t, 300.0, pattern.AverageAmount, 0.001)
	assert.Equal(t, 1, testutil.AliasNamed(t, store, "Marriott").MatchCount)
}

func TestOnMatchRejected_OnlyCountsRejection(t *testing.T) {
	ctx := context.Background()
	learner, store := newTestLearner(t)
	target := saveTxn(t, store, "t1", "DELTA AIR 0062134567", "450.00")

	require.NoError(t, learner.OnMatchConfirmed(ctx, receiptFor("Delta Air Lines", "450.00"), target))
	require.NoError(t, learner.OnMatchRejected(ctx, receiptFor("Delta Air Lines", "9999.00"), target))

	pattern, err := store.GetPatternByVendorKey(ctx, "delta airlines")
	require.NoError(t, err)
	assert.Equal(t, 1, pattern.ConfirmCount)
	assert.Equal(t, 1, pattern.RejectCount)
	assert.InDelta(t, 450.0, pattern.AverageAmount, 0.001)
	assert.InDelta(t, 450.0, pattern.MaxAmount, 0.001)
	assert.Equal(t, 1, testutil.AliasNamed(t, store, "Delta Airlines").MatchCount)
}

func TestOnMatchRejected_MissingTarget(t *testing.T) {
	learner, _ := newTestLearner(t)
	target, err := model.TransactionTarget("missing")
	require.NoError(t, err)

	err = learner.OnMatchRejected(context.Background(), receiptFor("Delta", ""), target)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestOnCategorizationAccepted(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	dir := testutil.SeededDirectory(t, store)
	index := similarity.NewSQLiteIndex(store, similarity.WithClock(func() time.Time { return testNow }))
	learner := NewLearner(store, dir, nil,
		WithClock(func() time.Time { return testNow }),
		WithSimilarity(index, &stubEmbedder{}))

	raw := "  UBER   TRIP HELP.UBER.COM "
	err := learner.OnCategorizationAccepted(ctx, raw, Accepted{
		NormalizedDescription: "Uber ride",
		GLCode:                "6420",
		Department:            "Sales",
	})
	require.NoError(t, err)

	hash, err := fingerprint.DescriptionHash(raw)
	require.NoError(t, err)
	entry, err := store.GetCachedDescription(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, "Uber ride", entry.NormalizedDescription)
	assert.Equal(t, "6420", entry.GLCode)
	assert.Equal(t, "Sales", entry.Department)

	// Verified records survive far past the unverified retention window.
	records, err := store.ListActiveEmbeddings(ctx, testNow.AddDate(5, 0, 0))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Uber ride", records[0].Text)
	assert.True(t, records[0].Verified)
	assert.Nil(t, records[0].ExpiresAt)

	assert.Equal(t, 1, testutil.AliasNamed(t, store, "Uber").MatchCount)
}

func TestOnCategorizationAccepted_EmbeddingFailurePromotesExisting(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	index := similarity.NewSQLiteIndex(store, similarity.WithClock(func() time.Time { return testNow }))
	require.NoError(t, index.Upsert(ctx, &model.EmbeddingRecord{
		Text:   "Coffee",
		Vector: []float32{1, 0, 0},
		GLCode: "6100",
	}))

	learner := NewLearner(store, nil, nil,
		WithClock(func() time.Time { return testNow }),
		WithSimilarity(index, &stubEmbedder{err: errors.New("provider down")}))

	require.NoError(t, learner.OnCategorizationAccepted(ctx, "STARBUCKS 1234", Accepted{
		NormalizedDescription: "Coffee",
		GLCode:                "6100",
	}))

	records, err := store.ListActiveEmbeddings(ctx, testNow.AddDate(1, 0, 0))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Verified)
}

func TestOnCategorizationAccepted_KeepsCachedNormalization(t *testing.T) {
	ctx := context.Background()
	learner, store := newTestLearner(t)

	hash, err := fingerprint.DescriptionHash("AMZN MKTP US")
	require.NoError(t, err)
	require.NoError(t, store.UpsertCachedDescription(ctx, &model.DescriptionCacheEntry{
		Hash:                  hash,
		RawDescription:        "AMZN MKTP US",
		NormalizedDescription: "Amazon marketplace",
		GLCode:                "6000",
	}))

	require.NoError(t, learner.OnCategorizationAccepted(ctx, "amzn mktp us", Accepted{GLCode: "6050", Department: "IT"}))

	entry, err := store.GetCachedDescription(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, "Amazon marketplace", entry.NormalizedDescription)
	assert.Equal(t, "6050", entry.GLCode)
}

func TestOnCategorizationAccepted_Validation(t *testing.T) {
	learner, _ := newTestLearner(t)

	tests := []struct {
		name     string
		raw      string
		accepted Accepted
	}{
		{name: "empty description", raw: "   ", accepted: Accepted{GLCode: "6000"}},
		{name: "missing gl code", raw: "UBER TRIP", accepted: Accepted{Department: "Sales"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := learner.OnCategorizationAccepted(context.Background(), tt.raw, tt.accepted)
			assert.ErrorIs(t, err, common.ErrValidation)
		})
	}
}
