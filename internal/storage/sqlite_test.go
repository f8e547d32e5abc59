package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/expense-flow/internal/model"
)

// createTestStorage opens a migrated database in a temp directory.
func createTestStorage(t *testing.T) (*SQLiteStorage, func()) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := NewSQLiteStorage(dbPath)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}

	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		t.Fatalf("Failed to migrate: %v", err)
	}

	return store, func() { _ = store.Close() }
}

func day(s string) time.Time {
	d, err := time.Parse(dateLayout, s)
	if err != nil {
		panic(err)
	}
	return d
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seedReceipt(t *testing.T, s *SQLiteStorage, id string) *model.Receipt {
	t.Helper()
	date := day("2025-03-01")
	r := &model.Receipt{
		ID:          id,
		OwnerID:     "owner-1",
		FileRef:     "blob/" + id,
		FileHash:    "file-" + id,
		ContentHash: "content-" + id,
		Vendor:      "Delta Air Lines",
		Date:        &date,
		Amount:      decimal.NewNullDecimal(money("450.00")),
		Status:      model.ReceiptReady,
	}
	require.NoError(t, s.CreateReceipt(context.Background(), r))
	return r
}

func seedTransactions(t *testing.T, s *SQLiteStorage, txns ...model.Transaction) {
	t.Helper()
	for i := range txns {
		if txns[i].OwnerID == "" {
			txns[i].OwnerID = "owner-1"
		}
	}
	require.NoError(t, s.SaveTransactions(context.Background(), txns))
}

func txn(id, date, amount, description string) model.Transaction {
	return model.Transaction{
		ID:          id,
		Date:        day(date),
		Amount:      money(amount),
		Description: description,
	}
}

func TestNewSQLiteStorage_EmptyPath(t *testing.T) {
	_, err := NewSQLiteStorage("  ")
	require.ErrorIs(t, err, ErrEmptyString)
}

func TestMigrate_Idempotent(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.Migrate(ctx))

	var version int
	require.NoError(t, store.db.QueryRow("PRAGMA user_version").Scan(&version))
	require.Equal(t, ExpectedSchemaVersion, version)
}

func TestMigrate_ConfirmedUniqueIndexes(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()

	for _, name := range []string{
		"ux_proposals_confirmed_receipt",
		"ux_proposals_confirmed_transaction",
		"ux_proposals_confirmed_group",
		"ux_receipts_owner_file_hash",
	} {
		var count int
		err := store.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?`, name).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, name)
	}
}
