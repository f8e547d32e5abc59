// Package testutil provides database fixtures shared by package tests.
package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/expense-flow/internal/model"
	"github.com/Veraticus/expense-flow/internal/storage"
	"github.com/Veraticus/expense-flow/internal/vendor"
)

// NewStore creates a migrated SQLite database in the test's temp dir.
// It is closed automatically when the test ends.
func NewStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()

	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err, "failed to create test database")
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Migrate(context.Background()), "failed to run migrations")
	return store
}

// SeededDirectory seeds the built-in aliases and returns a directory loaded with their
// persisted ids, so alias reinforcement can be asserted.
func SeededDirectory(t *testing.T, store *storage.SQLiteStorage) *vendor.Directory {
	t.Helper()
	ctx := context.Background()

	_, err := store.SeedAliases(ctx, vendor.DefaultAliases())
	require.NoError(t, err)
	aliases, err := store.ListAliases(ctx)
	require.NoError(t, err)
	dir, err := vendor.NewDirectory(aliases)
	require.NoError(t, err)
	return dir
}

// AliasNamed returns the stored alias with the given canonical name or fails the test.
func AliasNamed(t *testing.T, store *storage.SQLiteStorage, canonical string) model.VendorAlias {
	t.Helper()

	aliases, err := store.ListAliases(context.Background())
	require.NoError(t, err)
	for _, a := range aliases {
		if a.CanonicalName == canonical {
			return a
		}
	}
	t.Fatalf("alias %q not found", canonical)
	return model.VendorAlias{}
}

// SaveTransactions stores txns under ownerID.
func SaveTransactions(t *testing.T, store *storage.SQLiteStorage, ownerID string, txns ...model.Transaction) {
	t.Helper()
	for i := range txns {
		txns[i].OwnerID = ownerID
	}
	require.NoError(t, store.SaveTransactions(context.Background(), txns))
}

// Day parses a YYYY-MM-DD date in UTC.
func Day(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return d
}

// Money parses a decimal literal.
func Money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
