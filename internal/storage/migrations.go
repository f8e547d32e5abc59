package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// ExpectedSchemaVersion is the latest schema version that the application expects.
// If the database cannot be migrated to this version, it's a fatal error.
const ExpectedSchemaVersion = 4

// Migration represents a database schema migration.
type Migration struct {
	Up          func(*sql.Tx) error
	Description string
	Version     int
}

func execAll(tx *sql.Tx, queries []string) error {
	for _, query := range queries {
		if _, err := tx.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query '%s': %w", query, err)
		}
	}
	return nil
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Receipts, transactions, groups and match proposals",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS receipts (
					id TEXT PRIMARY KEY,
					owner_id TEXT NOT NULL,
					file_ref TEXT NOT NULL DEFAULT '',
					file_hash TEXT NOT NULL DEFAULT '',
					content_hash TEXT NOT NULL DEFAULT '',
					vendor TEXT NOT NULL DEFAULT '',
					receipt_date TEXT,
					amount TEXT,
					status TEXT NOT NULL,
					match_status TEXT NOT NULL,
					created_at DATETIME NOT NULL
				)`,
				`CREATE UNIQUE INDEX ux_receipts_owner_file_hash
					ON receipts(owner_id, file_hash) WHERE file_hash <> ''`,
				`CREATE INDEX idx_receipts_owner_content_hash ON receipts(owner_id, content_hash)`,

				`CREATE TABLE IF NOT EXISTS transaction_groups (
					id TEXT PRIMARY KEY,
					owner_id TEXT NOT NULL,
					name TEXT NOT NULL,
					group_date TEXT NOT NULL,
					combined_amount TEXT NOT NULL,
					transaction_count INTEGER NOT NULL,
					match_status TEXT NOT NULL,
					created_at DATETIME NOT NULL
				)`,
				`CREATE INDEX idx_groups_owner_date ON transaction_groups(owner_id, group_date)`,

				`CREATE TABLE IF NOT EXISTS transactions (
					id TEXT PRIMARY KEY,
					owner_id TEXT NOT NULL,
					txn_date TEXT NOT NULL,
					amount TEXT NOT NULL,
					description TEXT NOT NULL,
					group_id TEXT REFERENCES transaction_groups(id),
					match_status TEXT NOT NULL,
					created_at DATETIME NOT NULL
				)`,
				`CREATE INDEX idx_transactions_owner_date ON transactions(owner_id, txn_date)`,
				`CREATE INDEX idx_transactions_group ON transactions(group_id)`,

				`CREATE TABLE IF NOT EXISTS match_proposals (
					id TEXT PRIMARY KEY,
					receipt_id TEXT NOT NULL REFERENCES receipts(id),
					transaction_id TEXT REFERENCES transactions(id),
					group_id TEXT REFERENCES transaction_groups(id),
					status TEXT NOT NULL,
					confidence INTEGER NOT NULL CHECK (confidence BETWEEN 0 AND 100),
					amount_score INTEGER NOT NULL CHECK (amount_score BETWEEN 0 AND 40),
					date_score INTEGER NOT NULL CHECK (date_score BETWEEN 0 AND 35),
					vendor_score INTEGER NOT NULL CHECK (vendor_score BETWEEN 0 AND 25),
					reason TEXT NOT NULL DEFAULT '',
					is_manual BOOLEAN NOT NULL DEFAULT 0,
					version TEXT NOT NULL,
					created_at DATETIME NOT NULL,
					resolved_at DATETIME,
					CHECK ((transaction_id IS NULL) <> (group_id IS NULL))
				)`,
				`CREATE INDEX idx_proposals_receipt ON match_proposals(receipt_id, status)`,
				// At most one confirmed match per receipt, per transaction and per group.
				`CREATE UNIQUE INDEX ux_proposals_confirmed_receipt
					ON match_proposals(receipt_id) WHERE status = 'CONFIRMED'`,
				`CREATE UNIQUE INDEX ux_proposals_confirmed_transaction
					ON match_proposals(transaction_id) WHERE status = 'CONFIRMED' AND transaction_id IS NOT NULL`,
				`CREATE UNIQUE INDEX ux_proposals_confirmed_group
					ON match_proposals(group_id) WHERE status = 'CONFIRMED' AND group_id IS NOT NULL`,
			})
		},
	},
	{
		Version:     2,
		Description: "Vendor aliases, expense patterns and predictions",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS vendor_aliases (
					id TEXT PRIMARY KEY,
					pattern TEXT UNIQUE NOT NULL,
					canonical_name TEXT NOT NULL,
					display_name TEXT NOT NULL DEFAULT '',
					default_gl_code TEXT NOT NULL DEFAULT '',
					default_department TEXT NOT NULL DEFAULT '',
					match_count INTEGER NOT NULL DEFAULT 0,
					confidence REAL NOT NULL DEFAULT 0,
					last_matched_at DATETIME,
					created_at DATETIME NOT NULL
				)`,
				`CREATE INDEX idx_vendor_aliases_canonical ON vendor_aliases(canonical_name)`,

				`CREATE TABLE IF NOT EXISTS expense_patterns (
					id TEXT PRIMARY KEY,
					vendor_key TEXT UNIQUE NOT NULL,
					display_name TEXT NOT NULL,
					average_amount REAL NOT NULL DEFAULT 0,
					min_amount REAL NOT NULL DEFAULT 0,
					max_amount REAL NOT NULL DEFAULT 0,
					confirm_count INTEGER NOT NULL DEFAULT 0,
					reject_count INTEGER NOT NULL DEFAULT 0,
					is_suppressed BOOLEAN NOT NULL DEFAULT 0,
					last_seen_at DATETIME NOT NULL,
					created_at DATETIME NOT NULL
				)`,

				`CREATE TABLE IF NOT EXISTS transaction_predictions (
					id TEXT PRIMARY KEY,
					transaction_id TEXT NOT NULL,
					pattern_id TEXT REFERENCES expense_patterns(id),
					confidence_score REAL NOT NULL,
					confidence_level TEXT NOT NULL,
					status TEXT NOT NULL,
					created_at DATETIME NOT NULL,
					resolved_at DATETIME
				)`,
				`CREATE INDEX idx_predictions_transaction ON transaction_predictions(transaction_id, status)`,
			})
		},
	},
	{
		Version:     3,
		Description: "Categorization cascade caches and tier usage",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS description_cache (
					hash TEXT PRIMARY KEY,
					raw_description TEXT NOT NULL,
					normalized_description TEXT NOT NULL,
					gl_code TEXT NOT NULL DEFAULT '',
					department TEXT NOT NULL DEFAULT '',
					hit_count INTEGER NOT NULL DEFAULT 0,
					created_at DATETIME NOT NULL,
					last_hit_at DATETIME NOT NULL
				)`,

				`CREATE TABLE IF NOT EXISTS embeddings (
					id TEXT PRIMARY KEY,
					text TEXT UNIQUE NOT NULL,
					vector TEXT NOT NULL,
					gl_code TEXT NOT NULL DEFAULT '',
					department TEXT NOT NULL DEFAULT '',
					verified BOOLEAN NOT NULL DEFAULT 0,
					expires_at DATETIME,
					created_at DATETIME NOT NULL,
					CHECK (verified = 0 OR expires_at IS NULL)
				)`,
				`CREATE INDEX idx_embeddings_expiry ON embeddings(verified, expires_at)`,

				`CREATE TABLE IF NOT EXISTS tier_usage (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					tier TEXT NOT NULL,
					outcome TEXT NOT NULL,
					description_hash TEXT NOT NULL,
					elapsed_us INTEGER NOT NULL,
					at DATETIME NOT NULL
				)`,
				`CREATE INDEX idx_tier_usage_at ON tier_usage(at)`,
			})
		},
	},
	{
		Version:     4,
		Description: "Mark receipts stored as exact file duplicates",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`ALTER TABLE receipts ADD COLUMN duplicate_file BOOLEAN NOT NULL DEFAULT 0`,
			})
		},
	},
}

// Migrate brings the schema up to ExpectedSchemaVersion.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	var currentVersion int
	err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("failed to begin transaction: %w", txErr)
		}

		if upErr := migration.Up(tx); upErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", migration.Version, upErr)
		}

		if _, execErr := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", migration.Version)); execErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to update schema version: %w", execErr)
		}

		if commitErr := tx.Commit(); commitErr != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, commitErr)
		}

		slog.Info("Applied migration",
			"version", migration.Version,
			"description", migration.Description)
	}

	var finalVersion int
	err = s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&finalVersion)
	if err != nil {
		return fmt.Errorf("failed to verify final schema version: %w", err)
	}

	if finalVersion != ExpectedSchemaVersion {
		return fmt.Errorf("database schema version mismatch: expected %d, got %d", ExpectedSchemaVersion, finalVersion)
	}

	return nil
}
