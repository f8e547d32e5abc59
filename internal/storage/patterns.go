package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/expense-flow/internal/model"
)

const patternColumns = `id, vendor_key, display_name, average_amount, min_amount, max_amount,
	confirm_count, reject_count, is_suppressed, last_seen_at, created_at`

// GetPattern retrieves an expense pattern by ID.
func (s *SQLiteStorage) GetPattern(ctx context.Context, id string) (*model.ExpensePattern, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return getPatternWhere(ctx, s.db, "id", id)
}

// GetPatternByVendorKey retrieves the pattern for a normalized vendor identity.
func (s *SQLiteStorage) GetPatternByVendorKey(ctx context.Context, vendorKey string) (*model.ExpensePattern, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return getPatternWhere(ctx, s.db, "vendor_key", vendorKey)
}

func getPatternWhere(ctx context.Context, q queryable, column, value string) (*model.ExpensePattern, error) {
	if err := validateString(value, column); err != nil {
		return nil, err
	}

	row := q.QueryRowContext(ctx, `SELECT `+patternColumns+` FROM expense_patterns WHERE `+column+` = ?`, value)
	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("pattern", value)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pattern: %w", err)
	}
	return p, nil
}

// RecordPatternConfirm counts a confirmation and folds amount into the running
// average/min/max in a single statement.
func (s *SQLiteStorage) RecordPatternConfirm(ctx context.Context, vendorKey, displayName string, amount float64, at time.Time) (*model.ExpensePattern, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(vendorKey, "vendorKey"); err != nil {
		return nil, err
	}

	var p *model.ExpensePattern
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO expense_patterns (id, vendor_key, display_name, average_amount, min_amount,
				max_amount, confirm_count, reject_count, is_suppressed, last_seen_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 1, 0, 0, ?, ?)
			ON CONFLICT(vendor_key) DO UPDATE SET
				average_amount = (average_amount * confirm_count + excluded.average_amount) / (confirm_count + 1),
				min_amount = CASE WHEN confirm_count = 0 THEN excluded.min_amount ELSE MIN(min_amount, excluded.min_amount) END,
				max_amount = CASE WHEN confirm_count = 0 THEN excluded.max_amount ELSE MAX(max_amount, excluded.max_amount) END,
				confirm_count = confirm_count + 1,
				last_seen_at = excluded.last_seen_at
		`, newID(), vendorKey, displayName, amount, amount, amount, at.UTC(), s.now()); err != nil {
			return fmt.Errorf("failed to record pattern confirm: %w", err)
		}

		var err error
		p, err = getPatternWhere(ctx, tx, "vendor_key", vendorKey)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// RecordPatternReject counts a rejection. Amount statistics are left alone.
func (s *SQLiteStorage) RecordPatternReject(ctx context.Context, vendorKey, displayName string, at time.Time) (*model.ExpensePattern, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(vendorKey, "vendorKey"); err != nil {
		return nil, err
	}

	var p *model.ExpensePattern
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO expense_patterns (id, vendor_key, display_name, average_amount, min_amount,
				max_amount, confirm_count, reject_count, is_suppressed, last_seen_at, created_at)
			VALUES (?, ?, ?, 0, 0, 0, 0, 1, 0, ?, ?)
			ON CONFLICT(vendor_key) DO UPDATE SET
				reject_count = reject_count + 1,
				last_seen_at = excluded.last_seen_at
		`, newID(), vendorKey, displayName, at.UTC(), s.now()); err != nil {
			return fmt.Errorf("failed to record pattern reject: %w", err)
		}

		var err error
		p, err = getPatternWhere(ctx, tx, "vendor_key", vendorKey)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListPatterns returns all patterns, most recently seen first.
func (s *SQLiteStorage) ListPatterns(ctx context.Context) ([]model.ExpensePattern, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+patternColumns+` FROM expense_patterns ORDER BY last_seen_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query patterns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var patterns []model.ExpensePattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pattern: %w", err)
		}
		patterns = append(patterns, *p)
	}
	return patterns, rows.Err()
}

// SetPatternSuppressed toggles whether a pattern may produce predictions.
func (s *SQLiteStorage) SetPatternSuppressed(ctx context.Context, id string, suppressed bool) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `UPDATE expense_patterns SET is_suppressed = ? WHERE id = ?`, suppressed, id)
	if err != nil {
		return fmt.Errorf("failed to update pattern: %w", err)
	}
	return requireAffected(res, "pattern", id)
}

func scanPattern(row rowScanner) (*model.ExpensePattern, error) {
	var p model.ExpensePattern
	if err := row.Scan(&p.ID, &p.VendorKey, &p.DisplayName, &p.AverageAmount, &p.MinAmount, &p.MaxAmount,
		&p.ConfirmCount, &p.RejectCount, &p.IsSuppressed, &p.LastSeenAt, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}
