package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Veraticus/expense-flow/internal/model"
)

const aliasColumns = `id, pattern, canonical_name, display_name, default_gl_code, default_department,
	match_count, confidence, last_matched_at, created_at`

// ListAliases returns every vendor alias ordered by canonical name.
func (s *SQLiteStorage) ListAliases(ctx context.Context) ([]model.VendorAlias, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+aliasColumns+` FROM vendor_aliases ORDER BY canonical_name, pattern`)
	if err != nil {
		return nil, fmt.Errorf("failed to query aliases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var aliases []model.VendorAlias
	for rows.Next() {
		var (
			a           model.VendorAlias
			lastMatched sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.Pattern, &a.CanonicalName, &a.DisplayName, &a.DefaultGLCode,
			&a.DefaultDepartment, &a.MatchCount, &a.Confidence, &lastMatched, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alias: %w", err)
		}
		a.LastMatchedAt = nullTimePtr(lastMatched)
		aliases = append(aliases, a)
	}
	return aliases, rows.Err()
}

// SaveAlias creates or reconfigures an alias keyed by its pattern. This is the explicit
// configuration path, so it is the only writer of confidence. Match counts are preserved.
func (s *SQLiteStorage) SaveAlias(ctx context.Context, a *model.VendorAlias) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateAlias(a); err != nil {
		return err
	}

	if a.ID == "" {
		a.ID = newID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO vendor_aliases (id, pattern, canonical_name, display_name,
				default_gl_code, default_department, match_count, confidence, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
			ON CONFLICT(pattern) DO UPDATE SET
				canonical_name = excluded.canonical_name,
				display_name = excluded.display_name,
				default_gl_code = excluded.default_gl_code,
				default_department = excluded.default_department,
				confidence = excluded.confidence
		`, a.ID, a.Pattern, a.CanonicalName, a.DisplayName, a.DefaultGLCode,
			a.DefaultDepartment, a.Confidence, a.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("failed to save alias: %w", err)
		}

		if err := tx.QueryRowContext(ctx, `SELECT id, match_count FROM vendor_aliases WHERE pattern = ?`,
			a.Pattern).Scan(&a.ID, &a.MatchCount); err != nil {
			return fmt.Errorf("failed to reload alias: %w", err)
		}
		return nil
	})
}

// SeedAliases inserts aliases whose pattern is not yet known. Existing aliases only
// gain default codes they were missing; confidence is never written.
// It returns the number of aliases inserted.
func (s *SQLiteStorage) SeedAliases(ctx context.Context, aliases []model.VendorAlias) (int, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}
	for i := range aliases {
		if err := validateAlias(&aliases[i]); err != nil {
			return 0, err
		}
	}

	inserted := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		for i := range aliases {
			a := &aliases[i]
			id := a.ID
			if id == "" {
				id = newID()
			}

			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM vendor_aliases WHERE pattern = ?)`,
				a.Pattern).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check alias: %w", err)
			}

			if _, err := tx.ExecContext(ctx, `
				INSERT INTO vendor_aliases (id, pattern, canonical_name, display_name,
					default_gl_code, default_department, match_count, confidence, created_at)
				VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?)
				ON CONFLICT(pattern) DO UPDATE SET
					default_gl_code = CASE WHEN default_gl_code = '' THEN excluded.default_gl_code ELSE default_gl_code END,
					default_department = CASE WHEN default_department = '' THEN excluded.default_department ELSE default_department END
			`, id, a.Pattern, a.CanonicalName, a.DisplayName, a.DefaultGLCode, a.DefaultDepartment, now); err != nil {
				return fmt.Errorf("failed to seed alias %s: %w", a.CanonicalName, err)
			}
			if !exists {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// IncrementAliasMatch bumps an alias's match count and refreshes its last-matched time.
func (s *SQLiteStorage) IncrementAliasMatch(ctx context.Context, id string, at time.Time) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(id, "id"); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE vendor_aliases
		SET match_count = match_count + 1, last_matched_at = ?
		WHERE id = ?
	`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to increment alias match: %w", err)
	}
	return requireAffected(res, "alias", id)
}
