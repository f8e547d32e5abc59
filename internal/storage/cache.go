package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/expense-flow/internal/model"
)

// GetCachedDescription returns the Tier-1 entry for a description hash.
func (s *SQLiteStorage) GetCachedDescription(ctx context.Context, hash string) (*model.DescriptionCacheEntry, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(hash, "hash"); err != nil {
		return nil, err
	}

	var e model.DescriptionCacheEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT hash, raw_description, normalized_description, gl_code, department,
			hit_count, created_at, last_hit_at
		FROM description_cache
		WHERE hash = ?
	`, hash).Scan(&e.Hash, &e.RawDescription, &e.NormalizedDescription, &e.GLCode, &e.Department,
		&e.HitCount, &e.CreatedAt, &e.LastHitAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("cached description", hash)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cached description: %w", err)
	}
	return &e, nil
}

// UpsertCachedDescription stores or replaces the resolution for a hash, keeping its hit count.
func (s *SQLiteStorage) UpsertCachedDescription(ctx context.Context, e *model.DescriptionCacheEntry) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("%w: cache entry", ErrNilParameter)
	}
	if err := validateString(e.Hash, "hash"); err != nil {
		return err
	}
	if err := validateString(e.NormalizedDescription, "normalizedDescription"); err != nil {
		return err
	}

	now := s.now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.LastHitAt.IsZero() {
		e.LastHitAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO description_cache (hash, raw_description, normalized_description,
			gl_code, department, hit_count, created_at, last_hit_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET
			normalized_description = excluded.normalized_description,
			gl_code = excluded.gl_code,
			department = excluded.department
	`, e.Hash, e.RawDescription, e.NormalizedDescription, e.GLCode, e.Department,
		e.CreatedAt.UTC(), e.LastHitAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert cached description: %w", err)
	}
	return nil
}

// IncrementCacheHit records one reuse of a cached description.
func (s *SQLiteStorage) IncrementCacheHit(ctx context.Context, hash string, at time.Time) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE description_cache
		SET hit_count = hit_count + 1, last_hit_at = ?
		WHERE hash = ?
	`, at.UTC(), hash)
	if err != nil {
		return fmt.Errorf("failed to increment cache hit: %w", err)
	}
	return requireAffected(res, "cached description", hash)
}
