package storage

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/Veraticus/expense-flow/internal/model"
	"github.com/Veraticus/expense-flow/internal/service"
)

// RecordTierUsage appends one cascade resolution record.
func (s *SQLiteStorage) RecordTierUsage(ctx context.Context, u model.TierUsage) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if u.At.IsZero() {
		u.At = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tier_usage (tier, outcome, description_hash, elapsed_us, at)
		VALUES (?, ?, ?, ?, ?)
	`, u.Tier, u.Outcome, u.DescriptionHash, u.Elapsed.Microseconds(), u.At.UTC())
	if err != nil {
		return fmt.Errorf("failed to record tier usage: %w", err)
	}
	return nil
}

// TierUsageSummary aggregates resolutions per tier since the given time.
// A zero since covers all history.
func (s *SQLiteStorage) TierUsageSummary(ctx context.Context, since time.Time) ([]service.TierUsageStat, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	query := sq.Select("tier", "COUNT(*)", "COALESCE(SUM(elapsed_us), 0)").
		From("tier_usage").
		GroupBy("tier").
		OrderBy("tier")
	if !since.IsZero() {
		query = query.Where(sq.GtOrEq{"at": since.UTC()})
	}

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tier usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stats []service.TierUsageStat
	for rows.Next() {
		var (
			stat      service.TierUsageStat
			elapsedUS int64
		)
		if err := rows.Scan(&stat.Tier, &stat.Count, &elapsedUS); err != nil {
			return nil, fmt.Errorf("failed to scan tier usage: %w", err)
		}
		stat.TotalElapsed = time.Duration(elapsedUS) * time.Microsecond
		stats = append(stats, stat)
	}
	return stats, rows.Err()
}
