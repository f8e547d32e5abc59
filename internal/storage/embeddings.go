package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Veraticus/expense-flow/internal/model"
)

// UpsertEmbedding stores a Tier-2 record keyed by its text. A verified record is never
// overwritten by an unverified one, and verification clears any expiry.
func (s *SQLiteStorage) UpsertEmbedding(ctx context.Context, r *model.EmbeddingRecord) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("%w: embedding", ErrNilParameter)
	}
	if err := validateString(r.Text, "text"); err != nil {
		return err
	}
	if len(r.Vector) == 0 {
		return fmt.Errorf("%w: embedding vector", ErrEmptySlice)
	}

	vector, err := json.Marshal(r.Vector)
	if err != nil {
		return fmt.Errorf("failed to encode vector: %w", err)
	}

	if r.ID == "" {
		r.ID = newID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	if r.Verified {
		r.ExpiresAt = nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO embeddings (id, text, vector, gl_code, department, verified, expires_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(text) DO UPDATE SET
				vector = excluded.vector,
				gl_code = excluded.gl_code,
				department = excluded.department,
				verified = excluded.verified,
				expires_at = excluded.expires_at
			WHERE NOT (embeddings.verified = 1 AND excluded.verified = 0)
		`, r.ID, r.Text, string(vector), r.GLCode, r.Department, r.Verified,
			timeArg(r.ExpiresAt), r.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("failed to upsert embedding: %w", err)
		}

		if err := tx.QueryRowContext(ctx, `SELECT id FROM embeddings WHERE text = ?`, r.Text).Scan(&r.ID); err != nil {
			return fmt.Errorf("failed to reload embedding: %w", err)
		}
		return nil
	})
}

// ListActiveEmbeddings returns verified records plus unverified ones not yet expired at now.
func (s *SQLiteStorage) ListActiveEmbeddings(ctx context.Context, now time.Time) ([]model.EmbeddingRecord, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, text, vector, gl_code, department, verified, expires_at, created_at
		FROM embeddings
		WHERE verified = 1 OR expires_at IS NULL OR expires_at > ?
		ORDER BY id
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []model.EmbeddingRecord
	for rows.Next() {
		var (
			r         model.EmbeddingRecord
			vector    string
			expiresAt sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.Text, &vector, &r.GLCode, &r.Department, &r.Verified,
			&expiresAt, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan embedding: %w", err)
		}
		if err := json.Unmarshal([]byte(vector), &r.Vector); err != nil {
			return nil, fmt.Errorf("failed to decode vector for %s: %w", r.ID, err)
		}
		r.ExpiresAt = nullTimePtr(expiresAt)
		records = append(records, r)
	}
	return records, rows.Err()
}

// MarkEmbeddingVerified promotes the record for text so it never expires.
// It reports whether a record existed.
func (s *SQLiteStorage) MarkEmbeddingVerified(ctx context.Context, text string) (bool, error) {
	if err := validateContext(ctx); err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE embeddings SET verified = 1, expires_at = NULL WHERE text = ?
	`, text)
	if err != nil {
		return false, fmt.Errorf("failed to verify embedding: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// PurgeExpiredEmbeddings deletes unverified records whose retention window has passed.
func (s *SQLiteStorage) PurgeExpiredEmbeddings(ctx context.Context, now time.Time) (int, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM embeddings WHERE verified = 0 AND expires_at IS NOT NULL AND expires_at <= ?
	`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge embeddings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}
