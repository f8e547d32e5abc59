// Package similarity implements the Tier-2 nearest-neighbor lookup over description embeddings.
package similarity

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/Veraticus/expense-flow/internal/embedding"
	"github.com/Veraticus/expense-flow/internal/model"
	"github.com/Veraticus/expense-flow/internal/service"
)

// DefaultRetention is how long an unverified record stays searchable.
const DefaultRetention = 90 * 24 * time.Hour

// Match is one search hit with its cosine similarity to the query.
type Match struct {
	Record model.EmbeddingRecord
	Score  float64
}

// Index stores embedding records and finds the nearest ones to a query vector.
// Implementations never return expired records.
type Index interface {
	Search(ctx context.Context, vector []float32, limit int) ([]Match, error)
	// Upsert stores rec keyed by its text. Unverified records get an expiry if they lack one;
	// a verified record is never downgraded.
	Upsert(ctx context.Context, rec *model.EmbeddingRecord) error
	MarkVerified(ctx context.Context, text string) error
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// SQLiteIndex is a brute-force cosine index over the embeddings table.
type SQLiteIndex struct {
	store     service.EmbeddingStore
	now       func() time.Time
	retention time.Duration
}

// Option configures a SQLiteIndex.
type Option func(*SQLiteIndex)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(i *SQLiteIndex) { i.now = now }
}

// WithRetention sets the unverified retention window.
func WithRetention(d time.Duration) Option {
	return func(i *SQLiteIndex) {
		if d > 0 {
			i.retention = d
		}
	}
}

// NewSQLiteIndex creates an index backed by store.
func NewSQLiteIndex(store service.EmbeddingStore, opts ...Option) *SQLiteIndex {
	idx := &SQLiteIndex{
		store:     store,
		now:       time.Now,
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// Search returns up to limit active records ordered by similarity, highest first.
func (i *SQLiteIndex) Search(ctx context.Context, vector []float32, limit int) ([]Match, error) {
	if len(vector) == 0 {
		return nil, nil
	}

	records, err := i.store.ListActiveEmbeddings(ctx, i.now())
	if err != nil {
		return nil, fmt.Errorf("failed to load embeddings: %w", err)
	}

	matches := make([]Match, 0, len(records))
	for _, r := range records {
		if len(r.Vector) != len(vector) {
			continue
		}
		matches = append(matches, Match{Record: r, Score: embedding.CosineSimilarity(vector, r.Vector)})
	}

	return topMatches(matches, limit), nil
}

// Upsert stores rec, assigning an expiry to unverified records.
func (i *SQLiteIndex) Upsert(ctx context.Context, rec *model.EmbeddingRecord) error {
	ApplyRetention(rec, i.now(), i.retention)
	return i.store.UpsertEmbedding(ctx, rec)
}

// MarkVerified promotes the record for text. A missing record is not an error.
func (i *SQLiteIndex) MarkVerified(ctx context.Context, text string) error {
	if _, err := i.store.MarkEmbeddingVerified(ctx, text); err != nil {
		return err
	}
	return nil
}

// PurgeExpired deletes unverified records past their retention window.
func (i *SQLiteIndex) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	return i.store.PurgeExpiredEmbeddings(ctx, now)
}

// ApplyRetention clears the expiry of verified records and sets one on unverified records
// that have none.
func ApplyRetention(rec *model.EmbeddingRecord, now time.Time, retention time.Duration) {
	if rec.Verified {
		rec.ExpiresAt = nil
		return
	}
	if rec.ExpiresAt == nil {
		expires := now.Add(retention)
		rec.ExpiresAt = &expires
	}
}

// topMatches sorts by score desc, verified first on ties, then text, and truncates to limit.
func topMatches(matches []Match, limit int) []Match {
	slices.SortFunc(matches, func(a, b Match) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if a.Record.Verified != b.Record.Verified {
			if a.Record.Verified {
				return -1
			}
			return 1
		}
		return cmp.Compare(a.Record.Text, b.Record.Text)
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}
