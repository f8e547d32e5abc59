package matching

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// BatchSummary reports the outcome of a bulk auto-match run.
type BatchSummary struct {
	Errors         map[string]error // Per-receipt failures, keyed by receipt id
	Processed      int
	Proposed       int
	Skipped        int
	Failed         int
	NotStarted     int // Receipts left untouched because the batch was canceled
	ProcessingTime time.Duration
}

// BatchAutoMatch auto-matches receipts concurrently, one task per receipt, bounded by
// the configured worker count. Cancellation is checked before each receipt starts; a
// started receipt runs to completion. A failing receipt never aborts the batch.
// onDone, if set, is called after each receipt finishes, possibly concurrently.
func (m *Manager) BatchAutoMatch(ctx context.Context, receiptIDs []string, onDone func(AutoMatchResult, error)) (*BatchSummary, error) {
	start := time.Now()
	summary := &BatchSummary{Errors: make(map[string]error)}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(m.cfg.Workers)

	for i, id := range receiptIDs {
		if ctx.Err() != nil {
			summary.NotStarted = len(receiptIDs) - i
			break
		}

		id := id
		g.Go(func() error {
			result, err := m.AutoMatch(context.WithoutCancel(ctx), id)

			mu.Lock()
			summary.Processed++
			switch {
			case err != nil:
				summary.Failed++
				summary.Errors[id] = err
			case result.Proposed():
				summary.Proposed++
			default:
				summary.Skipped++
			}
			mu.Unlock()

			if err != nil {
				m.logger.Warn("Auto-match failed", "receipt_id", id, "error", err)
			}
			if onDone != nil {
				onDone(result, err)
			}
			return nil
		})
	}

	_ = g.Wait()
	summary.ProcessingTime = time.Since(start)

	m.logger.Info("Batch auto-match finished",
		"processed", summary.Processed,
		"proposed", summary.Proposed,
		"failed", summary.Failed,
		"duration", summary.ProcessingTime)

	if summary.NotStarted > 0 {
		return summary, ctx.Err()
	}
	return summary, nil
}
