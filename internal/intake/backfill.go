package intake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Veraticus/expense-flow/internal/common"
	"github.com/Veraticus/expense-flow/internal/fingerprint"
	"github.com/Veraticus/expense-flow/internal/model"
)

// BackfillOutcome is what happened to one receipt during a backfill.
type BackfillOutcome string

// Backfill outcomes.
const (
	BackfillUpdated   BackfillOutcome = "UPDATED"
	BackfillDuplicate BackfillOutcome = "DUPLICATE" // File bytes match another receipt; content hash only
	BackfillSkipped   BackfillOutcome = "SKIPPED"   // Nothing to compute from
	BackfillFailed    BackfillOutcome = "FAILED"
)

// BackfillSummary reports a backfill run.
type BackfillSummary struct {
	Errors         map[string]error
	Total          int
	Updated        int
	Duplicates     int
	Skipped        int
	Failed         int
	NotStarted     int
	ProcessingTime time.Duration
}

// Backfill computes missing file and content hashes for existing receipts, downloading file
// bytes from the blob store. Receipts are processed in parallel; cancellation is checked
// before each receipt starts and a started receipt runs to completion.
// onDone, if set, is called after each receipt, possibly concurrently.
func (in *Intake) Backfill(ctx context.Context, onDone func(receiptID string, outcome BackfillOutcome)) (*BackfillSummary, error) {
	start := time.Now()
	summary := &BackfillSummary{Errors: make(map[string]error)}

	receipts, err := in.store.ListReceiptsMissingHashes(ctx, 0)
	if err != nil {
		return summary, fmt.Errorf("failed to list receipts: %w", err)
	}
	summary.Total = len(receipts)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(in.cfg.BackfillWorkers)

	for i := range receipts {
		if ctx.Err() != nil {
			summary.NotStarted = len(receipts) - i
			break
		}

		receipt := receipts[i]
		g.Go(func() error {
			outcome, err := in.backfillOne(context.WithoutCancel(ctx), &receipt)

			mu.Lock()
			switch outcome {
			case BackfillUpdated:
				summary.Updated++
			case BackfillDuplicate:
				summary.Duplicates++
			case BackfillSkipped:
				summary.Skipped++
			case BackfillFailed:
				summary.Failed++
				summary.Errors[receipt.ID] = err
			}
			mu.Unlock()

			if err != nil {
				in.logger.Warn("Backfill failed", "receipt_id", receipt.ID, "error", err)
			}
			if onDone != nil {
				onDone(receipt.ID, outcome)
			}
			return nil
		})
	}

	_ = g.Wait()
	summary.ProcessingTime = time.Since(start)

	in.logger.Info("Hash backfill finished",
		"total", summary.Total,
		"updated", summary.Updated,
		"duplicates", summary.Duplicates,
		"failed", summary.Failed,
		"duration", summary.ProcessingTime)

	if summary.NotStarted > 0 {
		return summary, ctx.Err()
	}
	return summary, nil
}

func (in *Intake) backfillOne(ctx context.Context, r *model.Receipt) (BackfillOutcome, error) {
	var fileHash, contentHash string

	if r.FileHash == "" && !r.DuplicateFile && r.FileRef != "" && in.blobs != nil {
		data, err := in.blobs.Download(ctx, r.FileRef)
		if err != nil {
			return BackfillFailed, fmt.Errorf("failed to download %s: %w", r.FileRef, err)
		}
		fileHash = fingerprint.ExactHash(data)
	}
	if r.ContentHash == "" && r.HasExtraction() {
		contentHash = fingerprint.ReceiptContentHash(r)
	}
	if fileHash == "" && contentHash == "" {
		return BackfillSkipped, nil
	}

	err := in.store.UpdateReceiptHashes(ctx, r.ID, fileHash, contentHash)
	if errors.Is(err, common.ErrDuplicateEntry) {
		if err := in.store.MarkReceiptDuplicateFile(ctx, r.ID); err != nil {
			return BackfillFailed, err
		}
		if contentHash != "" {
			if err := in.store.UpdateReceiptHashes(ctx, r.ID, "", contentHash); err != nil {
				return BackfillFailed, err
			}
		}
		return BackfillDuplicate, nil
	}
	if err != nil {
		return BackfillFailed, err
	}
	return BackfillUpdated, nil
}
