// Package intake fingerprints uploaded receipts, applies the duplicate policy and hands
// stored receipts to matching.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Veraticus/expense-flow/internal/common"
	"github.com/Veraticus/expense-flow/internal/fingerprint"
	"github.com/Veraticus/expense-flow/internal/matching"
	"github.com/Veraticus/expense-flow/internal/model"
	"github.com/Veraticus/expense-flow/internal/service"
)

// Matcher runs automatic matching for one receipt.
type Matcher interface {
	AutoMatch(ctx context.Context, receiptID string) (matching.AutoMatchResult, error)
}

// Config configures intake.
type Config struct {
	BackfillWorkers int
}

// Intake is the entry point for new receipts.
type Intake struct {
	store   service.ReceiptStore
	blobs   service.BlobStore
	queue   service.JobQueue
	matcher Matcher
	logger  *slog.Logger
	cfg     Config
}

// New creates an intake. blobs is only needed for Backfill and queue may be nil, in which
// case callers run Process themselves.
func New(store service.ReceiptStore, blobs service.BlobStore, queue service.JobQueue, matcher Matcher, cfg Config, logger *slog.Logger) *Intake {
	if cfg.BackfillWorkers <= 0 {
		cfg.BackfillWorkers = 4
	}
	return &Intake{
		store:   store,
		blobs:   blobs,
		queue:   queue,
		matcher: matcher,
		logger:  common.LoggerOrDefault(logger),
		cfg:     cfg,
	}
}

// UploadRequest is one uploaded file plus whatever fields were extracted from it.
type UploadRequest struct {
	Date     *time.Time
	OwnerID  string
	FileRef  string
	Vendor   string
	Data     []byte
	Amount   decimal.NullDecimal
	Override bool // Store an exact duplicate anyway
}

// UploadResult reports the duplicate verdict and the stored receipt, if any.
type UploadResult struct {
	Receipt         *model.Receipt // Nil when the upload was blocked
	Existing        *model.Receipt // The receipt with identical bytes, if any
	Verdict         fingerprint.Verdict
	SemanticMatches []model.Receipt
}

// Blocked reports whether the upload was rejected as an exact duplicate.
func (r UploadResult) Blocked() bool { return r.Receipt == nil }

// Upload fingerprints the file and stores it unless it is an exact duplicate of one of the
// owner's receipts. Semantic duplicates are stored and reported. Stored receipts are enqueued.
func (in *Intake) Upload(ctx context.Context, req UploadRequest) (UploadResult, error) {
	var result UploadResult
	if req.OwnerID == "" {
		return result, common.Validationf("upload without owner")
	}
	if len(req.Data) == 0 {
		return result, common.Validationf("empty upload")
	}

	fileHash := fingerprint.ExactHash(req.Data)
	candidate := &model.Receipt{
		OwnerID:  req.OwnerID,
		FileRef:  req.FileRef,
		FileHash: fileHash,
		Vendor:   req.Vendor,
		Date:     req.Date,
		Amount:   req.Amount,
	}
	if candidate.HasExtraction() {
		candidate.ContentHash = fingerprint.ReceiptContentHash(candidate)
	}

	existing, err := in.store.FindReceiptByFileHash(ctx, req.OwnerID, fileHash)
	if err != nil {
		return result, fmt.Errorf("failed to check exact duplicates: %w", err)
	}
	semantic, err := in.semanticMatches(ctx, candidate)
	if err != nil {
		return result, err
	}

	result.Existing = existing
	result.SemanticMatches = semantic
	result.Verdict = fingerprint.Classify(existing, semantic)
	if result.Verdict.Blocks(req.Override) {
		in.logger.Info("Blocked duplicate upload", "owner_id", req.OwnerID, "existing_id", existing.ID)
		return result, nil
	}

	// The owner's file hash stays unique; an overridden duplicate is stored without one.
	if existing != nil {
		candidate.FileHash = ""
		candidate.DuplicateFile = true
	}
	if err := in.store.CreateReceipt(ctx, candidate); err != nil {
		if errors.Is(err, common.ErrDuplicateEntry) && !req.Override {
			// Lost a race with an identical concurrent upload.
			result.Existing, _ = in.store.FindReceiptByFileHash(ctx, req.OwnerID, fileHash)
			result.Verdict = fingerprint.VerdictExactDuplicate
			return result, nil
		}
		return result, fmt.Errorf("failed to store receipt: %w", err)
	}
	result.Receipt = candidate

	in.logger.Info("Stored receipt",
		"receipt_id", candidate.ID,
		"verdict", result.Verdict,
		"semantic_matches", len(semantic))

	if in.queue != nil {
		if err := in.queue.Enqueue(ctx, candidate.ID); err != nil {
			return result, fmt.Errorf("failed to enqueue receipt %s: %w", candidate.ID, err)
		}
	}
	return result, nil
}

// ProcessResult reports duplicate findings and the auto-match outcome for one receipt.
type ProcessResult struct {
	Receipt         *model.Receipt
	SemanticMatches []model.Receipt
	Match           matching.AutoMatchResult
}

// Process refreshes the receipt's content hash, reports semantic duplicates and then runs
// auto-matching. Duplicate detection always completes before matching starts.
func (in *Intake) Process(ctx context.Context, receiptID string) (ProcessResult, error) {
	var result ProcessResult

	receipt, err := in.store.GetReceipt(ctx, receiptID)
	if err != nil {
		return result, fmt.Errorf("failed to load receipt: %w", err)
	}
	result.Receipt = receipt

	if err := in.store.UpdateReceiptStatus(ctx, receiptID, model.ReceiptProcessing); err != nil {
		return result, err
	}

	fail := func(err error) (ProcessResult, error) {
		if statusErr := in.store.UpdateReceiptStatus(context.WithoutCancel(ctx), receiptID, model.ReceiptFailed); statusErr != nil {
			in.logger.Error("Failed to mark receipt failed", "receipt_id", receiptID, "error", statusErr)
		}
		return result, err
	}

	if receipt.HasExtraction() {
		contentHash := fingerprint.ReceiptContentHash(receipt)
		if contentHash != receipt.ContentHash {
			if err := in.store.UpdateReceiptHashes(ctx, receiptID, "", contentHash); err != nil {
				return fail(fmt.Errorf("failed to update content hash: %w", err))
			}
			receipt.ContentHash = contentHash
		}
	}

	result.SemanticMatches, err = in.semanticMatches(ctx, receipt)
	if err != nil {
		return fail(err)
	}
	if len(result.SemanticMatches) > 0 {
		in.logger.Warn("Possible duplicate receipt",
			"receipt_id", receiptID,
			"matches", len(result.SemanticMatches))
	}

	if err := in.store.UpdateReceiptStatus(ctx, receiptID, model.ReceiptReady); err != nil {
		return fail(err)
	}
	receipt.Status = model.ReceiptReady

	if in.matcher == nil {
		return result, nil
	}
	result.Match, err = in.matcher.AutoMatch(ctx, receiptID)
	if err != nil {
		return result, fmt.Errorf("failed to auto-match receipt %s: %w", receiptID, err)
	}
	return result, nil
}

// semanticMatches returns the owner's other receipts with the same content hash. Receipts
// with nothing extracted have no meaningful content hash and match nothing.
func (in *Intake) semanticMatches(ctx context.Context, r *model.Receipt) ([]model.Receipt, error) {
	if !r.HasExtraction() {
		return nil, nil
	}
	contentHash := r.ContentHash
	if contentHash == "" {
		contentHash = fingerprint.ReceiptContentHash(r)
	}

	matches, err := in.store.FindReceiptsByContentHash(ctx, r.OwnerID, contentHash, r.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check semantic duplicates: %w", err)
	}
	return matches, nil
}
