// Package service defines the interfaces for all application services.
package service

import (
	"context"
	"time"

	"github.com/Veraticus/expense-flow/internal/model"
)

// ReceiptStore persists uploaded receipts and their fingerprints.
type ReceiptStore interface {
	CreateReceipt(ctx context.Context, receipt *model.Receipt) error
	GetReceipt(ctx context.Context, id string) (*model.Receipt, error)
	// FindReceiptByFileHash returns nil, nil when the owner has no receipt with that hash.
	FindReceiptByFileHash(ctx context.Context, ownerID, fileHash string) (*model.Receipt, error)
	FindReceiptsByContentHash(ctx context.Context, ownerID, contentHash, excludeID string) ([]model.Receipt, error)
	UpdateReceiptHashes(ctx context.Context, id, fileHash, contentHash string) error
	MarkReceiptDuplicateFile(ctx context.Context, id string) error
	UpdateReceiptStatus(ctx context.Context, id string, status model.ReceiptStatus) error
	ListReceiptsMissingHashes(ctx context.Context, limit int) ([]model.Receipt, error)
	ListUnmatchedReceipts(ctx context.Context, ownerID string) ([]model.Receipt, error)
}

// CandidateQuery bounds the transactions and groups considered for one receipt.
type CandidateQuery struct {
	From    time.Time
	To      time.Time
	OwnerID string
}

// TransactionStore persists ledger lines and user-created groups.
type TransactionStore interface {
	SaveTransactions(ctx context.Context, transactions []model.Transaction) error
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	// CreateGroup bundles the member transactions and computes the combined amount.
	CreateGroup(ctx context.Context, group *model.TransactionGroup, memberIDs []string) error
	GetGroup(ctx context.Context, id string) (*model.TransactionGroup, error)
	GetGroupMembers(ctx context.Context, groupID string) ([]model.Transaction, error)
	// FindCandidates returns unmatched ungrouped transactions and unmatched groups in the window.
	FindCandidates(ctx context.Context, q CandidateQuery) ([]model.Transaction, []model.TransactionGroup, error)
}

// ProposalFilter narrows proposal listings. Zero values are ignored.
type ProposalFilter struct {
	ReceiptID string
	Status    model.ProposalStatus
	Limit     int
}

// ProposalStore persists match proposals and enforces the confirmed-match invariants.
type ProposalStore interface {
	CreateProposal(ctx context.Context, proposal *model.MatchProposal) error
	GetProposal(ctx context.Context, id string) (*model.MatchProposal, error)
	ListProposals(ctx context.Context, filter ProposalFilter) ([]model.MatchProposal, error)
	// HasOpenProposal reports whether the receipt already has a Proposed or Confirmed proposal.
	HasOpenProposal(ctx context.Context, receiptID string) (bool, error)
	RejectedTargets(ctx context.Context, receiptID string) ([]model.MatchTarget, error)
	// ConfirmProposal atomically confirms the proposal if version still matches and marks
	// the receipt and target matched. Fails with common.ErrConcurrencyConflict otherwise.
	ConfirmProposal(ctx context.Context, id, version string) (*model.MatchProposal, error)
	RejectProposal(ctx context.Context, id, version string) (*model.MatchProposal, error)
}

// AliasStore persists vendor aliases.
type AliasStore interface {
	ListAliases(ctx context.Context) ([]model.VendorAlias, error)
	SaveAlias(ctx context.Context, alias *model.VendorAlias) error
	// SeedAliases inserts unknown aliases without ever touching confidence.
	SeedAliases(ctx context.Context, aliases []model.VendorAlias) (int, error)
	IncrementAliasMatch(ctx context.Context, id string, at time.Time) error
}

// DescriptionCache is the Tier-1 raw description memo.
type DescriptionCache interface {
	GetCachedDescription(ctx context.Context, hash string) (*model.DescriptionCacheEntry, error)
	UpsertCachedDescription(ctx context.Context, entry *model.DescriptionCacheEntry) error
	IncrementCacheHit(ctx context.Context, hash string, at time.Time) error
}

// EmbeddingStore persists Tier-2 vectors for the SQLite-backed similarity index.
type EmbeddingStore interface {
	UpsertEmbedding(ctx context.Context, record *model.EmbeddingRecord) error
	ListActiveEmbeddings(ctx context.Context, now time.Time) ([]model.EmbeddingRecord, error)
	MarkEmbeddingVerified(ctx context.Context, text string) (bool, error)
	PurgeExpiredEmbeddings(ctx context.Context, now time.Time) (int, error)
}

// PatternStore persists learned per-vendor expense patterns.
type PatternStore interface {
	GetPattern(ctx context.Context, id string) (*model.ExpensePattern, error)
	GetPatternByVendorKey(ctx context.Context, vendorKey string) (*model.ExpensePattern, error)
	// RecordPatternConfirm increments the confirm count and folds amount into the running stats.
	RecordPatternConfirm(ctx context.Context, vendorKey, displayName string, amount float64, at time.Time) (*model.ExpensePattern, error)
	RecordPatternReject(ctx context.Context, vendorKey, displayName string, at time.Time) (*model.ExpensePattern, error)
	ListPatterns(ctx context.Context) ([]model.ExpensePattern, error)
	SetPatternSuppressed(ctx context.Context, id string, suppressed bool) error
}

// PredictionStore persists business-expense predictions.
type PredictionStore interface {
	CreatePrediction(ctx context.Context, prediction *model.TransactionPrediction) error
	GetPrediction(ctx context.Context, id string) (*model.TransactionPrediction, error)
	// OpenPredictionForTransaction returns the pending or confirmed prediction, or common.ErrNotFound.
	OpenPredictionForTransaction(ctx context.Context, transactionID string) (*model.TransactionPrediction, error)
	ResolvePrediction(ctx context.Context, id string, status model.PredictionStatus) (*model.TransactionPrediction, error)
}

// TierUsageStat aggregates cascade resolutions for one tier.
type TierUsageStat struct {
	Tier         model.Tier
	Count        int
	TotalElapsed time.Duration
}

// UsageStore records which cascade tier served each resolution.
type UsageStore interface {
	RecordTierUsage(ctx context.Context, usage model.TierUsage) error
	TierUsageSummary(ctx context.Context, since time.Time) ([]TierUsageStat, error)
}

// Storage defines the contract for our persistence layer.
type Storage interface {
	ReceiptStore
	TransactionStore
	ProposalStore
	AliasStore
	DescriptionCache
	EmbeddingStore
	PatternStore
	PredictionStore
	UsageStore

	Migrate(ctx context.Context) error
	Close() error
}

// BlobStore reads previously uploaded receipt files.
type BlobStore interface {
	Download(ctx context.Context, ref string) ([]byte, error)
}

// JobQueue schedules asynchronous receipt processing.
type JobQueue interface {
	Enqueue(ctx context.Context, receiptID string) error
}

// RetryOptions configures retry behavior for operations.
type RetryOptions struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryOptions returns the provider retry policy: three attempts with exponential backoff.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}
