package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReceiptStatus is the processing state of an uploaded receipt.
type ReceiptStatus string

// Receipt status constants.
const (
	ReceiptUploaded   ReceiptStatus = "UPLOADED"
	ReceiptProcessing ReceiptStatus = "PROCESSING"
	ReceiptReady      ReceiptStatus = "READY"
	ReceiptFailed     ReceiptStatus = "FAILED"
)

// Valid reports whether s is one of the known receipt statuses.
func (s ReceiptStatus) Valid() bool {
	switch s {
	case ReceiptUploaded, ReceiptProcessing, ReceiptReady, ReceiptFailed:
		return true
	default:
		return false
	}
}

// Receipt represents one uploaded document and the fields extracted from it.
type Receipt struct {
	CreatedAt   time.Time
	Date        *time.Time
	ID          string
	OwnerID     string
	FileRef     string // Blob store reference for the original bytes
	FileHash    string // Hash of the raw file bytes
	ContentHash string // Hash of the normalized vendor/date/amount tuple
	Vendor      string
	Status      ReceiptStatus
	MatchStatus MatchStatus
	Amount      decimal.NullDecimal

	// DuplicateFile marks receipts whose bytes match another of the owner's
	// receipts. FileHash stays empty so the owner's file hashes remain unique.
	DuplicateFile bool
}

// HasExtraction reports whether any field needed for matching was extracted.
func (r *Receipt) HasExtraction() bool {
	return r.Amount.Valid || r.Date != nil || r.Vendor != ""
}
