// Package fingerprint computes the deterministic hashes used for duplicate
// detection and Tier-1 cache lookups.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Veraticus/expense-flow/internal/common"
	"github.com/Veraticus/expense-flow/internal/model"
)

const (
	fieldSeparator = "|"
	dateLayout     = "2006-01-02"
)

// ExactHash returns the lowercase hex SHA-256 of the raw file bytes.
func ExactHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ContentHash hashes the normalized (vendor, date, amount) tuple of a receipt.
// Missing fields contribute an empty segment. The result ignores file bytes, so a
// re-scan of the same paper receipt collapses to the same hash.
func ContentHash(vendor string, date *time.Time, amount decimal.NullDecimal) string {
	return ExactHash([]byte(ContentKey(vendor, date, amount)))
}

// ContentKey returns the pre-image of ContentHash.
func ContentKey(vendor string, date *time.Time, amount decimal.NullDecimal) string {
	var dateStr, amountStr string
	if date != nil && !date.IsZero() {
		dateStr = date.Format(dateLayout)
	}
	if amount.Valid {
		amountStr = amount.Decimal.StringFixed(2)
	}
	return strings.Join([]string{NormalizeVendor(vendor), dateStr, amountStr}, fieldSeparator)
}

// ReceiptContentHash is ContentHash over a receipt's extracted fields.
func ReceiptContentHash(r *model.Receipt) string {
	return ContentHash(r.Vendor, r.Date, r.Amount)
}

// NormalizeVendor trims, collapses internal whitespace and lower-cases a vendor name.
func NormalizeVendor(vendor string) string {
	return strings.ToLower(strings.Join(strings.Fields(vendor), " "))
}

// NormalizeDescription applies the Tier-1 cache normalization to a raw description.
func NormalizeDescription(raw string) string {
	return NormalizeVendor(raw)
}

// DescriptionHash is the Tier-1 cache key for a raw description.
func DescriptionHash(raw string) (string, error) {
	normalized := NormalizeDescription(raw)
	if normalized == "" {
		return "", common.Validationf("empty description")
	}
	return ExactHash([]byte(normalized)), nil
}
