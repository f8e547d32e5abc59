package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/shopspring/decimal"

	"github.com/Veraticus/expense-flow/internal/common"
	"github.com/Veraticus/expense-flow/internal/model"
)

const receiptColumns = `id, owner_id, file_ref, file_hash, content_hash, vendor,
	receipt_date, amount, status, match_status, created_at, duplicate_file`

// CreateReceipt stores a new receipt. The (owner, file hash) pair must be unique.
func (s *SQLiteStorage) CreateReceipt(ctx context.Context, r *model.Receipt) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateReceipt(r); err != nil {
		return err
	}

	if r.ID == "" {
		r.ID = newID()
	}
	if r.Status == "" {
		r.Status = model.ReceiptUploaded
	}
	if r.MatchStatus == "" {
		r.MatchStatus = model.MatchUnmatched
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}

	var date, amount any
	if r.Date != nil {
		date = formatDate(*r.Date)
	}
	if r.Amount.Valid {
		amount = r.Amount.Decimal.String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO receipts (`+receiptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.OwnerID, r.FileRef, r.FileHash, r.ContentHash, r.Vendor,
		date, amount, r.Status, r.MatchStatus, r.CreatedAt.UTC(), r.DuplicateFile)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: receipt with file hash %s", common.ErrDuplicateEntry, r.FileHash)
	}
	if err != nil {
		return fmt.Errorf("failed to create receipt: %w", err)
	}
	return nil
}

// GetReceipt retrieves a receipt by ID.
func (s *SQLiteStorage) GetReceipt(ctx context.Context, id string) (*model.Receipt, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}
	return getReceiptTx(ctx, s.db, id)
}

func getReceiptTx(ctx context.Context, q queryable, id string) (*model.Receipt, error) {
	row := q.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE id = ?`, id)
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("receipt", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}
	return r, nil
}

// FindReceiptByFileHash returns the owner's receipt with the given file hash, or nil.
func (s *SQLiteStorage) FindReceiptByFileHash(ctx context.Context, ownerID, fileHash string) (*model.Receipt, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(fileHash, "fileHash"); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+receiptColumns+` FROM receipts
		WHERE owner_id = ? AND file_hash = ?
	`, ownerID, fileHash)
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find receipt by file hash: %w", err)
	}
	return r, nil
}

// FindReceiptsByContentHash lists the owner's receipts sharing a content hash, excluding excludeID.
func (s *SQLiteStorage) FindReceiptsByContentHash(ctx context.Context, ownerID, contentHash, excludeID string) ([]model.Receipt, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(contentHash, "contentHash"); err != nil {
		return nil, err
	}

	query := sq.Select(receiptColumns).
		From("receipts").
		Where(sq.Eq{"owner_id": ownerID, "content_hash": contentHash}).
		OrderBy("created_at", "id")
	if excludeID != "" {
		query = query.Where(sq.NotEq{"id": excludeID})
	}
	return s.queryReceipts(ctx, query)
}

// UpdateReceiptHashes stores recomputed fingerprints. Empty values leave the column unchanged.
func (s *SQLiteStorage) UpdateReceiptHashes(ctx context.Context, id, fileHash, contentHash string) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(id, "id"); err != nil {
		return err
	}

	update := sq.Update("receipts").Where(sq.Eq{"id": id})
	if fileHash != "" {
		update = update.Set("file_hash", fileHash)
	}
	if contentHash != "" {
		update = update.Set("content_hash", contentHash)
	}
	if fileHash == "" && contentHash == "" {
		return nil
	}

	query, args, err := update.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: receipt with file hash %s", common.ErrDuplicateEntry, fileHash)
	}
	if err != nil {
		return fmt.Errorf("failed to update receipt hashes: %w", err)
	}
	return requireAffected(res, "receipt", id)
}

// UpdateReceiptStatus sets the processing status of a receipt.
func (s *SQLiteStorage) UpdateReceiptStatus(ctx context.Context, id string, status model.ReceiptStatus) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidReceipt, status)
	}

	res, err := s.db.ExecContext(ctx, `UPDATE receipts SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update receipt status: %w", err)
	}
	return requireAffected(res, "receipt", id)
}

// MarkReceiptDuplicateFile records that the receipt's bytes belong to another of the
// owner's receipts, so its file hash is never recomputed.
func (s *SQLiteStorage) MarkReceiptDuplicateFile(ctx context.Context, id string) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(id, "id"); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `UPDATE receipts SET duplicate_file = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark duplicate file: %w", err)
	}
	return requireAffected(res, "receipt", id)
}

// ListReceiptsMissingHashes returns receipts lacking a file or content hash, oldest first.
// Receipts marked as duplicate files only count when their content hash is missing.
func (s *SQLiteStorage) ListReceiptsMissingHashes(ctx context.Context, limit int) ([]model.Receipt, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	query := sq.Select(receiptColumns).
		From("receipts").
		Where(sq.Or{
			sq.Eq{"file_hash": "", "duplicate_file": false},
			sq.Eq{"content_hash": ""},
		}).
		OrderBy("created_at", "id")
	if limit > 0 {
		query = query.Limit(uint64(limit))
	}
	return s.queryReceipts(ctx, query)
}

// ListUnmatchedReceipts returns ready receipts without a confirmed match.
// An empty ownerID lists every owner.
func (s *SQLiteStorage) ListUnmatchedReceipts(ctx context.Context, ownerID string) ([]model.Receipt, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	query := sq.Select(receiptColumns).
		From("receipts").
		Where(sq.Eq{"status": model.ReceiptReady}).
		Where(sq.NotEq{"match_status": model.MatchMatched}).
		OrderBy("created_at", "id")
	if ownerID != "" {
		query = query.Where(sq.Eq{"owner_id": ownerID})
	}
	return s.queryReceipts(ctx, query)
}

func (s *SQLiteStorage) queryReceipts(ctx context.Context, builder sq.SelectBuilder) ([]model.Receipt, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var receipts []model.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		receipts = append(receipts, *r)
	}
	return receipts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (*model.Receipt, error) {
	var (
		r      model.Receipt
		date   sql.NullString
		amount sql.NullString
	)
	if err := row.Scan(&r.ID, &r.OwnerID, &r.FileRef, &r.FileHash, &r.ContentHash, &r.Vendor,
		&date, &amount, &r.Status, &r.MatchStatus, &r.CreatedAt, &r.DuplicateFile); err != nil {
		return nil, err
	}

	if date.Valid && date.String != "" {
		d, err := parseDate(date.String)
		if err != nil {
			return nil, err
		}
		r.Date = &d
	}
	if amount.Valid && amount.String != "" {
		d, err := decimal.NewFromString(amount.String)
		if err != nil {
			return nil, fmt.Errorf("invalid stored amount %q: %w", amount.String, err)
		}
		r.Amount = decimal.NewNullDecimal(d)
	}
	return &r, nil
}

func requireAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return notFound(kind, id)
	}
	return nil
}
