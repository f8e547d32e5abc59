package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/Veraticus/expense-flow/internal/common"
	"github.com/Veraticus/expense-flow/internal/model"
	"github.com/Veraticus/expense-flow/internal/service"
)

const proposalColumns = `id, receipt_id, transaction_id, group_id, status, confidence,
	amount_score, date_score, vendor_score, reason, is_manual, version, created_at, resolved_at`

// CreateProposal stores a new Proposed proposal and assigns it a fresh version token.
// The receipt is flagged as having a pending proposal unless it is already matched.
func (s *SQLiteStorage) CreateProposal(ctx context.Context, p *model.MatchProposal) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateProposal(p); err != nil {
		return err
	}

	if p.ID == "" {
		p.ID = newID()
	}
	p.Status = model.ProposalProposed
	p.Version = newID()
	p.ResolvedAt = nil
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getReceiptTx(ctx, tx, p.ReceiptID); err != nil {
			return err
		}
		if err := ensureTargetExists(ctx, tx, p.Target); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO match_proposals (`+proposalColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		`, p.ID, p.ReceiptID, nullString(p.Target.TransactionID()), nullString(p.Target.GroupID()),
			p.Status, p.Confidence, p.AmountScore, p.DateScore, p.VendorScore, p.Reason,
			p.IsManual, p.Version, p.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("failed to create proposal: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE receipts SET match_status = ? WHERE id = ? AND match_status = ?
		`, model.MatchProposed, p.ReceiptID, model.MatchUnmatched); err != nil {
			return fmt.Errorf("failed to update receipt match status: %w", err)
		}
		return nil
	})
}

func ensureTargetExists(ctx context.Context, q queryable, target model.MatchTarget) error {
	switch target.Kind() {
	case model.TargetTransaction:
		txn, err := getTransactionTx(ctx, q, target.ID())
		if err != nil {
			return err
		}
		if txn.InGroup() {
			return common.Validationf("transaction %s is matched through group %s", txn.ID, txn.GroupID)
		}
		return nil
	case model.TargetGroup:
		_, err := getGroupTx(ctx, q, target.ID())
		return err
	default:
		return fmt.Errorf("%w: %s", model.ErrInvalidTarget, target)
	}
}

// GetProposal retrieves a proposal by ID.
func (s *SQLiteStorage) GetProposal(ctx context.Context, id string) (*model.MatchProposal, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}
	return getProposalTx(ctx, s.db, id)
}

func getProposalTx(ctx context.Context, q queryable, id string) (*model.MatchProposal, error) {
	row := q.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM match_proposals WHERE id = ?`, id)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("proposal", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get proposal: %w", err)
	}
	return p, nil
}

// ListProposals lists proposals matching the filter, highest confidence first.
func (s *SQLiteStorage) ListProposals(ctx context.Context, filter service.ProposalFilter) ([]model.MatchProposal, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	query := sq.Select(proposalColumns).From("match_proposals")
	if filter.ReceiptID != "" {
		query = query.Where(sq.Eq{"receipt_id": filter.ReceiptID})
	}
	if filter.Status != "" {
		if !filter.Status.Valid() {
			return nil, common.Validationf("unknown proposal status %q", filter.Status)
		}
		query = query.Where(sq.Eq{"status": filter.Status})
	}
	query = query.OrderBy("confidence DESC", "created_at", "id")
	if filter.Limit > 0 {
		query = query.Limit(uint64(filter.Limit))
	}

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query proposals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var proposals []model.MatchProposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan proposal: %w", err)
		}
		proposals = append(proposals, *p)
	}
	return proposals, rows.Err()
}

// HasOpenProposal reports whether the receipt has a Proposed or Confirmed proposal.
func (s *SQLiteStorage) HasOpenProposal(ctx context.Context, receiptID string) (bool, error) {
	if err := validateContext(ctx); err != nil {
		return false, err
	}

	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM match_proposals
			WHERE receipt_id = ? AND status IN (?, ?)
		)
	`, receiptID, model.ProposalProposed, model.ProposalConfirmed).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check open proposals: %w", err)
	}
	return exists, nil
}

// RejectedTargets lists the targets previously rejected for a receipt.
func (s *SQLiteStorage) RejectedTargets(ctx context.Context, receiptID string) ([]model.MatchTarget, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, group_id FROM match_proposals
		WHERE receipt_id = ? AND status = ?
	`, receiptID, model.ProposalRejected)
	if err != nil {
		return nil, fmt.Errorf("failed to query rejected proposals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var targets []model.MatchTarget
	for rows.Next() {
		var txnID, groupID sql.NullString
		if err := rows.Scan(&txnID, &groupID); err != nil {
			return nil, fmt.Errorf("failed to scan rejected target: %w", err)
		}
		target, err := targetFromColumns(txnID, groupID)
		if err != nil {
			return nil, err
		}
		targets = append(targets, target)
	}
	return targets, rows.Err()
}

// ConfirmProposal moves a Proposed proposal to Confirmed.
//
// The whole operation runs in one BEGIN IMMEDIATE transaction: the version token is
// compared and swapped, the receipt and target are checked for an existing confirmed
// match, and the partial unique indexes on confirmed rows reject any race that slips
// past those reads. On success the receipt, the target and any group members are
// marked matched.
func (s *SQLiteStorage) ConfirmProposal(ctx context.Context, id, version string) (*model.MatchProposal, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}

	var confirmed *model.MatchProposal
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := s.transitionTx(ctx, tx, id, version, model.ProposalConfirmed)
		if err != nil {
			return err
		}

		if err := markMatchedTx(ctx, tx, p); err != nil {
			return err
		}
		confirmed = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return confirmed, nil
}

// RejectProposal moves a Proposed proposal to Rejected. The receipt falls back to
// unmatched when no other proposal is pending for it.
func (s *SQLiteStorage) RejectProposal(ctx context.Context, id, version string) (*model.MatchProposal, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}

	var rejected *model.MatchProposal
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := s.transitionTx(ctx, tx, id, version, model.ProposalRejected)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE receipts SET match_status = ?
			WHERE id = ? AND match_status = ?
			AND NOT EXISTS (
				SELECT 1 FROM match_proposals WHERE receipt_id = ? AND status = ?
			)
		`, model.MatchUnmatched, p.ReceiptID, model.MatchProposed, p.ReceiptID, model.ProposalProposed); err != nil {
			return fmt.Errorf("failed to update receipt match status: %w", err)
		}
		rejected = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rejected, nil
}

// transitionTx performs the version compare-and-swap shared by confirm and reject.
func (s *SQLiteStorage) transitionTx(ctx context.Context, tx *sql.Tx, id, version string, next model.ProposalStatus) (*model.MatchProposal, error) {
	p, err := getProposalTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if p.Version != version {
		return nil, fmt.Errorf("%w: proposal %s was modified since it was read", common.ErrConcurrencyConflict, id)
	}
	if !p.Status.CanTransition(next) {
		return nil, fmt.Errorf("%w: proposal %s is %s", common.ErrInvalidTransition, id, p.Status)
	}

	if next == model.ProposalConfirmed {
		if err := ensureNotConfirmedTx(ctx, tx, p); err != nil {
			return nil, err
		}
	}

	newVersion := newID()
	resolvedAt := s.now()
	res, err := tx.ExecContext(ctx, `
		UPDATE match_proposals
		SET status = ?, version = ?, resolved_at = ?
		WHERE id = ? AND version = ? AND status = ?
	`, next, newVersion, resolvedAt, id, version, model.ProposalProposed)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: proposal %s", common.ErrAlreadyConfirmed, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update proposal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: proposal %s was modified since it was read", common.ErrConcurrencyConflict, id)
	}

	p.Status = next
	p.Version = newVersion
	p.ResolvedAt = &resolvedAt
	return p, nil
}

func ensureNotConfirmedTx(ctx context.Context, tx *sql.Tx, p *model.MatchProposal) error {
	var existing string
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM match_proposals
		WHERE status = ? AND id <> ?
		AND (receipt_id = ? OR transaction_id = ? OR group_id = ?)
		LIMIT 1
	`, model.ProposalConfirmed, p.ID, p.ReceiptID,
		nullString(p.Target.TransactionID()), nullString(p.Target.GroupID())).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check confirmed matches: %w", err)
	}
	return fmt.Errorf("%w: proposal %s conflicts with confirmed proposal %s", common.ErrAlreadyConfirmed, p.ID, existing)
}

func markMatchedTx(ctx context.Context, tx *sql.Tx, p *model.MatchProposal) error {
	if _, err := tx.ExecContext(ctx, `UPDATE receipts SET match_status = ? WHERE id = ?`,
		model.MatchMatched, p.ReceiptID); err != nil {
		return fmt.Errorf("failed to mark receipt matched: %w", err)
	}

	switch p.Target.Kind() {
	case model.TargetTransaction:
		if _, err := tx.ExecContext(ctx, `UPDATE transactions SET match_status = ? WHERE id = ?`,
			model.MatchMatched, p.Target.ID()); err != nil {
			return fmt.Errorf("failed to mark transaction matched: %w", err)
		}
	case model.TargetGroup:
		if _, err := tx.ExecContext(ctx, `UPDATE transaction_groups SET match_status = ? WHERE id = ?`,
			model.MatchMatched, p.Target.ID()); err != nil {
			return fmt.Errorf("failed to mark group matched: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE transactions SET match_status = ? WHERE group_id = ?`,
			model.MatchMatched, p.Target.ID()); err != nil {
			return fmt.Errorf("failed to mark group members matched: %w", err)
		}
	default:
		return fmt.Errorf("%w: %s", model.ErrInvalidTarget, p.Target)
	}
	return nil
}

func targetFromColumns(txnID, groupID sql.NullString) (model.MatchTarget, error) {
	switch {
	case txnID.Valid && !groupID.Valid:
		return model.TransactionTarget(txnID.String)
	case groupID.Valid && !txnID.Valid:
		return model.GroupTarget(groupID.String)
	default:
		return model.MatchTarget{}, fmt.Errorf("%w: stored proposal has both or neither target", model.ErrInvalidTarget)
	}
}

func scanProposal(row rowScanner) (*model.MatchProposal, error) {
	var (
		p          model.MatchProposal
		txnID      sql.NullString
		groupID    sql.NullString
		resolvedAt sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.ReceiptID, &txnID, &groupID, &p.Status, &p.Confidence,
		&p.AmountScore, &p.DateScore, &p.VendorScore, &p.Reason, &p.IsManual, &p.Version,
		&p.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}

	target, err := targetFromColumns(txnID, groupID)
	if err != nil {
		return nil, err
	}
	p.Target = target
	p.ResolvedAt = nullTimePtr(resolvedAt)
	return &p, nil
}
