package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/shopspring/decimal"

	"github.com/Veraticus/expense-flow/internal/common"
	"github.com/Veraticus/expense-flow/internal/model"
	"github.com/Veraticus/expense-flow/internal/service"
)

const (
	transactionColumns = `id, owner_id, txn_date, amount, description, group_id, match_status`
	groupColumns       = `id, owner_id, name, group_date, combined_amount, transaction_count, match_status`
)

// SaveTransactions saves imported transactions. Existing IDs are left untouched,
// since imported transactions are immutable apart from match linkage.
func (s *SQLiteStorage) SaveTransactions(ctx context.Context, transactions []model.Transaction) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateTransactions(transactions); err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO transactions (`+transactionColumns+`, created_at)
			VALUES (?, ?, ?, ?, ?, NULL, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		now := s.now()
		for i := range transactions {
			txn := &transactions[i]
			if txn.MatchStatus == "" {
				txn.MatchStatus = model.MatchUnmatched
			}
			if _, err := stmt.ExecContext(ctx, txn.ID, txn.OwnerID, formatDate(txn.Date),
				txn.Amount.String(), txn.Description, txn.MatchStatus, now); err != nil {
				return fmt.Errorf("failed to save transaction %s: %w", txn.ID, err)
			}
		}
		return nil
	})
}

// GetTransaction retrieves a transaction by ID.
func (s *SQLiteStorage) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}
	return getTransactionTx(ctx, s.db, id)
}

func getTransactionTx(ctx context.Context, q queryable, id string) (*model.Transaction, error) {
	row := q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("transaction", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return txn, nil
}

// CreateGroup bundles unmatched, ungrouped transactions of one owner into a group.
// The combined amount and count are always derived from the members.
func (s *SQLiteStorage) CreateGroup(ctx context.Context, group *model.TransactionGroup, memberIDs []string) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if group == nil {
		return fmt.Errorf("%w: group", ErrNilParameter)
	}
	if len(memberIDs) == 0 {
		return fmt.Errorf("%w: group members", ErrEmptySlice)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		members := make([]model.Transaction, 0, len(memberIDs))
		seen := make(map[string]bool, len(memberIDs))
		for _, id := range memberIDs {
			if seen[id] {
				return common.Validationf("transaction %s listed twice", id)
			}
			seen[id] = true

			txn, err := getTransactionTx(ctx, tx, id)
			if err != nil {
				return err
			}
			switch {
			case txn.InGroup():
				return common.Validationf("transaction %s already belongs to group %s", id, txn.GroupID)
			case txn.MatchStatus == model.MatchMatched:
				return common.Validationf("transaction %s is already matched", id)
			case group.OwnerID != "" && txn.OwnerID != group.OwnerID:
				return common.Validationf("transaction %s belongs to another owner", id)
			}
			group.OwnerID = txn.OwnerID
			members = append(members, *txn)
		}

		if group.ID == "" {
			group.ID = newID()
		}
		group.CombinedAmount = model.SumAmounts(members)
		group.TransactionCount = len(members)
		group.MatchStatus = model.MatchUnmatched
		group.Date = members[0].Date
		for _, m := range members[1:] {
			if m.Date.Before(group.Date) {
				group.Date = m.Date
			}
		}
		if strings.TrimSpace(group.Name) == "" {
			group.Name = members[0].Description
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transaction_groups (`+groupColumns+`, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, group.ID, group.OwnerID, group.Name, formatDate(group.Date),
			group.CombinedAmount.String(), group.TransactionCount, group.MatchStatus, s.now()); err != nil {
			return fmt.Errorf("failed to create group: %w", err)
		}

		query, args, err := sq.Update("transactions").
			Set("group_id", group.ID).
			Where(sq.Eq{"id": memberIDs}).
			ToSql()
		if err != nil {
			return fmt.Errorf("failed to build query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to assign group members: %w", err)
		}
		return nil
	})
}

// GetGroup retrieves a transaction group by ID.
func (s *SQLiteStorage) GetGroup(ctx context.Context, id string) (*model.TransactionGroup, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}
	return getGroupTx(ctx, s.db, id)
}

func getGroupTx(ctx context.Context, q queryable, id string) (*model.TransactionGroup, error) {
	row := q.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM transaction_groups WHERE id = ?`, id)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("group", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	return g, nil
}

// GetGroupMembers lists the transactions bundled in a group, by date then ID.
func (s *SQLiteStorage) GetGroupMembers(ctx context.Context, groupID string) ([]model.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(groupID, "groupID"); err != nil {
		return nil, err
	}

	query, args, err := sq.Select(transactionColumns).
		From("transactions").
		Where(sq.Eq{"group_id": groupID}).
		OrderBy("txn_date", "id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	return queryTransactions(ctx, s.db, query, args...)
}

// FindCandidates returns the unmatched transactions (outside any group) and unmatched
// groups of the owner dated within [q.From, q.To].
func (s *SQLiteStorage) FindCandidates(ctx context.Context, q service.CandidateQuery) ([]model.Transaction, []model.TransactionGroup, error) {
	if err := validateContext(ctx); err != nil {
		return nil, nil, err
	}
	if q.To.Before(q.From) {
		return nil, nil, common.Validationf("candidate window ends before it starts")
	}

	from, to := formatDate(q.From), formatDate(q.To)

	txnQuery, args, err := sq.Select(transactionColumns).
		From("transactions").
		Where(sq.Eq{"owner_id": q.OwnerID, "group_id": nil}).
		Where(sq.NotEq{"match_status": model.MatchMatched}).
		Where(sq.GtOrEq{"txn_date": from}).
		Where(sq.LtOrEq{"txn_date": to}).
		OrderBy("txn_date", "id").
		ToSql()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build query: %w", err)
	}
	txns, err := queryTransactions(ctx, s.db, txnQuery, args...)
	if err != nil {
		return nil, nil, err
	}

	groupQuery, args, err := sq.Select(groupColumns).
		From("transaction_groups").
		Where(sq.Eq{"owner_id": q.OwnerID}).
		Where(sq.NotEq{"match_status": model.MatchMatched}).
		Where(sq.GtOrEq{"group_date": from}).
		Where(sq.LtOrEq{"group_date": to}).
		OrderBy("group_date", "id").
		ToSql()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, groupQuery, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var groups []model.TransactionGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	return txns, groups, nil
}

func queryTransactions(ctx context.Context, q queryable, query string, args ...any) ([]model.Transaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var txns []model.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, *txn)
	}
	return txns, rows.Err()
}

func scanTransaction(row rowScanner) (*model.Transaction, error) {
	var (
		txn     model.Transaction
		date    string
		amount  string
		groupID sql.NullString
	)
	if err := row.Scan(&txn.ID, &txn.OwnerID, &date, &amount, &txn.Description, &groupID, &txn.MatchStatus); err != nil {
		return nil, err
	}

	d, err := parseDate(date)
	if err != nil {
		return nil, err
	}
	txn.Date = d

	txn.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid stored amount %q: %w", amount, err)
	}
	txn.GroupID = groupID.String
	return &txn, nil
}

func scanGroup(row rowScanner) (*model.TransactionGroup, error) {
	var (
		g      model.TransactionGroup
		date   string
		amount string
	)
	if err := row.Scan(&g.ID, &g.OwnerID, &g.Name, &date, &amount, &g.TransactionCount, &g.MatchStatus); err != nil {
		return nil, err
	}

	d, err := parseDate(date)
	if err != nil {
		return nil, err
	}
	g.Date = d

	g.CombinedAmount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid stored amount %q: %w", amount, err)
	}
	return &g, nil
}
