package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Veraticus/expense-flow/internal/common"
	"github.com/Veraticus/expense-flow/internal/model"
)

const predictionColumns = `id, transaction_id, pattern_id, confidence_score, confidence_level,
	status, created_at, resolved_at`

// CreatePrediction stores a new prediction.
func (s *SQLiteStorage) CreatePrediction(ctx context.Context, p *model.TransactionPrediction) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("%w: prediction", ErrNilParameter)
	}
	if err := validateString(p.TransactionID, "transactionID"); err != nil {
		return err
	}
	if p.ConfidenceScore < 0 || p.ConfidenceScore > 1 {
		return common.Validationf("confidence score %.2f outside [0,1]", p.ConfidenceScore)
	}

	if p.ID == "" {
		p.ID = newID()
	}
	if p.Status == "" {
		p.Status = model.PredictionPending
	}
	if p.ConfidenceLevel == "" {
		p.ConfidenceLevel = model.LevelFor(p.ConfidenceScore)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}

	var patternID any
	if p.PatternID != nil {
		patternID = *p.PatternID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transaction_predictions (`+predictionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.TransactionID, patternID, p.ConfidenceScore, p.ConfidenceLevel, p.Status,
		p.CreatedAt.UTC(), timeArg(p.ResolvedAt))
	if err != nil {
		return fmt.Errorf("failed to create prediction: %w", err)
	}
	return nil
}

// GetPrediction retrieves a prediction by ID.
func (s *SQLiteStorage) GetPrediction(ctx context.Context, id string) (*model.TransactionPrediction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return getPredictionTx(ctx, s.db, id)
}

func getPredictionTx(ctx context.Context, q queryable, id string) (*model.TransactionPrediction, error) {
	row := q.QueryRowContext(ctx, `SELECT `+predictionColumns+` FROM transaction_predictions WHERE id = ?`, id)
	p, err := scanPrediction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("prediction", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get prediction: %w", err)
	}
	return p, nil
}

// OpenPredictionForTransaction returns the latest pending or confirmed prediction.
func (s *SQLiteStorage) OpenPredictionForTransaction(ctx context.Context, transactionID string) (*model.TransactionPrediction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+predictionColumns+` FROM transaction_predictions
		WHERE transaction_id = ? AND status IN (?, ?)
		ORDER BY created_at DESC, id
		LIMIT 1
	`, transactionID, model.PredictionPending, model.PredictionConfirmed)
	p, err := scanPrediction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("prediction for transaction", transactionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get prediction: %w", err)
	}
	return p, nil
}

// ResolvePrediction moves a pending prediction to a terminal status.
func (s *SQLiteStorage) ResolvePrediction(ctx context.Context, id string, status model.PredictionStatus) (*model.TransactionPrediction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	var resolved *model.TransactionPrediction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := getPredictionTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if !p.Status.CanTransition(status) {
			return fmt.Errorf("%w: prediction %s is %s", common.ErrInvalidTransition, id, p.Status)
		}

		at := s.now()
		res, err := tx.ExecContext(ctx, `
			UPDATE transaction_predictions SET status = ?, resolved_at = ?
			WHERE id = ? AND status = ?
		`, status, at, id, model.PredictionPending)
		if err != nil {
			return fmt.Errorf("failed to resolve prediction: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return fmt.Errorf("%w: prediction %s", common.ErrConcurrencyConflict, id)
		}

		p.Status = status
		p.ResolvedAt = &at
		resolved = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

func scanPrediction(row rowScanner) (*model.TransactionPrediction, error) {
	var (
		p          model.TransactionPrediction
		patternID  sql.NullString
		resolvedAt sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.TransactionID, &patternID, &p.ConfidenceScore, &p.ConfidenceLevel,
		&p.Status, &p.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	if patternID.Valid {
		id := patternID.String
		p.PatternID = &id
	}
	p.ResolvedAt = nullTimePtr(resolvedAt)
	return &p, nil
}
