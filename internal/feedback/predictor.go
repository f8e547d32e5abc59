package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veraticus/expense-flow/internal/common"
	"github.com/Veraticus/expense-flow/internal/model"
	"github.com/Veraticus/expense-flow/internal/service"
	"github.com/Veraticus/expense-flow/internal/vendor"
)

// PredictionStore is the persistence the predictor needs.
type PredictionStore interface {
	service.TransactionStore
	service.PatternStore
	service.PredictionStore
}

// Predictor proposes that transactions from business vendors are business expenses.
type Predictor struct {
	store      PredictionStore
	vendors    *vendor.Directory
	logger     *slog.Logger
	now        func() time.Time
	thresholds model.PatternThresholds
}

// NewPredictor creates a predictor. Zero thresholds select the defaults.
func NewPredictor(store PredictionStore, vendors *vendor.Directory, thresholds model.PatternThresholds, logger *slog.Logger) *Predictor {
	if thresholds == (model.PatternThresholds{}) {
		thresholds = model.DefaultPatternThresholds()
	}
	return &Predictor{
		store:      store,
		vendors:    vendors,
		logger:     common.LoggerOrDefault(logger),
		now:        time.Now,
		thresholds: thresholds,
	}
}

// Classify derives a pattern's classification under the predictor's thresholds.
func (p *Predictor) Classify(pattern *model.ExpensePattern) model.PatternClass {
	return pattern.Classification(p.thresholds)
}

// Predict creates a pending prediction when the transaction's vendor pattern is business
// and not suppressed. It returns nil when there is nothing to predict, and the existing
// prediction when the transaction already has an open one.
func (p *Predictor) Predict(ctx context.Context, txn *model.Transaction) (*model.TransactionPrediction, error) {
	existing, err := p.store.OpenPredictionForTransaction(ctx, txn.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return nil, fmt.Errorf("failed to check predictions: %w", err)
	}

	key := p.vendorKey(txn.Description)
	pattern, err := p.store.GetPatternByVendorKey(ctx, key)
	if errors.Is(err, common.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pattern: %w", err)
	}
	if pattern.IsSuppressed || p.Classify(pattern) != model.ClassBusiness {
		return nil, nil
	}

	patternID := pattern.ID
	prediction := &model.TransactionPrediction{
		TransactionID:   txn.ID,
		PatternID:       &patternID,
		ConfidenceScore: pattern.ConfirmRate(),
		Status:          model.PredictionPending,
	}
	if err := p.store.CreatePrediction(ctx, prediction); err != nil {
		return nil, err
	}

	p.logger.Info("Predicted business expense",
		"transaction_id", txn.ID,
		"vendor_key", key,
		"confidence", prediction.ConfidenceScore)
	return prediction, nil
}

// ConfirmPrediction accepts a pending prediction and counts it as a confirmation of its pattern.
func (p *Predictor) ConfirmPrediction(ctx context.Context, id string) (*model.TransactionPrediction, error) {
	prediction, err := p.store.ResolvePrediction(ctx, id, model.PredictionConfirmed)
	if err != nil {
		return nil, fmt.Errorf("failed to confirm prediction %s: %w", id, err)
	}
	p.reinforce(ctx, prediction, true)
	return prediction, nil
}

// RejectPrediction declines a pending prediction and counts it against its pattern.
func (p *Predictor) RejectPrediction(ctx context.Context, id string) (*model.TransactionPrediction, error) {
	prediction, err := p.store.ResolvePrediction(ctx, id, model.PredictionRejected)
	if err != nil {
		return nil, fmt.Errorf("failed to reject prediction %s: %w", id, err)
	}
	p.reinforce(ctx, prediction, false)
	return prediction, nil
}

// ManualOverride marks a transaction as a business expense by hand. A pending prediction is
// confirmed; otherwise a confirmed prediction with no originating pattern is created.
func (p *Predictor) ManualOverride(ctx context.Context, transactionID string) (*model.TransactionPrediction, error) {
	if _, err := p.store.GetTransaction(ctx, transactionID); err != nil {
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}

	existing, err := p.store.OpenPredictionForTransaction(ctx, transactionID)
	switch {
	case err == nil && existing.Status == model.PredictionPending:
		return p.ConfirmPrediction(ctx, existing.ID)
	case err == nil:
		return existing, nil
	case !errors.Is(err, common.ErrNotFound):
		return nil, fmt.Errorf("failed to check predictions: %w", err)
	}

	now := p.now()
	prediction := &model.TransactionPrediction{
		TransactionID:   transactionID,
		ConfidenceScore: 1,
		Status:          model.PredictionConfirmed,
		ResolvedAt:      &now,
	}
	if err := p.store.CreatePrediction(ctx, prediction); err != nil {
		return nil, err
	}
	return prediction, nil
}

// SuppressPattern stops or resumes predictions for a pattern.
func (p *Predictor) SuppressPattern(ctx context.Context, patternID string, suppressed bool) error {
	if err := p.store.SetPatternSuppressed(ctx, patternID, suppressed); err != nil {
		return fmt.Errorf("failed to update pattern %s: %w", patternID, err)
	}
	return nil
}

// reinforce feeds a resolved prediction back into its pattern. Failures are logged.
func (p *Predictor) reinforce(ctx context.Context, prediction *model.TransactionPrediction, confirmed bool) {
	if prediction.IsManual() {
		return
	}

	ctx = context.WithoutCancel(ctx)
	pattern, err := p.store.GetPattern(ctx, *prediction.PatternID)
	if err != nil {
		p.logger.Error("Failed to load pattern for prediction", "prediction_id", prediction.ID, "error", err)
		return
	}

	now := p.now()
	if confirmed {
		txn, err := p.store.GetTransaction(ctx, prediction.TransactionID)
		if err != nil {
			p.logger.Error("Failed to load transaction for prediction", "prediction_id", prediction.ID, "error", err)
			return
		}
		_, err = p.store.RecordPatternConfirm(ctx, pattern.VendorKey, pattern.DisplayName,
			txn.Amount.Abs().InexactFloat64(), now)
		if err != nil {
			p.logger.Error("Failed to record prediction confirmation", "pattern_id", pattern.ID, "error", err)
		}
		return
	}

	if _, err := p.store.RecordPatternReject(ctx, pattern.VendorKey, pattern.DisplayName, now); err != nil {
		p.logger.Error("Failed to record prediction rejection", "pattern_id", pattern.ID, "error", err)
	}
}

func (p *Predictor) vendorKey(description string) string {
	key, _ := vendorKey(p.vendors, "", description)
	return key
}
