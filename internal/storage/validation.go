package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/Veraticus/expense-flow/internal/common"
	"github.com/Veraticus/expense-flow/internal/model"
)

// Validation errors. All wrap common.ErrValidation.
var (
	ErrNilContext      = fmt.Errorf("%w: context cannot be nil", common.ErrValidation)
	ErrEmptyString     = fmt.Errorf("%w: string parameter cannot be empty", common.ErrValidation)
	ErrNilParameter    = fmt.Errorf("%w: parameter cannot be nil", common.ErrValidation)
	ErrEmptySlice      = fmt.Errorf("%w: slice cannot be empty", common.ErrValidation)
	ErrInvalidReceipt  = fmt.Errorf("%w: invalid receipt", common.ErrValidation)
	ErrInvalidTxn      = fmt.Errorf("%w: invalid transaction", common.ErrValidation)
	ErrInvalidProposal = fmt.Errorf("%w: invalid proposal", common.ErrValidation)
	ErrInvalidAlias    = fmt.Errorf("%w: invalid vendor alias", common.ErrValidation)
)

// validateContext ensures the context is not nil.
func validateContext(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	return nil
}

// validateString ensures a string parameter is not empty.
func validateString(s string, paramName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: %s", ErrEmptyString, paramName)
	}
	return nil
}

func validateReceipt(r *model.Receipt) error {
	if r == nil {
		return fmt.Errorf("%w: receipt", ErrNilParameter)
	}
	if strings.TrimSpace(r.OwnerID) == "" {
		return fmt.Errorf("%w: missing owner", ErrInvalidReceipt)
	}
	if r.Status != "" && !r.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidReceipt, r.Status)
	}
	if r.MatchStatus != "" && !r.MatchStatus.Valid() {
		return fmt.Errorf("%w: unknown match status %q", ErrInvalidReceipt, r.MatchStatus)
	}
	return nil
}

func validateTransactions(transactions []model.Transaction) error {
	if transactions == nil {
		return fmt.Errorf("%w: transactions", ErrNilParameter)
	}
	if len(transactions) == 0 {
		return fmt.Errorf("%w: transactions", ErrEmptySlice)
	}

	for i := range transactions {
		txn := &transactions[i]
		switch {
		case txn.ID == "":
			return fmt.Errorf("transaction at index %d: %w: missing ID", i, ErrInvalidTxn)
		case txn.OwnerID == "":
			return fmt.Errorf("transaction at index %d: %w: missing owner", i, ErrInvalidTxn)
		case txn.Date.IsZero():
			return fmt.Errorf("transaction at index %d: %w: missing date", i, ErrInvalidTxn)
		case txn.GroupID != "":
			return fmt.Errorf("transaction at index %d: %w: group membership is assigned by CreateGroup", i, ErrInvalidTxn)
		}
	}
	return nil
}

func validateProposal(p *model.MatchProposal) error {
	if p == nil {
		return fmt.Errorf("%w: proposal", ErrNilParameter)
	}
	if p.ReceiptID == "" {
		return fmt.Errorf("%w: missing receipt", ErrInvalidProposal)
	}
	if p.Target.IsZero() {
		return fmt.Errorf("%w: missing target", ErrInvalidProposal)
	}
	if p.Status != "" && p.Status != model.ProposalProposed {
		return fmt.Errorf("%w: new proposals must be %s", ErrInvalidProposal, model.ProposalProposed)
	}
	if p.AmountScore < 0 || p.AmountScore > model.MaxAmountScore ||
		p.DateScore < 0 || p.DateScore > model.MaxDateScore ||
		p.VendorScore < 0 || p.VendorScore > model.MaxVendorScore {
		return fmt.Errorf("%w: sub-score out of bounds", ErrInvalidProposal)
	}
	if p.Confidence != p.AmountScore+p.DateScore+p.VendorScore {
		return fmt.Errorf("%w: confidence %d is not the sum of sub-scores", ErrInvalidProposal, p.Confidence)
	}
	return nil
}

func validateAlias(a *model.VendorAlias) error {
	if a == nil {
		return fmt.Errorf("%w: alias", ErrNilParameter)
	}
	if strings.TrimSpace(a.Pattern) == "" {
		return fmt.Errorf("%w: missing pattern", ErrInvalidAlias)
	}
	if strings.TrimSpace(a.CanonicalName) == "" {
		return fmt.Errorf("%w: missing canonical name", ErrInvalidAlias)
	}
	if _, err := common.CompileInsensitive(a.Pattern); err != nil {
		return err
	}
	return nil
}
