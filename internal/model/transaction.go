package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MatchStatus tracks whether a receipt, transaction or group is linked to a confirmed match.
type MatchStatus string

// Match status constants.
const (
	MatchUnmatched MatchStatus = "UNMATCHED"
	MatchProposed  MatchStatus = "PROPOSED"
	MatchMatched   MatchStatus = "MATCHED"
)

// Valid reports whether s is one of the known match statuses.
func (s MatchStatus) Valid() bool {
	switch s {
	case MatchUnmatched, MatchProposed, MatchMatched:
		return true
	default:
		return false
	}
}

// Transaction represents a single imported ledger line.
// Amounts keep the sign convention chosen at import time.
type Transaction struct {
	Date        time.Time
	ID          string
	OwnerID     string
	Description string // Raw statement description
	GroupID     string // Set when the transaction is bundled into a TransactionGroup
	MatchStatus MatchStatus
	Amount      decimal.Decimal
}

// InGroup reports whether the transaction can only be matched through its group.
func (t *Transaction) InGroup() bool {
	return t.GroupID != ""
}

// TransactionGroup is a user-created bundle of transactions matched as one unit.
type TransactionGroup struct {
	Date             time.Time
	ID               string
	OwnerID          string
	Name             string // Merchant name shown to the user
	MatchStatus      MatchStatus
	CombinedAmount   decimal.Decimal
	TransactionCount int
}

// SumAmounts returns the combined amount of the given member transactions.
func SumAmounts(members []Transaction) decimal.Decimal {
	total := decimal.Zero
	for _, m := range members {
		total = total.Add(m.Amount)
	}
	return total
}
