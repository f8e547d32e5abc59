package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTarget is returned when a match target is constructed without an identifier.
var ErrInvalidTarget = errors.New("invalid match target")

// TargetKind identifies which side of the MatchTarget variant is populated.
type TargetKind string

// Target kinds.
const (
	TargetTransaction TargetKind = "TRANSACTION"
	TargetGroup       TargetKind = "GROUP"
)

// MatchTarget is either a single transaction or a transaction group, never both.
// The zero value is invalid; use TransactionTarget or GroupTarget.
type MatchTarget struct {
	kind TargetKind
	id   string
}

// TransactionTarget builds a target pointing at a single transaction.
func TransactionTarget(id string) (MatchTarget, error) {
	if id == "" {
		return MatchTarget{}, fmt.Errorf("%w: empty transaction id", ErrInvalidTarget)
	}
	return MatchTarget{kind: TargetTransaction, id: id}, nil
}

// GroupTarget builds a target pointing at a transaction group.
func GroupTarget(id string) (MatchTarget, error) {
	if id == "" {
		return MatchTarget{}, fmt.Errorf("%w: empty group id", ErrInvalidTarget)
	}
	return MatchTarget{kind: TargetGroup, id: id}, nil
}

// NewMatchTarget rebuilds a target from its persisted kind and id.
func NewMatchTarget(kind TargetKind, id string) (MatchTarget, error) {
	switch kind {
	case TargetTransaction:
		return TransactionTarget(id)
	case TargetGroup:
		return GroupTarget(id)
	default:
		return MatchTarget{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidTarget, kind)
	}
}

// Kind returns which variant the target holds.
func (t MatchTarget) Kind() TargetKind { return t.kind }

// ID returns the identifier of the transaction or group.
func (t MatchTarget) ID() string { return t.id }

// IsZero reports whether the target was never constructed.
func (t MatchTarget) IsZero() bool { return t.kind == "" }

// TransactionID returns the transaction id, or "" for group targets.
func (t MatchTarget) TransactionID() string {
	if t.kind == TargetTransaction {
		return t.id
	}
	return ""
}

// GroupID returns the group id, or "" for transaction targets.
func (t MatchTarget) GroupID() string {
	if t.kind == TargetGroup {
		return t.id
	}
	return ""
}

func (t MatchTarget) String() string {
	switch t.kind {
	case TargetTransaction:
		return "transaction:" + t.id
	case TargetGroup:
		return "group:" + t.id
	default:
		return "invalid"
	}
}

// ProposalStatus is the lifecycle state of a match proposal.
type ProposalStatus string

// Proposal status constants. Proposed is the only initial state; the others are terminal.
const (
	ProposalProposed  ProposalStatus = "PROPOSED"
	ProposalConfirmed ProposalStatus = "CONFIRMED"
	ProposalRejected  ProposalStatus = "REJECTED"
)

// Valid reports whether s is a known proposal status.
func (s ProposalStatus) Valid() bool {
	switch s {
	case ProposalProposed, ProposalConfirmed, ProposalRejected:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions are allowed.
func (s ProposalStatus) IsTerminal() bool {
	switch s {
	case ProposalConfirmed, ProposalRejected:
		return true
	case ProposalProposed:
		return false
	default:
		return true
	}
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s ProposalStatus) CanTransition(next ProposalStatus) bool {
	switch s {
	case ProposalProposed:
		return next == ProposalConfirmed || next == ProposalRejected
	case ProposalConfirmed, ProposalRejected:
		return false
	default:
		return false
	}
}

// Sub-score bounds.
const (
	MaxAmountScore = 40
	MaxDateScore   = 35
	MaxVendorScore = 25
	MaxConfidence  = MaxAmountScore + MaxDateScore + MaxVendorScore
)

// MatchProposal links one receipt to one transaction or transaction group.
type MatchProposal struct {
	CreatedAt   time.Time
	ResolvedAt  *time.Time
	ID          string
	ReceiptID   string
	Reason      string
	Version     string // Opaque token; must match on Confirm/Reject
	Status      ProposalStatus
	Target      MatchTarget
	Confidence  int
	AmountScore int
	DateScore   int
	VendorScore int
	IsManual    bool
}
