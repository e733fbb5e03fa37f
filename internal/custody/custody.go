// Package custody owns the escrow account lifecycle.
//
// Flow:
//  1. Rental payment initiated → account created
//  2. Payment authorized → account funded, then held
//  3. Both parties confirm → funds released per allocation
//  4. Problem → refund per policy, or freeze pending a dispute
//
// Statuses form a strict partial order; unfreeze (frozen → held) is the
// only back-edge. Released and refunded are terminal.
package custody

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bookvault/bookvault/internal/audit"
	"github.com/bookvault/bookvault/internal/money"
)

var (
	ErrAccountNotFound     = errors.New("escrow account not found")
	ErrInvalidStatus       = errors.New("invalid escrow status for this operation")
	ErrAllocationMismatch  = errors.New("allocation does not sum to account total")
	ErrConditionsNotMet    = errors.New("release conditions not met")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrAccountFrozen       = errors.New("escrow account is frozen")
	ErrAlreadyTerminal     = errors.New("escrow account already released or refunded")
	ErrVersionConflict     = errors.New("escrow account was modified concurrently")
	ErrConditionNotDefined = errors.New("release condition not defined on account")
)

// Status represents the state of an escrow account.
type Status string

const (
	StatusCreated  Status = "created"
	StatusFunded   Status = "funded"
	StatusHeld     Status = "held"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
	StatusDisputed Status = "disputed" // frozen with a linked dispute
	StatusFrozen   Status = "frozen"
)

// ConditionStatus is the state of one release condition.
type ConditionStatus string

const (
	ConditionPending ConditionStatus = "pending"
	ConditionMet     ConditionStatus = "met"
	ConditionFailed  ConditionStatus = "failed"
)

// ReleaseCondition is a named predicate that must be met before release.
type ReleaseCondition struct {
	Type      string          `json:"type"` // time_elapsed, manual_approval, dispute_resolved, goods_returned
	Status    ConditionStatus `json:"status"`
	Value     string          `json:"value,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Account is the custody record for one rental transaction.
type Account struct {
	ID              string             `json:"id"`
	TransactionID   string             `json:"transactionId"`
	BorrowerID      string             `json:"borrowerId"`
	LenderID        string             `json:"lenderId"`
	RentalFee       money.Cents        `json:"rentalFee"`
	SecurityDeposit money.Cents        `json:"securityDeposit"`
	PlatformFee     money.Cents        `json:"platformFee"`
	TotalAmount     money.Cents        `json:"totalAmount"`
	Status          Status             `json:"status"`
	PaymentRef      string             `json:"-"` // ciphertext, never serialized outward
	Conditions      []ReleaseCondition `json:"releaseConditions"`
	FreezeReason    string             `json:"freezeReason,omitempty"`
	DisputeID       string             `json:"disputeId,omitempty"`
	Version         int64              `json:"version"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

// IsTerminal returns true once funds have left custody.
func (a *Account) IsTerminal() bool {
	return a.Status == StatusReleased || a.Status == StatusRefunded
}

// IsFrozen reports whether the account is frozen, with or without a
// linked dispute.
func (a *Account) IsFrozen() bool {
	return a.Status == StatusFrozen || a.Status == StatusDisputed
}

// ConditionsMet reports whether every release condition is met.
func (a *Account) ConditionsMet() bool {
	for _, c := range a.Conditions {
		if c.Status != ConditionMet {
			return false
		}
	}
	return true
}

// Allocation describes where the account total goes at release time.
// The four buckets must sum to the account total exactly.
type Allocation struct {
	Lender   money.Cents `json:"lender"`
	Platform money.Cents `json:"platform"`
	Refund   money.Cents `json:"refund"` // back to the borrower
	Penalty  money.Cents `json:"penalty"`
}

func (al Allocation) Total() money.Cents {
	return al.Lender + al.Platform + al.Refund + al.Penalty
}

// Store persists escrow accounts. Update is conditional on the
// account's Version field: the write succeeds only when the stored
// version still matches, the stored version is then bumped, and a
// mismatch returns ErrVersionConflict. Callers bump their local copy
// after a successful Update.
type Store interface {
	Create(ctx context.Context, a *Account) error
	Get(ctx context.Context, id string) (*Account, error)
	GetByTransaction(ctx context.Context, txID string) (*Account, error)
	Update(ctx context.Context, a *Account) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Account, error)
}

func auditState(a *Account) map[string]string {
	m := map[string]string{
		"status": string(a.Status),
		"total":  a.TotalAmount.Format(),
	}
	if a.DisputeID != "" {
		m["disputeId"] = a.DisputeID
	}
	return m
}

func validateAmounts(rentalFee, deposit, platformFee money.Cents) error {
	if rentalFee < 0 || deposit < 0 || platformFee < 0 {
		return fmt.Errorf("%w: negative component", ErrInvalidAmount)
	}
	if rentalFee+deposit+platformFee <= 0 {
		return fmt.Errorf("%w: zero total", ErrInvalidAmount)
	}
	return nil
}

// entryAction maps the service operation to its ledger action name.
const (
	actionCreated          = "created"
	actionFunded           = "funded"
	actionHeld             = "held"
	actionReleased         = "released"
	actionRefunded         = "refunded"
	actionFrozen           = "frozen"
	actionUnfrozen         = "unfrozen"
	actionConditionUpdated = "condition_updated"
	actionRefDecrypted     = "payment_reference_decrypted"
)

// categoryFor picks the audit category per action. Fund movements are
// financial; reading payment material is data access.
func categoryFor(action string) audit.Category {
	switch action {
	case actionRefDecrypted:
		return audit.CategoryDataAccess
	case actionFrozen, actionUnfrozen:
		return audit.CategorySecurity
	default:
		return audit.CategoryFinancial
	}
}
