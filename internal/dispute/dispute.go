// Package dispute implements the dispute resolution workflow: a dispute
// freezes the transaction's escrow, gathers evidence, attempts automatic
// resolution, and otherwise walks investigation and mediation with
// wall-clock timeouts until a resolution is decided, accepted, or
// escalated to an admin.
package dispute

import (
	"context"
	"errors"
	"time"

	"github.com/bookvault/bookvault/internal/money"
)

var (
	ErrDisputeNotFound  = errors.New("dispute not found")
	ErrInvalidStatus    = errors.New("invalid dispute status for operation")
	ErrVersionConflict  = errors.New("dispute was modified concurrently")
	ErrNotParty         = errors.New("user is not a party to this dispute")
	ErrNoResolution     = errors.New("dispute has no proposed resolution")
	ErrEvidenceNotFound = errors.New("evidence item not found")
	ErrUnknownType      = errors.New("unknown dispute type")
)

// Status is the dispute lifecycle state.
type Status string

const (
	StatusOpen          Status = "open"
	StatusInvestigating Status = "investigating"
	StatusMediation     Status = "mediation"
	StatusResolved      Status = "resolved"
	StatusEscalated     Status = "escalated"
	StatusClosed        Status = "closed"
)

// IsTerminal reports whether the dispute can still change.
func (s Status) IsTerminal() bool {
	return s == StatusClosed
}

// Type classifies what the dispute is about.
type Type string

const (
	TypeLateReturn   Type = "late_return"
	TypeDamage       Type = "damage"
	TypeNotReturned  Type = "not_returned"
	TypeFraud        Type = "fraud"
	TypePaymentIssue Type = "payment_issue"
	TypeConduct      Type = "conduct"
)

var knownTypes = map[Type]bool{
	TypeLateReturn: true, TypeDamage: true, TypeNotReturned: true,
	TypeFraud: true, TypePaymentIssue: true, TypeConduct: true,
}

// Category groups types for policy purposes. Financial disputes must
// hold escrow for their whole lifetime.
type Category string

const (
	CategoryFinancial Category = "financial"
	CategoryConduct   Category = "conduct"
)

// CategoryFor derives the category from the dispute type. Everything
// touching money is financial; only pure conduct complaints are not.
func CategoryFor(t Type) Category {
	if t == TypeConduct {
		return CategoryConduct
	}
	return CategoryFinancial
}

// Priority is the handling urgency derived from severity and amount.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Severity scoring and priority thresholds, in currency minor units.
const (
	severityBase      = 3
	severityCap       = 10
	amountSeverityLow = money.Cents(100_00)
	amountSeverityBig = money.Cents(500_00)

	amountCritical = money.Cents(1000_00)
	amountHigh     = money.Cents(200_00)
	amountMedium   = money.Cents(50_00)

	// autoPenaltyCeiling is the disputed amount under which a late
	// return settles as a penalty without review.
	autoPenaltyCeiling = money.Cents(10_00)
)

// ScoreSeverity rates a dispute 3..10 from its type and amount.
func ScoreSeverity(t Type, amount money.Cents) int {
	score := severityBase
	if amount > amountSeverityLow {
		score += 2
	}
	if amount > amountSeverityBig {
		score += 2
	}
	if t == TypeFraud || t == TypePaymentIssue {
		score += 3
	}
	if score > severityCap {
		score = severityCap
	}
	return score
}

// DerivePriority maps severity and amount onto a handling priority.
func DerivePriority(severity int, amount money.Cents) Priority {
	switch {
	case severity >= 8 || amount > amountCritical:
		return PriorityCritical
	case severity >= 6 || amount > amountHigh:
		return PriorityHigh
	case severity >= 4 || amount > amountMedium:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Phase timeouts. Expiry auto-escalates the dispute to admin review.
const (
	InvestigationTimeout = 48 * time.Hour
	MediationTimeout     = 168 * time.Hour
)

// Evidence is one submitted item. Items count toward automatic
// resolution only once verified.
type Evidence struct {
	ID          string    `json:"id"`
	SubmittedBy string    `json:"submittedBy"`
	Kind        string    `json:"kind"` // photo, receipt, message, statement
	Description string    `json:"description"`
	URL         string    `json:"url,omitempty"`
	Verified    bool      `json:"verified"`
	VerifiedBy  string    `json:"verifiedBy,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// TimelineEvent records one step of the dispute's history.
type TimelineEvent struct {
	At     time.Time `json:"at"`
	Actor  string    `json:"actor"`
	Event  string    `json:"event"`
	Detail string    `json:"detail,omitempty"`
}

// Decision records how a resolution was reached.
type Decision string

const (
	DecisionAutomatic Decision = "automatic"
	DecisionAgreement Decision = "agreement"
	DecisionAdmin     Decision = "admin"
)

// ActionType is one kind of resolution action.
type ActionType string

const (
	ActionRefund  ActionType = "refund"
	ActionPenalty ActionType = "penalty"
	ActionSuspend ActionType = "suspend"
)

// ResolutionAction is one financial or administrative consequence of a
// resolution. Refund actions carry the refund policy type; penalty
// actions carry the amount withheld from the borrower's deposit.
type ResolutionAction struct {
	Type         ActionType  `json:"type"`
	TargetUserID string      `json:"targetUserId,omitempty"`
	RefundType   string      `json:"refundType,omitempty"`
	Amount       money.Cents `json:"amount,omitempty"`
	Reason       string      `json:"reason,omitempty"`
}

// Resolution is the proposed or decided outcome. Automatic and admin
// decisions bind immediately; agreement resolutions bind only once
// every required party has accepted.
type Resolution struct {
	Decision        Decision           `json:"decision"`
	DecidedBy       string             `json:"decidedBy,omitempty"`
	Summary         string             `json:"summary"`
	Actions         []ResolutionAction `json:"actions"`
	RequiredParties []string           `json:"requiredParties,omitempty"`
	Accepted        map[string]bool    `json:"accepted,omitempty"`
	ProposedAt      time.Time          `json:"proposedAt"`
}

// AllAccepted reports whether every required party has accepted.
func (r *Resolution) AllAccepted() bool {
	for _, p := range r.RequiredParties {
		if !r.Accepted[p] {
			return false
		}
	}
	return true
}

// Binding reports whether the resolution can take effect now.
func (r *Resolution) Binding() bool {
	if r.Decision == DecisionAutomatic || r.Decision == DecisionAdmin {
		return true
	}
	return r.AllAccepted()
}

// Dispute is one conflict over a rental transaction.
type Dispute struct {
	ID              string      `json:"id"`
	TransactionID   string      `json:"transactionId"`
	EscrowAccountID string      `json:"escrowAccountId,omitempty"`
	ReporterID      string      `json:"reporterId"`
	RespondentID    string      `json:"respondentId"`
	Type            Type        `json:"type"`
	Category        Category    `json:"category"`
	Title           string      `json:"title"`
	Description     string      `json:"description"`
	DisputedAmount  money.Cents `json:"disputedAmount"`
	Severity        int         `json:"severity"`
	Priority        Priority    `json:"priority"`
	Status          Status      `json:"status"`
	EscrowHeld      bool        `json:"escrowHeld"`

	Evidence   []Evidence      `json:"evidence,omitempty"`
	Timeline   []TimelineEvent `json:"timeline"`
	Resolution *Resolution     `json:"resolution,omitempty"`

	// PhaseDeadline is when the current investigation or mediation
	// phase times out and the dispute escalates to admin review.
	PhaseDeadline time.Time `json:"phaseDeadline,omitempty"`

	Version    int        `json:"version"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// IsParty reports whether the user is the reporter or respondent.
func (d *Dispute) IsParty(userID string) bool {
	return userID == d.ReporterID || userID == d.RespondentID
}

// VerifiedEvidence counts evidence items that passed verification.
func (d *Dispute) VerifiedEvidence() int {
	n := 0
	for _, e := range d.Evidence {
		if e.Verified {
			n++
		}
	}
	return n
}

// EvidenceByID returns the evidence item, or nil.
func (d *Dispute) EvidenceByID(id string) *Evidence {
	for i := range d.Evidence {
		if d.Evidence[i].ID == id {
			return &d.Evidence[i]
		}
	}
	return nil
}

// Store persists disputes.
//
// Update is version-conditional: the write succeeds only if the stored
// version equals d.Version, and the store bumps the persisted version
// by one. On mismatch it fails with ErrVersionConflict. Callers
// increment their local copy after a successful update.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	GetByTransaction(ctx context.Context, txID string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error)
	// ListTimedOut returns investigating/mediation disputes whose phase
	// deadline has passed.
	ListTimedOut(ctx context.Context, now time.Time, limit int) ([]*Dispute, error)
}
