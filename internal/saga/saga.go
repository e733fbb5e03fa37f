// Package saga decomposes a high-level rental operation into ordered,
// dependency-linked components, executes them against the custody state
// machine and the payment gateway, and produces compensating rollbacks
// when a run fails partway.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bookvault/bookvault/internal/money"
)

var (
	ErrSagaNotFound      = errors.New("saga not found")
	ErrCycle             = errors.New("saga components contain a dependency cycle")
	ErrUnknownDependency = errors.New("saga component depends on an unknown component")
	ErrDeadlinePassed    = errors.New("confirmation deadline has passed")
	ErrNotOwner          = errors.New("user does not own this saga")
	ErrNotConfirmable    = errors.New("saga is not awaiting confirmation")
	ErrAlreadyTerminal   = errors.New("saga is already terminal")
	ErrVersionConflict   = errors.New("saga was modified concurrently")
)

// Status is the derived state of a saga.
type Status string

const (
	StatusInProgress          Status = "in_progress"
	StatusPendingConfirmation Status = "pending_confirmation"
	StatusConfirmed           Status = "confirmed"
	StatusCancelled           Status = "cancelled"
	StatusPartial             Status = "partial"
)

// IsTerminal reports whether the saga can still change.
func (s Status) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusCancelled
}

// ComponentType identifies what a saga step does.
type ComponentType string

const (
	TypeAuthorizePayment ComponentType = "authorize_payment"
	TypeCapturePayment   ComponentType = "capture_payment"
	TypeCreateEscrow     ComponentType = "create_escrow"
	TypeFundEscrow       ComponentType = "fund_escrow"
	TypeReserveResource  ComponentType = "reserve_resource"
	TypeNotify           ComponentType = "notify"
	TypePersistRecord    ComponentType = "persist_record"
)

// MaxAttempts returns the retry ceiling for the type. Payment
// authorization gets more headroom than everything else.
func (t ComponentType) MaxAttempts() int {
	if t == TypeAuthorizePayment {
		return 5
	}
	return 3
}

// Critical reports whether a terminal failure of this type fails the
// whole saga's critical path.
func (t ComponentType) Critical() bool {
	switch t {
	case TypeAuthorizePayment, TypeCreateEscrow, TypeReserveResource:
		return true
	}
	return false
}

// ComponentStatus is the state of one saga step.
type ComponentStatus string

const (
	ComponentPending    ComponentStatus = "pending"
	ComponentProcessing ComponentStatus = "processing"
	ComponentCompleted  ComponentStatus = "completed"
	ComponentFailed     ComponentStatus = "failed"
	ComponentCancelled  ComponentStatus = "cancelled"
	ComponentTimeout    ComponentStatus = "timeout"
)

// ComponentError classifies a step failure.
type ComponentError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

func (e *ComponentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// RollbackRecord notes the compensating action applied to a completed
// component during cancellation.
type RollbackRecord struct {
	Action     string    `json:"action"`
	Detail     string    `json:"detail,omitempty"`
	ExecutedAt time.Time `json:"executedAt"`
}

// Component is one saga step.
type Component struct {
	ID          string            `json:"id"`
	Type        ComponentType     `json:"type"`
	DependsOn   []string          `json:"dependsOn,omitempty"`
	Status      ComponentStatus   `json:"status"`
	Amount      money.Cents       `json:"amount,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	Attempts    int               `json:"attempts"`
	MaxAttempts int               `json:"maxAttempts"`
	Err         *ComponentError   `json:"error,omitempty"`
	Rollback    *RollbackRecord   `json:"rollback,omitempty"`
	// Result holds the processor/store reference the step produced,
	// needed to compensate it later.
	Result      string     `json:"result,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Saga is one multi-step operation.
type Saga struct {
	ID              string       `json:"id"`
	OwnerID         string       `json:"ownerId"`
	TransactionID   string       `json:"transactionId"`
	EscrowAccountID string       `json:"escrowAccountId,omitempty"`
	Status          Status       `json:"status"`
	Components      []*Component `json:"components"`

	TotalAmount      money.Cents `json:"totalAmount"`
	ConfirmedAmount  money.Cents `json:"confirmedAmount"`
	PendingAmount    money.Cents `json:"pendingAmount"`
	RefundableAmount money.Cents `json:"refundableAmount"`

	RecoveryStrategy     string    `json:"recoveryStrategy,omitempty"`
	ConfirmationDeadline time.Time `json:"confirmationDeadline"`
	RecoveryDeadline     time.Time `json:"recoveryDeadline"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Component returns the component with the given id, or nil.
func (s *Saga) Component(id string) *Component {
	for _, c := range s.Components {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// CompletedComponents returns ids of completed components in completion
// order.
func (s *Saga) CompletedComponents() []string {
	ordered := make([]*Component, 0, len(s.Components))
	for _, c := range s.Components {
		if c.Status == ComponentCompleted {
			ordered = append(ordered, c)
		}
	}
	// Completion order, not declaration order.
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && before(ordered[j], ordered[j-1]); j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}
	ids := make([]string, len(ordered))
	for i, c := range ordered {
		ids[i] = c.ID
	}
	return ids
}

func before(a, b *Component) bool {
	if a.CompletedAt == nil || b.CompletedAt == nil {
		return false
	}
	return a.CompletedAt.Before(*b.CompletedAt)
}

// FailedComponents returns ids of failed or timed-out components.
func (s *Saga) FailedComponents() []string {
	var ids []string
	for _, c := range s.Components {
		if c.Status == ComponentFailed || c.Status == ComponentTimeout {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// PendingComponents returns ids of components that have not run to an
// end state.
func (s *Saga) PendingComponents() []string {
	var ids []string
	for _, c := range s.Components {
		if c.Status == ComponentPending || c.Status == ComponentProcessing {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// DependenciesCompleted reports whether every dependency of c has
// completed.
func (s *Saga) DependenciesCompleted(c *Component) bool {
	for _, dep := range c.DependsOn {
		d := s.Component(dep)
		if d == nil || d.Status != ComponentCompleted {
			return false
		}
	}
	return true
}

// DeriveStatus computes the saga status from its components:
// a terminal critical failure cancels the saga; all critical components
// completed with nothing pending confirms it; a partially completed run
// awaits confirmation; anything else is partial.
func (s *Saga) DeriveStatus() Status {
	completed, pending := 0, 0
	criticalDone := true
	for _, c := range s.Components {
		switch c.Status {
		case ComponentCompleted:
			completed++
		case ComponentPending, ComponentProcessing:
			pending++
		case ComponentFailed, ComponentTimeout:
			if c.Type.Critical() && (c.Err == nil || !c.Err.Recoverable) {
				return StatusCancelled
			}
		}
		if c.Type.Critical() && c.Status != ComponentCompleted {
			criticalDone = false
		}
	}
	if criticalDone && pending == 0 {
		return StatusConfirmed
	}
	if completed > 0 && completed < len(s.Components) {
		return StatusPendingConfirmation
	}
	return StatusPartial
}

// TopologicalOrder returns the components in a dependency-respecting
// order, rejecting cycles and unknown dependencies.
func TopologicalOrder(components []*Component) ([]*Component, error) {
	byID := make(map[string]*Component, len(components))
	for _, c := range components {
		byID[c.ID] = c
	}
	indegree := make(map[string]int, len(components))
	dependents := make(map[string][]string)
	for _, c := range components {
		for _, dep := range c.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, c.ID, dep)
			}
			indegree[c.ID]++
			dependents[dep] = append(dependents[dep], c.ID)
		}
	}

	// Kahn's algorithm, preserving declaration order among ready nodes.
	var order []*Component
	var ready []*Component
	for _, c := range components {
		if indegree[c.ID] == 0 {
			ready = append(ready, c)
		}
	}
	for len(ready) > 0 {
		c := ready[0]
		ready = ready[1:]
		order = append(order, c)
		for _, depID := range dependents[c.ID] {
			indegree[depID]--
			if indegree[depID] == 0 {
				ready = append(ready, byID[depID])
			}
		}
	}
	if len(order) != len(components) {
		return nil, ErrCycle
	}
	return order, nil
}

// Store persists sagas. Update is conditional on Version the same way
// the custody store is: a stale write returns ErrVersionConflict and
// the stored version bumps on success.
type Store interface {
	Create(ctx context.Context, s *Saga) error
	Get(ctx context.Context, id string) (*Saga, error)
	Update(ctx context.Context, s *Saga) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Saga, error)
	// ListExpired returns non-terminal sagas whose confirmation deadline
	// is before the given time.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Saga, error)
}
