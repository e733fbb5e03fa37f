package custody

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bookvault/bookvault/internal/audit"
	"github.com/bookvault/bookvault/internal/idgen"
	"github.com/bookvault/bookvault/internal/metrics"
	"github.com/bookvault/bookvault/internal/money"
	"github.com/bookvault/bookvault/internal/syncutil"
)

// Service implements the escrow custody state machine. Every mutation
// serializes per account id and appends exactly one signed audit entry
// per operation before returning success.
type Service struct {
	store  Store
	ledger *audit.Ledger
	cipher *RefCipher
	logger *slog.Logger
	locks  *syncutil.KeyedMutex
	now    func() time.Time
}

// NewService creates a custody service. The cipher guards payment
// references at rest.
func NewService(store Store, ledger *audit.Ledger, cipher *RefCipher, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		ledger: ledger,
		cipher: cipher,
		logger: logger,
		locks:  syncutil.NewKeyedMutex(),
		now:    time.Now,
	}
}

// WithNow overrides the clock for tests.
func (s *Service) WithNow(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateRequest contains the parameters for opening an escrow account.
type CreateRequest struct {
	TransactionID   string      `json:"transactionId" binding:"required"`
	BorrowerID      string      `json:"borrowerId" binding:"required"`
	LenderID        string      `json:"lenderId" binding:"required"`
	RentalFee       money.Cents `json:"rentalFee"`
	SecurityDeposit money.Cents `json:"securityDeposit"`
	PlatformFee     money.Cents `json:"platformFee"`
	// ConditionTypes names the release conditions the account starts
	// with, all pending. Empty means no gating beyond status.
	ConditionTypes []string `json:"conditionTypes"`
}

// Create opens a new escrow account in status created.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Account, error) {
	if req.BorrowerID == req.LenderID {
		return nil, fmt.Errorf("borrower and lender cannot be the same user")
	}
	if err := validateAmounts(req.RentalFee, req.SecurityDeposit, req.PlatformFee); err != nil {
		return nil, err
	}

	now := s.now()
	acct := &Account{
		ID:              idgen.WithPrefix("esc_"),
		TransactionID:   req.TransactionID,
		BorrowerID:      req.BorrowerID,
		LenderID:        req.LenderID,
		RentalFee:       req.RentalFee,
		SecurityDeposit: req.SecurityDeposit,
		PlatformFee:     req.PlatformFee,
		TotalAmount:     req.RentalFee + req.SecurityDeposit + req.PlatformFee,
		Status:          StatusCreated,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, typ := range req.ConditionTypes {
		acct.Conditions = append(acct.Conditions, ReleaseCondition{
			Type:      typ,
			Status:    ConditionPending,
			UpdatedAt: now,
		})
	}

	if err := s.store.Create(ctx, acct); err != nil {
		return nil, fmt.Errorf("create escrow account: %w", err)
	}
	s.appendAudit(ctx, acct.BorrowerID, actionCreated, acct, nil)
	metrics.EscrowOpsTotal.WithLabelValues("create", "ok").Inc()
	return acct, nil
}

// Fund records the authorized payment and moves the account to held.
// The hold transition is automatic after funding; both transitions get
// their own audit entry.
func (s *Service) Fund(ctx context.Context, id, actor, paymentRef string) (*Account, error) {
	return s.mutate(ctx, id, actor, func(acct *Account) (string, map[string]string, error) {
		if acct.Status != StatusCreated {
			return "", nil, fmt.Errorf("%w: fund from %s", ErrInvalidStatus, acct.Status)
		}
		ct, err := s.cipher.Encrypt(paymentRef)
		if err != nil {
			return "", nil, fmt.Errorf("encrypt payment reference: %w", err)
		}
		acct.PaymentRef = ct
		acct.Status = StatusFunded
		return actionFunded, nil, nil
	}, func(acct *Account) (string, map[string]string, error) {
		acct.Status = StatusHeld
		return actionHeld, nil, nil
	})
}

// Release pays out the account per allocation. Rejected unless the
// account is held with every release condition met, and the allocation
// sums to the account total with no negative line item.
func (s *Service) Release(ctx context.Context, id, actor string, alloc Allocation) (*Account, error) {
	return s.mutate(ctx, id, actor, func(acct *Account) (string, map[string]string, error) {
		if acct.IsTerminal() {
			return "", nil, ErrAlreadyTerminal
		}
		if acct.IsFrozen() {
			return "", nil, ErrAccountFrozen
		}
		if acct.Status != StatusHeld {
			return "", nil, fmt.Errorf("%w: release from %s", ErrInvalidStatus, acct.Status)
		}
		if !acct.ConditionsMet() {
			return "", nil, ErrConditionsNotMet
		}
		if alloc.Lender < 0 || alloc.Platform < 0 || alloc.Refund < 0 || alloc.Penalty < 0 {
			return "", nil, fmt.Errorf("%w: negative line item", ErrAllocationMismatch)
		}
		if alloc.Total() != acct.TotalAmount {
			return "", nil, fmt.Errorf("%w: allocated %s, account holds %s",
				ErrAllocationMismatch, alloc.Total().Format(), acct.TotalAmount.Format())
		}
		acct.Status = StatusReleased
		extra := map[string]string{
			"lender":   alloc.Lender.Format(),
			"platform": alloc.Platform.Format(),
			"refund":   alloc.Refund.Format(),
			"penalty":  alloc.Penalty.Format(),
		}
		return actionReleased, extra, nil
	})
}

// Refund returns amount to the borrower and closes the account.
func (s *Service) Refund(ctx context.Context, id, actor string, amount money.Cents, reason string) (*Account, error) {
	return s.mutate(ctx, id, actor, func(acct *Account) (string, map[string]string, error) {
		if acct.IsTerminal() {
			return "", nil, ErrAlreadyTerminal
		}
		if acct.IsFrozen() {
			return "", nil, ErrAccountFrozen
		}
		if acct.Status != StatusHeld && acct.Status != StatusFunded {
			return "", nil, fmt.Errorf("%w: refund from %s", ErrInvalidStatus, acct.Status)
		}
		if amount <= 0 || amount > acct.TotalAmount {
			return "", nil, fmt.Errorf("%w: refund %s of %s", ErrInvalidAmount, amount.Format(), acct.TotalAmount.Format())
		}
		acct.Status = StatusRefunded
		extra := map[string]string{"amount": amount.Format(), "reason": reason}
		return actionRefunded, extra, nil
	})
}

// Freeze suspends the account. With a dispute id the account reads as
// disputed; either way only unfreeze and reads are allowed until thawed.
func (s *Service) Freeze(ctx context.Context, id, actor, reason, disputeID string) (*Account, error) {
	return s.mutate(ctx, id, actor, func(acct *Account) (string, map[string]string, error) {
		if acct.IsTerminal() {
			return "", nil, ErrAlreadyTerminal
		}
		if acct.IsFrozen() {
			return "", nil, fmt.Errorf("%w: already frozen", ErrInvalidStatus)
		}
		if acct.Status != StatusHeld && acct.Status != StatusFunded {
			return "", nil, fmt.Errorf("%w: freeze from %s", ErrInvalidStatus, acct.Status)
		}
		acct.FreezeReason = reason
		acct.DisputeID = disputeID
		if disputeID != "" {
			acct.Status = StatusDisputed
		} else {
			acct.Status = StatusFrozen
		}
		return actionFrozen, map[string]string{"reason": reason}, nil
	})
}

// Unfreeze returns a frozen account to held. The only back-edge in the
// status graph.
func (s *Service) Unfreeze(ctx context.Context, id, actor string) (*Account, error) {
	return s.mutate(ctx, id, actor, func(acct *Account) (string, map[string]string, error) {
		if !acct.IsFrozen() {
			return "", nil, fmt.Errorf("%w: unfreeze from %s", ErrInvalidStatus, acct.Status)
		}
		acct.Status = StatusHeld
		acct.FreezeReason = ""
		acct.DisputeID = ""
		return actionUnfrozen, nil, nil
	})
}

// UpdateReleaseCondition marks a named condition met or failed.
func (s *Service) UpdateReleaseCondition(ctx context.Context, id, actor, condType string, status ConditionStatus, value string) (*Account, error) {
	if status != ConditionMet && status != ConditionFailed {
		return nil, fmt.Errorf("condition status must be met or failed, got %q", status)
	}
	return s.mutate(ctx, id, actor, func(acct *Account) (string, map[string]string, error) {
		if acct.IsTerminal() {
			return "", nil, ErrAlreadyTerminal
		}
		if acct.IsFrozen() {
			return "", nil, ErrAccountFrozen
		}
		found := false
		for i := range acct.Conditions {
			if acct.Conditions[i].Type == condType {
				acct.Conditions[i].Status = status
				acct.Conditions[i].Value = value
				acct.Conditions[i].UpdatedAt = s.now()
				found = true
				break
			}
		}
		if !found {
			return "", nil, fmt.Errorf("%w: %q", ErrConditionNotDefined, condType)
		}
		extra := map[string]string{"condition": condType, "conditionStatus": string(status)}
		return actionConditionUpdated, extra, nil
	})
}

// DecryptPaymentReference reveals the stored payment reference. Never
// invoked implicitly by status transitions; every call is audited as
// data access.
func (s *Service) DecryptPaymentReference(ctx context.Context, id, actor string) (string, error) {
	acct, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if acct.PaymentRef == "" {
		return "", fmt.Errorf("%w: account not funded", ErrInvalidStatus)
	}
	ref, err := s.cipher.Decrypt(acct.PaymentRef)
	if err != nil {
		return "", fmt.Errorf("decrypt payment reference: %w", err)
	}
	s.appendAudit(ctx, actor, actionRefDecrypted, acct, nil)
	return ref, nil
}

// Get returns an account by id.
func (s *Service) Get(ctx context.Context, id string) (*Account, error) {
	return s.store.Get(ctx, id)
}

// GetByTransaction returns the account custodying a transaction.
func (s *Service) GetByTransaction(ctx context.Context, txID string) (*Account, error) {
	return s.store.GetByTransaction(ctx, txID)
}

// ListByStatus returns up to limit accounts in the given status.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Account, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByStatus(ctx, status, limit)
}

// mutate runs one or more transitions against the account under its
// per-id lock. Each step that returns an action gets its own audit
// entry and store write; steps run in order and stop at the first error.
func (s *Service) mutate(ctx context.Context, id, actor string, steps ...func(*Account) (string, map[string]string, error)) (*Account, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	acct, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var result *Account
	for _, step := range steps {
		before := auditState(acct)
		action, extra, err := step(acct)
		if err != nil {
			if action != "" {
				metrics.EscrowOpsTotal.WithLabelValues(action, "rejected").Inc()
			}
			return nil, err
		}
		acct.UpdatedAt = s.now()
		if err := s.store.Update(ctx, acct); err != nil {
			metrics.EscrowOpsTotal.WithLabelValues(action, "error").Inc()
			return nil, fmt.Errorf("persist escrow %s: %w", action, err)
		}
		acct.Version++
		after := auditState(acct)
		for k, v := range extra {
			after[k] = v
		}
		s.appendAuditState(ctx, actor, action, acct, before, after)
		metrics.EscrowOpsTotal.WithLabelValues(action, "ok").Inc()
		result = acct
	}
	return result, nil
}

func (s *Service) appendAudit(ctx context.Context, actor, action string, acct *Account, before map[string]string) {
	s.appendAuditState(ctx, actor, action, acct, before, auditState(acct))
}

func (s *Service) appendAuditState(ctx context.Context, actor, action string, acct *Account, before, after map[string]string) {
	if _, err := s.ledger.Append(ctx, audit.Record{
		Actor:      actor,
		Action:     action,
		EntityType: "escrow_account",
		EntityID:   acct.ID,
		Before:     before,
		After:      after,
		Category:   categoryFor(action),
	}); err != nil {
		// Append only fails on malformed records; state already moved.
		s.logger.Error("CRITICAL: escrow state changed but audit append failed",
			"account_id", acct.ID, "action", action, "error", err)
	}
}
