package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/bookvault/bookvault/internal/audit"
	"github.com/bookvault/bookvault/internal/circuitbreaker"
	"github.com/bookvault/bookvault/internal/custody"
	"github.com/bookvault/bookvault/internal/metrics"
	"github.com/bookvault/bookvault/internal/money"
	"github.com/bookvault/bookvault/internal/notify"
	"github.com/bookvault/bookvault/internal/payments"
	"github.com/bookvault/bookvault/internal/refund"
	"github.com/bookvault/bookvault/internal/retry"
	"github.com/bookvault/bookvault/internal/syncutil"
	"github.com/bookvault/bookvault/internal/traces"
)

// Service executes sagas against the custody state machine, the payment
// gateway, and the resource lock store. All gateway traffic flows
// through the circuit breaker.
type Service struct {
	store       Store
	lockSt      LockStore
	custody     *custody.Service
	gateway     payments.Gateway
	breaker     *circuitbreaker.Breaker
	notifier    notify.Notifier
	ledger      *audit.Ledger
	logger      *slog.Logger
	locks       *syncutil.KeyedMutex
	checkpoints CheckpointStore
	cipher      *custody.RefCipher
	now         func() time.Time
	backoff     time.Duration
}

func NewService(store Store, lockSt LockStore, cust *custody.Service, gw payments.Gateway, ledger *audit.Ledger, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		lockSt:   lockSt,
		custody:  cust,
		gateway:  gw,
		breaker:  circuitbreaker.New(5, 30*time.Second),
		notifier: notify.NewLogNotifier(logger),
		ledger:   ledger,
		logger:   logger,
		locks:    syncutil.NewKeyedMutex(),
		now:      time.Now,
		backoff:  200 * time.Millisecond,
	}
}

// WithNotifier overrides the notification sink.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.notifier = n
	return s
}

// WithBreaker overrides the gateway circuit breaker.
func (s *Service) WithBreaker(b *circuitbreaker.Breaker) *Service {
	s.breaker = b
	return s
}

// WithCheckpoints enables rollback checkpointing: a snapshot is taken
// every time a component settles, so recovery can unwind the saga from
// its latest consistent point.
func (s *Service) WithCheckpoints(cps CheckpointStore, cipher *custody.RefCipher) *Service {
	s.checkpoints = cps
	s.cipher = cipher
	return s
}

// WithNow overrides the clock for tests.
func (s *Service) WithNow(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithBackoff overrides the retry base delay. Tests set it to zero.
func (s *Service) WithBackoff(d time.Duration) *Service {
	s.backoff = d
	return s
}

// RentalPaymentRequest starts the standard rental payment saga.
type RentalPaymentRequest struct {
	TransactionID   string      `json:"transactionId" binding:"required"`
	BorrowerID      string      `json:"borrowerId" binding:"required"`
	LenderID        string      `json:"lenderId" binding:"required"`
	BookCopyID      string      `json:"bookCopyId" binding:"required"`
	RentalFee       money.Cents `json:"rentalFee"`
	SecurityDeposit money.Cents `json:"securityDeposit"`
	PlatformFee     money.Cents `json:"platformFee"`
}

// StartRentalPayment builds, persists, and executes the rental payment
// saga: reserve the book copy, authorize payment, open and fund escrow,
// then notify and record.
func (s *Service) StartRentalPayment(ctx context.Context, req RentalPaymentRequest) (*Saga, error) {
	total := req.RentalFee + req.SecurityDeposit + req.PlatformFee
	if total <= 0 {
		return nil, fmt.Errorf("rental payment total must be positive")
	}

	b := NewBuilder(req.BorrowerID, req.TransactionID).WithNow(s.now)
	reserve := b.Add(TypeReserveResource, 0, map[string]string{
		"resourceType": "book_copy",
		"resourceId":   req.BookCopyID,
	})
	auth := b.Add(TypeAuthorizePayment, total, nil, reserve)
	create := b.Add(TypeCreateEscrow, 0, map[string]string{
		"borrowerId":  req.BorrowerID,
		"lenderId":    req.LenderID,
		"rentalFee":   strconv.FormatInt(int64(req.RentalFee), 10),
		"deposit":     strconv.FormatInt(int64(req.SecurityDeposit), 10),
		"platformFee": strconv.FormatInt(int64(req.PlatformFee), 10),
	}, reserve)
	fund := b.Add(TypeFundEscrow, 0, nil, auth, create)
	notifyID := b.Add(TypeNotify, 0, map[string]string{
		"event":     "rental_payment_secured",
		"recipient": req.LenderID,
	}, fund)
	b.Add(TypePersistRecord, 0, nil, notifyID)

	sg, err := b.Build()
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, sg); err != nil {
		return nil, fmt.Errorf("create saga: %w", err)
	}
	s.appendAudit(ctx, req.BorrowerID, "saga_started", sg, nil)

	if err := s.Execute(ctx, sg.ID); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, sg.ID)
}

// Execute runs every runnable component of the saga once through its
// retry ceiling, then derives and persists the saga status. A derived
// cancellation immediately rolls back completed components.
func (s *Service) Execute(ctx context.Context, sagaID string) error {
	ctx, span := traces.StartSpan(ctx, "saga.Execute", traces.SagaID(sagaID))
	defer span.End()

	return s.withSaga(ctx, sagaID, func(sg *Saga) error {
		if sg.Status.IsTerminal() {
			return ErrAlreadyTerminal
		}

		ordered, err := TopologicalOrder(sg.Components)
		if err != nil {
			return err
		}
		for _, c := range ordered {
			if c.Status != ComponentPending {
				continue
			}
			// Cooperative cancellation: a terminal critical failure
			// stops new components from starting.
			if sg.DeriveStatus() == StatusCancelled {
				break
			}
			if !sg.DependenciesCompleted(c) {
				continue
			}
			s.runComponent(ctx, sg, c)
			if err := s.persist(ctx, sg); err != nil {
				return err
			}
			if c.Status == ComponentCompleted {
				s.checkpoint(ctx, sg)
			}
		}

		sg.Status = sg.DeriveStatus()
		if sg.Status == StatusCancelled {
			s.rollbackCompleted(ctx, sg, "system", "critical component failed")
			s.appendAudit(ctx, "system", "saga_cancelled", sg, map[string]string{"reason": "critical component failed"})
		}
		metrics.SagasTotal.WithLabelValues(string(sg.Status)).Inc()
		return s.persist(ctx, sg)
	})
}

// ConfirmPartialTransaction finishes a partially completed saga on the
// owner's say-so: rejected past the confirmation deadline, for
// non-owners, and for sagas not awaiting confirmation.
func (s *Service) ConfirmPartialTransaction(ctx context.Context, sagaID, userID string) (*Saga, error) {
	ctx, span := traces.StartSpan(ctx, "saga.Confirm", traces.SagaID(sagaID))
	defer span.End()

	var out *Saga
	err := s.withSaga(ctx, sagaID, func(sg *Saga) error {
		if s.now().After(sg.ConfirmationDeadline) {
			return fmt.Errorf("%w: deadline was %s", ErrDeadlinePassed, sg.ConfirmationDeadline.Format(time.RFC3339))
		}
		if sg.OwnerID != userID {
			return ErrNotOwner
		}
		if sg.Status != StatusPendingConfirmation {
			return fmt.Errorf("%w: status is %s", ErrNotConfirmable, sg.Status)
		}

		ordered, err := TopologicalOrder(sg.Components)
		if err != nil {
			return err
		}
		for _, c := range ordered {
			if c.Status == ComponentPending && sg.DependenciesCompleted(c) {
				s.runComponent(ctx, sg, c)
				if c.Status == ComponentCompleted {
					s.checkpoint(ctx, sg)
				}
			}
		}

		sg.Status = sg.DeriveStatus()
		if sg.Status == StatusPendingConfirmation || sg.Status == StatusPartial {
			// Confirmation completed everything that could run.
			sg.Status = StatusConfirmed
		}
		s.appendAudit(ctx, userID, "saga_confirmed", sg, nil)
		metrics.SagasTotal.WithLabelValues(string(sg.Status)).Inc()
		if err := s.persist(ctx, sg); err != nil {
			return err
		}
		out = sg
		return nil
	})
	return out, err
}

// CancelPartialTransaction rolls back completed components in reverse
// completion order and refunds the confirmed portion of the escrow.
func (s *Service) CancelPartialTransaction(ctx context.Context, sagaID, actor, reason string) (*Saga, error) {
	ctx, span := traces.StartSpan(ctx, "saga.Cancel", traces.SagaID(sagaID))
	defer span.End()

	var out *Saga
	err := s.withSaga(ctx, sagaID, func(sg *Saga) error {
		if sg.Status.IsTerminal() {
			return ErrAlreadyTerminal
		}
		s.rollbackCompleted(ctx, sg, actor, reason)
		sg.Status = StatusCancelled
		s.appendAudit(ctx, actor, "saga_cancelled", sg, map[string]string{"reason": reason})
		metrics.SagasTotal.WithLabelValues(string(StatusCancelled)).Inc()
		if err := s.persist(ctx, sg); err != nil {
			return err
		}
		out = sg
		return nil
	})
	return out, err
}

// Get returns a saga by id.
func (s *Service) Get(ctx context.Context, id string) (*Saga, error) {
	return s.store.Get(ctx, id)
}

// ListExpired returns non-terminal sagas past their confirmation
// deadline. Used by the recovery sweep.
func (s *Service) ListExpired(ctx context.Context, limit int) ([]*Saga, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListExpired(ctx, s.now(), limit)
}

// withSaga serializes on the saga id, loads it fresh, and runs fn.
func (s *Service) withSaga(ctx context.Context, sagaID string, fn func(*Saga) error) error {
	unlock, err := s.locks.Lock(ctx, sagaID)
	if err != nil {
		return err
	}
	defer unlock()

	sg, err := s.store.Get(ctx, sagaID)
	if err != nil {
		return err
	}
	return fn(sg)
}

func (s *Service) persist(ctx context.Context, sg *Saga) error {
	sg.UpdatedAt = s.now()
	if err := s.store.Update(ctx, sg); err != nil {
		return fmt.Errorf("persist saga %s: %w", sg.ID, err)
	}
	sg.Version++
	return nil
}

// checkpoint snapshots the saga for recovery. A failed snapshot never
// fails the saga; the rollbacker can still rebuild one from the store.
func (s *Service) checkpoint(ctx context.Context, sg *Saga) {
	if s.checkpoints == nil {
		return
	}
	cp, err := NewCheckpoint(sg, s.cipher, s.now())
	if err != nil {
		s.logger.Error("checkpoint snapshot failed", "saga_id", sg.ID, "error", err)
		return
	}
	if err := s.checkpoints.Put(ctx, cp); err != nil {
		s.logger.Error("checkpoint persist failed", "saga_id", sg.ID, "error", err)
	}
}

// runComponent drives one component through its retry ceiling and
// settles it completed or failed. Each attempt is idempotent: the
// component's side effect either lands and is recorded in Result, or
// the attempt errors and nothing is recorded.
func (s *Service) runComponent(ctx context.Context, sg *Saga, c *Component) {
	ctx, span := traces.StartSpan(ctx, "saga.component",
		traces.ComponentID(c.ID), traces.ComponentType(string(c.Type)))
	defer span.End()

	started := s.now()
	c.Status = ComponentProcessing
	c.StartedAt = &started

	err := retry.Do(ctx, c.MaxAttempts, s.backoff, func(attempt int) error {
		c.Attempts = attempt
		return s.execute(ctx, sg, c)
	})

	if err != nil {
		// Transient gateway trouble and timeouts are worth another pass
		// from the recovery sweep; everything else is terminal.
		recoverable := errors.Is(err, payments.ErrUnavailable) ||
			errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(err, context.Canceled)
		c.Status = ComponentFailed
		if errors.Is(err, context.DeadlineExceeded) {
			c.Status = ComponentTimeout
		}
		c.Err = &ComponentError{
			Code:        errCode(err),
			Message:     err.Error(),
			Recoverable: recoverable,
		}
		metrics.SagaComponentAttempts.WithLabelValues(string(c.Type), "failed").Inc()
		s.appendAudit(ctx, sg.OwnerID, "component_failed", sg, map[string]string{
			"component": c.ID,
			"type":      string(c.Type),
			"error":     err.Error(),
		})
		s.logger.Warn("saga component failed",
			"saga_id", sg.ID, "component", c.ID, "type", c.Type,
			"attempts", c.Attempts, "recoverable", recoverable, "error", err)
		return
	}

	done := s.now()
	c.Status = ComponentCompleted
	c.CompletedAt = &done
	if c.Amount > 0 {
		sg.ConfirmedAmount += c.Amount
		sg.PendingAmount -= c.Amount
		if c.Type == TypeAuthorizePayment || c.Type == TypeCapturePayment {
			sg.RefundableAmount += c.Amount
		}
	}
	metrics.SagaComponentAttempts.WithLabelValues(string(c.Type), "completed").Inc()
	s.appendAudit(ctx, sg.OwnerID, "component_completed", sg, map[string]string{
		"component": c.ID,
		"type":      string(c.Type),
	})
}

// execute performs one attempt of a component's side effect.
func (s *Service) execute(ctx context.Context, sg *Saga, c *Component) error {
	switch c.Type {
	case TypeReserveResource:
		lock, err := s.lockSt.Acquire(ctx, c.Params["resourceType"], c.Params["resourceId"], sg.ID, DefaultLockTTL)
		if err != nil {
			if errors.Is(err, ErrResourceLocked) {
				// Someone else holds the copy; retrying won't free it
				// within this saga's run.
				return retry.Permanent(err)
			}
			return err
		}
		c.Result = lock.ID
		return nil

	case TypeAuthorizePayment:
		return s.gatewayCall("authorize", func() error {
			auth, err := s.gateway.Authorize(ctx, sg.TransactionID, c.Amount, "usd")
			if err != nil {
				return err
			}
			c.Result = auth.Reference
			return nil
		})

	case TypeCapturePayment:
		ref := s.authorizationRef(sg)
		if ref == "" {
			return retry.Permanent(fmt.Errorf("no completed payment authorization to capture"))
		}
		return s.gatewayCall("capture", func() error {
			cap, err := s.gateway.Capture(ctx, ref, c.Amount)
			if err != nil {
				return err
			}
			c.Result = cap.Reference
			return nil
		})

	case TypeCreateEscrow:
		acct, err := s.custody.Create(ctx, custody.CreateRequest{
			TransactionID:   sg.TransactionID,
			BorrowerID:      c.Params["borrowerId"],
			LenderID:        c.Params["lenderId"],
			RentalFee:       paramCents(c.Params, "rentalFee"),
			SecurityDeposit: paramCents(c.Params, "deposit"),
			PlatformFee:     paramCents(c.Params, "platformFee"),
			ConditionTypes:  []string{"goods_returned"},
		})
		if err != nil {
			return retry.Permanent(err)
		}
		c.Result = acct.ID
		sg.EscrowAccountID = acct.ID
		return nil

	case TypeFundEscrow:
		ref := s.authorizationRef(sg)
		if ref == "" || sg.EscrowAccountID == "" {
			return retry.Permanent(fmt.Errorf("funding requires a completed authorization and escrow account"))
		}
		acct, err := s.custody.Fund(ctx, sg.EscrowAccountID, sg.OwnerID, ref)
		if err != nil {
			if errors.Is(err, custody.ErrInvalidStatus) {
				// A prior attempt already funded the account.
				if cur, getErr := s.custody.Get(ctx, sg.EscrowAccountID); getErr == nil && cur.Status == custody.StatusHeld {
					c.Result = cur.ID
					return nil
				}
				return retry.Permanent(err)
			}
			return err
		}
		c.Result = acct.ID
		return nil

	case TypeNotify:
		return s.notifier.Notify(ctx, notify.Notification{
			Recipient: c.Params["recipient"],
			Event:     c.Params["event"],
			Fields:    map[string]string{"transactionId": sg.TransactionID},
		})

	case TypePersistRecord:
		// The saga record itself is the durable rental record; a
		// successful store write is the completion condition.
		c.Result = sg.ID
		return nil

	default:
		return retry.Permanent(fmt.Errorf("unknown component type %q", c.Type))
	}
}

// gatewayCall wraps a gateway operation in the circuit breaker and
// classifies declines as permanent.
func (s *Service) gatewayCall(key string, fn func() error) error {
	if !s.breaker.Allow(key) {
		return fmt.Errorf("%w: circuit open for %s", payments.ErrUnavailable, key)
	}
	err := fn()
	if err != nil {
		s.breaker.RecordFailure(key)
		if errors.Is(err, payments.ErrDeclined) {
			return retry.Permanent(err)
		}
		return err
	}
	s.breaker.RecordSuccess(key)
	return nil
}

// authorizationRef finds the completed payment authorization's
// processor reference.
func (s *Service) authorizationRef(sg *Saga) string {
	for _, c := range sg.Components {
		if c.Type == TypeAuthorizePayment && c.Status == ComponentCompleted {
			return c.Result
		}
	}
	return ""
}

// rollbackCompleted compensates completed components in reverse
// completion order and issues the proportional refund for the confirmed
// amount. Non-critical compensation failures are recorded and skipped.
func (s *Service) rollbackCompleted(ctx context.Context, sg *Saga, actor, reason string) {
	ids := sg.CompletedComponents()
	for i := len(ids) - 1; i >= 0; i-- {
		c := sg.Component(ids[i])
		rec := s.compensate(ctx, sg, c)
		rec.ExecutedAt = s.now()
		c.Rollback = rec
		c.Status = ComponentCancelled
		if c.Amount > 0 {
			sg.ConfirmedAmount -= c.Amount
			sg.PendingAmount += c.Amount
		}
		s.appendAudit(ctx, actor, "component_rolled_back", sg, map[string]string{
			"component": c.ID,
			"type":      string(c.Type),
			"action":    rec.Action,
		})
	}
	s.proportionalRefund(ctx, sg, actor, reason)
}

// compensate undoes one completed component's side effect.
func (s *Service) compensate(ctx context.Context, sg *Saga, c *Component) *RollbackRecord {
	switch c.Type {
	case TypeReserveResource:
		if err := s.lockSt.Release(ctx, c.Result); err != nil {
			return &RollbackRecord{Action: "release_lock_failed", Detail: err.Error()}
		}
		return &RollbackRecord{Action: "release_lock", Detail: c.Result}

	case TypeAuthorizePayment, TypeCapturePayment:
		err := s.gatewayCall("refund", func() error {
			_, err := s.gateway.Refund(ctx, c.Result, c.Amount)
			return err
		})
		if err != nil {
			s.logger.Error("CRITICAL: payment compensation failed, funds may be stranded",
				"saga_id", sg.ID, "component", c.ID, "reference", c.Result, "error", err)
			return &RollbackRecord{Action: "refund_payment_failed", Detail: err.Error()}
		}
		return &RollbackRecord{Action: "refund_payment", Detail: c.Result}

	case TypeFundEscrow:
		// The escrow refund below covers the funded balance; funding
		// itself reverses by marking the account refunded.
		return &RollbackRecord{Action: "escrow_refund_scheduled", Detail: sg.EscrowAccountID}

	case TypeCreateEscrow:
		return &RollbackRecord{Action: "abandon_escrow", Detail: c.Result}

	case TypeNotify:
		return &RollbackRecord{Action: "none"}

	case TypePersistRecord:
		return &RollbackRecord{Action: "mark_record_cancelled", Detail: sg.ID}

	default:
		return &RollbackRecord{Action: "none"}
	}
}

// proportionalRefund returns the already-confirmed share of the escrow
// balance to the borrower, computed through the refund policy.
func (s *Service) proportionalRefund(ctx context.Context, sg *Saga, actor, reason string) {
	if sg.EscrowAccountID == "" || sg.RefundableAmount <= 0 {
		return
	}
	acct, err := s.custody.Get(ctx, sg.EscrowAccountID)
	if err != nil {
		s.logger.Warn("cancel refund skipped, account unavailable", "saga_id", sg.ID, "error", err)
		return
	}
	if acct.Status != custody.StatusHeld && acct.Status != custody.StatusFunded {
		return
	}

	alloc, err := refund.Calculate(refund.TypeFull, refund.Amounts{
		RentalFee:   acct.RentalFee,
		Deposit:     acct.SecurityDeposit,
		PlatformFee: acct.PlatformFee,
	}, refund.Options{})
	if err != nil {
		s.logger.Error("cancel refund calculation failed", "saga_id", sg.ID, "error", err)
		return
	}
	amount := money.Min(alloc.RefundToBorrower, sg.RefundableAmount)
	if amount <= 0 {
		return
	}
	if _, err := s.custody.Refund(ctx, acct.ID, actor, amount, "saga cancelled: "+reason); err != nil {
		s.logger.Error("CRITICAL: cancel refund failed, escrow balance stranded",
			"saga_id", sg.ID, "account_id", acct.ID, "amount", amount.Format(), "error", err)
	}
}

func (s *Service) appendAudit(ctx context.Context, actor, action string, sg *Saga, extra map[string]string) {
	after := map[string]string{
		"status":    string(sg.Status),
		"confirmed": sg.ConfirmedAmount.Format(),
		"pending":   sg.PendingAmount.Format(),
	}
	for k, v := range extra {
		after[k] = v
	}
	if _, err := s.ledger.Append(ctx, audit.Record{
		Actor:      actor,
		Action:     action,
		EntityType: "saga",
		EntityID:   sg.ID,
		After:      after,
		Category:   audit.CategoryFinancial,
	}); err != nil {
		s.logger.Error("CRITICAL: saga state changed but audit append failed",
			"saga_id", sg.ID, "action", action, "error", err)
	}
}

func paramCents(params map[string]string, key string) money.Cents {
	n, _ := strconv.ParseInt(params[key], 10, 64)
	return money.Cents(n)
}

func errCode(err error) string {
	switch {
	case errors.Is(err, payments.ErrDeclined):
		return "payment_declined"
	case errors.Is(err, payments.ErrUnavailable):
		return "gateway_unavailable"
	case errors.Is(err, ErrResourceLocked):
		return "resource_locked"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "component_error"
	}
}
