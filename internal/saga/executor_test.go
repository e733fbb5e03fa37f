package saga

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bookvault/bookvault/internal/audit"
	"github.com/bookvault/bookvault/internal/custody"
	"github.com/bookvault/bookvault/internal/logging"
	"github.com/bookvault/bookvault/internal/notify"
	"github.com/bookvault/bookvault/internal/payments"
)

type fixture struct {
	svc         *Service
	custody     *custody.Service
	gateway     *payments.FakeGateway
	locks       *MemoryLockStore
	checkpoints *MemoryCheckpointStore
	cipher      *custody.RefCipher
	recorder    *notify.Recorder
	ledger      *audit.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logging.Nop()
	ledger := audit.NewLedger(audit.NewSigner([]byte("test-secret")), audit.NewMemoryStore(), logger)
	cipher, err := custody.NewRefCipher(bytes.Repeat([]byte{3}, 32))
	if err != nil {
		t.Fatalf("NewRefCipher: %v", err)
	}
	cust := custody.NewService(custody.NewMemoryStore(), ledger, cipher, logger)
	gateway := payments.NewFakeGateway()
	locks := NewMemoryLockStore()
	checkpoints := NewMemoryCheckpointStore()
	recorder := notify.NewRecorder()
	svc := NewService(NewMemoryStore(), locks, cust, gateway, ledger, logger).
		WithNotifier(recorder).
		WithCheckpoints(checkpoints, cipher).
		WithBackoff(0)
	return &fixture{
		svc: svc, custody: cust, gateway: gateway, locks: locks,
		checkpoints: checkpoints, cipher: cipher, recorder: recorder, ledger: ledger,
	}
}

func paymentRequest() RentalPaymentRequest {
	return RentalPaymentRequest{
		TransactionID:   "txn_1",
		BorrowerID:      "user_borrower",
		LenderID:        "user_lender",
		BookCopyID:      "copy_1",
		RentalFee:       4000,
		SecurityDeposit: 1000,
		PlatformFee:     500,
	}
}

func TestRentalPaymentHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sg, err := f.svc.StartRentalPayment(ctx, paymentRequest())
	if err != nil {
		t.Fatalf("StartRentalPayment: %v", err)
	}
	if sg.Status != StatusConfirmed {
		t.Fatalf("Status = %s, want confirmed", sg.Status)
	}
	if sg.ConfirmedAmount != 5500 || sg.PendingAmount != 0 {
		t.Fatalf("rollup: confirmed %d pending %d", sg.ConfirmedAmount, sg.PendingAmount)
	}
	if sg.ConfirmedAmount+sg.PendingAmount != sg.TotalAmount {
		t.Fatal("amount invariant broken")
	}

	// Escrow reached held with the authorization stored.
	acct, err := f.custody.Get(ctx, sg.EscrowAccountID)
	if err != nil {
		t.Fatalf("custody.Get: %v", err)
	}
	if acct.Status != custody.StatusHeld {
		t.Fatalf("escrow status = %s, want held", acct.Status)
	}

	// Lender was told the payment is secured.
	sent := f.recorder.Sent()
	if len(sent) != 1 || sent[0].Recipient != "user_lender" {
		t.Fatalf("notifications = %+v", sent)
	}
}

func TestExecuteRecordsCheckpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sg, err := f.svc.StartRentalPayment(ctx, paymentRequest())
	if err != nil {
		t.Fatalf("StartRentalPayment: %v", err)
	}

	cp, err := f.checkpoints.Latest(ctx, sg.ID)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if cp == nil {
		t.Fatal("execution must leave a checkpoint behind")
	}
	if got, want := len(cp.Instructions), len(sg.CompletedComponents()); got != want {
		t.Fatalf("instructions = %d, want one per completed component (%d)", got, want)
	}

	decoded, err := cp.DecodeSnapshot(f.cipher)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if decoded.ID != sg.ID || decoded.EscrowAccountID != sg.EscrowAccountID {
		t.Fatalf("snapshot = %s/%s, want %s/%s",
			decoded.ID, decoded.EscrowAccountID, sg.ID, sg.EscrowAccountID)
	}
}

func TestDependencyOrdering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sg, err := f.svc.StartRentalPayment(ctx, paymentRequest())
	if err != nil {
		t.Fatalf("StartRentalPayment: %v", err)
	}

	for _, c := range sg.Components {
		if c.Status != ComponentCompleted {
			t.Fatalf("component %s (%s) status = %s", c.ID, c.Type, c.Status)
		}
		for _, depID := range c.DependsOn {
			dep := sg.Component(depID)
			if dep.CompletedAt == nil || c.CompletedAt == nil {
				t.Fatalf("missing CompletedAt on %s or %s", c.ID, depID)
			}
			if c.CompletedAt.Before(*dep.CompletedAt) {
				t.Errorf("%s completed before its dependency %s", c.ID, depID)
			}
		}
	}
}

func TestDeclinedAuthorizationCancelsAndRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateway.FailNext("authorize", payments.ErrDeclined)

	sg, err := f.svc.StartRentalPayment(ctx, paymentRequest())
	if err != nil {
		t.Fatalf("StartRentalPayment: %v", err)
	}
	if sg.Status != StatusCancelled {
		t.Fatalf("Status = %s, want cancelled", sg.Status)
	}

	auth := componentOfType(sg, TypeAuthorizePayment)
	if auth.Status != ComponentFailed {
		t.Fatalf("authorize status = %s, want failed", auth.Status)
	}
	if auth.Err == nil || auth.Err.Recoverable {
		t.Fatalf("decline must be terminal: %+v", auth.Err)
	}
	// A decline only costs one attempt, not the ceiling.
	if auth.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", auth.Attempts)
	}

	// The book copy reservation was compensated.
	reserve := componentOfType(sg, TypeReserveResource)
	if reserve.Status != ComponentCancelled || reserve.Rollback == nil {
		t.Fatalf("reserve not rolled back: %+v", reserve)
	}
	if _, err := f.locks.Acquire(ctx, "book_copy", "copy_1", "other", time.Hour); err != nil {
		t.Errorf("lock not released by rollback: %v", err)
	}

	if len(sg.CompletedComponents()) != 0 {
		t.Errorf("completed components remain after rollback: %v", sg.CompletedComponents())
	}
}

func TestTransientFailureExhaustsRetryCeiling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateway.FailNext("authorize", payments.ErrUnavailable)

	sg, err := f.svc.StartRentalPayment(ctx, paymentRequest())
	if err != nil {
		t.Fatalf("StartRentalPayment: %v", err)
	}

	auth := componentOfType(sg, TypeAuthorizePayment)
	if auth.Status != ComponentFailed {
		t.Fatalf("authorize status = %s, want failed", auth.Status)
	}
	if auth.Attempts != 5 {
		t.Errorf("attempts = %d, want the authorize ceiling of 5", auth.Attempts)
	}
	if auth.Err == nil || !auth.Err.Recoverable {
		t.Fatalf("transient failure must stay recoverable: %+v", auth.Err)
	}
	// Recoverable failure leaves the saga for the recovery sweep.
	if sg.Status != StatusPendingConfirmation {
		t.Fatalf("Status = %s, want pending_confirmation", sg.Status)
	}
}

func TestRollbackSymmetryOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateway.FailNext("authorize", payments.ErrUnavailable)

	sg, err := f.svc.StartRentalPayment(ctx, paymentRequest())
	if err != nil {
		t.Fatalf("StartRentalPayment: %v", err)
	}
	completedBefore := sg.CompletedComponents()
	if len(completedBefore) == 0 {
		t.Fatal("fixture should have completed components before cancel")
	}

	sg, err = f.svc.CancelPartialTransaction(ctx, sg.ID, "user_borrower", "changed my mind")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if sg.Status != StatusCancelled {
		t.Fatalf("Status = %s, want cancelled", sg.Status)
	}
	if len(sg.CompletedComponents()) != 0 {
		t.Fatalf("completed components remain: %v", sg.CompletedComponents())
	}
	for _, id := range completedBefore {
		c := sg.Component(id)
		if c.Rollback == nil {
			t.Errorf("component %s (%s) has no rollback record", c.ID, c.Type)
		}
	}

	// Terminal now: cancelling twice is rejected.
	if _, err := f.svc.CancelPartialTransaction(ctx, sg.ID, "user_borrower", "again"); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("double cancel: err = %v, want ErrAlreadyTerminal", err)
	}
}

func TestCancelRefundsFundedEscrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	acct, err := f.custody.Create(ctx, custody.CreateRequest{
		TransactionID: "txn_9", BorrowerID: "user_b", LenderID: "user_l",
		RentalFee: 4000, SecurityDeposit: 1000, PlatformFee: 500,
	})
	if err != nil {
		t.Fatalf("custody.Create: %v", err)
	}
	if _, err := f.custody.Fund(ctx, acct.ID, "user_b", "pi_ref"); err != nil {
		t.Fatalf("custody.Fund: %v", err)
	}

	done := time.Now()
	sg := &Saga{
		ID: "sga_manual", OwnerID: "user_b", TransactionID: "txn_9",
		EscrowAccountID: acct.ID,
		Status:          StatusPendingConfirmation,
		Components: []*Component{
			{ID: "c_auth", Type: TypeAuthorizePayment, Status: ComponentCompleted, Amount: 5500, Result: "auth-x", CompletedAt: &done},
			{ID: "c_notify", Type: TypeNotify, Status: ComponentPending},
		},
		TotalAmount: 5500, ConfirmedAmount: 5500, RefundableAmount: 5500,
		ConfirmationDeadline: time.Now().Add(time.Hour),
		Version:              1,
	}
	if err := f.svc.store.Create(ctx, sg); err != nil {
		t.Fatalf("store.Create: %v", err)
	}

	if _, err := f.svc.CancelPartialTransaction(ctx, sg.ID, "user_b", "lender withdrew"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	acct, err = f.custody.Get(ctx, acct.ID)
	if err != nil {
		t.Fatalf("custody.Get: %v", err)
	}
	if acct.Status != custody.StatusRefunded {
		t.Fatalf("escrow status = %s, want refunded after cancel", acct.Status)
	}
}

func TestConfirmRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateway.FailNext("authorize", payments.ErrUnavailable)

	sg, err := f.svc.StartRentalPayment(ctx, paymentRequest())
	if err != nil {
		t.Fatalf("StartRentalPayment: %v", err)
	}
	if sg.Status != StatusPendingConfirmation {
		t.Fatalf("fixture saga status = %s", sg.Status)
	}

	if _, err := f.svc.ConfirmPartialTransaction(ctx, sg.ID, "someone_else"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("wrong user: err = %v, want ErrNotOwner", err)
	}

	// Past the deadline confirmation is rejected and the saga is left
	// for the recovery sweep.
	f.svc.WithNow(func() time.Time { return sg.ConfirmationDeadline.Add(time.Minute) })
	if _, err := f.svc.ConfirmPartialTransaction(ctx, sg.ID, "user_borrower"); !errors.Is(err, ErrDeadlinePassed) {
		t.Fatalf("expired: err = %v, want ErrDeadlinePassed", err)
	}
	got, err := f.svc.Get(ctx, sg.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusPendingConfirmation {
		t.Fatalf("after rejected confirm status = %s, want pending_confirmation", got.Status)
	}

	expired, err := f.svc.ListExpired(ctx, 10)
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != sg.ID {
		t.Fatalf("expired sweep = %+v", expired)
	}
}

func TestConfirmCompletesRemainingComponents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	done := time.Now()
	sg := &Saga{
		ID: "sga_confirm", OwnerID: "user_b", TransactionID: "txn_5",
		Status: StatusPendingConfirmation,
		Components: []*Component{
			{ID: "c_auth", Type: TypeAuthorizePayment, Status: ComponentCompleted, Result: "auth-y", CompletedAt: &done},
			{ID: "c_notify", Type: TypeNotify, Status: ComponentPending, MaxAttempts: 3,
				Params: map[string]string{"event": "rental_ready", "recipient": "user_l"}, DependsOn: []string{"c_auth"}},
		},
		ConfirmationDeadline: time.Now().Add(time.Hour),
		Version:              1,
	}
	if err := f.svc.store.Create(ctx, sg); err != nil {
		t.Fatalf("store.Create: %v", err)
	}

	out, err := f.svc.ConfirmPartialTransaction(ctx, sg.ID, "user_b")
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if out.Status != StatusConfirmed {
		t.Fatalf("Status = %s, want confirmed", out.Status)
	}
	if c := out.Component("c_notify"); c.Status != ComponentCompleted {
		t.Fatalf("pending component not completed by confirm: %s", c.Status)
	}
	if len(f.recorder.Sent()) != 1 {
		t.Fatalf("notifications = %d, want 1", len(f.recorder.Sent()))
	}
}

func TestReservedCopyBlocksSecondSaga(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.StartRentalPayment(ctx, paymentRequest()); err != nil {
		t.Fatalf("first saga: %v", err)
	}

	// Happy-path sagas hold the copy's lock until the rental completes.
	req := paymentRequest()
	req.TransactionID = "txn_2"
	sg, err := f.svc.StartRentalPayment(ctx, req)
	if err != nil {
		t.Fatalf("second saga: %v", err)
	}
	if sg.Status != StatusCancelled {
		t.Fatalf("second saga status = %s, want cancelled (copy reserved)", sg.Status)
	}
	reserve := componentOfType(sg, TypeReserveResource)
	if reserve.Err == nil || reserve.Err.Recoverable {
		t.Fatalf("reservation conflict must be terminal: %+v", reserve.Err)
	}
}

func componentOfType(sg *Saga, t ComponentType) *Component {
	for _, c := range sg.Components {
		if c.Type == t {
			return c
		}
	}
	return nil
}
