package custody

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/bookvault/bookvault/internal/audit"
	"github.com/bookvault/bookvault/internal/logging"
)

func newTestService(t *testing.T) (*Service, *audit.Ledger) {
	t.Helper()
	ledger := audit.NewLedger(audit.NewSigner([]byte("test-secret")), audit.NewMemoryStore(), logging.Nop())
	cipher, err := NewRefCipher(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("NewRefCipher: %v", err)
	}
	return NewService(NewMemoryStore(), ledger, cipher, logging.Nop()), ledger
}

func createTestAccount(t *testing.T, svc *Service, conditions ...string) *Account {
	t.Helper()
	acct, err := svc.Create(context.Background(), CreateRequest{
		TransactionID:   "txn_1",
		BorrowerID:      "user_borrower",
		LenderID:        "user_lender",
		RentalFee:       4000,
		SecurityDeposit: 1000,
		PlatformFee:     500,
		ConditionTypes:  conditions,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return acct
}

func TestHappyPathReleaseWithExactAuditTrail(t *testing.T) {
	svc, ledger := newTestService(t)
	ctx := context.Background()

	acct := createTestAccount(t, svc)
	if acct.TotalAmount != 5500 {
		t.Fatalf("TotalAmount = %d, want 5500", acct.TotalAmount)
	}
	if acct.Status != StatusCreated {
		t.Fatalf("Status = %s, want created", acct.Status)
	}

	acct, err := svc.Fund(ctx, acct.ID, "user_borrower", "pi_secret_ref")
	if err != nil {
		t.Fatalf("Fund: %v", err)
	}
	if acct.Status != StatusHeld {
		t.Fatalf("after funding Status = %s, want held", acct.Status)
	}

	// Deposit returns to the borrower; fee and platform cut are paid out.
	acct, err = svc.Release(ctx, acct.ID, "user_lender", Allocation{
		Lender:   4000,
		Platform: 500,
		Refund:   1000,
	})
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if acct.Status != StatusReleased {
		t.Fatalf("Status = %s, want released", acct.Status)
	}

	entries, err := ledger.Query(ctx, audit.Filter{EntityID: acct.ID})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	want := []string{"created", "funded", "held", "released"}
	if len(actions) != len(want) {
		t.Fatalf("audit actions = %v, want %v", actions, want)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Fatalf("audit actions = %v, want %v", actions, want)
		}
	}
}

func TestReleaseRejectedUntilConditionsMet(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	acct := createTestAccount(t, svc, "goods_returned", "manual_approval")
	if _, err := svc.Fund(ctx, acct.ID, "user_borrower", "pi_ref"); err != nil {
		t.Fatalf("Fund: %v", err)
	}

	alloc := Allocation{Lender: 4000, Platform: 500, Refund: 1000}
	if _, err := svc.Release(ctx, acct.ID, "user_lender", alloc); !errors.Is(err, ErrConditionsNotMet) {
		t.Fatalf("release with pending conditions: err = %v, want ErrConditionsNotMet", err)
	}

	if _, err := svc.UpdateReleaseCondition(ctx, acct.ID, "user_lender", "goods_returned", ConditionMet, "scanned"); err != nil {
		t.Fatalf("UpdateReleaseCondition: %v", err)
	}
	// One of two conditions met is still not enough.
	if _, err := svc.Release(ctx, acct.ID, "user_lender", alloc); !errors.Is(err, ErrConditionsNotMet) {
		t.Fatalf("release with one pending condition: err = %v, want ErrConditionsNotMet", err)
	}

	if _, err := svc.UpdateReleaseCondition(ctx, acct.ID, "admin", "manual_approval", ConditionMet, ""); err != nil {
		t.Fatalf("UpdateReleaseCondition: %v", err)
	}
	if _, err := svc.Release(ctx, acct.ID, "user_lender", alloc); err != nil {
		t.Fatalf("release after all conditions met: %v", err)
	}
}

func TestReleaseAllocationInvariant(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	acct := createTestAccount(t, svc)
	if _, err := svc.Fund(ctx, acct.ID, "user_borrower", "pi_ref"); err != nil {
		t.Fatalf("Fund: %v", err)
	}

	tests := []struct {
		name  string
		alloc Allocation
	}{
		{"short by one cent", Allocation{Lender: 4000, Platform: 500, Refund: 999}},
		{"over by one cent", Allocation{Lender: 4000, Platform: 500, Refund: 1001}},
		{"negative line item", Allocation{Lender: 6500, Platform: 500, Refund: -1500}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Release(ctx, acct.ID, "user_lender", tt.alloc); !errors.Is(err, ErrAllocationMismatch) {
				t.Errorf("err = %v, want ErrAllocationMismatch", err)
			}
		})
	}

	// Penalty bucket participates in the sum.
	if _, err := svc.Release(ctx, acct.ID, "user_lender", Allocation{
		Lender: 4000, Platform: 500, Refund: 800, Penalty: 200,
	}); err != nil {
		t.Fatalf("release with penalty: %v", err)
	}
}

func TestRefundRules(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	acct := createTestAccount(t, svc)
	// Refund before funding is rejected.
	if _, err := svc.Refund(ctx, acct.ID, "admin", 1000, "borrower cancelled"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("refund from created: err = %v, want ErrInvalidStatus", err)
	}

	if _, err := svc.Fund(ctx, acct.ID, "user_borrower", "pi_ref"); err != nil {
		t.Fatalf("Fund: %v", err)
	}

	if _, err := svc.Refund(ctx, acct.ID, "admin", 9999, "too much"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("over-refund: err = %v, want ErrInvalidAmount", err)
	}

	acct, err := svc.Refund(ctx, acct.ID, "admin", 5500, "rental cancelled")
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if acct.Status != StatusRefunded {
		t.Fatalf("Status = %s, want refunded", acct.Status)
	}

	// Terminal: nothing else is allowed.
	if _, err := svc.Refund(ctx, acct.ID, "admin", 100, "again"); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("refund after terminal: err = %v, want ErrAlreadyTerminal", err)
	}
	if _, err := svc.Freeze(ctx, acct.ID, "admin", "late", ""); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("freeze after terminal: err = %v, want ErrAlreadyTerminal", err)
	}
}

func TestDisputeFreezeBlocksOperations(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	acct := createTestAccount(t, svc)
	if _, err := svc.Fund(ctx, acct.ID, "user_borrower", "pi_ref"); err != nil {
		t.Fatalf("Fund: %v", err)
	}

	acct, err := svc.Freeze(ctx, acct.ID, "user_borrower", "book damaged", "dsp_1")
	if err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	if acct.Status != StatusDisputed {
		t.Fatalf("Status = %s, want disputed", acct.Status)
	}
	if acct.DisputeID != "dsp_1" {
		t.Fatalf("DisputeID = %q, want dsp_1", acct.DisputeID)
	}

	// Everything except unfreeze and reads is rejected while frozen.
	alloc := Allocation{Lender: 4000, Platform: 500, Refund: 1000}
	if _, err := svc.Release(ctx, acct.ID, "user_lender", alloc); !errors.Is(err, ErrAccountFrozen) {
		t.Errorf("release while disputed: err = %v, want ErrAccountFrozen", err)
	}
	if _, err := svc.Refund(ctx, acct.ID, "admin", 1000, "r"); !errors.Is(err, ErrAccountFrozen) {
		t.Errorf("refund while disputed: err = %v, want ErrAccountFrozen", err)
	}
	if _, err := svc.Get(ctx, acct.ID); err != nil {
		t.Errorf("read while disputed should work: %v", err)
	}

	acct, err = svc.Unfreeze(ctx, acct.ID, "admin")
	if err != nil {
		t.Fatalf("Unfreeze: %v", err)
	}
	if acct.Status != StatusHeld || acct.DisputeID != "" {
		t.Fatalf("after unfreeze: status=%s disputeID=%q, want held/empty", acct.Status, acct.DisputeID)
	}

	if _, err := svc.Release(ctx, acct.ID, "user_lender", alloc); err != nil {
		t.Fatalf("release after unfreeze: %v", err)
	}
}

func TestFreezeWithoutDispute(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	acct := createTestAccount(t, svc)
	if _, err := svc.Fund(ctx, acct.ID, "user_borrower", "pi_ref"); err != nil {
		t.Fatalf("Fund: %v", err)
	}
	acct, err := svc.Freeze(ctx, acct.ID, "admin", "fraud review", "")
	if err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	if acct.Status != StatusFrozen {
		t.Fatalf("Status = %s, want frozen", acct.Status)
	}
	if _, err := svc.Freeze(ctx, acct.ID, "admin", "again", ""); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("double freeze: err = %v, want ErrInvalidStatus", err)
	}
}

func TestPaymentReferenceEncryptedAtRest(t *testing.T) {
	svc, ledger := newTestService(t)
	ctx := context.Background()

	acct := createTestAccount(t, svc)
	acct, err := svc.Fund(ctx, acct.ID, "user_borrower", "pi_secret_ref")
	if err != nil {
		t.Fatalf("Fund: %v", err)
	}
	if acct.PaymentRef == "" || acct.PaymentRef == "pi_secret_ref" {
		t.Fatalf("payment reference stored in the clear: %q", acct.PaymentRef)
	}

	ref, err := svc.DecryptPaymentReference(ctx, acct.ID, "ops_admin")
	if err != nil {
		t.Fatalf("DecryptPaymentReference: %v", err)
	}
	if ref != "pi_secret_ref" {
		t.Fatalf("decrypted ref = %q, want pi_secret_ref", ref)
	}

	// Decryption is audited as data access.
	entries, err := ledger.Query(ctx, audit.Filter{EntityID: acct.ID, Action: "payment_reference_decrypted"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("decrypt audit entries = %d, want 1", len(entries))
	}
	if entries[0].Category != audit.CategoryDataAccess {
		t.Errorf("Category = %s, want data_access", entries[0].Category)
	}
}

func TestMemoryStoreVersionConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	a := &Account{ID: "esc_1", TransactionID: "txn_1", Status: StatusCreated, Version: 1}
	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}

	first, _ := store.Get(ctx, "esc_1")
	second, _ := store.Get(ctx, "esc_1")

	first.Status = StatusFunded
	if err := store.Update(ctx, first); err != nil {
		t.Fatalf("first update: %v", err)
	}

	second.Status = StatusFrozen
	if err := store.Update(ctx, second); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale update: err = %v, want ErrVersionConflict", err)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateRequest{
		TransactionID: "txn_1", BorrowerID: "u1", LenderID: "u1", RentalFee: 100,
	}); err == nil {
		t.Error("same borrower and lender should be rejected")
	}
	if _, err := svc.Create(ctx, CreateRequest{
		TransactionID: "txn_1", BorrowerID: "u1", LenderID: "u2", RentalFee: -100, SecurityDeposit: 200,
	}); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("negative fee: err = %v, want ErrInvalidAmount", err)
	}
	if _, err := svc.Create(ctx, CreateRequest{
		TransactionID: "txn_1", BorrowerID: "u1", LenderID: "u2",
	}); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero total: err = %v, want ErrInvalidAmount", err)
	}
}

func TestRefCipherRoundTrip(t *testing.T) {
	cipher, err := NewRefCipher(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("NewRefCipher: %v", err)
	}
	ct, err := cipher.Encrypt("pi_3abc")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	pt, err := cipher.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if pt != "pi_3abc" {
		t.Fatalf("round trip = %q", pt)
	}

	other, _ := NewRefCipher(bytes.Repeat([]byte{8}, 32))
	if _, err := other.Decrypt(ct); err == nil {
		t.Error("decrypt with wrong key should fail")
	}

	if _, err := NewRefCipher([]byte("short")); err == nil {
		t.Error("short key should be rejected")
	}
}
