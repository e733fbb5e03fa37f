package saga

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/bookvault/bookvault/internal/custody"
)

func TestBuilderRejectsCycle(t *testing.T) {
	b := NewBuilder("user_1", "txn_1")
	a := b.Add(TypeReserveResource, 0, nil)
	// Wire a cycle by hand: a → b → a.
	c := b.Add(TypeNotify, 0, nil, a)
	b.components[0].DependsOn = []string{c}

	if _, err := b.Build(); err != ErrCycle {
		t.Fatalf("err = %v, want ErrCycle", err)
	}
}

func TestBuilderRejectsUnknownDependency(t *testing.T) {
	b := NewBuilder("user_1", "txn_1")
	b.Add(TypeNotify, 0, nil, "cmp_bogus")
	if _, err := b.Build(); err == nil {
		t.Fatal("unknown dependency should be rejected")
	}
}

func TestBuilderRollup(t *testing.T) {
	b := NewBuilder("user_1", "txn_1")
	b.Add(TypeAuthorizePayment, 5000, nil)
	b.Add(TypeCapturePayment, 500, nil)
	sg, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if sg.TotalAmount != 5500 || sg.PendingAmount != 5500 || sg.ConfirmedAmount != 0 {
		t.Fatalf("rollup = total %d confirmed %d pending %d", sg.TotalAmount, sg.ConfirmedAmount, sg.PendingAmount)
	}
	if sg.Status != StatusInProgress {
		t.Fatalf("Status = %s, want in_progress", sg.Status)
	}
}

func TestTopologicalOrderRespectsDependencies(t *testing.T) {
	components := []*Component{
		{ID: "c3", DependsOn: []string{"c1", "c2"}},
		{ID: "c1"},
		{ID: "c2", DependsOn: []string{"c1"}},
	}
	ordered, err := TopologicalOrder(components)
	if err != nil {
		t.Fatalf("TopologicalOrder: %v", err)
	}
	pos := map[string]int{}
	for i, c := range ordered {
		pos[c.ID] = i
	}
	if pos["c1"] > pos["c2"] || pos["c2"] > pos["c3"] {
		t.Fatalf("order = %v", pos)
	}
}

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name       string
		components []*Component
		want       Status
	}{
		{
			"terminal critical failure cancels",
			[]*Component{
				{Type: TypeAuthorizePayment, Status: ComponentFailed, Err: &ComponentError{Recoverable: false}},
				{Type: TypeNotify, Status: ComponentPending},
			},
			StatusCancelled,
		},
		{
			"recoverable critical failure does not cancel",
			[]*Component{
				{Type: TypeAuthorizePayment, Status: ComponentFailed, Err: &ComponentError{Recoverable: true}},
				{Type: TypeNotify, Status: ComponentCompleted},
			},
			StatusPendingConfirmation,
		},
		{
			"all done confirms",
			[]*Component{
				{Type: TypeAuthorizePayment, Status: ComponentCompleted},
				{Type: TypeNotify, Status: ComponentCompleted},
			},
			StatusConfirmed,
		},
		{
			"non-critical terminal failure with criticals done confirms",
			[]*Component{
				{Type: TypeAuthorizePayment, Status: ComponentCompleted},
				{Type: TypeNotify, Status: ComponentFailed, Err: &ComponentError{Recoverable: false}},
			},
			StatusConfirmed,
		},
		{
			"partial completion awaits confirmation",
			[]*Component{
				{Type: TypeAuthorizePayment, Status: ComponentCompleted},
				{Type: TypeFundEscrow, Status: ComponentPending},
			},
			StatusPendingConfirmation,
		},
		{
			"nothing completed is partial",
			[]*Component{
				{Type: TypeAuthorizePayment, Status: ComponentPending},
				{Type: TypeNotify, Status: ComponentPending},
			},
			StatusPartial,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sg := &Saga{Components: tt.components}
			if got := sg.DeriveStatus(); got != tt.want {
				t.Errorf("DeriveStatus() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestComponentTypeRetryCeilings(t *testing.T) {
	if TypeAuthorizePayment.MaxAttempts() != 5 {
		t.Errorf("authorize ceiling = %d, want 5", TypeAuthorizePayment.MaxAttempts())
	}
	for _, typ := range []ComponentType{TypeCapturePayment, TypeCreateEscrow, TypeFundEscrow, TypeReserveResource, TypeNotify, TypePersistRecord} {
		if typ.MaxAttempts() != 3 {
			t.Errorf("%s ceiling = %d, want 3", typ, typ.MaxAttempts())
		}
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	cipher, err := custody.NewRefCipher(bytes.Repeat([]byte{9}, 32))
	if err != nil {
		t.Fatalf("NewRefCipher: %v", err)
	}

	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Second)
	sg := &Saga{
		ID:      "sga_1",
		OwnerID: "user_1",
		Components: []*Component{
			{ID: "c_auth", Type: TypeAuthorizePayment, Status: ComponentCompleted, Result: "auth-1", CompletedAt: &t1},
			{ID: "c_lock", Type: TypeReserveResource, Status: ComponentCompleted, Result: "lck_1", CompletedAt: &t2},
			{ID: "c_notify", Type: TypeNotify, Status: ComponentPending},
		},
	}

	cp, err := NewCheckpoint(sg, cipher, t2)
	if err != nil {
		t.Fatalf("NewCheckpoint: %v", err)
	}
	if len(cp.Instructions) != 2 {
		t.Fatalf("instructions = %d, want 2 (completed components only)", len(cp.Instructions))
	}
	// Instruction order mirrors completion order: auth first, lock second.
	if cp.Instructions[0].ComponentID != "c_auth" || cp.Instructions[1].ComponentID != "c_lock" {
		t.Fatalf("instruction order wrong: %+v", cp.Instructions)
	}
	if cp.Instructions[0].Action != "refund_payment" || !cp.Instructions[0].Critical {
		t.Errorf("payment compensation must be critical refund: %+v", cp.Instructions[0])
	}
	if cp.Instructions[1].Action != "release_lock" {
		t.Errorf("lock compensation = %q, want release_lock", cp.Instructions[1].Action)
	}
	// The earlier instruction depends on the later one having run.
	if len(cp.Instructions[0].DependsOn) != 1 || cp.Instructions[0].DependsOn[0] != cp.Instructions[1].ID {
		t.Errorf("dependency wiring wrong: %+v", cp.Instructions[0].DependsOn)
	}

	if cp.Snapshot == "" {
		t.Fatal("snapshot is empty")
	}
	restored, err := cp.DecodeSnapshot(cipher)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if restored.ID != sg.ID || len(restored.Components) != 3 {
		t.Fatalf("restored saga = %+v", restored)
	}

	wrong, _ := custody.NewRefCipher(bytes.Repeat([]byte{1}, 32))
	if _, err := cp.DecodeSnapshot(wrong); err == nil {
		t.Error("decode with wrong key should fail")
	}
}

func TestMemoryLockStore(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := now
	store := NewMemoryLockStore().WithNow(func() time.Time { return current })
	ctx := context.Background()

	lock, err := store.Acquire(ctx, "book_copy", "copy_1", "sga_1", time.Hour)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if _, err := store.Acquire(ctx, "book_copy", "copy_1", "sga_2", time.Hour); err == nil {
		t.Fatal("second acquire of held resource should fail")
	}
	// A different copy is free.
	if _, err := store.Acquire(ctx, "book_copy", "copy_2", "sga_2", time.Hour); err != nil {
		t.Fatalf("Acquire of free resource: %v", err)
	}

	// Past expiry the lock no longer blocks and shows in the sweep.
	current = now.Add(2 * time.Hour)
	expired, err := store.ListExpired(ctx, current)
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	found := false
	for _, l := range expired {
		if l.ID == lock.ID {
			found = true
		}
	}
	if !found {
		t.Error("expired lock missing from sweep")
	}
	if _, err := store.Acquire(ctx, "book_copy", "copy_1", "sga_3", time.Hour); err != nil {
		t.Fatalf("acquire over expired lock: %v", err)
	}

	if err := store.Release(ctx, lock.ID); err != nil {
		t.Fatalf("Release: %v", err)
	}
}
