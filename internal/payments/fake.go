package payments

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bookvault/bookvault/internal/money"
)

// FakeGateway is a deterministic in-memory Gateway for dev mode and tests.
// References are sequential ("auth-1", "cap-2", ...) so assertions can be
// exact, and failures are scripted per operation.
type FakeGateway struct {
	mu   sync.Mutex
	seq  int
	now  func() time.Time
	fail map[string]error // op -> scripted error
	// Calls records every operation in order for test assertions.
	Calls []FakeCall
	// authorized tracks outstanding references so Capture/Refund can
	// reject unknown ones the way a real processor would.
	authorized map[string]money.Cents
	captured   map[string]money.Cents
}

// FakeCall is one recorded gateway invocation.
type FakeCall struct {
	Op        string
	AccountID string
	Reference string
	Amount    money.Cents
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		now:        time.Now,
		fail:       map[string]error{},
		authorized: map[string]money.Cents{},
		captured:   map[string]money.Cents{},
	}
}

// FailNext scripts err for the next calls of op ("authorize", "capture",
// "refund"). Pass nil to clear.
func (g *FakeGateway) FailNext(op string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.fail, op)
		return
	}
	g.fail[op] = err
}

// WithNow overrides the timestamp source.
func (g *FakeGateway) WithNow(now func() time.Time) *FakeGateway {
	g.now = now
	return g
}

func (g *FakeGateway) Authorize(ctx context.Context, accountID string, amount money.Cents, currency string) (Authorization, error) {
	if err := ctx.Err(); err != nil {
		return Authorization{}, fmt.Errorf("authorize: %w: %v", ErrUnavailable, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls = append(g.Calls, FakeCall{Op: "authorize", AccountID: accountID, Amount: amount})
	if err := g.fail["authorize"]; err != nil {
		return Authorization{}, err
	}
	if amount <= 0 {
		return Authorization{}, fmt.Errorf("authorize: %w: non-positive amount", ErrDeclined)
	}
	g.seq++
	ref := fmt.Sprintf("auth-%d", g.seq)
	g.authorized[ref] = amount
	return Authorization{Reference: ref, Amount: amount, CreatedAt: g.now()}, nil
}

func (g *FakeGateway) Capture(ctx context.Context, reference string, amount money.Cents) (Capture, error) {
	if err := ctx.Err(); err != nil {
		return Capture{}, fmt.Errorf("capture: %w: %v", ErrUnavailable, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls = append(g.Calls, FakeCall{Op: "capture", Reference: reference, Amount: amount})
	if err := g.fail["capture"]; err != nil {
		return Capture{}, err
	}
	held, ok := g.authorized[reference]
	if !ok {
		return Capture{}, fmt.Errorf("capture: %w: unknown reference %q", ErrDeclined, reference)
	}
	if amount > held {
		return Capture{}, fmt.Errorf("capture: %w: amount exceeds authorization", ErrDeclined)
	}
	delete(g.authorized, reference)
	g.seq++
	ref := fmt.Sprintf("cap-%d", g.seq)
	g.captured[ref] = amount
	g.captured[reference] = amount // refunds may cite either reference
	return Capture{Reference: ref, Amount: amount}, nil
}

func (g *FakeGateway) Refund(ctx context.Context, reference string, amount money.Cents) (RefundResult, error) {
	if err := ctx.Err(); err != nil {
		return RefundResult{}, fmt.Errorf("refund: %w: %v", ErrUnavailable, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls = append(g.Calls, FakeCall{Op: "refund", Reference: reference, Amount: amount})
	if err := g.fail["refund"]; err != nil {
		return RefundResult{}, err
	}
	// An un-captured authorization can also be refunded (voided).
	if _, ok := g.captured[reference]; !ok {
		if _, ok := g.authorized[reference]; !ok {
			return RefundResult{}, fmt.Errorf("refund: %w: unknown reference %q", ErrDeclined, reference)
		}
		delete(g.authorized, reference)
	}
	g.seq++
	return RefundResult{Reference: fmt.Sprintf("ref-%d", g.seq), Amount: amount}, nil
}
