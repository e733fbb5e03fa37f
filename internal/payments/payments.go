// Package payments abstracts the external payment processor behind a
// Gateway so the escrow and saga layers never touch processor SDKs
// directly. The production implementation wraps Stripe; tests and dev
// mode use FakeGateway.
package payments

import (
	"context"
	"errors"
	"time"

	"github.com/bookvault/bookvault/internal/money"
)

var (
	// ErrDeclined is returned when the processor rejects the operation
	// for a reason retrying will not fix (card declined, refund window
	// closed). Callers must not retry.
	ErrDeclined = errors.New("payments: declined")

	// ErrUnavailable is returned for transient processor failures.
	// Callers may retry with backoff.
	ErrUnavailable = errors.New("payments: processor unavailable")
)

// Authorization is the result of a successful authorize call.
type Authorization struct {
	// Reference is the processor-side identifier needed to capture or
	// void the authorization. It is sensitive and must be stored
	// encrypted.
	Reference string
	Amount    money.Cents
	CreatedAt time.Time
}

// Capture is the result of capturing a prior authorization.
type Capture struct {
	Reference string
	Amount    money.Cents
}

// RefundResult is the result of refunding captured funds.
type RefundResult struct {
	Reference string
	Amount    money.Cents
}

// Gateway is the payment processor surface the platform depends on.
// Every call is bounded by the context deadline; implementations must
// classify failures as ErrDeclined (terminal) or ErrUnavailable
// (retryable) where possible.
type Gateway interface {
	Authorize(ctx context.Context, accountID string, amount money.Cents, currency string) (Authorization, error)
	Capture(ctx context.Context, reference string, amount money.Cents) (Capture, error)
	Refund(ctx context.Context, reference string, amount money.Cents) (RefundResult, error)
}
