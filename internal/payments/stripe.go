package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/bookvault/bookvault/internal/money"
)

// StripeGateway implements Gateway on the Stripe API using manual-capture
// PaymentIntents: Authorize creates an uncaptured intent, Capture captures
// it, Refund refunds the captured charge.
type StripeGateway struct {
	api     *client.API
	timeout time.Duration
	logger  *slog.Logger
}

// NewStripeGateway builds a gateway with its own API client so the global
// stripe key is never mutated.
func NewStripeGateway(apiKey string, timeout time.Duration, logger *slog.Logger) *StripeGateway {
	api := &client.API{}
	api.Init(apiKey, nil)
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &StripeGateway{api: api, timeout: timeout, logger: logger}
}

func (g *StripeGateway) Authorize(ctx context.Context, accountID string, amount money.Cents, currency string) (Authorization, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(int64(amount)),
		Currency:      stripe.String(currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Confirm:       stripe.Bool(true),
	}
	params.Context = ctx
	params.AddMetadata("escrow_account_id", accountID)

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return Authorization{}, classify("authorize", err)
	}
	g.logger.Info("payment authorized", "account_id", accountID, "amount", amount.Format())
	return Authorization{Reference: pi.ID, Amount: amount, CreatedAt: time.Now()}, nil
}

func (g *StripeGateway) Capture(ctx context.Context, reference string, amount money.Cents) (Capture, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.PaymentIntentCaptureParams{
		AmountToCapture: stripe.Int64(int64(amount)),
	}
	params.Context = ctx

	pi, err := g.api.PaymentIntents.Capture(reference, params)
	if err != nil {
		return Capture{}, classify("capture", err)
	}
	return Capture{Reference: pi.ID, Amount: amount}, nil
}

func (g *StripeGateway) Refund(ctx context.Context, reference string, amount money.Cents) (RefundResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(reference),
		Amount:        stripe.Int64(int64(amount)),
	}
	params.Context = ctx

	r, err := g.api.Refunds.New(params)
	if err != nil {
		return RefundResult{}, classify("refund", err)
	}
	return RefundResult{Reference: r.ID, Amount: amount}, nil
}

// classify maps Stripe errors to the package's terminal/retryable split.
func classify(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		switch se.Type {
		case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest:
			return fmt.Errorf("%s: %w: %s", op, ErrDeclined, se.Msg)
		}
		if se.HTTPStatusCode >= 500 || se.HTTPStatusCode == 429 {
			return fmt.Errorf("%s: %w: %s", op, ErrUnavailable, se.Msg)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}
