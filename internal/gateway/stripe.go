package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeProvider implements Provider on top of the Stripe API.
// Order captures are PaymentIntent captures, refunds go back to the original
// PaymentIntent, and seller payouts are Connect transfers.
type StripeProvider struct {
	sc      *client.API
	timeout time.Duration
}

// NewStripeProvider creates a Stripe-backed payment provider.
func NewStripeProvider(apiKey string, timeout time.Duration) *StripeProvider {
	sc := &client.API{}
	sc.Init(apiKey, nil)
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &StripeProvider{sc: sc, timeout: timeout}
}

func (p *StripeProvider) Capture(ctx context.Context, orderID, idempotencyKey string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	pi, err := p.sc.PaymentIntents.Capture(orderID, params)
	if err != nil {
		return "", classify("capture", err)
	}
	return pi.ID, nil
}

func (p *StripeProvider) Refund(ctx context.Context, captureID string, amountCents int64, currency, idempotencyKey string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(captureID),
		Amount:        stripe.Int64(amountCents),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	ref, err := p.sc.Refunds.New(params)
	if err != nil {
		return "", classify("refund", err)
	}
	return ref.ID, nil
}

func (p *StripeProvider) Payout(ctx context.Context, destination string, amountCents int64, currency, idempotencyKey string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := &stripe.TransferParams{
		Amount:      stripe.Int64(amountCents),
		Currency:    stripe.String(strings.ToLower(currency)),
		Destination: stripe.String(destination),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	tr, err := p.sc.Transfers.New(params)
	if err != nil {
		return "", classify("payout", err)
	}
	return tr.ID, nil
}

// classify maps Stripe errors onto the package sentinels: server-side and
// transport failures are retryable, everything else is a hard rejection.
func classify(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode >= 500 || stripeErr.HTTPStatusCode == 429 {
			return fmt.Errorf("%w: %s: %s", ErrGateway, op, stripeErr.Msg)
		}
		return fmt.Errorf("%w: %s: %s", ErrRejected, op, stripeErr.Msg)
	}
	// Network-level errors (timeouts, connection resets) are retryable.
	return fmt.Errorf("%w: %s: %v", ErrGateway, op, err)
}

// Compile-time assertion that StripeProvider implements Provider.
var _ Provider = (*StripeProvider)(nil)
