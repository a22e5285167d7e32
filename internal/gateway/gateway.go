// Package gateway abstracts the external payment provider.
//
// All calls are idempotent from the caller's perspective: the caller supplies
// an idempotency key (refund ID, payout ID), so a timed-out call can safely
// be repeated on the next attempt without double-moving money.
package gateway

import (
	"context"
	"errors"
)

var (
	// ErrGateway wraps provider failures that are safe to retry.
	ErrGateway = errors.New("payment gateway error")
	// ErrRejected wraps provider failures that must not be retried
	// (invalid request, declined, unknown destination).
	ErrRejected = errors.New("payment gateway rejected request")
)

// Provider is the capability surface this engine needs from a payment
// provider. Amounts are in cents; all calls must honor ctx deadlines.
type Provider interface {
	// Capture settles a previously authorized charge for an order.
	Capture(ctx context.Context, orderID, idempotencyKey string) (captureID string, err error)
	// Refund returns funds to the original payment method.
	Refund(ctx context.Context, captureID string, amountCents int64, currency, idempotencyKey string) (refundID string, err error)
	// Payout sends funds to a seller's payout destination.
	Payout(ctx context.Context, destination string, amountCents int64, currency, idempotencyKey string) (transferID string, err error)
}
