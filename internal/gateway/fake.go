package gateway

import (
	"context"
	"sync"

	"github.com/keyforge/marketpay/internal/idgen"
)

// Fake is a recording in-memory Provider for tests and development mode.
// Calls are idempotent per key, mirroring real provider behavior.
type Fake struct {
	mu sync.Mutex

	// Errors to return; nil means success.
	CaptureErr error
	RefundErr  error
	PayoutErr  error

	// FailuresBeforeSuccess makes the first N payout calls fail with
	// PayoutErr (or ErrGateway) before succeeding, to exercise retry paths.
	FailuresBeforeSuccess int

	Captures []string // order IDs
	Refunds  []string // capture IDs
	Payouts  []string // destinations

	byKey map[string]string // idempotency key -> issued transaction ID
}

// NewFake creates a fake payment provider.
func NewFake() *Fake {
	return &Fake{byKey: make(map[string]string)}
}

func (f *Fake) Capture(ctx context.Context, orderID, idempotencyKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CaptureErr != nil {
		return "", f.CaptureErr
	}
	if id, ok := f.byKey[idempotencyKey]; ok {
		return id, nil
	}
	id := idgen.WithPrefix("cap_")
	f.byKey[idempotencyKey] = id
	f.Captures = append(f.Captures, orderID)
	return id, nil
}

func (f *Fake) Refund(ctx context.Context, captureID string, amountCents int64, currency, idempotencyKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RefundErr != nil {
		return "", f.RefundErr
	}
	if id, ok := f.byKey[idempotencyKey]; ok {
		return id, nil
	}
	id := idgen.WithPrefix("re_")
	f.byKey[idempotencyKey] = id
	f.Refunds = append(f.Refunds, captureID)
	return id, nil
}

func (f *Fake) Payout(ctx context.Context, destination string, amountCents int64, currency, idempotencyKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailuresBeforeSuccess > 0 {
		f.FailuresBeforeSuccess--
		if f.PayoutErr != nil {
			return "", f.PayoutErr
		}
		return "", ErrGateway
	}
	if f.PayoutErr != nil {
		return "", f.PayoutErr
	}
	if id, ok := f.byKey[idempotencyKey]; ok {
		return id, nil
	}
	id := idgen.WithPrefix("tr_")
	f.byKey[idempotencyKey] = id
	f.Payouts = append(f.Payouts, destination)
	return id, nil
}

// PayoutCount returns how many distinct payouts were issued.
func (f *Fake) PayoutCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Payouts)
}

// Compile-time assertion that Fake implements Provider.
var _ Provider = (*Fake)(nil)
