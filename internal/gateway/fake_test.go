package gateway

import (
	"context"
	"errors"
	"testing"
)

func TestFake_PayoutIdempotentByKey(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	first, err := f.Payout(ctx, "acct_1", 9000, "USD", "pay_abc")
	if err != nil {
		t.Fatalf("Payout: %v", err)
	}

	// Same key: same transfer, no second payout.
	second, err := f.Payout(ctx, "acct_1", 9000, "USD", "pay_abc")
	if err != nil {
		t.Fatalf("repeat Payout: %v", err)
	}
	if second != first {
		t.Errorf("repeat returned %q, want original %q", second, first)
	}
	if f.PayoutCount() != 1 {
		t.Errorf("PayoutCount = %d, want 1", f.PayoutCount())
	}

	// Different key: a new transfer.
	third, err := f.Payout(ctx, "acct_1", 9000, "USD", "pay_def")
	if err != nil {
		t.Fatalf("Payout: %v", err)
	}
	if third == first {
		t.Error("distinct keys should issue distinct transfers")
	}
	if f.PayoutCount() != 2 {
		t.Errorf("PayoutCount = %d, want 2", f.PayoutCount())
	}
}

func TestFake_FailuresBeforeSuccess(t *testing.T) {
	f := NewFake()
	f.FailuresBeforeSuccess = 2
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := f.Payout(ctx, "acct_1", 100, "USD", "pay_retry"); !errors.Is(err, ErrGateway) {
			t.Fatalf("attempt %d: %v, want ErrGateway", i+1, err)
		}
	}
	if _, err := f.Payout(ctx, "acct_1", 100, "USD", "pay_retry"); err != nil {
		t.Fatalf("attempt 3: %v, want success", err)
	}
}

func TestFake_RefundIdempotentByKey(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	first, err := f.Refund(ctx, "cap_1", 1999, "USD", "rfd_1")
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	second, err := f.Refund(ctx, "cap_1", 1999, "USD", "rfd_1")
	if err != nil {
		t.Fatalf("repeat Refund: %v", err)
	}
	if second != first {
		t.Errorf("repeat returned %q, want %q", second, first)
	}
	if len(f.Refunds) != 1 {
		t.Errorf("Refunds = %d, want 1", len(f.Refunds))
	}
}

func TestFake_CaptureIdempotentByKey(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	first, err := f.Capture(ctx, "ord_1", "ord_1")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	second, err := f.Capture(ctx, "ord_1", "ord_1")
	if err != nil {
		t.Fatalf("repeat Capture: %v", err)
	}
	if second != first {
		t.Errorf("repeat returned %q, want %q", second, first)
	}
	if len(f.Captures) != 1 {
		t.Errorf("Captures = %d, want 1", len(f.Captures))
	}
}

func TestFake_ErrorInjection(t *testing.T) {
	f := NewFake()
	f.RefundErr = ErrRejected

	if _, err := f.Refund(context.Background(), "cap_1", 100, "USD", "rfd_x"); !errors.Is(err, ErrRejected) {
		t.Fatalf("Refund = %v, want ErrRejected", err)
	}
	if len(f.Refunds) != 0 {
		t.Error("failed refund must not be recorded")
	}
}
