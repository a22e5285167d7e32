package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestDo_FirstAttemptSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, 10*time.Millisecond, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDo_RecoversAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 4, 5*time.Millisecond, func() error {
		calls++
		if calls <= 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDo_ReturnsLastErrorWhenExhausted(t *testing.T) {
	sentinel := errors.New("still down")
	calls := 0
	err := Do(context.Background(), 3, 5*time.Millisecond, func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want sentinel", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want the full attempt budget", calls)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	sentinel := errors.New("declined")
	calls := 0
	err := Do(context.Background(), 5, 5*time.Millisecond, func() error {
		calls++
		return Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want unwrapped sentinel", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 for a permanent error", calls)
	}
}

func TestDo_CancelledContextAbortsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, 10, 100*time.Millisecond, func() error {
		calls.Add(1)
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if c := calls.Load(); c > 3 {
		t.Fatalf("calls = %d, cancellation should cut the loop short", c)
	}
}

func TestDo_NonPositiveAttemptsMeansOne(t *testing.T) {
	for _, attempts := range []int{0, -1} {
		calls := 0
		if err := Do(context.Background(), attempts, time.Millisecond, func() error {
			calls++
			return nil
		}); err != nil {
			t.Fatalf("Do(%d attempts): %v", attempts, err)
		}
		if calls != 1 {
			t.Fatalf("Do(%d attempts) calls = %d, want 1", attempts, calls)
		}
	}
}

func TestDo_WaitsBetweenAttempts(t *testing.T) {
	started := time.Now()
	attempts := 0
	err := Do(context.Background(), 3, 20*time.Millisecond, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("fail")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	// Two sleeps of roughly 20ms and 40ms with +-25% jitter.
	if elapsed := time.Since(started); elapsed < 30*time.Millisecond {
		t.Errorf("elapsed = %v, backoff looks skipped", elapsed)
	}
}

func TestPermanent_Unwraps(t *testing.T) {
	inner := errors.New("inner")
	wrapped := Permanent(inner)
	if !errors.Is(wrapped, inner) {
		t.Fatal("Permanent should unwrap to the inner error")
	}
	if wrapped.Error() != "inner" {
		t.Errorf("Error() = %q, want inner message", wrapped.Error())
	}
}
