package ratelimit

import (
	"testing"
	"time"
)

func newTestLimiter(perMinute, burst int) *Limiter {
	return New(Config{
		RequestsPerMinute: perMinute,
		BurstSize:         burst,
		CleanupInterval:   time.Minute,
	})
}

func TestAllow_BurstThenDeny(t *testing.T) {
	l := newTestLimiter(60, 5)
	defer l.Stop()

	for i := 0; i < 5; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("request %d within burst should be allowed", i)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Error("request beyond burst should be denied")
	}
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	l := newTestLimiter(60, 3)
	defer l.Stop()

	for i := 0; i < 3; i++ {
		l.Allow("buyer-ip")
	}
	if l.Allow("buyer-ip") {
		t.Error("exhausted key should be denied")
	}
	if !l.Allow("seller-ip") {
		t.Error("a fresh key must not be affected by another key's bucket")
	}
}

func TestAllow_TokensRefillOverTime(t *testing.T) {
	l := newTestLimiter(600, 1) // 10 tokens per second
	defer l.Stop()

	if !l.Allow("k") {
		t.Fatal("first request should be allowed")
	}
	if l.Allow("k") {
		t.Fatal("second immediate request should be denied")
	}

	time.Sleep(110 * time.Millisecond)

	if !l.Allow("k") {
		t.Error("request after refill window should be allowed")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RequestsPerMinute != 60 || cfg.BurstSize != 10 {
		t.Errorf("defaults = %d/min burst %d, want 60/min burst 10",
			cfg.RequestsPerMinute, cfg.BurstSize)
	}
	if cfg.CleanupInterval != time.Minute {
		t.Errorf("CleanupInterval = %v, want 1m", cfg.CleanupInterval)
	}
}
