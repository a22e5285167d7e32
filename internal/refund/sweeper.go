package refund

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Sweeper periodically escalates refunds whose seller review deadline passed
// and retries refunds parked on insufficient seller funds.
type Sweeper struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a refund sweeper.
func NewSweeper(service *Service, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in refund sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.Sweep(ctx)
}

// Sweep runs one pass. Exposed for the admin trigger endpoint.
func (s *Sweeper) Sweep(ctx context.Context) {
	n, err := s.service.EscalateStale(ctx)
	if err != nil {
		s.logger.Warn("failed to escalate stale seller reviews", "error", err)
	} else if n > 0 {
		s.logger.Info("escalated stale seller reviews", "count", n)
	}

	s.retryHeld(ctx)
}

// retryHeld re-attempts wallet refunds that were parked when the seller
// balance could not cover them. Each retry is independent.
func (s *Sweeper) retryHeld(ctx context.Context) {
	held, err := s.service.store.ListByStatus(ctx, StatusOnHold, 100)
	if err != nil {
		s.logger.Warn("failed to list held refunds", "error", err)
		return
	}

	for _, r := range held {
		updated, err := s.service.RetryHeld(ctx, r.ID)
		if err != nil {
			// Still uncovered; nothing to log beyond debug noise.
			s.logger.Debug("held refund still uncovered", "refundId", r.ID, "error", err)
			continue
		}
		if updated.Status == StatusCompleted {
			s.logger.Info("held refund completed after funds arrived", "refundId", r.ID)
		}
	}
}
