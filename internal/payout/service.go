package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/keyforge/marketpay/internal/gateway"
	"github.com/keyforge/marketpay/internal/idgen"
	"github.com/keyforge/marketpay/internal/metrics"
	"github.com/keyforge/marketpay/internal/money"
	"github.com/keyforge/marketpay/internal/notify"
	"github.com/keyforge/marketpay/internal/retry"
	"github.com/keyforge/marketpay/internal/revenue"
	"github.com/keyforge/marketpay/internal/wallet"
)

// WalletLedger is the internal wallet fallback for sellers without a gateway
// destination. *wallet.Ledger satisfies it.
type WalletLedger interface {
	Credit(ctx context.Context, userID string, amount float64, description string, meta wallet.Meta) (*wallet.Transaction, error)
}

// Policy holds the tunable knobs of the payout engine.
type Policy struct {
	HoldPeriod     time.Duration // delay between order settlement and eligibility
	MaxAttempts    int           // total release attempts before a payout fails
	CommissionRate float64       // platform commission applied at settlement
	HandlingFee    float64       // flat per-order handling fee
	Currency       string
	StaleAfter     time.Duration // processing rows older than this are reclaimed
}

// ScheduleRequest carries the settlement figures for a new payout.
type ScheduleRequest struct {
	OrderID     string  `json:"orderId" binding:"required"`
	SellerID    string  `json:"sellerId" binding:"required"`
	Subtotal    float64 `json:"subtotal" binding:"required"`
	HandlingFee float64 `json:"handlingFee"`
	CompletedAt time.Time
}

// Service schedules payouts at settlement and releases them once eligible.
type Service struct {
	store    Store
	sellers  SellerStore
	provider gateway.Provider
	wallet   WalletLedger
	notifier notify.Notifier
	policy   Policy
	logger   *slog.Logger

	running atomic.Bool // single-flight guard for scheduler runs
}

// NewService creates a payout service.
func NewService(store Store, sellers SellerStore, ledger WalletLedger, policy Policy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 5
	}
	if policy.StaleAfter <= 0 {
		policy.StaleAfter = 15 * time.Minute
	}
	if policy.Currency == "" {
		policy.Currency = "USD"
	}
	return &Service{
		store:    store,
		sellers:  sellers,
		wallet:   ledger,
		notifier: notify.Noop{},
		policy:   policy,
		logger:   logger,
	}
}

// WithProvider adds a payment gateway for transfers to connected accounts.
func (s *Service) WithProvider(p gateway.Provider) *Service {
	s.provider = p
	return s
}

// WithNotifier adds a fire-and-forget event notifier.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.notifier = n
	return s
}

// Schedule creates the payout row for a settled order. The revenue split is
// computed once, here, and frozen; eligibility starts after the hold period.
func (s *Service) Schedule(ctx context.Context, req ScheduleRequest) (*Payout, error) {
	if req.Subtotal <= 0 {
		return nil, money.ErrInvalidAmount
	}
	if existing, err := s.store.GetByOrder(ctx, req.OrderID); err == nil && existing != nil {
		return nil, ErrDuplicateSchedule
	}

	split := revenue.Compute(req.Subtotal, req.HandlingFee, s.policy.CommissionRate)

	completedAt := req.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now()
	}
	now := time.Now()

	p := &Payout{
		ID:             idgen.WithPrefix("pay_"),
		OrderID:        req.OrderID,
		SellerID:       req.SellerID,
		Subtotal:       money.Round2(req.Subtotal),
		HandlingFee:    money.Round2(req.HandlingFee),
		CommissionRate: money.NormalizeRate(s.policy.CommissionRate),
		Commission:     split.Commission,
		SellerEarning:  split.SellerEarning,
		AdminEarning:   split.AdminEarning,
		TotalPaid:      split.TotalPaid,
		Currency:       s.policy.Currency,
		Status:         StatusPending,
		EligibleAt:     completedAt.Add(s.policy.HoldPeriod),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.store.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to schedule payout: %w", err)
	}

	s.logger.Info("payout scheduled",
		"payoutId", p.ID, "orderId", p.OrderID, "sellerId", p.SellerID,
		"sellerEarning", p.SellerEarning, "eligibleAt", p.EligibleAt)
	return p, nil
}

// RunResult summarizes one scheduler pass.
type RunResult struct {
	JobID     string `json:"jobId"`
	Due       int    `json:"due"`
	Released  int    `json:"released"`
	Failed    int    `json:"failed"`
	Blocked   int    `json:"blocked"`
	Reclaimed int    `json:"reclaimed"`
}

// Run executes one scheduler pass. Only one pass runs at a time per process;
// concurrent callers get ErrRunInProgress. Each payout is processed
// independently so a single failure never aborts the batch.
func (s *Service) Run(ctx context.Context) (*RunResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer s.running.Store(false)

	started := time.Now()
	defer func() {
		metrics.PayoutRunDuration.Observe(time.Since(started).Seconds())
	}()

	result := &RunResult{JobID: idgen.WithPrefix("job_")}

	reclaimed, err := s.store.ReclaimStale(ctx, time.Now().Add(-s.policy.StaleAfter))
	if err != nil {
		s.logger.Warn("failed to reclaim stale payouts", "error", err)
	}
	result.Reclaimed = reclaimed

	due, err := s.store.ListDue(ctx, time.Now(), 500)
	if err != nil {
		return nil, fmt.Errorf("failed to list due payouts: %w", err)
	}
	result.Due = len(due)

	for _, p := range due {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		switch s.processOne(ctx, p) {
		case StatusReleased:
			result.Released++
		case StatusBlocked:
			result.Blocked++
		case StatusFailed:
			result.Failed++
		}
	}

	s.logger.Info("payout run finished",
		"jobId", result.JobID, "due", result.Due, "released", result.Released,
		"failed", result.Failed, "blocked", result.Blocked, "reclaimed", result.Reclaimed)
	return result, nil
}

// processOne releases a single due payout and returns its resulting status.
// An empty status means the payout was skipped (lost claim, transient error).
func (s *Service) processOne(ctx context.Context, p *Payout) Status {
	won, err := s.store.Claim(ctx, p.ID, time.Now())
	if err != nil {
		s.logger.Warn("failed to claim payout", "payoutId", p.ID, "error", err)
		return ""
	}
	if !won {
		// Another scheduler instance got there first.
		return ""
	}

	// Re-read after the claim so we work on the current figures.
	p, err = s.store.Get(ctx, p.ID)
	if err != nil {
		s.logger.Warn("failed to reload claimed payout", "payoutId", p.ID, "error", err)
		return ""
	}

	seller, err := s.sellers.GetSeller(ctx, p.SellerID)
	if err != nil {
		s.logger.Warn("failed to load seller for payout", "payoutId", p.ID, "error", err)
		s.requeue(ctx, p, "seller lookup failed: "+err.Error())
		return ""
	}
	if !seller.Verified {
		return s.block(ctx, p)
	}

	s.verifySplit(p)

	transferID, err := s.deliver(ctx, p, seller)
	if err != nil {
		return s.recordFailure(ctx, p, err)
	}

	now := time.Now()
	p.Status = StatusReleased
	p.TransferID = transferID
	p.ReleasedAt = &now
	p.UpdatedAt = now
	if err := s.store.Update(ctx, p); err != nil {
		// Money moved; the idempotency key makes a later re-release a no-op.
		s.logger.Error("CRITICAL: payout delivered but status update failed",
			"payoutId", p.ID, "transferId", transferID, "error", err)
		return ""
	}

	metrics.PayoutsReleasedTotal.Inc()
	s.notifier.PayoutProcessed(p.ID, p.SellerID, string(StatusReleased), p.SellerEarning)
	s.logger.Info("payout released",
		"payoutId", p.ID, "sellerId", p.SellerID,
		"amount", p.SellerEarning, "transferId", transferID)
	return StatusReleased
}

// verifySplit recomputes the revenue split from the frozen inputs and logs a
// mismatch. The stored figures stay authoritative: rounding rules may have
// changed since settlement, and re-deriving money at release time would make
// payouts non-deterministic.
func (s *Service) verifySplit(p *Payout) {
	expected := revenue.Compute(p.Subtotal, p.HandlingFee, p.CommissionRate)
	stored := revenue.Split{
		Commission:    p.Commission,
		SellerEarning: p.SellerEarning,
		AdminEarning:  p.AdminEarning,
		TotalPaid:     p.TotalPaid,
	}
	if !stored.Matches(expected) {
		metrics.PayoutSplitMismatchTotal.Inc()
		s.logger.Warn("payout split mismatch, stored figures win",
			"payoutId", p.ID,
			"storedSellerEarning", stored.SellerEarning,
			"recomputedSellerEarning", expected.SellerEarning)
	}
}

// deliver moves the seller earning: gateway transfer when the seller has a
// connected destination, internal wallet credit otherwise. The payout ID is
// the idempotency key, so a crashed attempt never pays twice.
func (s *Service) deliver(ctx context.Context, p *Payout, seller *SellerInfo) (string, error) {
	amount := money.FromFloat(p.SellerEarning)

	if seller.Destination != "" && s.provider != nil {
		var transferID string
		err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
			id, err := s.provider.Payout(ctx, seller.Destination, int64(amount), p.Currency, p.ID)
			if err != nil {
				if errors.Is(err, gateway.ErrRejected) {
					return retry.Permanent(err)
				}
				return err
			}
			transferID = id
			return nil
		})
		if err != nil {
			return "", err
		}
		return transferID, nil
	}

	if s.wallet == nil {
		return "", fmt.Errorf("%w: no destination and no wallet configured", gateway.ErrRejected)
	}
	tx, err := s.wallet.Credit(ctx, p.SellerID, p.SellerEarning,
		fmt.Sprintf("payout for order %s", p.OrderID), wallet.Meta{OrderID: p.OrderID})
	if err != nil {
		return "", err
	}
	return tx.ID, nil
}

// recordFailure routes a delivery error: hard rejections fail immediately,
// transient errors requeue until the attempt budget runs out.
func (s *Service) recordFailure(ctx context.Context, p *Payout, deliverErr error) Status {
	p.Attempts++

	if errors.Is(deliverErr, gateway.ErrRejected) || p.Attempts >= s.policy.MaxAttempts {
		now := time.Now()
		p.Status = StatusFailed
		p.FailureReason = deliverErr.Error()
		p.UpdatedAt = now
		if err := s.store.Update(ctx, p); err != nil {
			s.logger.Warn("failed to persist payout failure", "payoutId", p.ID, "error", err)
			return ""
		}
		metrics.PayoutsFailedTotal.Inc()
		s.notifier.PayoutProcessed(p.ID, p.SellerID, string(StatusFailed), 0)
		s.logger.Warn("payout failed",
			"payoutId", p.ID, "attempts", p.Attempts, "error", deliverErr)
		return StatusFailed
	}

	s.requeue(ctx, p, deliverErr.Error())
	return ""
}

// requeue returns a claimed payout to pending for the next run.
func (s *Service) requeue(ctx context.Context, p *Payout, reason string) {
	p.Status = StatusPending
	p.FailureReason = reason
	p.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, p); err != nil {
		s.logger.Warn("failed to requeue payout", "payoutId", p.ID, "error", err)
	}
}

// block parks a payout for an unverified seller. Verification later moves it
// back to pending via Unblock.
func (s *Service) block(ctx context.Context, p *Payout) Status {
	p.Status = StatusBlocked
	p.FailureReason = "seller is not verified for payouts"
	p.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, p); err != nil {
		s.logger.Warn("failed to block payout", "payoutId", p.ID, "error", err)
		return ""
	}
	s.logger.Info("payout blocked, seller unverified", "payoutId", p.ID, "sellerId", p.SellerID)
	return StatusBlocked
}

// Hold freezes a pending payout.
func (s *Service) Hold(ctx context.Context, id, reason string) (*Payout, error) {
	return s.moveStatus(ctx, id, StatusPending, StatusHold, reason)
}

// ReleaseHold returns a held or blocked payout to the pending queue.
func (s *Service) ReleaseHold(ctx context.Context, id string) (*Payout, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusHold && p.Status != StatusBlocked {
		return nil, ErrInvalidStatus
	}
	p.Status = StatusPending
	p.FailureReason = ""
	p.Attempts = 0
	p.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info("payout returned to queue", "payoutId", p.ID)
	return p, nil
}

func (s *Service) moveStatus(ctx context.Context, id string, from, to Status, reason string) (*Payout, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != from {
		return nil, ErrInvalidStatus
	}
	p.Status = to
	p.FailureReason = reason
	p.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info("payout status changed", "payoutId", p.ID, "from", from, "to", to)
	return p, nil
}

// Get returns a payout by ID.
func (s *Service) Get(ctx context.Context, id string) (*Payout, error) {
	return s.store.Get(ctx, id)
}

// ListBySeller returns a seller's payouts, newest first.
func (s *Service) ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Payout, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListBySeller(ctx, sellerID, limit)
}

// ListByStatus returns payouts in one status.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Payout, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListByStatus(ctx, status, limit)
}
