package refund

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/keyforge/marketpay/internal/gateway"
	"github.com/keyforge/marketpay/internal/idgen"
	"github.com/keyforge/marketpay/internal/metrics"
	"github.com/keyforge/marketpay/internal/money"
	"github.com/keyforge/marketpay/internal/notify"
	"github.com/keyforge/marketpay/internal/wallet"
)

// WalletLedger abstracts the wallet so the state machine can be tested
// against a mock. *wallet.Ledger satisfies it directly.
type WalletLedger interface {
	Credit(ctx context.Context, userID string, amount float64, description string, meta wallet.Meta) (*wallet.Transaction, error)
	Debit(ctx context.Context, userID string, amount float64, description string, meta wallet.Meta) (*wallet.Transaction, error)
	HasRefundCredit(ctx context.Context, refundID string) (bool, error)
}

// Policy holds the tunable deadlines of the state machine.
type Policy struct {
	RefundWindow        time.Duration // how long after order completion a claim may be filed
	SellerReviewTimeout time.Duration // seller silence past this forces admin escalation
}

// CreateRequest contains the parameters for filing a refund claim.
type CreateRequest struct {
	OrderID       string   `json:"orderId" binding:"required"`
	ProductID     string   `json:"productId"`
	BuyerID       string   `json:"buyerId" binding:"required"`
	Reason        string   `json:"reason" binding:"required"`
	Evidence      []string `json:"evidence"`
	LicenseKeyIDs []string `json:"licenseKeyIds"`
	Method        string   `json:"refundMethod"`
}

// Service implements the refund state machine.
type Service struct {
	store    Store
	orders   OrderStore
	keys     LicenseKeyStore
	wallet   WalletLedger
	provider gateway.Provider
	notifier notify.Notifier
	policy   Policy
	logger   *slog.Logger
	locks    sync.Map // per-refund ID locks to serialize in-process transitions
}

// NewService creates a refund service.
func NewService(store Store, orders OrderStore, keys LicenseKeyStore, ledger WalletLedger, policy Policy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		orders:   orders,
		keys:     keys,
		wallet:   ledger,
		notifier: notify.Noop{},
		policy:   policy,
		logger:   logger,
	}
}

// WithProvider adds a payment gateway for ORIGINAL_PAYMENT refunds.
func (s *Service) WithProvider(p gateway.Provider) *Service {
	s.provider = p
	return s
}

// WithNotifier adds a fire-and-forget event notifier.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.notifier = n
	return s
}

// refundLock returns a mutex for the given refund ID.
// This prevents concurrent state transitions (e.g. admin decision racing the
// escalation sweep). Cross-process writers are caught by the version CAS.
func (s *Service) refundLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Create files a new refund claim. The order must be completed and still
// inside the refund window; license keys, when given, scope the claim to a
// partial refund of exactly those keys.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Request, error) {
	order, err := s.orders.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	if order.CompletedAt == nil {
		return nil, ErrOrderNotCompleted
	}
	if time.Since(*order.CompletedAt) > s.policy.RefundWindow {
		return nil, ErrWindowClosed
	}
	if req.BuyerID != order.BuyerID {
		return nil, ErrNotAuthorized
	}

	method := MethodWallet
	if req.Method != "" {
		method, err = ParseMethod(req.Method)
		if err != nil {
			return nil, err
		}
	}

	amount := order.Total
	if len(req.LicenseKeyIDs) > 0 {
		keys, err := s.keys.GetKeys(ctx, req.LicenseKeyIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to load license keys: %w", err)
		}
		if len(keys) != len(req.LicenseKeyIDs) {
			return nil, ErrUnknownLicenseKey
		}
		amount = 0
		for _, k := range keys {
			if k.OrderID != order.ID {
				return nil, ErrUnknownLicenseKey
			}
			amount += k.Price
		}
	}

	now := time.Now()
	productID := req.ProductID
	if productID == "" {
		productID = order.ProductID
	}
	r := &Request{
		ID:                    idgen.WithPrefix("rfd_"),
		OrderID:               order.ID,
		ProductID:             productID,
		BuyerID:               order.BuyerID,
		SellerID:              order.SellerID,
		Status:                StatusSellerReview,
		Stage:                 StageSellerReview,
		Method:                method,
		Reason:                req.Reason,
		Evidence:              req.Evidence,
		LicenseKeyIDs:         req.LicenseKeyIDs,
		RequestedAmount:       money.Round2(amount),
		SellerReviewStartedAt: &now,
		History: []HistoryEntry{{
			Actor:          order.BuyerID,
			Action:         "refund_requested",
			PreviousStatus: StatusPending,
			NewStatus:      StatusSellerReview,
			Notes:          req.Reason,
			Timestamp:      now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to create refund request: %w", err)
	}
	metrics.RefundTransitionsTotal.WithLabelValues(string(StatusSellerReview)).Inc()

	s.logger.Info("refund requested",
		"refundId", r.ID, "orderId", r.OrderID, "buyerId", r.BuyerID,
		"sellerId", r.SellerID, "amount", r.RequestedAmount)
	return r, nil
}

// SellerDecide records the seller's advisory decision and escalates the
// request to admin review. Only the admin decision moves money.
func (s *Service) SellerDecide(ctx context.Context, id, actorID string, approve bool, reason string) (*Request, error) {
	mu := s.refundLock(id)
	mu.Lock()
	defer mu.Unlock()

	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != r.SellerID {
		return nil, ErrNotAuthorized
	}
	if r.Status.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if r.Status != StatusSellerReview {
		return nil, ErrInvalidTransition
	}

	now := time.Now()
	decision := StatusSellerApproved
	action := "seller_approved"
	if !approve {
		decision = StatusSellerRejected
		action = "seller_rejected"
	}

	entries := []HistoryEntry{
		{
			Actor:          actorID,
			Action:         action,
			PreviousStatus: StatusSellerReview,
			NewStatus:      decision,
			Notes:          reason,
			Timestamp:      now,
		},
		{
			Actor:          "system",
			Action:         "escalated_to_admin",
			PreviousStatus: decision,
			NewStatus:      StatusAdminReview,
			Notes:          "admin decision is binding",
			Timestamp:      now,
		},
	}

	r.Status = StatusAdminReview
	r.Stage = StageAdminReview
	r.SellerRespondedAt = &now
	r.UpdatedAt = now

	if err := s.store.Update(ctx, r, entries...); err != nil {
		return nil, err
	}
	metrics.RefundTransitionsTotal.WithLabelValues(string(decision)).Inc()
	metrics.RefundTransitionsTotal.WithLabelValues(string(StatusAdminReview)).Inc()

	s.logger.Info("seller decided refund", "refundId", r.ID, "decision", action)
	return r, nil
}

// AdminDecide records the binding admin decision. Approval triggers the
// money movement appropriate for the refund method; rejection is terminal.
func (s *Service) AdminDecide(ctx context.Context, id, actorID string, approve bool, method, notes string) (*Request, error) {
	mu := s.refundLock(id)
	mu.Lock()
	defer mu.Unlock()

	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if r.Status != StatusAdminReview {
		return nil, ErrInvalidTransition
	}

	now := time.Now()

	if !approve {
		r.Status = StatusAdminRejected
		r.UpdatedAt = now
		entry := HistoryEntry{
			Actor:          actorID,
			Action:         "admin_rejected",
			PreviousStatus: StatusAdminReview,
			NewStatus:      StatusAdminRejected,
			Notes:          notes,
			Timestamp:      now,
		}
		if err := s.store.Update(ctx, r, entry); err != nil {
			return nil, err
		}
		metrics.RefundTransitionsTotal.WithLabelValues(string(StatusAdminRejected)).Inc()
		s.notifier.RefundResolved(r.ID, r.BuyerID, r.SellerID, string(r.Status), 0)
		s.logger.Info("refund rejected by admin", "refundId", r.ID)
		return r, nil
	}

	if method != "" {
		m, err := ParseMethod(method)
		if err != nil {
			return nil, err
		}
		r.Method = m
	}

	entries := []HistoryEntry{{
		Actor:          actorID,
		Action:         "admin_approved",
		PreviousStatus: StatusAdminReview,
		NewStatus:      StatusAdminApproved,
		Notes:          notes,
		Timestamp:      now,
	}}
	r.Status = StatusAdminApproved
	r.UpdatedAt = now
	metrics.RefundTransitionsTotal.WithLabelValues(string(StatusAdminApproved)).Inc()

	switch r.Method {
	case MethodWallet:
		return s.completeWalletRefund(ctx, r, actorID, entries)
	case MethodOriginalPayment:
		return s.startGatewayRefund(ctx, r, actorID, entries)
	default: // MethodManual
		entries = append(entries, HistoryEntry{
			Actor:          actorID,
			Action:         "awaiting_manual_refund",
			PreviousStatus: StatusAdminApproved,
			NewStatus:      StatusWaitingForManual,
			Timestamp:      now,
		})
		r.Status = StatusWaitingForManual
		if err := s.store.Update(ctx, r, entries...); err != nil {
			return nil, err
		}
		metrics.RefundTransitionsTotal.WithLabelValues(string(StatusWaitingForManual)).Inc()
		return r, nil
	}
}

// completeWalletRefund moves money from the seller's wallet to the buyer's.
// An uncovered seller balance parks the request ON_HOLD_INSUFFICIENT_FUNDS
// with no wallet mutation at all.
func (s *Service) completeWalletRefund(ctx context.Context, r *Request, actorID string, entries []HistoryEntry) (*Request, error) {
	now := time.Now()

	// Idempotency: a credit tagged with this refund already exists when a
	// previous attempt crashed between wallet and store writes.
	already, err := s.wallet.HasRefundCredit(ctx, r.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check refund credit: %w", err)
	}

	var txID string
	if !already {
		desc := fmt.Sprintf("refund for order %s", r.OrderID)
		meta := wallet.Meta{OrderID: r.OrderID, RefundID: r.ID}

		if _, err := s.wallet.Debit(ctx, r.SellerID, r.RequestedAmount, desc, meta); err != nil {
			if errors.Is(err, wallet.ErrInsufficientFunds) {
				entries = append(entries, HistoryEntry{
					Actor:          "system",
					Action:         "held_insufficient_funds",
					PreviousStatus: r.Status,
					NewStatus:      StatusOnHold,
					Notes:          "seller balance cannot cover refund",
					Timestamp:      now,
				})
				r.Status = StatusOnHold
				r.UpdatedAt = now
				if err := s.store.Update(ctx, r, entries...); err != nil {
					return nil, err
				}
				metrics.RefundTransitionsTotal.WithLabelValues(string(StatusOnHold)).Inc()
				s.logger.Warn("refund held, seller funds insufficient",
					"refundId", r.ID, "sellerId", r.SellerID, "amount", r.RequestedAmount)
				return r, nil
			}
			return nil, fmt.Errorf("failed to debit seller wallet: %w", err)
		}

		tx, err := s.wallet.Credit(ctx, r.BuyerID, r.RequestedAmount, desc, meta)
		if err != nil {
			// Compensate: return the debited amount to the seller.
			_, _ = s.wallet.Credit(ctx, r.SellerID, r.RequestedAmount,
				"refund reversal: buyer credit failed", wallet.Meta{OrderID: r.OrderID})
			return nil, fmt.Errorf("failed to credit buyer wallet: %w", err)
		}
		txID = tx.ID
	}

	return s.finishCompleted(ctx, r, actorID, txID, entries)
}

// startGatewayRefund marks the request waiting and fires the gateway refund.
// Gateway failure leaves the request waiting for manual completion.
func (s *Service) startGatewayRefund(ctx context.Context, r *Request, actorID string, entries []HistoryEntry) (*Request, error) {
	now := time.Now()
	entries = append(entries, HistoryEntry{
		Actor:          actorID,
		Action:         "awaiting_original_payment_refund",
		PreviousStatus: StatusAdminApproved,
		NewStatus:      StatusWaitingForManual,
		Timestamp:      now,
	})
	r.Status = StatusWaitingForManual
	r.UpdatedAt = now
	if err := s.store.Update(ctx, r, entries...); err != nil {
		return nil, err
	}
	metrics.RefundTransitionsTotal.WithLabelValues(string(StatusWaitingForManual)).Inc()

	if s.provider == nil {
		return r, nil
	}

	order, err := s.orders.GetOrder(ctx, r.OrderID)
	if err != nil || order.CaptureID == "" {
		s.logger.Warn("gateway refund skipped, no capture reference",
			"refundId", r.ID, "orderId", r.OrderID, "error", err)
		return r, nil
	}

	refID, err := s.provider.Refund(ctx, order.CaptureID,
		int64(money.FromFloat(r.RequestedAmount)), "", r.ID)
	if err != nil {
		// Status unknown or rejected; admin completes manually once the
		// provider's records are reconciled.
		s.logger.Warn("gateway refund failed, awaiting manual completion",
			"refundId", r.ID, "error", err)
		return r, nil
	}

	return s.finishCompleted(ctx, r, "system", refID, []HistoryEntry{{
		Actor:          "system",
		Action:         "gateway_refund_succeeded",
		PreviousStatus: StatusWaitingForManual,
		NewStatus:      StatusCompleted,
		Notes:          "refund " + refID,
		Timestamp:      time.Now(),
	}})
}

// finishCompleted applies the terminal COMPLETED bookkeeping: refund figures,
// license-key revocation, order flag, notification.
func (s *Service) finishCompleted(ctx context.Context, r *Request, actorID, txID string, entries []HistoryEntry) (*Request, error) {
	now := time.Now()
	amount := r.RequestedAmount

	if len(entries) == 0 || entries[len(entries)-1].NewStatus != StatusCompleted {
		entries = append(entries, HistoryEntry{
			Actor:          actorID,
			Action:         "refund_completed",
			PreviousStatus: r.Status,
			NewStatus:      StatusCompleted,
			Timestamp:      now,
		})
	}

	r.Status = StatusCompleted
	r.RefundAmount = &amount
	r.RefundTransactionID = txID
	r.RefundedAt = &now
	r.UpdatedAt = now

	if err := s.store.Update(ctx, r, entries...); err != nil {
		// Money has already moved; retry once before surfacing for manual
		// resolution (mirrors the wallet credit being idempotent by refund ID).
		if retryErr := s.store.Update(ctx, r, entries...); retryErr != nil {
			s.logger.Error("CRITICAL: refund money moved but status update failed",
				"refundId", r.ID, "error", retryErr)
			return nil, fmt.Errorf("failed to persist completed refund (requires manual resolution): %w", err)
		}
	}
	metrics.RefundTransitionsTotal.WithLabelValues(string(StatusCompleted)).Inc()

	if len(r.LicenseKeyIDs) > 0 {
		if err := s.keys.MarkRevoked(ctx, r.LicenseKeyIDs, r.ID); err != nil {
			s.logger.Warn("failed to revoke refunded license keys", "refundId", r.ID, "error", err)
		}
	}
	if err := s.orders.MarkRefunded(ctx, r.OrderID, r.ID); err != nil {
		s.logger.Warn("failed to flag order refunded", "refundId", r.ID, "orderId", r.OrderID, "error", err)
	}

	s.notifier.RefundResolved(r.ID, r.BuyerID, r.SellerID, string(StatusCompleted), amount)
	s.logger.Info("refund completed",
		"refundId", r.ID, "method", r.Method, "amount", amount, "txId", txID)
	return r, nil
}

// MarkManualRefund completes a refund that was settled outside the platform.
// Allowed from WAITING_FOR_MANUAL_REFUND, and from ON_HOLD_INSUFFICIENT_FUNDS
// when the admin reroutes a stuck wallet refund to a manual one.
func (s *Service) MarkManualRefund(ctx context.Context, id, actorID, externalRef string) (*Request, error) {
	mu := s.refundLock(id)
	mu.Lock()
	defer mu.Unlock()

	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if r.Status != StatusWaitingForManual && r.Status != StatusOnHold {
		return nil, ErrInvalidTransition
	}

	if r.Status == StatusOnHold {
		r.Method = MethodManual
	}

	return s.finishCompleted(ctx, r, actorID, externalRef, []HistoryEntry{{
		Actor:          actorID,
		Action:         "manual_refund_recorded",
		PreviousStatus: r.Status,
		NewStatus:      StatusCompleted,
		Notes:          "external reference " + externalRef,
		Timestamp:      time.Now(),
	}})
}

// RetryHeld re-attempts the wallet movement for a refund parked on
// insufficient seller funds. Returns wallet.ErrInsufficientFunds when the
// seller still cannot cover it.
func (s *Service) RetryHeld(ctx context.Context, id string) (*Request, error) {
	mu := s.refundLock(id)
	mu.Lock()
	defer mu.Unlock()

	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusOnHold {
		return nil, ErrInvalidTransition
	}

	updated, err := s.completeWalletRefund(ctx, r, "system", nil)
	if err != nil {
		return nil, err
	}
	if updated.Status == StatusOnHold {
		return updated, wallet.ErrInsufficientFunds
	}
	return updated, nil
}

// EscalateStale force-escalates refunds stuck in SELLER_REVIEW past the
// seller response deadline. Idempotent: already-escalated requests are
// untouched. Returns the number escalated.
func (s *Service) EscalateStale(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.policy.SellerReviewTimeout)
	stale, err := s.store.ListStaleSellerReview(ctx, cutoff, 100)
	if err != nil {
		return 0, err
	}

	escalated := 0
	for _, candidate := range stale {
		mu := s.refundLock(candidate.ID)
		mu.Lock()

		// Re-read under lock; a seller decision may have landed meanwhile.
		r, err := s.store.Get(ctx, candidate.ID)
		if err != nil || r.Status != StatusSellerReview {
			mu.Unlock()
			continue
		}

		now := time.Now()
		r.Status = StatusAdminReview
		r.Stage = StageAdminReview
		r.UpdatedAt = now
		entry := HistoryEntry{
			Actor:          "system",
			Action:         "seller_review_timeout",
			PreviousStatus: StatusSellerReview,
			NewStatus:      StatusAdminReview,
			Notes:          "seller did not respond within the review deadline",
			Timestamp:      now,
		}
		if err := s.store.Update(ctx, r, entry); err != nil {
			if !errors.Is(err, ErrStaleState) {
				s.logger.Warn("failed to escalate stale refund", "refundId", r.ID, "error", err)
			}
			mu.Unlock()
			continue
		}
		mu.Unlock()

		escalated++
		metrics.RefundEscalationsTotal.Inc()
		metrics.RefundTransitionsTotal.WithLabelValues(string(StatusAdminReview)).Inc()
		s.logger.Info("refund escalated to admin after seller timeout", "refundId", r.ID)
	}
	return escalated, nil
}

// Get returns a refund request by ID.
func (s *Service) Get(ctx context.Context, id string) (*Request, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns refunds where the user is buyer or seller.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Request, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// ListByStage returns the review queue for one desk. Listing the admin desk
// lazily runs the escalation sweep first, so overdue seller reviews are
// visible without waiting for the periodic sweeper.
func (s *Service) ListByStage(ctx context.Context, stage Stage, page, limit int) ([]*Request, error) {
	if stage == StageAdminReview {
		if _, err := s.EscalateStale(ctx); err != nil {
			s.logger.Warn("lazy escalation sweep failed", "error", err)
		}
	}
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	return s.store.ListByStage(ctx, stage, (page-1)*limit, limit)
}
