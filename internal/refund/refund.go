// Package refund implements the refund-request state machine.
//
// Flow:
//  1. Buyer submits a claim → SELLER_REVIEW (seller notified)
//  2. Seller approves or rejects → advisory only, escalates to ADMIN_REVIEW
//  3. Seller silence past the review deadline → forced escalation
//  4. Admin decision is binding: reject terminates, approve moves money
//  5. WALLET refunds complete instantly; ORIGINAL_PAYMENT/MANUAL wait for an
//     external reference; an uncovered seller balance parks the request in
//     ON_HOLD_INSUFFICIENT_FUNDS until funds arrive or admin reroutes.
package refund

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound           = errors.New("refund request not found")
	ErrNotAuthorized      = errors.New("not authorized for this refund operation")
	ErrInvalidTransition  = errors.New("invalid refund status for this operation")
	ErrAlreadyResolved    = errors.New("refund request already resolved")
	ErrStaleState         = errors.New("refund request was modified concurrently, re-fetch and retry")
	ErrWindowClosed       = errors.New("refund window has closed for this order")
	ErrOrderNotCompleted  = errors.New("order is not completed")
	ErrUnknownLicenseKey  = errors.New("license key does not belong to this order")
	ErrUnknownStatus      = errors.New("unknown refund status")
	ErrUnknownMethod      = errors.New("unknown refund method")
)

// Status is the full lifecycle position of a refund request.
type Status string

const (
	StatusPending          Status = "PENDING"
	StatusSellerReview     Status = "SELLER_REVIEW"
	StatusSellerApproved   Status = "SELLER_APPROVED"
	StatusSellerRejected   Status = "SELLER_REJECTED"
	StatusAdminReview      Status = "ADMIN_REVIEW"
	StatusAdminApproved    Status = "ADMIN_APPROVED"
	StatusAdminRejected    Status = "ADMIN_REJECTED"
	StatusCompleted        Status = "COMPLETED"
	StatusOnHold           Status = "ON_HOLD_INSUFFICIENT_FUNDS"
	StatusWaitingForManual Status = "WAITING_FOR_MANUAL_REFUND"
)

// IsTerminal returns true if the refund is in a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusAdminRejected:
		return true
	}
	return false
}

// legacyStatuses maps the pre-workflow lowercase status family onto the
// canonical values. Under the legacy schema only admins decided refunds, so
// "approved"/"rejected" were admin decisions.
var legacyStatuses = map[string]Status{
	"pending":   StatusPending,
	"approved":  StatusAdminApproved,
	"rejected":  StatusAdminRejected,
	"completed": StatusCompleted,
}

// ParseStatus normalizes a stored status string, accepting both the canonical
// uppercase values and the legacy lowercase family. Business logic only ever
// sees canonical values.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusSellerReview, StatusSellerApproved, StatusSellerRejected,
		StatusAdminReview, StatusAdminApproved, StatusAdminRejected,
		StatusCompleted, StatusOnHold, StatusWaitingForManual:
		return st, nil
	}
	if st, ok := legacyStatuses[strings.ToLower(s)]; ok {
		return st, nil
	}
	return "", ErrUnknownStatus
}

// Stage indicates whose desk a non-terminal request is on.
type Stage string

const (
	StageSellerReview Stage = "SELLER_REVIEW"
	StageAdminReview  Stage = "ADMIN_REVIEW"
)

// Method fixes how a refund reaches COMPLETED.
type Method string

const (
	MethodWallet          Method = "WALLET"           // instant internal wallet credit
	MethodOriginalPayment Method = "ORIGINAL_PAYMENT" // gateway refund to original payment
	MethodManual          Method = "MANUAL"           // admin-recorded external refund
)

// ParseMethod validates a refund method string.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToUpper(strings.TrimSpace(s))); m {
	case MethodWallet, MethodOriginalPayment, MethodManual:
		return m, nil
	}
	return "", ErrUnknownMethod
}

// HistoryEntry is one immutable audit record. History is append-only: it is
// the only durable record of why a transition occurred.
type HistoryEntry struct {
	Actor          string    `json:"actor"`
	Action         string    `json:"action"`
	PreviousStatus Status    `json:"previousStatus"`
	NewStatus      Status    `json:"newStatus"`
	Notes          string    `json:"notes,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Request is a buyer's refund claim for (part of) an order.
type Request struct {
	ID        string `json:"id"`
	OrderID   string `json:"orderId"`
	ProductID string `json:"productId"`
	BuyerID   string `json:"buyerId"`
	SellerID  string `json:"sellerId"`

	Status Status `json:"status"`
	Stage  Stage  `json:"currentStage"`
	Method Method `json:"refundMethod"`

	Reason        string   `json:"reason"`
	Evidence      []string `json:"evidence,omitempty"`
	LicenseKeyIDs []string `json:"licenseKeyIds,omitempty"`

	// RequestedAmount is fixed at creation from the refunded keys (or the
	// order total). RefundAmount is set if and only if status is COMPLETED.
	RequestedAmount     float64    `json:"requestedAmount"`
	RefundAmount        *float64   `json:"refundAmount,omitempty"`
	RefundTransactionID string     `json:"refundTransactionId,omitempty"`
	RefundedAt          *time.Time `json:"refundedAt,omitempty"`

	SellerReviewStartedAt *time.Time `json:"sellerReviewStartedAt,omitempty"`
	SellerRespondedAt     *time.Time `json:"sellerRespondedAt,omitempty"`

	History []HistoryEntry `json:"refundHistory"`

	// Version guards against concurrent conflicting decisions: stores reject
	// updates carrying a stale version with ErrStaleState.
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists refund requests. Update must compare-and-swap on Version:
// a stale version fails with ErrStaleState and newEntries must only be
// appended (never rewritten) on success.
type Store interface {
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	Update(ctx context.Context, r *Request, newEntries ...HistoryEntry) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Request, error)
	ListByStage(ctx context.Context, stage Stage, offset, limit int) ([]*Request, error)
	ListStaleSellerReview(ctx context.Context, before time.Time, limit int) ([]*Request, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Request, error)
}

// OrderInfo is what the refund engine needs to know about an order.
type OrderInfo struct {
	ID          string
	BuyerID     string
	SellerID    string
	ProductID   string
	Total       float64
	Status      string
	CaptureID   string // payment-gateway capture reference
	CompletedAt *time.Time
}

// OrderStore is the external order collaborator.
type OrderStore interface {
	GetOrder(ctx context.Context, orderID string) (*OrderInfo, error)
	MarkRefunded(ctx context.Context, orderID, refundID string) error
}

// LicenseKey is a purchased key eligible for partial refund.
type LicenseKey struct {
	ID      string
	OrderID string
	Price   float64
	Revoked bool
}

// LicenseKeyStore is the external license-key collaborator.
type LicenseKeyStore interface {
	GetKeys(ctx context.Context, ids []string) ([]LicenseKey, error)
	MarkRevoked(ctx context.Context, ids []string, refundID string) error
}
