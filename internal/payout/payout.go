// Package payout schedules and releases seller earnings after the hold
// period that shields the platform from refund exposure.
//
// A payout row is created when an order settles, carrying the revenue-split
// figures frozen at settlement time. The scheduler releases rows whose hold
// period has elapsed, one at a time, so one seller's failure never blocks
// another's money.
package payout

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("payout not found")
	ErrDuplicateSchedule = errors.New("payout already scheduled for this order")
	ErrInvalidStatus     = errors.New("payout is not in a status that allows this operation")
	ErrRunInProgress     = errors.New("a payout run is already in progress")
	ErrUnknownStatus     = errors.New("unknown payout status")
)

// Status is the lifecycle position of a payout.
type Status string

const (
	StatusPending    Status = "pending"    // waiting for the hold period or a retry slot
	StatusProcessing Status = "processing" // claimed by a scheduler run
	StatusReleased   Status = "released"   // funds delivered, terminal
	StatusHold       Status = "hold"       // frozen by an admin
	StatusBlocked    Status = "blocked"    // seller not verified for payouts
	StatusFailed     Status = "failed"     // attempts exhausted or hard-rejected, terminal
)

// ParseStatus validates a payout status string.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusProcessing, StatusReleased,
		StatusHold, StatusBlocked, StatusFailed:
		return st, nil
	}
	return "", ErrUnknownStatus
}

// Payout is one seller's earnings from one order, awaiting release.
type Payout struct {
	ID       string `json:"id"`
	OrderID  string `json:"orderId"`
	SellerID string `json:"sellerId"`

	// Inputs to the revenue split, frozen at settlement time.
	Subtotal       float64 `json:"subtotal"`
	HandlingFee    float64 `json:"handlingFee"`
	CommissionRate float64 `json:"commissionRate"`

	// Split figures, also frozen. The scheduler recomputes the split before
	// release and logs any divergence; the stored figures stay authoritative.
	Commission    float64 `json:"commission"`
	SellerEarning float64 `json:"sellerEarning"`
	AdminEarning  float64 `json:"adminEarning"`
	TotalPaid     float64 `json:"totalPaid"`

	Currency string `json:"currency"`
	Status   Status `json:"status"`

	Attempts      int    `json:"attempts"`
	TransferID    string `json:"transferId,omitempty"` // gateway transfer or wallet transaction ID
	FailureReason string `json:"failureReason,omitempty"`

	EligibleAt   time.Time  `json:"eligibleAt"`
	ProcessingAt *time.Time `json:"processingAt,omitempty"`
	ReleasedAt   *time.Time `json:"releasedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists payouts. Claim is the concurrency gate: it atomically moves
// a payout from pending to processing and reports whether this caller won.
type Store interface {
	Create(ctx context.Context, p *Payout) error
	Get(ctx context.Context, id string) (*Payout, error)
	GetByOrder(ctx context.Context, orderID string) (*Payout, error)
	Update(ctx context.Context, p *Payout) error
	Claim(ctx context.Context, id string, at time.Time) (bool, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Payout, error)
	ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Payout, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Payout, error)
	// ReclaimStale returns payouts stuck in processing since before the
	// cutoff to pending. Safe because gateway calls are idempotent by
	// payout ID.
	ReclaimStale(ctx context.Context, before time.Time) (int, error)
}

// SellerInfo is what the payout engine needs to know about a seller.
type SellerInfo struct {
	ID          string
	Verified    bool
	Destination string // gateway destination account; empty means wallet credit
}

// SellerStore is the external seller-profile collaborator.
type SellerStore interface {
	GetSeller(ctx context.Context, sellerID string) (*SellerInfo, error)
}
