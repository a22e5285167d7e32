// Package wallet implements the per-user wallet ledger.
//
// Each user has one account with a non-negative balance and an append-only
// transaction log. The balance always equals the signed sum of the log:
// credits and debits update both in a single atomic step, and a debit that
// would overdraw the account fails without partial effects.
package wallet

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/keyforge/marketpay/internal/metrics"
	"github.com/keyforge/marketpay/internal/money"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrAccountNotFound   = errors.New("wallet account not found")
)

// TxType distinguishes ledger entry directions.
type TxType string

const (
	TxCredit TxType = "credit"
	TxDebit  TxType = "debit"
)

// Account is a user's wallet balance.
type Account struct {
	UserID    string    `json:"userId"`
	Balance   float64   `json:"balance"`
	Currency  string    `json:"currency"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Transaction is one immutable ledger entry.
type Transaction struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Type        TxType    `json:"type"`
	Amount      float64   `json:"amount"`
	Description string    `json:"description,omitempty"`
	OrderID     string    `json:"orderId,omitempty"`
	RefundID    string    `json:"refundId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Meta tags a transaction with the order/refund that caused it.
type Meta struct {
	OrderID  string
	RefundID string
}

// Store persists wallet data. Credit and Debit must apply the transaction
// append and the balance update atomically; Debit must reject overdrafts
// without partial effects, even under concurrent callers.
type Store interface {
	GetAccount(ctx context.Context, userID string) (*Account, error)
	Credit(ctx context.Context, userID string, amount money.Cents, description string, meta Meta) (*Transaction, error)
	Debit(ctx context.Context, userID string, amount money.Cents, description string, meta Meta) (*Transaction, error)
	ListTransactions(ctx context.Context, userID string, offset, limit int) ([]*Transaction, error)
	HasRefundCredit(ctx context.Context, refundID string) (bool, error)
}

// Ledger manages user wallet balances.
type Ledger struct {
	store    Store
	currency string
	logger   *slog.Logger
}

// New creates a wallet ledger.
func New(store Store, currency string, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, currency: currency, logger: logger}
}

// Credit adds funds to a user's wallet, creating the account if absent.
// The amount is rounded to 2 decimal places before storage.
func (l *Ledger) Credit(ctx context.Context, userID string, amount float64, description string, meta Meta) (*Transaction, error) {
	cents := money.FromFloat(amount)
	if cents <= 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := l.store.Credit(ctx, userID, cents, description, meta)
	if err != nil {
		metrics.WalletOperationsTotal.WithLabelValues("credit", "error").Inc()
		return nil, err
	}
	metrics.WalletOperationsTotal.WithLabelValues("credit", "ok").Inc()

	l.logger.Info("wallet credited",
		"userId", userID, "amount", tx.Amount, "refundId", meta.RefundID, "orderId", meta.OrderID)
	return tx, nil
}

// Debit removes funds from a user's wallet. Fails with ErrInsufficientFunds
// when the balance cannot cover the amount; the account is left untouched.
func (l *Ledger) Debit(ctx context.Context, userID string, amount float64, description string, meta Meta) (*Transaction, error) {
	cents := money.FromFloat(amount)
	if cents <= 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := l.store.Debit(ctx, userID, cents, description, meta)
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrAccountNotFound) {
			metrics.InsufficientFundsTotal.Inc()
			metrics.WalletOperationsTotal.WithLabelValues("debit", "insufficient_funds").Inc()
			// A missing account is an empty account: nothing to debit.
			return nil, ErrInsufficientFunds
		}
		metrics.WalletOperationsTotal.WithLabelValues("debit", "error").Inc()
		return nil, err
	}
	metrics.WalletOperationsTotal.WithLabelValues("debit", "ok").Inc()

	l.logger.Info("wallet debited",
		"userId", userID, "amount", tx.Amount, "refundId", meta.RefundID, "orderId", meta.OrderID)
	return tx, nil
}

// GetBalance returns the user's current balance. Unknown users have a zero
// balance; accounts are created lazily on first credit.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (*Account, error) {
	acct, err := l.store.GetAccount(ctx, userID)
	if errors.Is(err, ErrAccountNotFound) {
		return &Account{UserID: userID, Balance: 0, Currency: l.currency, UpdatedAt: time.Now()}, nil
	}
	return acct, err
}

// ListTransactions returns the user's ledger entries, newest first.
// page is 1-based; limit defaults to 20 and is capped at 100.
func (l *Ledger) ListTransactions(ctx context.Context, userID string, page, limit int) ([]*Transaction, error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return l.store.ListTransactions(ctx, userID, (page-1)*limit, limit)
}

// HasRefundCredit reports whether a credit tagged with this refund ID already
// exists. Used as the idempotency guard when completing wallet refunds.
func (l *Ledger) HasRefundCredit(ctx context.Context, refundID string) (bool, error) {
	return l.store.HasRefundCredit(ctx, refundID)
}
