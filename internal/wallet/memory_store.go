package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/keyforge/marketpay/internal/idgen"
	"github.com/keyforge/marketpay/internal/money"
	"github.com/keyforge/marketpay/internal/syncutil"
)

// MemoryStore is an in-memory wallet store for demo/development mode.
// Balances are kept in cents so the ledger invariant holds exactly.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[string]money.Cents
	updated  map[string]time.Time
	txns     map[string][]*Transaction // per user, newest first
	byRefund map[string]string         // refund ID -> credit transaction ID
	currency string

	locks syncutil.ShardedMutex // serializes check-then-act per user
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore(currency string) *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]money.Cents),
		updated:  make(map[string]time.Time),
		txns:     make(map[string][]*Transaction),
		byRefund: make(map[string]string),
		currency: currency,
	}
}

func (m *MemoryStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bal, ok := m.balances[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &Account{
		UserID:    userID,
		Balance:   bal.Float(),
		Currency:  m.currency,
		UpdatedAt: m.updated[userID],
	}, nil
}

func (m *MemoryStore) Credit(ctx context.Context, userID string, amount money.Cents, description string, meta Meta) (*Transaction, error) {
	unlock := m.locks.Lock(userID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &Transaction{
		ID:          idgen.WithPrefix("txn_"),
		UserID:      userID,
		Type:        TxCredit,
		Amount:      amount.Float(),
		Description: description,
		OrderID:     meta.OrderID,
		RefundID:    meta.RefundID,
		CreatedAt:   time.Now(),
	}

	m.balances[userID] += amount
	m.updated[userID] = tx.CreatedAt
	m.txns[userID] = append([]*Transaction{tx}, m.txns[userID]...)
	if meta.RefundID != "" {
		m.byRefund[meta.RefundID] = tx.ID
	}
	return tx, nil
}

func (m *MemoryStore) Debit(ctx context.Context, userID string, amount money.Cents, description string, meta Meta) (*Transaction, error) {
	unlock := m.locks.Lock(userID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	if bal < amount {
		return nil, ErrInsufficientFunds
	}

	// Post-condition guard: the new balance must remain non-negative.
	if bal-amount < 0 {
		return nil, ErrInsufficientFunds
	}

	tx := &Transaction{
		ID:          idgen.WithPrefix("txn_"),
		UserID:      userID,
		Type:        TxDebit,
		Amount:      amount.Float(),
		Description: description,
		OrderID:     meta.OrderID,
		RefundID:    meta.RefundID,
		CreatedAt:   time.Now(),
	}

	m.balances[userID] = bal - amount
	m.updated[userID] = tx.CreatedAt
	m.txns[userID] = append([]*Transaction{tx}, m.txns[userID]...)
	return tx, nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, userID string, offset, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.txns[userID]
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}

	result := make([]*Transaction, 0, end-offset)
	for _, tx := range all[offset:end] {
		cp := *tx
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) HasRefundCredit(ctx context.Context, refundID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.byRefund[refundID]
	return ok, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
