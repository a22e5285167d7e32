package refund

import (
	"context"
	"errors"
	"sync"
)

// ErrOrderNotFound is returned by order stores for unknown order IDs.
var ErrOrderNotFound = errors.New("order not found")

// MemoryOrderStore is an in-memory OrderStore for development and tests.
type MemoryOrderStore struct {
	mu       sync.RWMutex
	orders   map[string]*OrderInfo
	refunded map[string]string // orderID -> refundID
}

// NewMemoryOrderStore creates an empty in-memory order store.
func NewMemoryOrderStore() *MemoryOrderStore {
	return &MemoryOrderStore{
		orders:   make(map[string]*OrderInfo),
		refunded: make(map[string]string),
	}
}

// Put seeds an order.
func (m *MemoryOrderStore) Put(o *OrderInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orders[o.ID] = &cp
}

func (m *MemoryOrderStore) GetOrder(ctx context.Context, orderID string) (*OrderInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryOrderStore) MarkRefunded(ctx context.Context, orderID, refundID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[orderID]; !ok {
		return ErrOrderNotFound
	}
	m.refunded[orderID] = refundID
	return nil
}

// RefundedBy returns the refund that flagged the order, if any.
func (m *MemoryOrderStore) RefundedBy(orderID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.refunded[orderID]
	return id, ok
}

// MemoryLicenseKeyStore is an in-memory LicenseKeyStore for development and
// tests.
type MemoryLicenseKeyStore struct {
	mu   sync.RWMutex
	keys map[string]*LicenseKey
}

// NewMemoryLicenseKeyStore creates an empty in-memory license-key store.
func NewMemoryLicenseKeyStore() *MemoryLicenseKeyStore {
	return &MemoryLicenseKeyStore{keys: make(map[string]*LicenseKey)}
}

// Put seeds a license key.
func (m *MemoryLicenseKeyStore) Put(k LicenseKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := k
	m.keys[k.ID] = &cp
}

func (m *MemoryLicenseKeyStore) GetKeys(ctx context.Context, ids []string) ([]LicenseKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]LicenseKey, 0, len(ids))
	for _, id := range ids {
		if k, ok := m.keys[id]; ok {
			out = append(out, *k)
		}
	}
	return out, nil
}

func (m *MemoryLicenseKeyStore) MarkRevoked(ctx context.Context, ids []string, refundID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if k, ok := m.keys[id]; ok {
			k.Revoked = true
		}
	}
	return nil
}

// Revoked reports whether a key has been revoked.
func (m *MemoryLicenseKeyStore) Revoked(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[id]
	return ok && k.Revoked
}

var (
	_ OrderStore      = (*MemoryOrderStore)(nil)
	_ LicenseKeyStore = (*MemoryLicenseKeyStore)(nil)
)
