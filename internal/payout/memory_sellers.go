package payout

import (
	"context"
	"errors"
	"sync"
)

// ErrSellerNotFound is returned by seller stores for unknown seller IDs.
var ErrSellerNotFound = errors.New("seller not found")

// MemorySellerStore is an in-memory SellerStore for development and tests.
type MemorySellerStore struct {
	mu      sync.RWMutex
	sellers map[string]*SellerInfo
}

// NewMemorySellerStore creates an empty in-memory seller store.
func NewMemorySellerStore() *MemorySellerStore {
	return &MemorySellerStore{sellers: make(map[string]*SellerInfo)}
}

// Put seeds a seller profile.
func (m *MemorySellerStore) Put(s *SellerInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sellers[s.ID] = &cp
}

func (m *MemorySellerStore) GetSeller(ctx context.Context, sellerID string) (*SellerInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sellers[sellerID]
	if !ok {
		return nil, ErrSellerNotFound
	}
	cp := *s
	return &cp, nil
}

// Compile-time assertion that MemorySellerStore implements SellerStore.
var _ SellerStore = (*MemorySellerStore)(nil)
