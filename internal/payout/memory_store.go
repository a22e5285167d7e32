package payout

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	payouts  map[string]*Payout
	byOrder  map[string]string   // orderID -> payout ID
	bySeller map[string][]string // sellerID -> payout IDs
}

// NewMemoryStore creates an empty in-memory payout store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payouts:  make(map[string]*Payout),
		byOrder:  make(map[string]string),
		bySeller: make(map[string][]string),
	}
}

func clonePayout(p *Payout) *Payout {
	cp := *p
	if p.ProcessingAt != nil {
		v := *p.ProcessingAt
		cp.ProcessingAt = &v
	}
	if p.ReleasedAt != nil {
		v := *p.ReleasedAt
		cp.ReleasedAt = &v
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, p *Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byOrder[p.OrderID]; ok {
		return ErrDuplicateSchedule
	}
	m.payouts[p.ID] = clonePayout(p)
	m.byOrder[p.OrderID] = p.ID
	m.bySeller[p.SellerID] = append(m.bySeller[p.SellerID], p.ID)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payouts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePayout(p), nil
}

func (m *MemoryStore) GetByOrder(ctx context.Context, orderID string) (*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byOrder[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePayout(m.payouts[id]), nil
}

func (m *MemoryStore) Update(ctx context.Context, p *Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payouts[p.ID]; !ok {
		return ErrNotFound
	}
	m.payouts[p.ID] = clonePayout(p)
	return nil
}

// Claim atomically moves a payout from pending to processing.
func (m *MemoryStore) Claim(ctx context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payouts[id]
	if !ok {
		return false, ErrNotFound
	}
	if p.Status != StatusPending {
		return false, nil
	}
	p.Status = StatusProcessing
	p.ProcessingAt = &at
	p.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Payout
	for _, p := range m.payouts {
		if p.Status != StatusPending || p.EligibleAt.After(now) {
			continue
		}
		out = append(out, clonePayout(p))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EligibleAt.Before(out[j].EligibleAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Payout
	for _, id := range m.bySeller[sellerID] {
		out = append(out, clonePayout(m.payouts[id]))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Payout
	for _, p := range m.payouts {
		if p.Status != status {
			continue
		}
		out = append(out, clonePayout(p))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) ReclaimStale(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reclaimed := 0
	for _, p := range m.payouts {
		if p.Status != StatusProcessing {
			continue
		}
		if p.ProcessingAt == nil || p.ProcessingAt.Before(before) {
			p.Status = StatusPending
			p.ProcessingAt = nil
			p.UpdatedAt = time.Now()
			reclaimed++
		}
	}
	return reclaimed, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
