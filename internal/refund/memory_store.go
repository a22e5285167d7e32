package refund

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*Request
	byUser   map[string][]string // userID -> refund IDs (buyer or seller)
	byOrder  map[string][]string
}

// NewMemoryStore creates an empty in-memory refund store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*Request),
		byUser:   make(map[string][]string),
		byOrder:  make(map[string][]string),
	}
}

func cloneRequest(r *Request) *Request {
	cp := *r
	cp.Evidence = append([]string(nil), r.Evidence...)
	cp.LicenseKeyIDs = append([]string(nil), r.LicenseKeyIDs...)
	cp.History = append([]HistoryEntry(nil), r.History...)
	if r.RefundAmount != nil {
		v := *r.RefundAmount
		cp.RefundAmount = &v
	}
	if r.RefundedAt != nil {
		v := *r.RefundedAt
		cp.RefundedAt = &v
	}
	if r.SellerReviewStartedAt != nil {
		v := *r.SellerReviewStartedAt
		cp.SellerReviewStartedAt = &v
	}
	if r.SellerRespondedAt != nil {
		v := *r.SellerRespondedAt
		cp.SellerRespondedAt = &v
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r.Version = 1
	stored := cloneRequest(r)
	m.requests[r.ID] = stored
	m.byUser[r.BuyerID] = append(m.byUser[r.BuyerID], r.ID)
	if r.SellerID != r.BuyerID {
		m.byUser[r.SellerID] = append(m.byUser[r.SellerID], r.ID)
	}
	m.byOrder[r.OrderID] = append(m.byOrder[r.OrderID], r.ID)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRequest(r), nil
}

// Update compare-and-swaps on Version. The caller's copy gets the bumped
// version and the appended history on success.
func (m *MemoryStore) Update(ctx context.Context, r *Request, newEntries ...HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.requests[r.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != r.Version {
		return ErrStaleState
	}

	updated := cloneRequest(r)
	updated.Version = stored.Version + 1
	updated.History = append(append([]HistoryEntry(nil), stored.History...), newEntries...)
	m.requests[r.ID] = updated

	r.Version = updated.Version
	r.History = append([]HistoryEntry(nil), updated.History...)
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Request
	for _, id := range m.byUser[userID] {
		if r, ok := m.requests[id]; ok {
			out = append(out, cloneRequest(r))
		}
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByStage(ctx context.Context, stage Stage, offset, limit int) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Request
	for _, r := range m.requests {
		if r.Status.IsTerminal() || r.Stage != stage {
			continue
		}
		out = append(out, cloneRequest(r))
	}
	sortNewestFirst(out)
	return window(out, offset, limit), nil
}

func (m *MemoryStore) ListStaleSellerReview(ctx context.Context, before time.Time, limit int) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Request
	for _, r := range m.requests {
		if r.Status != StatusSellerReview {
			continue
		}
		if r.SellerReviewStartedAt == nil || !r.SellerReviewStartedAt.Before(before) {
			continue
		}
		out = append(out, cloneRequest(r))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Request
	for _, r := range m.requests {
		if r.Status != status {
			continue
		}
		out = append(out, cloneRequest(r))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func sortNewestFirst(rs []*Request) {
	sort.Slice(rs, func(i, j int) bool {
		return rs[i].CreatedAt.After(rs[j].CreatedAt)
	})
}

func window(rs []*Request, offset, limit int) []*Request {
	if offset >= len(rs) {
		return nil
	}
	rs = rs[offset:]
	if limit > 0 && len(rs) > limit {
		rs = rs[:limit]
	}
	return rs
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
