package agreements

import (
	"context"
	"sort"
	"sync"

	"github.com/chioma/escrowd/internal/pagination"
)

// Compile-time assertion.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store implementation for demo/testing.
type MemoryStore struct {
	agreements map[string]*RentAgreement
	mu         sync.RWMutex
}

// NewMemoryStore creates a new in-memory agreement store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agreements: make(map[string]*RentAgreement)}
}

func (m *MemoryStore) Create(_ context.Context, a *RentAgreement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.agreements[a.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*RentAgreement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agreements[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, a *RentAgreement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agreements[a.ID]; !ok {
		return ErrNotFound
	}
	cp := *a
	m.agreements[a.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByParty(_ context.Context, address string, limit int, cursor *pagination.Cursor) ([]*RentAgreement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*RentAgreement
	for _, a := range m.agreements {
		if a.Landlord != address && a.Tenant != address && a.Agent != address {
			continue
		}
		if cursor != nil && !olderThan(a, cursor) {
			continue
		}
		cp := *a
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// olderThan reports whether the agreement sorts after the cursor
// position in (created_at, id) descending order.
func olderThan(a *RentAgreement, c *pagination.Cursor) bool {
	if a.CreatedAt.Equal(c.CreatedAt) {
		return a.ID < c.ID
	}
	return a.CreatedAt.Before(c.CreatedAt)
}
