package escrow

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Compile-time assertion.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store implementation for demo/testing.
type MemoryStore struct {
	escrows map[string]*Escrow
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{escrows: make(map[string]*Escrow)}
}

// clone deep-copies an escrow so callers never share condition or
// signature slices with the store.
func clone(e *Escrow) *Escrow {
	cp := *e
	if e.Conditions.Timelock != nil {
		tl := *e.Conditions.Timelock
		cp.Conditions.Timelock = &tl
	}
	if e.Conditions.MultiSig != nil {
		ms := *e.Conditions.MultiSig
		ms.Signers = append([]string(nil), e.Conditions.MultiSig.Signers...)
		cp.Conditions.MultiSig = &ms
	}
	if len(e.Conditions.Named) > 0 {
		cp.Conditions.Named = append([]NamedCondition(nil), e.Conditions.Named...)
	}
	if len(e.Signatures) > 0 {
		cp.Signatures = append([]string(nil), e.Signatures...)
	}
	return &cp
}

func (m *MemoryStore) Create(_ context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escrows[e.ID] = clone(e)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e), nil
}

func (m *MemoryStore) Update(_ context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.escrows[e.ID]; !ok {
		return ErrNotFound
	}
	m.escrows[e.ID] = clone(e)
	return nil
}

func (m *MemoryStore) List(_ context.Context, filter Filter) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := strings.ToLower(filter.PublicKey)
	var result []*Escrow
	for _, e := range m.escrows {
		if key != "" && e.SourceParty != key && e.DestinationParty != key && e.EscrowPublicKey != key {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		result = append(result, clone(e))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status == status {
			result = append(result, clone(e))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListExpiring(_ context.Context, before time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Escrow
	for _, e := range m.escrows {
		if e.IsTerminal() {
			continue
		}
		if deadline := earliestDeadline(e); deadline != nil && !deadline.After(before) {
			result = append(result, clone(e))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByAgreement(_ context.Context, agreementID string) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Escrow
	for _, e := range m.escrows {
		if e.RentAgreementID == agreementID {
			result = append(result, clone(e))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// earliestDeadline returns the soonest of the record expiration date and
// the timelock expiry, or nil when neither is set.
func earliestDeadline(e *Escrow) *time.Time {
	d := e.ExpirationDate
	if tl := e.Conditions.Timelock; tl != nil && tl.ExpireAfter != nil {
		if d == nil || tl.ExpireAfter.Before(*d) {
			d = tl.ExpireAfter
		}
	}
	return d
}
