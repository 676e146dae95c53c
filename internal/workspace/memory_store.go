package workspace

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory workspace store for development mode and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	workspaces map[string]*Workspace // by ID
	byCustomer map[string]string     // stripe customer ID -> workspace ID
}

// NewMemoryStore creates a new in-memory workspace store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workspaces: make(map[string]*Workspace),
		byCustomer: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, w *Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *w
	m.workspaces[w.ID] = &cp
	if w.StripeCustomerID != "" {
		m.byCustomer[w.StripeCustomerID] = w.ID
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.workspaces[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) GetByStripeCustomer(_ context.Context, customerID string) (*Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byCustomer[customerID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.workspaces[id]
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, w *Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.workspaces[w.ID]
	if !ok {
		return ErrNotFound
	}
	if old.StripeCustomerID != "" && old.StripeCustomerID != w.StripeCustomerID {
		delete(m.byCustomer, old.StripeCustomerID)
	}
	cp := *w
	m.workspaces[w.ID] = &cp
	if w.StripeCustomerID != "" {
		m.byCustomer[w.StripeCustomerID] = w.ID
	}
	return nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]*Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Workspace, 0, len(m.workspaces))
	for _, w := range m.workspaces {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
