package custody

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory Store for tests and dev mode.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	byTx     map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		byTx:     make(map[string]string),
	}
}

func cloneAccount(a *Account) *Account {
	cp := *a
	cp.Conditions = make([]ReleaseCondition, len(a.Conditions))
	copy(cp.Conditions, a.Conditions)
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.accounts[a.ID]; exists {
		return fmt.Errorf("escrow account %s already exists", a.ID)
	}
	m.accounts[a.ID] = cloneAccount(a)
	m.byTx[a.TransactionID] = a.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return cloneAccount(a), nil
}

func (m *MemoryStore) GetByTransaction(ctx context.Context, txID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byTx[txID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return cloneAccount(m.accounts[id]), nil
}

func (m *MemoryStore) Update(ctx context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.accounts[a.ID]
	if !ok {
		return ErrAccountNotFound
	}
	if stored.Version != a.Version {
		return fmt.Errorf("%w: have v%d, store has v%d", ErrVersionConflict, a.Version, stored.Version)
	}
	cp := cloneAccount(a)
	cp.Version = a.Version + 1
	m.accounts[a.ID] = cp
	return nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Account
	for _, a := range m.accounts {
		if a.Status == status {
			out = append(out, cloneAccount(a))
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
