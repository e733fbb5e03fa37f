package saga

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and dev mode.
type MemoryStore struct {
	mu    sync.RWMutex
	sagas map[string]*Saga
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sagas: make(map[string]*Saga)}
}

func cloneSaga(s *Saga) *Saga {
	cp := *s
	cp.Components = make([]*Component, len(s.Components))
	for i, c := range s.Components {
		cc := *c
		cc.DependsOn = append([]string(nil), c.DependsOn...)
		if c.Params != nil {
			cc.Params = make(map[string]string, len(c.Params))
			for k, v := range c.Params {
				cc.Params[k] = v
			}
		}
		if c.Err != nil {
			e := *c.Err
			cc.Err = &e
		}
		if c.Rollback != nil {
			r := *c.Rollback
			cc.Rollback = &r
		}
		if c.StartedAt != nil {
			t := *c.StartedAt
			cc.StartedAt = &t
		}
		if c.CompletedAt != nil {
			t := *c.CompletedAt
			cc.CompletedAt = &t
		}
		cp.Components[i] = &cc
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, s *Saga) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sagas[s.ID]; exists {
		return fmt.Errorf("saga %s already exists", s.ID)
	}
	m.sagas[s.ID] = cloneSaga(s)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Saga, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sagas[id]
	if !ok {
		return nil, ErrSagaNotFound
	}
	return cloneSaga(s), nil
}

func (m *MemoryStore) Update(ctx context.Context, s *Saga) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.sagas[s.ID]
	if !ok {
		return ErrSagaNotFound
	}
	if stored.Version != s.Version {
		return fmt.Errorf("%w: have v%d, store has v%d", ErrVersionConflict, s.Version, stored.Version)
	}
	cp := cloneSaga(s)
	cp.Version = s.Version + 1
	m.sagas[s.ID] = cp
	return nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Saga, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Saga
	for _, s := range m.sagas {
		if s.Status == status {
			out = append(out, cloneSaga(s))
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Saga, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Saga
	for _, s := range m.sagas {
		if !s.Status.IsTerminal() && s.ConfirmationDeadline.Before(before) {
			out = append(out, cloneSaga(s))
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
