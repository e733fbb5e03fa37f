package audit

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory audit store for tests and dev mode.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
	byID    map[string]*Entry
}

// NewMemoryStore creates a new in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Entry)}
}

func (m *MemoryStore) AppendBatch(_ context.Context, entries []*Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range entries {
		if _, ok := m.byID[e.ID]; ok {
			// Already persisted by an earlier flush attempt; skip, don't fail
			// the batch: the caller is re-flushing after a partial failure.
			continue
		}
		cp := *e
		m.byID[cp.ID] = &cp
		m.entries = append(m.entries, &cp)
	}
	return nil
}

func (m *MemoryStore) Query(_ context.Context, f Filter) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := f.Limit
	if limit <= 0 {
		limit = len(m.entries)
	}

	var result []*Entry
	for _, e := range m.entries {
		if !matches(e, f) {
			continue
		}
		cp := *e
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) Count(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.entries)), nil
}

// Tamper overwrites a stored entry field, bypassing signing. Test hook for
// integrity verification; never called by production code.
func (m *MemoryStore) Tamper(id string, mutate func(*Entry)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byID[id]
	if !ok {
		return false
	}
	mutate(e)
	return true
}

func matches(e *Entry, f Filter) bool {
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}
