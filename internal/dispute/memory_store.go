package dispute

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and dev mode.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
	byTx     map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		disputes: make(map[string]*Dispute),
		byTx:     make(map[string]string),
	}
}

func cloneDispute(d *Dispute) *Dispute {
	cp := *d
	cp.Evidence = make([]Evidence, len(d.Evidence))
	copy(cp.Evidence, d.Evidence)
	cp.Timeline = make([]TimelineEvent, len(d.Timeline))
	copy(cp.Timeline, d.Timeline)
	if d.Resolution != nil {
		res := *d.Resolution
		res.Actions = make([]ResolutionAction, len(d.Resolution.Actions))
		copy(res.Actions, d.Resolution.Actions)
		res.RequiredParties = append([]string(nil), d.Resolution.RequiredParties...)
		res.Accepted = make(map[string]bool, len(d.Resolution.Accepted))
		for k, v := range d.Resolution.Accepted {
			res.Accepted[k] = v
		}
		cp.Resolution = &res
	}
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.disputes[d.ID]; exists {
		return fmt.Errorf("dispute %s already exists", d.ID)
	}
	m.disputes[d.ID] = cloneDispute(d)
	m.byTx[d.TransactionID] = d.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return cloneDispute(d), nil
}

func (m *MemoryStore) GetByTransaction(ctx context.Context, txID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byTx[txID]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return cloneDispute(m.disputes[id]), nil
}

func (m *MemoryStore) Update(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.disputes[d.ID]
	if !ok {
		return ErrDisputeNotFound
	}
	if stored.Version != d.Version {
		return fmt.Errorf("%w: have v%d, store has v%d", ErrVersionConflict, d.Version, stored.Version)
	}
	cp := cloneDispute(d)
	cp.Version = d.Version + 1
	m.disputes[d.ID] = cp
	return nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Dispute
	for _, d := range m.disputes {
		if d.Status == status {
			out = append(out, cloneDispute(d))
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) ListTimedOut(ctx context.Context, now time.Time, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Dispute
	for _, d := range m.disputes {
		if d.Status != StatusInvestigating && d.Status != StatusMediation {
			continue
		}
		if d.PhaseDeadline.IsZero() || d.PhaseDeadline.After(now) {
			continue
		}
		out = append(out, cloneDispute(d))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
