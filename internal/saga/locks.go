package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bookvault/bookvault/internal/idgen"
)

var ErrResourceLocked = errors.New("resource is locked by another saga")

// DefaultLockTTL bounds how long a resource reservation holds without
// renewal. Expired locks are invalid immediately, whether or not the
// consistency sweep has cleaned them up yet.
const DefaultLockTTL = 30 * time.Minute

// ResourceLock guards one cross-entity resource (a book copy, an
// account) during saga execution.
type ResourceLock struct {
	ID           string    `json:"id"`
	ResourceType string    `json:"resourceType"`
	ResourceID   string    `json:"resourceId"`
	Kind         string    `json:"kind"` // exclusive or shared
	HolderID     string    `json:"holderId"`
	AcquiredAt   time.Time `json:"acquiredAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Expired reports whether the lock is past its expiry.
func (l *ResourceLock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// LockStore persists resource locks.
type LockStore interface {
	// Acquire takes an exclusive lock, failing with ErrResourceLocked if
	// an unexpired lock on the same resource exists.
	Acquire(ctx context.Context, resourceType, resourceID, holderID string, ttl time.Duration) (*ResourceLock, error)
	Release(ctx context.Context, lockID string) error
	Get(ctx context.Context, lockID string) (*ResourceLock, error)
	// ListExpired returns locks past their expiry at the given instant.
	ListExpired(ctx context.Context, now time.Time) ([]*ResourceLock, error)
}

// MemoryLockStore is an in-memory LockStore for tests and dev mode.
type MemoryLockStore struct {
	mu    sync.Mutex
	locks map[string]*ResourceLock
	now   func() time.Time
}

func NewMemoryLockStore() *MemoryLockStore {
	return &MemoryLockStore{locks: make(map[string]*ResourceLock), now: time.Now}
}

// WithNow overrides the clock for tests.
func (m *MemoryLockStore) WithNow(now func() time.Time) *MemoryLockStore {
	m.now = now
	return m
}

func (m *MemoryLockStore) Acquire(ctx context.Context, resourceType, resourceID, holderID string, ttl time.Duration) (*ResourceLock, error) {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, l := range m.locks {
		if l.ResourceType == resourceType && l.ResourceID == resourceID && !l.Expired(now) {
			return nil, fmt.Errorf("%w: %s/%s held by %s", ErrResourceLocked, resourceType, resourceID, l.HolderID)
		}
	}
	lock := &ResourceLock{
		ID:           idgen.WithPrefix("lck_"),
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Kind:         "exclusive",
		HolderID:     holderID,
		AcquiredAt:   now,
		ExpiresAt:    now.Add(ttl),
	}
	m.locks[lock.ID] = lock
	return lock, nil
}

func (m *MemoryLockStore) Release(ctx context.Context, lockID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, lockID)
	return nil
}

func (m *MemoryLockStore) Get(ctx context.Context, lockID string) (*ResourceLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[lockID]
	if !ok {
		return nil, fmt.Errorf("lock %s not found", lockID)
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryLockStore) ListExpired(ctx context.Context, now time.Time) ([]*ResourceLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ResourceLock
	for _, l := range m.locks {
		if l.Expired(now) {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}
