// Package syncutil provides keyed locking primitives for
// single-writer-per-entity serialization.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 128

// KeyedMutex provides a fixed-size pool of channel-based mutexes keyed by
// entity ID. The channel implementation lets waiters bail out when their
// context is cancelled instead of blocking forever.
//
// Two distinct keys may share a shard; that costs contention, never safety.
type KeyedMutex struct {
	shards [shardCount]chanMutex
	once   sync.Once
}

// chanMutex is a mutex implemented via a buffered channel, allowing select{}
// with a context cancellation channel.
type chanMutex struct {
	ch chan struct{}
}

// NewKeyedMutex creates a new keyed mutex pool.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	m.init()
	return m
}

func (m *KeyedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i].ch = make(chan struct{}, 1)
			m.shards[i].ch <- struct{}{} // Start unlocked.
		}
	})
}

// Lock acquires the mutex for the given key, respecting context cancellation.
// On success, returns an unlock function and nil error. The caller MUST call
// the unlock function when done.
// On context cancellation, returns nil and the context error.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.init()
	shard := &m.shards[m.shardIdx(key)]

	select {
	case <-shard.ch:
		return func() { shard.ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WithLock runs fn while holding the mutex for key.
func (m *KeyedMutex) WithLock(ctx context.Context, key string, fn func() error) error {
	unlock, err := m.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

func (m *KeyedMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
