package syncutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedMutex_BasicLockUnlock(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.Lock(context.Background(), "acct1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	unlock()
}

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(ctx, "counter")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	if atomic.LoadInt64(&counter) != n {
		t.Fatalf("expected %d, got %d, mutual exclusion violated", n, atomic.LoadInt64(&counter))
	}
}

func TestKeyedMutex_ContextCancelled(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.Lock(context.Background(), "blocked")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cancelCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = m.Lock(cancelCtx, "blocked")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}

	unlock()
}

func TestKeyedMutex_WithLock(t *testing.T) {
	m := NewKeyedMutex()

	ran := false
	err := m.WithLock(context.Background(), "k", func() error {
		ran = true
		return nil
	})
	if err != nil || !ran {
		t.Fatalf("WithLock err=%v ran=%v", err, ran)
	}

	// Error from fn is passed through and the lock is released.
	wantErr := errors.New("inner")
	if err := m.WithLock(context.Background(), "k", func() error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("WithLock returned %v, want inner error", err)
	}
	unlock, err := m.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("lock not released after WithLock: %v", err)
	}
	unlock()
}
