package scheduler

import (
	"sync"
	"time"
)

// Clock abstracts wall-clock time so periodic tasks can be stepped
// deterministically in tests.
type Clock interface {
	Now() time.Time
	Tick(d time.Duration) <-chan time.Time
}

// RealClock is the production clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) Tick(d time.Duration) <-chan time.Time {
	// The ticker is never stopped explicitly; tasks run for the process
	// lifetime and the channel is garbage-collected with the task.
	return time.NewTicker(d).C
}

// FakeClock is a manually stepped clock for tests.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
	ch  chan time.Time
}

// NewFakeClock creates a fake clock starting at t.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t, ch: make(chan time.Time, 16)}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Tick(time.Duration) <-chan time.Time {
	return c.ch
}

// Advance moves the clock forward and fires one tick.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	c.ch <- now
}
