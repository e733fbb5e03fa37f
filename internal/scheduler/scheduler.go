// Package scheduler runs named periodic tasks with explicit cancellation.
//
// Background loops (audit flush, failure detection, deadline sweeps) are
// modeled as Tasks rather than bare timers so tests can drive them with a
// FakeClock and production can stop them cleanly on shutdown.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// TaskFunc is one tick of periodic work.
type TaskFunc func(ctx context.Context)

// Task is a periodic job with panic isolation per tick.
type Task struct {
	name     string
	interval time.Duration
	fn       TaskFunc
	clock    Clock
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTask creates a periodic task. A nil clock means the real clock.
func NewTask(name string, interval time.Duration, fn TaskFunc, logger *slog.Logger) *Task {
	return &Task{
		name:     name,
		interval: interval,
		fn:       fn,
		clock:    RealClock{},
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithClock substitutes the clock. For tests.
func (t *Task) WithClock(c Clock) *Task {
	t.clock = c
	return t
}

// Running reports whether the task loop is actively running.
func (t *Task) Running() bool {
	return t.running.Load()
}

// Start begins the periodic loop. Call in a goroutine.
func (t *Task) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	tick := t.clock.Tick(t.interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-tick:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the task to stop. Safe to call more than once.
func (t *Task) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

// RunOnce executes a single tick synchronously. For tests and manual sweeps.
func (t *Task) RunOnce(ctx context.Context) {
	t.safeRun(ctx)
}

func (t *Task) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in scheduled task", "task", t.name, "panic", fmt.Sprint(r))
		}
	}()
	t.fn(ctx)
}
