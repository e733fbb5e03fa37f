package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bookvault/bookvault/internal/idgen"
	"github.com/bookvault/bookvault/internal/metrics"
	"github.com/bookvault/bookvault/internal/scheduler"
)

// DefaultFlushSize is the buffered entry count that forces a flush.
const DefaultFlushSize = 64

// Ledger is the append-only signed audit log. Appends are buffered and
// flushed periodically or when the buffer reaches flushSize; a failed
// flush re-queues its entries rather than dropping them, so the caller
// is never blocked on persistence.
type Ledger struct {
	signer    *Signer
	store     Store
	sink      *FileSink // optional
	logger    *slog.Logger
	flushSize int
	now       func() time.Time

	mu  sync.Mutex
	buf []*Entry
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithFileSink attaches a day-partitioned file sink written on flush.
func WithFileSink(sink *FileSink) Option {
	return func(l *Ledger) { l.sink = sink }
}

// WithFlushSize overrides the buffer threshold.
func WithFlushSize(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.flushSize = n
		}
	}
}

// WithNow overrides the clock. For tests.
func WithNow(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates an audit ledger writing through store.
func NewLedger(signer *Signer, store Store, logger *slog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		signer:    signer,
		store:     store,
		logger:    logger,
		flushSize: DefaultFlushSize,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record holds the caller-supplied portion of an entry.
type Record struct {
	Actor      string
	Action     string
	EntityType string
	EntityID   string
	Before     map[string]string
	After      map[string]string
	Category   Category
}

// Append signs and buffers a new entry. The entry is assigned an ID,
// timestamp, and retention deadline here; ordering within the buffer is
// the order calls were accepted. Append never blocks on the store: if the
// size threshold triggers a flush and the flush fails, entries stay
// queued for the periodic flush task.
func (l *Ledger) Append(ctx context.Context, rec Record) (*Entry, error) {
	if rec.Action == "" {
		return nil, fmt.Errorf("audit: action is required")
	}
	if rec.Category == "" {
		rec.Category = CategorySystem
	}

	// Truncate to microseconds: TIMESTAMPTZ drops nanos, and a signature
	// must survive a store round-trip bit-for-bit.
	ts := l.now().Truncate(time.Microsecond)
	e := &Entry{
		ID:             idgen.WithPrefix("aud_"),
		Timestamp:      ts,
		Actor:          rec.Actor,
		Action:         rec.Action,
		EntityType:     rec.EntityType,
		EntityID:       rec.EntityID,
		Before:         rec.Before,
		After:          rec.After,
		Category:       rec.Category,
		RetentionUntil: RetentionFor(rec.Category, ts),
	}
	e.Signature = l.signer.Sign(e)

	l.mu.Lock()
	l.buf = append(l.buf, e)
	depth := len(l.buf)
	l.mu.Unlock()

	metrics.AuditBufferDepth.Set(float64(depth))

	if depth >= l.flushSize {
		if err := l.Flush(ctx); err != nil {
			// Entries are re-queued; the periodic task retries.
			l.logger.Warn("audit flush failed, entries re-queued", "error", err, "buffered", depth)
		}
	}

	cp := *e
	return &cp, nil
}

// Flush drains the buffer into the store. On failure the batch is
// re-queued at the front of the buffer preserving order.
func (l *Ledger) Flush(ctx context.Context) error {
	l.mu.Lock()
	batch := l.buf
	l.buf = nil
	l.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := l.store.AppendBatch(ctx, batch); err != nil {
		l.mu.Lock()
		l.buf = append(batch, l.buf...)
		depth := len(l.buf)
		l.mu.Unlock()
		metrics.AuditBufferDepth.Set(float64(depth))
		metrics.AuditFlushesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("audit: flush failed: %w", err)
	}

	if l.sink != nil {
		// File sink is best-effort; the store copy is authoritative.
		if err := l.sink.WriteBatch(batch); err != nil {
			l.logger.Warn("audit file sink write failed", "error", err)
		}
	}

	metrics.AuditBufferDepth.Set(float64(l.Buffered()))
	metrics.AuditFlushesTotal.WithLabelValues("ok").Inc()
	return nil
}

// Buffered returns the number of entries awaiting flush.
func (l *Ledger) Buffered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)
}

// FlushTask returns a scheduler task that flushes on a fixed cadence.
func (l *Ledger) FlushTask(interval time.Duration) *scheduler.Task {
	return scheduler.NewTask("audit-flush", interval, func(ctx context.Context) {
		if err := l.Flush(ctx); err != nil {
			l.logger.Warn("periodic audit flush failed", "error", err)
		}
	}, l.logger)
}

// Query flushes pending entries and returns stored entries matching f.
func (l *Ledger) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	if err := l.Flush(ctx); err != nil {
		return nil, err
	}
	return l.store.Query(ctx, f)
}

// VerifyIntegrity recomputes every stored entry's signature and returns
// the IDs of all entries that fail verification. It never assumes
// validity: a verification pass over zero entries returns an empty list,
// and any mismatch is reported, not repaired.
func (l *Ledger) VerifyIntegrity(ctx context.Context) ([]string, error) {
	if err := l.Flush(ctx); err != nil {
		return nil, err
	}

	entries, err := l.store.Query(ctx, Filter{})
	if err != nil {
		return nil, err
	}

	var tampered []string
	for _, e := range entries {
		if !l.signer.Verify(e) {
			tampered = append(tampered, e.ID)
		}
	}
	return tampered, nil
}

// SecurityMetrics is an aggregate view over the ledger for compliance review.
type SecurityMetrics struct {
	TotalEntries  int64            `json:"totalEntries"`
	ByCategory    map[Category]int `json:"byCategory"`
	ByAction      map[string]int   `json:"byAction"`
	DistinctActor int              `json:"distinctActors"`
	TamperedIDs   []string         `json:"tamperedIds,omitempty"`
	Oldest        time.Time        `json:"oldest,omitzero"`
	Newest        time.Time        `json:"newest,omitzero"`
}

// Metrics computes aggregate security metrics, including a full
// integrity pass.
func (l *Ledger) Metrics(ctx context.Context) (*SecurityMetrics, error) {
	if err := l.Flush(ctx); err != nil {
		return nil, err
	}

	entries, err := l.store.Query(ctx, Filter{})
	if err != nil {
		return nil, err
	}

	m := &SecurityMetrics{
		TotalEntries: int64(len(entries)),
		ByCategory:   make(map[Category]int),
		ByAction:     make(map[string]int),
	}
	actors := make(map[string]struct{})
	for _, e := range entries {
		m.ByCategory[e.Category]++
		m.ByAction[e.Action]++
		actors[e.Actor] = struct{}{}
		if m.Oldest.IsZero() || e.Timestamp.Before(m.Oldest) {
			m.Oldest = e.Timestamp
		}
		if e.Timestamp.After(m.Newest) {
			m.Newest = e.Timestamp
		}
		if !l.signer.Verify(e) {
			m.TamperedIDs = append(m.TamperedIDs, e.ID)
		}
	}
	m.DistinctActor = len(actors)
	return m, nil
}
