// Package notify delivers best-effort notifications to rental parties.
// Delivery failures are logged, never propagated: no state machine
// transition depends on a notification landing.
package notify

import (
	"context"
	"log/slog"
	"sync"
)

// Notification is one message to a recipient.
type Notification struct {
	Recipient string            `json:"recipient"`
	Event     string            `json:"event"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Notifier sends notifications. Implementations must be safe for
// concurrent use and must not block beyond the context deadline.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the structured log. It is the
// default sink; external channels (email, push) plug in behind the same
// interface.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	attrs := []any{"recipient", n.Recipient, "event", n.Event}
	for k, v := range n.Fields {
		attrs = append(attrs, k, v)
	}
	l.logger.InfoContext(ctx, "notification", attrs...)
	return nil
}

// Recorder captures notifications for tests.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Notify(ctx context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

// Sent returns a copy of everything recorded so far.
func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.sent))
	copy(out, r.sent)
	return out
}
