package saga

import (
	"time"

	"github.com/bookvault/bookvault/internal/idgen"
	"github.com/bookvault/bookvault/internal/money"
)

// DefaultConfirmationWindow bounds how long a partially completed saga
// waits for user confirmation before the recovery sweep cancels it.
const DefaultConfirmationWindow = 24 * time.Hour

// DefaultRecoveryWindow bounds how long recovery may keep working a
// saga before it is escalated.
const DefaultRecoveryWindow = 72 * time.Hour

// Builder assembles a saga component graph. Build rejects cycles and
// unknown dependencies up front so the executor never sees them.
type Builder struct {
	ownerID       string
	transactionID string
	components    []*Component
	window        time.Duration
	now           func() time.Time
}

func NewBuilder(ownerID, transactionID string) *Builder {
	return &Builder{
		ownerID:       ownerID,
		transactionID: transactionID,
		window:        DefaultConfirmationWindow,
		now:           time.Now,
	}
}

// WithConfirmationWindow overrides the confirmation deadline distance.
func (b *Builder) WithConfirmationWindow(d time.Duration) *Builder {
	if d > 0 {
		b.window = d
	}
	return b
}

// WithNow overrides the clock for tests.
func (b *Builder) WithNow(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Add appends a component and returns its id for dependency wiring.
func (b *Builder) Add(typ ComponentType, amount money.Cents, params map[string]string, dependsOn ...string) string {
	c := &Component{
		ID:          idgen.WithPrefix("cmp_"),
		Type:        typ,
		DependsOn:   dependsOn,
		Status:      ComponentPending,
		Amount:      amount,
		Params:      params,
		MaxAttempts: typ.MaxAttempts(),
	}
	b.components = append(b.components, c)
	return c.ID
}

// Build validates the graph and produces the saga in in_progress state.
func (b *Builder) Build() (*Saga, error) {
	ordered, err := TopologicalOrder(b.components)
	if err != nil {
		return nil, err
	}

	var total money.Cents
	for _, c := range ordered {
		total += c.Amount
	}

	now := b.now()
	return &Saga{
		ID:                   idgen.WithPrefix("sga_"),
		OwnerID:              b.ownerID,
		TransactionID:        b.transactionID,
		Status:               StatusInProgress,
		Components:           ordered,
		TotalAmount:          total,
		PendingAmount:        total,
		ConfirmationDeadline: now.Add(b.window),
		RecoveryDeadline:     now.Add(DefaultRecoveryWindow),
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}, nil
}
