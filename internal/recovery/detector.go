package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bookvault/bookvault/internal/custody"
	"github.com/bookvault/bookvault/internal/health"
	"github.com/bookvault/bookvault/internal/metrics"
	"github.com/bookvault/bookvault/internal/saga"
)

// FindingType classifies what a detection sweep noticed.
type FindingType string

const (
	FindingComponentUnhealthy FindingType = "component_unhealthy"
	FindingComponentDegraded  FindingType = "component_degraded"
	FindingSagaExpired        FindingType = "saga_expired"
	FindingBalanceMismatch    FindingType = "balance_mismatch"
	FindingExpiredLock        FindingType = "expired_lock"
	FindingOrphanedSaga       FindingType = "orphaned_transaction"
	FindingBrokenReference    FindingType = "broken_reference"
)

// Finding is one detected problem.
type Finding struct {
	Type     FindingType `json:"type"`
	Severity Severity    `json:"severity"`
	EntityID string      `json:"entityId,omitempty"`
	Detail   string      `json:"detail"`
}

// Report is the outcome of one detection sweep.
type Report struct {
	Snapshot *SystemState `json:"snapshot"`
	Findings []Finding    `json:"findings"`
	Severity Severity     `json:"severity"`
}

// DetectorDeps collects the stores and registries a sweep reads.
type DetectorDeps struct {
	SagaStore    saga.Store
	LockStore    saga.LockStore
	CustodyStore custody.Store
	Health       *health.Registry
	Logger       *slog.Logger
}

// NewDetector builds a detector over the given stores.
func NewDetector(deps DetectorDeps) *SweepDetector {
	return &SweepDetector{
		sagas:   deps.SagaStore,
		locks:   deps.LockStore,
		custody: deps.CustodyStore,
		health:  deps.Health,
		logger:  deps.Logger,
		now:     time.Now,
	}
}

// SweepDetector implements the detection sweep.
type SweepDetector struct {
	sagas   saga.Store
	locks   saga.LockStore
	custody custody.Store
	health  *health.Registry
	logger  *slog.Logger
	now     func() time.Time
}

// WithNow overrides the clock for tests.
func (d *SweepDetector) WithNow(now func() time.Time) *SweepDetector {
	d.now = now
	return d
}

// Sweep runs one full detection pass. Severity is escalate-only across
// the pass: a later low finding never downgrades an earlier critical.
func (d *SweepDetector) Sweep(ctx context.Context) (*Report, error) {
	now := d.now()
	severity := SeverityLow
	var findings []Finding
	add := func(f Finding) {
		findings = append(findings, f)
		severity = severity.Max(f.Severity)
	}

	// (b) Component health flags.
	var compHealth []ComponentHealth
	if d.health != nil {
		_, statuses := d.health.CheckAll(ctx)
		for _, st := range statuses {
			compHealth = append(compHealth, ComponentHealth{
				Name: st.Name, Healthy: st.Healthy, Degraded: st.Degraded, Detail: st.Detail,
			})
			if !st.Healthy {
				add(Finding{Type: FindingComponentUnhealthy, Severity: SeverityHigh, EntityID: st.Name, Detail: st.Detail})
			} else if st.Degraded {
				add(Finding{Type: FindingComponentDegraded, Severity: SeverityMedium, EntityID: st.Name, Detail: st.Detail})
			}
		}
	}

	// (c) Sagas stuck past their confirmation deadline.
	var sagaSummaries []SagaSummary
	seen := map[string]bool{}
	record := func(sg *saga.Saga) {
		if !seen[sg.ID] {
			seen[sg.ID] = true
			sagaSummaries = append(sagaSummaries, summarize(sg))
		}
	}
	expired, err := d.sagas.ListExpired(ctx, now, 200)
	if err != nil {
		return nil, fmt.Errorf("list expired sagas: %w", err)
	}
	for _, sg := range expired {
		record(sg)
		add(Finding{
			Type:     FindingSagaExpired,
			Severity: SeverityMedium,
			EntityID: sg.ID,
			Detail:   fmt.Sprintf("confirmation deadline %s passed", sg.ConfirmationDeadline.Format(time.RFC3339)),
		})
	}

	// (d) Consistency battery.
	for _, st := range []saga.Status{saga.StatusInProgress, saga.StatusPendingConfirmation, saga.StatusPartial} {
		open, err := d.sagas.ListByStatus(ctx, st, 200)
		if err != nil {
			return nil, fmt.Errorf("list %s sagas: %w", st, err)
		}
		for _, sg := range open {
			record(sg)

			// Financial balance reconciliation.
			if sg.ConfirmedAmount+sg.PendingAmount != sg.TotalAmount {
				add(Finding{
					Type:     FindingBalanceMismatch,
					Severity: SeverityCritical,
					EntityID: sg.ID,
					Detail: fmt.Sprintf("confirmed %d + pending %d != total %d",
						sg.ConfirmedAmount, sg.PendingAmount, sg.TotalAmount),
				})
			}

			// Referential check: the account a saga points at must exist.
			if sg.EscrowAccountID != "" {
				if _, err := d.custody.Get(ctx, sg.EscrowAccountID); err != nil {
					add(Finding{
						Type:     FindingBrokenReference,
						Severity: SeverityCritical,
						EntityID: sg.ID,
						Detail:   fmt.Sprintf("escrow account %s unresolvable: %v", sg.EscrowAccountID, err),
					})
				}
			}

			// Orphan check: a partial saga that moved money but lost its
			// account reference has funds nothing can reach.
			if sg.EscrowAccountID == "" && sg.ConfirmedAmount > 0 && hasCompletedEscrowStep(sg) {
				add(Finding{
					Type:     FindingOrphanedSaga,
					Severity: SeverityCritical,
					EntityID: sg.ID,
					Detail:   "confirmed funds with no escrow account reference",
				})
			}
		}
	}

	// Expired resource locks.
	staleLocks, err := d.locks.ListExpired(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list expired locks: %w", err)
	}
	for _, l := range staleLocks {
		add(Finding{
			Type:     FindingExpiredLock,
			Severity: SeverityMedium,
			EntityID: l.ID,
			Detail:   fmt.Sprintf("%s/%s held by %s expired %s", l.ResourceType, l.ResourceID, l.HolderID, l.ExpiresAt.Format(time.RFC3339)),
		})
	}

	snapshot := NewSystemState(now, compHealth, sagaSummaries, severity)
	metrics.DetectionSeverity.Set(float64(severityRank[severity]))

	return &Report{Snapshot: snapshot, Findings: findings, Severity: severity}, nil
}

func summarize(sg *saga.Saga) SagaSummary {
	return SagaSummary{
		ID:                   sg.ID,
		Status:               string(sg.Status),
		TotalAmount:          int64(sg.TotalAmount),
		ConfirmedAmount:      int64(sg.ConfirmedAmount),
		PendingAmount:        int64(sg.PendingAmount),
		EscrowAccountID:      sg.EscrowAccountID,
		ConfirmationDeadline: sg.ConfirmationDeadline,
	}
}

func hasCompletedEscrowStep(sg *saga.Saga) bool {
	for _, c := range sg.Components {
		if (c.Type == saga.TypeCreateEscrow || c.Type == saga.TypeFundEscrow) && c.Status == saga.ComponentCompleted {
			return true
		}
	}
	return false
}
