package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bookvault/bookvault/internal/audit"
	"github.com/bookvault/bookvault/internal/custody"
	"github.com/bookvault/bookvault/internal/payments"
	"github.com/bookvault/bookvault/internal/saga"
)

// EscalationLevel tracks how far a failed recovery has been pushed up.
// Levels only progress forward; manual intervention, once required, is
// never cleared automatically.
type EscalationLevel string

const (
	EscalationNone      EscalationLevel = "none"
	EscalationAutomatic EscalationLevel = "automatic"
	EscalationManual    EscalationLevel = "manual"
	EscalationAdmin     EscalationLevel = "admin"
)

var escalationRank = map[EscalationLevel]int{
	EscalationNone:      0,
	EscalationAutomatic: 1,
	EscalationManual:    2,
	EscalationAdmin:     3,
}

// Next returns the level one step up.
func (e EscalationLevel) Next() EscalationLevel {
	switch e {
	case EscalationNone:
		return EscalationAutomatic
	case EscalationAutomatic:
		return EscalationManual
	default:
		return EscalationAdmin
	}
}

var ErrRollbackAborted = errors.New("rollback aborted on critical instruction failure")

// RollbackResult reports one checkpoint replay.
type RollbackResult struct {
	SagaID                     string          `json:"sagaId"`
	Executed                   []string        `json:"executed"` // instruction ids, in replay order
	Skipped                    []string        `json:"skipped"`
	Aborted                    bool            `json:"aborted"`
	Escalation                 EscalationLevel `json:"escalation"`
	RequiresManualIntervention bool            `json:"requiresManualIntervention"`
}

// Rollbacker replays saga checkpoints.
type Rollbacker struct {
	checkpoints saga.CheckpointStore
	sagas       saga.Store
	cipher      *custody.RefCipher
	custody     *custody.Service
	gateway     payments.Gateway
	locks       saga.LockStore
	ledger      *audit.Ledger
	logger      *slog.Logger
	now         func() time.Time

	mu sync.Mutex
	// sticky per-saga escalation state
	escalation map[string]EscalationLevel
	manual     map[string]bool
}

func NewRollbacker(cps saga.CheckpointStore, cipher *custody.RefCipher, cust *custody.Service, gw payments.Gateway, locks saga.LockStore, ledger *audit.Ledger, logger *slog.Logger) *Rollbacker {
	return &Rollbacker{
		checkpoints: cps,
		cipher:      cipher,
		custody:     cust,
		gateway:     gw,
		locks:       locks,
		ledger:      ledger,
		logger:      logger,
		now:         time.Now,
		escalation:  make(map[string]EscalationLevel),
		manual:      make(map[string]bool),
	}
}

// WithSagas lets the rollbacker rebuild a checkpoint from the persisted
// saga when none was recorded, such as after a restart wiped the
// in-memory checkpoint store.
func (r *Rollbacker) WithSagas(st saga.Store) *Rollbacker {
	r.sagas = st
	return r
}

// Escalation returns the sticky escalation state for a saga.
func (r *Rollbacker) Escalation(sagaID string) (EscalationLevel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lvl, ok := r.escalation[sagaID]
	if !ok {
		lvl = EscalationNone
	}
	return lvl, r.manual[sagaID]
}

func (r *Rollbacker) escalate(sagaID string) EscalationLevel {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.escalation[sagaID]
	if !ok {
		cur = EscalationNone
	}
	next := cur.Next()
	r.escalation[sagaID] = next
	if escalationRank[next] >= escalationRank[EscalationManual] {
		r.manual[sagaID] = true
	}
	return next
}

// RollbackTransaction replays the saga's latest checkpoint: instructions
// run in descending order, each only once its own dependencies have
// succeeded. A failing non-critical instruction is logged and skipped;
// a failing critical instruction aborts the replay and escalates.
func (r *Rollbacker) RollbackTransaction(ctx context.Context, sagaID string) (*RollbackResult, error) {
	cp, err := r.checkpoints.Latest(ctx, sagaID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint for %s: %w", sagaID, err)
	}
	var sg *saga.Saga
	if cp != nil {
		if sg, err = cp.DecodeSnapshot(r.cipher); err != nil {
			return nil, err
		}
	} else {
		if r.sagas == nil {
			return nil, fmt.Errorf("no checkpoint recorded for saga %s", sagaID)
		}
		// No recorded checkpoint; derive one from the durable saga record.
		if sg, err = r.sagas.Get(ctx, sagaID); err != nil {
			return nil, fmt.Errorf("no checkpoint recorded for saga %s and saga load failed: %w", sagaID, err)
		}
		if cp, err = saga.NewCheckpoint(sg, r.cipher, r.now()); err != nil {
			return nil, fmt.Errorf("rebuild checkpoint for %s: %w", sagaID, err)
		}
		r.logger.Info("checkpoint rebuilt from saga store", "saga_id", sagaID)
	}

	result := &RollbackResult{SagaID: sagaID, Escalation: EscalationNone}
	okByID := make(map[string]bool, len(cp.Instructions))

	for i := len(cp.Instructions) - 1; i >= 0; i-- {
		inst := cp.Instructions[i]

		depsOK := true
		for _, dep := range inst.DependsOn {
			if !okByID[dep] {
				depsOK = false
				break
			}
		}
		if !depsOK {
			if inst.Critical {
				result.Aborted = true
				lvl := r.escalate(sagaID)
				result.Escalation = lvl
				result.RequiresManualIntervention = true
				r.appendAudit(ctx, sagaID, "rollback_aborted", map[string]string{
					"instruction": inst.ID, "reason": "critical dependency unmet", "escalation": string(lvl),
				})
				return result, fmt.Errorf("%w: instruction %s dependencies unmet", ErrRollbackAborted, inst.ID)
			}
			result.Skipped = append(result.Skipped, inst.ID)
			continue
		}

		if err := r.runInstruction(ctx, sg, inst); err != nil {
			if inst.Critical {
				result.Aborted = true
				lvl := r.escalate(sagaID)
				result.Escalation = lvl
				result.RequiresManualIntervention = true
				r.logger.Error("CRITICAL: rollback instruction failed, aborting replay",
					"saga_id", sagaID, "instruction", inst.ID, "action", inst.Action, "error", err)
				r.appendAudit(ctx, sagaID, "rollback_aborted", map[string]string{
					"instruction": inst.ID, "action": inst.Action, "error": err.Error(), "escalation": string(lvl),
				})
				return result, fmt.Errorf("%w: %s: %v", ErrRollbackAborted, inst.Action, err)
			}
			r.logger.Warn("rollback instruction failed, continuing",
				"saga_id", sagaID, "instruction", inst.ID, "action", inst.Action, "error", err)
			result.Skipped = append(result.Skipped, inst.ID)
			continue
		}
		okByID[inst.ID] = true
		result.Executed = append(result.Executed, inst.ID)
	}

	r.appendAudit(ctx, sagaID, "rollback_completed", map[string]string{
		"executed": fmt.Sprintf("%d", len(result.Executed)),
		"skipped":  fmt.Sprintf("%d", len(result.Skipped)),
	})
	return result, nil
}

func (r *Rollbacker) runInstruction(ctx context.Context, sg *saga.Saga, inst saga.CompensatingInstruction) error {
	comp := sg.Component(inst.ComponentID)
	switch inst.Action {
	case "refund_payment":
		var amount = sg.RefundableAmount
		if comp != nil && comp.Amount > 0 {
			amount = comp.Amount
		}
		_, err := r.gateway.Refund(ctx, inst.Reference, amount)
		return err

	case "refund_escrow":
		if sg.EscrowAccountID == "" {
			return fmt.Errorf("no escrow account on saga")
		}
		acct, err := r.custody.Get(ctx, sg.EscrowAccountID)
		if err != nil {
			return err
		}
		if acct.IsTerminal() {
			return nil // already settled
		}
		_, err = r.custody.Refund(ctx, acct.ID, "recovery", acct.TotalAmount, "transaction rollback")
		return err

	case "release_lock":
		return r.locks.Release(ctx, inst.Reference)

	case "abandon_escrow", "mark_record_cancelled", "none":
		return nil

	default:
		return fmt.Errorf("unknown rollback action %q", inst.Action)
	}
}

func (r *Rollbacker) appendAudit(ctx context.Context, sagaID, action string, after map[string]string) {
	if _, err := r.ledger.Append(ctx, audit.Record{
		Actor:      "recovery",
		Action:     action,
		EntityType: "saga",
		EntityID:   sagaID,
		After:      after,
		Category:   audit.CategorySystem,
	}); err != nil {
		r.logger.Error("audit append failed during rollback", "saga_id", sagaID, "error", err)
	}
}
