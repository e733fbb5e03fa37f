package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/bookvault/bookvault/internal/idgen"
	"github.com/bookvault/bookvault/internal/metrics"
	"github.com/bookvault/bookvault/internal/traces"
)

// ActionType names a recovery action.
type ActionType string

const (
	ActionRestartComponent ActionType = "restart_component"
	ActionRestoreData      ActionType = "restore_data"
	ActionRollbackSagas    ActionType = "rollback_sagas"
	ActionFailover         ActionType = "failover"
	ActionClearCache       ActionType = "clear_cache"
	ActionResetConnections ActionType = "reset_connections"
)

// Action is one step within a phase.
type Action struct {
	Type   ActionType        `json:"type"`
	Target string            `json:"target,omitempty"`
	Params map[string]string `json:"params,omitempty"`
	// RollbackOnFailure marks the action whose failure aborts the whole
	// plan and triggers the plan's nested rollback plan.
	RollbackOnFailure bool `json:"rollbackOnFailure,omitempty"`
}

// Verification is a named check run after a phase's actions.
type Verification struct {
	Name string `json:"name"`
}

// Phase groups actions that run together. Phases sharing an Order value
// run concurrently; Dependencies wait on named prior phases regardless
// of order.
type Phase struct {
	Name          string         `json:"name"`
	Order         int            `json:"order"`
	Dependencies  []string       `json:"dependencies,omitempty"`
	Actions       []Action       `json:"actions"`
	Verifications []Verification `json:"verifications,omitempty"`
}

// Criterion is one weighted success condition for the whole plan.
type Criterion struct {
	Name   string  `json:"name"` // component_healthy, transactions_consistent, data_integrity, performance
	Weight float64 `json:"weight"`
}

// Plan is an ordered multi-phase recovery procedure.
type Plan struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Phases   []Phase     `json:"phases"`
	Criteria []Criterion `json:"criteria"`
	// Rollback is the nested plan run when an abort-worthy action fails.
	Rollback *Plan `json:"rollback,omitempty"`
}

// NewPlan assigns the plan an id.
func NewPlan(name string, phases []Phase, criteria []Criterion) *Plan {
	return &Plan{
		ID:       idgen.WithPrefix("pln_"),
		Name:     name,
		Phases:   phases,
		Criteria: criteria,
	}
}

// SuccessThreshold is the weighted fraction of criteria that must hold
// for a plan run to count as a success.
const SuccessThreshold = 0.8

var ErrPlanAborted = errors.New("recovery plan aborted")

// ActionRunner executes one action. Implementations are supplied by the
// orchestrator so plans stay declarative.
type ActionRunner interface {
	Run(ctx context.Context, a Action) error
	// Verify evaluates a named verification or success criterion.
	Verify(ctx context.Context, name string) bool
}

// PlanResult is the outcome of one plan run.
type PlanResult struct {
	PlanID    string             `json:"planId"`
	Succeeded bool               `json:"succeeded"`
	Score     float64            `json:"score"`
	Phases    map[string]error   `json:"-"`
	Criteria  map[string]bool    `json:"criteria"`
	Aborted   bool               `json:"aborted"`
	Rollback  *PlanResult        `json:"rollback,omitempty"`
}

// PlanExecutor runs plans phase by phase.
type PlanExecutor struct {
	runner ActionRunner
	logger *slog.Logger
}

func NewPlanExecutor(runner ActionRunner, logger *slog.Logger) *PlanExecutor {
	return &PlanExecutor{runner: runner, logger: logger}
}

// Execute runs the plan. Phases with equal order run concurrently once
// their dependencies have finished; an abort-worthy action failure
// stops everything and runs the nested rollback plan if one exists.
func (e *PlanExecutor) Execute(ctx context.Context, p *Plan) (*PlanResult, error) {
	ctx, span := traces.StartSpan(ctx, "recovery.ExecutePlan", traces.PlanID(p.ID))
	defer span.End()

	result := &PlanResult{
		PlanID:   p.ID,
		Phases:   make(map[string]error),
		Criteria: make(map[string]bool),
	}

	groups := groupPhases(p.Phases)
	groupIdx := make(map[string]int, len(p.Phases))
	for gi, group := range groups {
		for _, ph := range group {
			groupIdx[ph.Name] = gi
		}
	}
	if err := validatePhases(groups, groupIdx); err != nil {
		return nil, err
	}

	done := make(map[string]chan struct{}, len(p.Phases))
	for _, ph := range p.Phases {
		done[ph.Name] = make(chan struct{})
	}

	var mu sync.Mutex
	succeeded := make(map[string]bool, len(p.Phases))
	var abortErr error

	for gi, group := range groups {
		mu.Lock()
		stop := abortErr != nil
		mu.Unlock()
		if stop {
			break
		}

		var wg sync.WaitGroup
		for i := range group {
			ph := group[i]
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer close(done[ph.Name])

				// Named dependencies gate the phase beyond its order;
				// they must have run in an earlier or the same group.
				for _, dep := range ph.Dependencies {
					depGroup, ok := groupIdx[dep]
					if !ok || depGroup > gi {
						mu.Lock()
						result.Phases[ph.Name] = fmt.Errorf("invalid dependency %q", dep)
						mu.Unlock()
						return
					}
					select {
					case <-done[dep]:
					case <-ctx.Done():
						return
					}
					mu.Lock()
					depOK := succeeded[dep]
					mu.Unlock()
					if !depOK {
						mu.Lock()
						result.Phases[ph.Name] = fmt.Errorf("dependency %q did not succeed", dep)
						mu.Unlock()
						return
					}
				}

				err := e.runPhase(ctx, ph)
				mu.Lock()
				result.Phases[ph.Name] = err
				succeeded[ph.Name] = err == nil
				if err != nil && errors.Is(err, ErrPlanAborted) && abortErr == nil {
					abortErr = err
				}
				mu.Unlock()
			}()
		}
		wg.Wait()
	}

	if abortErr != nil {
		result.Aborted = true
		metrics.RecoveryRunsTotal.WithLabelValues("aborted").Inc()
		if p.Rollback != nil {
			e.logger.Warn("recovery plan aborted, running nested rollback", "plan", p.Name)
			rb, err := e.Execute(ctx, p.Rollback)
			if err != nil {
				return result, err
			}
			result.Rollback = rb
		}
		return result, abortErr
	}

	// Weighted success scoring.
	var totalWeight, met float64
	for _, c := range p.Criteria {
		ok := e.runner.Verify(ctx, c.Name)
		result.Criteria[c.Name] = ok
		totalWeight += c.Weight
		if ok {
			met += c.Weight
		}
	}
	if totalWeight > 0 {
		result.Score = met / totalWeight
	} else {
		result.Score = 1
	}
	result.Succeeded = result.Score >= SuccessThreshold

	outcome := "failed"
	if result.Succeeded {
		outcome = "succeeded"
	}
	metrics.RecoveryRunsTotal.WithLabelValues(outcome).Inc()
	e.logger.Info("recovery plan finished", "plan", p.Name, "score", result.Score, "succeeded", result.Succeeded)
	return result, nil
}

// runPhase executes a phase's actions in order, then its verifications.
func (e *PlanExecutor) runPhase(ctx context.Context, ph Phase) error {
	for _, a := range ph.Actions {
		if err := e.runner.Run(ctx, a); err != nil {
			if a.RollbackOnFailure {
				return fmt.Errorf("%w: phase %s action %s: %v", ErrPlanAborted, ph.Name, a.Type, err)
			}
			e.logger.Warn("recovery action failed, phase continues",
				"phase", ph.Name, "action", a.Type, "target", a.Target, "error", err)
		}
	}
	for _, v := range ph.Verifications {
		if !e.runner.Verify(ctx, v.Name) {
			return fmt.Errorf("phase %s verification %s failed", ph.Name, v.Name)
		}
	}
	return nil
}

// validatePhases rejects dependency cycles among phases sharing an
// order. Same-group phases wait on each other's completion channels,
// so a cycle there would block forever.
func validatePhases(groups [][]Phase, groupIdx map[string]int) error {
	for gi, group := range groups {
		deps := make(map[string][]string, len(group))
		for _, ph := range group {
			for _, dep := range ph.Dependencies {
				if dg, ok := groupIdx[dep]; ok && dg == gi {
					deps[ph.Name] = append(deps[ph.Name], dep)
				}
			}
		}

		const (
			visiting = 1
			visited  = 2
		)
		state := make(map[string]int, len(group))
		var visit func(name string) bool
		visit = func(name string) bool {
			switch state[name] {
			case visiting:
				return false
			case visited:
				return true
			}
			state[name] = visiting
			for _, dep := range deps[name] {
				if !visit(dep) {
					return false
				}
			}
			state[name] = visited
			return true
		}
		for _, ph := range group {
			if !visit(ph.Name) {
				return fmt.Errorf("dependency cycle among phases with order %d involving %q", ph.Order, ph.Name)
			}
		}
	}
	return nil
}

// groupPhases buckets phases by order, ascending.
func groupPhases(phases []Phase) [][]Phase {
	byOrder := map[int][]Phase{}
	var orders []int
	for _, ph := range phases {
		if _, seen := byOrder[ph.Order]; !seen {
			orders = append(orders, ph.Order)
		}
		byOrder[ph.Order] = append(byOrder[ph.Order], ph)
	}
	sort.Ints(orders)
	out := make([][]Phase, 0, len(orders))
	for _, o := range orders {
		out = append(out, byOrder[o])
	}
	return out
}
