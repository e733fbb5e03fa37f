package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bookvault/bookvault/internal/custody"
	"github.com/bookvault/bookvault/internal/idgen"
)

// CompensatingInstruction is one step of a checkpoint's rollback plan.
// Instructions replay in descending Order; an instruction only runs
// once every instruction it depends on has itself succeeded. Critical
// instructions abort the whole rollback on failure.
type CompensatingInstruction struct {
	ID          string   `json:"id"`
	ComponentID string   `json:"componentId"`
	Action      string   `json:"action"`
	Reference   string   `json:"reference,omitempty"`
	DependsOn   []string `json:"dependsOn,omitempty"`
	Critical    bool     `json:"critical"`
	Order       int      `json:"order"`
}

// Checkpoint captures a saga at a point in time: an encrypted snapshot
// of the full saga document plus the instructions needed to unwind what
// had completed by then.
type Checkpoint struct {
	ID           string                    `json:"id"`
	SagaID       string                    `json:"sagaId"`
	Snapshot     string                    `json:"snapshot"` // encrypted saga JSON
	Instructions []CompensatingInstruction `json:"instructions"`
	TakenAt      time.Time                 `json:"takenAt"`
}

// CheckpointStore persists checkpoints, newest first.
type CheckpointStore interface {
	Put(ctx context.Context, cp *Checkpoint) error
	// Latest returns the most recent checkpoint for the saga, or nil.
	Latest(ctx context.Context, sagaID string) (*Checkpoint, error)
}

// NewCheckpoint snapshots the saga and derives compensating
// instructions for its completed components. Payment compensations are
// critical: failing to return money is never skippable.
func NewCheckpoint(sg *Saga, cipher *custody.RefCipher, now time.Time) (*Checkpoint, error) {
	raw, err := json.Marshal(sg)
	if err != nil {
		return nil, fmt.Errorf("snapshot saga %s: %w", sg.ID, err)
	}
	sealed, err := cipher.Encrypt(string(raw))
	if err != nil {
		return nil, fmt.Errorf("encrypt snapshot: %w", err)
	}

	cp := &Checkpoint{
		ID:       idgen.WithPrefix("ckp_"),
		SagaID:   sg.ID,
		Snapshot: sealed,
		TakenAt:  now,
	}

	// Instruction order mirrors completion order; replay walks it
	// descending so the latest side effect unwinds first. Dependencies
	// point at the instruction undoing the component completed next
	// (undone just before this one).
	completed := sg.CompletedComponents()
	byComponent := make(map[string]string, len(completed))
	for i, compID := range completed {
		c := sg.Component(compID)
		inst := CompensatingInstruction{
			ID:          idgen.WithPrefix("ins_"),
			ComponentID: c.ID,
			Action:      compensationAction(c.Type),
			Reference:   c.Result,
			Critical:    c.Type.Critical() || c.Type == TypeCapturePayment || c.Type == TypeFundEscrow,
			Order:       i,
		}
		byComponent[c.ID] = inst.ID
		cp.Instructions = append(cp.Instructions, inst)
	}
	for i := range cp.Instructions {
		if i+1 < len(cp.Instructions) {
			cp.Instructions[i].DependsOn = []string{cp.Instructions[i+1].ID}
		}
	}
	return cp, nil
}

// DecodeSnapshot decrypts and unmarshals the checkpointed saga.
func (cp *Checkpoint) DecodeSnapshot(cipher *custody.RefCipher) (*Saga, error) {
	raw, err := cipher.Decrypt(cp.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("decrypt checkpoint %s: %w", cp.ID, err)
	}
	var sg Saga
	if err := json.Unmarshal([]byte(raw), &sg); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", cp.ID, err)
	}
	return &sg, nil
}

func compensationAction(t ComponentType) string {
	switch t {
	case TypeAuthorizePayment, TypeCapturePayment:
		return "refund_payment"
	case TypeCreateEscrow:
		return "abandon_escrow"
	case TypeFundEscrow:
		return "refund_escrow"
	case TypeReserveResource:
		return "release_lock"
	case TypePersistRecord:
		return "mark_record_cancelled"
	default:
		return "none"
	}
}

// MemoryCheckpointStore is an in-memory CheckpointStore.
type MemoryCheckpointStore struct {
	mu  sync.Mutex
	all map[string][]*Checkpoint
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{all: make(map[string][]*Checkpoint)}
}

func (m *MemoryCheckpointStore) Put(ctx context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *cp
	m.all[cp.SagaID] = append(m.all[cp.SagaID], &c)
	return nil
}

func (m *MemoryCheckpointStore) Latest(ctx context.Context, sagaID string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.all[sagaID]
	if len(list) == 0 {
		return nil, nil
	}
	cp := *list[len(list)-1]
	return &cp, nil
}
