// Package recovery watches the rest of the system for stuck or
// inconsistent state and drives it back to consistency: periodic
// detection sweeps, multi-phase recovery plans, and checkpoint-based
// transaction rollback.
package recovery

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/bookvault/bookvault/internal/idgen"
)

// Severity grades a finding or a whole detection pass. Within one pass
// severity only ever escalates.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Max returns the higher of two severities.
func (s Severity) Max(other Severity) Severity {
	if severityRank[other] > severityRank[s] {
		return other
	}
	return s
}

// ComponentHealth is one subsystem's state inside a snapshot.
type ComponentHealth struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Degraded bool   `json:"degraded"`
	Detail   string `json:"detail,omitempty"`
}

// SagaSummary is the slice of a saga the detector needs.
type SagaSummary struct {
	ID                   string    `json:"id"`
	Status               string    `json:"status"`
	TotalAmount          int64     `json:"totalAmount"`
	ConfirmedAmount      int64     `json:"confirmedAmount"`
	PendingAmount        int64     `json:"pendingAmount"`
	EscrowAccountID      string    `json:"escrowAccountId,omitempty"`
	ConfirmationDeadline time.Time `json:"confirmationDeadline"`
}

// SystemState is an immutable point-in-time capture of component health
// and open transaction state. The checksum covers everything but
// itself; a snapshot that fails Verify must not be restored from.
type SystemState struct {
	ID         string            `json:"id"`
	TakenAt    time.Time         `json:"takenAt"`
	Components []ComponentHealth `json:"components"`
	OpenSagas  []SagaSummary     `json:"openSagas"`
	Overall    Severity          `json:"overall"`
	Checksum   string            `json:"checksum"`
}

// NewSystemState assembles and seals a snapshot.
func NewSystemState(takenAt time.Time, components []ComponentHealth, sagas []SagaSummary, overall Severity) *SystemState {
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })
	sort.Slice(sagas, func(i, j int) bool { return sagas[i].ID < sagas[j].ID })
	s := &SystemState{
		ID:         idgen.WithPrefix("snp_"),
		TakenAt:    takenAt,
		Components: components,
		OpenSagas:  sagas,
		Overall:    overall,
	}
	s.Checksum = s.computeChecksum()
	return s
}

func (s *SystemState) computeChecksum() string {
	shadow := *s
	shadow.Checksum = ""
	raw, _ := json.Marshal(&shadow)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the checksum and reports whether the snapshot is
// intact.
func (s *SystemState) Verify() bool {
	return s.Checksum == s.computeChecksum()
}
