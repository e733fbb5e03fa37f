//go:build integration

package dispute

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
)

const disputeSchema = `
CREATE TABLE IF NOT EXISTS disputes (
    id                TEXT PRIMARY KEY,
    transaction_id    TEXT        NOT NULL,
    escrow_account_id TEXT,
    reporter_id       TEXT        NOT NULL,
    respondent_id     TEXT        NOT NULL,
    type              TEXT        NOT NULL,
    category          TEXT        NOT NULL,
    title             TEXT        NOT NULL,
    description       TEXT        NOT NULL DEFAULT '',
    disputed_amount   BIGINT      NOT NULL,
    severity          INTEGER     NOT NULL,
    priority          TEXT        NOT NULL,
    status            TEXT        NOT NULL,
    escrow_held       BOOLEAN     NOT NULL DEFAULT FALSE,
    evidence          JSONB       NOT NULL DEFAULT '[]',
    timeline          JSONB       NOT NULL DEFAULT '[]',
    resolution        JSONB,
    phase_deadline    TIMESTAMPTZ,
    version           BIGINT      NOT NULL DEFAULT 1,
    created_at        TIMESTAMPTZ NOT NULL,
    updated_at        TIMESTAMPTZ NOT NULL,
    resolved_at       TIMESTAMPTZ
)`

func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, disputeSchema); err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}

	cleanup := func() {
		db.ExecContext(ctx, "DELETE FROM disputes")
		db.Close()
	}

	return NewPostgresStore(db), cleanup
}

func testDispute(id, txID string) *Dispute {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Dispute{
		ID:              id,
		TransactionID:   txID,
		EscrowAccountID: "esc_1",
		ReporterID:      "u_reporter",
		RespondentID:    "u_respondent",
		Type:            TypeDamage,
		Category:        CategoryFinancial,
		Title:           "book returned damaged",
		Description:     "water damage on cover",
		DisputedAmount:  1000,
		Severity:        5,
		Priority:        PriorityMedium,
		Status:          StatusInvestigating,
		EscrowHeld:      true,
		Evidence: []Evidence{
			{ID: "evd_1", SubmittedBy: "u_reporter", Kind: "photo", Description: "water stain", SubmittedAt: now},
		},
		Timeline: []TimelineEvent{
			{At: now, Actor: "u_reporter", Event: "dispute_opened"},
		},
		PhaseDeadline: now.Add(48 * time.Hour),
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestPostgres_DisputeRoundTrip(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	d := testDispute("dsp_pg_1", "tx_pg_1")
	if err := store.Create(ctx, d); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusInvestigating || got.DisputedAmount != 1000 || !got.EscrowHeld {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if len(got.Evidence) != 1 || got.Evidence[0].Kind != "photo" {
		t.Errorf("evidence did not round trip: %+v", got.Evidence)
	}
	if len(got.Timeline) != 1 || got.Timeline[0].Event != "dispute_opened" {
		t.Errorf("timeline did not round trip: %+v", got.Timeline)
	}
	if got.Resolution != nil {
		t.Errorf("expected nil resolution, got %+v", got.Resolution)
	}

	if _, err := store.Get(ctx, "dsp_missing"); !errors.Is(err, ErrDisputeNotFound) {
		t.Errorf("missing dispute error = %v, want ErrDisputeNotFound", err)
	}
}

func TestPostgres_DisputeResolutionRoundTrip(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	d := testDispute("dsp_pg_2", "tx_pg_2")
	d.Resolution = &Resolution{
		Decision:  DecisionAgreement,
		DecidedBy: "u_reporter",
		Summary:   "deposit split",
		Actions: []ResolutionAction{
			{Type: ActionPenalty, TargetUserID: "u_respondent", Amount: 500, Reason: "damage"},
		},
		RequiredParties: []string{"u_reporter", "u_respondent"},
		Accepted:        map[string]bool{"u_reporter": true},
		ProposedAt:      time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := store.Create(ctx, d); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Resolution == nil {
		t.Fatal("resolution did not round trip")
	}
	if got.Resolution.Decision != DecisionAgreement || len(got.Resolution.Actions) != 1 {
		t.Errorf("resolution mismatch: %+v", got.Resolution)
	}
	if !got.Resolution.Accepted["u_reporter"] {
		t.Errorf("acceptance map did not round trip: %+v", got.Resolution.Accepted)
	}
}

func TestPostgres_DisputeGetByTransactionReturnsLatest(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	older := testDispute("dsp_pg_3", "tx_pg_3")
	older.CreatedAt = older.CreatedAt.Add(-time.Hour)
	newer := testDispute("dsp_pg_4", "tx_pg_3")

	for _, d := range []*Dispute{older, newer} {
		if err := store.Create(ctx, d); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	got, err := store.GetByTransaction(ctx, "tx_pg_3")
	if err != nil {
		t.Fatalf("GetByTransaction failed: %v", err)
	}
	if got.ID != "dsp_pg_4" {
		t.Errorf("GetByTransaction returned %s, want dsp_pg_4", got.ID)
	}
}

func TestPostgres_DisputeUpdateVersionConflict(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	d := testDispute("dsp_pg_5", "tx_pg_5")
	if err := store.Create(ctx, d); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	d.Status = StatusMediation
	if err := store.Update(ctx, d); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	stale := testDispute("dsp_pg_5", "tx_pg_5")
	stale.Status = StatusEscalated
	if err := store.Update(ctx, stale); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("stale update error = %v, want ErrVersionConflict", err)
	}
}

func TestPostgres_DisputeListTimedOut(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC()

	due := testDispute("dsp_pg_6", "tx_pg_6")
	due.PhaseDeadline = now.Add(-time.Hour)
	fresh := testDispute("dsp_pg_7", "tx_pg_7")
	resolved := testDispute("dsp_pg_8", "tx_pg_8")
	resolved.Status = StatusResolved
	resolved.PhaseDeadline = now.Add(-time.Hour)

	for _, d := range []*Dispute{due, fresh, resolved} {
		if err := store.Create(ctx, d); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	timedOut, err := store.ListTimedOut(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListTimedOut failed: %v", err)
	}
	if len(timedOut) != 1 || timedOut[0].ID != "dsp_pg_6" {
		t.Errorf("timed out = %+v, want only dsp_pg_6", timedOut)
	}
}
