//go:build integration

package audit

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
    id              TEXT PRIMARY KEY,
    ts              TIMESTAMPTZ NOT NULL,
    actor           TEXT        NOT NULL,
    action          TEXT        NOT NULL,
    entity_type     TEXT        NOT NULL DEFAULT '',
    entity_id       TEXT        NOT NULL DEFAULT '',
    before_state    JSONB,
    after_state     JSONB,
    category        TEXT        NOT NULL,
    retention_until TIMESTAMPTZ NOT NULL,
    signature       TEXT        NOT NULL
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
	if _, err := db.ExecContext(ctx, auditSchema); err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}

	cleanup := func() {
		db.ExecContext(ctx, "DELETE FROM audit_log")
		db.Close()
	}

	return NewPostgresStore(db), cleanup
}

func testEntry(id string, ts time.Time) *Entry {
	e := &Entry{
		ID:             id,
		Timestamp:      ts,
		Actor:          "u_admin",
		Action:         "released",
		EntityType:     "escrow_account",
		EntityID:       "esc_1",
		Before:         map[string]string{"status": "held"},
		After:          map[string]string{"status": "released"},
		Category:       CategoryFinancial,
		RetentionUntil: RetentionFor(CategoryFinancial, ts),
	}
	e.Signature = NewSigner([]byte("pg-test-secret")).Sign(e)
	return e
}

func TestPostgres_AppendBatchAndQuery(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	entries := []*Entry{
		testEntry("aud_pg_1", now.Add(-2*time.Minute)),
		testEntry("aud_pg_2", now.Add(-time.Minute)),
	}
	if err := store.AppendBatch(ctx, entries); err != nil {
		t.Fatalf("AppendBatch failed: %v", err)
	}

	got, err := store.Query(ctx, Filter{EntityID: "esc_1"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	if got[0].Before["status"] != "held" || got[0].After["status"] != "released" {
		t.Errorf("state maps did not round trip: %+v", got[0])
	}

	// Signatures must survive the store round trip bit-for-bit.
	signer := NewSigner([]byte("pg-test-secret"))
	for _, e := range got {
		if !signer.Verify(e) {
			t.Errorf("entry %s failed verification after round trip", e.ID)
		}
	}

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
}

func TestPostgres_AppendBatchIdempotent(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	e := testEntry("aud_pg_3", now)
	if err := store.AppendBatch(ctx, []*Entry{e}); err != nil {
		t.Fatalf("AppendBatch failed: %v", err)
	}

	// A retried flush replays the same IDs; the store must not duplicate.
	if err := store.AppendBatch(ctx, []*Entry{e, testEntry("aud_pg_4", now)}); err != nil {
		t.Fatalf("retried AppendBatch failed: %v", err)
	}

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Count = %d, want 2 after replay", n)
	}
}

func TestPostgres_QueryFilters(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	a := testEntry("aud_pg_5", now.Add(-time.Hour))
	b := testEntry("aud_pg_6", now)
	b.Action = "frozen"
	b.Category = CategorySecurity
	if err := store.AppendBatch(ctx, []*Entry{a, b}); err != nil {
		t.Fatalf("AppendBatch failed: %v", err)
	}

	got, err := store.Query(ctx, Filter{Action: "frozen"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "aud_pg_6" {
		t.Errorf("action filter = %+v, want only aud_pg_6", got)
	}

	got, err = store.Query(ctx, Filter{From: now.Add(-time.Minute)})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "aud_pg_6" {
		t.Errorf("time filter = %+v, want only aud_pg_6", got)
	}

	got, err = store.Query(ctx, Filter{Category: CategorySecurity, Limit: 1})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("category filter returned %d entries, want 1", len(got))
	}
}
