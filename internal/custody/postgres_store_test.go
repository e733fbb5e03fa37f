//go:build integration

package custody

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
)

const escrowSchema = `
CREATE TABLE IF NOT EXISTS escrow_accounts (
    id               TEXT PRIMARY KEY,
    transaction_id   TEXT        NOT NULL,
    borrower_id      TEXT        NOT NULL,
    lender_id        TEXT        NOT NULL,
    rental_fee       BIGINT      NOT NULL,
    security_deposit BIGINT      NOT NULL,
    platform_fee     BIGINT      NOT NULL,
    total_amount     BIGINT      NOT NULL,
    status           TEXT        NOT NULL,
    payment_ref      TEXT,
    conditions       JSONB       NOT NULL DEFAULT '[]',
    freeze_reason    TEXT,
    dispute_id       TEXT,
    version          BIGINT      NOT NULL DEFAULT 1,
    created_at       TIMESTAMPTZ NOT NULL,
    updated_at       TIMESTAMPTZ NOT NULL
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
	if _, err := db.ExecContext(ctx, escrowSchema); err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}

	cleanup := func() {
		db.ExecContext(ctx, "DELETE FROM escrow_accounts")
		db.Close()
	}

	return NewPostgresStore(db), cleanup
}

func testAccount(id, txID string) *Account {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Account{
		ID:              id,
		TransactionID:   txID,
		BorrowerID:      "u_borrower",
		LenderID:        "u_lender",
		RentalFee:       4000,
		SecurityDeposit: 1000,
		PlatformFee:     500,
		TotalAmount:     5500,
		Status:          StatusCreated,
		Conditions: []ReleaseCondition{
			{Type: "goods_returned", Status: ConditionPending, UpdatedAt: now},
		},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPostgres_CreateAndGet(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	a := testAccount("esc_pg_1", "tx_pg_1")
	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.TotalAmount != 5500 || got.Status != StatusCreated {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if len(got.Conditions) != 1 || got.Conditions[0].Type != "goods_returned" {
		t.Errorf("conditions did not round trip: %+v", got.Conditions)
	}

	byTx, err := store.GetByTransaction(ctx, "tx_pg_1")
	if err != nil {
		t.Fatalf("GetByTransaction failed: %v", err)
	}
	if byTx.ID != a.ID {
		t.Errorf("GetByTransaction returned %s, want %s", byTx.ID, a.ID)
	}

	if _, err := store.Get(ctx, "esc_missing"); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("missing account error = %v, want ErrAccountNotFound", err)
	}
}

func TestPostgres_UpdateVersionConflict(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	a := testAccount("esc_pg_2", "tx_pg_2")
	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	a.Status = StatusFunded
	if err := store.Update(ctx, a); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	a.Version++

	stale := testAccount("esc_pg_2", "tx_pg_2")
	stale.Status = StatusFrozen
	if err := store.Update(ctx, stale); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("stale update error = %v, want ErrVersionConflict", err)
	}

	got, err := store.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusFunded || got.Version != 2 {
		t.Errorf("got status=%s version=%d, want funded v2", got.Status, got.Version)
	}
}

func TestPostgres_ListByStatus(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	for i, id := range []string{"esc_pg_3", "esc_pg_4", "esc_pg_5"} {
		a := testAccount(id, "tx_pg_3"+id)
		if i == 2 {
			a.Status = StatusHeld
		}
		if err := store.Create(ctx, a); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	created, err := store.ListByStatus(ctx, StatusCreated, 10)
	if err != nil {
		t.Fatalf("ListByStatus failed: %v", err)
	}
	if len(created) != 2 {
		t.Errorf("got %d created accounts, want 2", len(created))
	}

	held, err := store.ListByStatus(ctx, StatusHeld, 10)
	if err != nil {
		t.Fatalf("ListByStatus failed: %v", err)
	}
	if len(held) != 1 {
		t.Errorf("got %d held accounts, want 1", len(held))
	}
}
