//go:build integration

package saga

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
)

const sagaSchema = `
CREATE TABLE IF NOT EXISTS sagas (
    id                    TEXT PRIMARY KEY,
    owner_id              TEXT        NOT NULL,
    transaction_id        TEXT        NOT NULL,
    escrow_account_id     TEXT,
    status                TEXT        NOT NULL,
    components            JSONB       NOT NULL DEFAULT '[]',
    total_amount          BIGINT      NOT NULL,
    confirmed_amount      BIGINT      NOT NULL,
    pending_amount        BIGINT      NOT NULL,
    refundable_amount     BIGINT      NOT NULL,
    recovery_strategy     TEXT,
    confirmation_deadline TIMESTAMPTZ NOT NULL,
    recovery_deadline     TIMESTAMPTZ NOT NULL,
    version               BIGINT      NOT NULL DEFAULT 1,
    created_at            TIMESTAMPTZ NOT NULL,
    updated_at            TIMESTAMPTZ NOT NULL
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
	if _, err := db.ExecContext(ctx, sagaSchema); err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}

	cleanup := func() {
		db.ExecContext(ctx, "DELETE FROM sagas")
		db.Close()
	}

	return NewPostgresStore(db), cleanup
}

func testSaga(id string, deadline time.Time) *Saga {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Saga{
		ID:            id,
		OwnerID:       "u_borrower",
		TransactionID: "tx_" + id,
		Status:        StatusPendingConfirmation,
		Components: []*Component{
			{ID: "c_auth", Type: TypeAuthorizePayment, Status: ComponentCompleted, Amount: 5500, Result: "auth-1", MaxAttempts: 5},
			{ID: "c_fund", Type: TypeFundEscrow, Status: ComponentPending, DependsOn: []string{"c_auth"}, MaxAttempts: 3},
		},
		TotalAmount:          5500,
		ConfirmedAmount:      5500,
		PendingAmount:        0,
		RefundableAmount:     5500,
		ConfirmationDeadline: deadline,
		RecoveryDeadline:     deadline.Add(24 * time.Hour),
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

func TestPostgres_SagaRoundTrip(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	deadline := time.Now().UTC().Add(time.Hour).Truncate(time.Microsecond)
	sg := testSaga("sga_pg_1", deadline)
	if err := store.Create(ctx, sg); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, sg.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.TotalAmount != 5500 || got.Status != StatusPendingConfirmation {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if len(got.Components) != 2 {
		t.Fatalf("got %d components, want 2", len(got.Components))
	}
	if got.Components[0].Result != "auth-1" || got.Components[1].DependsOn[0] != "c_auth" {
		t.Errorf("components did not round trip: %+v", got.Components)
	}

	if _, err := store.Get(ctx, "sga_missing"); !errors.Is(err, ErrSagaNotFound) {
		t.Errorf("missing saga error = %v, want ErrSagaNotFound", err)
	}
}

func TestPostgres_SagaUpdateVersionConflict(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	sg := testSaga("sga_pg_2", time.Now().UTC().Add(time.Hour))
	if err := store.Create(ctx, sg); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	sg.Status = StatusConfirmed
	if err := store.Update(ctx, sg); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	stale := testSaga("sga_pg_2", time.Now().UTC().Add(time.Hour))
	stale.Status = StatusCancelled
	if err := store.Update(ctx, stale); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("stale update error = %v, want ErrVersionConflict", err)
	}
}

func TestPostgres_SagaListExpired(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC()

	past := testSaga("sga_pg_3", now.Add(-time.Hour))
	future := testSaga("sga_pg_4", now.Add(time.Hour))
	done := testSaga("sga_pg_5", now.Add(-time.Hour))
	done.Status = StatusConfirmed

	for _, sg := range []*Saga{past, future, done} {
		if err := store.Create(ctx, sg); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	expired, err := store.ListExpired(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListExpired failed: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "sga_pg_3" {
		t.Errorf("expired = %+v, want only sga_pg_3", expired)
	}
}
