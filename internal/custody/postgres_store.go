package custody

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/bookvault/bookvault/internal/money"
)

// PostgresStore persists escrow accounts in PostgreSQL. Updates are
// optimistic: the WHERE clause pins the version the caller read.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `id, transaction_id, borrower_id, lender_id,
	       rental_fee, security_deposit, platform_fee, total_amount,
	       status, payment_ref, conditions, freeze_reason, dispute_id,
	       version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, a *Account) error {
	condJSON, _ := json.Marshal(a.Conditions)
	if a.Conditions == nil {
		condJSON = []byte("[]")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_accounts (
			id, transaction_id, borrower_id, lender_id,
			rental_fee, security_deposit, platform_fee, total_amount,
			status, payment_ref, conditions, freeze_reason, dispute_id,
			version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11, $12, $13,
			$14, $15, $16
		)`,
		a.ID, a.TransactionID, a.BorrowerID, a.LenderID,
		int64(a.RentalFee), int64(a.SecurityDeposit), int64(a.PlatformFee), int64(a.TotalAmount),
		string(a.Status), nullString(a.PaymentRef), condJSON, nullString(a.FreezeReason), nullString(a.DisputeID),
		a.Version, a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM escrow_accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	return a, err
}

func (p *PostgresStore) GetByTransaction(ctx context.Context, txID string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM escrow_accounts WHERE transaction_id = $1`, txID)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	return a, err
}

func (p *PostgresStore) Update(ctx context.Context, a *Account) error {
	condJSON, _ := json.Marshal(a.Conditions)
	if a.Conditions == nil {
		condJSON = []byte("[]")
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_accounts SET
			status = $1, payment_ref = $2, conditions = $3,
			freeze_reason = $4, dispute_id = $5,
			version = version + 1, updated_at = $6
		WHERE id = $7 AND version = $8`,
		string(a.Status), nullString(a.PaymentRef), condJSON,
		nullString(a.FreezeReason), nullString(a.DisputeID),
		a.UpdatedAt, a.ID, a.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either missing or a lost update; disambiguate for the caller.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM escrow_accounts WHERE id = $1)`, a.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrAccountNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Account, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM escrow_accounts
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(s scanner) (*Account, error) {
	a := &Account{}
	var (
		status       string
		paymentRef   sql.NullString
		condJSON     []byte
		freezeReason sql.NullString
		disputeID    sql.NullString
		rentalFee    int64
		deposit      int64
		platformFee  int64
		total        int64
	)
	err := s.Scan(
		&a.ID, &a.TransactionID, &a.BorrowerID, &a.LenderID,
		&rentalFee, &deposit, &platformFee, &total,
		&status, &paymentRef, &condJSON, &freezeReason, &disputeID,
		&a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.RentalFee = money.Cents(rentalFee)
	a.SecurityDeposit = money.Cents(deposit)
	a.PlatformFee = money.Cents(platformFee)
	a.TotalAmount = money.Cents(total)
	a.Status = Status(status)
	a.PaymentRef = paymentRef.String
	a.FreezeReason = freezeReason.String
	a.DisputeID = disputeID.String
	if len(condJSON) > 0 {
		_ = json.Unmarshal(condJSON, &a.Conditions)
	}
	return a, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
