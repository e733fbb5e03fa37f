package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/bookvault/bookvault/internal/money"
)

func cents(n int64) money.Cents { return money.Cents(n) }

// PostgresStore persists sagas in PostgreSQL. The component graph is
// stored as a JSONB document alongside the rollup columns; updates are
// optimistic on the version column.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sagaColumns = `id, owner_id, transaction_id, escrow_account_id, status,
	       components, total_amount, confirmed_amount, pending_amount, refundable_amount,
	       recovery_strategy, confirmation_deadline, recovery_deadline,
	       version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, s *Saga) error {
	compJSON, err := json.Marshal(s.Components)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO sagas (
			id, owner_id, transaction_id, escrow_account_id, status,
			components, total_amount, confirmed_amount, pending_amount, refundable_amount,
			recovery_strategy, confirmation_deadline, recovery_deadline,
			version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13,
			$14, $15, $16
		)`,
		s.ID, s.OwnerID, s.TransactionID, nullStr(s.EscrowAccountID), string(s.Status),
		compJSON, int64(s.TotalAmount), int64(s.ConfirmedAmount), int64(s.PendingAmount), int64(s.RefundableAmount),
		nullStr(s.RecoveryStrategy), s.ConfirmationDeadline, s.RecoveryDeadline,
		s.Version, s.CreatedAt, s.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Saga, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sagaColumns+` FROM sagas WHERE id = $1`, id)
	s, err := scanSaga(row)
	if err == sql.ErrNoRows {
		return nil, ErrSagaNotFound
	}
	return s, err
}

func (p *PostgresStore) Update(ctx context.Context, s *Saga) error {
	compJSON, err := json.Marshal(s.Components)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE sagas SET
			escrow_account_id = $1, status = $2, components = $3,
			confirmed_amount = $4, pending_amount = $5, refundable_amount = $6,
			recovery_strategy = $7,
			version = version + 1, updated_at = $8
		WHERE id = $9 AND version = $10`,
		nullStr(s.EscrowAccountID), string(s.Status), compJSON,
		int64(s.ConfirmedAmount), int64(s.PendingAmount), int64(s.RefundableAmount),
		nullStr(s.RecoveryStrategy),
		s.UpdatedAt, s.ID, s.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM sagas WHERE id = $1)`, s.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrSagaNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Saga, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sagaColumns+`
		FROM sagas
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSagas(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Saga, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sagaColumns+`
		FROM sagas
		WHERE status NOT IN ('confirmed', 'cancelled')
		  AND confirmation_deadline < $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSagas(rows)
}

type sagaScanner interface {
	Scan(dest ...interface{}) error
}

func scanSaga(sc sagaScanner) (*Saga, error) {
	s := &Saga{}
	var (
		escrowID sql.NullString
		strategy sql.NullString
		status   string
		compJSON []byte
		total    int64
		conf     int64
		pend     int64
		refd     int64
	)
	err := sc.Scan(
		&s.ID, &s.OwnerID, &s.TransactionID, &escrowID, &status,
		&compJSON, &total, &conf, &pend, &refd,
		&strategy, &s.ConfirmationDeadline, &s.RecoveryDeadline,
		&s.Version, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.EscrowAccountID = escrowID.String
	s.RecoveryStrategy = strategy.String
	s.Status = Status(status)
	s.TotalAmount, s.ConfirmedAmount = cents(total), cents(conf)
	s.PendingAmount, s.RefundableAmount = cents(pend), cents(refd)
	if len(compJSON) > 0 {
		if err := json.Unmarshal(compJSON, &s.Components); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func scanSagas(rows *sql.Rows) ([]*Saga, error) {
	var result []*Saga
	for rows.Next() {
		s, err := scanSaga(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
