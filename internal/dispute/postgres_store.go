package dispute

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/bookvault/bookvault/internal/money"
)

// PostgresStore persists disputes in PostgreSQL. Updates are optimistic:
// the WHERE clause pins the version the caller read.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, transaction_id, escrow_account_id, reporter_id, respondent_id,
	       type, category, title, description, disputed_amount,
	       severity, priority, status, escrow_held,
	       evidence, timeline, resolution, phase_deadline,
	       version, created_at, updated_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	evJSON, tlJSON, resJSON := marshalDocs(d)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (
			id, transaction_id, escrow_account_id, reporter_id, respondent_id,
			type, category, title, description, disputed_amount,
			severity, priority, status, escrow_held,
			evidence, timeline, resolution, phase_deadline,
			version, created_at, updated_at, resolved_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, $18,
			$19, $20, $21, $22
		)`,
		d.ID, d.TransactionID, nullString(d.EscrowAccountID), d.ReporterID, d.RespondentID,
		string(d.Type), string(d.Category), d.Title, d.Description, int64(d.DisputedAmount),
		d.Severity, string(d.Priority), string(d.Status), d.EscrowHeld,
		evJSON, tlJSON, resJSON, nullTime(d.PhaseDeadline),
		d.Version, d.CreatedAt, d.UpdatedAt, nullTimePtr(d.ResolvedAt),
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) GetByTransaction(ctx context.Context, txID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE transaction_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, txID)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	evJSON, tlJSON, resJSON := marshalDocs(d)
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			escrow_account_id = $1, status = $2, priority = $3, escrow_held = $4,
			evidence = $5, timeline = $6, resolution = $7, phase_deadline = $8,
			version = version + 1, updated_at = $9, resolved_at = $10
		WHERE id = $11 AND version = $12`,
		nullString(d.EscrowAccountID), string(d.Status), string(d.Priority), d.EscrowHeld,
		evJSON, tlJSON, resJSON, nullTime(d.PhaseDeadline),
		d.UpdatedAt, nullTimePtr(d.ResolvedAt), d.ID, d.Version,
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
			`SELECT EXISTS (SELECT 1 FROM disputes WHERE id = $1)`, d.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrDisputeNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectDisputes(rows)
}

func (p *PostgresStore) ListTimedOut(ctx context.Context, now time.Time, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE status IN ('investigating', 'mediation')
		  AND phase_deadline IS NOT NULL
		  AND phase_deadline < $1
		ORDER BY phase_deadline ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectDisputes(rows)
}

func collectDisputes(rows *sql.Rows) ([]*Dispute, error) {
	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func marshalDocs(d *Dispute) (evidence, timeline, resolution []byte) {
	evidence, _ = json.Marshal(d.Evidence)
	if d.Evidence == nil {
		evidence = []byte("[]")
	}
	timeline, _ = json.Marshal(d.Timeline)
	if d.Timeline == nil {
		timeline = []byte("[]")
	}
	if d.Resolution != nil {
		resolution, _ = json.Marshal(d.Resolution)
	}
	return evidence, timeline, resolution
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		escrowID      sql.NullString
		typ           string
		category      string
		priority      string
		status        string
		amount        int64
		evJSON        []byte
		tlJSON        []byte
		resJSON       []byte
		phaseDeadline sql.NullTime
		resolvedAt    sql.NullTime
	)
	err := s.Scan(
		&d.ID, &d.TransactionID, &escrowID, &d.ReporterID, &d.RespondentID,
		&typ, &category, &d.Title, &d.Description, &amount,
		&d.Severity, &priority, &status, &d.EscrowHeld,
		&evJSON, &tlJSON, &resJSON, &phaseDeadline,
		&d.Version, &d.CreatedAt, &d.UpdatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	d.EscrowAccountID = escrowID.String
	d.Type = Type(typ)
	d.Category = Category(category)
	d.Priority = Priority(priority)
	d.Status = Status(status)
	d.DisputedAmount = money.Cents(amount)
	if len(evJSON) > 0 {
		_ = json.Unmarshal(evJSON, &d.Evidence)
	}
	if len(tlJSON) > 0 {
		_ = json.Unmarshal(tlJSON, &d.Timeline)
	}
	if len(resJSON) > 0 {
		_ = json.Unmarshal(resJSON, &d.Resolution)
	}
	if phaseDeadline.Valid {
		d.PhaseDeadline = phaseDeadline.Time
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	return d, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
