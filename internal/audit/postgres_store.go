package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PostgresStore persists audit entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates an audit store backed by PostgreSQL.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) AppendBatch(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range entries {
		before, _ := json.Marshal(e.Before)
		after, _ := json.Marshal(e.After)
		// ON CONFLICT DO NOTHING: a retried flush must not duplicate an
		// entry that an earlier partial flush already persisted.
		_, err := tx.ExecContext(ctx, `
			INSERT INTO audit_log (id, ts, actor, action, entity_type, entity_id, before_state, after_state, category, retention_until, signature)
			VALUES ($1, $2, $3, $4, $5, $6, $7::JSONB, $8::JSONB, $9, $10, $11)
			ON CONFLICT (id) DO NOTHING
		`, e.ID, e.Timestamp, e.Actor, e.Action, e.EntityType, e.EntityID,
			string(before), string(after), string(e.Category), e.RetentionUntil, e.Signature)
		if err != nil {
			return fmt.Errorf("audit: insert entry %s: %w", e.ID, err)
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	var conds []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.EntityType != "" {
		conds = append(conds, "entity_type = "+arg(f.EntityType))
	}
	if f.EntityID != "" {
		conds = append(conds, "entity_id = "+arg(f.EntityID))
	}
	if f.Actor != "" {
		conds = append(conds, "actor = "+arg(f.Actor))
	}
	if f.Action != "" {
		conds = append(conds, "action = "+arg(f.Action))
	}
	if f.Category != "" {
		conds = append(conds, "category = "+arg(string(f.Category)))
	}
	if !f.From.IsZero() {
		conds = append(conds, "ts >= "+arg(f.From))
	}
	if !f.To.IsZero() {
		conds = append(conds, "ts <= "+arg(f.To))
	}

	query := `SELECT id, ts, actor, action, entity_type, entity_id,
		COALESCE(before_state::TEXT, 'null'), COALESCE(after_state::TEXT, 'null'),
		category, retention_until, signature
		FROM audit_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var before, after, category string
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Actor, &e.Action, &e.EntityType, &e.EntityID,
			&before, &after, &category, &e.RetentionUntil, &e.Signature); err != nil {
			return nil, err
		}
		e.Category = Category(category)
		_ = json.Unmarshal([]byte(before), &e.Before)
		_ = json.Unmarshal([]byte(after), &e.After)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`).Scan(&n)
	return n, err
}
