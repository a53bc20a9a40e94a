package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jplaza/payguard/internal/pagination"
)

// PostgresStore implements Store using PostgreSQL. The backing table has
// no UPDATE or DELETE path in this codebase; rows are written once.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, e *Entry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, event, actor_type, actor_id, batch_id, session_id, business_id, reference, before_state, after_state, metadata, occurred_at, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE($11::JSONB, '{}'), $12, $13)
	`, e.ID, e.Event, e.Actor.Type, e.Actor.ID, e.BatchID, e.SessionID, e.BusinessID, e.Reference, e.BeforeState, e.AfterState, string(meta), e.OccurredAt, e.RecordedAt)
	return err
}

func (s *PostgresStore) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	cur, err := pagination.Decode(f.Cursor)
	if err != nil {
		return nil, err
	}

	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.BatchID != "" {
		add("batch_id = $%d", f.BatchID)
	}
	if f.SessionID != "" {
		add("session_id = $%d", f.SessionID)
	}
	if f.BusinessID != "" {
		add("business_id = $%d", f.BusinessID)
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.Event != "" {
		add("event = $%d", string(f.Event))
	}
	if cur != nil {
		args = append(args, cur.RecordedAt, cur.ID)
		conds = append(conds, fmt.Sprintf("(recorded_at, id) > ($%d, $%d)", len(args)-1, len(args)))
	}

	query := `
		SELECT id, event, actor_type, actor_id, batch_id, session_id, business_id, reference, before_state, after_state, COALESCE(metadata::TEXT, '{}'), occurred_at, recorded_at
		FROM audit_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY recorded_at ASC, id ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var meta string
		if err := rows.Scan(&e.ID, &e.Event, &e.Actor.Type, &e.Actor.ID, &e.BatchID, &e.SessionID, &e.BusinessID, &e.Reference, &e.BeforeState, &e.AfterState, &meta, &e.OccurredAt, &e.RecordedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
