package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresStore reads business profiles from PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed directory store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Business, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, category, COALESCE(owner_id, ''),
			hours, context, created_at, updated_at
		FROM businesses
		WHERE id = $1
	`, id)

	b := &Business{}
	var hoursJSON, contextJSON []byte
	err := row.Scan(&b.ID, &b.Name, &b.Status, &b.Category, &b.OwnerID,
		&hoursJSON, &contextJSON, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBusinessNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get business: %w", err)
	}

	if err := json.Unmarshal(hoursJSON, &b.Hours); err != nil {
		return nil, fmt.Errorf("decode business hours: %w", err)
	}
	if err := json.Unmarshal(contextJSON, &b.Context); err != nil {
		return nil, fmt.Errorf("decode business context: %w", err)
	}
	return b, nil
}
