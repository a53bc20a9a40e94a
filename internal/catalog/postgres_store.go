package catalog

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore persists learned indicator confidences in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed confidence store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) LoadConfidences(ctx context.Context) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT indicator_id, confidence FROM indicator_confidences
	`)
	if err != nil {
		return nil, fmt.Errorf("load indicator confidences: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]float64)
	for rows.Next() {
		var id string
		var conf float64
		if err := rows.Scan(&id, &conf); err != nil {
			return nil, err
		}
		out[id] = conf
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveConfidence(ctx context.Context, indicatorID string, confidence float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO indicator_confidences (indicator_id, confidence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (indicator_id)
		DO UPDATE SET confidence = EXCLUDED.confidence, updated_at = NOW()
	`, indicatorID, confidence)
	if err != nil {
		return fmt.Errorf("save indicator confidence: %w", err)
	}
	return nil
}
