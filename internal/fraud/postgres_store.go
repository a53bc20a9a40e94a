package fraud

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresStore implements Store using PostgreSQL. One row per
// transaction; re-scoring upserts in place.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, a *Assessment) error {
	triggered, err := json.Marshal(a.Triggered)
	if err != nil {
		return fmt.Errorf("marshal triggered indicators: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fraud_assessments (id, transaction_id, batch_id, business_id, risk_score, risk_level, confidence, recommendation, triggered, ml_score, context_missing, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9::JSONB, '[]'), $10, $11, $12)
		ON CONFLICT (transaction_id) DO UPDATE SET
			id = EXCLUDED.id,
			risk_score = EXCLUDED.risk_score,
			risk_level = EXCLUDED.risk_level,
			confidence = EXCLUDED.confidence,
			recommendation = EXCLUDED.recommendation,
			triggered = EXCLUDED.triggered,
			ml_score = EXCLUDED.ml_score,
			context_missing = EXCLUDED.context_missing,
			evaluated_at = EXCLUDED.evaluated_at
	`, a.ID, a.TransactionID, a.BatchID, a.BusinessID, a.RiskScore, a.RiskLevel, a.Confidence, a.Recommendation, string(triggered), a.MLScore, a.ContextMissing, a.EvaluatedAt)
	return err
}

const assessmentColumns = `id, transaction_id, COALESCE(batch_id, ''), COALESCE(business_id, ''), risk_score, risk_level, confidence, recommendation, COALESCE(triggered::TEXT, '[]'), ml_score, context_missing, evaluated_at`

func (s *PostgresStore) GetByTransaction(ctx context.Context, transactionID string) (*Assessment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+assessmentColumns+` FROM fraud_assessments WHERE transaction_id = $1
	`, transactionID)
	a, err := scanAssessment(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAssessmentNotFound
	}
	return a, err
}

func (s *PostgresStore) ListByBatch(ctx context.Context, batchID string) ([]*Assessment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+assessmentColumns+` FROM fraud_assessments WHERE batch_id = $1 ORDER BY evaluated_at ASC
	`, batchID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Assessment
	for rows.Next() {
		a, err := scanAssessment(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAssessment(scan func(...any) error) (*Assessment, error) {
	a := &Assessment{}
	var triggered string
	if err := scan(&a.ID, &a.TransactionID, &a.BatchID, &a.BusinessID, &a.RiskScore, &a.RiskLevel, &a.Confidence, &a.Recommendation, &triggered, &a.MLScore, &a.ContextMissing, &a.EvaluatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(triggered), &a.Triggered); err != nil {
		return nil, fmt.Errorf("unmarshal triggered indicators: %w", err)
	}
	return a, nil
}
