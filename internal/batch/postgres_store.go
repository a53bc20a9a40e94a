package batch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL. The one-active-batch
// invariant per (business, week, year) is enforced by a partial unique
// index that excludes cancelled rows, so concurrent imports race safely.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, b *PaymentBatch, txns []*Transaction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payment_batches (id, business_id, week, year, status, transaction_count, total_amount, notes, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC(20,2), $8, $9, $10, $11)
	`, b.ID, b.BusinessID, b.Week, b.Year, b.Status, b.TransactionCount, b.TotalAmount, b.Notes, b.CreatedBy, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateBatch
		}
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO batch_transactions (id, batch_id, position, txn_date, amount, customer_ref, store_ref, department, staff_name, category, narrative, quality_score, reward_amount)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(20,2), $6, $7, $8, $9, $10, $11, $12, NULLIF($13, '')::NUMERIC(20,2))
	`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()
	for i, t := range txns {
		if _, err := stmt.ExecContext(ctx, t.ID, t.BatchID, i, t.Date, t.Amount, t.CustomerRef, t.StoreRef, t.Department, t.StaffName, t.Category, t.Narrative, t.QualityScore, t.RewardAmount); err != nil {
			return fmt.Errorf("insert transaction %s: %w", t.ID, err)
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*PaymentBatch, error) {
	b := &PaymentBatch{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, business_id, week, year, status, transaction_count, total_amount::TEXT, deadline, COALESCE(notes, ''), created_by, released_at, COALESCE(cancel_reason, ''), created_at, updated_at
		FROM payment_batches WHERE id = $1
	`, id).Scan(&b.ID, &b.BusinessID, &b.Week, &b.Year, &b.Status, &b.TransactionCount, &b.TotalAmount, &b.Deadline, &b.Notes, &b.CreatedBy, &b.ReleasedAt, &b.CancelReason, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *PostgresStore) Update(ctx context.Context, b *PaymentBatch) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payment_batches
		SET status = $2, deadline = $3, notes = $4, released_at = $5, cancel_reason = NULLIF($6, ''), updated_at = $7
		WHERE id = $1
	`, b.ID, b.Status, b.Deadline, b.Notes, b.ReleasedAt, b.CancelReason, b.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrBatchNotFound
	}
	return nil
}

func (s *PostgresStore) ListByBusiness(ctx context.Context, businessID string, limit int) ([]*PaymentBatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, business_id, week, year, status, transaction_count, total_amount::TEXT, deadline, COALESCE(notes, ''), created_by, released_at, COALESCE(cancel_reason, ''), created_at, updated_at
		FROM payment_batches
		WHERE business_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, businessID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var batches []*PaymentBatch
	for rows.Next() {
		b := &PaymentBatch{}
		if err := rows.Scan(&b.ID, &b.BusinessID, &b.Week, &b.Year, &b.Status, &b.TransactionCount, &b.TotalAmount, &b.Deadline, &b.Notes, &b.CreatedBy, &b.ReleasedAt, &b.CancelReason, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func (s *PostgresStore) Transactions(ctx context.Context, batchID string) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_id, txn_date, amount::TEXT, customer_ref, COALESCE(store_ref, ''), COALESCE(department, ''), COALESCE(staff_name, ''), COALESCE(category, ''), COALESCE(narrative, ''), quality_score, COALESCE(reward_amount::TEXT, '')
		FROM batch_transactions
		WHERE batch_id = $1
		ORDER BY position ASC
	`, batchID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var txns []*Transaction
	for rows.Next() {
		t := &Transaction{}
		if err := rows.Scan(&t.ID, &t.BatchID, &t.Date, &t.Amount, &t.CustomerRef, &t.StoreRef, &t.Department, &t.StaffName, &t.Category, &t.Narrative, &t.QualityScore, &t.RewardAmount); err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}
