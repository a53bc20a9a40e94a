package session

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL.
//
// Invariant enforcement lives in the schema and in conditional UPDATEs:
// a partial unique index keeps one non-terminal session per batch,
// ClaimDecision guards on decision IS NULL, and ClaimWarning appends to
// warnings_sent only when the threshold is absent. All three race safely
// across processes.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess *VerificationSession, results []*TransactionVerificationResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO verification_sessions (id, batch_id, business_id, owner_id, status, total_transactions, verified_transactions, approved_count, rejected_count, current_index, deadline, average_risk_score, scored_count, auto_approval_threshold, pause_count, warnings_sent, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, 0, 0, 0, $7, 0, 0, $8, 0, '{}', $9, $10)
	`, sess.ID, sess.BatchID, sess.BusinessID, sess.OwnerID, sess.Status, sess.TotalTransactions, sess.Deadline, sess.AutoApprovalThreshold, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrSessionExists
		}
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO verification_results (session_id, transaction_id, position, txn_date, amount, customer_ref, store_ref, quality_score, reward_amount)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(20,2), $6, $7, $8, NULLIF($9, '')::NUMERIC(20,2))
	`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()
	for i, r := range results {
		if _, err := stmt.ExecContext(ctx, r.SessionID, r.TransactionID, i, r.Date, r.Amount, r.CustomerRef, r.StoreRef, r.QualityScore, r.RewardAmount); err != nil {
			return err
		}
	}

	return tx.Commit()
}

const sessionColumns = `id, batch_id, business_id, COALESCE(owner_id, ''), status, total_transactions, verified_transactions, approved_count, rejected_count, current_index, deadline, started_at, completed_at, average_risk_score, scored_count, auto_approval_threshold, pause_count, warnings_sent, created_at, updated_at`

func scanSession(scan func(...any) error) (*VerificationSession, error) {
	sess := &VerificationSession{}
	var warnings pq.Int64Array
	err := scan(&sess.ID, &sess.BatchID, &sess.BusinessID, &sess.OwnerID, &sess.Status,
		&sess.TotalTransactions, &sess.VerifiedTransactions, &sess.ApprovedCount, &sess.RejectedCount,
		&sess.CurrentTransactionIndex, &sess.Deadline, &sess.StartedAt, &sess.CompletedAt,
		&sess.AverageRiskScore, &sess.ScoredCount, &sess.AutoApprovalThreshold, &sess.PauseCount,
		&warnings, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		sess.WarningsSent = append(sess.WarningsSent, int(w))
	}
	return sess, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*VerificationSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM verification_sessions WHERE id = $1`, id)
	sess, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return sess, err
}

func (s *PostgresStore) GetByBatch(ctx context.Context, batchID string) (*VerificationSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM verification_sessions
		WHERE batch_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, batchID)
	sess, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return sess, err
}

func (s *PostgresStore) UpdateSession(ctx context.Context, sess *VerificationSession) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE verification_sessions
		SET status = $2, verified_transactions = $3, approved_count = $4, rejected_count = $5,
		    current_index = $6, started_at = $7, completed_at = $8, average_risk_score = $9,
		    scored_count = $10, pause_count = $11, updated_at = $12
		WHERE id = $1
	`, sess.ID, sess.Status, sess.VerifiedTransactions, sess.ApprovedCount, sess.RejectedCount,
		sess.CurrentTransactionIndex, sess.StartedAt, sess.CompletedAt, sess.AverageRiskScore,
		sess.ScoredCount, sess.PauseCount, sess.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *PostgresStore) ListActive(ctx context.Context, limit int) ([]*VerificationSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM verification_sessions
		WHERE status IN ('not_started', 'in_progress', 'paused')
		ORDER BY deadline ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var sessions []*VerificationSession
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

const resultColumns = `session_id, transaction_id, txn_date, amount::TEXT, customer_ref, COALESCE(store_ref, ''), quality_score, COALESCE(reward_amount::TEXT, ''), decision, COALESCE(rejection_reason, ''), COALESCE(note, ''), COALESCE(verified_by, ''), verified_at, COALESCE(elapsed_seconds, 0), COALESCE(assessment_id, ''), risk_score, flagged, COALESCE(flag_note, '')`

func scanResult(scan func(...any) error) (*TransactionVerificationResult, error) {
	r := &TransactionVerificationResult{}
	var decision sql.NullString
	var reason string
	err := scan(&r.SessionID, &r.TransactionID, &r.Date, &r.Amount, &r.CustomerRef, &r.StoreRef,
		&r.QualityScore, &r.RewardAmount, &decision, &reason, &r.Note, &r.VerifiedBy, &r.VerifiedAt,
		&r.ElapsedSeconds, &r.AssessmentID, &r.RiskScore, &r.Flagged, &r.FlagNote)
	if err != nil {
		return nil, err
	}
	if decision.Valid {
		d := Decision(decision.String)
		r.Decision = &d
	}
	r.RejectionReason = RejectionReason(reason)
	return r, nil
}

func (s *PostgresStore) GetResult(ctx context.Context, sessionID, transactionID string) (*TransactionVerificationResult, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+resultColumns+` FROM verification_results
		WHERE session_id = $1 AND transaction_id = $2
	`, sessionID, transactionID)
	r, err := scanResult(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrResultNotFound
	}
	return r, err
}

func (s *PostgresStore) ListResults(ctx context.Context, sessionID string) ([]*TransactionVerificationResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+resultColumns+` FROM verification_results
		WHERE session_id = $1
		ORDER BY position ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []*TransactionVerificationResult
	for rows.Next() {
		r, err := scanResult(rows.Scan)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *PostgresStore) ClaimDecision(ctx context.Context, r *TransactionVerificationResult) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE verification_results
		SET decision = $3, rejection_reason = NULLIF($4, ''), note = NULLIF($5, ''),
		    verified_by = $6, verified_at = $7, elapsed_seconds = $8
		WHERE session_id = $1 AND transaction_id = $2 AND decision IS NULL
	`, r.SessionID, r.TransactionID, string(*r.Decision), string(r.RejectionReason), r.Note,
		r.VerifiedBy, r.VerifiedAt, r.ElapsedSeconds)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	// Zero rows: either the row is missing or someone decided first.
	if _, err := s.GetResult(ctx, r.SessionID, r.TransactionID); err != nil {
		return err
	}
	return ErrAlreadyDecided
}

func (s *PostgresStore) UpdateResult(ctx context.Context, r *TransactionVerificationResult) error {
	var decision *string
	if r.Decision != nil {
		d := string(*r.Decision)
		decision = &d
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE verification_results
		SET decision = $3, rejection_reason = NULLIF($4, ''), note = NULLIF($5, ''),
		    verified_by = NULLIF($6, ''), verified_at = $7, elapsed_seconds = $8,
		    flagged = $9, flag_note = NULLIF($10, '')
		WHERE session_id = $1 AND transaction_id = $2
	`, r.SessionID, r.TransactionID, decision, string(r.RejectionReason), r.Note,
		r.VerifiedBy, r.VerifiedAt, r.ElapsedSeconds, r.Flagged, r.FlagNote)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrResultNotFound
	}
	return nil
}

func (s *PostgresStore) AttachAssessment(ctx context.Context, sessionID, transactionID, assessmentID string, riskScore float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE verification_results
		SET assessment_id = $3, risk_score = $4
		WHERE session_id = $1 AND transaction_id = $2
	`, sessionID, transactionID, assessmentID, riskScore)
	return err
}

func (s *PostgresStore) ClaimWarning(ctx context.Context, sessionID string, threshold int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE verification_sessions
		SET warnings_sent = warnings_sent || $2::INT
		WHERE id = $1 AND NOT (warnings_sent @> ARRAY[$2::INT])
	`, sessionID, threshold)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return false, err
	}
	return false, nil
}
