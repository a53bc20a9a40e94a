// Package session implements the collaborative verification workspace for
// one released batch.
//
// A session tracks per-transaction decisions, aggregate progress, and the
// deadline bookkeeping the scheduler drives. Decisions are write-once:
// correcting one is a distinct, audited override, never a silent
// overwrite.
package session

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionExists       = errors.New("an active session already exists for this batch")
	ErrSessionNotActive    = errors.New("session is not accepting decisions")
	ErrResultNotFound      = errors.New("transaction not found in this session")
	ErrAlreadyDecided      = errors.New("transaction already verified")
	ErrNotDecided          = errors.New("transaction has no decision to override")
	ErrInvalidDecision     = errors.New("invalid decision")
	ErrInvalidStatusChange = errors.New("invalid session status change")
)

// Status represents the lifecycle state of a verification session.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusExpired    Status = "expired"
	StatusCancelled  Status = "cancelled"
)

// Decision is a verifier's verdict on one transaction.
type Decision string

const (
	DecisionApproved      Decision = "approved"
	DecisionRejected      Decision = "rejected"
	DecisionPendingReview Decision = "pending_review" // auto-resolution only
)

// RejectionReason is the closed set of reject causes.
type RejectionReason string

const (
	ReasonNotFound          RejectionReason = "not_found"
	ReasonAmountMismatch    RejectionReason = "amount_mismatch"
	ReasonTimeMismatch      RejectionReason = "time_mismatch"
	ReasonDuplicate         RejectionReason = "duplicate"
	ReasonSuspiciousPattern RejectionReason = "suspicious_pattern"
	ReasonInvalidCustomer   RejectionReason = "invalid_customer"
	ReasonOther             RejectionReason = "other"
)

// ValidRejectionReason reports whether r is a known reason.
func ValidRejectionReason(r RejectionReason) bool {
	switch r {
	case ReasonNotFound, ReasonAmountMismatch, ReasonTimeMismatch,
		ReasonDuplicate, ReasonSuspiciousPattern, ReasonInvalidCustomer, ReasonOther:
		return true
	}
	return false
}

// VerificationSession is the live workspace for one batch.
type VerificationSession struct {
	ID                      string     `json:"id"`
	BatchID                 string     `json:"batchId"`
	BusinessID              string     `json:"businessId"`
	OwnerID                 string     `json:"ownerId,omitempty"` // batch creator, receives reminders
	Status                  Status     `json:"status"`
	TotalTransactions       int        `json:"totalTransactions"`
	VerifiedTransactions    int        `json:"verifiedTransactions"`
	ApprovedCount           int        `json:"approvedCount"`
	RejectedCount           int        `json:"rejectedCount"`
	CurrentTransactionIndex int        `json:"currentTransactionIndex"`
	Deadline                time.Time  `json:"deadline"`
	StartedAt               *time.Time `json:"startedAt,omitempty"`
	CompletedAt             *time.Time `json:"completedAt,omitempty"`
	AverageRiskScore        float64    `json:"averageRiskScore"`
	ScoredCount             int        `json:"-"` // decisions with a risk score, feeds the running mean
	AutoApprovalThreshold   float64    `json:"autoApprovalThreshold"`
	PauseCount              int        `json:"pauseCount"`
	WarningsSent            []int      `json:"warningsSent,omitempty"`
	CreatedAt               time.Time  `json:"createdAt"`
	UpdatedAt               time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the session is in a final state.
func (s *VerificationSession) IsTerminal() bool {
	switch s.Status {
	case StatusCompleted, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// CompletionPercentage returns verification progress in [0,100].
func (s *VerificationSession) CompletionPercentage() float64 {
	if s.TotalTransactions == 0 {
		return 0
	}
	return float64(s.VerifiedTransactions) / float64(s.TotalTransactions) * 100
}

// TransactionVerificationResult is one decision record. Decision stays nil
// until the transaction is verified or auto-resolved; once set it only
// changes through the audited override path.
type TransactionVerificationResult struct {
	SessionID       string          `json:"sessionId"`
	TransactionID   string          `json:"transactionId"`
	Date            time.Time       `json:"date"`
	Amount          string          `json:"amount"`
	CustomerRef     string          `json:"customerRef"`
	StoreRef        string          `json:"storeRef,omitempty"`
	QualityScore    *int            `json:"qualityScore,omitempty"`
	RewardAmount    string          `json:"rewardAmount,omitempty"`
	Decision        *Decision       `json:"decision,omitempty"`
	RejectionReason RejectionReason `json:"rejectionReason,omitempty"`
	Note            string          `json:"note,omitempty"`
	VerifiedBy      string          `json:"verifiedBy,omitempty"`
	VerifiedAt      *time.Time      `json:"verifiedAt,omitempty"`
	ElapsedSeconds  float64         `json:"elapsedSeconds,omitempty"`
	AssessmentID    string          `json:"assessmentId,omitempty"`
	RiskScore       *float64        `json:"riskScore,omitempty"`
	Flagged         bool            `json:"flagged,omitempty"`
	FlagNote        string          `json:"flagNote,omitempty"`
}

// Decided reports whether a decision has been recorded.
func (r *TransactionVerificationResult) Decided() bool {
	return r.Decision != nil
}

// Store persists sessions and their result records.
//
// CreateSession must reject a second non-terminal session for the same
// batch. ClaimDecision is the linearization point for the write-once
// decision rule: it sets the decision fields only when no decision
// exists, returning ErrAlreadyDecided for the losing writer.
// ClaimWarning conditionally appends a warning threshold, reporting
// whether this call recorded it.
type Store interface {
	CreateSession(ctx context.Context, s *VerificationSession, results []*TransactionVerificationResult) error
	GetSession(ctx context.Context, id string) (*VerificationSession, error)
	GetByBatch(ctx context.Context, batchID string) (*VerificationSession, error)
	UpdateSession(ctx context.Context, s *VerificationSession) error
	ListActive(ctx context.Context, limit int) ([]*VerificationSession, error)

	GetResult(ctx context.Context, sessionID, transactionID string) (*TransactionVerificationResult, error)
	ListResults(ctx context.Context, sessionID string) ([]*TransactionVerificationResult, error)
	ClaimDecision(ctx context.Context, r *TransactionVerificationResult) error
	UpdateResult(ctx context.Context, r *TransactionVerificationResult) error
	AttachAssessment(ctx context.Context, sessionID, transactionID, assessmentID string, riskScore float64) error

	ClaimWarning(ctx context.Context, sessionID string, threshold int) (bool, error)
}
