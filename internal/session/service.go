package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jplaza/payguard/internal/audit"
	"github.com/jplaza/payguard/internal/batch"
	"github.com/jplaza/payguard/internal/deadline"
	"github.com/jplaza/payguard/internal/directory"
	"github.com/jplaza/payguard/internal/fraud"
	"github.com/jplaza/payguard/internal/idgen"
	"github.com/jplaza/payguard/internal/logging"
	"github.com/jplaza/payguard/internal/metrics"
	"github.com/jplaza/payguard/internal/syncutil"
	"github.com/jplaza/payguard/internal/traces"
)

// autoApproveNote is the reason recorded on deadline-driven approvals.
const autoApproveNote = "auto-approved: deadline expired"

// EventEmitter broadcasts session events to realtime subscribers.
// Delivery is best-effort.
type EventEmitter interface {
	EmitSession(eventType, sessionID, batchID string, data map[string]any)
}

// Notifier sends fire-and-forget notifications to users.
type Notifier interface {
	Notify(ctx context.Context, userID, eventType string, data map[string]any)
}

// Service implements verification session business logic. Mutations for a
// given session are serialized through a per-session lock; sessions are
// fully parallel with each other.
type Service struct {
	store            Store
	batches          *batch.Lifecycle
	engine           *fraud.Engine
	directory        directory.Store
	trail            *audit.Trail
	events           EventEmitter
	notifier         Notifier
	locks            *syncutil.ContextShardedMutex
	defaultThreshold float64
	now              func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithEvents(e EventEmitter) Option      { return func(s *Service) { s.events = e } }
func WithNotifier(n Notifier) Option        { return func(s *Service) { s.notifier = n } }
func WithThreshold(t float64) Option        { return func(s *Service) { s.defaultThreshold = t } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates the verification session service.
func NewService(store Store, batches *batch.Lifecycle, engine *fraud.Engine, dir directory.Store, trail *audit.Trail, opts ...Option) *Service {
	s := &Service{
		store:            store,
		batches:          batches,
		engine:           engine,
		directory:        dir,
		trail:            trail,
		locks:            syncutil.NewContextShardedMutex(),
		defaultThreshold: 30,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenForBatch creates the verification session for a freshly released
// batch, seeds one result record per transaction, and kicks off fraud
// pre-scoring in the background. Implements batch.SessionOpener.
func (s *Service) OpenForBatch(ctx context.Context, b *batch.PaymentBatch, autoStart bool) (string, error) {
	txns, err := s.batches.Transactions(ctx, b.ID)
	if err != nil {
		return "", err
	}

	now := s.now().UTC()
	sess := &VerificationSession{
		ID:                    idgen.WithPrefix("vs_"),
		BatchID:               b.ID,
		BusinessID:            b.BusinessID,
		OwnerID:               b.CreatedBy,
		Status:                StatusNotStarted,
		TotalTransactions:     len(txns),
		AutoApprovalThreshold: s.defaultThreshold,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if b.Deadline != nil {
		sess.Deadline = *b.Deadline
	}

	results := make([]*TransactionVerificationResult, len(txns))
	for i, txn := range txns {
		results[i] = &TransactionVerificationResult{
			SessionID:     sess.ID,
			TransactionID: txn.ID,
			Date:          txn.Date,
			Amount:        txn.Amount,
			CustomerRef:   txn.CustomerRef,
			StoreRef:      txn.StoreRef,
			QualityScore:  txn.QualityScore,
			RewardAmount:  txn.RewardAmount,
		}
	}

	if err := s.store.CreateSession(ctx, sess, results); err != nil {
		return "", err
	}
	metrics.ActiveSessions.Inc()

	// Pre-score the whole batch before returning so the first verifier
	// already sees risk scores. The engine fans out across its worker
	// pool; a scoring failure leaves results unscored, and
	// auto-resolution treats unscored as above-threshold.
	s.prescore(ctx, sess.ID, b.BusinessID, txns)

	if autoStart {
		if _, err := s.Start(ctx, sess.ID, ""); err != nil {
			logging.L(ctx).Warn("auto-start failed", "sessionId", sess.ID, "error", err)
		}
	}

	return sess.ID, nil
}

func (s *Service) prescore(ctx context.Context, sessionID, businessID string, txns []*batch.Transaction) {
	biz, err := s.directory.Get(ctx, businessID)
	if err != nil {
		biz = nil // scoring degrades, it does not fail
	}
	for _, a := range s.engine.AssessBatch(ctx, txns, biz) {
		if err := s.store.AttachAssessment(ctx, sessionID, a.TransactionID, a.ID, a.RiskScore); err != nil {
			logging.L(ctx).Warn("failed to attach assessment",
				"sessionId", sessionID, "transactionId", a.TransactionID, "error", err)
		}
	}
}

// HasActiveSession implements batch.SessionOpener.
func (s *Service) HasActiveSession(ctx context.Context, batchID string) (bool, error) {
	sess, err := s.store.GetByBatch(ctx, batchID)
	if errors.Is(err, ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !sess.IsTerminal(), nil
}

// CancelForBatch tears down the batch's session on batch cancellation.
// Implements batch.SessionOpener.
func (s *Service) CancelForBatch(ctx context.Context, batchID, reason string) error {
	sess, err := s.store.GetByBatch(ctx, batchID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	unlock, err := s.locks.LockContext(ctx, sess.ID)
	if err != nil {
		return err
	}
	defer unlock()

	sess, err = s.store.GetSession(ctx, sess.ID)
	if err != nil {
		return err
	}
	if sess.IsTerminal() {
		return nil
	}
	sess.Status = StatusCancelled
	sess.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return err
	}
	metrics.ActiveSessions.Dec()
	s.emit("session_cancelled", sess, map[string]any{"reason": reason})
	return nil
}

// Start moves a session to in_progress when the first verifier opens it.
// Starting an already-running session is a no-op returning the current
// state, so concurrent opens are harmless.
func (s *Service) Start(ctx context.Context, sessionID, verifierID string) (*VerificationSession, error) {
	unlock, err := s.locks.LockContext(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == StatusInProgress {
		return sess, nil
	}
	if sess.Status != StatusNotStarted {
		return nil, fmt.Errorf("%w: session is %s", ErrInvalidStatusChange, sess.Status)
	}

	now := s.now().UTC()
	sess.Status = StatusInProgress
	sess.StartedAt = &now
	sess.UpdatedAt = now
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}

	if err := s.batches.MarkInProgress(ctx, sess.BatchID); err != nil && !errors.Is(err, batch.ErrInvalidStatus) {
		logging.L(ctx).Warn("batch transition failed on session start", "batchId", sess.BatchID, "error", err)
	}

	actor := audit.SystemActor
	if verifierID != "" {
		actor = audit.Actor{Type: "verifier", ID: verifierID}
	}
	s.append(ctx, &audit.Entry{
		Event:       audit.EventVerificationStarted,
		Actor:       actor,
		BatchID:     sess.BatchID,
		SessionID:   sess.ID,
		BusinessID:  sess.BusinessID,
		BeforeState: string(StatusNotStarted),
		AfterState:  string(StatusInProgress),
	})
	s.emit("verification_started", sess, map[string]any{"verifierId": verifierID})
	return sess, nil
}

// DecisionRequest carries one verifier decision.
type DecisionRequest struct {
	TransactionID  string          `json:"transactionId" binding:"required"`
	Decision       Decision        `json:"decision" binding:"required"`
	Reason         RejectionReason `json:"reason,omitempty"`
	Note           string          `json:"note,omitempty"`
	ElapsedSeconds float64         `json:"elapsedSeconds,omitempty"`
	VerifierID     string          `json:"-"`
}

// RecordDecision applies one write-once verifier decision. Concurrent
// calls for the same transaction yield exactly one winner; the loser gets
// ErrAlreadyDecided. Completing the last transaction moves the batch to
// completed.
func (s *Service) RecordDecision(ctx context.Context, sessionID string, req DecisionRequest) (*TransactionVerificationResult, error) {
	ctx, span := traces.StartSpan(ctx, "session.RecordDecision",
		traces.SessionID(sessionID), traces.TransactionID(req.TransactionID),
		traces.Decision(string(req.Decision)))
	defer span.End()

	switch req.Decision {
	case DecisionApproved:
	case DecisionRejected:
		if !ValidRejectionReason(req.Reason) {
			return nil, fmt.Errorf("%w: rejection requires a valid reason", ErrInvalidDecision)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecision, req.Decision)
	}

	unlock, err := s.locks.LockContext(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != StatusInProgress {
		return nil, fmt.Errorf("%w: session is %s", ErrSessionNotActive, sess.Status)
	}

	result, err := s.store.GetResult(ctx, sessionID, req.TransactionID)
	if err != nil {
		return nil, err
	}
	if result.Decided() {
		return nil, ErrAlreadyDecided
	}

	now := s.now().UTC()
	decision := req.Decision
	result.Decision = &decision
	if decision == DecisionRejected {
		result.RejectionReason = req.Reason
	}
	result.Note = req.Note
	result.VerifiedBy = req.VerifierID
	result.VerifiedAt = &now
	result.ElapsedSeconds = req.ElapsedSeconds

	if err := s.store.ClaimDecision(ctx, result); err != nil {
		return nil, err
	}

	s.applyDecisionToCounts(sess, result)
	sess.UpdatedAt = now
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	metrics.DecisionsTotal.WithLabelValues(string(decision), "human").Inc()

	event := audit.EventTransactionApproved
	if decision == DecisionRejected {
		event = audit.EventTransactionRejected
	}
	meta := map[string]any{
		"elapsedSeconds": req.ElapsedSeconds,
	}
	if result.RiskScore != nil {
		meta["riskScore"] = *result.RiskScore
	}
	if result.RejectionReason != "" {
		meta["reason"] = result.RejectionReason
	}
	s.append(ctx, &audit.Entry{
		Event:      event,
		Actor:      audit.Actor{Type: "verifier", ID: req.VerifierID},
		BatchID:    sess.BatchID,
		SessionID:  sess.ID,
		BusinessID: sess.BusinessID,
		Reference:  req.TransactionID,
		AfterState: string(decision),
		Metadata:   meta,
	})

	s.emit(string(event), sess, map[string]any{
		"transactionId":        req.TransactionID,
		"decision":             decision,
		"verifierId":           req.VerifierID,
		"verifiedTransactions": sess.VerifiedTransactions,
		"completionPercentage": sess.CompletionPercentage(),
	})

	// Feed the outcome into the learning hook, off the hot path.
	if result.AssessmentID != "" {
		go s.feedback(context.Background(), req.TransactionID, decision == DecisionRejected)
	}

	if sess.VerifiedTransactions == sess.TotalTransactions {
		if err := s.complete(ctx, sess); err != nil {
			logging.L(ctx).Warn("session completion failed", "sessionId", sess.ID, "error", err)
		}
	}

	return result, nil
}

func (s *Service) feedback(ctx context.Context, transactionID string, humanRejected bool) {
	a, err := s.engine.Lookup(ctx, transactionID)
	if err != nil {
		return
	}
	s.engine.Feedback(ctx, a, humanRejected)
}

// applyDecisionToCounts folds one fresh decision into the aggregates.
// pending_review marks a transaction resolved-but-unverified, so it never
// feeds the verified counters.
func (s *Service) applyDecisionToCounts(sess *VerificationSession, result *TransactionVerificationResult) {
	switch *result.Decision {
	case DecisionApproved:
		sess.ApprovedCount++
		sess.VerifiedTransactions++
	case DecisionRejected:
		sess.RejectedCount++
		sess.VerifiedTransactions++
	}
	if sess.CurrentTransactionIndex < sess.TotalTransactions {
		sess.CurrentTransactionIndex++
	}
	if result.RiskScore != nil {
		sess.ScoredCount++
		sess.AverageRiskScore += (*result.RiskScore - sess.AverageRiskScore) / float64(sess.ScoredCount)
	}
}

func (s *Service) complete(ctx context.Context, sess *VerificationSession) error {
	now := s.now().UTC()
	sess.Status = StatusCompleted
	sess.CompletedAt = &now
	sess.UpdatedAt = now
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return err
	}
	metrics.ActiveSessions.Dec()
	if sess.StartedAt != nil {
		metrics.VerificationDuration.Observe(now.Sub(*sess.StartedAt).Seconds())
	}
	if err := s.batches.MarkCompleted(ctx, sess.BatchID); err != nil {
		logging.L(ctx).Warn("batch completion failed", "batchId", sess.BatchID, "error", err)
	}

	s.append(ctx, &audit.Entry{
		Event:       audit.EventVerificationCompleted,
		Actor:       audit.SystemActor,
		BatchID:     sess.BatchID,
		SessionID:   sess.ID,
		BusinessID:  sess.BusinessID,
		BeforeState: string(StatusInProgress),
		AfterState:  string(StatusCompleted),
		Metadata: map[string]any{
			"approvedCount":    sess.ApprovedCount,
			"rejectedCount":    sess.RejectedCount,
			"averageRiskScore": sess.AverageRiskScore,
		},
	})
	s.emit("session_completed", sess, map[string]any{
		"approvedCount": sess.ApprovedCount,
		"rejectedCount": sess.RejectedCount,
	})
	if s.notifier != nil && sess.OwnerID != "" {
		s.notifier.Notify(ctx, sess.OwnerID, "verification_completed", map[string]any{
			"sessionId":     sess.ID,
			"batchId":       sess.BatchID,
			"approvedCount": sess.ApprovedCount,
			"rejectedCount": sess.RejectedCount,
		})
	}
	return nil
}

// OverrideRequest corrects an existing decision through the audited
// override path.
type OverrideRequest struct {
	Decision Decision        `json:"decision" binding:"required"`
	Reason   RejectionReason `json:"reason,omitempty"`
	Note     string          `json:"note,omitempty"`
	ActorID  string          `json:"-"`
}

// Override replaces a recorded decision. It is the only mutation path for
// a decided transaction and always audits with the bypass flag set.
func (s *Service) Override(ctx context.Context, sessionID, transactionID string, req OverrideRequest) (*TransactionVerificationResult, error) {
	ctx, span := traces.StartSpan(ctx, "session.Override",
		traces.SessionID(sessionID), traces.TransactionID(transactionID),
		traces.Decision(string(req.Decision)))
	defer span.End()

	switch req.Decision {
	case DecisionApproved, DecisionRejected:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecision, req.Decision)
	}
	if req.Decision == DecisionRejected && !ValidRejectionReason(req.Reason) {
		return nil, fmt.Errorf("%w: rejection requires a valid reason", ErrInvalidDecision)
	}

	unlock, err := s.locks.LockContext(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	result, err := s.store.GetResult(ctx, sessionID, transactionID)
	if err != nil {
		return nil, err
	}
	if !result.Decided() {
		return nil, ErrNotDecided
	}

	before := *result.Decision
	if before == req.Decision {
		return result, nil
	}

	now := s.now().UTC()
	decision := req.Decision
	result.Decision = &decision
	result.RejectionReason = ""
	if decision == DecisionRejected {
		result.RejectionReason = req.Reason
	}
	result.Note = req.Note
	result.VerifiedBy = req.ActorID
	result.VerifiedAt = &now
	if err := s.store.UpdateResult(ctx, result); err != nil {
		return nil, err
	}

	if err := s.recountSession(ctx, sess); err != nil {
		return nil, err
	}

	s.append(ctx, &audit.Entry{
		Event:       audit.EventDecisionOverridden,
		Actor:       audit.Actor{Type: "admin", ID: req.ActorID},
		BatchID:     sess.BatchID,
		SessionID:   sess.ID,
		BusinessID:  sess.BusinessID,
		Reference:   transactionID,
		BeforeState: string(before),
		AfterState:  string(decision),
		Metadata: map[string]any{
			audit.BypassFlag: true,
			"note":           req.Note,
		},
	})
	s.emit("decision_overridden", sess, map[string]any{
		"transactionId": transactionID,
		"before":        before,
		"after":         decision,
	})
	return result, nil
}

// recountSession rebuilds aggregates from the result records after an
// override changed history.
func (s *Service) recountSession(ctx context.Context, sess *VerificationSession) error {
	results, err := s.store.ListResults(ctx, sess.ID)
	if err != nil {
		return err
	}
	sess.ApprovedCount, sess.RejectedCount, sess.VerifiedTransactions = 0, 0, 0
	sess.ScoredCount = 0
	sess.AverageRiskScore = 0
	for _, r := range results {
		if !r.Decided() {
			continue
		}
		switch *r.Decision {
		case DecisionApproved:
			sess.ApprovedCount++
			sess.VerifiedTransactions++
		case DecisionRejected:
			sess.RejectedCount++
			sess.VerifiedTransactions++
		}
		if r.RiskScore != nil {
			sess.ScoredCount++
			sess.AverageRiskScore += (*r.RiskScore - sess.AverageRiskScore) / float64(sess.ScoredCount)
		}
	}
	sess.UpdatedAt = s.now().UTC()
	return s.store.UpdateSession(ctx, sess)
}

// Flag marks a transaction for follow-up without deciding it.
func (s *Service) Flag(ctx context.Context, sessionID, transactionID, note, verifierID string) (*TransactionVerificationResult, error) {
	unlock, err := s.locks.LockContext(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	result, err := s.store.GetResult(ctx, sessionID, transactionID)
	if err != nil {
		return nil, err
	}
	result.Flagged = true
	result.FlagNote = note
	if err := s.store.UpdateResult(ctx, result); err != nil {
		return nil, err
	}

	s.append(ctx, &audit.Entry{
		Event:      audit.EventTransactionFlagged,
		Actor:      audit.Actor{Type: "verifier", ID: verifierID},
		BatchID:    sess.BatchID,
		SessionID:  sess.ID,
		BusinessID: sess.BusinessID,
		Reference:  transactionID,
		Metadata:   map[string]any{"note": note},
	})
	s.emit("transaction_flagged", sess, map[string]any{
		"transactionId": transactionID,
		"verifierId":    verifierID,
	})
	return result, nil
}

// Pause suspends an in-progress session.
func (s *Service) Pause(ctx context.Context, sessionID, actorID string) (*VerificationSession, error) {
	return s.togglePause(ctx, sessionID, actorID, StatusInProgress, StatusPaused, audit.EventSessionPaused)
}

// Resume continues a paused session.
func (s *Service) Resume(ctx context.Context, sessionID, actorID string) (*VerificationSession, error) {
	return s.togglePause(ctx, sessionID, actorID, StatusPaused, StatusInProgress, audit.EventSessionResumed)
}

func (s *Service) togglePause(ctx context.Context, sessionID, actorID string, from, to Status, event audit.EventType) (*VerificationSession, error) {
	unlock, err := s.locks.LockContext(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != from {
		return nil, fmt.Errorf("%w: session is %s", ErrInvalidStatusChange, sess.Status)
	}
	sess.Status = to
	if to == StatusPaused {
		sess.PauseCount++
	}
	sess.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}

	s.append(ctx, &audit.Entry{
		Event:       event,
		Actor:       audit.Actor{Type: "verifier", ID: actorID},
		BatchID:     sess.BatchID,
		SessionID:   sess.ID,
		BusinessID:  sess.BusinessID,
		BeforeState: string(from),
		AfterState:  string(to),
	})
	s.emit(string(event), sess, nil)
	return sess, nil
}

// ProgressReport is the aggregate view verifiers poll.
type ProgressReport struct {
	Session              *VerificationSession `json:"session"`
	CompletionPercentage float64              `json:"completionPercentage"`
	PendingCount         int                  `json:"pendingCount"`
	HoursRemaining       float64              `json:"hoursRemaining"`
	Urgency              deadline.Urgency     `json:"urgency"`
}

// Progress returns the session's aggregate progress and deadline posture.
func (s *Service) Progress(ctx context.Context, sessionID string) (*ProgressReport, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	return &ProgressReport{
		Session:              sess,
		CompletionPercentage: sess.CompletionPercentage(),
		PendingCount:         sess.TotalTransactions - sess.VerifiedTransactions,
		HoursRemaining:       deadline.HoursRemaining(sess.Deadline, now),
		Urgency:              deadline.UrgencyLevel(sess.Deadline, now),
	}, nil
}

// Get returns one session by ID.
func (s *Service) Get(ctx context.Context, sessionID string) (*VerificationSession, error) {
	return s.store.GetSession(ctx, sessionID)
}

// Results returns the session's result records in import order.
func (s *Service) Results(ctx context.Context, sessionID string) ([]*TransactionVerificationResult, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListResults(ctx, sessionID)
}

// AutoResolve applies the deadline-expiry policy: every undecided
// transaction below the session's risk threshold is approved, everything
// at or above it (or unscored) is deferred to pending_review, and the
// batch moves to auto_approved. Rejection always implies a human, so the
// policy never auto-rejects. Safe to call repeatedly; a terminal session
// is a no-op. Implements deadline.Provider.
func (s *Service) AutoResolve(ctx context.Context, sessionID string) error {
	ctx, span := traces.StartSpan(ctx, "session.AutoResolve", traces.SessionID(sessionID))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.IsTerminal() {
		return nil
	}

	results, err := s.store.ListResults(ctx, sess.ID)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	before := sess.Status
	approved, deferred := 0, 0
	for _, result := range results {
		if result.Decided() {
			continue
		}

		var decision Decision
		var note string
		if result.RiskScore != nil && *result.RiskScore < sess.AutoApprovalThreshold {
			decision = DecisionApproved
			note = autoApproveNote
			approved++
		} else {
			decision = DecisionPendingReview
			note = "deferred: risk score at or above threshold at deadline"
			deferred++
		}

		result.Decision = &decision
		result.Note = note
		result.VerifiedBy = "system"
		result.VerifiedAt = &now
		if err := s.store.ClaimDecision(ctx, result); err != nil {
			if errors.Is(err, ErrAlreadyDecided) {
				continue
			}
			return err
		}
		metrics.DecisionsTotal.WithLabelValues(string(decision), "system").Inc()
		if decision == DecisionApproved {
			sess.ApprovedCount++
			sess.VerifiedTransactions++
			if result.RiskScore != nil {
				sess.ScoredCount++
				sess.AverageRiskScore += (*result.RiskScore - sess.AverageRiskScore) / float64(sess.ScoredCount)
			}
		}

		meta := map[string]any{"outcome": decision}
		if result.RiskScore != nil {
			meta["riskScore"] = *result.RiskScore
		}
		s.append(ctx, &audit.Entry{
			Event:      audit.EventAutoApprovalTriggered,
			Actor:      audit.SystemActor,
			BatchID:    sess.BatchID,
			SessionID:  sess.ID,
			BusinessID: sess.BusinessID,
			Reference:  result.TransactionID,
			AfterState: string(decision),
			Metadata:   meta,
		})
	}

	sess.Status = StatusExpired
	sess.CompletedAt = &now
	sess.UpdatedAt = now
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return err
	}
	metrics.ActiveSessions.Dec()
	metrics.AutoResolutionsTotal.Inc()

	if err := s.batches.MarkAutoApproved(ctx, sess.BatchID); err != nil {
		logging.L(ctx).Warn("batch auto-approval transition failed", "batchId", sess.BatchID, "error", err)
	}

	s.append(ctx, &audit.Entry{
		Event:       audit.EventAutoResolutionSummary,
		Actor:       audit.SystemActor,
		BatchID:     sess.BatchID,
		SessionID:   sess.ID,
		BusinessID:  sess.BusinessID,
		BeforeState: string(before),
		AfterState:  string(StatusExpired),
		Metadata: map[string]any{
			"autoApproved":  approved,
			"pendingReview": deferred,
			"humanApproved": sess.ApprovedCount - approved,
			"humanRejected": sess.RejectedCount,
			"threshold":     sess.AutoApprovalThreshold,
		},
	})

	s.emit("session_expired", sess, map[string]any{
		"autoApproved":  approved,
		"pendingReview": deferred,
	})
	if s.notifier != nil && sess.OwnerID != "" {
		s.notifier.Notify(ctx, sess.OwnerID, "deadline_expired", map[string]any{
			"sessionId":     sess.ID,
			"batchId":       sess.BatchID,
			"autoApproved":  approved,
			"pendingReview": deferred,
		})
	}
	return nil
}

// ActiveDeadlines implements deadline.Provider.
func (s *Service) ActiveDeadlines(ctx context.Context, limit int) ([]deadline.Target, error) {
	sessions, err := s.store.ListActive(ctx, limit)
	if err != nil {
		return nil, err
	}
	targets := make([]deadline.Target, 0, len(sessions))
	for _, sess := range sessions {
		if sess.Deadline.IsZero() {
			continue
		}
		targets = append(targets, deadline.Target{
			SessionID:    sess.ID,
			BatchID:      sess.BatchID,
			BusinessID:   sess.BusinessID,
			OwnerID:      sess.OwnerID,
			Deadline:     sess.Deadline,
			WarningsSent: sess.WarningsSent,
		})
	}
	return targets, nil
}

// ClaimWarning implements deadline.Provider.
func (s *Service) ClaimWarning(ctx context.Context, sessionID string, threshold int) (bool, error) {
	return s.store.ClaimWarning(ctx, sessionID, threshold)
}

func (s *Service) append(ctx context.Context, e *audit.Entry) {
	if _, err := s.trail.Append(ctx, e); err != nil {
		logging.L(ctx).Warn("audit append failed", "event", e.Event, "sessionId", e.SessionID, "error", err)
	}
}

func (s *Service) emit(eventType string, sess *VerificationSession, data map[string]any) {
	if s.events == nil {
		return
	}
	s.events.EmitSession(eventType, sess.ID, sess.BatchID, data)
}
