// Package batch implements the payment batch lifecycle.
//
// Flow:
//  1. Admin import creates a batch in draft with its transactions
//  2. Admin releases → guards checked → pending_verification, session opened
//  3. First verifier opens the session → in_progress
//  4. All transactions decided → completed
//  5. Deadline expires with work remaining → auto_approved
//  6. Admin cancels at any non-terminal point → cancelled
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jplaza/payguard/internal/audit"
	"github.com/jplaza/payguard/internal/directory"
	"github.com/jplaza/payguard/internal/idgen"
	"github.com/jplaza/payguard/internal/logging"
	"github.com/jplaza/payguard/internal/metrics"
	"github.com/jplaza/payguard/internal/money"
	"github.com/jplaza/payguard/internal/traces"
)

var (
	ErrBatchNotFound   = errors.New("batch not found")
	ErrDuplicateBatch  = errors.New("a non-cancelled batch already exists for this business and week")
	ErrInvalidStatus   = errors.New("invalid batch status for this operation")
	ErrBatchTerminal   = errors.New("batch is in a terminal state")
	ErrReleaseRejected = errors.New("release rejected by guard checks")
)

// Status represents the lifecycle state of a payment batch.
type Status string

const (
	StatusDraft               Status = "draft"
	StatusPendingVerification Status = "pending_verification"
	StatusInProgress          Status = "in_progress"
	StatusCompleted           Status = "completed"
	StatusAutoApproved        Status = "auto_approved"
	StatusCancelled           Status = "cancelled"
)

// MaxDeadlineDays is the ceiling for explicit deadlines at release.
const MaxDeadlineDays = 30

// PaymentBatch is one business's one-week set of candidate reward
// transactions awaiting verification.
type PaymentBatch struct {
	ID               string     `json:"id"`
	BusinessID       string     `json:"businessId"`
	Week             int        `json:"week"` // ISO week number
	Year             int        `json:"year"`
	Status           Status     `json:"status"`
	TransactionCount int        `json:"transactionCount"`
	TotalAmount      string     `json:"totalAmount"`
	Deadline         *time.Time `json:"deadline,omitempty"`
	Notes            string     `json:"notes,omitempty"`
	CreatedBy        string     `json:"createdBy"`
	ReleasedAt       *time.Time `json:"releasedAt,omitempty"`
	CancelReason     string     `json:"cancelReason,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the batch is in a final state.
func (b *PaymentBatch) IsTerminal() bool {
	switch b.Status {
	case StatusCompleted, StatusAutoApproved, StatusCancelled:
		return true
	}
	return false
}

// Transaction is one candidate reward transaction inside a batch.
// CustomerRef is a masked identifier; the raw customer identity never
// enters this system.
type Transaction struct {
	ID           string    `json:"id"`
	BatchID      string    `json:"batchId"`
	Date         time.Time `json:"date"`
	Amount       string    `json:"amount"`
	CustomerRef  string    `json:"customerRef"`
	StoreRef     string    `json:"storeRef,omitempty"`
	Department   string    `json:"department,omitempty"`
	StaffName    string    `json:"staffName,omitempty"`
	Category     string    `json:"category,omitempty"`
	Narrative    string    `json:"narrative,omitempty"`
	QualityScore *int      `json:"qualityScore,omitempty"`
	RewardAmount string    `json:"rewardAmount,omitempty"`
}

// Store persists batches and their transactions. Create must reject a
// second non-cancelled batch for the same (business, week, year).
type Store interface {
	Create(ctx context.Context, batch *PaymentBatch, txns []*Transaction) error
	Get(ctx context.Context, id string) (*PaymentBatch, error)
	Update(ctx context.Context, batch *PaymentBatch) error
	ListByBusiness(ctx context.Context, businessID string, limit int) ([]*PaymentBatch, error)
	Transactions(ctx context.Context, batchID string) ([]*Transaction, error)
}

// SessionOpener abstracts session creation so batch doesn't import session.
type SessionOpener interface {
	OpenForBatch(ctx context.Context, b *PaymentBatch, autoStart bool) (sessionID string, err error)
	HasActiveSession(ctx context.Context, batchID string) (bool, error)
	CancelForBatch(ctx context.Context, batchID, reason string) error
}

// EventEmitter broadcasts batch lifecycle events to realtime subscribers.
// Delivery is best-effort.
type EventEmitter interface {
	EmitBatch(eventType, batchID, businessID string, data map[string]any)
}

// Notifier sends fire-and-forget notifications to users.
type Notifier interface {
	Notify(ctx context.Context, userID, eventType string, data map[string]any)
}

// Rejection is the structured result of failed guard checks. It is data,
// not an error chain: callers inspect it and decide whether to force.
type Rejection struct {
	Violations []string `json:"violations"`
	Warnings   []string `json:"warnings,omitempty"`
	Actions    []string `json:"actions,omitempty"` // minimum corrective actions
}

func (r *Rejection) Rejected() bool { return r != nil && len(r.Violations) > 0 }

// CreateRequest contains the parameters for importing a batch.
type CreateRequest struct {
	BusinessID   string         `json:"businessId" binding:"required"`
	Week         int            `json:"week" binding:"required"`
	Year         int            `json:"year" binding:"required"`
	Notes        string         `json:"notes"`
	CreatedBy    string         `json:"-"`
	Transactions []*Transaction `json:"transactions" binding:"required"`
}

// ReleaseRequest contains the parameters for releasing a batch.
type ReleaseRequest struct {
	Deadline  *time.Time `json:"deadline,omitempty"`
	AutoStart bool       `json:"autoStart"`
	Force     bool       `json:"force"`
	ActorID   string     `json:"-"`
}

// ReleaseResult reports the outcome of a release attempt. When the guards
// reject and Force was not set, Rejection is populated and Batch is nil.
type ReleaseResult struct {
	Batch     *PaymentBatch `json:"batch,omitempty"`
	SessionID string        `json:"sessionId,omitempty"`
	Rejection *Rejection    `json:"rejection,omitempty"`
	Forced    bool          `json:"forced,omitempty"`
}

// Lifecycle implements batch business logic.
type Lifecycle struct {
	store       Store
	directory   directory.Store
	sessions    SessionOpener
	trail       *audit.Trail
	events      EventEmitter
	notifier    Notifier
	defaultDays int
	now         func() time.Time
}

// Option configures a Lifecycle.
type Option func(*Lifecycle)

func WithSessions(s SessionOpener) Option   { return func(l *Lifecycle) { l.sessions = s } }
func WithEvents(e EventEmitter) Option      { return func(l *Lifecycle) { l.events = e } }
func WithNotifier(n Notifier) Option        { return func(l *Lifecycle) { l.notifier = n } }
func WithDefaultDeadline(days int) Option   { return func(l *Lifecycle) { l.defaultDays = days } }
func WithClock(now func() time.Time) Option { return func(l *Lifecycle) { l.now = now } }

// SetSessions wires the session opener after construction. The batch and
// session services reference each other, so one side binds late.
func (l *Lifecycle) SetSessions(s SessionOpener) { l.sessions = s }

// NewLifecycle creates the batch lifecycle service.
func NewLifecycle(store Store, dir directory.Store, trail *audit.Trail, opts ...Option) *Lifecycle {
	l := &Lifecycle{
		store:       store,
		directory:   dir,
		trail:       trail,
		defaultDays: 7,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Create imports a batch in draft together with its transactions.
func (l *Lifecycle) Create(ctx context.Context, req CreateRequest) (*PaymentBatch, error) {
	if len(req.Transactions) == 0 {
		return nil, fmt.Errorf("%w: batch requires at least one transaction", ErrInvalidStatus)
	}

	now := l.now().UTC()
	b := &PaymentBatch{
		ID:               idgen.WithPrefix("bat_"),
		BusinessID:       req.BusinessID,
		Week:             req.Week,
		Year:             req.Year,
		Status:           StatusDraft,
		TransactionCount: len(req.Transactions),
		Notes:            req.Notes,
		CreatedBy:        req.CreatedBy,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	amounts := make([]string, 0, len(req.Transactions))
	for _, txn := range req.Transactions {
		if txn.ID == "" {
			txn.ID = idgen.WithPrefix("txr_")
		}
		txn.BatchID = b.ID
		amounts = append(amounts, txn.Amount)
	}
	total, err := money.Sum(amounts...)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction amount: %w", err)
	}
	b.TotalAmount = total

	if err := l.store.Create(ctx, b, req.Transactions); err != nil {
		return nil, err
	}
	metrics.BatchesTotal.WithLabelValues(string(StatusDraft)).Inc()

	_, err = l.trail.Append(ctx, &audit.Entry{
		Event:      audit.EventBatchCreated,
		Actor:      audit.Actor{Type: "admin", ID: req.CreatedBy},
		BatchID:    b.ID,
		BusinessID: b.BusinessID,
		AfterState: string(StatusDraft),
		Metadata: map[string]any{
			"week":             b.Week,
			"year":             b.Year,
			"transactionCount": b.TransactionCount,
			"totalAmount":      b.TotalAmount,
		},
	})
	if err != nil {
		logging.L(ctx).Warn("audit append failed", "event", "batch_created", "batch", b.ID, "error", err)
	}

	return b, nil
}

// Release transitions a draft batch to pending_verification, computes the
// deadline, and opens the verification session. Guard failures come back
// as a structured Rejection; Force pushes past validation failures and is
// separately audited with the bypass flag.
func (l *Lifecycle) Release(ctx context.Context, batchID string, req ReleaseRequest) (*ReleaseResult, error) {
	ctx, span := traces.StartSpan(ctx, "batch.Release", traces.BatchID(batchID))
	defer span.End()

	b, err := l.store.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.Status != StatusDraft {
		return nil, fmt.Errorf("%w: cannot release from %s", ErrInvalidStatus, b.Status)
	}

	now := l.now().UTC()
	rej := l.checkReleaseGuards(ctx, b, req, now)
	if rej.Rejected() && !req.Force {
		return &ReleaseResult{Rejection: rej}, nil
	}

	deadline := l.computeDeadline(req.Deadline, now)

	b.Status = StatusPendingVerification
	b.Deadline = &deadline
	b.ReleasedAt = &now
	b.UpdatedAt = now
	if err := l.store.Update(ctx, b); err != nil {
		return nil, err
	}
	metrics.BatchesTotal.WithLabelValues(string(StatusPendingVerification)).Inc()

	var sessionID string
	if l.sessions != nil {
		sessionID, err = l.sessions.OpenForBatch(ctx, b, req.AutoStart)
		if err != nil {
			return nil, fmt.Errorf("open verification session: %w", err)
		}
	}

	forced := rej.Rejected()
	meta := map[string]any{
		"deadline":  deadline,
		"sessionId": sessionID,
		"autoStart": req.AutoStart,
	}
	if forced {
		meta[audit.BypassFlag] = true
		meta["bypassedViolations"] = rej.Violations
	}
	_, err = l.trail.Append(ctx, &audit.Entry{
		Event:       audit.EventBatchReleased,
		Actor:       audit.Actor{Type: "admin", ID: req.ActorID},
		BatchID:     b.ID,
		SessionID:   sessionID,
		BusinessID:  b.BusinessID,
		BeforeState: string(StatusDraft),
		AfterState:  string(StatusPendingVerification),
		Metadata:    meta,
	})
	if err != nil {
		logging.L(ctx).Warn("audit append failed", "event", "batch_released", "batch", b.ID, "error", err)
	}

	if l.events != nil {
		l.events.EmitBatch("batch_released", b.ID, b.BusinessID, map[string]any{
			"sessionId": sessionID,
			"deadline":  deadline,
		})
	}
	if l.notifier != nil && b.CreatedBy != "" {
		l.notifier.Notify(ctx, b.CreatedBy, "batch_released", map[string]any{
			"batchId":  b.ID,
			"deadline": deadline,
		})
	}

	res := &ReleaseResult{Batch: b, SessionID: sessionID, Forced: forced}
	if forced {
		res.Rejection = rej
	}
	return res, nil
}

// checkReleaseGuards evaluates the release preconditions without mutating
// anything. All violations are collected so the caller sees the full list
// in one round trip.
func (l *Lifecycle) checkReleaseGuards(ctx context.Context, b *PaymentBatch, req ReleaseRequest, now time.Time) *Rejection {
	rej := &Rejection{}

	if b.TransactionCount == 0 {
		rej.Violations = append(rej.Violations, "batch has no transactions")
		rej.Actions = append(rej.Actions, "import at least one transaction before release")
	}

	biz, err := l.directory.Get(ctx, b.BusinessID)
	switch {
	case errors.Is(err, directory.ErrBusinessNotFound):
		rej.Violations = append(rej.Violations, "business not found in directory")
		rej.Actions = append(rej.Actions, "register the business before releasing batches")
	case err != nil:
		// Directory outage blocks release rather than silently skipping
		// the active-business check.
		rej.Violations = append(rej.Violations, "business directory unavailable")
		rej.Actions = append(rej.Actions, "retry once the directory is reachable")
	case biz.Status != directory.StatusActive:
		rej.Violations = append(rej.Violations, fmt.Sprintf("business status is %s, must be active", biz.Status))
		rej.Actions = append(rej.Actions, "must be active business")
	}

	if l.sessions != nil {
		active, err := l.sessions.HasActiveSession(ctx, b.ID)
		if err != nil {
			rej.Violations = append(rej.Violations, "could not check for existing verification session")
		} else if active {
			rej.Violations = append(rej.Violations, "a verification session already exists for this batch")
			rej.Actions = append(rej.Actions, "cancel the existing session before re-releasing")
		}
	}

	if req.Deadline != nil {
		d := req.Deadline.UTC()
		if !d.After(now) {
			rej.Violations = append(rej.Violations, "deadline is in the past")
			rej.Actions = append(rej.Actions, "deadline must be in the future")
		} else if d.After(now.AddDate(0, 0, MaxDeadlineDays)) {
			rej.Violations = append(rej.Violations, fmt.Sprintf("deadline exceeds the %d-day ceiling", MaxDeadlineDays))
			rej.Actions = append(rej.Actions, fmt.Sprintf("choose a deadline within %d days", MaxDeadlineDays))
		}
	} else {
		rej.Warnings = append(rej.Warnings, fmt.Sprintf("no explicit deadline supplied, defaulting to %d days", l.defaultDays))
	}

	return rej
}

// computeDeadline returns the explicit deadline when it is valid, else
// the policy default. An invalid explicit deadline only reaches here under
// force, and force falls back to the default rather than persisting a
// deadline the guards rejected.
func (l *Lifecycle) computeDeadline(explicit *time.Time, now time.Time) time.Time {
	if explicit != nil {
		d := explicit.UTC()
		if d.After(now) && !d.After(now.AddDate(0, 0, MaxDeadlineDays)) {
			return d
		}
	}
	return now.AddDate(0, 0, l.defaultDays)
}

// MarkInProgress records the first verifier opening the session.
func (l *Lifecycle) MarkInProgress(ctx context.Context, batchID string) error {
	return l.transition(ctx, batchID, StatusPendingVerification, StatusInProgress)
}

// MarkCompleted records that every transaction received a human decision.
func (l *Lifecycle) MarkCompleted(ctx context.Context, batchID string) error {
	return l.transition(ctx, batchID, StatusInProgress, StatusCompleted)
}

// MarkAutoApproved records deadline-driven auto-resolution.
func (l *Lifecycle) MarkAutoApproved(ctx context.Context, batchID string) error {
	b, err := l.store.Get(ctx, batchID)
	if err != nil {
		return err
	}
	if b.IsTerminal() {
		return fmt.Errorf("%w: batch is %s", ErrBatchTerminal, b.Status)
	}
	b.Status = StatusAutoApproved
	b.UpdatedAt = l.now().UTC()
	if err := l.store.Update(ctx, b); err != nil {
		return err
	}
	metrics.BatchesTotal.WithLabelValues(string(StatusAutoApproved)).Inc()
	return nil
}

func (l *Lifecycle) transition(ctx context.Context, batchID string, from, to Status) error {
	b, err := l.store.Get(ctx, batchID)
	if err != nil {
		return err
	}
	if b.Status != from {
		return fmt.Errorf("%w: expected %s, batch is %s", ErrInvalidStatus, from, b.Status)
	}
	b.Status = to
	b.UpdatedAt = l.now().UTC()
	if err := l.store.Update(ctx, b); err != nil {
		return err
	}
	metrics.BatchesTotal.WithLabelValues(string(to)).Inc()
	return nil
}

// Cancel moves a non-terminal batch to cancelled and tears down its
// session. A reason is mandatory.
func (l *Lifecycle) Cancel(ctx context.Context, batchID, reason, actorID string) (*PaymentBatch, error) {
	if reason == "" {
		return nil, fmt.Errorf("%w: cancellation requires a reason", ErrInvalidStatus)
	}
	b, err := l.store.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.IsTerminal() {
		return nil, fmt.Errorf("%w: batch is %s", ErrBatchTerminal, b.Status)
	}

	before := b.Status
	b.Status = StatusCancelled
	b.CancelReason = reason
	b.UpdatedAt = l.now().UTC()
	if err := l.store.Update(ctx, b); err != nil {
		return nil, err
	}
	metrics.BatchesTotal.WithLabelValues(string(StatusCancelled)).Inc()

	if l.sessions != nil {
		if err := l.sessions.CancelForBatch(ctx, b.ID, reason); err != nil {
			logging.L(ctx).Warn("session teardown failed on batch cancel", "batch", b.ID, "error", err)
		}
	}

	_, err = l.trail.Append(ctx, &audit.Entry{
		Event:       audit.EventBatchCancelled,
		Actor:       audit.Actor{Type: "admin", ID: actorID},
		BatchID:     b.ID,
		BusinessID:  b.BusinessID,
		BeforeState: string(before),
		AfterState:  string(StatusCancelled),
		Metadata:    map[string]any{"reason": reason},
	})
	if err != nil {
		logging.L(ctx).Warn("audit append failed", "event", "batch_cancelled", "batch", b.ID, "error", err)
	}

	if l.events != nil {
		l.events.EmitBatch("batch_cancelled", b.ID, b.BusinessID, map[string]any{"reason": reason})
	}

	return b, nil
}

// Get returns one batch by ID.
func (l *Lifecycle) Get(ctx context.Context, id string) (*PaymentBatch, error) {
	return l.store.Get(ctx, id)
}

// ListByBusiness returns a business's batches, newest first.
func (l *Lifecycle) ListByBusiness(ctx context.Context, businessID string, limit int) ([]*PaymentBatch, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return l.store.ListByBusiness(ctx, businessID, limit)
}

// Transactions returns the batch's transactions in import order.
func (l *Lifecycle) Transactions(ctx context.Context, batchID string) ([]*Transaction, error) {
	if _, err := l.store.Get(ctx, batchID); err != nil {
		return nil, err
	}
	return l.store.Transactions(ctx, batchID)
}
