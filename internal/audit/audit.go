// Package audit provides the append-only trail of verification activity.
//
// Every state transition in the batch, session, scheduler, and presence
// layers produces exactly one entry. Entries are immutable facts: the
// public contract has no update or delete verb, and the physical timestamp
// is stamped at append time and never rewritten. Force/override paths set
// the business_rules_bypassed metadata flag so compliance queries can
// isolate them.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/jplaza/payguard/internal/idgen"
	"github.com/jplaza/payguard/internal/pagination"
)

var ErrEntryNotFound = errors.New("audit entry not found")

// EventType is the closed set of auditable events.
type EventType string

const (
	EventBatchCreated          EventType = "batch_created"
	EventBatchReleased         EventType = "batch_released"
	EventBatchCancelled        EventType = "batch_cancelled"
	EventVerificationStarted   EventType = "verification_started"
	EventTransactionApproved   EventType = "transaction_approved"
	EventTransactionRejected   EventType = "transaction_rejected"
	EventTransactionFlagged    EventType = "transaction_flagged"
	EventDecisionOverridden    EventType = "decision_overridden"
	EventSessionPaused         EventType = "session_paused"
	EventSessionResumed        EventType = "session_resumed"
	EventDeadlineReminderSent  EventType = "deadline_reminder_sent"
	EventAutoApprovalTriggered EventType = "auto_approval_triggered"
	EventSessionTimeout        EventType = "session_timeout"
	EventVerificationCompleted EventType = "verification_completed"
	EventAutoResolutionSummary EventType = "auto_resolution_summary"
)

// BypassFlag is the metadata key set on force/override paths.
const BypassFlag = "business_rules_bypassed"

// Actor identifies who caused an event.
type Actor struct {
	Type string `json:"type"` // "admin", "verifier", "system"
	ID   string `json:"id,omitempty"`
}

// SystemActor is the actor for scheduler-driven transitions.
var SystemActor = Actor{Type: "system"}

// Entry is one immutable audit fact.
type Entry struct {
	ID          string         `json:"id"`
	Event       EventType      `json:"event"`
	Actor       Actor          `json:"actor"`
	BatchID     string         `json:"batchId,omitempty"`
	SessionID   string         `json:"sessionId,omitempty"`
	BusinessID  string         `json:"businessId,omitempty"`
	Reference   string         `json:"reference,omitempty"` // transaction or other entity ID
	BeforeState string         `json:"beforeState,omitempty"`
	AfterState  string         `json:"afterState,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	// OccurredAt is the logical time reported by the caller; RecordedAt is
	// the physical append time stamped by the trail and never rewritable.
	OccurredAt time.Time `json:"occurredAt"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Filter selects entries for Query. Zero fields match everything.
type Filter struct {
	BatchID    string
	SessionID  string
	BusinessID string
	ActorID    string
	Event      EventType
	Cursor     string
	Limit      int
}

// Store persists entries. Append-only: implementations expose no mutation
// of existing rows.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	Query(ctx context.Context, f Filter) ([]*Entry, error)
}

// Trail is the audit façade the domain services append through.
type Trail struct {
	store Store
}

// NewTrail creates an audit trail over the given store.
func NewTrail(store Store) *Trail {
	return &Trail{store: store}
}

// Append stamps identity and physical time, persists the entry, and
// returns its ID. Callers may set OccurredAt; RecordedAt is always
// overwritten here.
func (t *Trail) Append(ctx context.Context, e *Entry) (string, error) {
	cp := *e
	cp.ID = idgen.WithPrefix("aud_")
	cp.RecordedAt = time.Now().UTC()
	if cp.OccurredAt.IsZero() {
		cp.OccurredAt = cp.RecordedAt
	}
	if err := t.store.Append(ctx, &cp); err != nil {
		return "", err
	}
	return cp.ID, nil
}

// Query returns matching entries ordered by (RecordedAt, ID) ascending,
// plus a cursor for the next page ("" when exhausted). Re-querying with
// the returned cursor restarts the sequence exactly where it stopped.
func (t *Trail) Query(ctx context.Context, f Filter) ([]*Entry, string, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 100
	}
	// Over-fetch by one to detect another page.
	over := f
	over.Limit = f.Limit + 1
	entries, err := t.store.Query(ctx, over)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(entries, f.Limit, func(e *Entry) (time.Time, string) {
		return e.RecordedAt, e.ID
	})
	return page, next, nil
}
