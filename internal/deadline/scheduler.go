package deadline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jplaza/payguard/internal/audit"
	"github.com/jplaza/payguard/internal/metrics"
)

// Target is one active session the scheduler watches.
type Target struct {
	SessionID    string
	BatchID      string
	BusinessID   string
	OwnerID      string // batch creator, receives reminders
	Deadline     time.Time
	WarningsSent []int
}

// Provider exposes the session-side operations the scheduler drives.
// ClaimWarning must be a conditional write: it returns true only for the
// single caller that recorded the threshold, so a reminder fires once even
// if a poll overlaps a slow predecessor. AutoResolve must be idempotent
// against already-resolved sessions.
type Provider interface {
	ActiveDeadlines(ctx context.Context, limit int) ([]Target, error)
	ClaimWarning(ctx context.Context, sessionID string, threshold int) (bool, error)
	AutoResolve(ctx context.Context, sessionID string) error
}

// Notifier delivers reminders to the batch owner, fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, userID, eventType string, data map[string]any)
}

// EventEmitter broadcasts deadline events to realtime subscribers.
type EventEmitter interface {
	EmitSession(eventType, sessionID, batchID string, data map[string]any)
}

// Scheduler polls active sessions for deadline-threshold crossings and
// expiry. One instance runs per process; the Provider's conditional
// claims keep overlapping passes harmless.
type Scheduler struct {
	provider Provider
	trail    *audit.Trail
	notifier Notifier
	events   EventEmitter
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
	stop     chan struct{}
	running  atomic.Bool
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

func WithInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.interval = d }
}

func WithNotifier(n Notifier) SchedulerOption {
	return func(s *Scheduler) { s.notifier = n }
}

func WithEvents(e EventEmitter) SchedulerOption {
	return func(s *Scheduler) { s.events = e }
}

func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates the deadline scheduler.
func NewScheduler(provider Provider, trail *audit.Trail, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		provider: provider,
		trail:    trail,
		interval: time.Minute,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Running reports whether the polling loop is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start begins the polling loop. Call in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safePass(ctx)
		}
	}
}

// Stop signals the scheduler to stop.
func (s *Scheduler) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Scheduler) safePass(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in deadline scheduler", "panic", fmt.Sprint(r))
		}
	}()
	s.Pass(ctx)
}

// Pass runs one polling sweep. Exposed so tests and admin endpoints can
// trigger a sweep without waiting for the ticker.
func (s *Scheduler) Pass(ctx context.Context) {
	targets, err := s.provider.ActiveDeadlines(ctx, 500)
	if err != nil {
		s.logger.Warn("failed to list active deadlines", "error", err)
		return
	}

	now := s.now().UTC()
	for _, target := range targets {
		if Expired(target.Deadline, now) {
			s.expire(ctx, target)
			continue
		}
		for _, threshold := range PendingWarnings(target.Deadline, now, target.WarningsSent) {
			s.warn(ctx, target, threshold, now)
		}
	}
}

func (s *Scheduler) warn(ctx context.Context, target Target, threshold int, now time.Time) {
	claimed, err := s.provider.ClaimWarning(ctx, target.SessionID, threshold)
	if err != nil {
		s.logger.Warn("failed to claim deadline warning",
			"sessionId", target.SessionID, "threshold", threshold, "error", err)
		return
	}
	if !claimed {
		return
	}

	urgency := UrgencyLevel(target.Deadline, now)
	s.logger.Info("deadline reminder",
		"sessionId", target.SessionID, "threshold", threshold, "urgency", urgency)
	metrics.DeadlineWarningsTotal.WithLabelValues(strconv.Itoa(threshold)).Inc()

	_, err = s.trail.Append(ctx, &audit.Entry{
		Event:      audit.EventDeadlineReminderSent,
		Actor:      audit.SystemActor,
		BatchID:    target.BatchID,
		SessionID:  target.SessionID,
		BusinessID: target.BusinessID,
		Metadata: map[string]any{
			"threshold": threshold,
			"urgency":   urgency,
			"deadline":  target.Deadline,
		},
	})
	if err != nil {
		s.logger.Warn("audit append failed", "event", "deadline_reminder_sent",
			"sessionId", target.SessionID, "error", err)
	}

	data := map[string]any{
		"sessionId":      target.SessionID,
		"batchId":        target.BatchID,
		"hoursRemaining": threshold,
		"urgency":        urgency,
		"deadline":       target.Deadline,
	}
	if s.notifier != nil && target.OwnerID != "" {
		s.notifier.Notify(ctx, target.OwnerID, "deadline_reminder", data)
	}
	if s.events != nil {
		s.events.EmitSession("deadline_warning", target.SessionID, target.BatchID, data)
	}
}

func (s *Scheduler) expire(ctx context.Context, target Target) {
	// All expiry bookkeeping (terminal check, per-transaction resolution,
	// audit entries, batch transition) lives in the provider so it stays
	// atomic with the session state.
	if err := s.provider.AutoResolve(ctx, target.SessionID); err != nil {
		s.logger.Warn("auto-resolution failed",
			"sessionId", target.SessionID, "error", err)
		return
	}
	s.logger.Info("session deadline expired, auto-resolved",
		"sessionId", target.SessionID, "batchId", target.BatchID)
}
