// Package notify delivers user notifications over registered webhooks.
//
// Admins and verifiers register webhook URLs to hear about:
// - batch releases and deadline reminders
// - completed or auto-resolved sessions
//
// Delivery is fire-and-forget: the domain services never wait on it and
// never see a delivery error.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jplaza/payguard/internal/circuitbreaker"
	"github.com/jplaza/payguard/internal/idgen"
	"github.com/jplaza/payguard/internal/metrics"
	"github.com/jplaza/payguard/internal/retry"
	"github.com/jplaza/payguard/internal/security"
)

// EventType represents the type of notification event
type EventType string

const (
	EventBatchReleased         EventType = "batch_released"
	EventDeadlineReminder      EventType = "deadline_reminder"
	EventDeadlineExpired       EventType = "deadline_expired"
	EventVerificationCompleted EventType = "verification_completed"
)

// Event is one delivered notification.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	UserID    string         `json:"userId"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscription is one user's webhook registration.
type Subscription struct {
	ID          string      `json:"id"`
	UserID      string      `json:"userId"`
	URL         string      `json:"url"`
	Secret      string      `json:"-"` // Used for HMAC signing
	Events      []EventType `json:"events"`
	Active      bool        `json:"active"`
	CreatedAt   time.Time   `json:"createdAt"`
	LastSuccess *time.Time  `json:"lastSuccess,omitempty"`
	LastError   string      `json:"lastError,omitempty"`
}

// subscribedTo reports whether the subscription wants eventType. An empty
// event list subscribes to everything.
func (s *Subscription) subscribedTo(eventType EventType) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, et := range s.Events {
		if et == eventType {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByUser(ctx context.Context, userID string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends notifications to a user's registered webhooks.
type Dispatcher struct {
	store        Store
	client       *http.Client
	breaker      *circuitbreaker.Breaker
	logger       *slog.Logger
	urlValidator func(string) error

	maxAttempts int
	baseDelay   time.Duration
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

func WithClient(c *http.Client) DispatcherOption {
	return func(d *Dispatcher) { d.client = c }
}

func WithRetry(maxAttempts int, baseDelay time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.maxAttempts = maxAttempts
		d.baseDelay = baseDelay
	}
}

// NewDispatcher creates a webhook dispatcher. One breaker entry per
// endpoint keeps a dead receiver from soaking up delivery goroutines.
func NewDispatcher(store Store, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:        store,
		client:       &http.Client{Timeout: 10 * time.Second},
		breaker:      circuitbreaker.New(5, 30*time.Second),
		logger:       logger,
		urlValidator: security.ValidateEndpointURL,
		maxAttempts:  3,
		baseDelay:    500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify delivers an event to every active subscription of the user.
// It satisfies the Notifier interfaces of the batch, session, and
// deadline packages: failures are logged and counted, never returned.
func (d *Dispatcher) Notify(ctx context.Context, userID, eventType string, data map[string]any) {
	subs, err := d.store.GetByUser(ctx, userID)
	if err != nil {
		d.logger.Warn("failed to load notification subscriptions", "userId", userID, "error", err)
		return
	}

	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      EventType(eventType),
		UserID:    userID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, sub := range subs {
		if !sub.Active || !sub.subscribedTo(event.Type) {
			continue
		}
		// Send async to avoid blocking the caller
		go d.send(context.WithoutCancel(ctx), sub, event)
	}
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	if err := d.urlValidator(sub.URL); err != nil {
		metrics.NotificationsTotal.WithLabelValues("blocked").Inc()
		d.updateError(ctx, sub, err.Error())
		return
	}
	if !d.breaker.Allow(sub.URL) {
		metrics.NotificationsTotal.WithLabelValues("circuit_open").Inc()
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.updateError(ctx, sub, "failed to marshal event")
		return
	}

	err = retry.Do(ctx, d.maxAttempts, d.baseDelay, func() error {
		return d.deliver(ctx, sub, event, payload)
	})
	if err != nil {
		d.breaker.RecordFailure(sub.URL)
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		d.updateError(ctx, sub, err.Error())
		d.logger.Warn("notification delivery failed",
			"subscription", sub.ID, "event", event.Type, "error", err)
		return
	}

	d.breaker.RecordSuccess(sub.URL)
	metrics.NotificationsTotal.WithLabelValues("delivered").Inc()
	d.updateSuccess(ctx, sub)
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, "POST", sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Payguard-Event", string(event.Type))
	req.Header.Set("X-Payguard-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))

	// Sign the payload if secret is set
	if sub.Secret != "" {
		req.Header.Set("X-Payguard-Signature", Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The receiver rejected the payload; retrying will not help.
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

// Sign computes the hex HMAC-SHA256 of payload under secret. Receivers
// verify deliveries by recomputing it over the raw body.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now().UTC()
	sub.LastSuccess = &now
	sub.LastError = ""
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record delivery success", "subscription", sub.ID, "error", err)
	}
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	sub.LastError = errMsg
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record delivery error", "subscription", sub.ID, "error", err)
	}
}
