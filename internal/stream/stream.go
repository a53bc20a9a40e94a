// Package stream publishes verification events to Kafka for downstream
// consumers (analytics, reporting, ledger reconciliation). Delivery is
// fire-and-forget: a broker outage never blocks or fails a verification
// operation.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/jplaza/payguard/internal/retry"
)

// Topics carrying verification events. Routing is by event family, not
// per event type, so consumers subscribe to a whole concern at once.
const (
	TopicSessions  = "verification.sessions"
	TopicBatches   = "verification.batches"
	TopicDecisions = "verification.decisions"
)

// Envelope is the wire format for every published event.
type Envelope struct {
	Type       string         `json:"type"`
	SessionID  string         `json:"sessionId,omitempty"`
	BatchID    string         `json:"batchId,omitempty"`
	BusinessID string         `json:"businessId,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data,omitempty"`
}

// messageWriter is the subset of kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher fans verification events out to per-topic Kafka writers.
type Publisher struct {
	writers map[string]messageWriter
	logger  *slog.Logger
	now     func() time.Time

	maxAttempts int
	baseDelay   time.Duration
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublishRetry overrides the delivery retry policy.
func WithPublishRetry(maxAttempts int, baseDelay time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.maxAttempts = maxAttempts
		p.baseDelay = baseDelay
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) PublisherOption {
	return func(p *Publisher) { p.now = now }
}

// NewPublisher creates a publisher with one writer per verification topic.
func NewPublisher(brokers []string, logger *slog.Logger, opts ...PublisherOption) *Publisher {
	writers := make(map[string]messageWriter)
	for _, topic := range []string{TopicSessions, TopicBatches, TopicDecisions} {
		writers[topic] = &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 50 * time.Millisecond,
		}
	}

	p := &Publisher{
		writers:     writers,
		logger:      logger,
		now:         time.Now,
		maxAttempts: 3,
		baseDelay:   100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish delivers an envelope to a topic, retrying transient broker
// errors. The message key is the session ID when present, otherwise the
// batch ID, so events for one entity stay ordered within a partition.
func (p *Publisher) Publish(ctx context.Context, topic string, env *Envelope) error {
	writer, ok := p.writers[topic]
	if !ok {
		return fmt.Errorf("no writer configured for topic %s", topic)
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = p.now().UTC()
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	key := env.SessionID
	if key == "" {
		key = env.BatchID
	}
	msg := kafka.Message{Key: []byte(key), Value: payload}

	return retry.Do(ctx, p.maxAttempts, p.baseDelay, func() error {
		return writer.WriteMessages(ctx, msg)
	})
}

// EmitSession publishes a session-scoped event. Decision events route to
// the decisions topic so ledger consumers do not have to filter the full
// session stream. Satisfies the emitter interfaces of the session and
// presence packages.
func (p *Publisher) EmitSession(eventType, sessionID, batchID string, data map[string]any) {
	topic := TopicSessions
	switch eventType {
	case "transaction_approved", "transaction_rejected", "decision_overridden":
		topic = TopicDecisions
	}
	p.emit(topic, &Envelope{
		Type:      eventType,
		SessionID: sessionID,
		BatchID:   batchID,
		Data:      data,
	})
}

// EmitBatch publishes a batch lifecycle event.
func (p *Publisher) EmitBatch(eventType, batchID, businessID string, data map[string]any) {
	p.emit(TopicBatches, &Envelope{
		Type:       eventType,
		BatchID:    batchID,
		BusinessID: businessID,
		Data:       data,
	})
}

func (p *Publisher) emit(topic string, env *Envelope) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.Publish(ctx, topic, env); err != nil {
			p.logger.Warn("event publish failed",
				"topic", topic, "event", env.Type, "error", err)
		}
	}()
}

// Close flushes and closes all topic writers.
func (p *Publisher) Close() error {
	var firstErr error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close writer for %s: %w", topic, err)
		}
	}
	return firstErr
}
