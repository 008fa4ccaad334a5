// Package stream publishes audit events to Kafka for downstream consumers.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/oktsec/truthaudit/internal/audit"
)

// DefaultTopic receives audit events when no topic is configured.
const DefaultTopic = "truthaudit.audit-events"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes audit events to a Kafka topic keyed by agent id, so one
// agent's events stay ordered within a partition.
type Publisher struct {
	w       messageWriter
	topic   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewPublisher creates an asynchronous producer for the given brokers.
// Publish only enqueues; delivery failures are logged when the batch
// completes, so a slow or unreachable broker never delays an audit.
func NewPublisher(brokers []string, topic string, logger *slog.Logger) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	p := &Publisher{topic: topic, timeout: 5 * time.Second, logger: logger}
	p.w = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		BatchTimeout: 20 * time.Millisecond,
		WriteTimeout: p.timeout,
		Completion:   p.completed,
	}
	return p
}

func (p *Publisher) completed(msgs []kafka.Message, err error) {
	if err == nil {
		return
	}
	p.logger.Warn("event stream delivery failed", "topic", p.topic, "messages", len(msgs), "error", err)
}

// Publish writes one event.
func (p *Publisher) Publish(ctx context.Context, e audit.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(e.AgentID),
		Value: body,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Kind)},
			{Key: "session_id", Value: []byte(e.SessionID)},
		},
		Time: e.CreatedAt,
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publishing event %s to %s: %w", e.ID, p.topic, err)
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *Publisher) Close() error {
	return p.w.Close()
}

// EventAppender is the event store the tee wraps.
type EventAppender interface {
	AppendEvent(ctx context.Context, e audit.Event) error
}

// TeeEventStore appends to the primary store, then publishes. A publish
// failure is logged; only the primary store decides success.
type TeeEventStore struct {
	primary   EventAppender
	publisher *Publisher
	logger    *slog.Logger
}

// NewTeeEventStore wraps primary.
func NewTeeEventStore(primary EventAppender, publisher *Publisher, logger *slog.Logger) *TeeEventStore {
	return &TeeEventStore{primary: primary, publisher: publisher, logger: logger}
}

// AppendEvent implements the engine's EventStore.
func (t *TeeEventStore) AppendEvent(ctx context.Context, e audit.Event) error {
	if err := t.primary.AppendEvent(ctx, e); err != nil {
		return err
	}
	if err := t.publisher.Publish(ctx, e); err != nil {
		t.logger.Warn("event stream publish failed", "event", e.ID, "error", err)
	}
	return nil
}
