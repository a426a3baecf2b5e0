package events

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Publisher delivers events to the audit stream.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
	Close() error
}

// messageWriter is the part of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the kafka publisher.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// KafkaPublisher writes events to a single topic keyed by aggregate id, so
// all events of one owner land on one partition in order.
type KafkaPublisher struct {
	writer  messageWriter
	topic   string
	brokers []string
	logger  zerolog.Logger
}

func NewKafkaPublisher(cfg KafkaConfig, logger zerolog.Logger) *KafkaPublisher {
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	return &KafkaPublisher{writer: w, topic: cfg.Topic, brokers: cfg.Brokers, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event *Event) error {
	data, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.AggregateID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "source", Value: []byte(event.Source)},
		},
	}
	if event.CorrelationID != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "correlation_id", Value: []byte(event.CorrelationID)})
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish event to %s: %w", p.topic, err)
	}

	p.logger.Debug().
		Str("topic", p.topic).
		Str("event_type", event.EventType).
		Str("aggregate_id", event.AggregateID).
		Msg("event published")
	return nil
}

// Ping dials the configured brokers and succeeds if any one answers.
func (p *KafkaPublisher) Ping(ctx context.Context) error {
	if len(p.brokers) == 0 {
		return fmt.Errorf("kafka: no brokers configured")
	}
	var lastErr error
	for _, addr := range p.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		_, err = conn.Brokers()
		_ = conn.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("kafka ping: all brokers unreachable: %w", lastErr)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher writes events to the structured log. It is used when no
// brokers are configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "audit").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, event *Event) error {
	p.logger.Info().
		Str("event_id", event.EventID).
		Str("event_type", event.EventType).
		Str("aggregate_type", event.AggregateType).
		Str("aggregate_id", event.AggregateID).
		Str("correlation_id", event.CorrelationID).
		RawJSON("data", event.Data).
		Time("timestamp", event.Timestamp).
		Msg("audit event")
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// Emit builds and publishes an event. Failures are logged and dropped;
// callers never fail because the audit stream is unavailable.
func Emit(ctx context.Context, pub Publisher, logger zerolog.Logger, eventType, aggregateID, aggregateType string, data any) {
	if pub == nil {
		return
	}
	evt, err := NewEvent(eventType, aggregateID, aggregateType, Source, data)
	if err != nil {
		logger.Error().Err(err).Str("event_type", eventType).Msg("build event")
		return
	}
	if rid := CorrelationIDFromContext(ctx); rid != "" {
		evt.WithCorrelationID(rid)
	}
	if err := pub.Publish(ctx, evt); err != nil {
		logger.Error().Err(err).Str("event_type", eventType).Msg("publish event")
	}
}

// Source identifies this service in event envelopes.
const Source = "medportal-auth"

type correlationKey struct{}

// WithCorrelationID returns a copy of ctx whose events carry id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationIDFromContext returns the id set by WithCorrelationID.
func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
