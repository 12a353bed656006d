// Package kafka mirrors invalidation events between dashboard replicas. Each
// replica keeps delivering events in process through its local bus; the
// mirror copies locally raised events to a Kafka topic and replays events
// raised by other replicas into the local bus, so every replica drops stale
// caches together.
package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-console/internal/domain/events"
	"github.com/ahrav/scan-console/pkg/common/logger"
)

// originHeader marks envelopes replayed from Kafka so they are not sent back.
const originHeader = "origin"

// Config contains settings for connecting to Kafka.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string
	// Topic carries mirrored invalidation events.
	Topic string
	// GroupID identifies this replica's consumer group. Every replica needs
	// its own group so that each one receives every event.
	GroupID string
	// ClientID identifies this client to the Kafka cluster.
	ClientID string
	// InstanceID tags events raised by this replica.
	InstanceID string
}

// Mirror bridges a local events.EventBus and a Kafka topic.
type Mirror struct {
	cfg           Config
	producer      sarama.SyncProducer
	consumerGroup sarama.ConsumerGroup
	local         events.EventBus

	wg sync.WaitGroup

	logger *logger.Logger
	tracer trace.Tracer
}

// NewMirror creates a Mirror. consumerGroup may be nil for a publish-only
// mirror.
func NewMirror(
	cfg Config,
	producer sarama.SyncProducer,
	consumerGroup sarama.ConsumerGroup,
	local events.EventBus,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Mirror {
	logger = logger.With(
		"component", "kafka_mirror",
		"client_id", cfg.ClientID,
		"group_id", cfg.GroupID,
	)
	return &Mirror{
		cfg:           cfg,
		producer:      producer,
		consumerGroup: consumerGroup,
		local:         local,
		logger:        logger,
		tracer:        tracer,
	}
}

// Start subscribes to local invalidation events and, when a consumer group
// is configured, starts replaying remote events. It stops when ctx is done.
func (m *Mirror) Start(ctx context.Context) error {
	if err := m.local.Subscribe(ctx, MirroredEventTypes, m.forward); err != nil {
		return fmt.Errorf("failed to subscribe to local events: %w", err)
	}

	if m.consumerGroup != nil {
		m.wg.Add(1)
		go m.consumeLoop(ctx)
	}
	m.logger.Info(ctx, "kafka mirror started", "topic", m.cfg.Topic)
	return nil
}

// forward publishes a locally raised event to Kafka.
func (m *Mirror) forward(ctx context.Context, env events.EventEnvelope) error {
	if env.Headers[originHeader] != "" {
		return nil
	}
	evt, ok := env.Payload.(events.DomainEvent)
	if !ok {
		return fmt.Errorf("payload of %s is not a domain event: %T", env.Type, env.Payload)
	}

	ctx, span := startProducerSpan(ctx, m.cfg.Topic, m.tracer)
	defer span.End()

	data, err := encodeEvent(m.cfg.InstanceID, evt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to encode event")
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: m.cfg.Topic,
		Key:   sarama.StringEncoder(env.Key),
		Value: sarama.ByteEncoder(data),
	}
	injectTraceContext(ctx, msg)

	partition, offset, err := m.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send message")
		return fmt.Errorf("failed to send message to kafka topic %s: %w", m.cfg.Topic, err)
	}

	m.logger.Debug(ctx, "Published message to Kafka",
		"topic", m.cfg.Topic,
		"partition", partition,
		"offset", offset,
		"event_type", env.Type,
		"key", env.Key,
	)
	return nil
}

func (m *Mirror) consumeLoop(ctx context.Context) {
	defer m.wg.Done()

	handler := &groupHandler{mirror: m}
	for {
		if err := m.consumerGroup.Consume(ctx, []string{m.cfg.Topic}, handler); err != nil {
			m.logger.Error(ctx, "Error from consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// handleMessage replays one Kafka message into the local bus. Messages this
// replica produced itself are skipped because they were already delivered
// locally.
func (m *Mirror) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	ctx = extractTraceContext(ctx, msg)
	ctx, span := startConsumerSpan(ctx, msg, m.tracer)
	defer span.End()

	wire, err := decodeEvent(msg.Value)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to decode event")
		return err
	}
	span.SetAttributes(
		attribute.String("event_type", string(wire.Event.EventType())),
		attribute.String("origin", wire.Origin),
	)

	if wire.Origin == m.cfg.InstanceID {
		span.AddEvent("own_event_skipped")
		return nil
	}

	env := events.EventEnvelope{
		Type:      wire.Event.EventType(),
		Key:       string(msg.Key),
		Headers:   map[string]string{originHeader: wire.Origin},
		Timestamp: wire.Event.OccurredAt(),
		Payload:   wire.Event,
	}
	if err := m.local.Publish(ctx, env); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "local delivery failed")
		return fmt.Errorf("failed to deliver mirrored %s: %w", env.Type, err)
	}
	return nil
}

// Close stops the consumer and producer.
func (m *Mirror) Close() error {
	var firstErr error
	if m.consumerGroup != nil {
		if err := m.consumerGroup.Close(); err != nil {
			firstErr = err
		}
	}
	m.wg.Wait()
	if err := m.producer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// groupHandler implements sarama.ConsumerGroupHandler for the mirror topic.
type groupHandler struct {
	mirror *Mirror
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.mirror.logger.Info(sess.Context(),
		"Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.mirror.logger.Info(sess.Context(),
		"Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

// ConsumeClaim replays every message of a partition. Invalidations are
// idempotent, so a failed delivery is logged and the offset still advances.
func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	lastCommit := time.Now()
	const commitInterval = time.Second

	for msg := range claim.Messages() {
		if err := h.mirror.handleMessage(sess.Context(), msg); err != nil {
			h.mirror.logger.Warn(sess.Context(), "Failed to handle mirrored message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}
		sess.MarkMessage(msg, "")
		if time.Since(lastCommit) > commitInterval {
			sess.Commit()
			lastCommit = time.Now()
		}
	}
	return nil
}
