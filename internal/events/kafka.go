package events

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

var _ Publisher = (*KafkaPublisher)(nil)

// KafkaPublisher writes envelopes to a Kafka topic. Writes are async: the
// writer batches and flushes in the background, and delivery errors are
// logged rather than surfaced, matching the fire-and-forget contract.
type KafkaPublisher struct {
	w        *kafka.Writer
	producer string
}

// NewKafkaPublisher creates a publisher for the given brokers and topic.
func NewKafkaPublisher(brokers []string, topic, producer string) *KafkaPublisher {
	return &KafkaPublisher{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        true,
		},
		producer: producer,
	}
}

// Publish wraps the event in an envelope and hands it to the async writer.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	env, err := NewEnvelope(e, p.producer)
	if err != nil {
		return errors.Wrap(err, "build envelope")
	}
	value, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}

	err = p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.Key()),
		Value: value,
	})
	if err != nil {
		zctx.From(ctx).Warn("publish event",
			zap.String("event_type", e.EventName()),
			zap.Error(err),
		)
		return errors.Wrap(err, "write message")
	}
	return nil
}

// Close flushes pending messages and releases the writer.
func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}
