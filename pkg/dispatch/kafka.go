package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaBroker publishes to Kafka topics and consumes them through consumer
// groups.
type KafkaBroker struct {
	brokers []string
	writer  *kafka.Writer
	logger  *slog.Logger
}

// NewKafkaBroker creates a broker for the given bootstrap servers. No
// connection is made until the first Publish or Consume.
func NewKafkaBroker(brokers []string, logger *slog.Logger) *KafkaBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaBroker{
		brokers: brokers,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		},
		logger: logger,
	}
}

func (b *KafkaBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Value: payload}); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (b *KafkaBroker) Consume(ctx context.Context, topic, group string, h Handler) error {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.brokers,
		GroupID:  group,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer r.Close()

	for {
		m, err := r.FetchMessage(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("consume %s: %w", topic, err)
		}
		if err := h(ctx, m.Value); err != nil {
			b.logger.Error("message handler failed", "topic", topic, "offset", m.Offset, "error", err)
		}
		if err := r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			b.logger.Warn("commit kafka offset", "topic", topic, "error", err)
		}
	}
}

func (b *KafkaBroker) Close() error { return b.writer.Close() }
