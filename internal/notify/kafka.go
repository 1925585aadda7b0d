// Package notify publishes pipeline events (stale validations, task
// outcomes) to Kafka for downstream alerting. The publisher is nil-safe:
// an unconfigured broker turns every publish into a no-op.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/seqpipe-io/seqpipe/internal/config"
)

// Event kinds published by the pipeline stages.
const (
	KindValidationStale = "validation.stale"
	KindTaskCompleted   = "task.completed"
	KindTaskFailed      = "task.failed"
	KindPushFailed      = "push.failed"
)

type (
	// Event is one pipeline notification.
	Event struct {
		Kind    string    `json:"kind"`
		Subject string    `json:"subject"` // sequence ID, task ID, or detect number
		Detail  string    `json:"detail,omitempty"`
		At      time.Time `json:"at"`
	}

	// Publisher is the seam the pipeline stages depend on.
	Publisher interface {
		Publish(ctx context.Context, event Event) error
	}

	// KafkaPublisher writes events to a Kafka topic.
	KafkaPublisher struct {
		writer *kafka.Writer
		logger *slog.Logger
	}
)

// Compile-time interface assertion.
var _ Publisher = (*KafkaPublisher)(nil)

// NewKafkaPublisherFromEnv builds a publisher from NOTIFY_KAFKA_BROKERS
// and NOTIFY_KAFKA_TOPIC. Returns nil (a valid no-op publisher per
// Publish's nil-safety) when no broker is configured.
func NewKafkaPublisherFromEnv() *KafkaPublisher {
	brokers := config.GetEnvStr("NOTIFY_KAFKA_BROKERS", "")
	topic := config.GetEnvStr("NOTIFY_KAFKA_TOPIC", "seqpipe.events")

	if brokers == "" {
		return nil
	}

	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
		},
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Publish writes one event. Safe to call on a nil publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	if p == nil {
		return nil
	}

	if event.At.IsZero() {
		event.At = time.Now()
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Kind),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", event.Kind, err)
	}

	p.logger.Debug("Published pipeline event",
		slog.String("kind", event.Kind),
		slog.String("subject", event.Subject),
	)

	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	if p == nil {
		return nil
	}

	return p.writer.Close()
}
