package kafka

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/dmehra2102/marketplace-payments/internal/gateway"
	"github.com/dmehra2102/marketplace-payments/pkg/outbox"
	"github.com/dmehra2102/marketplace-payments/pkg/tracing"
)

const providerHeader = "provider"

// WebhookQueue hands verified webhook deliveries to the consumer through Kafka.
type WebhookQueue struct {
	log      *slog.Logger
	producer outbox.Producer
	topic    string
}

func NewWebhookQueue(log *slog.Logger, producer outbox.Producer, topic string) *WebhookQueue {
	return &WebhookQueue{log: log, producer: producer, topic: topic}
}

func (q *WebhookQueue) Enqueue(ctx context.Context, provider gateway.Provider, payload []byte) error {
	headers := tracing.InjectKafkaHeaders(ctx, []kafka.Header{{Key: providerHeader, Value: []byte(provider)}})
	msg := kafka.Message{
		Topic:   q.topic,
		Key:     []byte(provider),
		Value:   payload,
		Headers: headers,
	}
	if err := q.producer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("enqueue %s webhook: %w", provider, err)
	}
	q.log.Debug("webhook enqueued", "provider", provider, "bytes", len(payload))
	return nil
}
