package outbox

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/segmentio/kafka-go"
)

// Header keys set on every dispatched message.
const (
	HeaderEventType     = "event_type"
	HeaderAggregateType = "aggregate_type"
	HeaderOutboxID      = "outbox_id"
	HeaderContentType   = "content_type"
)

type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Dispatcher struct {
	log      *slog.Logger
	producer Producer
	topic    string
}

func NewDispatcher(log *slog.Logger, producer Producer, topic string) *Dispatcher {
	return &Dispatcher{log: log, producer: producer, topic: topic}
}

// Dispatch publishes one event keyed by its aggregate id, so events of one payment
// land on one partition in commit order. Consumers dedupe on the outbox_id header.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) error {
	msg := kafka.Message{
		Topic:   d.topic,
		Key:     []byte(event.AggregateID),
		Value:   event.Payload,
		Time:    event.CreatedAt,
		Headers: messageHeaders(event),
	}
	if err := d.producer.WriteMessages(ctx, msg); err != nil {
		d.log.Error("outbox dispatch failed", "event_id", event.ID, "aggregate_id", event.AggregateID, "err", err)
		return err
	}
	d.log.Info("outbox dispatched", "event_id", event.ID, "type", event.Type, "aggregate_id", event.AggregateID)
	return nil
}

func messageHeaders(event Event) []kafka.Header {
	headers := make([]kafka.Header, 0, len(event.Headers)+5)
	for k, v := range event.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	headers = append(headers,
		kafka.Header{Key: HeaderEventType, Value: []byte(event.Type)},
		kafka.Header{Key: HeaderAggregateType, Value: []byte(event.AggregateType)},
		kafka.Header{Key: HeaderOutboxID, Value: []byte(strconv.FormatInt(event.ID, 10))},
		kafka.Header{Key: HeaderContentType, Value: []byte("application/json")},
	)
	if event.Traceparent != "" {
		headers = append(headers, kafka.Header{Key: "traceparent", Value: []byte(event.Traceparent)})
	}
	return headers
}
