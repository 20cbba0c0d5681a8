package kafka

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/marketplace-payments/internal/gateway"
	"github.com/dmehra2102/marketplace-payments/internal/payment/domain"
	"github.com/dmehra2102/marketplace-payments/pkg/idempotency"
	"github.com/dmehra2102/marketplace-payments/pkg/tracing"
)

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type WebhookHandler interface {
	HandleWebhook(ctx context.Context, provider gateway.Provider, payload []byte) error
}

type Consumer struct {
	log      *slog.Logger
	reader   Reader
	handler  WebhookHandler
	idem     *idempotency.Store
	tracer   trace.Tracer
	attempts int
	backoff  time.Duration
}

func NewReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: group,
	})
}

func NewConsumer(log *slog.Logger, reader Reader, handler WebhookHandler, idem *idempotency.Store) *Consumer {
	return &Consumer{
		log:      log,
		reader:   reader,
		handler:  handler,
		idem:     idem,
		tracer:   otel.Tracer("webhook-consumer"),
		attempts: 3,
		backoff:  time.Second,
	}
}

// Run consumes until ctx is cancelled. A delivery that keeps failing is
// committed after the last attempt; polling and the sweep converge it later.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		key := c.idem.Key(msg.Topic, msg.Partition, msg.Offset)
		seen, err := c.idem.Seen(ctx, key)
		if err != nil {
			// the ledger tolerates a duplicate; skipping would lose the delivery
			c.log.Error("idempotency check failed, processing anyway", "key", key, "err", err)
			seen = false
		}
		if seen {
			c.log.Info("duplicate webhook skipped", "key", key)
			_ = c.reader.CommitMessages(ctx, msg)
			continue
		}

		if err := c.process(ctx, msg); err != nil {
			if rerr := c.idem.Release(context.WithoutCancel(ctx), key); rerr != nil {
				c.log.Warn("idempotency release failed", "key", key, "err", rerr)
			}
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("webhook dropped after retries", "offset", msg.Offset, "err", err)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.log.Error("commit failed", "offset", msg.Offset, "err", err)
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	provider := gateway.Provider(tracing.HeaderValue(msg.Headers, providerHeader))
	if provider == "" {
		provider = gateway.Provider(msg.Key)
	}

	msgCtx := tracing.ExtractKafkaHeaders(ctx, msg.Headers)
	msgCtx, span := c.tracer.Start(msgCtx, "ConsumeWebhook", trace.WithAttributes(attribute.String("gateway.provider", string(provider))))
	defer span.End()

	var err error
	for i := 0; i < c.attempts; i++ {
		err = c.handler.HandleWebhook(msgCtx, provider, msg.Value)
		if err == nil || permanent(err) {
			break
		}
		c.log.Warn("webhook processing failed", "provider", provider, "attempt", i+1, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff * time.Duration(i+1)):
		}
	}
	if err != nil {
		span.RecordError(err)
		if permanent(err) {
			c.log.Warn("webhook rejected", "provider", provider, "err", err)
			return nil
		}
		return err
	}
	c.log.Info("webhook processed", "provider", provider, "offset", msg.Offset)
	return nil
}

// permanent errors are not retried: the payload will never apply.
func permanent(err error) bool {
	return domain.IsValidation(err) || domain.IsInvalidTransition(err) || errors.Is(err, domain.ErrNotFound)
}
