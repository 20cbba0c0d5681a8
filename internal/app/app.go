// Package app wires the payment service from configuration. Both the service
// binary and the operator CLI build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/dmehra2102/marketplace-payments/internal/config"
	"github.com/dmehra2102/marketplace-payments/internal/gateway"
	orderapp "github.com/dmehra2102/marketplace-payments/internal/order/application"
	orderpg "github.com/dmehra2102/marketplace-payments/internal/order/infrastructure/postgres"
	"github.com/dmehra2102/marketplace-payments/internal/payment/application"
	"github.com/dmehra2102/marketplace-payments/internal/payment/domain"
	httpapi "github.com/dmehra2102/marketplace-payments/internal/payment/infrastructure/http"
	paymentkafka "github.com/dmehra2102/marketplace-payments/internal/payment/infrastructure/kafka"
	paymentpg "github.com/dmehra2102/marketplace-payments/internal/payment/infrastructure/postgres"
	userpg "github.com/dmehra2102/marketplace-payments/internal/user/infrastructure/postgres"
	"github.com/dmehra2102/marketplace-payments/pkg/database"
	"github.com/dmehra2102/marketplace-payments/pkg/idempotency"
	"github.com/dmehra2102/marketplace-payments/pkg/outbox"
)

type App struct {
	Config     config.Config
	Log        *slog.Logger
	Pool       *pgxpool.Pool
	Redis      *redis.Client
	Gateways   *gateway.Registry
	Reconciler *application.Reconciler
	Idem       *idempotency.Store

	eventWriter   *kafka.Writer
	webhookWriter *kafka.Writer
}

func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	pool, err := database.NewPool(ctx, cfg.PGURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	registry := Gateways(log, cfg)
	payments := paymentpg.NewRepository(log, pool)
	ledger := application.NewLedger(log, payments,
		application.WithTTL(cfg.PaymentTTL),
		application.WithFees(application.FeeSchedule{
			PlatformRate: cfg.PlatformFeeRate,
			GatewayRates: map[domain.Method]decimal.Decimal{
				domain.MethodCard:        cfg.CardFeeRate,
				domain.MethodWallet:      cfg.CardFeeRate,
				domain.MethodOrangeMoney: cfg.OrangeFeeRate,
				domain.MethodMTNMoMo:     cfg.MTNFeeRate,
			},
		}),
	)
	orders := orderpg.NewRepository(log, pool)
	linkage := orderapp.NewLinkage(log, orders)
	reconciler := application.NewReconciler(log, ledger, payments, orders, userpg.NewRepository(pool), linkage, registry,
		application.WithRetention(cfg.SweepRetention),
		application.WithSweepBatch(cfg.SweepBatch),
	)

	return &App{
		Config:        cfg,
		Log:           log,
		Pool:          pool,
		Redis:         rdb,
		Gateways:      registry,
		Reconciler:    reconciler,
		Idem:          idempotency.NewStore(rdb, cfg.IdempotencyTTL),
		eventWriter:   newWriter(cfg.KafkaBrokers),
		webhookWriter: newWriter(cfg.KafkaBrokers),
	}, nil
}

// Gateways registers a client for every provider with a configured base URL.
// External wallets go through the card processor; bank transfers have no gateway.
func Gateways(log *slog.Logger, cfg config.Config) *gateway.Registry {
	hc := gateway.NewHTTPClient(cfg.GatewayTimeout)
	r := gateway.NewRegistry()
	if cfg.Card.BaseURL != "" {
		card := gateway.NewCardGateway(log, hc, cfg.Card)
		r.Register(domain.MethodCard, card)
		r.Register(domain.MethodWallet, card)
	}
	if cfg.Orange.BaseURL != "" {
		r.Register(domain.MethodOrangeMoney, gateway.NewOrangeMoney(log, hc, cfg.Orange))
	}
	if cfg.MTN.BaseURL != "" {
		r.Register(domain.MethodMTNMoMo, gateway.NewMTNMoMo(log, hc, cfg.MTN))
	}
	return r
}

func newWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

func (a *App) Router() http.Handler {
	opts := []httpapi.Option{
		httpapi.WithHealthCheck("postgres", a.Pool.Ping),
		httpapi.WithHealthCheck("redis", func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }),
	}
	if a.Config.WebhookMode == config.WebhookQueue {
		opts = append(opts, httpapi.WithWebhookQueue(paymentkafka.NewWebhookQueue(a.Log, a.webhookWriter, a.Config.WebhookTopic)))
	}
	h := httpapi.NewHandler(a.Log, a.Reconciler, a.Gateways, opts...)
	return httpapi.NewRouter(a.Log, h, a.Idem)
}

// Relay publishes payment events from the outbox to the events topic.
func (a *App) Relay() *outbox.Relay {
	dispatch := outbox.NewDispatcher(a.Log, a.eventWriter, a.Config.OutboxTopic)
	return outbox.NewRelay(a.Log, outbox.NewPostgresStore(a.Log, a.Pool), dispatch, a.Config.ServiceName+"-relay")
}

// WebhookConsumer returns nil unless webhooks are queued.
func (a *App) WebhookConsumer() *paymentkafka.Consumer {
	if a.Config.WebhookMode != config.WebhookQueue {
		return nil
	}
	reader := paymentkafka.NewReader(a.Config.KafkaBrokers, a.Config.WebhookTopic, a.Config.ConsumerGroup)
	return paymentkafka.NewConsumer(a.Log, reader, a.Reconciler, a.Idem)
}

func (a *App) Close() error {
	var errs []error
	if err := a.eventWriter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close event writer: %w", err))
	}
	if err := a.webhookWriter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close webhook writer: %w", err))
	}
	if err := a.Redis.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close redis: %w", err))
	}
	a.Pool.Close()
	return errors.Join(errs...)
}
