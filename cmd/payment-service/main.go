package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/dmehra2102/marketplace-payments/internal/app"
	"github.com/dmehra2102/marketplace-payments/internal/config"
	"github.com/dmehra2102/marketplace-payments/internal/payment/application"
	"github.com/dmehra2102/marketplace-payments/pkg/logging"
	"github.com/dmehra2102/marketplace-payments/pkg/shutdown"
	"github.com/dmehra2102/marketplace-payments/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	log := logging.New(cfg.ServiceName, cfg.LogLevel)
	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	tp, err := tracing.Init(ctx, cfg.ServiceName, cfg.OTLPEndpoint, log)
	if err != nil {
		log.Error("otel init failed", "err", err)
		os.Exit(1)
	}

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("app init failed", "err", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	relay := a.Relay()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := relay.Run(ctx); err != nil {
			log.Error("relay stopped", "err", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runSweeper(ctx, log, a.Reconciler, cfg.SweepInterval)
	}()

	if consumer := a.WebhookConsumer(); consumer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil {
				log.Error("webhook consumer stopped", "err", err)
				cancel()
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("http listening", "addr", cfg.HTTPAddr, "webhook_mode", cfg.WebhookMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("payment-service shutting down")

	err = shutdown.Run(15*time.Second,
		srv.Shutdown,
		func(context.Context) error { wg.Wait(); return nil },
		func(context.Context) error { return a.Close() },
		tp.Shutdown,
	)
	if err != nil {
		log.Error("shutdown incomplete", "err", err)
		os.Exit(1)
	}
	log.Info("payment-service stopped")
}

func runSweeper(ctx context.Context, log *slog.Logger, r *application.Reconciler, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rep, err := r.SweepExpired(ctx)
			if err != nil {
				log.Error("sweep failed", "err", err)
				continue
			}
			if rep.Scanned > 0 {
				log.Info("sweep finished", "scanned", rep.Scanned, "polled", rep.Polled, "purged", rep.Purged)
			}
		}
	}
}
