package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"challenge-ingest/internal/challenge"
	"challenge-ingest/internal/config"
	"challenge-ingest/internal/observability"
	"challenge-ingest/internal/pipeline"
	"challenge-ingest/internal/store"
	"challenge-ingest/internal/transport"

	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	observability.InitLogger(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		observability.GetLogger().WithError(err).Error("Ingestor stopped with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := observability.Component("ingestor")
	logger.WithFields(logrus.Fields{
		"transport": cfg.Broker.Transport,
		"queue":     cfg.Ingest.Queue,
	}).Info("Starting challenge ingestor")

	provider, err := observability.SetupMeterProvider(ctx, observability.MeterConfig{
		ServiceName: cfg.Metrics.ServiceName,
		Exporter:    cfg.Metrics.Exporter,
		Endpoint:    cfg.Metrics.Endpoint,
		Insecure:    cfg.Metrics.Insecure,
		Interval:    cfg.Metrics.Interval,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Failed to flush metrics")
		}
	}()

	metrics, err := observability.NewOtelMetrics(provider)
	if err != nil {
		return err
	}

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	tr, err := transport.Open(ctx, cfg, metrics)
	if err != nil {
		return fmt.Errorf("failed to open broker: %w", err)
	}
	defer func() {
		if err := tr.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close broker cleanly")
		}
	}()

	p, err := pipeline.New(cfg.Ingest, pipeline.Dependencies{
		Subscriber: tr.Subscriber,
		Publisher:  tr.Publisher,
		Store:      st,
		Metrics:    metrics,
	})
	if err != nil {
		return err
	}

	if err := p.Run(ctx); err != nil {
		return err
	}
	logger.Info("Challenge ingestor stopped")
	return nil
}

// openStore returns the persistence collaborator behind a circuit breaker.
// Without a DSN challenges are kept in memory.
func openStore(ctx context.Context, cfg *config.Config) (challenge.Store, func(), error) {
	breaker := store.BreakerConfig{
		MaxFailures: cfg.Store.BreakerMaxFailures,
		OpenTimeout: cfg.Store.BreakerOpenTimeout,
	}

	if cfg.Store.PostgresDSN == "" {
		observability.Component("ingestor").Warn("POSTGRES_DSN not set, using in-memory store")
		return store.NewBreaker(store.NewMemory(), breaker), func() {}, nil
	}

	pg, err := store.NewPostgres(ctx, cfg.Store.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pg.Close()
		return nil, nil, err
	}
	return store.NewBreaker(pg, breaker), pg.Close, nil
}
