package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"affiliation/internal/affiliation/store"
	"affiliation/internal/events"
	"affiliation/internal/events/consumers"
	"affiliation/internal/platform/config"
	"affiliation/internal/platform/kafka"
	"affiliation/internal/platform/kafka/consumer"
	"affiliation/internal/platform/logger"
	"affiliation/internal/platform/metrics"
	"affiliation/internal/registry"
	"affiliation/internal/transfer"
)

// main runs the event consumers without the HTTP API, for deployments that
// scale consumption separately from request serving.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	if err := run(cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("consumers exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}

	bus := kafka.NewBus(cfg.Kafka, log)
	defer bus.Close()

	m := metrics.New()
	st := store.NewPostgres(db)
	publisher := events.NewPublisher(bus)
	registryClient := registry.NewClient(cfg.Registry, cfg.DocumentServiceURL, log)

	transferSvc := transfer.NewService(st, registryClient, publisher, transfer.Params{
		OperatorID:         cfg.OperatorID,
		OperatorName:       cfg.OperatorName,
		ConfirmCallbackURL: cfg.ConfirmCallbackURL,
		StaleTransferTTL:   cfg.StaleTransferTTL,
	}, transfer.WithLogger(log), transfer.WithMetrics(m))

	deps := &consumers.Deps{
		Orchestrator:     transferSvc,
		Bus:              bus,
		DeadLetterSuffix: cfg.Kafka.DeadLetterSuffix,
		Metrics:          m,
		Logger:           log,
	}

	router := consumer.NewRouter(log)
	router.Register(events.TopicDocumentsReady, consumers.NewDocumentsReadyHandler(deps))
	router.Register(events.TopicRegisterCompleted, consumers.NewRegisterCompletedHandler(deps))
	router.Register(events.TopicUnregisterCompleted, consumers.NewUnregisterCompletedHandler(deps))

	eventConsumer, err := consumer.New(cfg.Kafka, router.Topics(), router, log)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("event consumers starting", "group", cfg.Kafka.GroupID, "topics", router.Topics())
		return eventConsumer.Run(ctx)
	})
	return g.Wait()
}
