package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"affiliation/internal/affiliation/store"
	"affiliation/internal/citizen"
	"affiliation/internal/events"
	"affiliation/internal/events/consumers"
	"affiliation/internal/platform/config"
	"affiliation/internal/platform/httpserver"
	"affiliation/internal/platform/kafka"
	"affiliation/internal/platform/kafka/consumer"
	"affiliation/internal/platform/logger"
	"affiliation/internal/platform/metrics"
	platformredis "affiliation/internal/platform/redis"
	"affiliation/internal/registry"
	"affiliation/internal/transfer"
	httptransport "affiliation/internal/transport/http"
)

// main wires dependencies and supervises the HTTP server, the event
// consumers, and the stale-transfer sweeper under one lifecycle.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	if err := run(cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server exited", "error", err)
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
	if _, err := db.ExecContext(ctx, store.Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	bus := kafka.NewBus(cfg.Kafka, log)
	defer bus.Close()
	if err := ensureTopics(ctx, bus, cfg.Kafka.DeadLetterSuffix); err != nil {
		return err
	}

	m := metrics.New()
	st := store.NewPostgres(db)
	publisher := events.NewPublisher(bus)
	registryClient := registry.NewCachedClient(
		registry.NewClient(cfg.Registry, cfg.DocumentServiceURL, log),
		redisClient, cfg.Redis.CacheTTL, log,
	)

	transferSvc := transfer.NewService(st, registryClient, publisher, transfer.Params{
		OperatorID:         cfg.OperatorID,
		OperatorName:       cfg.OperatorName,
		ConfirmCallbackURL: cfg.ConfirmCallbackURL,
		StaleTransferTTL:   cfg.StaleTransferTTL,
	}, transfer.WithLogger(log), transfer.WithMetrics(m))

	citizenSvc := citizen.NewService(st, registryClient, publisher, citizen.Params{
		OperatorID:   cfg.OperatorID,
		OperatorName: cfg.OperatorName,
	}, citizen.WithLogger(log), citizen.WithMetrics(m),
		citizen.WithCacheInvalidator(registryClient.InvalidateCitizen))

	router := httptransport.NewRouter(httptransport.Deps{
		Citizens:  citizenSvc,
		Transfers: transferSvc,
		Logger:    log,
		Health: func(ctx context.Context) error {
			if err := db.PingContext(ctx); err != nil {
				return err
			}
			if redisClient != nil {
				return redisClient.Health(ctx)
			}
			return nil
		},
	})
	srv := httpserver.New(cfg.Addr, router)

	eventConsumer, err := buildConsumer(cfg.Kafka, transferSvc, bus, m, log)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("http server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		log.Info("event consumers starting", "group", cfg.Kafka.GroupID)
		return eventConsumer.Run(ctx)
	})

	g.Go(func() error {
		return runSweeper(ctx, cfg.SweepInterval, transferSvc, log)
	})

	return g.Wait()
}

// ensureTopics creates every topic this process produces to or consumes from,
// including the dead-letter topics for the consumed ones.
func ensureTopics(ctx context.Context, bus *kafka.Bus, dlqSuffix string) error {
	consumed := []string{
		events.TopicDocumentsReady,
		events.TopicRegisterCompleted,
		events.TopicUnregisterCompleted,
	}
	topics := append([]string{
		events.TopicDocumentsDownload,
		events.TopicRegisterRequested,
		events.TopicUnregisterRequested,
		events.TopicAffiliationCreated,
		events.TopicUserTransferred,
	}, consumed...)
	for _, topic := range consumed {
		topics = append(topics, topic+dlqSuffix)
	}
	if err := bus.EnsureTopics(ctx, topics...); err != nil {
		return fmt.Errorf("ensure topics: %w", err)
	}
	return nil
}

func buildConsumer(cfg config.KafkaConfig, orch consumers.Orchestrator, bus *kafka.Bus, m *metrics.Metrics, log *slog.Logger) (*consumer.Consumer, error) {
	deps := &consumers.Deps{
		Orchestrator:     orch,
		Bus:              bus,
		DeadLetterSuffix: cfg.DeadLetterSuffix,
		Metrics:          m,
		Logger:           log,
	}

	router := consumer.NewRouter(log)
	router.Register(events.TopicDocumentsReady, consumers.NewDocumentsReadyHandler(deps))
	router.Register(events.TopicRegisterCompleted, consumers.NewRegisterCompletedHandler(deps))
	router.Register(events.TopicUnregisterCompleted, consumers.NewUnregisterCompletedHandler(deps))

	return consumer.New(cfg, router.Topics(), router, log)
}

// runSweeper periodically fails transfers stuck in TRANSFERRING past the TTL.
func runSweeper(ctx context.Context, interval time.Duration, svc *transfer.Service, log *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			failed, err := svc.FailStale(ctx)
			if err != nil {
				log.ErrorContext(ctx, "stale transfer sweep failed", "error", err)
				continue
			}
			if failed > 0 {
				log.InfoContext(ctx, "stale transfers failed", "count", failed)
			}
		}
	}
}
