package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ayo6706/midas-core/internal/api"
	"github.com/ayo6706/midas-core/internal/api/handler"
	"github.com/ayo6706/midas-core/internal/config"
	"github.com/ayo6706/midas-core/internal/db"
	"github.com/ayo6706/midas-core/internal/idempotency"
	"github.com/ayo6706/midas-core/internal/incentive"
	"github.com/ayo6706/midas-core/internal/observability"
	"github.com/ayo6706/midas-core/internal/repository"
	"github.com/ayo6706/midas-core/internal/service"
	"github.com/ayo6706/midas-core/internal/stream"
	"github.com/ayo6706/midas-core/internal/worker"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Run bootstraps the transfer consumer, ledger audit worker and HTTP server,
// blocking until shutdown.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	observability.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	store := repository.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	processed := idempotency.NewStore(nil, cfg.IdempotencyTTL)
	if cfg.RedisURL != "" {
		redisClient, err := newRedisClient(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisClient.Close()
		processed = idempotency.NewStore(redisClient, cfg.IdempotencyTTL)
	} else {
		logger.Warn("REDIS_URL empty, redelivery checks rely on the ledger only")
	}

	incentives := incentive.NewHTTPClient(incentive.Config{
		URL:             cfg.IncentiveURL,
		Timeout:         cfg.IncentiveTimeout,
		BreakerFailures: cfg.IncentiveBreakerFailures,
		BreakerCooldown: cfg.IncentiveBreakerCooldown,
	}, logger.Named("incentive"))

	processor := service.NewTransferProcessor(store, incentives, logger.Named("transfer")).
		WithIncentiveTimeout(cfg.IncentiveTimeout).
		WithProcessedEvents(processed)

	group, err := stream.NewConsumerGroup(cfg.KafkaBrokers, cfg.KafkaGroupID)
	if err != nil {
		return fmt.Errorf("connect kafka: %w", err)
	}
	consumer := stream.NewTransferConsumer(group, cfg.KafkaTopic, processor, logger.Named("consumer")).
		WithRetryBackoff(cfg.ConsumerRetryBackoff).
		WithKeyEpoch(cfg.KafkaKeyEpoch)
	defer consumer.Close()

	if cfg.KafkaDeadLetterTopic != "" {
		producer, err := stream.NewSyncProducer(cfg.KafkaBrokers)
		if err != nil {
			return fmt.Errorf("connect dead-letter producer: %w", err)
		}
		deadLetters := stream.NewDeadLetterPublisher(producer, cfg.KafkaDeadLetterTopic)
		defer deadLetters.Close()
		consumer.WithDeadLetters(deadLetters)
	}

	auditor := worker.NewReconciliationWorker(service.NewReconciliationService(store), logger.Named("reconciliation")).
		WithInterval(cfg.ReconciliationInterval)

	router := api.NewRouter(logger, service.NewAccountService(store, store), map[string]handler.Pinger{
		"database": store,
		"redis":    processed,
	}, cfg.PublicRateLimitRPS)

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("transfer consumer starting",
			zap.Strings("brokers", cfg.KafkaBrokers),
			zap.String("topic", cfg.KafkaTopic),
			zap.String("group", cfg.KafkaGroupID),
		)
		return consumer.Start(gctx)
	})
	g.Go(func() error {
		return auditor.Start(gctx)
	})
	g.Go(func() error {
		logger.Info("http server starting", zap.String("port", cfg.HTTPPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func newRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
