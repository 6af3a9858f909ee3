package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/stockledger/internal/app"
	"github.com/odyssey-erp/stockledger/internal/catalog"
	"github.com/odyssey-erp/stockledger/internal/events"
	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/observability"
	"github.com/odyssey-erp/stockledger/internal/platform/cache"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
	"github.com/odyssey-erp/stockledger/internal/sales"
	"github.com/odyssey-erp/stockledger/jobs"
)

const serviceVersion = "0.1.0"

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("stockledger exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		ServiceName:    "stockledger",
		ServiceVersion: serviceVersion,
		Endpoint:       cfg.OtelEndpoint,
		Insecure:       cfg.OtelInsecure,
	})
	if err != nil {
		logger.Warn("tracing disabled", slog.Any("error", err))
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown", slog.Any("error", err))
		}
	}()

	pool, err := db.New(ctx, db.PoolConfig{DSN: cfg.PGDSN, MaxConns: cfg.PGMaxConns})
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	metrics := observability.NewMetrics()
	runner := db.NewRunner(pool, db.RunnerConfig{
		Timeout:     cfg.TxTimeout,
		MaxAttempts: cfg.TxMaxAttempts,
		OnRetry:     metrics.ObserveRetry,
	})

	health := map[string]app.Pinger{"postgres": pool}

	// Redis backs the record cache and the job queue; the ledger itself works without it.
	var recordCache *inventory.RecordCache
	var jobHandler *jobs.Handler
	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Warn("redis unavailable, record cache disabled", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		recordCache = inventory.NewRecordCache(redisClient, cfg.RecordCacheTTL)
		health["redis"] = app.PingFunc(func(ctx context.Context) error { return redisClient.Ping(ctx).Err() })

		redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
		inspector := asynq.NewInspector(redisOpts)
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("asynq inspector close", slog.Any("error", err))
			}
		}()
		jobClient := jobs.NewClient(redisOpts)
		defer func() {
			if err := jobClient.Close(); err != nil {
				logger.Warn("asynq client close", slog.Any("error", err))
			}
		}()
		jobHandler = jobs.NewHandler(inspector, jobClient, logger)
	}

	observers := []inventory.MovementObserver{metrics}
	if cfg.KafkaEnabled() {
		publisher := events.NewPublisher(events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaMovementTopic), logger)
		defer func() {
			if err := publisher.Close(); err != nil {
				logger.Warn("kafka writer close", slog.Any("error", err))
			}
		}()
		observers = append(observers, publisher)
	}

	inventoryService := inventory.NewService(inventory.NewRepository(runner), recordCache, observers...)
	salesService := sales.NewService(sales.NewRepository(runner), inventoryService)
	catalogService := catalog.NewService(catalog.NewRepository(runner), recordCache)

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		SalesHandler:     sales.NewHandler(logger, salesService),
		InventoryHandler: inventory.NewHandler(logger, inventoryService),
		CatalogHandler:   catalog.NewHandler(logger, catalogService),
		JobHandler:       jobHandler,
		Metrics:          metrics,
		Health:           health,
	})

	server := &http.Server{
		Addr:              cfg.AppAddr,
		Handler:           router,
		ReadTimeout:       cfg.AppReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down http server")
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
