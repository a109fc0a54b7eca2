package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/dnc-propagation/internal/config"
	"github.com/kursadbilgin/dnc-propagation/internal/handler"
	"github.com/kursadbilgin/dnc-propagation/internal/infra/postgresql"
	infraredis "github.com/kursadbilgin/dnc-propagation/internal/infra/redis"
	"github.com/kursadbilgin/dnc-propagation/internal/observability"
	"github.com/kursadbilgin/dnc-propagation/internal/provider"
	"github.com/kursadbilgin/dnc-propagation/internal/queue"
	"github.com/kursadbilgin/dnc-propagation/internal/repository"
	"github.com/kursadbilgin/dnc-propagation/internal/service"
	"github.com/kursadbilgin/dnc-propagation/internal/transport"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}
	if cfg.DispatchMode != config.DispatchModeQueue {
		log.Fatal("worker requires DISPATCH_MODE=queue")
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, observability.TracingConfig{
		ServiceName: cfg.ServiceName + "-worker",
		Environment: cfg.Environment,
		Endpoint:    cfg.OTELEndpoint,
	})
	if err != nil {
		logger.Fatal("tracer initialization failed", zap.Error(err))
	}

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN, postgresql.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}
	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	rateLimiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.ProviderRateLimitPerSec, cfg.RateLimitOverrides())
	if err != nil {
		logger.Fatal("rate limiter initialization failed", zap.Error(err))
	}
	locker, err := infraredis.NewPairLocker(rdb)
	if err != nil {
		logger.Fatal("pair locker initialization failed", zap.Error(err))
	}

	registry, err := provider.NewRegistryFromSettings(cfg.ProviderSettings())
	if err != nil {
		logger.Fatal("provider registry initialization failed", zap.Error(err))
	}

	rmq, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	defer rmq.Close()

	metrics := observability.NewMetrics()
	attempts := repository.NewGormAttemptRepo(db)
	audit := service.NewAuditRecorder(repository.NewGormEventRepo(db), logger)

	engine, err := service.NewEngine(repository.NewGormRequestRepo(db), attempts, registry, locker, rateLimiter, audit,
		service.EngineConfig{
			CallTimeout: cfg.ProviderTimeout(),
			Concurrency: cfg.PropagationConcurrency,
			PhoneRegion: cfg.DefaultPhoneRegion,
		}, logger)
	if err != nil {
		logger.Fatal("engine initialization failed", zap.Error(err))
	}
	engine.SetMetrics(metrics)

	consumer := queue.NewRabbitMQConsumer(rmq, cfg.WorkerPrefetch, logger)
	worker, err := service.NewWorkerService(engine, consumer, registry.Keys(), cfg.WorkerConcurrency, logger)
	if err != nil {
		logger.Fatal("worker initialization failed", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		AppName:               cfg.ServiceName + "-worker",
		ErrorHandler:          transport.ErrorHandler(logger),
		DisableStartupMessage: true,
	})
	handler.RegisterHealthRoutes(app,
		handler.PostgresCheck(sqlDB),
		handler.RedisCheck(rdb),
		handler.ReadinessCheck{Name: "rabbitmq", Ping: rmq.Ping},
	)
	handler.RegisterMetricsRoute(app, metrics.Handler())
	go func() {
		if err := app.Listen(fmt.Sprintf(":%d", cfg.WorkerPort)); err != nil {
			logger.Error("worker http server stopped", zap.Error(err))
		}
	}()

	logger.Info("dnc-propagation worker started",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Int("providers", len(registry.Keys())),
	)
	if err := worker.Start(ctx); err != nil {
		logger.Error("worker stopped with error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("worker http server shutdown failed", zap.Error(err))
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Error("tracer shutdown failed", zap.Error(err))
	}
	logger.Info("dnc-propagation worker stopped")
}
