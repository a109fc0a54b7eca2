package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/dnc-propagation/internal/config"
	"github.com/kursadbilgin/dnc-propagation/internal/handler"
	"github.com/kursadbilgin/dnc-propagation/internal/infra/postgresql"
	"github.com/kursadbilgin/dnc-propagation/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/dnc-propagation/internal/infra/redis"
	"github.com/kursadbilgin/dnc-propagation/internal/observability"
	"github.com/kursadbilgin/dnc-propagation/internal/provider"
	"github.com/kursadbilgin/dnc-propagation/internal/queue"
	"github.com/kursadbilgin/dnc-propagation/internal/repository"
	"github.com/kursadbilgin/dnc-propagation/internal/service"
	"github.com/kursadbilgin/dnc-propagation/internal/transport"
	"go.uber.org/zap"
)

const shutdownTimeout = 20 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, observability.TracingConfig{
		ServiceName: cfg.ServiceName + "-api",
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

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
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
	if len(registry.Keys()) == 0 {
		logger.Warn("no providers configured; approvals will not propagate anywhere")
	}

	metrics := observability.NewMetrics()
	requests := repository.NewGormRequestRepo(db)
	attempts := repository.NewGormAttemptRepo(db)
	events := repository.NewGormEventRepo(db)
	audit := service.NewAuditRecorder(events, logger)

	engine, err := service.NewEngine(requests, attempts, registry, locker, rateLimiter, audit, service.EngineConfig{
		CallTimeout: cfg.ProviderTimeout(),
		Concurrency: cfg.PropagationConcurrency,
		PhoneRegion: cfg.DefaultPhoneRegion,
	}, logger)
	if err != nil {
		logger.Fatal("engine initialization failed", zap.Error(err))
	}
	engine.SetMetrics(metrics)

	checks := []handler.ReadinessCheck{handler.PostgresCheck(sqlDB), handler.RedisCheck(rdb)}
	inline, _ := engine.Dispatcher().(*service.InlineDispatcher)

	if cfg.DispatchMode == config.DispatchModeQueue {
		rmq, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
		if err != nil {
			logger.Fatal("rabbitmq initialization failed", zap.Error(err))
		}
		defer rmq.Close()

		publisher := queue.NewRabbitMQPublisher(rmq)
		dispatcher, err := service.NewQueueDispatcher(publisher, attempts, logger)
		if err != nil {
			logger.Fatal("queue dispatcher initialization failed", zap.Error(err))
		}
		engine.SetDispatcher(dispatcher)
		checks = append(checks, handler.ReadinessCheck{Name: "rabbitmq", Ping: rmq.Ping})
	}

	requestService, err := service.NewRequestService(requests, engine, audit, cfg.DefaultPhoneRegion, logger)
	if err != nil {
		logger.Fatal("request service initialization failed", zap.Error(err))
	}
	requestService.SetMetrics(metrics)

	statusService, err := service.NewStatusService(requests, attempts, events, engine, cfg.DefaultPhoneRegion, logger)
	if err != nil {
		logger.Fatal("status service initialization failed", zap.Error(err))
	}

	bulkService, err := service.NewBulkService(requests, attempts, requestService, engine, cfg.DefaultPhoneRegion, cfg.PushDelay(), logger)
	if err != nil {
		logger.Fatal("bulk service initialization failed", zap.Error(err))
	}

	reaper, err := service.NewReaper(attempts, audit, cfg.StaleAttemptAfter(), cfg.ReaperInterval(), 0, logger)
	if err != nil {
		logger.Fatal("reaper initialization failed", zap.Error(err))
	}
	reaper.SetMetrics(metrics)

	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		if err := reaper.Start(ctx); err != nil {
			logger.Error("reaper stopped with error", zap.Error(err))
		}
	}()

	app := fiber.New(fiber.Config{
		AppName:      cfg.ServiceName,
		ErrorHandler: transport.ErrorHandler(logger),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, checks...)
	handler.RegisterMetricsRoute(app, metrics.Handler())
	if err := handler.RegisterRoutes(app, handler.Services{
		Requests:   requestService,
		Status:     statusService,
		Bulk:       bulkService,
		Propagator: engine,
	}); err != nil {
		logger.Fatal("route registration failed", zap.Error(err))
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("dnc-propagation api started",
			zap.Int("port", cfg.APIPort),
			zap.String("dispatchMode", cfg.DispatchMode),
			zap.Int("providers", len(registry.Keys())),
		)
		serverErr <- app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("http server stopped", zap.Error(err))
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}
	<-reaperDone

	// Detached inline attempts still hold provider calls; let them finish.
	if inline != nil {
		inline.Wait()
	}

	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Error("tracer shutdown failed", zap.Error(err))
	}
	logger.Info("dnc-propagation api stopped")
}
