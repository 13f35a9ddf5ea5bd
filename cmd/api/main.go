package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/plategate/vehicle-access-backend/internal/api/middleware"
	"github.com/plategate/vehicle-access-backend/internal/api/rest"
	"github.com/plategate/vehicle-access-backend/internal/api/websocket"
	"github.com/plategate/vehicle-access-backend/internal/infrastructure/cache"
	"github.com/plategate/vehicle-access-backend/internal/infrastructure/config"
	"github.com/plategate/vehicle-access-backend/internal/infrastructure/database"
	"github.com/plategate/vehicle-access-backend/internal/infrastructure/events"
	"github.com/plategate/vehicle-access-backend/internal/infrastructure/repository"
	"github.com/plategate/vehicle-access-backend/internal/infrastructure/telemetry"
	"github.com/plategate/vehicle-access-backend/internal/metrics"
	exceptionsvc "github.com/plategate/vehicle-access-backend/internal/service/exception"
	"github.com/plategate/vehicle-access-backend/internal/service/policyadmin"
	"github.com/plategate/vehicle-access-backend/internal/service/reconciliation"
	"github.com/plategate/vehicle-access-backend/internal/service/verification"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := telemetry.Init(ctx, cfg.Telemetry, version, cfg.Environment)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer provider.Shutdown(context.Background())

	if err := database.MigrateUp(cfg.Database.URL, "file://migrations", logger); err != nil {
		return err
	}

	pool, err := database.NewPool(ctx, cfg.Database, logger.Named("database"))
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.NewClient(ctx, cfg.Redis, logger.Named("redis"))
	if err != nil {
		return err
	}
	defer redisClient.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	reconMetrics := metrics.NewReconciliation(registry)

	eventRepo := repository.NewAccessEventRepository(pool.Pgx())
	requestRepo := repository.NewExceptionRequestRepository(pool.Pgx())
	policyRepo := repository.NewPolicyRepository(pool.Pgx())
	vehicleRegistry := repository.NewVehicleRegistry(pool.Pgx())

	publisher := events.NewPublisher(redisClient, cfg.Redis.EventStream, logger.Named("events"))
	policyCache := cache.NewPolicyCache(redisClient, policyRepo, logger.Named("cache"), cfg.Redis.PolicyCacheTTL)

	verifier := verification.NewService(eventRepo, vehicleRegistry, publisher,
		logger.Named("verification"), verification.Config{
			AutoApproveThreshold: cfg.Verification.AutoApproveThreshold,
		})
	requests := exceptionsvc.NewService(requestRepo, vehicleRegistry, publisher,
		logger.Named("exception"), exceptionsvc.Config{
			MatchWindow: cfg.Verification.MatchWindow,
		})
	policies := policyadmin.NewService(policyRepo, policyCache, logger.Named("policyadmin"))

	coordinator := reconciliation.NewCoordinator(verifier, requests, policyCache, publisher,
		logger.Named("reconciliation"), reconMetrics, reconciliation.Config{
			MaxRetryAttempts: cfg.Verification.MaxRetryAttempts,
			RetryBackoff:     cfg.Verification.RetryBackoff,
		})

	auth := middleware.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry, logger.Named("auth"))
	limiter := middleware.NewRateLimiter(cfg.Server.RateLimit.RequestsPerSecond, cfg.Server.RateLimit.BurstSize)
	wsHandler := websocket.NewIngestHandler(coordinator, logger.Named("websocket"))

	handler := rest.NewHandler(rest.HandlerDeps{
		Reconciler: coordinator,
		Events:     verifier,
		Requests:   requests,
		Policies:   policies,
		Health:     pool,
		Auth:       auth,
		Limiter:    limiter,
		Registry:   registry,
		Metrics:    reconMetrics,
		WebSocket:  wsHandler,
		Logger:     logger.Named("rest"),
	})

	logger.Info("starting vehicle access backend",
		zap.String("version", version),
		zap.String("environment", cfg.Environment),
	)

	server := rest.NewServer(cfg.Server, handler.Routes(), logger.Named("http"))
	return server.Run(ctx)
}
