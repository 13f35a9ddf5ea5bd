package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/plategate/vehicle-access-backend/internal/domain/exception"
	"github.com/plategate/vehicle-access-backend/internal/infrastructure/config"
	"github.com/plategate/vehicle-access-backend/internal/infrastructure/database"
	"github.com/plategate/vehicle-access-backend/internal/infrastructure/repository"
	"github.com/plategate/vehicle-access-backend/internal/infrastructure/telemetry"
	exceptionsvc "github.com/plategate/vehicle-access-backend/internal/service/exception"
)

// The sweep path never creates requests or notifies, so the service's other
// collaborators are stubbed out.
type nopOwnership struct{}

func (nopOwnership) Owns(context.Context, uuid.UUID, string) (bool, error) { return false, nil }

type nopNotifier struct{}

func (nopNotifier) RequestCreated(context.Context, *exception.ExceptionRequest) {}
func (nopNotifier) RequestStatusChanged(context.Context, *exception.ExceptionRequest, exception.Status) {
}

// The sweeper expires overdue exception requests on an interval. The sweep is
// a single conditional UPDATE, so running several sweepers is harmless.
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

	pool, err := database.NewPool(ctx, cfg.Database, logger.Named("database"))
	if err != nil {
		return err
	}
	defer pool.Close()

	requestRepo := repository.NewExceptionRequestRepository(pool.Pgx())
	requests := exceptionsvc.NewService(requestRepo, nopOwnership{}, nopNotifier{},
		logger.Named("exception"), exceptionsvc.Config{})

	logger.Info("sweeper started", zap.Duration("interval", cfg.Sweeper.Interval))

	ticker := time.NewTicker(cfg.Sweeper.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("sweeper stopping")
			return nil
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			count, err := requests.SweepExpired(sweepCtx)
			cancel()
			if err != nil {
				logger.Error("sweep failed", zap.Error(err))
				continue
			}
			if count > 0 {
				logger.Info("sweep completed", zap.Int64("expired", count))
			}
		}
	}
}
