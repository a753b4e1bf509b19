package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/condo-ledger/internal/allocation"
	"github.com/odyssey-erp/condo-ledger/internal/app"
	"github.com/odyssey-erp/condo-ledger/internal/integration"
	"github.com/odyssey-erp/condo-ledger/internal/observability"
	"github.com/odyssey-erp/condo-ledger/internal/payments"
	"github.com/odyssey-erp/condo-ledger/internal/periods"
	"github.com/odyssey-erp/condo-ledger/internal/platform/cache"
	"github.com/odyssey-erp/condo-ledger/internal/platform/db"
	"github.com/odyssey-erp/condo-ledger/internal/shared"
	"github.com/odyssey-erp/condo-ledger/internal/statements"
	"github.com/odyssey-erp/condo-ledger/internal/store/postgres"
	"github.com/odyssey-erp/condo-ledger/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping server startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns, ConnectTimeout: 10 * time.Second})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if cfg.Migrate {
		if err := postgres.Migrate(ctx, pool, cfg.MetersEnabled); err != nil {
			logger.Error("migrate schema", slog.Any("error", err))
			os.Exit(1)
		}
	}
	caps, err := postgres.DetectCapabilities(ctx, pool)
	if err != nil {
		logger.Error("detect capabilities", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("capabilities detected", slog.Bool("meters", caps.Meters))

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	services, err := app.NewServices(app.ServiceDeps{
		Store:           postgres.New(pool),
		Meters:          caps.MeterReader(pool),
		Audit:           shared.NewAuditLogger(pool),
		Gate:            integration.NewTemplatesGate(redisClient),
		Logger:          logger,
		BucketRulesFile: cfg.BucketRulesFile,
	})
	if err != nil {
		logger.Error("build services", slog.Any("error", err))
		os.Exit(1)
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	jobClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		AllocationHandler: allocation.NewHandler(logger, services.Allocation),
		PeriodsHandler:    periods.NewHandler(logger, services.Periods),
		PaymentsHandler:   payments.NewHandler(logger, services.Payments, jobClient),
		StatementsHandler: statements.NewHandler(logger, services.Statements),
		JobHandler:        jobs.NewHandler(inspector, logger),
		Metrics:           metrics,
	})

	server := &http.Server{
		Addr:              cfg.AppAddr,
		Handler:           router,
		ReadTimeout:       cfg.AppReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
