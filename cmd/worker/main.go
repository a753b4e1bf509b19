package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/condo-ledger/internal/app"
	"github.com/odyssey-erp/condo-ledger/internal/integration"
	jobmetrics "github.com/odyssey-erp/condo-ledger/internal/jobs"
	"github.com/odyssey-erp/condo-ledger/internal/observability"
	"github.com/odyssey-erp/condo-ledger/internal/platform/cache"
	"github.com/odyssey-erp/condo-ledger/internal/platform/db"
	"github.com/odyssey-erp/condo-ledger/internal/shared"
	"github.com/odyssey-erp/condo-ledger/internal/store/postgres"
	"github.com/odyssey-erp/condo-ledger/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	caps, err := postgres.DetectCapabilities(ctx, pool)
	if err != nil {
		logger.Error("detect capabilities", slog.Any("error", err))
		os.Exit(1)
	}

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

	store := postgres.New(pool)
	services, err := app.NewServices(app.ServiceDeps{
		Store:           store,
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

	httpMetrics := observability.NewMetrics()
	metrics := jobmetrics.NewMetrics(httpMetrics.Registerer())
	metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: httpMetrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("serving worker metrics", slog.String("addr", cfg.WorkerMetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("worker metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()
	recomputeJob := jobs.NewRecomputePeriodJob(services.Allocation, store, logger, metrics)
	reapplyJob := jobs.NewReapplyPeriodJob(services.Payments, store, logger, metrics)

	var cron []jobs.CronRegistration
	for _, communityID := range cfg.CronCommunities {
		task, err := jobs.NewRecomputePeriodTask(jobs.PeriodPayload{CommunityID: communityID})
		if err != nil {
			logger.Error("build recompute task", slog.Int64("community_id", communityID), slog.Any("error", err))
			os.Exit(1)
		}
		cron = append(cron, jobs.CronRegistration{Spec: cfg.RecomputeCron, Task: task, Options: []asynq.Option{asynq.MaxRetry(3)}})
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskRecomputePeriod, Handler: recomputeJob.Handle},
			{Type: jobs.TaskReapplyPeriod, Handler: reapplyJob.Handle},
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
