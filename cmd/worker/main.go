package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/meridian-erp/meridian/internal/app"
	jobmetrics "github.com/meridian-erp/meridian/internal/jobs"
	"github.com/meridian-erp/meridian/internal/ledger"
	"github.com/meridian-erp/meridian/internal/observability"
	"github.com/meridian-erp/meridian/internal/platform/cache"
	"github.com/meridian-erp/meridian/internal/platform/db"
	"github.com/meridian-erp/meridian/internal/reconcile"
	"github.com/meridian-erp/meridian/internal/settings"
	"github.com/meridian-erp/meridian/internal/shared"
	"github.com/meridian-erp/meridian/internal/transfer"
	"github.com/meridian-erp/meridian/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	workerMetrics := jobmetrics.NewMetrics(metrics.Registerer())
	auditLogger := shared.NewAuditLogger(pool)
	locker := shared.NewLocker(redisClient)
	markers := shared.NewProcessedMarkers(redisClient, cfg.RepostMarkerTTL)

	settingsService := settings.NewService(logger, settings.NewRepository(pool), auditLogger)

	registry := ledger.NewRegistry()
	registry.RegisterProcessor(ledger.NewBranchRewriteProcessor(logger, settingsService, metrics))

	ledgerRepo := ledger.NewRepository(pool)
	transferRepo := transfer.NewRepository(pool)
	ledgerService := ledger.NewService(logger, ledgerRepo, registry, settingsService, transferRepo)

	coordinator := ledger.NewCoordinator(ledger.CoordinatorConfig{
		Logger:   logger,
		Locker:   locker,
		Markers:  markers,
		Tracking: ledgerRepo,
		Lines:    ledgerRepo,
		Vouchers: transferRepo,
		Builder:  ledgerService,
		Metrics:  metrics,
		LockTTL:  cfg.RepostLockTTL,
	})

	reconcileRepo := reconcile.NewRepository(pool)
	reconcileService := reconcile.NewService(logger, reconcileRepo, transferRepo, metrics, cfg.ReconcileWindow, cfg.ReconcilePreviewLimit)

	scanTask, err := jobs.NewReconcileScanTask(time.Time{})
	if err != nil {
		logger.Error("build reconcile scan task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskReconcileScan, Handler: jobs.NewReconcileScanHandler(logger, reconcileService, workerMetrics)},
			{Type: jobs.TaskLedgerHousekeep, Handler: jobs.NewLedgerHousekeepHandler(logger, coordinator, reconcileRepo, workerMetrics, cfg.ReconcileRunStale, nil)},
			{Type: jobs.TaskTrackingSweep, Handler: jobs.NewTrackingSweepHandler(logger, coordinator, reconcileRepo, workerMetrics, cfg.TrackingRetention, nil)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ReconcileCron, Task: scanTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.HousekeepCron, Task: jobs.NewLedgerHousekeepTask(), Options: []asynq.Option{asynq.MaxRetry(1)}},
			{Spec: cfg.TrackingSweepCron, Task: jobs.NewTrackingSweepTask(), Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
