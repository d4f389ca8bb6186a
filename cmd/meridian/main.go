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
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian/internal/app"
	"github.com/meridian-erp/meridian/internal/compliance"
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
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

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
	auditLogger := shared.NewAuditLogger(dbpool)
	locker := shared.NewLocker(redisClient)
	markers := shared.NewProcessedMarkers(redisClient, cfg.RepostMarkerTTL)

	settingsRepo := settings.NewRepository(dbpool)
	settingsService := settings.NewService(logger, settingsRepo, auditLogger)
	settingsHandler := settings.NewHandler(logger, settingsService, app.RequireSupervisor)

	registry := ledger.NewRegistry()
	registry.RegisterProcessor(ledger.NewBranchRewriteProcessor(logger, settingsService, metrics))

	ledgerRepo := ledger.NewRepository(dbpool)
	transferRepo := transfer.NewRepository(dbpool)

	ledgerService := ledger.NewService(logger, ledgerRepo, registry, settingsService, transferRepo)
	notifier := compliance.NewNotifier(logger, auditLogger, decimal.Zero)

	transferService := transfer.NewService(logger, transferRepo, settingsService, ledgerService, notifier, auditLogger)
	transferHandler := transfer.NewHandler(logger, transferService, auditLogger, app.RequireSupervisor)

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
	registry.RegisterHook("repost-coordinator", coordinator)

	ledgerHandler := ledger.NewHandler(logger, ledgerService, coordinator, ledgerRepo, app.RequireSupervisor)

	reconcileRepo := reconcile.NewRepository(dbpool)
	reconcileService := reconcile.NewService(logger, reconcileRepo, transferRepo, metrics, cfg.ReconcileWindow, cfg.ReconcilePreviewLimit)
	reconcileHandler := reconcile.NewHandler(logger, reconcileService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		TransferHandler:  transferHandler,
		LedgerHandler:    ledgerHandler,
		ReconcileHandler: reconcileHandler,
		SettingsHandler:  settingsHandler,
		JobHandler:       jobHandler,
		Metrics:          metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
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
