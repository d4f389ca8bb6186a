package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/meridian-erp/meridian/internal/jobs"
	"github.com/meridian-erp/meridian/internal/ledger"
	"github.com/meridian-erp/meridian/internal/reconcile"
)

// NewLedgerHousekeepHandler returns the handler for TaskLedgerHousekeep:
// reclassify repost tracking rows whose lock expired mid flight, and scan
// runs abandoned RUNNING, so both surface as FAILED and become retryable.
func NewLedgerHousekeepHandler(logger *slog.Logger, coordinator *ledger.Coordinator, runs reconcile.RunStore, metrics *jobmetrics.Metrics, runStale time.Duration, now func() time.Time) asynq.HandlerFunc {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context, t *asynq.Task) error {
		tracker := metrics.Track("ledger_housekeep")
		reclaimed, err := coordinator.ReclaimStale(ctx)
		if err != nil {
			logger.Error("stale tracking reclaim failed", slog.Any("error", err))
			return tracker.End(err)
		}
		if reclaimed > 0 {
			logger.Warn("reclaimed stale repost tracking rows", slog.Int("count", reclaimed))
			metrics.AddReclaimed(reclaimed)
		}
		staleRuns, err := runs.ReclaimStaleRuns(ctx, now().Add(-runStale))
		if err != nil {
			logger.Error("stale run reclaim failed", slog.Any("error", err))
			return tracker.End(err)
		}
		if staleRuns > 0 {
			logger.Warn("reclaimed abandoned reconcile runs", slog.Int("count", staleRuns))
			metrics.AddReclaimed(staleRuns)
		}
		return tracker.End(nil)
	}
}

// NewTrackingSweepHandler returns the handler for TaskTrackingSweep:
// drop tracking rows and finished scan runs past the retention window.
func NewTrackingSweepHandler(logger *slog.Logger, coordinator *ledger.Coordinator, runs reconcile.RunStore, metrics *jobmetrics.Metrics, retention time.Duration, now func() time.Time) asynq.HandlerFunc {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context, t *asynq.Task) error {
		tracker := metrics.Track("tracking_sweep")
		pruned, err := coordinator.PruneTracking(ctx, retention)
		if err != nil {
			logger.Error("tracking sweep failed", slog.Any("error", err))
			return tracker.End(err)
		}
		metrics.AddPruned(pruned)
		runsPruned, err := runs.PruneRuns(ctx, now().Add(-retention))
		if err != nil {
			logger.Error("run sweep failed", slog.Any("error", err))
			return tracker.End(err)
		}
		logger.Info("retention sweep finished",
			slog.Int("tracking_pruned", pruned),
			slog.Int("runs_pruned", runsPruned))
		return tracker.End(nil)
	}
}
