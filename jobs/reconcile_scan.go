package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/meridian-erp/meridian/internal/jobs"
	"github.com/meridian-erp/meridian/internal/reconcile"
)

// NewReconcileScanHandler returns the handler for TaskReconcileScan. A scan
// already in flight is treated as success so the scheduler does not retry
// into the running one.
func NewReconcileScanHandler(logger *slog.Logger, svc *reconcile.Service, metrics *jobmetrics.Metrics) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload ReconcileScanPayload
		if len(t.Payload()) > 0 {
			if err := json.Unmarshal(t.Payload(), &payload); err != nil {
				return asynq.SkipRetry
			}
		}
		tracker := metrics.Track("reconcile_scan")
		run, err := svc.Scan(ctx, payload.From)
		if errors.Is(err, reconcile.ErrRunActive) {
			logger.Warn("reconcile scan skipped, previous run still active")
			return tracker.End(nil)
		}
		if err != nil {
			logger.Error("reconcile scan failed", slog.Any("error", err))
			return tracker.End(err)
		}
		logger.Info("reconcile scan finished",
			slog.Int64("run_id", run.ID),
			slog.Int("scanned", run.Scanned),
			slog.Int("mismatched", run.Mismatched))
		return tracker.End(nil)
	}
}
