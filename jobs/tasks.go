package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskReconcileScan runs the nightly chain reconciliation scan.
	TaskReconcileScan = "reconcile:scan"
	// TaskLedgerHousekeep reclassifies stale repost tracking rows.
	TaskLedgerHousekeep = "ledger:housekeep"
	// TaskTrackingSweep prunes aged tracking rows and finished scan runs.
	TaskTrackingSweep = "ledger:tracking_sweep"
)

// ReconcileScanPayload carries the scan window. A zero From uses the
// configured default lookback.
type ReconcileScanPayload struct {
	From time.Time `json:"from"`
}

// NewReconcileScanTask constructs an Asynq task for a reconciliation scan.
func NewReconcileScanTask(from time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(ReconcileScanPayload{From: from})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconcileScan, body, asynq.Queue(QueueDefault)), nil
}

// NewLedgerHousekeepTask constructs the stale-lock reclaim task.
func NewLedgerHousekeepTask() *asynq.Task {
	return asynq.NewTask(TaskLedgerHousekeep, nil, asynq.Queue(QueueDefault))
}

// NewTrackingSweepTask constructs the retention sweep task.
func NewTrackingSweepTask() *asynq.Task {
	return asynq.NewTask(TaskTrackingSweep, nil, asynq.Queue(QueueDefault))
}
