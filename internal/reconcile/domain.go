package reconcile

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian/internal/transfer"
)

// Sentinel errors for the reconcile package.
var (
	ErrNotFound  = errors.New("reconcile: run not found")
	ErrRunActive = errors.New("reconcile: scan already running")
	ErrBadWindow = errors.New("reconcile: window start must be in the past")
)

// MismatchKind classifies what a scan found wrong about a chain.
type MismatchKind string

const (
	// KindFieldDiff means both sides exist but at least one compared field
	// disagrees.
	KindFieldDiff MismatchKind = "FIELD_DIFF"
	// KindMissingDocument means a source document carries no live
	// counterpart reference, or the reference points at nothing.
	KindMissingDocument MismatchKind = "MISSING_DOCUMENT"
	// KindBrokenLink means the reference topology is wrong: a dangling
	// back-reference, a cancelled counterpart still referenced, or a
	// counterpart of the wrong role.
	KindBrokenLink MismatchKind = "BROKEN_LINK"
)

// FieldDiff is one field-level disagreement between a source document and
// its counterpart.
type FieldDiff struct {
	ItemCode string `json:"item_code,omitempty"`
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// Mismatch is one reconciliation finding, tied to the source side of a chain.
type Mismatch struct {
	ID            int64         `json:"id"`
	RunID         int64         `json:"run_id"`
	Kind          MismatchKind  `json:"kind"`
	SourceRole    transfer.Role `json:"source_role"`
	SourceID      int64         `json:"source_id"`
	SourceNumber  string        `json:"source_number"`
	CounterpartID *int64        `json:"counterpart_id,omitempty"`
	Detail        string        `json:"detail,omitempty"`
	Diffs         []FieldDiff   `json:"diffs,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// RunStatus enumerates the lifecycle of a scan run.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

// Run records one reconciliation scan with its counts.
type Run struct {
	ID          int64      `json:"id"`
	Status      RunStatus  `json:"status"`
	WindowStart time.Time  `json:"window_start"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Scanned     int        `json:"scanned"`
	Matched     int        `json:"matched"`
	Mismatched  int        `json:"mismatched"`
	LastError   string     `json:"last_error,omitempty"`
}

// compareScales mirror the parity validator: quantities at six decimal
// places, money at two.
const (
	qtyScale   = 6
	moneyScale = 2
)

func eqScaled(a, b decimal.Decimal, scale int32) bool {
	return a.Round(scale).Equal(b.Round(scale))
}
