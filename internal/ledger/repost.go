package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-erp/meridian/internal/observability"
	"github.com/meridian-erp/meridian/internal/shared"
	"github.com/meridian-erp/meridian/internal/transfer"
)

// VoucherSource loads transfer documents for reposting.
type VoucherSource interface {
	Get(ctx context.Context, id int64) (*transfer.Document, error)
}

// PostingBuilder regenerates the full posting set for a voucher (generic
// lines plus registered post processors). Implemented by the ledger Service.
type PostingBuilder interface {
	BuildPostingLines(ctx context.Context, doc *transfer.Document) ([]Line, error)
}

// UpstreamReposter is the generic valuation/ledger repost engine this core
// does not own. The non-destructive strategy delegates to it before
// re-deriving the branch posting.
type UpstreamReposter interface {
	Repost(ctx context.Context, role transfer.Role, voucherID int64) error
}

// TrackingStore persists repost tracking records.
type TrackingStore interface {
	UpsertTracking(ctx context.Context, triggerID uuid.UUID, role transfer.Role, voucherID int64, lockExpiresAt time.Time) (TrackingRecord, bool, error)
	FinishTracking(ctx context.Context, id int64, status TrackingStatus, lastError string, rowsBefore, rowsAfter int) error
	ListTrackingByTrigger(ctx context.Context, triggerID uuid.UUID) ([]TrackingRecord, error)
	ReclaimStale(ctx context.Context, now time.Time) (int, error)
	DeleteTrackingBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// LineStore persists posting rows.
type LineStore interface {
	CountLines(ctx context.Context, role transfer.Role, voucherID int64) (int, error)
	ReplaceLines(ctx context.Context, role transfer.Role, voucherID int64, lines []Line) error
	RebuildVoucher(ctx context.Context, role transfer.Role, voucherID int64, build func(ctx context.Context) ([]Line, error)) (before, after int, err error)
}

// Coordinator drives lock-guarded, idempotent recomputation of a voucher's
// postings after an upstream repost. A concurrent attempt for the same
// voucher observes the lock and reports Skipped; a repeat trigger observes
// the processed marker and reports Skipped; a failure rolls back fully and
// is recorded FAILED on the tracking row for retry.
type Coordinator struct {
	logger   *slog.Logger
	locker   *shared.Locker
	markers  *shared.ProcessedMarkers
	tracking TrackingStore
	lines    LineStore
	vouchers VoucherSource
	builder  PostingBuilder
	upstream UpstreamReposter
	metrics  *observability.Metrics
	lockTTL  time.Duration
	now      func() time.Time
}

// CoordinatorConfig groups the coordinator's dependencies.
type CoordinatorConfig struct {
	Logger   *slog.Logger
	Locker   *shared.Locker
	Markers  *shared.ProcessedMarkers
	Tracking TrackingStore
	Lines    LineStore
	Vouchers VoucherSource
	Builder  PostingBuilder
	Upstream UpstreamReposter
	Metrics  *observability.Metrics
	LockTTL  time.Duration
}

// NewCoordinator constructs a repost coordinator.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Coordinator{
		logger:   cfg.Logger,
		locker:   cfg.Locker,
		markers:  cfg.Markers,
		tracking: cfg.Tracking,
		lines:    cfg.Lines,
		vouchers: cfg.Vouchers,
		builder:  cfg.Builder,
		upstream: cfg.Upstream,
		metrics:  cfg.Metrics,
		lockTTL:  ttl,
		now:      time.Now,
	}
}

// WithNow overrides the coordinator clock for testing.
func (c *Coordinator) WithNow(fn func() time.Time) *Coordinator {
	if fn != nil {
		c.now = fn
	}
	return c
}

var _ RepostHook = (*Coordinator)(nil)

// AfterRepost satisfies the RepostHook extension point: the upstream engine
// finished a voucher in scope, so correct its branch posting.
func (c *Coordinator) AfterRepost(ctx context.Context, triggerID uuid.UUID, role transfer.Role, voucherID int64) {
	outcome, err := c.Process(ctx, triggerID, role, voucherID, false)
	if err != nil && c.logger != nil {
		c.logger.Error("repost correction failed",
			slog.String("trigger_id", triggerID.String()),
			slog.String("voucher_role", string(role)),
			slog.Int64("voucher_id", voucherID),
			slog.String("outcome", string(outcome)),
			slog.Any("error", err))
	}
}

// Process runs one correction attempt for one voucher under one trigger.
// force selects the destructive rebuild (savepoint-guarded delete and
// regenerate of ledger and payment-ledger rows) over the non-destructive
// path.
func (c *Coordinator) Process(ctx context.Context, triggerID uuid.UUID, role transfer.Role, voucherID int64, force bool) (Outcome, error) {
	lockKey := shared.RepostLockKey(string(role), voucherID)
	lock, err := c.locker.Obtain(ctx, lockKey, c.lockTTL)
	if errors.Is(err, shared.ErrLockHeld) {
		c.observe(OutcomeSkipped)
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeFailed, err
	}
	defer func() {
		if err := lock.Release(ctx); err != nil && c.logger != nil {
			c.logger.Warn("release repost lock", slog.String("key", lockKey), slog.Any("error", err))
		}
	}()

	markerKey := shared.RepostMarkerKey(triggerID.String(), string(role), voucherID)
	if force {
		// The manual escalation path deliberately reprocesses a voucher the
		// marker already covers.
		if err := c.markers.Clear(ctx, markerKey); err != nil {
			return OutcomeFailed, err
		}
	}
	first, err := c.markers.MarkOnce(ctx, markerKey)
	if err != nil {
		return OutcomeFailed, err
	}
	if !first {
		c.observe(OutcomeSkipped)
		return OutcomeSkipped, nil
	}

	rec, started, err := c.tracking.UpsertTracking(ctx, triggerID, role, voucherID, c.now().Add(c.lockTTL))
	if err != nil {
		c.clearMarker(ctx, markerKey)
		return OutcomeFailed, err
	}
	if !started {
		// force redoes a voucher whose tracking row is already terminal; a
		// live IN_PROGRESS row still wins.
		if !force || rec.Status == TrackingInProgress {
			c.observe(OutcomeSkipped)
			return OutcomeSkipped, nil
		}
	}

	before, after, err := c.correct(ctx, role, voucherID, force)
	if err != nil {
		c.clearMarker(ctx, markerKey)
		if ferr := c.tracking.FinishTracking(ctx, rec.ID, TrackingFailed, err.Error(), before, 0); ferr != nil && c.logger != nil {
			c.logger.Error("record repost failure", slog.Int64("tracking_id", rec.ID), slog.Any("error", ferr))
		}
		c.observe(OutcomeFailed)
		return OutcomeFailed, err
	}

	if err := c.tracking.FinishTracking(ctx, rec.ID, TrackingCompleted, "", before, after); err != nil {
		return OutcomeFailed, err
	}
	c.observe(OutcomeApplied)
	return OutcomeApplied, nil
}

func (c *Coordinator) correct(ctx context.Context, role transfer.Role, voucherID int64, force bool) (before, after int, err error) {
	doc, err := c.vouchers.Get(ctx, voucherID)
	if err != nil {
		return 0, 0, err
	}
	if doc.Role != role {
		return 0, 0, fmt.Errorf("ledger: voucher %d is a %s, not a %s", voucherID, doc.Role, role)
	}
	if doc.Status != transfer.StatusSubmitted {
		return 0, 0, fmt.Errorf("%w: voucher %d", transfer.ErrNotSubmitted, voucherID)
	}

	if force {
		return c.lines.RebuildVoucher(ctx, role, voucherID, func(ctx context.Context) ([]Line, error) {
			return c.builder.BuildPostingLines(ctx, doc)
		})
	}

	before, err = c.lines.CountLines(ctx, role, voucherID)
	if err != nil {
		return 0, 0, err
	}
	if c.upstream != nil {
		if err := c.upstream.Repost(ctx, role, voucherID); err != nil {
			return before, 0, fmt.Errorf("ledger: upstream repost: %w", err)
		}
	}
	lines, err := c.builder.BuildPostingLines(ctx, doc)
	if err != nil {
		return before, 0, err
	}
	if err := c.lines.ReplaceLines(ctx, role, voucherID, lines); err != nil {
		return before, 0, err
	}
	return before, len(lines), nil
}

// ForceRewriteTrigger reprocesses every voucher recorded under a trigger
// with the destructive rebuild strategy, returning the per-voucher outcome
// list for the operator.
func (c *Coordinator) ForceRewriteTrigger(ctx context.Context, triggerID uuid.UUID) ([]VoucherResult, error) {
	records, err := c.tracking.ListTrackingByTrigger(ctx, triggerID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: trigger %s", ErrNotFound, triggerID)
	}
	results := make([]VoucherResult, 0, len(records))
	for _, rec := range records {
		outcome, err := c.Process(ctx, triggerID, rec.VoucherRole, rec.VoucherID, true)
		result := VoucherResult{VoucherRole: rec.VoucherRole, VoucherID: rec.VoucherID, Outcome: outcome}
		if err != nil {
			result.Error = err.Error()
		}
		results = append(results, result)
	}
	return results, nil
}

// ReclaimStale flips expired IN_PROGRESS tracking rows to FAILED. Run from
// the housekeeping cron.
func (c *Coordinator) ReclaimStale(ctx context.Context) (int, error) {
	n, err := c.tracking.ReclaimStale(ctx, c.now())
	if err != nil {
		return 0, err
	}
	if n > 0 && c.logger != nil {
		c.logger.Warn("reclaimed stale repost locks", slog.Int("count", n))
	}
	return n, nil
}

// PruneTracking removes terminal tracking rows older than the retention
// window.
func (c *Coordinator) PruneTracking(ctx context.Context, retention time.Duration) (int, error) {
	return c.tracking.DeleteTrackingBefore(ctx, c.now().Add(-retention))
}

func (c *Coordinator) clearMarker(ctx context.Context, key string) {
	if err := c.markers.Clear(ctx, key); err != nil && c.logger != nil {
		c.logger.Warn("clear repost marker", slog.String("key", key), slog.Any("error", err))
	}
}

func (c *Coordinator) observe(outcome Outcome) {
	if c.metrics != nil {
		c.metrics.IncRepost(string(outcome))
	}
}
