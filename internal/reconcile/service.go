package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meridian-erp/meridian/internal/observability"
	"github.com/meridian-erp/meridian/internal/transfer"
)

// scanConcurrency bounds the parallel chain comparisons per run.
const scanConcurrency = 8

// RunStore persists scan runs and findings.
type RunStore interface {
	BeginRun(ctx context.Context, windowStart, startedAt time.Time) (Run, error)
	FinishRun(ctx context.Context, id int64, status RunStatus, scanned, matched, mismatched int, lastError string, finishedAt time.Time) error
	GetRun(ctx context.Context, id int64) (Run, []Mismatch, error)
	LatestRun(ctx context.Context) (Run, error)
	AddMismatches(ctx context.Context, runID int64, mismatches []Mismatch) error
	ReclaimStaleRuns(ctx context.Context, cutoff time.Time) (int, error)
	PruneRuns(ctx context.Context, cutoff time.Time) (int, error)
}

// DocumentSource reads transfer documents for scanning.
type DocumentSource interface {
	Get(ctx context.Context, id int64) (*transfer.Document, error)
	ListSubmittedSince(ctx context.Context, from time.Time, roles []transfer.Role) ([]transfer.Document, error)
}

// Service walks every submitted source document in the window, resolves its
// chain and records what disagrees.
type Service struct {
	logger       *slog.Logger
	store        RunStore
	docs         DocumentSource
	metrics      *observability.Metrics
	window       time.Duration
	previewLimit int
	now          func() time.Time
}

// NewService constructs the reconciliation service. window is the default
// lookback when the caller gives no explicit start; previewLimit caps
// unpersisted previews.
func NewService(logger *slog.Logger, store RunStore, docs DocumentSource, metrics *observability.Metrics, window time.Duration, previewLimit int) *Service {
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	if previewLimit <= 0 {
		previewLimit = 200
	}
	return &Service{
		logger:       logger,
		store:        store,
		docs:         docs,
		metrics:      metrics,
		window:       window,
		previewLimit: previewLimit,
		now:          time.Now,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(fn func() time.Time) *Service {
	s.now = fn
	return s
}

// Scan runs a full persisted reconciliation pass. A zero windowStart uses
// the configured default lookback.
func (s *Service) Scan(ctx context.Context, windowStart time.Time) (Run, error) {
	started := s.now()
	if windowStart.IsZero() {
		windowStart = started.Add(-s.window)
	}
	if windowStart.After(started) {
		return Run{}, ErrBadWindow
	}

	run, err := s.store.BeginRun(ctx, windowStart, started)
	if err != nil {
		return Run{}, err
	}

	scanned, matched, mismatches, scanErr := s.scanWindow(ctx, windowStart, 0)
	if scanErr != nil {
		if finishErr := s.store.FinishRun(ctx, run.ID, RunFailed, scanned, matched, len(mismatches), scanErr.Error(), s.now()); finishErr != nil {
			s.logger.Error("failed to close reconcile run", slog.Int64("run_id", run.ID), slog.Any("error", finishErr))
		}
		return Run{}, scanErr
	}

	if err := s.store.AddMismatches(ctx, run.ID, mismatches); err != nil {
		if finishErr := s.store.FinishRun(ctx, run.ID, RunFailed, scanned, matched, len(mismatches), err.Error(), s.now()); finishErr != nil {
			s.logger.Error("failed to close reconcile run", slog.Int64("run_id", run.ID), slog.Any("error", finishErr))
		}
		return Run{}, err
	}
	finished := s.now()
	if err := s.store.FinishRun(ctx, run.ID, RunCompleted, scanned, matched, len(mismatches), "", finished); err != nil {
		return Run{}, err
	}

	s.observe(mismatches, finished.Sub(started))
	s.logger.Info("reconcile scan completed",
		slog.Int64("run_id", run.ID),
		slog.Int("scanned", scanned),
		slog.Int("matched", matched),
		slog.Int("mismatched", len(mismatches)))

	run.Status = RunCompleted
	run.Scanned = scanned
	run.Matched = matched
	run.Mismatched = len(mismatches)
	run.FinishedAt = &finished
	return run, nil
}

// Preview runs the scan without persisting anything, truncated to the
// configured preview limit.
func (s *Service) Preview(ctx context.Context, windowStart time.Time) ([]Mismatch, error) {
	if windowStart.IsZero() {
		windowStart = s.now().Add(-s.window)
	}
	_, _, mismatches, err := s.scanWindow(ctx, windowStart, s.previewLimit)
	if err != nil {
		return nil, err
	}
	return mismatches, nil
}

// GetRun loads a run with its findings.
func (s *Service) GetRun(ctx context.Context, id int64) (Run, []Mismatch, error) {
	return s.store.GetRun(ctx, id)
}

// LatestRun returns the most recent run.
func (s *Service) LatestRun(ctx context.Context) (Run, error) {
	return s.store.LatestRun(ctx)
}

func (s *Service) scanWindow(ctx context.Context, from time.Time, limit int) (scanned, matched int, mismatches []Mismatch, err error) {
	sources, err := s.docs.ListSubmittedSince(ctx, from, []transfer.Role{transfer.RoleDispatch, transfer.RoleSalesBill})
	if err != nil {
		return 0, 0, nil, err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanConcurrency)

	for i := range sources {
		source := sources[i]
		g.Go(func() error {
			found, chainErr := s.scanChain(gctx, &source)
			if chainErr != nil {
				return chainErr
			}
			mu.Lock()
			defer mu.Unlock()
			scanned++
			if len(found) == 0 {
				matched++
			} else {
				mismatches = append(mismatches, found...)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return scanned, matched, mismatches, err
	}

	orphans, err := s.sweepGenerated(ctx, from)
	if err != nil {
		return scanned, matched, mismatches, err
	}
	mismatches = append(mismatches, orphans...)

	if limit > 0 && len(mismatches) > limit {
		mismatches = mismatches[:limit]
	}
	return scanned, matched, mismatches, nil
}

// sweepGenerated audits submitted generated documents from the backward
// direction. The source walk never sees a Receipt or PurchaseBill that
// nothing references, so each one is checked for a missing, duplicated or
// wrong-role source link here. Link topology only; quantities stay with
// the chain comparison.
func (s *Service) sweepGenerated(ctx context.Context, from time.Time) ([]Mismatch, error) {
	generated, err := s.docs.ListSubmittedSince(ctx, from, []transfer.Role{transfer.RoleReceipt, transfer.RolePurchaseBill})
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var mismatches []Mismatch
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanConcurrency)

	for i := range generated {
		doc := generated[i]
		g.Go(func() error {
			targets := make(map[int64]*transfer.Document)
			for _, id := range doc.RefTargets() {
				target, err := s.docs.Get(gctx, id)
				if err != nil {
					if errors.Is(err, transfer.ErrNotFound) {
						continue
					}
					return err
				}
				targets[id] = target
			}
			found := InspectGeneratedLinks(&doc, targets)
			if len(found) == 0 {
				return nil
			}
			mu.Lock()
			mismatches = append(mismatches, found...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return mismatches, err
	}
	return mismatches, nil
}

// scanChain resolves and audits one source document's chain.
func (s *Service) scanChain(ctx context.Context, source *transfer.Document) ([]Mismatch, error) {
	var counterpart *transfer.Document
	var resolveErr error
	if source.CounterpartRef != nil {
		counterpart, resolveErr = s.docs.Get(ctx, *source.CounterpartRef)
		if resolveErr != nil && !errors.Is(resolveErr, transfer.ErrNotFound) {
			return nil, resolveErr
		}
	}

	found := InspectLinks(source, counterpart, resolveErr)
	if len(found) > 0 || counterpart == nil {
		return found, nil
	}
	if counterpart.Status != transfer.StatusSubmitted {
		return found, nil
	}

	diffs := CompareChain(source, counterpart)
	if len(diffs) == 0 {
		return nil, nil
	}
	ref := *source.CounterpartRef
	return []Mismatch{{
		Kind:          KindFieldDiff,
		SourceRole:    source.Role,
		SourceID:      source.ID,
		SourceNumber:  source.Number,
		CounterpartID: &ref,
		Diffs:         diffs,
	}}, nil
}

func (s *Service) observe(mismatches []Mismatch, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	counts := make(map[MismatchKind]int)
	for _, m := range mismatches {
		counts[m.Kind]++
	}
	for kind, n := range counts {
		s.metrics.AddScanMismatches(string(kind), n)
	}
	s.metrics.ObserveScanDuration(elapsed)
}
