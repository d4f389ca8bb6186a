package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian/internal/transfer"
)

// ============================================================================
// MOCK STORES
// ============================================================================

type mockRunStore struct {
	runs       map[int64]*Run
	mismatches map[int64][]Mismatch
	nextID     int64
	pruned     int
	beginErr   error
	addErr     error
}

func newMockRunStore() *mockRunStore {
	return &mockRunStore{
		runs:       make(map[int64]*Run),
		mismatches: make(map[int64][]Mismatch),
	}
}

func (m *mockRunStore) BeginRun(ctx context.Context, windowStart, startedAt time.Time) (Run, error) {
	if m.beginErr != nil {
		return Run{}, m.beginErr
	}
	for _, run := range m.runs {
		if run.Status == RunRunning {
			return Run{}, ErrRunActive
		}
	}
	m.nextID++
	run := &Run{ID: m.nextID, Status: RunRunning, WindowStart: windowStart, StartedAt: startedAt}
	m.runs[run.ID] = run
	return *run, nil
}

func (m *mockRunStore) FinishRun(ctx context.Context, id int64, status RunStatus, scanned, matched, mismatched int, lastError string, finishedAt time.Time) error {
	run, ok := m.runs[id]
	if !ok {
		return fmt.Errorf("%w: run %d", ErrNotFound, id)
	}
	run.Status = status
	run.Scanned = scanned
	run.Matched = matched
	run.Mismatched = mismatched
	run.LastError = lastError
	run.FinishedAt = &finishedAt
	return nil
}

func (m *mockRunStore) GetRun(ctx context.Context, id int64) (Run, []Mismatch, error) {
	run, ok := m.runs[id]
	if !ok {
		return Run{}, nil, fmt.Errorf("%w: run %d", ErrNotFound, id)
	}
	return *run, m.mismatches[id], nil
}

func (m *mockRunStore) LatestRun(ctx context.Context) (Run, error) {
	var latest *Run
	for _, run := range m.runs {
		if latest == nil || run.ID > latest.ID {
			latest = run
		}
	}
	if latest == nil {
		return Run{}, ErrNotFound
	}
	return *latest, nil
}

func (m *mockRunStore) AddMismatches(ctx context.Context, runID int64, mismatches []Mismatch) error {
	if m.addErr != nil {
		return m.addErr
	}
	m.mismatches[runID] = append(m.mismatches[runID], mismatches...)
	return nil
}

func (m *mockRunStore) ReclaimStaleRuns(ctx context.Context, cutoff time.Time) (int, error) {
	reclaimed := 0
	for _, run := range m.runs {
		if run.Status == RunRunning && run.StartedAt.Before(cutoff) {
			run.Status = RunFailed
			run.LastError = "run abandoned: reclaimed by housekeeping"
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (m *mockRunStore) PruneRuns(ctx context.Context, cutoff time.Time) (int, error) {
	return m.pruned, nil
}

type mockDocSource struct {
	docs   map[int64]*transfer.Document
	getErr error
}

func newMockDocSource(docs ...*transfer.Document) *mockDocSource {
	m := &mockDocSource{docs: make(map[int64]*transfer.Document)}
	for _, doc := range docs {
		m.docs[doc.ID] = doc
	}
	return m
}

func (m *mockDocSource) Get(ctx context.Context, id int64) (*transfer.Document, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	doc, ok := m.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: document %d", transfer.ErrNotFound, id)
	}
	return doc, nil
}

func (m *mockDocSource) ListSubmittedSince(ctx context.Context, from time.Time, roles []transfer.Role) ([]transfer.Document, error) {
	wanted := make(map[transfer.Role]bool, len(roles))
	for _, role := range roles {
		wanted[role] = true
	}
	var out []transfer.Document
	for _, doc := range m.docs {
		if doc.Status != transfer.StatusSubmitted || !wanted[doc.Role] || doc.PostingDate.Before(from) {
			continue
		}
		out = append(out, *doc)
	}
	return out, nil
}

func newScanService(t *testing.T, store RunStore, docs DocumentSource) *Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(logger, store, docs, nil, 30*24*time.Hour, 10)
	return svc.WithNow(func() time.Time { return time.Date(2026, 3, 20, 2, 0, 0, 0, time.UTC) })
}

// shiftIDs clones a chain fixture into a distinct ID space so several chains
// can coexist in one mock source.
func shiftIDs(source, counterpart *transfer.Document, offset int64) (*transfer.Document, *transfer.Document) {
	source.ID += offset
	source.Number = fmt.Sprintf("DSP-%d", source.ID)
	counterpart.ID += offset
	counterpart.Number = fmt.Sprintf("RCP-%d", counterpart.ID)
	for i := range source.Lines {
		source.Lines[i].ID += offset
	}
	for i := range counterpart.Lines {
		counterpart.Lines[i].ID += offset
		if counterpart.Lines[i].SourceLineID != nil {
			shifted := *counterpart.Lines[i].SourceLineID + offset
			counterpart.Lines[i].SourceLineID = &shifted
		}
	}
	*source.CounterpartRef = counterpart.ID
	*counterpart.CounterpartRef = source.ID
	return source, counterpart
}

// ============================================================================
// SCAN
// ============================================================================

func TestScanRecordsFindings(t *testing.T) {
	ctx := context.Background()

	cleanSrc, cleanCp := chainFixture()

	editedSrc, editedCp := chainFixture()
	shiftIDs(editedSrc, editedCp, 100)
	editedCp.Lines[0].Qty = dec(9)

	orphanSrc, _ := chainFixture()
	orphanSrc.ID = 500
	orphanSrc.Number = "DSP-500"
	orphanSrc.CounterpartRef = nil

	store := newMockRunStore()
	docs := newMockDocSource(cleanSrc, cleanCp, editedSrc, editedCp, orphanSrc)
	svc := newScanService(t, store, docs)

	run, err := svc.Scan(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.Status)
	assert.Equal(t, 3, run.Scanned)
	assert.Equal(t, 1, run.Matched)
	assert.Equal(t, 2, run.Mismatched)
	require.NotNil(t, run.FinishedAt)

	_, found, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, found, 2)
	kinds := make(map[MismatchKind]int)
	for _, m := range found {
		kinds[m.Kind]++
	}
	assert.Equal(t, 1, kinds[KindFieldDiff])
	assert.Equal(t, 1, kinds[KindMissingDocument])
}

func TestScanDefaultsWindow(t *testing.T) {
	src, cp := chainFixture()
	// Outside the 30 day default lookback: not scanned at all.
	src.PostingDate = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	store := newMockRunStore()
	svc := newScanService(t, store, newMockDocSource(src, cp))

	run, err := svc.Scan(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 0, run.Scanned)
}

func TestScanRejectsFutureWindow(t *testing.T) {
	store := newMockRunStore()
	svc := newScanService(t, store, newMockDocSource())

	_, err := svc.Scan(context.Background(), time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, err, ErrBadWindow)
	assert.Empty(t, store.runs)
}

func TestScanRefusesConcurrentRun(t *testing.T) {
	store := newMockRunStore()
	store.nextID++
	store.runs[1] = &Run{ID: 1, Status: RunRunning}
	svc := newScanService(t, store, newMockDocSource())

	_, err := svc.Scan(context.Background(), time.Time{})
	assert.ErrorIs(t, err, ErrRunActive)
}

func TestScanFailureClosesRun(t *testing.T) {
	src, cp := chainFixture()
	store := newMockRunStore()
	docs := newMockDocSource(src, cp)
	docs.getErr = errors.New("connection reset")
	svc := newScanService(t, store, docs)

	_, err := svc.Scan(context.Background(), time.Time{})
	require.Error(t, err)

	latest, err := store.LatestRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunFailed, latest.Status)
	assert.Equal(t, "connection reset", latest.LastError)
}

func TestScanPersistFailureClosesRun(t *testing.T) {
	ctx := context.Background()
	src, cp := chainFixture()
	store := newMockRunStore()
	store.addErr = errors.New("disk full")
	svc := newScanService(t, store, newMockDocSource(src, cp))

	_, err := svc.Scan(ctx, time.Time{})
	require.Error(t, err)

	latest, err := store.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, latest.Status)
	assert.Equal(t, "disk full", latest.LastError)

	// The failed run must not wedge the single-live-run gate.
	store.addErr = nil
	run, err := svc.Scan(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.Status)
}

func TestScanFlagsOrphanedGeneratedDocument(t *testing.T) {
	// A submitted receipt with no link at all and no source pointing at it:
	// only the generated-side sweep can see it.
	_, orphan := chainFixture()
	orphan.ID = 600
	orphan.Number = "RCP-600"
	orphan.CounterpartRef = nil

	store := newMockRunStore()
	svc := newScanService(t, store, newMockDocSource(orphan))

	found, err := svc.Preview(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, KindMissingDocument, found[0].Kind)
	assert.Equal(t, transfer.RoleReceipt, found[0].SourceRole)
	assert.Equal(t, int64(600), found[0].SourceID)
}

func TestScanFlagsGeneratedBacklinkWrongRole(t *testing.T) {
	src, cp := chainFixture()
	// The sales bill pairs forward with a receipt under the same-scope
	// pattern, but a receipt may only point back at a dispatch.
	src.Role = transfer.RoleSalesBill

	store := newMockRunStore()
	svc := newScanService(t, store, newMockDocSource(src, cp))

	run, err := svc.Scan(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, run.Mismatched)

	_, found, err := store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, KindBrokenLink, found[0].Kind)
	assert.Equal(t, cp.ID, found[0].SourceID)
}

func TestScanSkipsDraftCounterparts(t *testing.T) {
	src, cp := chainFixture()
	// The counterpart exists but has not been submitted yet; the topology is
	// sound, so the scanner leaves the comparison for a later pass.
	cp.Status = transfer.StatusDraft

	store := newMockRunStore()
	svc := newScanService(t, store, newMockDocSource(src, cp))

	run, err := svc.Scan(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, run.Scanned)
	assert.Equal(t, 1, run.Matched)
	assert.Equal(t, 0, run.Mismatched)
}

// ============================================================================
// PREVIEW AND READS
// ============================================================================

func TestPreviewDoesNotPersist(t *testing.T) {
	src, cp := chainFixture()
	cp.Lines[0].Qty = dec(9)

	store := newMockRunStore()
	svc := newScanService(t, store, newMockDocSource(src, cp))

	found, err := svc.Preview(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, KindFieldDiff, found[0].Kind)
	assert.Empty(t, store.runs)
	assert.Empty(t, store.mismatches)
}

func TestPreviewTruncates(t *testing.T) {
	store := newMockRunStore()
	docs := newMockDocSource()
	// Twelve orphaned sources against a preview limit of ten.
	for i := int64(0); i < 12; i++ {
		src, _ := chainFixture()
		src.ID = 1000 + i
		src.Number = fmt.Sprintf("DSP-%d", src.ID)
		src.CounterpartRef = nil
		docs.docs[src.ID] = src
	}
	svc := newScanService(t, store, docs)

	found, err := svc.Preview(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Len(t, found, 10)
}

func TestGetRunAndLatest(t *testing.T) {
	ctx := context.Background()
	src, cp := chainFixture()
	cp.Lines[0].NetAmountBase = decimal.RequireFromString("249.99")

	store := newMockRunStore()
	svc := newScanService(t, store, newMockDocSource(src, cp))

	run, err := svc.Scan(ctx, time.Time{})
	require.NoError(t, err)

	loaded, found, err := svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, loaded.ID)
	require.Len(t, found, 1)
	require.Len(t, found[0].Diffs, 1)
	assert.Equal(t, "taxable_value", found[0].Diffs[0].Field)

	latest, err := svc.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, run.ID, latest.ID)

	_, _, err = svc.GetRun(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}
