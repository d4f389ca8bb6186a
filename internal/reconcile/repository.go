package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence for scan runs and their
// mismatches.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// BeginRun opens a RUNNING scan row. Only one run may be live at a time;
// a second concurrent call returns ErrRunActive.
func (r *Repository) BeginRun(ctx context.Context, windowStart, startedAt time.Time) (Run, error) {
	var run Run
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var live int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM reconcile_runs WHERE status=$1`, RunRunning).Scan(&live); err != nil {
			return err
		}
		if live > 0 {
			return ErrRunActive
		}
		run = Run{Status: RunRunning, WindowStart: windowStart, StartedAt: startedAt}
		return tx.QueryRow(ctx, `
			INSERT INTO reconcile_runs (status, window_start, started_at)
			VALUES ($1,$2,$3) RETURNING id`,
			run.Status, run.WindowStart, run.StartedAt).Scan(&run.ID)
	})
	return run, err
}

// FinishRun closes a run with its final counts.
func (r *Repository) FinishRun(ctx context.Context, id int64, status RunStatus, scanned, matched, mismatched int, lastError string, finishedAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE reconcile_runs
		SET status=$2, scanned=$3, matched=$4, mismatched=$5, last_error=$6, finished_at=$7
		WHERE id=$1`,
		id, status, scanned, matched, mismatched, lastError, finishedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRun loads one run with its mismatches.
func (r *Repository) GetRun(ctx context.Context, id int64) (Run, []Mismatch, error) {
	run, err := r.scanRun(ctx, `WHERE id=$1`, id)
	if err != nil {
		return Run{}, nil, err
	}
	mismatches, err := r.listMismatches(ctx, id)
	if err != nil {
		return Run{}, nil, err
	}
	return run, mismatches, nil
}

// LatestRun returns the most recently started run.
func (r *Repository) LatestRun(ctx context.Context) (Run, error) {
	return r.scanRun(ctx, `ORDER BY started_at DESC LIMIT 1`)
}

func (r *Repository) scanRun(ctx context.Context, clause string, args ...any) (Run, error) {
	var run Run
	err := r.pool.QueryRow(ctx, `
		SELECT id, status, window_start, started_at, finished_at, scanned, matched, mismatched, COALESCE(last_error,'')
		FROM reconcile_runs `+clause, args...).
		Scan(&run.ID, &run.Status, &run.WindowStart, &run.StartedAt, &run.FinishedAt,
			&run.Scanned, &run.Matched, &run.Mismatched, &run.LastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	return run, err
}

// AddMismatches persists the findings of a run in one transaction.
func (r *Repository) AddMismatches(ctx context.Context, runID int64, mismatches []Mismatch) error {
	if len(mismatches) == 0 {
		return nil
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		for _, m := range mismatches {
			diffs, err := json.Marshal(m.Diffs)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO reconcile_mismatches
					(run_id, kind, source_role, source_id, source_number, counterpart_id, detail, diffs, created_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())`,
				runID, m.Kind, m.SourceRole, m.SourceID, m.SourceNumber, m.CounterpartID, m.Detail, diffs); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Repository) listMismatches(ctx context.Context, runID int64) ([]Mismatch, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, run_id, kind, source_role, source_id, source_number, counterpart_id, COALESCE(detail,''), diffs, created_at
		FROM reconcile_mismatches WHERE run_id=$1 ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Mismatch
	for rows.Next() {
		var m Mismatch
		var diffs []byte
		if err := rows.Scan(&m.ID, &m.RunID, &m.Kind, &m.SourceRole, &m.SourceID,
			&m.SourceNumber, &m.CounterpartID, &m.Detail, &diffs, &m.CreatedAt); err != nil {
			return nil, err
		}
		if len(diffs) > 0 {
			if err := json.Unmarshal(diffs, &m.Diffs); err != nil {
				return nil, err
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ReclaimStaleRuns flips RUNNING rows started before the cutoff to FAILED so
// the single-live-run gate cannot stay wedged after a crashed scan.
func (r *Repository) ReclaimStaleRuns(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE reconcile_runs
		SET status=$1, last_error='run abandoned: reclaimed by housekeeping', finished_at=NOW()
		WHERE status=$2 AND started_at < $3`,
		RunFailed, RunRunning, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// PruneRuns deletes completed runs older than the cutoff, cascading to
// their mismatches.
func (r *Repository) PruneRuns(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM reconcile_runs WHERE status<>$1 AND started_at < $2`, RunRunning, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
