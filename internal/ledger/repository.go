package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian/internal/platform/db"
	"github.com/meridian-erp/meridian/internal/transfer"
)

// Repository provides PostgreSQL backed persistence for ledger lines and
// repost tracking records.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const lineCols = `id, voucher_role, voucher_id, account, debit, credit, against, party, posting_date, remarks, created_at`

func insertLines(ctx context.Context, tx pgx.Tx, lines []Line) error {
	for _, l := range lines {
		if _, err := tx.Exec(ctx, `
			INSERT INTO ledger_lines (voucher_role, voucher_id, account, debit, credit, against, party, posting_date, remarks, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())`,
			l.VoucherRole, l.VoucherID, l.Account, l.Debit, l.Credit, l.Against, l.Party, l.PostingDate, l.Remarks); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceLines swaps the full posting set for a voucher in one transaction.
// Either the whole new set lands or nothing changes.
func (r *Repository) ReplaceLines(ctx context.Context, role transfer.Role, voucherID int64, lines []Line) error {
	if len(lines) > 0 && !Balanced(lines) {
		return ErrUnbalanced
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM ledger_lines WHERE voucher_role=$1 AND voucher_id=$2`, role, voucherID); err != nil {
			return err
		}
		return insertLines(ctx, tx, lines)
	})
}

// ListLines returns the posting set for one voucher.
func (r *Repository) ListLines(ctx context.Context, role transfer.Role, voucherID int64) ([]Line, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+lineCols+` FROM ledger_lines WHERE voucher_role=$1 AND voucher_id=$2 ORDER BY id`,
		role, voucherID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.VoucherRole, &l.VoucherID, &l.Account, &l.Debit, &l.Credit,
			&l.Against, &l.Party, &l.PostingDate, &l.Remarks, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// CountLines returns the number of posting rows for a voucher.
func (r *Repository) CountLines(ctx context.Context, role transfer.Role, voucherID int64) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM ledger_lines WHERE voucher_role=$1 AND voucher_id=$2`,
		role, voucherID).Scan(&n)
	return n, err
}

// DeleteLines removes the posting set for a voucher (both ledgers).
func (r *Repository) DeleteLines(ctx context.Context, role transfer.Role, voucherID int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM ledger_lines WHERE voucher_role=$1 AND voucher_id=$2`, role, voucherID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`DELETE FROM payment_ledger_lines WHERE voucher_role=$1 AND voucher_id=$2`, role, voucherID)
		return err
	})
}

// RebuildVoucher deletes all ledger and payment-ledger rows for a voucher
// inside a savepoint and inserts the regenerated set. Any failure rolls the
// savepoint back, so the voucher is never left half-deleted. It returns the
// before/after row counts for the tracking record's audit trail.
func (r *Repository) RebuildVoucher(ctx context.Context, role transfer.Role, voucherID int64, build func(ctx context.Context) ([]Line, error)) (before, after int, err error) {
	err = db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM ledger_lines WHERE voucher_role=$1 AND voucher_id=$2`,
			role, voucherID).Scan(&before); err != nil {
			return err
		}
		return db.WithSavepoint(ctx, tx, func(sp pgx.Tx) error {
			if _, err := sp.Exec(ctx,
				`DELETE FROM ledger_lines WHERE voucher_role=$1 AND voucher_id=$2`, role, voucherID); err != nil {
				return err
			}
			if _, err := sp.Exec(ctx,
				`DELETE FROM payment_ledger_lines WHERE voucher_role=$1 AND voucher_id=$2`, role, voucherID); err != nil {
				return err
			}
			lines, err := build(ctx)
			if err != nil {
				return err
			}
			if len(lines) > 0 && !Balanced(lines) {
				return ErrUnbalanced
			}
			if err := insertLines(ctx, sp, lines); err != nil {
				return err
			}
			after = len(lines)
			return nil
		})
	})
	if err != nil {
		return before, 0, err
	}
	return before, after, nil
}

const trackingCols = `id, trigger_id, voucher_role, voucher_id, status, lock_expires_at, last_error, rows_before, rows_after, created_at, updated_at`

func scanTracking(row pgx.Row) (TrackingRecord, error) {
	var rec TrackingRecord
	err := row.Scan(&rec.ID, &rec.TriggerID, &rec.VoucherRole, &rec.VoucherID, &rec.Status,
		&rec.LockExpiresAt, &rec.LastError, &rec.RowsBefore, &rec.RowsAfter, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, ErrNotFound
	}
	return rec, err
}

// UpsertTracking creates or refreshes the tracking row for one
// (trigger, voucher) pair, moving it to IN_PROGRESS with a fresh lock
// expiry. Completed rows are left alone so a repeat trigger stays a no-op.
func (r *Repository) UpsertTracking(ctx context.Context, triggerID uuid.UUID, role transfer.Role, voucherID int64, lockExpiresAt time.Time) (TrackingRecord, bool, error) {
	var rec TrackingRecord
	var started bool
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		existing, err := scanTracking(tx.QueryRow(ctx,
			`SELECT `+trackingCols+` FROM repost_tracking
			 WHERE trigger_id=$1 AND voucher_role=$2 AND voucher_id=$3 FOR UPDATE`,
			triggerID, role, voucherID))
		switch {
		case err == nil:
			if existing.Status == TrackingCompleted {
				rec = existing
				started = false
				return nil
			}
			if existing.Status == TrackingInProgress && existing.LockExpiresAt != nil && existing.LockExpiresAt.After(time.Now()) {
				rec = existing
				started = false
				return nil
			}
			rec, err = scanTracking(tx.QueryRow(ctx,
				`UPDATE repost_tracking SET status='IN_PROGRESS', lock_expires_at=$2, updated_at=NOW()
				 WHERE id=$1 RETURNING `+trackingCols, existing.ID, lockExpiresAt))
			started = err == nil
			return err
		case errors.Is(err, ErrNotFound):
			rec, err = scanTracking(tx.QueryRow(ctx, `
				INSERT INTO repost_tracking (trigger_id, voucher_role, voucher_id, status, lock_expires_at, last_error, rows_before, rows_after, created_at, updated_at)
				VALUES ($1,$2,$3,'IN_PROGRESS',$4,'',0,0,NOW(),NOW())
				RETURNING `+trackingCols, triggerID, role, voucherID, lockExpiresAt))
			started = err == nil
			return err
		default:
			return err
		}
	})
	return rec, started, err
}

// FinishTracking records the terminal status of a repost attempt.
func (r *Repository) FinishTracking(ctx context.Context, id int64, status TrackingStatus, lastError string, rowsBefore, rowsAfter int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE repost_tracking
		SET status=$2, last_error=$3, rows_before=$4, rows_after=$5, lock_expires_at=NULL, updated_at=NOW()
		WHERE id=$1`, id, status, lastError, rowsBefore, rowsAfter)
	return err
}

// ListTrackingByTrigger returns every tracking row recorded for a trigger.
func (r *Repository) ListTrackingByTrigger(ctx context.Context, triggerID uuid.UUID) ([]TrackingRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+trackingCols+` FROM repost_tracking WHERE trigger_id=$1 ORDER BY id`, triggerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TrackingRecord
	for rows.Next() {
		rec, err := scanTracking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ReclaimStale reclassifies expired IN_PROGRESS rows to FAILED so an
// abandoned lock is surfaced instead of silently reused.
func (r *Repository) ReclaimStale(ctx context.Context, now time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE repost_tracking
		SET status='FAILED', last_error='lock expired before completion', lock_expires_at=NULL, updated_at=NOW()
		WHERE status='IN_PROGRESS' AND lock_expires_at IS NOT NULL AND lock_expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// DeleteTrackingBefore prunes terminal tracking rows older than the cutoff.
func (r *Repository) DeleteTrackingBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM repost_tracking
		WHERE status IN ('COMPLETED','FAILED') AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
