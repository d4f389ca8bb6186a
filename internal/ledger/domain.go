package ledger

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian/internal/transfer"
)

// Sentinel errors.
var (
	ErrNotFound         = errors.New("ledger: not found")
	ErrUnbalanced       = errors.New("ledger: debits and credits do not balance")
	ErrTrackingConflict = errors.New("ledger: tracking record already in progress")
)

// Line is one general-ledger posting row owned by a transfer voucher.
type Line struct {
	ID          int64           `json:"id"`
	VoucherRole transfer.Role   `json:"voucher_role"`
	VoucherID   int64           `json:"voucher_id"`
	Account     string          `json:"account"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
	Against     string          `json:"against"`
	Party       string          `json:"party,omitempty"`
	PostingDate time.Time       `json:"posting_date"`
	Remarks     string          `json:"remarks,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// PaymentLine is the payment-ledger twin of a Line; the force-rebuild path
// clears both tables for a voucher.
type PaymentLine struct {
	ID          int64           `json:"id"`
	VoucherRole transfer.Role   `json:"voucher_role"`
	VoucherID   int64           `json:"voucher_id"`
	Account     string          `json:"account"`
	Party       string          `json:"party"`
	Amount      decimal.Decimal `json:"amount"`
	PostingDate time.Time       `json:"posting_date"`
}

// Balanced reports whether the set of lines nets to zero at two decimals.
func Balanced(lines []Line) bool {
	debit := decimal.Zero
	credit := decimal.Zero
	for _, l := range lines {
		debit = debit.Add(l.Debit)
		credit = credit.Add(l.Credit)
	}
	return debit.Round(2).Equal(credit.Round(2))
}

// TrackingStatus is the lifecycle of one repost lock row.
type TrackingStatus string

const (
	TrackingPending    TrackingStatus = "PENDING"
	TrackingInProgress TrackingStatus = "IN_PROGRESS"
	TrackingCompleted  TrackingStatus = "COMPLETED"
	TrackingFailed     TrackingStatus = "FAILED"
)

// TrackingRecord is one idempotent repost lock row per (trigger, voucher).
// A stale IN_PROGRESS row whose lock expired is reclassified to FAILED by
// housekeeping, never silently reused.
type TrackingRecord struct {
	ID            int64          `json:"id"`
	TriggerID     uuid.UUID      `json:"trigger_id"`
	VoucherRole   transfer.Role  `json:"voucher_role"`
	VoucherID     int64          `json:"voucher_id"`
	Status        TrackingStatus `json:"status"`
	LockExpiresAt *time.Time     `json:"lock_expires_at,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
	RowsBefore    int            `json:"rows_before"`
	RowsAfter     int            `json:"rows_after"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Outcome is the result of one repost attempt for one voucher.
type Outcome string

const (
	OutcomeApplied Outcome = "APPLIED"
	OutcomeSkipped Outcome = "SKIPPED"
	OutcomeFailed  Outcome = "FAILED"
)

// VoucherResult pairs a voucher with its repost outcome for operator output.
type VoucherResult struct {
	VoucherRole transfer.Role `json:"voucher_role"`
	VoucherID   int64         `json:"voucher_id"`
	Outcome     Outcome       `json:"outcome"`
	Error       string        `json:"error,omitempty"`
}

// RewriteResult is the rewrite engine's output: either a full replacement
// set with Changed true, or Changed false with the reason the generic lines
// were left standing.
type RewriteResult struct {
	Lines   []Line `json:"lines,omitempty"`
	Changed bool   `json:"changed"`
	Reason  string `json:"reason,omitempty"`
}

func unchanged(reason string) RewriteResult {
	return RewriteResult{Changed: false, Reason: reason}
}
