package transfer

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// ParityError is a single failed field comparison between a source document
// and its candidate counterpart. RowNo is 1-based and 0 for header fields.
type ParityError struct {
	RowNo    int    `json:"row_no,omitempty"`
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// Error renders the failure with enough context to reproduce it.
func (e *ParityError) Error() string {
	if e.RowNo > 0 {
		return fmt.Sprintf("transfer: parity violation at row %d field %s: expected %s, actual %s",
			e.RowNo, e.Field, e.Expected, e.Actual)
	}
	return fmt.Sprintf("transfer: parity violation on header field %s: expected %s, actual %s",
		e.Field, e.Expected, e.Actual)
}

// Unwrap lets callers test with errors.Is(err, ErrParity).
func (e *ParityError) Unwrap() error { return ErrParity }

// MatchReport is the non-blocking form of the parity walk, used by the UI
// pre-check endpoint and by the reconciliation scanner.
type MatchReport struct {
	Match bool          `json:"match"`
	Diffs []ParityError `json:"diffs,omitempty"`
}

// lineField compares one per-line field at the given scale and records a
// diff on mismatch.
type parityWalk struct {
	diffs    []ParityError
	stopping bool
}

func (w *parityWalk) add(rowNo int, field string, expected, actual decimal.Decimal, scale int32) bool {
	if expected.Round(scale).Equal(actual.Round(scale)) {
		return false
	}
	w.diffs = append(w.diffs, ParityError{
		RowNo:    rowNo,
		Field:    field,
		Expected: expected.Round(scale).String(),
		Actual:   actual.Round(scale).String(),
	})
	return w.stopping
}

func (w *parityWalk) addString(rowNo int, field, expected, actual string) bool {
	if expected == actual {
		return false
	}
	w.diffs = append(w.diffs, ParityError{RowNo: rowNo, Field: field, Expected: expected, Actual: actual})
	return w.stopping
}

// eligibleLines returns the source lines a counterpart must mirror: the ones
// with outstanding quantity. Received quantity moves only when a counterpart
// submits, so the set is stable from generation through candidate submit.
func eligibleLines(source *Document) []Line {
	var out []Line
	for _, line := range source.Lines {
		if line.Unreceived().Sign() > 0 {
			out = append(out, line)
		}
	}
	return out
}

// CheckParity proves strict line-for-line and header-total equality between
// a source and its candidate counterpart. It returns the first violation as
// a *ParityError, or nil when the pair matches exactly.
func CheckParity(source, candidate *Document) error {
	w := &parityWalk{stopping: true}
	runParity(source, candidate, w)
	if len(w.diffs) > 0 {
		err := w.diffs[0]
		return &err
	}
	return nil
}

// BuildMatchReport runs the same comparison in non-blocking mode, collecting
// every violation instead of stopping at the first.
func BuildMatchReport(source, candidate *Document) MatchReport {
	w := &parityWalk{}
	runParity(source, candidate, w)
	return MatchReport{Match: len(w.diffs) == 0, Diffs: w.diffs}
}

func runParity(source, candidate *Document, w *parityWalk) {
	eligible := eligibleLines(source)
	if w.addString(0, "line_count",
		fmt.Sprintf("%d", len(eligible)), fmt.Sprintf("%d", len(candidate.Lines))) {
		return
	}

	byID := make(map[int64]Line, len(eligible))
	for _, line := range eligible {
		byID[line.ID] = line
	}

	consumed := make(map[int64]bool, len(eligible))
	ordered := append([]Line(nil), candidate.Lines...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].RowNo < ordered[j].RowNo })

	for _, cand := range ordered {
		if cand.SourceLineID == nil {
			if w.addString(cand.RowNo, "source_line_id", "set", "missing") {
				return
			}
			continue
		}
		src, ok := byID[*cand.SourceLineID]
		if !ok {
			if w.addString(cand.RowNo, "source_line_id",
				"an unconsumed source line", fmt.Sprintf("%d", *cand.SourceLineID)) {
				return
			}
			continue
		}
		if consumed[src.ID] {
			if w.addString(cand.RowNo, "source_line_id",
				"unique back-reference", fmt.Sprintf("duplicate of line %d", src.ID)) {
				return
			}
			continue
		}
		consumed[src.ID] = true

		if w.addString(cand.RowNo, "item_code", src.ItemCode, cand.ItemCode) {
			return
		}
		if w.addString(cand.RowNo, "uom", src.UOM, cand.UOM) {
			return
		}
		if w.add(cand.RowNo, "qty", src.Qty, cand.Qty, qtyScale) {
			return
		}
		if w.add(cand.RowNo, "stock_qty", src.StockQty, cand.StockQty, qtyScale) {
			return
		}
		if w.add(cand.RowNo, "rate", src.Rate, cand.Rate, qtyScale) {
			return
		}
		if w.add(cand.RowNo, "rate_base", src.RateBase, cand.RateBase, qtyScale) {
			return
		}
		if w.add(cand.RowNo, "amount", src.Amount, cand.Amount, moneyScale) {
			return
		}
		if w.add(cand.RowNo, "amount_base", src.AmountBase, cand.AmountBase, moneyScale) {
			return
		}
		if w.add(cand.RowNo, "net_amount", src.NetAmount, cand.NetAmount, moneyScale) {
			return
		}
		if w.add(cand.RowNo, "net_amount_base", src.NetAmountBase, cand.NetAmountBase, moneyScale) {
			return
		}
	}

	for _, line := range eligible {
		if !consumed[line.ID] {
			if w.addString(line.RowNo, "source_line_id",
				fmt.Sprintf("a candidate line mapping source line %d", line.ID), "none") {
				return
			}
		}
	}

	// Header totals compare after re-deriving the candidate's own totals so
	// a stale header cannot mask edited lines.
	recomputed := *candidate
	recomputed.RecomputeTotals()

	if w.add(0, "net_total", source.NetTotal, recomputed.NetTotal, moneyScale) {
		return
	}
	if w.add(0, "tax_total", source.TaxTotal, recomputed.TaxTotal, moneyScale) {
		return
	}
	if w.add(0, "grand_total", source.GrandTotal, recomputed.GrandTotal, moneyScale) {
		return
	}
	if w.add(0, "net_total_base", source.NetTotalBase, recomputed.NetTotalBase, moneyScale) {
		return
	}
	if w.add(0, "tax_total_base", source.TaxTotalBase, recomputed.TaxTotalBase, moneyScale) {
		return
	}
	w.add(0, "grand_total_base", source.GrandTotalBase, recomputed.GrandTotalBase, moneyScale)
}
