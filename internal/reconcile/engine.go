package reconcile

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian/internal/transfer"
)

// lineTotals is the counterpart side aggregated per source line.
type lineTotals struct {
	qty     decimal.Decimal
	taxable decimal.Decimal
	rows    int
}

// CompareChain diffs a submitted source document against its counterpart.
// Counterpart lines are aggregated by their SourceLineID back-reference;
// when no line on the counterpart carries one, aggregation falls back to
// item code, which tolerates legacy chains generated before back-references
// existed. Quantities compare at six decimal places and money at two, both
// with zero tolerance.
func CompareChain(source, counterpart *transfer.Document) []FieldDiff {
	var diffs []FieldDiff

	byRef, byItem, useRefs := aggregateCounterpart(counterpart)

	for _, src := range source.Lines {
		var agg lineTotals
		var found bool
		if useRefs {
			agg, found = byRef[src.ID]
		} else {
			agg, found = byItem[src.ItemCode]
		}
		if !found {
			diffs = append(diffs, FieldDiff{
				ItemCode: src.ItemCode,
				Field:    "line",
				Expected: "present",
				Actual:   "missing",
			})
			continue
		}
		expectedQty := src.Qty.Sub(src.ReturnedQty)
		if !eqScaled(expectedQty, agg.qty, qtyScale) {
			diffs = append(diffs, FieldDiff{
				ItemCode: src.ItemCode,
				Field:    "qty",
				Expected: expectedQty.Round(qtyScale).String(),
				Actual:   agg.qty.Round(qtyScale).String(),
			})
		}
		if !eqScaled(src.NetAmountBase, agg.taxable, moneyScale) {
			diffs = append(diffs, FieldDiff{
				ItemCode: src.ItemCode,
				Field:    "taxable_value",
				Expected: src.NetAmountBase.Round(moneyScale).String(),
				Actual:   agg.taxable.Round(moneyScale).String(),
			})
		}
	}

	// Counterpart rows that answer to no source line.
	counted := countedRows(source, byRef, byItem, useRefs)
	if extra := len(counterpart.Lines) - counted; extra > 0 {
		diffs = append(diffs, FieldDiff{
			Field:    "line_count",
			Expected: fmt.Sprintf("%d", counted),
			Actual:   fmt.Sprintf("%d", len(counterpart.Lines)),
		})
	}

	if !eqScaled(source.NetTotalBase, counterpart.NetTotalBase, moneyScale) {
		diffs = append(diffs, FieldDiff{
			Field:    "net_total_base",
			Expected: source.NetTotalBase.Round(moneyScale).String(),
			Actual:   counterpart.NetTotalBase.Round(moneyScale).String(),
		})
	}
	if !eqScaled(source.GrandTotalBase, counterpart.GrandTotalBase, moneyScale) {
		diffs = append(diffs, FieldDiff{
			Field:    "grand_total_base",
			Expected: source.GrandTotalBase.Round(moneyScale).String(),
			Actual:   counterpart.GrandTotalBase.Round(moneyScale).String(),
		})
	}
	return diffs
}

func aggregateCounterpart(counterpart *transfer.Document) (map[int64]lineTotals, map[string]lineTotals, bool) {
	byRef := make(map[int64]lineTotals)
	byItem := make(map[string]lineTotals)
	useRefs := false
	for _, l := range counterpart.Lines {
		if l.SourceLineID != nil {
			useRefs = true
			agg := byRef[*l.SourceLineID]
			agg.qty = agg.qty.Add(l.Qty)
			agg.taxable = agg.taxable.Add(l.NetAmountBase)
			agg.rows++
			byRef[*l.SourceLineID] = agg
		}
		agg := byItem[l.ItemCode]
		agg.qty = agg.qty.Add(l.Qty)
		agg.taxable = agg.taxable.Add(l.NetAmountBase)
		agg.rows++
		byItem[l.ItemCode] = agg
	}
	return byRef, byItem, useRefs
}

func countedRows(source *transfer.Document, byRef map[int64]lineTotals, byItem map[string]lineTotals, useRefs bool) int {
	counted := 0
	if useRefs {
		for _, src := range source.Lines {
			counted += byRef[src.ID].rows
		}
		return counted
	}
	seen := make(map[string]bool)
	for _, src := range source.Lines {
		if seen[src.ItemCode] {
			continue
		}
		seen[src.ItemCode] = true
		counted += byItem[src.ItemCode].rows
	}
	return counted
}

// InspectLinks audits the reference topology of one submitted source
// document. resolve returns the referenced document or transfer.ErrNotFound.
// The returned mismatches cover missing counterparts, references to missing
// or cancelled documents, and counterparts of an illegal role.
func InspectLinks(source *transfer.Document, counterpart *transfer.Document, resolveErr error) []Mismatch {
	base := Mismatch{
		SourceRole:   source.Role,
		SourceID:     source.ID,
		SourceNumber: source.Number,
	}

	if source.CounterpartRef == nil {
		m := base
		m.Kind = KindMissingDocument
		m.Detail = "submitted source has no counterpart reference"
		if source.ReceiptRef != nil {
			m.Detail = "stocked chain awaiting purchase bill"
		}
		return []Mismatch{m}
	}

	ref := *source.CounterpartRef
	if resolveErr != nil {
		m := base
		m.Kind = KindBrokenLink
		m.CounterpartID = &ref
		m.Detail = fmt.Sprintf("counterpart reference %d resolves to nothing", ref)
		return []Mismatch{m}
	}

	var out []Mismatch
	if counterpart.Status == transfer.StatusCancelled {
		m := base
		m.Kind = KindBrokenLink
		m.CounterpartID = &ref
		m.Detail = fmt.Sprintf("counterpart %d is cancelled but still referenced", ref)
		out = append(out, m)
	}
	cls := transfer.Classify(source.UnitTaxID, source.CounterpartyTaxID, nil)
	want := transfer.LegalPattern(cls.Scope).GeneratedRole
	if counterpart.Role != want {
		m := base
		m.Kind = KindBrokenLink
		m.CounterpartID = &ref
		m.Detail = fmt.Sprintf("counterpart %d has role %s, want %s", ref, counterpart.Role, want)
		out = append(out, m)
	}
	return out
}

// InspectGeneratedLinks audits the backward topology of one submitted
// generated document, independently of the source-side walk: a Receipt or
// PurchaseBill nothing points at would otherwise never enter a chain.
// targets maps each ID the document references to its resolved document;
// references that resolve to nothing are absent from the map.
func InspectGeneratedLinks(doc *transfer.Document, targets map[int64]*transfer.Document) []Mismatch {
	base := Mismatch{
		SourceRole:   doc.Role,
		SourceID:     doc.ID,
		SourceNumber: doc.Number,
	}

	ref := doc.SourceRef()
	if ref == nil {
		m := base
		m.Kind = KindMissingDocument
		m.Detail = "submitted generated document references no source"
		return []Mismatch{m}
	}

	var out []Mismatch
	if doc.CounterpartRef != nil && doc.LegacyRef != nil && *doc.CounterpartRef != *doc.LegacyRef {
		m := base
		m.Kind = KindBrokenLink
		m.CounterpartID = ref
		m.Detail = fmt.Sprintf("document links both %d and %d", *doc.CounterpartRef, *doc.LegacyRef)
		out = append(out, m)
	}

	source, ok := targets[*ref]
	if !ok || source == nil {
		m := base
		m.Kind = KindBrokenLink
		m.CounterpartID = ref
		m.Detail = fmt.Sprintf("source reference %d resolves to nothing", *ref)
		return append(out, m)
	}
	if source.Status == transfer.StatusCancelled {
		m := base
		m.Kind = KindBrokenLink
		m.CounterpartID = ref
		m.Detail = fmt.Sprintf("source %d is cancelled but still referenced", *ref)
		out = append(out, m)
	}
	cls := transfer.Classify(doc.UnitTaxID, doc.CounterpartyTaxID, nil)
	if want := transfer.CounterpartRole(doc.Role, cls.Scope); source.Role != want {
		m := base
		m.Kind = KindBrokenLink
		m.CounterpartID = ref
		m.Detail = fmt.Sprintf("source %d has role %s, want %s", *ref, source.Role, want)
		out = append(out, m)
	}
	return out
}
