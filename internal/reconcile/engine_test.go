package reconcile

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian/internal/transfer"
)

const (
	taxIDKarnataka = "29AAACM1234F1Z5"
	taxIDTamilNadu = "33AAACM1234F1Z2"
)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// chainFixture builds a submitted dispatch and its exact receipt mirror.
func chainFixture() (*transfer.Document, *transfer.Document) {
	source := &transfer.Document{
		ID:                11,
		Number:            "DSP-1001",
		Role:              transfer.RoleDispatch,
		Status:            transfer.StatusSubmitted,
		UnitTaxID:         taxIDKarnataka,
		CounterpartyTaxID: taxIDKarnataka,
		PostingDate:       time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
		NetTotalBase:      dec(500),
		GrandTotalBase:    dec(500),
		Lines: []transfer.Line{
			{ID: 101, RowNo: 1, ItemCode: "WIDGET-A", Qty: dec(10), NetAmountBase: dec(250)},
			{ID: 102, RowNo: 2, ItemCode: "WIDGET-B", Qty: decimal.RequireFromString("2.5"), NetAmountBase: dec(250)},
		},
	}
	ref1, ref2 := int64(101), int64(102)
	counterpart := &transfer.Document{
		ID:                12,
		Number:            "RCP-1001",
		Role:              transfer.RoleReceipt,
		Status:            transfer.StatusSubmitted,
		UnitTaxID:         taxIDKarnataka,
		CounterpartyTaxID: taxIDKarnataka,
		PostingDate:       time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
		NetTotalBase:      dec(500),
		GrandTotalBase:    dec(500),
		Lines: []transfer.Line{
			{ID: 201, RowNo: 1, ItemCode: "WIDGET-A", Qty: dec(10), NetAmountBase: dec(250), SourceLineID: &ref1},
			{ID: 202, RowNo: 2, ItemCode: "WIDGET-B", Qty: decimal.RequireFromString("2.5"), NetAmountBase: dec(250), SourceLineID: &ref2},
		},
	}
	counterpartID := counterpart.ID
	source.CounterpartRef = &counterpartID
	sourceID := source.ID
	counterpart.CounterpartRef = &sourceID
	return source, counterpart
}

func diffFields(diffs []FieldDiff) map[string]FieldDiff {
	out := make(map[string]FieldDiff, len(diffs))
	for _, d := range diffs {
		out[d.Field] = d
	}
	return out
}

// ============================================================================
// CHAIN COMPARISON
// ============================================================================

func TestCompareChainMatch(t *testing.T) {
	source, counterpart := chainFixture()
	assert.Empty(t, CompareChain(source, counterpart))
}

func TestCompareChainAggregatesSplitRows(t *testing.T) {
	source, counterpart := chainFixture()

	// The receiving side split the first line into two rows; the aggregate
	// still matches.
	ref := int64(101)
	counterpart.Lines[0].Qty = dec(6)
	counterpart.Lines[0].NetAmountBase = dec(150)
	counterpart.Lines = append(counterpart.Lines, transfer.Line{
		ID: 203, RowNo: 3, ItemCode: "WIDGET-A", Qty: dec(4), NetAmountBase: dec(100), SourceLineID: &ref,
	})

	assert.Empty(t, CompareChain(source, counterpart))
}

func TestCompareChainQtyAndTaxableDiffs(t *testing.T) {
	source, counterpart := chainFixture()
	counterpart.Lines[0].Qty = dec(9)
	counterpart.Lines[1].NetAmountBase = decimal.RequireFromString("249.90")

	diffs := CompareChain(source, counterpart)
	byField := diffFields(diffs)

	qty, ok := byField["qty"]
	require.True(t, ok)
	assert.Equal(t, "WIDGET-A", qty.ItemCode)
	assert.Equal(t, "10", qty.Expected)
	assert.Equal(t, "9", qty.Actual)

	taxable, ok := byField["taxable_value"]
	require.True(t, ok)
	assert.Equal(t, "WIDGET-B", taxable.ItemCode)
	assert.Equal(t, "250", taxable.Expected)
	assert.Equal(t, "249.9", taxable.Actual)
}

func TestCompareChainReturnedQtyNets(t *testing.T) {
	source, counterpart := chainFixture()
	// Two units came back; the counterpart should carry the net eight.
	source.Lines[0].ReturnedQty = dec(2)
	counterpart.Lines[0].Qty = dec(8)
	counterpart.Lines[0].NetAmountBase = dec(250)

	diffs := CompareChain(source, counterpart)
	_, hasQtyDiff := diffFields(diffs)["qty"]
	assert.False(t, hasQtyDiff)
}

func TestCompareChainMissingLine(t *testing.T) {
	source, counterpart := chainFixture()
	counterpart.Lines = counterpart.Lines[:1]
	counterpart.NetTotalBase = dec(250)
	counterpart.GrandTotalBase = dec(250)

	diffs := CompareChain(source, counterpart)
	byField := diffFields(diffs)

	missing, ok := byField["line"]
	require.True(t, ok)
	assert.Equal(t, "WIDGET-B", missing.ItemCode)
	assert.Equal(t, "missing", missing.Actual)
	assert.Equal(t, "500", byField["net_total_base"].Expected)
	assert.Equal(t, "250", byField["net_total_base"].Actual)
}

func TestCompareChainItemCodeFallback(t *testing.T) {
	source, counterpart := chainFixture()
	// Legacy chains carry no back-references; item-code aggregation covers
	// them.
	for i := range counterpart.Lines {
		counterpart.Lines[i].SourceLineID = nil
	}
	assert.Empty(t, CompareChain(source, counterpart))

	counterpart.Lines[1].Qty = dec(3)
	diffs := CompareChain(source, counterpart)
	byField := diffFields(diffs)
	assert.Equal(t, "WIDGET-B", byField["qty"].ItemCode)
}

func TestCompareChainExtraRows(t *testing.T) {
	source, counterpart := chainFixture()
	counterpart.Lines = append(counterpart.Lines, transfer.Line{
		ID: 203, RowNo: 3, ItemCode: "WIDGET-C", Qty: dec(1), NetAmountBase: dec(50),
	})

	diffs := CompareChain(source, counterpart)
	byField := diffFields(diffs)
	extra, ok := byField["line_count"]
	require.True(t, ok)
	assert.Equal(t, "2", extra.Expected)
	assert.Equal(t, "3", extra.Actual)
}

// ============================================================================
// LINK TOPOLOGY
// ============================================================================

func TestInspectLinksMissingCounterpart(t *testing.T) {
	source, _ := chainFixture()
	source.CounterpartRef = nil

	found := InspectLinks(source, nil, nil)
	require.Len(t, found, 1)
	assert.Equal(t, KindMissingDocument, found[0].Kind)
	assert.Equal(t, source.ID, found[0].SourceID)
	assert.Nil(t, found[0].CounterpartID)
	assert.Equal(t, "submitted source has no counterpart reference", found[0].Detail)
}

func TestInspectLinksStockedChainPending(t *testing.T) {
	source, _ := chainFixture()
	source.Role = transfer.RoleSalesBill
	source.CounterpartRef = nil
	receiptID := int64(77)
	source.ReceiptRef = &receiptID

	found := InspectLinks(source, nil, nil)
	require.Len(t, found, 1)
	assert.Equal(t, KindMissingDocument, found[0].Kind)
	assert.Equal(t, "stocked chain awaiting purchase bill", found[0].Detail)
}

func TestInspectLinksDanglingReference(t *testing.T) {
	source, _ := chainFixture()

	found := InspectLinks(source, nil, transfer.ErrNotFound)
	require.Len(t, found, 1)
	assert.Equal(t, KindBrokenLink, found[0].Kind)
	require.NotNil(t, found[0].CounterpartID)
	assert.Equal(t, *source.CounterpartRef, *found[0].CounterpartID)
}

func TestInspectLinksCancelledCounterpart(t *testing.T) {
	source, counterpart := chainFixture()
	counterpart.Status = transfer.StatusCancelled

	found := InspectLinks(source, counterpart, nil)
	require.Len(t, found, 1)
	assert.Equal(t, KindBrokenLink, found[0].Kind)
	assert.Contains(t, found[0].Detail, "cancelled")
}

func TestInspectLinksWrongRole(t *testing.T) {
	source, counterpart := chainFixture()
	// A same-scope dispatch must pair with a receipt.
	counterpart.Role = transfer.RoleSalesBill

	found := InspectLinks(source, counterpart, nil)
	require.Len(t, found, 1)
	assert.Equal(t, KindBrokenLink, found[0].Kind)
	assert.Contains(t, found[0].Detail, "want RECEIPT")
}

func TestInspectLinksHealthyChain(t *testing.T) {
	source, counterpart := chainFixture()
	assert.Empty(t, InspectLinks(source, counterpart, nil))
}

func TestInspectGeneratedLinksHealthy(t *testing.T) {
	source, counterpart := chainFixture()
	targets := map[int64]*transfer.Document{source.ID: source}
	assert.Empty(t, InspectGeneratedLinks(counterpart, targets))
}

func TestInspectGeneratedLinksOrphan(t *testing.T) {
	_, counterpart := chainFixture()
	counterpart.CounterpartRef = nil

	found := InspectGeneratedLinks(counterpart, nil)
	require.Len(t, found, 1)
	assert.Equal(t, KindMissingDocument, found[0].Kind)
	assert.Equal(t, counterpart.ID, found[0].SourceID)
	assert.Equal(t, "submitted generated document references no source", found[0].Detail)
}

func TestInspectGeneratedLinksLegacyOnly(t *testing.T) {
	source, counterpart := chainFixture()
	counterpart.LegacyRef = counterpart.CounterpartRef
	counterpart.CounterpartRef = nil

	targets := map[int64]*transfer.Document{source.ID: source}
	assert.Empty(t, InspectGeneratedLinks(counterpart, targets))
}

func TestInspectGeneratedLinksDuplicate(t *testing.T) {
	source, counterpart := chainFixture()
	other := int64(99)
	counterpart.LegacyRef = &other

	targets := map[int64]*transfer.Document{source.ID: source}
	found := InspectGeneratedLinks(counterpart, targets)
	require.Len(t, found, 1)
	assert.Equal(t, KindBrokenLink, found[0].Kind)
	assert.Contains(t, found[0].Detail, "links both")
}

func TestInspectGeneratedLinksDanglingBackReference(t *testing.T) {
	_, counterpart := chainFixture()

	found := InspectGeneratedLinks(counterpart, nil)
	require.Len(t, found, 1)
	assert.Equal(t, KindBrokenLink, found[0].Kind)
	assert.Contains(t, found[0].Detail, "resolves to nothing")
}

func TestInspectGeneratedLinksCancelledSource(t *testing.T) {
	source, counterpart := chainFixture()
	source.Status = transfer.StatusCancelled

	targets := map[int64]*transfer.Document{source.ID: source}
	found := InspectGeneratedLinks(counterpart, targets)
	require.Len(t, found, 1)
	assert.Equal(t, KindBrokenLink, found[0].Kind)
	assert.Contains(t, found[0].Detail, "cancelled")
}

func TestInspectGeneratedLinksWrongRole(t *testing.T) {
	source, counterpart := chainFixture()
	// A same-scope receipt must point back at a dispatch.
	source.Role = transfer.RoleSalesBill

	targets := map[int64]*transfer.Document{source.ID: source}
	found := InspectGeneratedLinks(counterpart, targets)
	require.Len(t, found, 1)
	assert.Equal(t, KindBrokenLink, found[0].Kind)
	assert.Contains(t, found[0].Detail, "want DISPATCH")
}

func TestMismatchKindsAreDistinct(t *testing.T) {
	kinds := []MismatchKind{KindFieldDiff, KindMissingDocument, KindBrokenLink}
	seen := make(map[MismatchKind]bool)
	for _, k := range kinds {
		assert.False(t, seen[k])
		seen[k] = true
	}
	assert.False(t, errors.Is(ErrRunActive, ErrNotFound))
}
