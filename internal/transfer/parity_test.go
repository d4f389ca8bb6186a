package transfer

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parityFixture() (*Document, *Document) {
	src := sourceDocument(RoleDispatch, taxIDKarnataka, taxIDKarnataka)
	src.ID = 1
	for i := range src.Lines {
		src.Lines[i].ID = int64(i + 1)
		src.Lines[i].DocumentID = src.ID
		src.Lines[i].RowNo = i + 1
	}
	src.RecomputeTotals()

	cand := mirrorCandidate(&src, RoleReceipt)
	cand.ID = 2
	for i := range cand.Lines {
		cand.Lines[i].ID = int64(100 + i)
		cand.Lines[i].DocumentID = cand.ID
		cand.Lines[i].RowNo = i + 1
	}
	cand.RecomputeTotals()
	return &src, &cand
}

func TestCheckParityMatch(t *testing.T) {
	src, cand := parityFixture()
	assert.NoError(t, CheckParity(src, cand))
}

func TestCheckParityStopsAtFirstViolation(t *testing.T) {
	src, cand := parityFixture()
	cand.Lines[0].Qty = decimal.RequireFromString("9.999999")
	cand.Lines[1].UOM = "KG"

	err := CheckParity(src, cand)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrParity))

	var pe *ParityError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 1, pe.RowNo)
	assert.Equal(t, "qty", pe.Field)
}

func TestCheckParityQtyScale(t *testing.T) {
	src, cand := parityFixture()

	// Differences beyond six decimals are noise, at six they are violations.
	cand.Lines[0].Qty = decimal.RequireFromString("10.0000000004")
	assert.NoError(t, CheckParity(src, cand))

	cand.Lines[0].Qty = decimal.RequireFromString("10.000001")
	err := CheckParity(src, cand)
	require.Error(t, err)
	var pe *ParityError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "qty", pe.Field)
}

func TestCheckParityMoneyScale(t *testing.T) {
	src, cand := parityFixture()

	cand.Lines[0].NetAmount = decimal.RequireFromString("250.004")
	cand.Lines[0].NetAmountBase = decimal.RequireFromString("250.004")
	assert.NoError(t, CheckParity(src, cand))

	cand.Lines[0].NetAmount = decimal.RequireFromString("250.01")
	err := CheckParity(src, cand)
	require.Error(t, err)
	var pe *ParityError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "net_amount", pe.Field)
}

func TestCheckParityLineCount(t *testing.T) {
	src, cand := parityFixture()
	cand.Lines = cand.Lines[:1]

	err := CheckParity(src, cand)
	require.Error(t, err)
	var pe *ParityError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 0, pe.RowNo)
	assert.Equal(t, "line_count", pe.Field)
	assert.Equal(t, "2", pe.Expected)
	assert.Equal(t, "1", pe.Actual)
}

func TestCheckParityExcludesConsumedSourceLines(t *testing.T) {
	src, cand := parityFixture()

	// A fully received source line is not part of the comparison set.
	src.Lines[0].ReceivedQty = src.Lines[0].Qty
	cand.Lines = cand.Lines[1:]
	cand.Lines[0].RowNo = 1
	cand.RecomputeTotals()

	// Header totals still compare against the full source header, so align
	// the source header with the surviving line.
	src.Lines = src.Lines[1:]
	src.RecomputeTotals()

	assert.NoError(t, CheckParity(src, cand))
}

func TestCheckParityMissingBackReference(t *testing.T) {
	src, cand := parityFixture()
	cand.Lines[0].SourceLineID = nil

	err := CheckParity(src, cand)
	require.Error(t, err)
	var pe *ParityError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "source_line_id", pe.Field)
	assert.Equal(t, "set", pe.Expected)
}

func TestCheckParityDuplicateBackReference(t *testing.T) {
	src, cand := parityFixture()
	cand.Lines[1].SourceLineID = cand.Lines[0].SourceLineID

	err := CheckParity(src, cand)
	require.Error(t, err)
	var pe *ParityError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 2, pe.RowNo)
	assert.Equal(t, "source_line_id", pe.Field)
}

func TestCheckParityUnknownBackReference(t *testing.T) {
	src, cand := parityFixture()
	bogus := int64(999)
	cand.Lines[0].SourceLineID = &bogus

	err := CheckParity(src, cand)
	require.Error(t, err)
	var pe *ParityError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "source_line_id", pe.Field)
}

func TestCheckParityStaleHeaderCannotMaskEditedLines(t *testing.T) {
	src, cand := parityFixture()

	// The header still carries the original totals but a line was edited;
	// the walk re-derives candidate totals before comparing.
	cand.Lines[0].NetAmount = dec(200)
	cand.Lines[0].NetAmountBase = dec(200)

	report := BuildMatchReport(src, cand)
	assert.False(t, report.Match)
	fields := make(map[string]bool)
	for _, d := range report.Diffs {
		fields[d.Field] = true
	}
	assert.True(t, fields["net_amount"])
	assert.True(t, fields["net_total"])
	assert.True(t, fields["grand_total"])
}

func TestCheckParityHeaderTax(t *testing.T) {
	src, cand := parityFixture()
	cand.TaxTotal = dec(18)
	cand.TaxTotalBase = dec(18)

	err := CheckParity(src, cand)
	require.Error(t, err)
	var pe *ParityError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 0, pe.RowNo)
	assert.Equal(t, "tax_total", pe.Field)
}

func TestBuildMatchReportCollectsAllDiffs(t *testing.T) {
	src, cand := parityFixture()
	cand.Lines[0].Qty = dec(9)
	cand.Lines[0].StockQty = dec(9)
	cand.Lines[1].ItemCode = "WIDGET-X"

	report := BuildMatchReport(src, cand)
	assert.False(t, report.Match)
	assert.GreaterOrEqual(t, len(report.Diffs), 3)

	clean := BuildMatchReport(src, func() *Document { _, c := parityFixture(); return c }())
	assert.True(t, clean.Match)
	assert.Empty(t, clean.Diffs)
}

func TestUnreceivedArithmetic(t *testing.T) {
	line := Line{
		Qty:         dec(10),
		ReturnedQty: dec(2),
		ReceivedQty: dec(5),
	}
	assert.True(t, line.Unreceived().Equal(dec(7)))

	line.ReceivedQty = dec(12)
	assert.True(t, line.Unreceived().Equal(dec(0)))
}
