package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian/internal/settings"
)

// TaxDeriver re-derives header tax for a counterpart from its new party and
// addresses. Tax computation itself is an external collaborator; the engine
// only guarantees it is invoked instead of copying the source figures.
type TaxDeriver interface {
	DeriveTax(ctx context.Context, doc *Document) (tax, taxBase decimal.Decimal, err error)
}

// MirrorTaxDeriver is the default deriver: for internal transfers the two
// sides of one consolidated business carry symmetric tax, so the counterpart
// inherits the source's header tax figures.
type MirrorTaxDeriver struct {
	Source *Document
}

// DeriveTax returns the source document's header tax.
func (d MirrorTaxDeriver) DeriveTax(_ context.Context, _ *Document) (decimal.Decimal, decimal.Decimal, error) {
	return d.Source.TaxTotal, d.Source.TaxTotalBase, nil
}

// GeneratorDeps carries the resolved collaborators BuildCounterpart needs.
// The service resolves them so the builder itself stays deterministic.
type GeneratorDeps struct {
	// TargetRole is the role of the document being generated.
	TargetRole Role
	// Party is the internal party record representing the issuing unit on
	// the receiving side's books.
	Party settings.UnitParty
	// Number is the pre-allocated document number for the counterpart.
	Number string
	// Tax re-derives header tax for the new party; never nil.
	Tax TaxDeriver
	// Now stamps the draft.
	Now time.Time
}

// counterpartTarget returns the role generated from a source role, honouring
// the stocked chain: a SalesBill may generate the intermediate Receipt
// instead of the PurchaseBill, and a Receipt in Different scope generates
// the PurchaseBill that completes the chain.
func counterpartTarget(source *Document, cls Classification, stocked bool) (Role, error) {
	switch source.Role {
	case RoleDispatch:
		if cls.Scope != ScopeSame {
			return "", fmt.Errorf("%w: dispatch %d classified %s", ErrWrongScope, source.ID, cls.Scope)
		}
		return RoleReceipt, nil
	case RoleSalesBill:
		if cls.Scope != ScopeDifferent {
			return "", fmt.Errorf("%w: sales bill %d classified %s", ErrWrongScope, source.ID, cls.Scope)
		}
		if stocked {
			return RoleReceipt, nil
		}
		return RolePurchaseBill, nil
	case RoleReceipt:
		if cls.Scope != ScopeDifferent {
			return "", fmt.Errorf("%w: receipt %d can only generate in the stocked chain", ErrWrongRole, source.ID)
		}
		return RolePurchaseBill, nil
	default:
		return "", fmt.Errorf("%w: %s cannot generate a counterpart", ErrWrongRole, source.Role)
	}
}

// BuildCounterpart constructs the candidate counterpart document for a
// submitted source. It applies the role-specific header inversions, nets
// line quantities against what was already received, clears every field the
// receiving side must re-derive, and refuses outright when a non-cancelled
// counterpart already exists. The returned document is a draft; persistence
// and the atomic bidirectional reference write belong to the caller.
func BuildCounterpart(ctx context.Context, source *Document, deps GeneratorDeps) (*Document, error) {
	if source.Status != StatusSubmitted {
		return nil, fmt.Errorf("%w: source %d", ErrNotSubmitted, source.ID)
	}
	// A Receipt acting as the stocked-chain intermediate legitimately
	// carries a canonical reference to its SalesBill; for every other source
	// an existing reference means a counterpart was already generated.
	if source.Role != RoleReceipt && source.CounterpartRef != nil {
		return nil, fmt.Errorf("%w: source %d already references document %d",
			ErrAlreadyLinked, source.ID, *source.CounterpartRef)
	}
	if deps.Party.Party == "" {
		return nil, fmt.Errorf("%w %q", settings.ErrNoUnitParty, source.UnitTaxID)
	}

	doc := &Document{
		Number: deps.Number,
		Role:   deps.TargetRole,
		Status: StatusDraft,
		// The counterpart is owned by the receiving unit; tax IDs swap.
		UnitTaxID:         source.CounterpartyTaxID,
		CounterpartyTaxID: source.UnitTaxID,
		Party:             deps.Party.Party,
		Internal:          true,
		PostingDate:       source.PostingDate,
		Currency:          source.Currency,
		// Own-location and counterparty addresses invert, as do the
		// shipping/dispatch pair.
		UnitAddress:         source.CounterpartyAddress,
		CounterpartyAddress: source.UnitAddress,
		ShippingAddress:     source.DispatchAddress,
		DispatchAddress:     source.ShippingAddress,
		CreatedAt:           deps.Now,
		UpdatedAt:           deps.Now,
	}
	// Same-scope documents share the registration on both sides.
	if doc.UnitTaxID == "" {
		doc.UnitTaxID = source.UnitTaxID
	}

	rowNo := 0
	for _, line := range source.Lines {
		outstanding := line.Unreceived()
		if outstanding.Sign() <= 0 {
			continue
		}
		rowNo++
		srcID := line.ID
		doc.Lines = append(doc.Lines, Line{
			RowNo:         rowNo,
			ItemCode:      line.ItemCode,
			UOM:           line.UOM,
			Qty:           outstanding,
			StockQty:      line.StockQty,
			Rate:          line.Rate,
			RateBase:      line.RateBase,
			Amount:        outstanding.Mul(line.Rate).Round(moneyScale),
			AmountBase:    outstanding.Mul(line.RateBase).Round(moneyScale),
			NetAmount:     line.NetAmount,
			NetAmountBase: line.NetAmountBase,
			// Location, costing and expense fields are cleared so the
			// receiving side's own derivation fills them in.
			Warehouse:      "",
			CostCenter:     "",
			ExpenseAccount: "",
			SourceLineID:   &srcID,
			TransferRate:   line.Rate,
			ValuationRate:  line.ValuationRate,
		})
	}
	if len(doc.Lines) == 0 {
		return nil, fmt.Errorf("%w: source %d", ErrFullyReceived, source.ID)
	}

	tax, taxBase, err := deps.Tax.DeriveTax(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("transfer: derive tax for counterpart of %d: %w", source.ID, err)
	}
	doc.TaxTotal = tax
	doc.TaxTotalBase = taxBase
	doc.RecomputeTotals()

	// The stocked chain's PurchaseBill carries the intermediate Receipt on
	// the secondary link and the originating SalesBill on the canonical one.
	if source.Role == RoleReceipt && deps.TargetRole == RolePurchaseBill {
		receiptID := source.ID
		doc.ReceiptRef = &receiptID
	}

	if err := CheckParity(source, doc); err != nil {
		return nil, err
	}
	return doc, nil
}
