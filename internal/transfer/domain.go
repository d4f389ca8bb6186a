package transfer

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Role enumerates the four transfer document roles.
type Role string

const (
	RoleDispatch     Role = "DISPATCH"
	RoleReceipt      Role = "RECEIPT"
	RoleSalesBill    Role = "SALES_BILL"
	RolePurchaseBill Role = "PURCHASE_BILL"
)

// Source reports whether documents of this role originate transfer chains.
func (r Role) Source() bool {
	return r == RoleDispatch || r == RoleSalesBill
}

// Generated reports whether documents of this role are produced as
// counterparts. A Receipt may additionally act as the stocked-chain
// intermediate between a SalesBill and a PurchaseBill.
func (r Role) Generated() bool {
	return r == RoleReceipt || r == RolePurchaseBill
}

// Valid reports whether the role is one of the four known values.
func (r Role) Valid() bool {
	switch r {
	case RoleDispatch, RoleReceipt, RoleSalesBill, RolePurchaseBill:
		return true
	}
	return false
}

// Status enumerates document lifecycle states.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusSubmitted Status = "SUBMITTED"
	StatusCancelled Status = "CANCELLED"
)

// Sentinel errors.
var (
	ErrNotFound        = errors.New("transfer: document not found")
	ErrAlreadyLinked   = errors.New("transfer: already linked")
	ErrFullyReceived   = errors.New("transfer: quantity already fully received")
	ErrAmbiguousSource = errors.New("transfer: ambiguous source")
	ErrDuplicateLink   = errors.New("transfer: duplicate source links")
	ErrWrongRole       = errors.New("transfer: wrong document role for link")
	ErrWrongScope      = errors.New("transfer: link violates jurisdiction scope")
	ErrLinkRequired    = errors.New("transfer: generated document requires a source link")
	ErrParity          = errors.New("transfer: parity violation")
	ErrNotSubmitted    = errors.New("transfer: document not submitted")
	ErrNotDraft        = errors.New("transfer: document not draft")
	ErrCancelled       = errors.New("transfer: document cancelled")
	ErrStillReferenced = errors.New("transfer: document still referenced")
	ErrSelfLink        = errors.New("transfer: document cannot link to itself")
)

// Quantities and rates compare at six decimal places, money at two.
const (
	qtyScale   = 6
	moneyScale = 2
)

func eq6(a, b decimal.Decimal) bool {
	return a.Round(qtyScale).Equal(b.Round(qtyScale))
}

func eq2(a, b decimal.Decimal) bool {
	return a.Round(moneyScale).Equal(b.Round(moneyScale))
}

// Document is one transfer voucher in any of the four roles. CounterpartRef
// is the canonical cross-reference; LegacyRef is the historical same-role
// reference consulted but no longer written; ReceiptRef is the secondary
// link used only by the stocked SalesBill-Receipt-PurchaseBill chain.
type Document struct {
	ID                  int64           `json:"id"`
	Number              string          `json:"number"`
	Role                Role            `json:"role"`
	Status              Status          `json:"status"`
	UnitTaxID           string          `json:"unit_tax_id"`
	CounterpartyTaxID   string          `json:"counterparty_tax_id"`
	Party               string          `json:"party"`
	Internal            bool            `json:"internal"`
	PostingDate         time.Time       `json:"posting_date"`
	Currency            string          `json:"currency"`
	UnitAddress         string          `json:"unit_address"`
	CounterpartyAddress string          `json:"counterparty_address"`
	ShippingAddress     string          `json:"shipping_address"`
	DispatchAddress     string          `json:"dispatch_address"`
	CounterpartRef      *int64          `json:"counterpart_ref,omitempty"`
	LegacyRef           *int64          `json:"legacy_ref,omitempty"`
	ReceiptRef          *int64          `json:"receipt_ref,omitempty"`
	NetTotal            decimal.Decimal `json:"net_total"`
	TaxTotal            decimal.Decimal `json:"tax_total"`
	GrandTotal          decimal.Decimal `json:"grand_total"`
	NetTotalBase        decimal.Decimal `json:"net_total_base"`
	TaxTotalBase        decimal.Decimal `json:"tax_total_base"`
	GrandTotalBase      decimal.Decimal `json:"grand_total_base"`
	Lines               []Line          `json:"lines,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// Line is one row of a transfer document. SourceLineID back-references the
// exact source line a generated line mirrors and is unique within the parent.
type Line struct {
	ID             int64           `json:"id"`
	DocumentID     int64           `json:"document_id"`
	RowNo          int             `json:"row_no"`
	ItemCode       string          `json:"item_code"`
	UOM            string          `json:"uom"`
	Qty            decimal.Decimal `json:"qty"`
	StockQty       decimal.Decimal `json:"stock_qty"`
	Rate           decimal.Decimal `json:"rate"`
	RateBase       decimal.Decimal `json:"rate_base"`
	Amount         decimal.Decimal `json:"amount"`
	AmountBase     decimal.Decimal `json:"amount_base"`
	NetAmount      decimal.Decimal `json:"net_amount"`
	NetAmountBase  decimal.Decimal `json:"net_amount_base"`
	Warehouse      string          `json:"warehouse"`
	CostCenter     string          `json:"cost_center"`
	ExpenseAccount string          `json:"expense_account"`
	SourceLineID   *int64          `json:"source_line_id,omitempty"`
	TransferRate   decimal.Decimal `json:"transfer_rate"`
	ReceivedQty    decimal.Decimal `json:"received_qty"`
	ReturnedQty    decimal.Decimal `json:"returned_qty"`
	ValuationRate  decimal.Decimal `json:"valuation_rate"`
}

// Unreceived returns the outstanding quantity against this source line:
// ordered quantity plus returns minus what counterparts already took.
func (l Line) Unreceived() decimal.Decimal {
	return l.Qty.Add(l.ReturnedQty).Sub(l.ReceivedQty)
}

// RecomputeTotals re-derives the header totals from the lines. Tax stays a
// header-level figure owned by the external tax collaborator; the grand
// total is net plus tax on both currency axes.
func (d *Document) RecomputeTotals() {
	net := decimal.Zero
	netBase := decimal.Zero
	for _, line := range d.Lines {
		net = net.Add(line.NetAmount)
		netBase = netBase.Add(line.NetAmountBase)
	}
	d.NetTotal = net.Round(moneyScale)
	d.NetTotalBase = netBase.Round(moneyScale)
	d.GrandTotal = d.NetTotal.Add(d.TaxTotal).Round(moneyScale)
	d.GrandTotalBase = d.NetTotalBase.Add(d.TaxTotalBase).Round(moneyScale)
}

// Submittable reports whether the document can move to SUBMITTED.
func (d *Document) Submittable() error {
	switch d.Status {
	case StatusDraft:
		return nil
	case StatusCancelled:
		return ErrCancelled
	default:
		return fmt.Errorf("%w: document %d already submitted", ErrNotDraft, d.ID)
	}
}

// RefTargets collects the distinct document IDs this document points at.
func (d *Document) RefTargets() []int64 {
	seen := make(map[int64]bool, 3)
	var out []int64
	for _, ref := range []*int64{d.CounterpartRef, d.LegacyRef, d.ReceiptRef} {
		if ref == nil || seen[*ref] {
			continue
		}
		seen[*ref] = true
		out = append(out, *ref)
	}
	return out
}

// SourceRef returns the link a generated document carries back to its
// source: the canonical field when set, otherwise the legacy field.
func (d *Document) SourceRef() *int64 {
	if d.CounterpartRef != nil {
		return d.CounterpartRef
	}
	return d.LegacyRef
}

// CreateDocumentInput is the intake payload for a draft document.
type CreateDocumentInput struct {
	Number              string
	Role                Role
	UnitTaxID           string
	CounterpartyTaxID   string
	Party               string
	Internal            bool
	PostingDate         time.Time
	Currency            string
	UnitAddress         string
	CounterpartyAddress string
	ShippingAddress     string
	DispatchAddress     string
	TaxTotal            decimal.Decimal
	TaxTotalBase        decimal.Decimal
	Lines               []CreateLineInput
}

// CreateLineInput is one intake row.
type CreateLineInput struct {
	ItemCode      string
	UOM           string
	Qty           decimal.Decimal
	StockQty      decimal.Decimal
	Rate          decimal.Decimal
	RateBase      decimal.Decimal
	Amount        decimal.Decimal
	AmountBase    decimal.Decimal
	NetAmount     decimal.Decimal
	NetAmountBase decimal.Decimal
	Warehouse     string
	CostCenter    string
	ValuationRate decimal.Decimal
}

// Validate ensures the intake payload meets minimum criteria.
func (in CreateDocumentInput) Validate() error {
	if !in.Role.Valid() {
		return fmt.Errorf("transfer: unknown role %q", in.Role)
	}
	if in.Number == "" {
		return errors.New("transfer: document number required")
	}
	if in.PostingDate.IsZero() {
		return errors.New("transfer: posting date required")
	}
	if len(in.Lines) == 0 {
		return errors.New("transfer: at least one line required")
	}
	for idx, line := range in.Lines {
		if line.ItemCode == "" {
			return fmt.Errorf("transfer: line %d missing item code", idx+1)
		}
		if line.Qty.Sign() <= 0 {
			return fmt.Errorf("transfer: line %d quantity must be positive", idx+1)
		}
		if line.Rate.Sign() < 0 || line.NetAmount.Sign() < 0 {
			return fmt.Errorf("transfer: line %d negative amount", idx+1)
		}
	}
	return nil
}
