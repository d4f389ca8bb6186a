package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian/internal/settings"
	"github.com/meridian-erp/meridian/internal/transfer"
)

// Rewrite replaces the generic stock-movement posting of a same-scope
// Dispatch or Receipt with the four-leg branch-accounting pattern. It is a
// pure function: on any condition it cannot resolve cleanly it returns
// Changed false with a reason and the generic lines stand unchanged. It
// never emits a partial set.
func Rewrite(doc *transfer.Document, generic []Line, cfg settings.BranchAccounting) RewriteResult {
	if !cfg.Enabled {
		return unchanged("branch accounting disabled")
	}
	if !cfg.Complete() {
		return unchanged("branch accounting accounts not configured")
	}
	if cfg.Exempt(doc.PostingDate) {
		return unchanged("posting date before cutoff")
	}
	if doc.Role != transfer.RoleDispatch && doc.Role != transfer.RoleReceipt {
		return unchanged("voucher role out of rewrite scope")
	}
	if len(generic) == 0 {
		return unchanged("no generic lines to rewrite")
	}

	transferAmount, reason := transferAmountOf(doc, cfg.ForceRewrite)
	if reason != "" {
		return unchanged(reason)
	}
	stockAccount, valuationAmount, reason := stockMovement(doc.Role, generic)
	if reason != "" {
		return unchanged(reason)
	}

	remarks := fmt.Sprintf("branch transfer posting for %s", doc.Number)
	base := Line{
		VoucherRole: doc.Role,
		VoucherID:   doc.ID,
		PostingDate: doc.PostingDate,
		Remarks:     remarks,
	}
	line := func(account string, debit, credit decimal.Decimal, against, party string) Line {
		l := base
		l.Account = account
		l.Debit = debit
		l.Credit = credit
		l.Against = against
		l.Party = party
		return l
	}

	var lines []Line
	zero := decimal.Zero
	if doc.Role == transfer.RoleDispatch {
		// Goods out: the issuing branch books a claim on the receiving
		// branch and moves stock value into transit.
		lines = []Line{
			line(cfg.DebtorAccount, transferAmount, zero, cfg.TransferAccount, doc.Party),
			line(cfg.TransferAccount, zero, transferAmount, cfg.DebtorAccount, ""),
			line(cfg.TransitAccount, valuationAmount, zero, stockAccount, ""),
			line(stockAccount, zero, valuationAmount, cfg.TransitAccount, ""),
		}
	} else {
		// Goods in: the mirror with the inter-branch creditor.
		lines = []Line{
			line(cfg.CreditorAccount, zero, transferAmount, cfg.TransferAccount, doc.Party),
			line(cfg.TransferAccount, transferAmount, zero, cfg.CreditorAccount, ""),
			line(cfg.TransitAccount, zero, valuationAmount, stockAccount, ""),
			line(stockAccount, valuationAmount, zero, cfg.TransitAccount, ""),
		}
	}

	if !Balanced(lines) {
		return unchanged("rewritten set does not balance")
	}
	return RewriteResult{Lines: lines, Changed: true}
}

// transferAmountOf sums the line billing amounts in base currency. When a
// line's billing amount cannot be derived the rewrite aborts unless the
// force flag permits falling back to the valuation figures.
func transferAmountOf(doc *transfer.Document, force bool) (decimal.Decimal, string) {
	total := decimal.Zero
	for _, l := range doc.Lines {
		amount := l.NetAmountBase
		if amount.Sign() == 0 && l.TransferRate.Sign() > 0 {
			amount = l.Qty.Mul(l.TransferRate)
		}
		if amount.Sign() == 0 {
			if !force {
				return decimal.Zero, fmt.Sprintf("billing amount unresolved for row %d", l.RowNo)
			}
			amount = l.StockQty.Mul(l.ValuationRate)
		}
		total = total.Add(amount)
	}
	if total.Sign() <= 0 {
		return decimal.Zero, "transfer amount is zero"
	}
	return total.Round(2), ""
}

// stockMovement finds the single stock account on the expected side of the
// generic posting (credit for goods out, debit for goods in) and its total.
func stockMovement(role transfer.Role, generic []Line) (string, decimal.Decimal, string) {
	account := ""
	total := decimal.Zero
	for _, l := range generic {
		var side decimal.Decimal
		if role == transfer.RoleDispatch {
			side = l.Credit
		} else {
			side = l.Debit
		}
		if side.Sign() <= 0 {
			continue
		}
		if account != "" && account != l.Account {
			return "", decimal.Zero, "more than one stock account in generic lines"
		}
		account = l.Account
		total = total.Add(side)
	}
	if account == "" {
		return "", decimal.Zero, "no stock movement account in generic lines"
	}
	if total.Sign() <= 0 {
		return "", decimal.Zero, "valuation amount is zero"
	}
	return account, total.Round(2), ""
}
