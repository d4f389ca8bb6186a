package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian/internal/transfer"
)

// StockAccountResolver maps a warehouse to its stock posting account.
// Implemented by the settings service.
type StockAccountResolver interface {
	StockAccount(ctx context.Context, warehouse string) (string, error)
}

// defaultClearingAccount receives the expense leg when a line names no
// expense account of its own; defaultStockAccount covers lines whose
// warehouse has not been derived yet.
const (
	defaultClearingAccount = "Stock Adjustment"
	defaultStockAccount    = "Stock In Hand"
)

// BuildGenericLines produces the standard two-leg stock-movement posting a
// Dispatch or Receipt would get without branch accounting: the stock account
// moves by the valuation amount against the line's expense account. This is
// the posting the rewrite engine replaces for same-scope transfers.
func BuildGenericLines(ctx context.Context, doc *transfer.Document, stocks StockAccountResolver) ([]Line, error) {
	if doc.Role != transfer.RoleDispatch && doc.Role != transfer.RoleReceipt {
		return nil, nil
	}

	type leg struct {
		stockAccount string
		expense      string
		amount       decimal.Decimal
	}
	legs := make(map[string]*leg)
	order := []string{}
	for _, line := range doc.Lines {
		valuation := line.StockQty.Mul(line.ValuationRate)
		if valuation.Sign() == 0 {
			valuation = line.NetAmountBase
		}
		account := defaultStockAccount
		if line.Warehouse != "" {
			resolved, err := stocks.StockAccount(ctx, line.Warehouse)
			if err != nil {
				return nil, fmt.Errorf("ledger: resolve stock account for warehouse %q: %w", line.Warehouse, err)
			}
			account = resolved
		}
		expense := line.ExpenseAccount
		if expense == "" {
			expense = defaultClearingAccount
		}
		key := account + "|" + expense
		if _, ok := legs[key]; !ok {
			legs[key] = &leg{stockAccount: account, expense: expense}
			order = append(order, key)
		}
		legs[key].amount = legs[key].amount.Add(valuation)
	}

	var lines []Line
	for _, key := range order {
		l := legs[key]
		amount := l.amount.Round(2)
		if amount.Sign() == 0 {
			continue
		}
		stockLine := Line{
			VoucherRole: doc.Role,
			VoucherID:   doc.ID,
			Account:     l.stockAccount,
			Against:     l.expense,
			PostingDate: doc.PostingDate,
			Remarks:     fmt.Sprintf("stock movement for %s", doc.Number),
		}
		expenseLine := Line{
			VoucherRole: doc.Role,
			VoucherID:   doc.ID,
			Account:     l.expense,
			Against:     l.stockAccount,
			PostingDate: doc.PostingDate,
			Remarks:     fmt.Sprintf("stock movement for %s", doc.Number),
		}
		if doc.Role == transfer.RoleDispatch {
			// Goods out: stock credits, expense debits.
			stockLine.Credit = amount
			stockLine.Debit = decimal.Zero
			expenseLine.Debit = amount
			expenseLine.Credit = decimal.Zero
		} else {
			stockLine.Debit = amount
			stockLine.Credit = decimal.Zero
			expenseLine.Credit = amount
			expenseLine.Debit = decimal.Zero
		}
		lines = append(lines, expenseLine, stockLine)
	}
	return lines, nil
}
