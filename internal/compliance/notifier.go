// Package compliance emits movement notifications for internal stock
// transfers. Tax regimes that require a transport document for goods moving
// between branches expect a notification whenever a same-registration
// dispatch above a value threshold is submitted.
package compliance

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/meridian-erp/meridian/internal/shared"
	"github.com/meridian-erp/meridian/internal/transfer"
)

// DefaultThreshold is the consignment value below which no movement
// notification is required.
var DefaultThreshold = decimal.NewFromInt(50000)

// Notifier records movement notifications for submitted internal transfers.
// It implements the transfer.Notifier port and is deliberately best effort:
// the caller surfaces failures as warnings, never as submit blockers.
type Notifier struct {
	logger    *slog.Logger
	audit     shared.Auditor
	printer   *message.Printer
	threshold decimal.Decimal
	now       func() time.Time
}

// NewNotifier constructs a notifier. A zero threshold falls back to
// DefaultThreshold.
func NewNotifier(logger *slog.Logger, audit shared.Auditor, threshold decimal.Decimal) *Notifier {
	if threshold.Sign() <= 0 {
		threshold = DefaultThreshold
	}
	return &Notifier{
		logger:    logger,
		audit:     audit,
		printer:   message.NewPrinter(language.English),
		threshold: threshold,
		now:       time.Now,
	}
}

var _ transfer.Notifier = (*Notifier)(nil)

// TransferSubmitted emits the movement notification for one submitted
// document. Consignments under the threshold are skipped silently.
func (n *Notifier) TransferSubmitted(ctx context.Context, doc *transfer.Document) error {
	if doc.GrandTotalBase.LessThan(n.threshold) {
		return nil
	}

	qty := decimal.Zero
	for _, l := range doc.Lines {
		qty = qty.Add(l.StockQty)
	}
	value, _ := doc.GrandTotalBase.Float64()
	totalQty, _ := qty.Float64()

	n.logger.Info("movement notification",
		slog.String("document", doc.Number),
		slog.String("role", string(doc.Role)),
		slog.String("from", doc.DispatchAddress),
		slog.String("to", doc.ShippingAddress),
		slog.String("consignment_value", n.printer.Sprintf("%.2f", value)),
		slog.String("total_qty", n.printer.Sprintf("%.3f", totalQty)),
	)

	if n.audit == nil {
		return nil
	}
	return n.audit.Record(ctx, shared.AuditLog{
		Actor:    "system",
		Action:   "movement_notified",
		Entity:   "transfer_documents",
		EntityID: n.printer.Sprintf("%d", doc.ID),
		Meta: map[string]any{
			"number":            doc.Number,
			"consignment_value": doc.GrandTotalBase.String(),
			"line_count":        len(doc.Lines),
		},
		At: n.now(),
	})
}
