package ledger

import (
	"context"
	"log/slog"

	"github.com/meridian-erp/meridian/internal/observability"
	"github.com/meridian-erp/meridian/internal/settings"
	"github.com/meridian-erp/meridian/internal/transfer"
)

// SettingsPort exposes the configuration the posting pipeline consumes.
type SettingsPort interface {
	BranchAccounting(ctx context.Context) (settings.BranchAccounting, error)
	StockAccount(ctx context.Context, warehouse string) (string, error)
}

// PostingStore persists posting rows for the service.
type PostingStore interface {
	ReplaceLines(ctx context.Context, role transfer.Role, voucherID int64, lines []Line) error
	DeleteLines(ctx context.Context, role transfer.Role, voucherID int64) error
	ListLines(ctx context.Context, role transfer.Role, voucherID int64) ([]Line, error)
	CountLines(ctx context.Context, role transfer.Role, voucherID int64) (int, error)
}

// Service owns the posting pipeline: generic lines, the registered post
// processors, and persistence. It implements the transfer.LedgerPoster port
// and the coordinator's PostingBuilder port.
type Service struct {
	logger   *slog.Logger
	store    PostingStore
	registry *Registry
	settings SettingsPort
	vouchers VoucherSource
}

// NewService constructs the ledger service.
func NewService(logger *slog.Logger, store PostingStore, registry *Registry, settingsPort SettingsPort, vouchers VoucherSource) *Service {
	return &Service{
		logger:   logger,
		store:    store,
		registry: registry,
		settings: settingsPort,
		vouchers: vouchers,
	}
}

var _ PostingBuilder = (*Service)(nil)

// BuildPostingLines derives the full posting set for a voucher: the generic
// stock-movement lines passed through every registered post processor.
func (s *Service) BuildPostingLines(ctx context.Context, doc *transfer.Document) ([]Line, error) {
	generic, err := BuildGenericLines(ctx, doc, s.settings)
	if err != nil {
		return nil, err
	}
	return s.registry.Process(ctx, doc, generic)
}

// PostForDocument replaces the persisted posting set for a freshly
// submitted voucher.
func (s *Service) PostForDocument(ctx context.Context, doc *transfer.Document) error {
	lines, err := s.BuildPostingLines(ctx, doc)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return nil
	}
	return s.store.ReplaceLines(ctx, doc.Role, doc.ID, lines)
}

// RemoveForDocument clears the posting set for a cancelled voucher.
func (s *Service) RemoveForDocument(ctx context.Context, role transfer.Role, id int64) error {
	return s.store.DeleteLines(ctx, role, id)
}

// Lines returns the persisted posting set for one voucher.
func (s *Service) Lines(ctx context.Context, role transfer.Role, id int64) ([]Line, error) {
	return s.store.ListLines(ctx, role, id)
}

// BranchRewriteProcessor is the branch-accounting rewrite registered as a
// LedgerPostProcessor at composition time. It only touches same-scope
// Dispatch/Receipt vouchers; everything else passes through unchanged.
type BranchRewriteProcessor struct {
	logger   *slog.Logger
	settings SettingsPort
	metrics  *observability.Metrics
}

// NewBranchRewriteProcessor constructs the processor.
func NewBranchRewriteProcessor(logger *slog.Logger, settingsPort SettingsPort, metrics *observability.Metrics) *BranchRewriteProcessor {
	return &BranchRewriteProcessor{logger: logger, settings: settingsPort, metrics: metrics}
}

var _ LedgerPostProcessor = (*BranchRewriteProcessor)(nil)

// Name identifies the processor in the registry.
func (p *BranchRewriteProcessor) Name() string { return "branch_accounting_rewrite" }

// ProcessPostingLines applies the four-leg rewrite where it is in scope. An
// aborted rewrite is logged with its reason and the input lines stand: the
// generic posting is always valid even when not branch-accounting-correct.
func (p *BranchRewriteProcessor) ProcessPostingLines(ctx context.Context, doc *transfer.Document, lines []Line) ([]Line, error) {
	if !doc.Internal {
		return lines, nil
	}
	cls := transfer.Classify(doc.UnitTaxID, doc.CounterpartyTaxID, nil)
	if cls.Scope != transfer.ScopeSame {
		return lines, nil
	}
	cfg, err := p.settings.BranchAccounting(ctx)
	if err != nil {
		return nil, err
	}
	result := Rewrite(doc, lines, cfg)
	if !result.Changed {
		if p.logger != nil {
			p.logger.Info("ledger rewrite left generic posting",
				slog.String("voucher_role", string(doc.Role)),
				slog.Int64("voucher_id", doc.ID),
				slog.String("reason", result.Reason))
		}
		if p.metrics != nil {
			p.metrics.IncRewriteAbort(result.Reason)
		}
		return lines, nil
	}
	return result.Lines, nil
}

// ScopeSnapshot is the read-only diagnostic for operators: how a voucher is
// classified, which pattern is legal, how the amounts resolve, and the
// posting set the rewrite would emit.
type ScopeSnapshot struct {
	VoucherRole    transfer.Role             `json:"voucher_role"`
	VoucherID      int64                     `json:"voucher_id"`
	Number         string                    `json:"number"`
	Status         transfer.Status           `json:"status"`
	Classification transfer.Classification   `json:"classification"`
	LegalPattern   transfer.Pattern          `json:"legal_pattern"`
	Settings       settings.BranchAccounting `json:"settings"`
	TransferAmount string                    `json:"transfer_amount,omitempty"`
	AmountReason   string                    `json:"amount_reason,omitempty"`
	GenericLines   []Line                    `json:"generic_lines"`
	Rewrite        RewriteResult             `json:"rewrite"`
	PersistedLines int                       `json:"persisted_lines"`
}

// DebugScope builds the diagnostic snapshot without touching any state.
func (s *Service) DebugScope(ctx context.Context, role transfer.Role, id int64) (ScopeSnapshot, error) {
	doc, err := s.vouchers.Get(ctx, id)
	if err != nil {
		return ScopeSnapshot{}, err
	}
	cfg, err := s.settings.BranchAccounting(ctx)
	if err != nil {
		return ScopeSnapshot{}, err
	}
	cls := transfer.Classify(doc.UnitTaxID, doc.CounterpartyTaxID, nil)

	snapshot := ScopeSnapshot{
		VoucherRole:    doc.Role,
		VoucherID:      doc.ID,
		Number:         doc.Number,
		Status:         doc.Status,
		Classification: cls,
		LegalPattern:   transfer.LegalPattern(cls.Scope),
		Settings:       cfg,
	}

	amount, reason := transferAmountOf(doc, cfg.ForceRewrite)
	if reason != "" {
		snapshot.AmountReason = reason
	} else {
		snapshot.TransferAmount = amount.String()
	}

	generic, err := BuildGenericLines(ctx, doc, s.settings)
	if err != nil {
		return ScopeSnapshot{}, err
	}
	snapshot.GenericLines = generic
	snapshot.Rewrite = Rewrite(doc, generic, cfg)

	count, err := s.store.CountLines(ctx, role, id)
	if err != nil {
		return ScopeSnapshot{}, err
	}
	snapshot.PersistedLines = count
	return snapshot, nil
}
