package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/meridian-erp/meridian/internal/shared"
)

// Service validates and applies settings changes.
type Service struct {
	logger *slog.Logger
	repo   Repository
	audit  shared.Auditor
	now    func() time.Time
}

// NewService constructs the settings service.
func NewService(logger *slog.Logger, repo Repository, audit shared.Auditor) *Service {
	return &Service{logger: logger, repo: repo, audit: audit, now: time.Now}
}

// WithNow overrides the service clock for testing.
func (s *Service) WithNow(fn func() time.Time) *Service {
	if fn != nil {
		s.now = fn
	}
	return s
}

// BranchAccounting returns the current control record.
func (s *Service) BranchAccounting(ctx context.Context) (BranchAccounting, error) {
	return s.repo.GetBranchAccounting(ctx)
}

// UpdateBranchAccounting validates and stores the control record. Enabling
// the rewrite requires all four accounts so a half-configured record can
// never produce one-sided postings.
func (s *Service) UpdateBranchAccounting(ctx context.Context, rec BranchAccounting) (BranchAccounting, error) {
	rec.TransitAccount = strings.TrimSpace(rec.TransitAccount)
	rec.TransferAccount = strings.TrimSpace(rec.TransferAccount)
	rec.DebtorAccount = strings.TrimSpace(rec.DebtorAccount)
	rec.CreditorAccount = strings.TrimSpace(rec.CreditorAccount)
	if rec.Enabled && !rec.Complete() {
		return BranchAccounting{}, fmt.Errorf("%w: enabling requires transit, transfer, debtor and creditor accounts", ErrInvalidUpdate)
	}

	rec.UpdatedAt = s.now()
	if actor, ok := shared.ActorFromContext(ctx); ok {
		rec.UpdatedBy = actor.ID
	}

	saved, err := s.repo.SaveBranchAccounting(ctx, rec)
	if err != nil {
		return BranchAccounting{}, err
	}

	if s.audit != nil {
		if err := s.audit.Record(ctx, shared.AuditLog{
			Actor:    saved.UpdatedBy,
			Action:   "settings.branch_accounting.update",
			Entity:   "branch_accounting_settings",
			EntityID: "1",
			Meta: map[string]any{
				"enabled":       saved.Enabled,
				"force_rewrite": saved.ForceRewrite,
			},
			At: saved.UpdatedAt,
		}); err != nil {
			s.logger.Warn("audit settings update", slog.Any("error", err))
		}
	}
	return saved, nil
}

// UnitParty resolves the internal party for a unit tax ID.
func (s *Service) UnitParty(ctx context.Context, taxID string) (UnitParty, error) {
	if NormalizeTaxID(taxID) == "" {
		return UnitParty{}, fmt.Errorf("%w: empty tax id", ErrNoUnitParty)
	}
	return s.repo.GetUnitParty(ctx, taxID)
}

// IsRegisteredUnit reports whether the tax ID belongs to one of the
// consolidated business's own units.
func (s *Service) IsRegisteredUnit(ctx context.Context, taxID string) (bool, error) {
	_, err := s.UnitParty(ctx, taxID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNoUnitParty) {
		return false, nil
	}
	return false, err
}

// ListUnitParties returns the unit registry.
func (s *Service) ListUnitParties(ctx context.Context) ([]UnitParty, error) {
	return s.repo.ListUnitParties(ctx)
}

// RegisterUnitParty adds or updates a registry entry.
func (s *Service) RegisterUnitParty(ctx context.Context, rec UnitParty) error {
	rec.TaxID = NormalizeTaxID(rec.TaxID)
	rec.Party = strings.TrimSpace(rec.Party)
	if rec.TaxID == "" || rec.Party == "" {
		return fmt.Errorf("%w: tax id and party required", ErrInvalidUpdate)
	}
	if err := s.repo.UpsertUnitParty(ctx, rec); err != nil {
		return err
	}
	if s.audit != nil {
		actor, _ := shared.ActorFromContext(ctx)
		if err := s.audit.Record(ctx, shared.AuditLog{
			Actor:    actor.ID,
			Action:   "settings.unit_party.upsert",
			Entity:   "unit_parties",
			EntityID: rec.TaxID,
			Meta:     map[string]any{"party": rec.Party},
			At:       s.now(),
		}); err != nil {
			s.logger.Warn("audit unit party upsert", slog.Any("error", err))
		}
	}
	return nil
}

// StockAccount resolves the posting account for a warehouse.
func (s *Service) StockAccount(ctx context.Context, warehouse string) (string, error) {
	if strings.TrimSpace(warehouse) == "" {
		return "", fmt.Errorf("%w: warehouse required", ErrNotFound)
	}
	return s.repo.StockAccount(ctx, warehouse)
}

// ListWarehouseAccounts returns the warehouse account map.
func (s *Service) ListWarehouseAccounts(ctx context.Context) ([]WarehouseAccount, error) {
	return s.repo.ListWarehouseAccounts(ctx)
}

// SetWarehouseAccount adds or updates a warehouse account mapping.
func (s *Service) SetWarehouseAccount(ctx context.Context, rec WarehouseAccount) error {
	rec.Warehouse = strings.TrimSpace(rec.Warehouse)
	rec.Account = strings.TrimSpace(rec.Account)
	if rec.Warehouse == "" || rec.Account == "" {
		return fmt.Errorf("%w: warehouse and account required", ErrInvalidUpdate)
	}
	return s.repo.UpsertWarehouseAccount(ctx, rec)
}
