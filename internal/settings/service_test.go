package settings

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian/internal/shared"
)

// ============================================================================
// MOCK REPOSITORY
// ============================================================================

type mockRepository struct {
	branch     BranchAccounting
	parties    map[string]UnitParty
	warehouses map[string]string
	saveErr    error
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		parties:    make(map[string]UnitParty),
		warehouses: make(map[string]string),
	}
}

func (m *mockRepository) GetBranchAccounting(ctx context.Context) (BranchAccounting, error) {
	return m.branch, nil
}

func (m *mockRepository) SaveBranchAccounting(ctx context.Context, rec BranchAccounting) (BranchAccounting, error) {
	if m.saveErr != nil {
		return BranchAccounting{}, m.saveErr
	}
	m.branch = rec
	return rec, nil
}

func (m *mockRepository) GetUnitParty(ctx context.Context, taxID string) (UnitParty, error) {
	rec, ok := m.parties[NormalizeTaxID(taxID)]
	if !ok {
		return UnitParty{}, ErrNoUnitParty
	}
	return rec, nil
}

func (m *mockRepository) ListUnitParties(ctx context.Context) ([]UnitParty, error) {
	out := make([]UnitParty, 0, len(m.parties))
	for _, rec := range m.parties {
		out = append(out, rec)
	}
	return out, nil
}

func (m *mockRepository) UpsertUnitParty(ctx context.Context, rec UnitParty) error {
	m.parties[NormalizeTaxID(rec.TaxID)] = rec
	return nil
}

func (m *mockRepository) StockAccount(ctx context.Context, warehouse string) (string, error) {
	account, ok := m.warehouses[warehouse]
	if !ok {
		return "", ErrNotFound
	}
	return account, nil
}

func (m *mockRepository) ListWarehouseAccounts(ctx context.Context) ([]WarehouseAccount, error) {
	out := make([]WarehouseAccount, 0, len(m.warehouses))
	for warehouse, account := range m.warehouses {
		out = append(out, WarehouseAccount{Warehouse: warehouse, Account: account})
	}
	return out, nil
}

func (m *mockRepository) UpsertWarehouseAccount(ctx context.Context, rec WarehouseAccount) error {
	m.warehouses[rec.Warehouse] = rec.Account
	return nil
}

type mockAuditor struct {
	entries []shared.AuditLog
}

func (m *mockAuditor) Record(ctx context.Context, entry shared.AuditLog) error {
	m.entries = append(m.entries, entry)
	return nil
}

func (m *mockAuditor) ListByEntity(ctx context.Context, entity, entityID string, limit int) ([]shared.AuditLog, error) {
	return nil, nil
}

func newTestService(repo Repository, audit shared.Auditor) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(logger, repo, audit).
		WithNow(func() time.Time { return time.Date(2026, 3, 20, 10, 0, 0, 0, time.UTC) })
}

// ============================================================================
// BRANCH ACCOUNTING
// ============================================================================

func TestUpdateBranchAccounting(t *testing.T) {
	repo := newMockRepository()
	audit := &mockAuditor{}
	svc := newTestService(repo, audit)
	ctx := shared.ContextWithActor(context.Background(), shared.Actor{ID: "ops@meridian", Role: shared.RoleSupervisor})

	saved, err := svc.UpdateBranchAccounting(ctx, BranchAccounting{
		Enabled:         true,
		TransitAccount:  " 1910 - Branch Transit ",
		TransferAccount: "4910 - Internal Transfers",
		DebtorAccount:   "1310 - Internal Debtors",
		CreditorAccount: "2110 - Internal Creditors",
	})
	require.NoError(t, err)
	assert.Equal(t, "1910 - Branch Transit", saved.TransitAccount)
	assert.Equal(t, "ops@meridian", saved.UpdatedBy)
	assert.Equal(t, time.Date(2026, 3, 20, 10, 0, 0, 0, time.UTC), saved.UpdatedAt)

	require.Len(t, audit.entries, 1)
	assert.Equal(t, "settings.branch_accounting.update", audit.entries[0].Action)

	loaded, err := svc.BranchAccounting(ctx)
	require.NoError(t, err)
	assert.True(t, loaded.Complete())
}

func TestUpdateBranchAccountingRejectsHalfConfigured(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo, nil)

	_, err := svc.UpdateBranchAccounting(context.Background(), BranchAccounting{
		Enabled:        true,
		TransitAccount: "1910 - Branch Transit",
	})
	assert.ErrorIs(t, err, ErrInvalidUpdate)
	assert.False(t, repo.branch.Enabled)
}

func TestUpdateBranchAccountingDisabledSkipsAccountCheck(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo, nil)

	saved, err := svc.UpdateBranchAccounting(context.Background(), BranchAccounting{Enabled: false})
	require.NoError(t, err)
	assert.False(t, saved.Enabled)
	assert.False(t, saved.Complete())
}

func TestBranchAccountingExempt(t *testing.T) {
	cutoff := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	rec := BranchAccounting{CutoffDate: &cutoff}

	assert.True(t, rec.Exempt(time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)))
	assert.False(t, rec.Exempt(cutoff))
	assert.False(t, rec.Exempt(time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)))

	rec.CutoffDate = nil
	assert.False(t, rec.Exempt(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)))
}

// ============================================================================
// UNIT REGISTRY
// ============================================================================

func TestUnitPartyNormalizesTaxID(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo, &mockAuditor{})
	ctx := context.Background()

	require.NoError(t, svc.RegisterUnitParty(ctx, UnitParty{
		TaxID:    " 29aaacm1234f1z5 ",
		Party:    " Meridian Bengaluru ",
		UnitName: "Bengaluru",
	}))

	rec, err := svc.UnitParty(ctx, "29AAACM1234F1Z5")
	require.NoError(t, err)
	assert.Equal(t, "Meridian Bengaluru", rec.Party)

	registered, err := svc.IsRegisteredUnit(ctx, "29aaacm1234f1z5")
	require.NoError(t, err)
	assert.True(t, registered)

	registered, err = svc.IsRegisteredUnit(ctx, "33AAACM1234F1Z2")
	require.NoError(t, err)
	assert.False(t, registered)
}

func TestUnitPartyRejectsEmpty(t *testing.T) {
	svc := newTestService(newMockRepository(), nil)

	_, err := svc.UnitParty(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrNoUnitParty)

	err = svc.RegisterUnitParty(context.Background(), UnitParty{TaxID: "29AAACM1234F1Z5"})
	assert.ErrorIs(t, err, ErrInvalidUpdate)
}

// ============================================================================
// WAREHOUSE ACCOUNTS
// ============================================================================

func TestStockAccountResolution(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo, nil)
	ctx := context.Background()

	require.NoError(t, svc.SetWarehouseAccount(ctx, WarehouseAccount{
		Warehouse: "BLR-MAIN",
		Account:   "1410 - Stock Bengaluru",
	}))

	account, err := svc.StockAccount(ctx, "BLR-MAIN")
	require.NoError(t, err)
	assert.Equal(t, "1410 - Stock Bengaluru", account)

	_, err = svc.StockAccount(ctx, "MAA-MAIN")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.StockAccount(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)

	err = svc.SetWarehouseAccount(ctx, WarehouseAccount{Warehouse: "BLR-MAIN"})
	assert.ErrorIs(t, err, ErrInvalidUpdate)
}
