package settings

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists the branch accounting singleton and the unit registry.
type Repository interface {
	GetBranchAccounting(ctx context.Context) (BranchAccounting, error)
	SaveBranchAccounting(ctx context.Context, rec BranchAccounting) (BranchAccounting, error)
	GetUnitParty(ctx context.Context, taxID string) (UnitParty, error)
	ListUnitParties(ctx context.Context) ([]UnitParty, error)
	UpsertUnitParty(ctx context.Context, rec UnitParty) error
	StockAccount(ctx context.Context, warehouse string) (string, error)
	ListWarehouseAccounts(ctx context.Context) ([]WarehouseAccount, error)
	UpsertWarehouseAccount(ctx context.Context, rec WarehouseAccount) error
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository returns the postgres-backed settings repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

// GetBranchAccounting returns the singleton row. A missing row is not an
// error: it reads as the zero record, meaning the rewrite is off.
func (r *repository) GetBranchAccounting(ctx context.Context) (BranchAccounting, error) {
	var rec BranchAccounting
	err := r.db.QueryRow(ctx, `SELECT enabled, transit_account, transfer_account, debtor_account, creditor_account, force_rewrite, cutoff_date, updated_at, updated_by FROM branch_accounting_settings WHERE id=1`).
		Scan(&rec.Enabled, &rec.TransitAccount, &rec.TransferAccount, &rec.DebtorAccount, &rec.CreditorAccount, &rec.ForceRewrite, &rec.CutoffDate, &rec.UpdatedAt, &rec.UpdatedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BranchAccounting{}, nil
		}
		return BranchAccounting{}, err
	}
	return rec, nil
}

func (r *repository) SaveBranchAccounting(ctx context.Context, rec BranchAccounting) (BranchAccounting, error) {
	err := r.db.QueryRow(ctx, `
		INSERT INTO branch_accounting_settings (id, enabled, transit_account, transfer_account, debtor_account, creditor_account, force_rewrite, cutoff_date, updated_at, updated_by)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			enabled=EXCLUDED.enabled,
			transit_account=EXCLUDED.transit_account,
			transfer_account=EXCLUDED.transfer_account,
			debtor_account=EXCLUDED.debtor_account,
			creditor_account=EXCLUDED.creditor_account,
			force_rewrite=EXCLUDED.force_rewrite,
			cutoff_date=EXCLUDED.cutoff_date,
			updated_at=EXCLUDED.updated_at,
			updated_by=EXCLUDED.updated_by
		RETURNING updated_at`,
		rec.Enabled, rec.TransitAccount, rec.TransferAccount, rec.DebtorAccount, rec.CreditorAccount, rec.ForceRewrite, rec.CutoffDate, rec.UpdatedAt, rec.UpdatedBy).
		Scan(&rec.UpdatedAt)
	if err != nil {
		return BranchAccounting{}, err
	}
	return rec, nil
}

func (r *repository) GetUnitParty(ctx context.Context, taxID string) (UnitParty, error) {
	var rec UnitParty
	err := r.db.QueryRow(ctx, `SELECT tax_id, party, unit_name, created_at FROM unit_parties WHERE tax_id=$1`, NormalizeTaxID(taxID)).
		Scan(&rec.TaxID, &rec.Party, &rec.UnitName, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return UnitParty{}, ErrNoUnitParty
		}
		return UnitParty{}, err
	}
	return rec, nil
}

func (r *repository) ListUnitParties(ctx context.Context) ([]UnitParty, error) {
	rows, err := r.db.Query(ctx, `SELECT tax_id, party, unit_name, created_at FROM unit_parties ORDER BY tax_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UnitParty
	for rows.Next() {
		var rec UnitParty
		if err := rows.Scan(&rec.TaxID, &rec.Party, &rec.UnitName, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *repository) UpsertUnitParty(ctx context.Context, rec UnitParty) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO unit_parties (tax_id, party, unit_name, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (tax_id) DO UPDATE SET party=EXCLUDED.party, unit_name=EXCLUDED.unit_name`,
		NormalizeTaxID(rec.TaxID), rec.Party, rec.UnitName)
	return err
}

func (r *repository) StockAccount(ctx context.Context, warehouse string) (string, error) {
	var account string
	err := r.db.QueryRow(ctx, `SELECT account FROM warehouse_accounts WHERE warehouse=$1`, warehouse).Scan(&account)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return account, nil
}

func (r *repository) ListWarehouseAccounts(ctx context.Context) ([]WarehouseAccount, error) {
	rows, err := r.db.Query(ctx, `SELECT warehouse, account FROM warehouse_accounts ORDER BY warehouse`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WarehouseAccount
	for rows.Next() {
		var rec WarehouseAccount
		if err := rows.Scan(&rec.Warehouse, &rec.Account); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *repository) UpsertWarehouseAccount(ctx context.Context, rec WarehouseAccount) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO warehouse_accounts (warehouse, account)
		VALUES ($1, $2)
		ON CONFLICT (warehouse) DO UPDATE SET account=EXCLUDED.account`,
		rec.Warehouse, rec.Account)
	return err
}
