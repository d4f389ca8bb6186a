package settings

import (
	"errors"
	"strings"
	"time"
)

// Sentinel errors.
var (
	ErrNotFound      = errors.New("settings: not found")
	ErrNoUnitParty   = errors.New("settings: no party configured for unit")
	ErrInvalidUpdate = errors.New("settings: invalid update")
)

// BranchAccounting is the singleton control record for the ledger rewrite.
// A zero value means the feature is off and generic postings stand untouched.
type BranchAccounting struct {
	Enabled         bool       `json:"enabled"`
	TransitAccount  string     `json:"transit_account"`
	TransferAccount string     `json:"transfer_account"`
	DebtorAccount   string     `json:"debtor_account"`
	CreditorAccount string     `json:"creditor_account"`
	ForceRewrite    bool       `json:"force_rewrite"`
	CutoffDate      *time.Time `json:"cutoff_date,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
	UpdatedBy       string     `json:"updated_by"`
}

// Complete reports whether every rewrite account is configured.
func (b BranchAccounting) Complete() bool {
	return b.TransitAccount != "" && b.TransferAccount != "" &&
		b.DebtorAccount != "" && b.CreditorAccount != ""
}

// Exempt reports whether a posting date predates the validation cutoff.
func (b BranchAccounting) Exempt(postingDate time.Time) bool {
	return b.CutoffDate != nil && postingDate.Before(*b.CutoffDate)
}

// UnitParty maps a GST-registered unit's tax ID to the single internal party
// record that represents it on generated documents.
type UnitParty struct {
	TaxID     string    `json:"tax_id"`
	Party     string    `json:"party"`
	UnitName  string    `json:"unit_name"`
	CreatedAt time.Time `json:"created_at"`
}

// WarehouseAccount maps a warehouse to the stock account its movements post
// against. The generic posting builder resolves accounts through this table.
type WarehouseAccount struct {
	Warehouse string `json:"warehouse"`
	Account   string `json:"account"`
}

// NormalizeTaxID uppercases and trims a registration number for comparison.
func NormalizeTaxID(taxID string) string {
	return strings.ToUpper(strings.TrimSpace(taxID))
}
