package transfer

import (
	"fmt"
	"strings"
)

// Scope classifies a transfer by tax jurisdiction.
type Scope string

const (
	// ScopeSame links Dispatch and Receipt: both sides share one GST
	// registration, so no invoice-based settlement is required.
	ScopeSame Scope = "SAME"
	// ScopeDifferent links SalesBill and PurchaseBill (optionally through an
	// intermediate Receipt) across two registrations.
	ScopeDifferent Scope = "DIFFERENT"
)

// ScopeSource records how a classification was reached so the defaulted case
// stays visible to operators and to debug_scope.
type ScopeSource string

const (
	ScopeSourceTaxIDs  ScopeSource = "tax_ids"
	ScopeSourceLink    ScopeSource = "existing_link"
	ScopeSourceDefault ScopeSource = "default"
)

// Classification is the resolved scope plus its provenance.
type Classification struct {
	Scope  Scope       `json:"scope"`
	Source ScopeSource `json:"source"`
}

// Defaulted reports whether the scope fell back to the stricter branch
// because neither tax ID nor an existing link could decide it.
func (c Classification) Defaulted() bool {
	return c.Source == ScopeSourceDefault
}

func normalizeTaxID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// Classify resolves the jurisdiction scope for a document. When both tax IDs
// are present the comparison decides; when one or both are missing the role
// of an already-linked counterpart decides; when nothing decides, the
// stricter Same branch is assumed rather than leaving the document unlinked.
func Classify(unitTaxID, counterpartyTaxID string, linkedRole *Role) Classification {
	unit := normalizeTaxID(unitTaxID)
	counterparty := normalizeTaxID(counterpartyTaxID)

	if unit != "" && counterparty != "" {
		if unit == counterparty {
			return Classification{Scope: ScopeSame, Source: ScopeSourceTaxIDs}
		}
		return Classification{Scope: ScopeDifferent, Source: ScopeSourceTaxIDs}
	}

	if linkedRole != nil {
		switch *linkedRole {
		case RoleDispatch, RoleReceipt:
			return Classification{Scope: ScopeSame, Source: ScopeSourceLink}
		case RoleSalesBill, RolePurchaseBill:
			return Classification{Scope: ScopeDifferent, Source: ScopeSourceLink}
		}
	}

	return Classification{Scope: ScopeSame, Source: ScopeSourceDefault}
}

// Pattern is the single legal (source role, generated role) pair for a scope.
type Pattern struct {
	SourceRole    Role `json:"source_role"`
	GeneratedRole Role `json:"generated_role"`
}

// LegalPattern returns the document pairing a scope permits on the canonical
// cross-reference. The stocked SalesBill-Receipt-PurchaseBill chain is a
// refinement of the Different pattern carried on the secondary link.
func LegalPattern(scope Scope) Pattern {
	if scope == ScopeSame {
		return Pattern{SourceRole: RoleDispatch, GeneratedRole: RoleReceipt}
	}
	return Pattern{SourceRole: RoleSalesBill, GeneratedRole: RolePurchaseBill}
}

// CounterpartRole returns the document role a given role pairs with under
// the scope's legal pattern. The stocked chain additionally allows a Receipt
// to stand in for either side of the Different pattern.
func CounterpartRole(role Role, scope Scope) Role {
	switch role {
	case RoleDispatch:
		return RoleReceipt
	case RoleReceipt:
		if scope == ScopeDifferent {
			return RoleSalesBill
		}
		return RoleDispatch
	case RoleSalesBill:
		return RolePurchaseBill
	case RolePurchaseBill:
		return RoleSalesBill
	}
	return ""
}

// ValidateLinks enforces the submit-time linkage contract on a generated
// document: exactly one outbound canonical link, the target's role matching
// the scope's legal pattern, and never links into both same-scope and
// different-scope roles at once. targets maps the IDs this document points
// at to the role of each target document.
func ValidateLinks(doc *Document, cls Classification, targets map[int64]Role) error {
	if !doc.Role.Generated() {
		return nil
	}

	var linked []int64
	for _, ref := range []*int64{doc.CounterpartRef, doc.LegacyRef} {
		if ref != nil {
			linked = append(linked, *ref)
		}
	}
	if len(linked) == 0 {
		return fmt.Errorf("%w: document %d has no counterpart", ErrLinkRequired, doc.ID)
	}
	if len(linked) > 1 && linked[0] != linked[1] {
		return fmt.Errorf("%w: document %d links %d and %d", ErrDuplicateLink, doc.ID, linked[0], linked[1])
	}

	sawSame, sawDifferent := false, false
	for id, role := range targets {
		switch role {
		case RoleDispatch, RoleReceipt:
			sawSame = true
		case RoleSalesBill, RolePurchaseBill:
			sawDifferent = true
		default:
			return fmt.Errorf("%w: document %d links unknown role on %d", ErrWrongRole, doc.ID, id)
		}
	}
	// A PurchaseBill in the stocked chain legitimately references both its
	// SalesBill (canonical) and the intermediate Receipt (secondary).
	if sawSame && sawDifferent && !(doc.Role == RolePurchaseBill && doc.ReceiptRef != nil) {
		return fmt.Errorf("%w: document %d links into both scopes", ErrAmbiguousSource, doc.ID)
	}

	want := CounterpartRole(doc.Role, cls.Scope)
	got, ok := targets[linked[0]]
	if !ok {
		return fmt.Errorf("%w: document %d counterpart %d not found", ErrNotFound, doc.ID, linked[0])
	}
	if got != want {
		return fmt.Errorf("%w: document %d expects a %s counterpart, linked %s %d",
			ErrWrongScope, doc.ID, want, got, linked[0])
	}
	return nil
}
