package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-erp/meridian/internal/settings"
	"github.com/meridian-erp/meridian/internal/shared"
)

// RepositoryPort defines the persistence methods the service relies on.
type RepositoryPort interface {
	Create(ctx context.Context, input CreateDocumentInput, now time.Time) (*Document, error)
	Get(ctx context.Context, id int64) (*Document, error)
	List(ctx context.Context, filter ListFilter) ([]Document, int, error)
	InsertCounterpart(ctx context.Context, candidate *Document, refs []RefWrite) (*Document, error)
	ApplyRefWrites(ctx context.Context, writes []RefWrite) error
	SetStatus(ctx context.Context, id int64, status Status, now time.Time) error
	SetInternal(ctx context.Context, id int64, internal bool) error
	AdjustReceivedQty(ctx context.Context, candidateID int64, sign int) error
	FindReferencing(ctx context.Context, id int64, includeCancelled bool) ([]Document, error)
	Cancel(ctx context.Context, id int64, skipBacklink bool, now time.Time) error
	ListConvertible(ctx context.Context, from time.Time) ([]Document, error)
}

// SettingsPort exposes the branch-accounting configuration this engine
// consumes but does not own.
type SettingsPort interface {
	BranchAccounting(ctx context.Context) (settings.BranchAccounting, error)
	UnitParty(ctx context.Context, taxID string) (settings.UnitParty, error)
	IsRegisteredUnit(ctx context.Context, taxID string) (bool, error)
}

// LedgerPoster posts and removes ledger lines for a voucher. Implemented by
// the ledger service; optional so tests can run without a ledger.
type LedgerPoster interface {
	PostForDocument(ctx context.Context, doc *Document) error
	RemoveForDocument(ctx context.Context, role Role, id int64) error
}

// Notifier is the downstream compliance boundary (e-Waybill and friends).
// Failures never block submission.
type Notifier interface {
	TransferSubmitted(ctx context.Context, doc *Document) error
}

// Service coordinates the transfer document lifecycle.
type Service struct {
	logger   *slog.Logger
	repo     RepositoryPort
	settings SettingsPort
	ledger   LedgerPoster
	notifier Notifier
	audit    shared.Auditor
	tax      TaxDeriver
	now      func() time.Time
	number   func(role Role, source *Document) string
}

// NewService constructs the transfer service. ledger, notifier and audit may
// be nil; tax defaults to mirroring the source header figures.
func NewService(logger *slog.Logger, repo RepositoryPort, settingsPort SettingsPort, ledger LedgerPoster, notifier Notifier, audit shared.Auditor) *Service {
	return &Service{
		logger:   logger,
		repo:     repo,
		settings: settingsPort,
		ledger:   ledger,
		notifier: notifier,
		audit:    audit,
		now:      time.Now,
		number:   counterpartNumber,
	}
}

// WithNow overrides the service clock for testing.
func (s *Service) WithNow(fn func() time.Time) *Service {
	if fn != nil {
		s.now = fn
	}
	return s
}

// WithTaxDeriver installs a tax collaborator for generated counterparts.
func (s *Service) WithTaxDeriver(tax TaxDeriver) *Service {
	s.tax = tax
	return s
}

// WithNumberer overrides counterpart number allocation for testing.
func (s *Service) WithNumberer(fn func(Role, *Document) string) *Service {
	if fn != nil {
		s.number = fn
	}
	return s
}

func counterpartNumber(role Role, source *Document) string {
	prefix := map[Role]string{
		RoleDispatch:     "DSP",
		RoleReceipt:      "RCP",
		RoleSalesBill:    "SBL",
		RolePurchaseBill: "PBL",
	}[role]
	// A short random suffix keeps regenerated counterparts (after a cancel)
	// from colliding with the cancelled document's number.
	return fmt.Sprintf("%s-%s-%s", prefix, source.Number, strings.ToUpper(uuid.NewString()[:8]))
}

// Create stores a draft document.
func (s *Service) Create(ctx context.Context, input CreateDocumentInput) (*Document, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	if input.Currency == "" {
		input.Currency = "INR"
	}
	return s.repo.Create(ctx, input, s.now())
}

// Get loads one document with lines.
func (s *Service) Get(ctx context.Context, id int64) (*Document, error) {
	return s.repo.Get(ctx, id)
}

// List returns documents matching the filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Document, shared.Pagination, error) {
	docs, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return docs, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// ClassifyDocument resolves the jurisdiction scope for a document, using an
// existing counterpart's role as the fallback signal when tax IDs are
// incomplete.
func (s *Service) ClassifyDocument(ctx context.Context, doc *Document) Classification {
	var linkedRole *Role
	if doc.CounterpartRef != nil {
		if target, err := s.repo.Get(ctx, *doc.CounterpartRef); err == nil {
			linkedRole = &target.Role
		}
	} else if doc.LegacyRef != nil {
		if target, err := s.repo.Get(ctx, *doc.LegacyRef); err == nil {
			// The legacy field links same-role documents; its counterpart
			// role is the pairing of that role.
			role := CounterpartRole(target.Role, ScopeSame)
			linkedRole = &role
		}
	}
	cls := Classify(doc.UnitTaxID, doc.CounterpartyTaxID, linkedRole)
	if cls.Defaulted() {
		s.logger.Warn("jurisdiction scope defaulted",
			slog.Int64("document_id", doc.ID),
			slog.String("reason", "scope_defaulted"))
	}
	return cls
}

// SubmitResult reports a submission plus any non-blocking warning.
type SubmitResult struct {
	Document *Document `json:"document"`
	Warning  string    `json:"warning,omitempty"`
}

// Submit moves a draft to SUBMITTED, enforcing the linkage and parity
// contracts, posting ledger lines, and notifying the compliance boundary
// best-effort.
func (s *Service) Submit(ctx context.Context, id int64) (SubmitResult, error) {
	doc, err := s.repo.Get(ctx, id)
	if err != nil {
		return SubmitResult{}, err
	}
	if err := doc.Submittable(); err != nil {
		return SubmitResult{}, err
	}

	cfg, err := s.settings.BranchAccounting(ctx)
	if err != nil {
		return SubmitResult{}, err
	}
	cls := s.ClassifyDocument(ctx, doc)

	var source *Document
	if !cfg.Exempt(doc.PostingDate) && doc.Internal {
		targets := make(map[int64]Role)
		for _, targetID := range doc.RefTargets() {
			target, err := s.repo.Get(ctx, targetID)
			if err != nil {
				return SubmitResult{}, fmt.Errorf("transfer: resolve reference %d: %w", targetID, err)
			}
			targets[targetID] = target.Role
		}
		if err := ValidateLinks(doc, cls, targets); err != nil {
			return SubmitResult{}, err
		}
		if srcRef := doc.SourceRef(); doc.Role.Generated() && srcRef != nil {
			source, err = s.repo.Get(ctx, *srcRef)
			if err != nil {
				return SubmitResult{}, err
			}
			if err := CheckParity(source, doc); err != nil {
				return SubmitResult{}, err
			}
		}
	}

	now := s.now()
	if err := s.repo.SetStatus(ctx, doc.ID, StatusSubmitted, now); err != nil {
		return SubmitResult{}, err
	}
	doc.Status = StatusSubmitted
	doc.UpdatedAt = now

	if source != nil {
		if err := s.repo.AdjustReceivedQty(ctx, doc.ID, +1); err != nil {
			return SubmitResult{}, fmt.Errorf("transfer: record received quantities: %w", err)
		}
	}

	if s.ledger != nil {
		if err := s.ledger.PostForDocument(ctx, doc); err != nil {
			return SubmitResult{}, fmt.Errorf("transfer: post ledger for %d: %w", doc.ID, err)
		}
	}

	result := SubmitResult{Document: doc}
	if s.notifier != nil && doc.Internal && cls.Scope == ScopeSame {
		if err := s.notifier.TransferSubmitted(ctx, doc); err != nil {
			s.logger.Warn("compliance notification failed",
				slog.Int64("document_id", doc.ID),
				slog.String("reason", "compliance_notify"),
				slog.Any("error", err))
			result.Warning = "document submitted; compliance notification failed and will need manual follow-up"
		}
	}

	s.auditAction(ctx, "transfer.submit", doc.ID, map[string]any{"role": doc.Role, "scope": cls.Scope})
	return result, nil
}

// GenerateCounterpart builds, validates and persists the counterpart of a
// submitted source, writing both reference sides atomically. stocked selects
// the SalesBill-Receipt intermediate shape over the direct PurchaseBill.
func (s *Service) GenerateCounterpart(ctx context.Context, sourceID int64, stocked bool) (*Document, error) {
	source, err := s.repo.Get(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	cls := s.ClassifyDocument(ctx, source)
	target, err := counterpartTarget(source, cls, stocked)
	if err != nil {
		return nil, err
	}

	// The stocked-chain Receipt holds its SalesBill on the canonical field,
	// so "already generated" is detected through inbound references instead.
	if source.Role == RoleReceipt {
		refs, err := s.repo.FindReferencing(ctx, source.ID, false)
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			if ref.Role == RolePurchaseBill {
				return nil, fmt.Errorf("%w: receipt %d already feeds purchase bill %d",
					ErrAlreadyLinked, source.ID, ref.ID)
			}
		}
	}

	partyTaxID := source.UnitTaxID
	if source.Role == RoleReceipt {
		// The PurchaseBill's supplier represents the unit that issued the
		// originating SalesBill.
		partyTaxID = source.CounterpartyTaxID
	}
	party, err := s.settings.UnitParty(ctx, partyTaxID)
	if err != nil {
		return nil, err
	}

	tax := s.tax
	if tax == nil {
		tax = MirrorTaxDeriver{Source: source}
	}
	candidate, err := BuildCounterpart(ctx, source, GeneratorDeps{
		TargetRole: target,
		Party:      party,
		Number:     s.number(target, source),
		Tax:        tax,
		Now:        s.now(),
	})
	if err != nil {
		return nil, err
	}

	refs, err := s.referenceWrites(ctx, source, target)
	if err != nil {
		return nil, err
	}
	created, err := s.repo.InsertCounterpart(ctx, candidate, refs)
	if err != nil {
		return nil, err
	}

	s.auditAction(ctx, "transfer.generate_counterpart", source.ID, map[string]any{
		"counterpart_id": created.ID,
		"role":           created.Role,
		"scope":          cls.Scope,
	})
	return created, nil
}

// referenceWrites builds the atomic reference assignments for each of the
// three chain shapes.
func (s *Service) referenceWrites(ctx context.Context, source *Document, target Role) ([]RefWrite, error) {
	sourceID := source.ID
	switch {
	case source.Role == RoleDispatch && target == RoleReceipt,
		source.Role == RoleSalesBill && target == RolePurchaseBill:
		return []RefWrite{
			{DocID: RefSelf, Field: RefCounterpart, Value: &sourceID},
			{DocID: sourceID, Field: RefCounterpart, Value: RefToSelf()},
		}, nil
	case source.Role == RoleSalesBill && target == RoleReceipt:
		return []RefWrite{
			{DocID: RefSelf, Field: RefCounterpart, Value: &sourceID},
			{DocID: sourceID, Field: RefReceipt, Value: RefToSelf()},
		}, nil
	case source.Role == RoleReceipt && target == RolePurchaseBill:
		if source.CounterpartRef == nil {
			return nil, fmt.Errorf("%w: receipt %d is not part of a stocked chain", ErrLinkRequired, source.ID)
		}
		billID := *source.CounterpartRef
		bill, err := s.repo.Get(ctx, billID)
		if err != nil {
			return nil, err
		}
		if bill.Role != RoleSalesBill {
			return nil, fmt.Errorf("%w: receipt %d references %s %d", ErrWrongRole, source.ID, bill.Role, bill.ID)
		}
		if bill.CounterpartRef != nil {
			return nil, fmt.Errorf("%w: sales bill %d already references document %d",
				ErrAlreadyLinked, bill.ID, *bill.CounterpartRef)
		}
		return []RefWrite{
			{DocID: RefSelf, Field: RefCounterpart, Value: &billID},
			{DocID: billID, Field: RefCounterpart, Value: RefToSelf()},
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s cannot generate %s", ErrWrongRole, source.Role, target)
	}
}

// Link manually cross-references a source and a candidate after proving
// parity. Both sides commit atomically.
func (s *Service) Link(ctx context.Context, sourceID, candidateID int64) error {
	if sourceID == candidateID {
		return ErrSelfLink
	}
	source, err := s.repo.Get(ctx, sourceID)
	if err != nil {
		return err
	}
	candidate, err := s.repo.Get(ctx, candidateID)
	if err != nil {
		return err
	}
	if !source.Role.Source() {
		return fmt.Errorf("%w: %s %d is not a source role", ErrWrongRole, source.Role, source.ID)
	}
	cls := s.ClassifyDocument(ctx, source)
	if want := CounterpartRole(source.Role, cls.Scope); candidate.Role != want {
		return fmt.Errorf("%w: source %d expects a %s, got %s", ErrWrongScope, sourceID, want, candidate.Role)
	}
	if source.CounterpartRef != nil {
		return fmt.Errorf("%w: source %d already references document %d", ErrAlreadyLinked, sourceID, *source.CounterpartRef)
	}
	if candidate.CounterpartRef != nil {
		return fmt.Errorf("%w: candidate %d already references document %d", ErrAlreadyLinked, candidateID, *candidate.CounterpartRef)
	}
	if err := CheckParity(source, candidate); err != nil {
		return err
	}

	if err := s.repo.ApplyRefWrites(ctx, []RefWrite{
		{DocID: sourceID, Field: RefCounterpart, Value: &candidateID},
		{DocID: candidateID, Field: RefCounterpart, Value: &sourceID},
	}); err != nil {
		return err
	}
	s.auditAction(ctx, "transfer.link", sourceID, map[string]any{"candidate_id": candidateID})
	return nil
}

// Unlink clears the cross-references between a pair. It is restricted to
// privileged operators at the transport layer and always leaves an audit
// record with the before state.
func (s *Service) Unlink(ctx context.Context, sourceID, candidateID int64) error {
	source, err := s.repo.Get(ctx, sourceID)
	if err != nil {
		return err
	}
	candidate, err := s.repo.Get(ctx, candidateID)
	if err != nil {
		return err
	}
	if source.CounterpartRef == nil || *source.CounterpartRef != candidateID {
		return fmt.Errorf("%w: source %d does not reference %d", ErrNotFound, sourceID, candidateID)
	}

	before := map[string]any{
		"source_counterpart_ref":    source.CounterpartRef,
		"candidate_counterpart_ref": candidate.CounterpartRef,
	}
	writes := []RefWrite{{DocID: sourceID, Field: RefCounterpart, Value: nil}}
	if candidate.CounterpartRef != nil && *candidate.CounterpartRef == sourceID {
		writes = append(writes, RefWrite{DocID: candidateID, Field: RefCounterpart, Value: nil})
	}
	if err := s.repo.ApplyRefWrites(ctx, writes); err != nil {
		return err
	}
	s.auditAction(ctx, "transfer.unlink", sourceID, map[string]any{
		"candidate_id": candidateID,
		"before":       before,
		"after":        map[string]any{"source_counterpart_ref": nil, "candidate_counterpart_ref": nil},
	})
	return nil
}

// Cancel applies the one-directional cancellation policy: cancelling a
// source cascades to its non-cancelled counterparts, cancelling a generated
// document only clears the references and leaves the source untouched.
func (s *Service) Cancel(ctx context.Context, id int64) error {
	doc, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if doc.Status != StatusSubmitted {
		return fmt.Errorf("%w: document %d", ErrNotSubmitted, id)
	}

	now := s.now()
	if doc.Role.Source() {
		// Source path: enumerate counterparts through canonical and legacy
		// inbound references and pull each submitted one down first,
		// bypassing their backlink guard so the cascade cannot deadlock on
		// the very references it is cleaning up.
		counterparts, err := s.repo.FindReferencing(ctx, id, false)
		if err != nil {
			return err
		}
		for _, cp := range counterparts {
			if cp.Status != StatusSubmitted {
				continue
			}
			if err := s.cancelGenerated(ctx, &cp, now); err != nil {
				return fmt.Errorf("transfer: cascade cancel %d: %w", cp.ID, err)
			}
		}
		if err := s.repo.Cancel(ctx, id, true, now); err != nil {
			return err
		}
		if err := s.clearRefsFor(ctx, doc); err != nil {
			return err
		}
		if s.ledger != nil {
			if err := s.ledger.RemoveForDocument(ctx, doc.Role, doc.ID); err != nil {
				return err
			}
		}
		s.auditAction(ctx, "transfer.cancel", id, map[string]any{"cascaded": len(counterparts)})
		return nil
	}

	if err := s.cancelGenerated(ctx, doc, now); err != nil {
		return err
	}
	s.auditAction(ctx, "transfer.cancel", id, map[string]any{"cascaded": 0})
	return nil
}

// cancelGenerated cancels a generated document without ever touching its
// source's lifecycle state: it reverses the received quantities, removes the
// ledger rows and clears the bidirectional references that still point here.
func (s *Service) cancelGenerated(ctx context.Context, doc *Document, now time.Time) error {
	if err := s.repo.Cancel(ctx, doc.ID, true, now); err != nil {
		return err
	}
	if err := s.repo.AdjustReceivedQty(ctx, doc.ID, -1); err != nil {
		return err
	}
	if s.ledger != nil {
		if err := s.ledger.RemoveForDocument(ctx, doc.Role, doc.ID); err != nil {
			return err
		}
	}

	var writes []RefWrite
	// Clear the cancelled document's own outbound references.
	if doc.CounterpartRef != nil {
		writes = append(writes, RefWrite{DocID: doc.ID, Field: RefCounterpart, Value: nil})
	}
	if doc.ReceiptRef != nil {
		writes = append(writes, RefWrite{DocID: doc.ID, Field: RefReceipt, Value: nil})
	}
	// Clear inbound references that still point at the cancelled document.
	inbound, err := s.repo.FindReferencing(ctx, doc.ID, true)
	if err != nil {
		return err
	}
	for _, ref := range inbound {
		if ref.CounterpartRef != nil && *ref.CounterpartRef == doc.ID {
			writes = append(writes, RefWrite{DocID: ref.ID, Field: RefCounterpart, Value: nil})
		}
		if ref.LegacyRef != nil && *ref.LegacyRef == doc.ID {
			writes = append(writes, RefWrite{DocID: ref.ID, Field: RefLegacy, Value: nil})
		}
		if ref.ReceiptRef != nil && *ref.ReceiptRef == doc.ID {
			writes = append(writes, RefWrite{DocID: ref.ID, Field: RefReceipt, Value: nil})
		}
	}
	if len(writes) == 0 {
		return nil
	}
	return s.repo.ApplyRefWrites(ctx, writes)
}

// clearRefsFor removes a cancelled source's own outbound references.
func (s *Service) clearRefsFor(ctx context.Context, doc *Document) error {
	var writes []RefWrite
	if doc.CounterpartRef != nil {
		writes = append(writes, RefWrite{DocID: doc.ID, Field: RefCounterpart, Value: nil})
	}
	if doc.LegacyRef != nil {
		writes = append(writes, RefWrite{DocID: doc.ID, Field: RefLegacy, Value: nil})
	}
	if doc.ReceiptRef != nil {
		writes = append(writes, RefWrite{DocID: doc.ID, Field: RefReceipt, Value: nil})
	}
	if len(writes) == 0 {
		return nil
	}
	return s.repo.ApplyRefWrites(ctx, writes)
}

// ConvertToInternal marks a document as an internal transfer, optionally
// linking a counterpart in the same call. Converting an already-internal
// document is a no-op, not an error.
func (s *Service) ConvertToInternal(ctx context.Context, id int64, counterpartID *int64) error {
	doc, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !doc.Internal {
		if err := s.repo.SetInternal(ctx, id, true); err != nil {
			return err
		}
	}
	if counterpartID != nil && (doc.CounterpartRef == nil || *doc.CounterpartRef != *counterpartID) {
		if err := s.Link(ctx, id, *counterpartID); err != nil {
			return err
		}
	}
	s.auditAction(ctx, "transfer.convert_internal", id, map[string]any{"counterpart_id": counterpartID})
	return nil
}

// BulkCounts summarises a bulk conversion pass.
type BulkCounts struct {
	Scanned   int `json:"scanned"`
	Converted int `json:"converted"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// BulkConvert marks every convertible document since from as internal when
// its counterparty is a registered unit. force converts regardless of the
// registry; dryRun only counts.
func (s *Service) BulkConvert(ctx context.Context, from time.Time, force, dryRun bool) (BulkCounts, error) {
	docs, err := s.repo.ListConvertible(ctx, from)
	if err != nil {
		return BulkCounts{}, err
	}
	counts := BulkCounts{Scanned: len(docs)}
	for _, doc := range docs {
		eligible := force
		if !eligible {
			registered, err := s.settings.IsRegisteredUnit(ctx, doc.CounterpartyTaxID)
			if err != nil {
				return counts, err
			}
			eligible = registered
		}
		if !eligible {
			counts.Skipped++
			continue
		}
		if dryRun {
			counts.Converted++
			continue
		}
		if err := s.repo.SetInternal(ctx, doc.ID, true); err != nil {
			s.logger.Warn("bulk convert failed",
				slog.Int64("document_id", doc.ID), slog.Any("error", err))
			counts.Failed++
			continue
		}
		counts.Converted++
	}
	if !dryRun {
		s.auditAction(ctx, "transfer.bulk_convert", 0, map[string]any{
			"from": from, "force": force, "counts": counts,
		})
	}
	return counts, nil
}

// MatchReportFor runs the parity comparison in non-blocking mode for UI
// pre-checks.
func (s *Service) MatchReportFor(ctx context.Context, sourceID, candidateID int64) (MatchReport, error) {
	source, err := s.repo.Get(ctx, sourceID)
	if err != nil {
		return MatchReport{}, err
	}
	candidate, err := s.repo.Get(ctx, candidateID)
	if err != nil {
		return MatchReport{}, err
	}
	return BuildMatchReport(source, candidate), nil
}

func (s *Service) auditAction(ctx context.Context, action string, docID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	actor, _ := shared.ActorFromContext(ctx)
	entityID := fmt.Sprintf("%d", docID)
	if docID == 0 {
		entityID = "batch"
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		Actor:    actor.ID,
		Action:   action,
		Entity:   "transfer_documents",
		EntityID: entityID,
		Meta:     meta,
		At:       s.now(),
	}); err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}

// ErrIsBlocking classifies an error per the error taxonomy: blocking errors
// surface synchronously at the API, non-blocking conditions degrade to the
// generic behaviour.
func ErrIsBlocking(err error) bool {
	switch {
	case errors.Is(err, ErrParity),
		errors.Is(err, ErrAlreadyLinked),
		errors.Is(err, ErrAmbiguousSource),
		errors.Is(err, ErrDuplicateLink),
		errors.Is(err, ErrWrongRole),
		errors.Is(err, ErrWrongScope),
		errors.Is(err, ErrLinkRequired):
		return true
	}
	return false
}
