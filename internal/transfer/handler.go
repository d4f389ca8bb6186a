package transfer

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian/internal/platform/httpx"
	"github.com/meridian-erp/meridian/internal/settings"
	"github.com/meridian-erp/meridian/internal/shared"
)

// Handler exposes the transfer document API.
type Handler struct {
	logger     *slog.Logger
	service    *Service
	audit      shared.Auditor
	privileged func(http.Handler) http.Handler
	validator  *validator.Validate
}

// NewHandler constructs the transfer handler. privileged guards the
// supervisor-only routes and is supplied by the composition root.
func NewHandler(logger *slog.Logger, service *Service, audit shared.Auditor, privileged func(http.Handler) http.Handler) *Handler {
	return &Handler{
		logger:     logger,
		service:    service,
		audit:      audit,
		privileged: privileged,
		validator:  validator.New(),
	}
}

// MountRoutes registers transfer routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/", h.list)
	r.Get("/{id}", h.get)
	r.Get("/{id}/audit", h.auditTrail)
	r.Post("/{id}/submit", h.submit)
	r.Post("/{id}/cancel", h.cancel)
	r.Post("/{id}/counterpart", h.generateCounterpart)
	r.Post("/{id}/convert", h.convert)
	r.Post("/link", h.link)
	r.Post("/match-report", h.matchReport)

	r.Group(func(r chi.Router) {
		if h.privileged != nil {
			r.Use(h.privileged)
		}
		r.Post("/unlink", h.unlink)
		r.Post("/bulk-convert", h.bulkConvert)
	})
}

type createLineRequest struct {
	ItemCode      string `json:"item_code" validate:"required"`
	UOM           string `json:"uom"`
	Qty           string `json:"qty" validate:"required"`
	StockQty      string `json:"stock_qty"`
	Rate          string `json:"rate" validate:"required"`
	RateBase      string `json:"rate_base"`
	NetAmount     string `json:"net_amount"`
	NetAmountBase string `json:"net_amount_base"`
	Warehouse     string `json:"warehouse"`
	CostCenter    string `json:"cost_center"`
	ValuationRate string `json:"valuation_rate"`
}

type createDocumentRequest struct {
	Number              string              `json:"number" validate:"required"`
	Role                string              `json:"role" validate:"required"`
	UnitTaxID           string              `json:"unit_tax_id"`
	CounterpartyTaxID   string              `json:"counterparty_tax_id"`
	Party               string              `json:"party"`
	Internal            bool                `json:"internal"`
	PostingDate         string              `json:"posting_date" validate:"required,datetime=2006-01-02"`
	Currency            string              `json:"currency"`
	UnitAddress         string              `json:"unit_address"`
	CounterpartyAddress string              `json:"counterparty_address"`
	ShippingAddress     string              `json:"shipping_address"`
	DispatchAddress     string              `json:"dispatch_address"`
	TaxTotal            string              `json:"tax_total"`
	TaxTotalBase        string              `json:"tax_total_base"`
	Lines               []createLineRequest `json:"lines" validate:"required,min=1,dive"`
}

func parseDecimal(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}

func (req createDocumentRequest) toInput() (CreateDocumentInput, error) {
	postingDate, err := time.Parse("2006-01-02", req.PostingDate)
	if err != nil {
		return CreateDocumentInput{}, err
	}
	input := CreateDocumentInput{
		Number:              req.Number,
		Role:                Role(req.Role),
		UnitTaxID:           req.UnitTaxID,
		CounterpartyTaxID:   req.CounterpartyTaxID,
		Party:               req.Party,
		Internal:            req.Internal,
		PostingDate:         postingDate,
		Currency:            req.Currency,
		UnitAddress:         req.UnitAddress,
		CounterpartyAddress: req.CounterpartyAddress,
		ShippingAddress:     req.ShippingAddress,
		DispatchAddress:     req.DispatchAddress,
	}
	if input.TaxTotal, err = parseDecimal(req.TaxTotal); err != nil {
		return CreateDocumentInput{}, err
	}
	if input.TaxTotalBase, err = parseDecimal(req.TaxTotalBase); err != nil {
		return CreateDocumentInput{}, err
	}
	for _, line := range req.Lines {
		l := CreateLineInput{
			ItemCode:   line.ItemCode,
			UOM:        line.UOM,
			Warehouse:  line.Warehouse,
			CostCenter: line.CostCenter,
		}
		if l.Qty, err = parseDecimal(line.Qty); err != nil {
			return CreateDocumentInput{}, err
		}
		if l.StockQty, err = parseDecimal(line.StockQty); err != nil {
			return CreateDocumentInput{}, err
		}
		if l.StockQty.IsZero() {
			l.StockQty = l.Qty
		}
		if l.Rate, err = parseDecimal(line.Rate); err != nil {
			return CreateDocumentInput{}, err
		}
		if l.RateBase, err = parseDecimal(line.RateBase); err != nil {
			return CreateDocumentInput{}, err
		}
		if l.RateBase.IsZero() {
			l.RateBase = l.Rate
		}
		if l.NetAmount, err = parseDecimal(line.NetAmount); err != nil {
			return CreateDocumentInput{}, err
		}
		if l.NetAmount.IsZero() {
			l.NetAmount = l.Qty.Mul(l.Rate).Round(moneyScale)
		}
		if l.NetAmountBase, err = parseDecimal(line.NetAmountBase); err != nil {
			return CreateDocumentInput{}, err
		}
		if l.NetAmountBase.IsZero() {
			l.NetAmountBase = l.Qty.Mul(l.RateBase).Round(moneyScale)
		}
		l.Amount = l.NetAmount
		l.AmountBase = l.NetAmountBase
		if l.ValuationRate, err = parseDecimal(line.ValuationRate); err != nil {
			return CreateDocumentInput{}, err
		}
		input.Lines = append(input.Lines, l)
	}
	return input, nil
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createDocumentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input, err := req.toInput()
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	doc, err := h.service.Create(r.Context(), input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, doc)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	docs, pagination, err := h.service.List(r.Context(), ListFilter{
		Role:    Role(q.Get("role")),
		Status:  Status(q.Get("status")),
		Page:    page,
		PerPage: perPage,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"documents": docs, "pagination": pagination})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	doc, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, doc)
}

func (h *Handler) auditTrail(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if h.audit == nil {
		httpx.JSON(w, http.StatusOK, map[string]any{"entries": []any{}})
		return
	}
	entries, err := h.audit.ListByEntity(r.Context(), "transfer_documents", strconv.FormatInt(id, 10), 50)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	result, err := h.service.Submit(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.Cancel(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "cancelled"})
}

type counterpartRequest struct {
	Stocked bool `json:"stocked"`
}

func (h *Handler) generateCounterpart(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req counterpartRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.RespondError(w, httpx.ErrValidation)
			return
		}
	}
	doc, err := h.service.GenerateCounterpart(r.Context(), id, req.Stocked)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, doc)
}

type convertRequest struct {
	CounterpartID *int64 `json:"counterpart_id"`
}

func (h *Handler) convert(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req convertRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.RespondError(w, httpx.ErrValidation)
			return
		}
	}
	if err := h.service.ConvertToInternal(r.Context(), id, req.CounterpartID); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type pairRequest struct {
	SourceID    int64 `json:"source_id" validate:"required"`
	CandidateID int64 `json:"candidate_id" validate:"required"`
}

func (h *Handler) link(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodePair(w, r)
	if !ok {
		return
	}
	if err := h.service.Link(r.Context(), req.SourceID, req.CandidateID); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "linked"})
}

func (h *Handler) unlink(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodePair(w, r)
	if !ok {
		return
	}
	if err := h.service.Unlink(r.Context(), req.SourceID, req.CandidateID); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "unlinked"})
}

func (h *Handler) matchReport(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodePair(w, r)
	if !ok {
		return
	}
	report, err := h.service.MatchReportFor(r.Context(), req.SourceID, req.CandidateID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

type bulkConvertRequest struct {
	FromDate string `json:"from_date" validate:"required,datetime=2006-01-02"`
	Force    bool   `json:"force"`
	DryRun   bool   `json:"dry_run"`
}

func (h *Handler) bulkConvert(w http.ResponseWriter, r *http.Request) {
	var req bulkConvertRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	from, err := time.Parse("2006-01-02", req.FromDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "from_date must be YYYY-MM-DD")
		return
	}
	counts, err := h.service.BulkConvert(r.Context(), from, req.Force, req.DryRun)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, counts)
}

func (h *Handler) decodePair(w http.ResponseWriter, r *http.Request) (pairRequest, bool) {
	var req pairRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, httpx.ErrValidation)
		return req, false
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return req, false
	}
	return req, true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var parity *ParityError
	switch {
	case errors.As(err, &parity):
		httpx.ProblemWith(w, httpx.ProblemDetail{
			Title:  "Parity Violation",
			Status: http.StatusUnprocessableEntity,
			Detail: parity.Error(),
			Violations: []httpx.FieldViolation{{
				Row:      parity.RowNo,
				Field:    parity.Field,
				Expected: parity.Expected,
				Actual:   parity.Actual,
			}},
		})
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrAlreadyLinked),
		errors.Is(err, ErrStillReferenced),
		errors.Is(err, ErrNotDraft),
		errors.Is(err, ErrNotSubmitted),
		errors.Is(err, ErrCancelled),
		errors.Is(err, ErrFullyReceived):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case ErrIsBlocking(err), errors.Is(err, settings.ErrNoUnitParty):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unprocessable", err.Error())
	case errors.Is(err, ErrSelfLink):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error("transfer request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
