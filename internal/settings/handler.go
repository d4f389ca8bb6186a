package settings

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-erp/meridian/internal/platform/httpx"
)

// Handler exposes the settings API.
type Handler struct {
	logger     *slog.Logger
	service    *Service
	privileged func(http.Handler) http.Handler
	validator  *validator.Validate
}

// NewHandler constructs the settings handler. privileged guards mutating
// routes and is supplied by the composition root.
func NewHandler(logger *slog.Logger, service *Service, privileged func(http.Handler) http.Handler) *Handler {
	return &Handler{
		logger:     logger,
		service:    service,
		privileged: privileged,
		validator:  validator.New(),
	}
}

// MountRoutes registers settings routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/branch-accounting", h.getBranchAccounting)
	r.Get("/units", h.listUnits)
	r.Get("/warehouse-accounts", h.listWarehouseAccounts)

	r.Group(func(r chi.Router) {
		if h.privileged != nil {
			r.Use(h.privileged)
		}
		r.Put("/branch-accounting", h.putBranchAccounting)
		r.Put("/units", h.putUnit)
		r.Put("/warehouse-accounts", h.putWarehouseAccount)
	})
}

func (h *Handler) getBranchAccounting(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.BranchAccounting(r.Context())
	if err != nil {
		h.logger.Error("load branch accounting settings", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rec)
}

type branchAccountingRequest struct {
	Enabled         bool   `json:"enabled"`
	TransitAccount  string `json:"transit_account" validate:"required_if=Enabled true"`
	TransferAccount string `json:"transfer_account" validate:"required_if=Enabled true"`
	DebtorAccount   string `json:"debtor_account" validate:"required_if=Enabled true"`
	CreditorAccount string `json:"creditor_account" validate:"required_if=Enabled true"`
	ForceRewrite    bool   `json:"force_rewrite"`
	CutoffDate      string `json:"cutoff_date" validate:"omitempty,datetime=2006-01-02"`
}

func (h *Handler) putBranchAccounting(w http.ResponseWriter, r *http.Request) {
	var req branchAccountingRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	rec := BranchAccounting{
		Enabled:         req.Enabled,
		TransitAccount:  req.TransitAccount,
		TransferAccount: req.TransferAccount,
		DebtorAccount:   req.DebtorAccount,
		CreditorAccount: req.CreditorAccount,
		ForceRewrite:    req.ForceRewrite,
	}
	if req.CutoffDate != "" {
		cutoff, err := time.Parse("2006-01-02", req.CutoffDate)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "cutoff_date must be YYYY-MM-DD")
			return
		}
		rec.CutoffDate = &cutoff
	}

	saved, err := h.service.UpdateBranchAccounting(r.Context(), rec)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, saved)
}

func (h *Handler) listUnits(w http.ResponseWriter, r *http.Request) {
	units, err := h.service.ListUnitParties(r.Context())
	if err != nil {
		h.logger.Error("list unit parties", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"units": units})
}

type unitPartyRequest struct {
	TaxID    string `json:"tax_id" validate:"required"`
	Party    string `json:"party" validate:"required"`
	UnitName string `json:"unit_name"`
}

func (h *Handler) putUnit(w http.ResponseWriter, r *http.Request) {
	var req unitPartyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.RegisterUnitParty(r.Context(), UnitParty{TaxID: req.TaxID, Party: req.Party, UnitName: req.UnitName}); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *Handler) listWarehouseAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.service.ListWarehouseAccounts(r.Context())
	if err != nil {
		h.logger.Error("list warehouse accounts", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"warehouse_accounts": accounts})
}

type warehouseAccountRequest struct {
	Warehouse string `json:"warehouse" validate:"required"`
	Account   string `json:"account" validate:"required"`
}

func (h *Handler) putWarehouseAccount(w http.ResponseWriter, r *http.Request) {
	var req warehouseAccountRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.SetWarehouseAccount(r.Context(), WarehouseAccount{Warehouse: req.Warehouse, Account: req.Account}); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidUpdate):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrNoUnitParty), errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		h.logger.Error("settings request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
