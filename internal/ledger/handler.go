package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/meridian-erp/meridian/internal/platform/httpx"
	"github.com/meridian-erp/meridian/internal/transfer"
)

// Handler exposes the ledger posting and repost API.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	coordinator *Coordinator
	tracking    TrackingStore
	privileged  func(http.Handler) http.Handler
	validator   *validator.Validate
}

// NewHandler constructs the ledger handler. privileged guards the
// force-rewrite route and is supplied by the composition root.
func NewHandler(logger *slog.Logger, service *Service, coordinator *Coordinator, tracking TrackingStore, privileged func(http.Handler) http.Handler) *Handler {
	return &Handler{
		logger:      logger,
		service:     service,
		coordinator: coordinator,
		tracking:    tracking,
		privileged:  privileged,
		validator:   validator.New(),
	}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/lines/{role}/{id}", h.lines)
	r.Get("/scope/{role}/{id}", h.scope)
	r.Get("/tracking/{trigger}", h.trackingByTrigger)
	r.Post("/repost", h.repost)

	r.Group(func(r chi.Router) {
		if h.privileged != nil {
			r.Use(h.privileged)
		}
		r.Post("/repost/{trigger}/force", h.forceRewrite)
	})
}

func (h *Handler) lines(w http.ResponseWriter, r *http.Request) {
	role, id, ok := h.voucherPath(w, r)
	if !ok {
		return
	}
	lines, err := h.service.Lines(r.Context(), role, id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"lines": lines, "balanced": Balanced(lines)})
}

func (h *Handler) scope(w http.ResponseWriter, r *http.Request) {
	role, id, ok := h.voucherPath(w, r)
	if !ok {
		return
	}
	snapshot, err := h.service.DebugScope(r.Context(), role, id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, snapshot)
}

func (h *Handler) trackingByTrigger(w http.ResponseWriter, r *http.Request) {
	trigger, ok := h.triggerPath(w, r)
	if !ok {
		return
	}
	records, err := h.tracking.ListTrackingByTrigger(r.Context(), trigger)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"records": records})
}

type repostRequest struct {
	TriggerID string `json:"trigger_id"`
	Role      string `json:"role" validate:"required"`
	VoucherID int64  `json:"voucher_id" validate:"required"`
	Force     bool   `json:"force"`
}

func (h *Handler) repost(w http.ResponseWriter, r *http.Request) {
	var req repostRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	role := transfer.Role(req.Role)
	if !role.Valid() {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "role must be one of DISPATCH, RECEIPT, SALES_BILL, PURCHASE_BILL")
		return
	}
	trigger := uuid.New()
	if req.TriggerID != "" {
		parsed, err := uuid.Parse(req.TriggerID)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "trigger_id must be a UUID")
			return
		}
		trigger = parsed
	}
	outcome, err := h.coordinator.Process(r.Context(), trigger, role, req.VoucherID, req.Force)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"trigger_id": trigger, "outcome": outcome})
}

func (h *Handler) forceRewrite(w http.ResponseWriter, r *http.Request) {
	trigger, ok := h.triggerPath(w, r)
	if !ok {
		return
	}
	results, err := h.coordinator.ForceRewriteTrigger(r.Context(), trigger)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"trigger_id": trigger, "results": results})
}

func (h *Handler) voucherPath(w http.ResponseWriter, r *http.Request) (transfer.Role, int64, bool) {
	role := transfer.Role(chi.URLParam(r, "role"))
	if !role.Valid() {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unknown voucher role")
		return "", 0, false
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be a positive integer")
		return "", 0, false
	}
	return role, id, true
}

func (h *Handler) triggerPath(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	trigger, err := uuid.Parse(chi.URLParam(r, "trigger"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "trigger must be a UUID")
		return uuid.Nil, false
	}
	return trigger, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, transfer.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrTrackingConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrUnbalanced):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unprocessable", err.Error())
	default:
		h.logger.Error("ledger request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
