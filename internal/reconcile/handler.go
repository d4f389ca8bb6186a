package reconcile

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/meridian-erp/meridian/internal/platform/httpx"
)

// Handler exposes the reconciliation API.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the reconcile handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers reconcile routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/runs", h.startRun)
	r.Get("/runs/latest", h.latestRun)
	r.Get("/runs/{id}", h.getRun)
	r.Get("/preview", h.preview)
}

type startRunRequest struct {
	From string `json:"from"`
}

func (h *Handler) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.RespondError(w, httpx.ErrValidation)
			return
		}
	}
	from, ok := h.parseFrom(w, req.From)
	if !ok {
		return
	}
	run, err := h.service.Scan(r.Context(), from)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, run)
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be a positive integer")
		return
	}
	run, mismatches, err := h.service.GetRun(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"run": run, "mismatches": mismatches})
}

func (h *Handler) latestRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.service.LatestRun(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, run)
}

func (h *Handler) preview(w http.ResponseWriter, r *http.Request) {
	from, ok := h.parseFrom(w, r.URL.Query().Get("from"))
	if !ok {
		return
	}
	mismatches, err := h.service.Preview(r.Context(), from)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"mismatches": mismatches, "count": len(mismatches)})
}

func (h *Handler) parseFrom(w http.ResponseWriter, raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, true
	}
	from, err := time.Parse("2006-01-02", raw)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "from must be YYYY-MM-DD")
		return time.Time{}, false
	}
	return from, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrRunActive):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrBadWindow):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error("reconcile request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
