package transfer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian/internal/platform/httpx"
)

// newTestRouter mounts the transfer handler the way the composition root
// does, with a stand-in supervisor guard driven by a header.
func newTestRouter(t *testing.T, env *testEnv) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	privileged := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Test-Supervisor") != "1" {
				httpx.RespondError(w, httpx.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
	handler := NewHandler(logger, env.svc, env.audit, privileged)
	r := chi.NewRouter()
	r.Route("/api/transfers", handler.MountRoutes)
	return r
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.ContentLength = int64(buf.Len())
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) httpx.ProblemDetail {
	t.Helper()
	var p httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func TestHandlerSubmitParityViolation(t *testing.T) {
	env := newTestEnv(t)
	source := env.repo.seed(sourceDocument(RoleDispatch, taxIDKarnataka, taxIDKarnataka))
	source.Status = StatusSubmitted
	router := newTestRouter(t, env)

	rec := doJSON(t, router, http.MethodPost,
		fmt.Sprintf("/api/transfers/%d/counterpart", source.ID), nil, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var counterpart Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counterpart))

	// Edit one line quantity behind the validator's back and submit.
	env.repo.docs[counterpart.ID].Lines[0].Qty = dec(9)
	rec = doJSON(t, router, http.MethodPost,
		fmt.Sprintf("/api/transfers/%d/submit", counterpart.ID), nil, nil)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	problem := decodeProblem(t, rec)
	assert.Equal(t, "Parity Violation", problem.Title)
	require.Len(t, problem.Violations, 1)
	assert.Equal(t, 1, problem.Violations[0].Row)
	assert.Equal(t, "qty", problem.Violations[0].Field)
	assert.Equal(t, "10", problem.Violations[0].Expected)
	assert.Equal(t, "9", problem.Violations[0].Actual)
}

func TestHandlerSubmitWarningIsNonBlocking(t *testing.T) {
	env := newTestEnv(t)
	env.notifier.err = fmt.Errorf("notification gateway unreachable")
	source := env.repo.seed(sourceDocument(RoleDispatch, taxIDKarnataka, taxIDKarnataka))
	env.repo.docs[source.ID].Status = StatusDraft
	router := newTestRouter(t, env)

	rec := doJSON(t, router, http.MethodPost,
		fmt.Sprintf("/api/transfers/%d/submit", source.ID), nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var result SubmitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.NotEmpty(t, result.Warning)
}

func TestHandlerSecondCounterpartConflicts(t *testing.T) {
	env := newTestEnv(t)
	source := env.repo.seed(sourceDocument(RoleDispatch, taxIDKarnataka, taxIDKarnataka))
	source.Status = StatusSubmitted
	router := newTestRouter(t, env)

	rec := doJSON(t, router, http.MethodPost,
		fmt.Sprintf("/api/transfers/%d/counterpart", source.ID), nil, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodPost,
		fmt.Sprintf("/api/transfers/%d/counterpart", source.ID), nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandlerNotFound(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(t, env)

	rec := doJSON(t, router, http.MethodGet, "/api/transfers/999", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/transfers/banana", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerLinkValidation(t *testing.T) {
	env := newTestEnv(t)
	source := env.repo.seed(sourceDocument(RoleDispatch, taxIDKarnataka, taxIDKarnataka))
	router := newTestRouter(t, env)

	// Missing candidate_id fails DTO validation.
	rec := doJSON(t, router, http.MethodPost, "/api/transfers/link",
		map[string]any{"source_id": source.ID}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Linking a document to itself is rejected.
	rec = doJSON(t, router, http.MethodPost, "/api/transfers/link",
		map[string]any{"source_id": source.ID, "candidate_id": source.ID}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerSupervisorRoutesGuarded(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(t, env)
	body := map[string]any{"from_date": "2026-03-01", "dry_run": true}

	rec := doJSON(t, router, http.MethodPost, "/api/transfers/bulk-convert", body, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/transfers/bulk-convert", body,
		map[string]string{"X-Test-Supervisor": "1"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerCreateAndGet(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(t, env)

	rec := doJSON(t, router, http.MethodPost, "/api/transfers", map[string]any{
		"number": "DSP-9001", "role": "DISPATCH",
		"unit_tax_id": taxIDKarnataka, "counterparty_tax_id": taxIDKarnataka,
		"party": "Meridian Chennai", "internal": true,
		"posting_date": "2026-03-18",
		"lines": []map[string]any{
			{"item_code": "WIDGET-A", "uom": "Nos", "qty": "10", "rate": "25"},
		},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var doc Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "250", doc.NetTotalBase.String())

	rec = doJSON(t, router, http.MethodGet, fmt.Sprintf("/api/transfers/%d", doc.ID), nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Missing lines fails validation before the service sees it.
	rec = doJSON(t, router, http.MethodPost, "/api/transfers", map[string]any{
		"number": "DSP-9002", "role": "DISPATCH", "posting_date": "2026-03-18",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
