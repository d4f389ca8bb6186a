package app

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/meridian-erp/meridian/internal/shared"
	_ "github.com/meridian-erp/meridian/internal/testing/guard"
)

func hashToken(t *testing.T, token string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func authedRequest(token string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/transfers", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestOperatorAuth(t *testing.T) {
	cfg := &Config{
		OperatorTokenHash:   hashToken(t, "operator-token"),
		SupervisorTokenHash: hashToken(t, "supervisor-token"),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var gotActor shared.Actor
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotActor, _ = shared.ActorFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := OperatorAuth(cfg, logger)(next)

	t.Run("operator token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := authedRequest("operator-token")
		req.Header.Set("X-Operator-Id", "maya@meridian")
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "maya@meridian", gotActor.ID)
		assert.Equal(t, shared.RoleOperator, gotActor.Role)
	})

	t.Run("supervisor token grants elevated role", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, authedRequest("supervisor-token"))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, shared.RoleSupervisor, gotActor.Role)
		assert.Equal(t, "operator", gotActor.ID)
	})

	t.Run("wrong token rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, authedRequest("guessed"))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("missing header rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, authedRequest(""))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestRequireSupervisor(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RequireSupervisor(next)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/transfers/unlink", nil)
	req = req.WithContext(shared.ContextWithActor(req.Context(), shared.Actor{ID: "ops", Role: shared.RoleSupervisor}))
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/transfers/unlink", nil)
	req = req.WithContext(shared.ContextWithActor(req.Context(), shared.Actor{ID: "ops", Role: shared.RoleOperator}))
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/transfers/unlink", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, bearerToken(req))

	req.Header.Set("Authorization", "Basic abc123")
	assert.Empty(t, bearerToken(req))

	req.Header.Set("Authorization", "Bearer  secret ")
	assert.Equal(t, "secret", bearerToken(req))

	req.Header.Set("Authorization", "bearer secret")
	assert.Equal(t, "secret", bearerToken(req))
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("OPERATOR_TOKEN_HASH", hashToken(t, "operator-token"))

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.AppAddr)
	assert.Equal(t, "0 2 * * *", cfg.ReconcileCron)
	assert.Equal(t, 200, cfg.ReconcilePreviewLimit)
	assert.False(t, cfg.IsProduction())

	t.Setenv("APP_ENV", "production")
	cfg, err = LoadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}

func TestLoadConfigRequiresOperatorHash(t *testing.T) {
	t.Setenv("OPERATOR_TOKEN_HASH", "")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestInTestModeGuard(t *testing.T) {
	// The guard package import above sets the flag before any test runs.
	RefreshTestMode()
	assert.True(t, InTestMode())
}
