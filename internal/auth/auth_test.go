package auth

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcp-orchestrator/backend/internal/config"
	"mcp-orchestrator/backend/internal/logging"
	"mcp-orchestrator/backend/internal/repository"
	"mcp-orchestrator/backend/pkg/models"
)

const testSecret = "unit-test-jwt-secret"

func newTestAuth(t *testing.T, env string, bypass bool, repo repository.Repository) *Auth {
	t.Helper()
	cfg := &config.Config{Environment: env}
	cfg.Auth.JWTSecret = testSecret
	cfg.Auth.DevModeBypass = bypass
	a, err := New(cfg, repo, logging.NewLoggerWithOutput("error", "text", io.Discard))
	require.NoError(t, err)
	return a
}

func captureTenant(t *testing.T, captured *string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := TenantFromContext(r.Context())
		assert.True(t, ok, "tenant id should be in context")
		*captured = tenantID
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireAuth_BearerTokenResolvesTenant(t *testing.T) {
	repo := repository.NewMemoryRepository()
	tenant := &models.Tenant{ID: "tenant-123", Name: "acme.com", Domain: "acme.com"}
	require.NoError(t, repo.CreateTenant(context.Background(), tenant))

	a := newTestAuth(t, "prod", false, repo)
	token, err := NewTokenManager(testSecret).Issue("user@acme.com")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations/c1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	var got string
	a.RequireAuth(captureTenant(t, &got)).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tenant-123", got)
}

func TestRequireAuth_AutoProvisionsUnknownDomain(t *testing.T) {
	repo := repository.NewMemoryRepository()
	a := newTestAuth(t, "prod", false, repo)

	token, err := NewTokenManager(testSecret).Issue("founder@startup.io")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations/c1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	var got string
	a.RequireAuth(captureTenant(t, &got)).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	provisioned, err := repo.GetTenantByDomain(context.Background(), "startup.io")
	require.NoError(t, err)
	assert.Equal(t, provisioned.ID, got)
	assert.Equal(t, "startup.io", provisioned.Name)
}

func TestRequireAuth_MissingToken(t *testing.T) {
	a := newTestAuth(t, "prod", false, repository.NewMemoryRepository())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations/c1", nil)
	rec := httptest.NewRecorder()
	a.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler should not run")
	})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuth_InvalidToken(t *testing.T) {
	a := newTestAuth(t, "prod", false, repository.NewMemoryRepository())

	// Signed with a different secret.
	token, err := NewTokenManager("some-other-secret").Issue("user@acme.com")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations/c1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	a.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler should not run")
	})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuth_DevBypass(t *testing.T) {
	repo := repository.NewMemoryRepository()
	a := newTestAuth(t, "dev", true, repo)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations/c1", nil)
	rec := httptest.NewRecorder()

	var got string
	a.RequireAuth(captureTenant(t, &got)).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	tenant, err := repo.GetTenantByDomain(context.Background(), "localhost")
	require.NoError(t, err)
	assert.Equal(t, tenant.ID, got)
}

func TestNew_RequiresSecretOutsideBypass(t *testing.T) {
	cfg := &config.Config{Environment: "prod"}
	_, err := New(cfg, repository.NewMemoryRepository(), logging.NewLoggerWithOutput("error", "text", io.Discard))
	assert.Error(t, err)
}

func TestTokenManager_RoundTrip(t *testing.T) {
	tm := NewTokenManager(testSecret)
	token, err := tm.Issue("user@acme.com")
	require.NoError(t, err)

	claims, err := tm.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user@acme.com", claims.Email)
}
