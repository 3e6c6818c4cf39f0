// Package auth verifies bearer tokens and resolves the calling tenant.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"mcp-orchestrator/backend/internal/config"
	"mcp-orchestrator/backend/internal/repository"
	"mcp-orchestrator/backend/pkg/models"
)

type contextKey string

// TenantContextKey carries the resolved tenant id through request contexts.
const TenantContextKey contextKey = "tenant_id"

// TenantFromContext extracts the tenant id set by RequireAuth.
func TenantFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(TenantContextKey).(string)
	return id, ok && id != ""
}

// Auth verifies bearer JWTs and resolves the tenant from the subject's
// email domain, auto-provisioning unknown domains.
type Auth struct {
	tokens     *TokenManager
	repo       repository.Repository
	logger     *slog.Logger
	devMode    bool
	authBypass bool
}

// New creates a new Auth object using values from the application
// configuration.
func New(cfg *config.Config, repo repository.Repository, logger *slog.Logger) (*Auth, error) {
	isDev := strings.EqualFold(cfg.Environment, "dev")
	shouldBypass := isDev && cfg.Auth.DevModeBypass

	var tokens *TokenManager
	if !shouldBypass {
		if cfg.Auth.JWTSecret == "" {
			return nil, errors.New("auth configuration is incomplete: jwt_secret is required")
		}
		tokens = NewTokenManager(cfg.Auth.JWTSecret)
	}

	return &Auth{
		tokens:     tokens,
		repo:       repo,
		logger:     logger,
		devMode:    isDev,
		authBypass: shouldBypass,
	}, nil
}

// RequireAuth is middleware that ensures a valid bearer token is present,
// resolves the tenant from the token's email domain and injects the tenant
// id into the request context.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var email string

		if a.authBypass {
			email = "dev@localhost"
		} else {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			claims, err := a.tokens.Verify(strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				http.Error(w, "invalid token: "+err.Error(), http.StatusUnauthorized)
				return
			}
			email = claims.Email
		}

		// Resolve tenant from the email domain
		parts := strings.Split(email, "@")
		if len(parts) != 2 || parts[1] == "" {
			http.Error(w, "invalid email in token", http.StatusUnauthorized)
			return
		}
		domain := parts[1]

		tenant, err := a.repo.GetTenantByDomain(r.Context(), domain)
		if errors.Is(err, repository.ErrNotFound) {
			// Auto-provisioning for Day 1 experience
			tenant = &models.Tenant{Name: domain, Domain: domain}
			if createErr := a.repo.CreateTenant(r.Context(), tenant); createErr != nil {
				a.logger.Error("failed to provision tenant", "domain", domain, "error", createErr)
				http.Error(w, "failed to provision tenant", http.StatusInternalServerError)
				return
			}
			a.logger.Info("provisioned tenant", "domain", domain, "tenant_id", tenant.ID)
		} else if err != nil {
			http.Error(w, "tenant lookup failed", http.StatusInternalServerError)
			return
		}

		ctx := context.WithValue(r.Context(), TenantContextKey, tenant.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
