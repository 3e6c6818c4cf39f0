// Package router selects a concrete, healthy tool-server instance for a
// server type and attaches the requesting tenant's credential at the last
// possible moment.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"mcp-orchestrator/backend/internal/health"
	"mcp-orchestrator/backend/internal/vault"
	"mcp-orchestrator/backend/pkg/models"
)

// ErrNoHealthyServer is returned when no healthy instance of the requested
// server type exists.
var ErrNoHealthyServer = errors.New("no healthy server instance")

// Target is a resolved destination for one tool call. The credential is
// revealed for this single call and must not be cached by callers.
type Target struct {
	Instance   models.ServerInstance
	Credential string
}

// CredentialSource reveals a tenant's credential for a server type.
// Implemented by the vault.
type CredentialSource interface {
	Reveal(ctx context.Context, tenantID, serverType string) (string, error)
}

// Router balances calls across the healthy instances of each server type
// with round-robin selection.
type Router struct {
	registry    *health.Registry
	credentials CredentialSource
	logger      *slog.Logger

	mu      sync.Mutex
	cursors map[string]int
}

// New creates a Router.
func New(registry *health.Registry, credentials CredentialSource, logger *slog.Logger) *Router {
	return &Router{
		registry:    registry,
		credentials: credentials,
		logger:      logger,
		cursors:     make(map[string]int),
	}
}

// Resolve picks the next healthy instance for the server type and reveals
// the tenant's credential. A vault failure aborts resolution; nothing is
// dispatched without a valid credential. The selection is observable through
// metrics and logs but carries no credential material.
func (r *Router) Resolve(ctx context.Context, tenantID, serverType string) (*Target, error) {
	healthy := r.registry.HealthyByType(serverType)
	if len(healthy) == 0 {
		return nil, fmt.Errorf("%w: server_type %s", ErrNoHealthyServer, serverType)
	}

	instance := r.next(serverType, healthy)

	credential, err := r.credentials.Reveal(ctx, tenantID, serverType)
	if err != nil {
		var ce *vault.CredentialError
		if errors.As(err, &ce) {
			return nil, ce
		}
		return nil, fmt.Errorf("reveal credential: %w", err)
	}

	selectionsTotal.WithLabelValues(serverType, instance.Address).Inc()
	r.logger.Debug("resolved tool-server instance",
		"tenant_id", tenantID, "server_type", serverType, "address", instance.Address)

	return &Target{Instance: instance, Credential: credential}, nil
}

func (r *Router) next(serverType string, healthy []models.ServerInstance) models.ServerInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.cursors[serverType] % len(healthy)
	r.cursors[serverType]++
	return healthy[idx]
}
