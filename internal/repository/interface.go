// Package repository provides persistence for tenants, conversations,
// server configurations, dead letters and the credential audit trail.
package repository

import (
	"context"
	"errors"

	"mcp-orchestrator/backend/pkg/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Repository is the persistence boundary for the orchestrator. Implemented
// by PostgresRepository for production and MemoryRepository for tests and
// dev mode.
type Repository interface {
	// Tenants
	CreateTenant(ctx context.Context, tenant *models.Tenant) error
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
	GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error)

	// Conversations. EnsureConversation creates the conversation on first
	// use and verifies tenant ownership on subsequent calls.
	EnsureConversation(ctx context.Context, id, tenantID string) (*models.Conversation, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)

	// Turns. AppendTurn assigns Seq (strictly increasing per conversation)
	// and Timestamp. ListTurns returns oldest-first; ListRecentTurns returns
	// newest-first limited to n rows.
	AppendTurn(ctx context.Context, turn *models.Turn) error
	ListTurns(ctx context.Context, conversationID string) ([]models.Turn, error)
	ListRecentTurns(ctx context.Context, conversationID string, n int) ([]models.Turn, error)

	// Server configurations
	UpsertServerConfig(ctx context.Context, cfg *models.MCPServerConfig) error
	GetServerConfig(ctx context.Context, tenantID, serverType string) (*models.MCPServerConfig, error)
	ListServerConfigs(ctx context.Context, tenantID string) ([]models.MCPServerConfig, error)

	// Dead letters
	SaveDeadLetter(ctx context.Context, dl *models.DeadLetter) error
	ListDeadLetters(ctx context.Context, tenantID string) ([]models.DeadLetter, error)

	// Credential audit trail
	RecordCredentialAccess(ctx context.Context, access *models.CredentialAccess) error
}
