package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mcp-orchestrator/backend/pkg/models"
)

// PostgresRepository is the pgx-backed Repository implementation.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// CreateTenant inserts a tenant, assigning an id when absent.
func (r *PostgresRepository) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	if tenant.ID == "" {
		tenant.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	tenant.CreatedAt = now
	tenant.UpdatedAt = now

	_, err := r.db.Exec(ctx,
		`INSERT INTO tenants (id, name, domain, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		tenant.ID, tenant.Name, tenant.Domain, tenant.CreatedAt, tenant.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

// GetTenant retrieves a tenant by id.
func (r *PostgresRepository) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	return r.scanTenant(r.db.QueryRow(ctx,
		`SELECT id, name, domain, created_at, updated_at FROM tenants WHERE id = $1`, id))
}

// GetTenantByDomain retrieves a tenant by email domain.
func (r *PostgresRepository) GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	return r.scanTenant(r.db.QueryRow(ctx,
		`SELECT id, name, domain, created_at, updated_at FROM tenants WHERE domain = $1`, domain))
}

func (r *PostgresRepository) scanTenant(row pgx.Row) (*models.Tenant, error) {
	var t models.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Domain, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// EnsureConversation creates the conversation on first use. An existing
// conversation owned by a different tenant surfaces as ErrNotFound so tenant
// boundaries never leak through error text.
func (r *PostgresRepository) EnsureConversation(ctx context.Context, id, tenantID string) (*models.Conversation, error) {
	conv, err := r.GetConversation(ctx, id)
	if errors.Is(err, ErrNotFound) {
		now := time.Now().UTC()
		conv = &models.Conversation{ID: id, TenantID: tenantID, CreatedAt: now, UpdatedAt: now}
		_, err = r.db.Exec(ctx,
			`INSERT INTO conversations (id, tenant_id, created_at, updated_at) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (id) DO NOTHING`,
			conv.ID, conv.TenantID, conv.CreatedAt, conv.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		return conv, nil
	}
	if err != nil {
		return nil, err
	}
	if conv.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return conv, nil
}

// GetConversation retrieves a conversation by id.
func (r *PostgresRepository) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var c models.Conversation
	err := r.db.QueryRow(ctx,
		`SELECT id, tenant_id, created_at, updated_at FROM conversations WHERE id = $1`, id).
		Scan(&c.ID, &c.TenantID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// AppendTurn appends a turn, assigning the next seq for the conversation.
// The workflow manager serializes writers per conversation; the primary key
// on (conversation_id, seq) backstops that invariant.
func (r *PostgresRepository) AppendTurn(ctx context.Context, turn *models.Turn) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO turns (conversation_id, seq, role, content, ts)
		 SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, now()
		 FROM turns WHERE conversation_id = $1
		 RETURNING seq, ts`,
		turn.ConversationID, turn.Role, turn.Content).
		Scan(&turn.Seq, &turn.Timestamp)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// ListTurns returns the full history oldest-first.
func (r *PostgresRepository) ListTurns(ctx context.Context, conversationID string) ([]models.Turn, error) {
	rows, err := r.db.Query(ctx,
		`SELECT conversation_id, seq, role, content, ts FROM turns WHERE conversation_id = $1 ORDER BY seq ASC`,
		conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTurns(rows)
}

// ListRecentTurns returns the n most recent turns newest-first.
func (r *PostgresRepository) ListRecentTurns(ctx context.Context, conversationID string, n int) ([]models.Turn, error) {
	rows, err := r.db.Query(ctx,
		`SELECT conversation_id, seq, role, content, ts FROM turns WHERE conversation_id = $1 ORDER BY seq DESC LIMIT $2`,
		conversationID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTurns(rows)
}

func scanTurns(rows pgx.Rows) ([]models.Turn, error) {
	var turns []models.Turn
	for rows.Next() {
		var t models.Turn
		if err := rows.Scan(&t.ConversationID, &t.Seq, &t.Role, &t.Content, &t.Timestamp); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// UpsertServerConfig creates or replaces a tenant's configuration for one
// server type.
func (r *PostgresRepository) UpsertServerConfig(ctx context.Context, cfg *models.MCPServerConfig) error {
	now := time.Now().UTC()
	_, err := r.db.Exec(ctx,
		`INSERT INTO mcp_server_configs (tenant_id, server_type, encrypted_blob, enabled_tools, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (tenant_id, server_type)
		 DO UPDATE SET encrypted_blob = $3, enabled_tools = $4, updated_at = $5`,
		cfg.TenantID, cfg.ServerType, cfg.EncryptedBlob, cfg.EnabledTools, now)
	if err != nil {
		return fmt.Errorf("upsert server config: %w", err)
	}
	return nil
}

// GetServerConfig retrieves one tenant's configuration for a server type.
func (r *PostgresRepository) GetServerConfig(ctx context.Context, tenantID, serverType string) (*models.MCPServerConfig, error) {
	var cfg models.MCPServerConfig
	err := r.db.QueryRow(ctx,
		`SELECT tenant_id, server_type, encrypted_blob, enabled_tools, created_at, updated_at
		 FROM mcp_server_configs WHERE tenant_id = $1 AND server_type = $2`,
		tenantID, serverType).
		Scan(&cfg.TenantID, &cfg.ServerType, &cfg.EncryptedBlob, &cfg.EnabledTools, &cfg.CreatedAt, &cfg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ListServerConfigs lists a tenant's server configurations.
func (r *PostgresRepository) ListServerConfigs(ctx context.Context, tenantID string) ([]models.MCPServerConfig, error) {
	rows, err := r.db.Query(ctx,
		`SELECT tenant_id, server_type, encrypted_blob, enabled_tools, created_at, updated_at
		 FROM mcp_server_configs WHERE tenant_id = $1 ORDER BY server_type`,
		tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []models.MCPServerConfig
	for rows.Next() {
		var cfg models.MCPServerConfig
		if err := rows.Scan(&cfg.TenantID, &cfg.ServerType, &cfg.EncryptedBlob, &cfg.EnabledTools, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// SaveDeadLetter persists an exhausted invocation for operator inspection.
func (r *PostgresRepository) SaveDeadLetter(ctx context.Context, dl *models.DeadLetter) error {
	params, err := json.Marshal(dl.Parameters)
	if err != nil {
		return fmt.Errorf("marshal dead letter parameters: %w", err)
	}
	dl.CreatedAt = time.Now().UTC()
	_, err = r.db.Exec(ctx,
		`INSERT INTO dead_letters (idempotency_key, tenant_id, server_type, tool_name, parameters, attempts, last_error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		dl.IdempotencyKey, dl.TenantID, dl.ServerType, dl.ToolName, params, dl.Attempts, dl.LastError, dl.CreatedAt)
	if err != nil {
		return fmt.Errorf("save dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters lists a tenant's dead-lettered invocations, newest first.
func (r *PostgresRepository) ListDeadLetters(ctx context.Context, tenantID string) ([]models.DeadLetter, error) {
	rows, err := r.db.Query(ctx,
		`SELECT idempotency_key, tenant_id, server_type, tool_name, parameters, attempts, last_error, created_at
		 FROM dead_letters WHERE tenant_id = $1 ORDER BY created_at DESC`,
		tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var letters []models.DeadLetter
	for rows.Next() {
		var dl models.DeadLetter
		var params []byte
		if err := rows.Scan(&dl.IdempotencyKey, &dl.TenantID, &dl.ServerType, &dl.ToolName, &params, &dl.Attempts, &dl.LastError, &dl.CreatedAt); err != nil {
			return nil, err
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &dl.Parameters); err != nil {
				return nil, fmt.Errorf("unmarshal dead letter parameters: %w", err)
			}
		}
		letters = append(letters, dl)
	}
	return letters, rows.Err()
}

// RecordCredentialAccess appends one audit-trail row. The row carries tenant,
// server type and timestamp only; credential values never reach this table.
func (r *PostgresRepository) RecordCredentialAccess(ctx context.Context, access *models.CredentialAccess) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO credential_audit (tenant_id, server_type, accessed_at) VALUES ($1, $2, $3)`,
		access.TenantID, access.ServerType, access.AccessedAt)
	if err != nil {
		return fmt.Errorf("record credential access: %w", err)
	}
	return nil
}
