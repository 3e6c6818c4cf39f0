package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is the logical store from the design: tenants, server configs,
// conversations with strictly increasing per-conversation turn seqs, dead
// letters and the credential audit trail.
const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id         UUID PRIMARY KEY,
	name       TEXT NOT NULL,
	domain     TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS mcp_server_configs (
	tenant_id      UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	server_type    TEXT NOT NULL,
	encrypted_blob BYTEA NOT NULL,
	enabled_tools  TEXT[] NOT NULL DEFAULT '{}',
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, server_type)
);

CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	tenant_id  UUID NOT NULL REFERENCES tenants(id),
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS turns (
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	seq             INT NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	ts              TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (conversation_id, seq)
);

CREATE TABLE IF NOT EXISTS dead_letters (
	idempotency_key TEXT PRIMARY KEY,
	tenant_id       UUID NOT NULL,
	server_type     TEXT NOT NULL,
	tool_name       TEXT NOT NULL,
	parameters      JSONB,
	attempts        INT NOT NULL,
	last_error      TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS credential_audit (
	id          BIGSERIAL PRIMARY KEY,
	tenant_id   UUID NOT NULL,
	server_type TEXT NOT NULL,
	accessed_at TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema creates the orchestrator tables when they are absent.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
