package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mcp-orchestrator/backend/pkg/models"
)

// MemoryRepository is an in-memory Repository used by tests and dev mode.
// Safe for concurrent use.
type MemoryRepository struct {
	mu            sync.RWMutex
	tenants       map[string]models.Tenant
	conversations map[string]models.Conversation
	turns         map[string][]models.Turn
	configs       map[string]map[string]models.MCPServerConfig
	deadLetters   []models.DeadLetter
	audit         []models.CredentialAccess
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		tenants:       make(map[string]models.Tenant),
		conversations: make(map[string]models.Conversation),
		turns:         make(map[string][]models.Turn),
		configs:       make(map[string]map[string]models.MCPServerConfig),
	}
}

func (r *MemoryRepository) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tenant.ID == "" {
		tenant.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	tenant.CreatedAt = now
	tenant.UpdatedAt = now
	r.tenants[tenant.ID] = *tenant
	return nil
}

func (r *MemoryRepository) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (r *MemoryRepository) GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tenants {
		if t.Domain == domain {
			tenant := t
			return &tenant, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) EnsureConversation(ctx context.Context, id, tenantID string) (*models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conversations[id]; ok {
		if c.TenantID != tenantID {
			return nil, ErrNotFound
		}
		conv := c
		return &conv, nil
	}
	now := time.Now().UTC()
	conv := models.Conversation{ID: id, TenantID: tenantID, CreatedAt: now, UpdatedAt: now}
	r.conversations[id] = conv
	return &conv, nil
}

func (r *MemoryRepository) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (r *MemoryRepository) AppendTurn(ctx context.Context, turn *models.Turn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	turn.Seq = len(r.turns[turn.ConversationID]) + 1
	turn.Timestamp = time.Now().UTC()
	r.turns[turn.ConversationID] = append(r.turns[turn.ConversationID], *turn)
	return nil
}

func (r *MemoryRepository) ListTurns(ctx context.Context, conversationID string) ([]models.Turn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	turns := make([]models.Turn, len(r.turns[conversationID]))
	copy(turns, r.turns[conversationID])
	return turns, nil
}

func (r *MemoryRepository) ListRecentTurns(ctx context.Context, conversationID string, n int) ([]models.Turn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := r.turns[conversationID]
	if n > len(all) {
		n = len(all)
	}
	turns := make([]models.Turn, 0, n)
	for i := len(all) - 1; i >= len(all)-n; i-- {
		turns = append(turns, all[i])
	}
	return turns, nil
}

func (r *MemoryRepository) UpsertServerConfig(ctx context.Context, cfg *models.MCPServerConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byType, ok := r.configs[cfg.TenantID]
	if !ok {
		byType = make(map[string]models.MCPServerConfig)
		r.configs[cfg.TenantID] = byType
	}
	now := time.Now().UTC()
	if existing, ok := byType[cfg.ServerType]; ok {
		cfg.CreatedAt = existing.CreatedAt
	} else {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	byType[cfg.ServerType] = *cfg
	return nil
}

func (r *MemoryRepository) GetServerConfig(ctx context.Context, tenantID, serverType string) (*models.MCPServerConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[tenantID][serverType]
	if !ok {
		return nil, ErrNotFound
	}
	return &cfg, nil
}

func (r *MemoryRepository) ListServerConfigs(ctx context.Context, tenantID string) ([]models.MCPServerConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var configs []models.MCPServerConfig
	for _, cfg := range r.configs[tenantID] {
		configs = append(configs, cfg)
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].ServerType < configs[j].ServerType })
	return configs, nil
}

func (r *MemoryRepository) SaveDeadLetter(ctx context.Context, dl *models.DeadLetter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.deadLetters {
		if existing.IdempotencyKey == dl.IdempotencyKey {
			return nil
		}
	}
	dl.CreatedAt = time.Now().UTC()
	r.deadLetters = append(r.deadLetters, *dl)
	return nil
}

func (r *MemoryRepository) ListDeadLetters(ctx context.Context, tenantID string) ([]models.DeadLetter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var letters []models.DeadLetter
	for i := len(r.deadLetters) - 1; i >= 0; i-- {
		if r.deadLetters[i].TenantID == tenantID {
			letters = append(letters, r.deadLetters[i])
		}
	}
	return letters, nil
}

func (r *MemoryRepository) RecordCredentialAccess(ctx context.Context, access *models.CredentialAccess) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audit = append(r.audit, *access)
	return nil
}

// CredentialAccesses returns a copy of the audit trail, used by tests.
func (r *MemoryRepository) CredentialAccesses() []models.CredentialAccess {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.CredentialAccess, len(r.audit))
	copy(out, r.audit)
	return out
}
