package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcp-orchestrator/backend/internal/auth"
	"mcp-orchestrator/backend/internal/logging"
	"mcp-orchestrator/backend/internal/repository"
	"mcp-orchestrator/backend/internal/router"
	"mcp-orchestrator/backend/internal/services"
	"mcp-orchestrator/backend/internal/vault"
	"mcp-orchestrator/backend/internal/workflow"
	"mcp-orchestrator/backend/pkg/models"
)

// directEngine answers every message conversationally; no tool calls.
type directEngine struct{}

func (directEngine) Classify(ctx context.Context, turns []models.Turn, message string, servers []models.MCPServerConfig) (*models.Intent, error) {
	return &models.Intent{Kind: models.IntentDirect, Response: "echo: " + message, Confidence: 1}, nil
}

func (directEngine) Compose(ctx context.Context, message string, results []string) (string, error) {
	return strings.Join(results, "\n"), nil
}

type apiFixture struct {
	e      *echo.Echo
	server *Server
	repo   *repository.MemoryRepository
	vault  *vault.Vault
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	repo := repository.NewMemoryRepository()
	logger := logging.NewLoggerWithOutput("error", "text", io.Discard)

	v, err := vault.New("test-root-secret-0123456789", repo, logger)
	require.NoError(t, err)

	conversations := services.NewConversationService(repo)
	workflows := workflow.NewManager(conversations, directEngine{}, nil, nil, repo, workflow.Config{}, logger)

	return &apiFixture{
		e:      echo.New(),
		server: NewServer(workflows, conversations, v, repo),
		repo:   repo,
		vault:  v,
	}
}

func (f *apiFixture) request(t *testing.T, tenantID, method, path, body string) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if tenantID != "" {
		req = req.WithContext(context.WithValue(req.Context(), auth.TenantContextKey, tenantID))
	}
	rec := httptest.NewRecorder()
	return f.e.NewContext(req, rec), rec
}

func TestPostMessage_ReturnsAssistantTurn(t *testing.T) {
	f := newAPIFixture(t)

	c, rec := f.request(t, "tenant-a", http.MethodPost, "/api/v1/conversations/conv-1/messages", `{"content": "hello"}`)
	c.SetParamNames("id")
	c.SetParamValues("conv-1")

	require.NoError(t, f.server.PostMessage(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var turn models.Turn
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &turn))
	assert.Equal(t, models.RoleAssistant, turn.Role)
	assert.Equal(t, "echo: hello", turn.Content)
}

func TestPostMessage_EmptyContent(t *testing.T) {
	f := newAPIFixture(t)

	c, rec := f.request(t, "tenant-a", http.MethodPost, "/api/v1/conversations/conv-1/messages", `{"content": ""}`)
	c.SetParamNames("id")
	c.SetParamValues("conv-1")

	require.NoError(t, f.server.PostMessage(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "application/problem+json")
}

func TestPostMessage_NoTenant(t *testing.T) {
	f := newAPIFixture(t)

	c, rec := f.request(t, "", http.MethodPost, "/api/v1/conversations/conv-1/messages", `{"content": "hi"}`)
	c.SetParamNames("id")
	c.SetParamValues("conv-1")

	require.NoError(t, f.server.PostMessage(c))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetConversation_ReturnsHistory(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	_, err := f.repo.EnsureConversation(ctx, "conv-1", "tenant-a")
	require.NoError(t, err)
	require.NoError(t, f.repo.AppendTurn(ctx, &models.Turn{ConversationID: "conv-1", Role: models.RoleUser, Content: "hi"}))

	c, rec := f.request(t, "tenant-a", http.MethodGet, "/api/v1/conversations/conv-1", "")
	c.SetParamNames("id")
	c.SetParamValues("conv-1")

	require.NoError(t, f.server.GetConversation(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Conversation models.Conversation `json:"conversation"`
		Turns        []models.Turn       `json:"turns"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "conv-1", body.Conversation.ID)
	require.Len(t, body.Turns, 1)
}

func TestGetConversation_CrossTenantLooksLikeMissing(t *testing.T) {
	f := newAPIFixture(t)
	_, err := f.repo.EnsureConversation(context.Background(), "conv-1", "tenant-a")
	require.NoError(t, err)

	c, recCross := f.request(t, "tenant-b", http.MethodGet, "/api/v1/conversations/conv-1", "")
	c.SetParamNames("id")
	c.SetParamValues("conv-1")
	require.NoError(t, f.server.GetConversation(c))

	c2, recMissing := f.request(t, "tenant-b", http.MethodGet, "/api/v1/conversations/conv-nope", "")
	c2.SetParamNames("id")
	c2.SetParamValues("conv-nope")
	require.NoError(t, f.server.GetConversation(c2))

	// A foreign conversation is indistinguishable from a nonexistent one.
	assert.Equal(t, http.StatusNotFound, recCross.Code)
	assert.Equal(t, recMissing.Code, recCross.Code)
	assert.Equal(t, recMissing.Body.String(), recCross.Body.String())
}

func TestPutMCPConfig_SealsCredential(t *testing.T) {
	f := newAPIFixture(t)

	c, rec := f.request(t, "tenant-a", http.MethodPut, "/api/v1/tenants/tenant-a/mcp-configs/github",
		`{"credential": "ghp_plaintext_token", "enabled_tools": ["list_prs"]}`)
	c.SetParamNames("id", "server_type")
	c.SetParamValues("tenant-a", "github")

	require.NoError(t, f.server.PutMCPConfig(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	// The response never echoes the credential.
	assert.NotContains(t, rec.Body.String(), "ghp_plaintext_token")

	// The stored blob is sealed, and the vault can reveal it.
	cfg, err := f.repo.GetServerConfig(context.Background(), "tenant-a", "github")
	require.NoError(t, err)
	assert.NotContains(t, string(cfg.EncryptedBlob), "ghp_plaintext_token")
	revealed, err := f.vault.Reveal(context.Background(), "tenant-a", "github")
	require.NoError(t, err)
	assert.Equal(t, "ghp_plaintext_token", revealed)
}

func TestPutMCPConfig_ForbidsOtherTenants(t *testing.T) {
	f := newAPIFixture(t)

	c, rec := f.request(t, "tenant-a", http.MethodPut, "/api/v1/tenants/tenant-b/mcp-configs/github",
		`{"credential": "tok"}`)
	c.SetParamNames("id", "server_type")
	c.SetParamValues("tenant-b", "github")

	require.NoError(t, f.server.PutMCPConfig(c))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestStatusForWorkflowError(t *testing.T) {
	assert.Equal(t, http.StatusUnprocessableEntity,
		statusForWorkflowError(&vault.CredentialError{Kind: vault.KindNotFound}))
	assert.Equal(t, http.StatusServiceUnavailable, statusForWorkflowError(router.ErrNoHealthyServer))
	assert.Equal(t, http.StatusGatewayTimeout, statusForWorkflowError(workflow.ErrWorkflowTimeout))
	assert.Equal(t, http.StatusUnprocessableEntity, statusForWorkflowError(workflow.ErrStepLimitExceeded))
}
