package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"mcp-orchestrator/backend/internal/auth"
	"mcp-orchestrator/backend/internal/repository"
	"mcp-orchestrator/backend/internal/router"
	"mcp-orchestrator/backend/internal/services"
	"mcp-orchestrator/backend/internal/vault"
	"mcp-orchestrator/backend/internal/workflow"
	"mcp-orchestrator/backend/pkg/models"
)

// Server holds the dependencies for the API server.
type Server struct {
	Workflows     *workflow.Manager
	Conversations *services.ConversationService
	Vault         *vault.Vault
	Repo          repository.Repository
}

// NewServer creates a new Server.
func NewServer(workflows *workflow.Manager, conversations *services.ConversationService, v *vault.Vault, repo repository.Repository) *Server {
	return &Server{Workflows: workflows, Conversations: conversations, Vault: v, Repo: repo}
}

// RegisterRoutes mounts the v1 API onto an echo group. The group is expected
// to carry the auth middleware.
func (s *Server) RegisterRoutes(g *echo.Group) {
	g.POST("/conversations/:id/messages", s.PostMessage)
	g.GET("/conversations/:id", s.GetConversation)
	g.PUT("/tenants/:id/mcp-configs/:server_type", s.PutMCPConfig)
}

type postMessageRequest struct {
	Content string `json:"content"`
}

// PostMessage runs one workflow for an inbound user message and returns the
// composed reply turn.
// (POST /api/v1/conversations/:id/messages)
func (s *Server) PostMessage(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, ok := auth.TenantFromContext(ctx)
	if !ok {
		return problem(c, http.StatusUnauthorized, "Unauthorized", "tenant not found in request context")
	}

	var req postMessageRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "Invalid request body", err.Error())
	}
	if req.Content == "" {
		return problem(c, http.StatusBadRequest, "Invalid request body", "content is required")
	}

	turn, err := s.Workflows.HandleMessage(ctx, tenantID, c.Param("id"), req.Content)
	if err != nil && turn == nil {
		return workflowProblem(c, err)
	}

	// A terminal workflow failure still produced an explanatory turn; the
	// client receives it along with an error status.
	if err != nil {
		return c.JSON(statusForWorkflowError(err), turn)
	}
	return c.JSON(http.StatusOK, turn)
}

// GetConversation returns the conversation history for the calling tenant.
// (GET /api/v1/conversations/:id)
func (s *Server) GetConversation(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, ok := auth.TenantFromContext(ctx)
	if !ok {
		return problem(c, http.StatusUnauthorized, "Unauthorized", "tenant not found in request context")
	}

	conv, err := s.Repo.GetConversation(ctx, c.Param("id"))
	if errors.Is(err, repository.ErrNotFound) {
		return problem(c, http.StatusNotFound, "Not found", "conversation does not exist")
	}
	if err != nil {
		return problem(c, http.StatusInternalServerError, "Internal error", err.Error())
	}
	if conv.TenantID != tenantID {
		// Cross-tenant reads look identical to missing conversations.
		return problem(c, http.StatusNotFound, "Not found", "conversation does not exist")
	}

	turns, err := s.Conversations.History(ctx, conv.ID)
	if err != nil {
		return problem(c, http.StatusInternalServerError, "Internal error", err.Error())
	}

	return c.JSON(http.StatusOK, map[string]any{
		"conversation": conv,
		"turns":        turns,
	})
}

type putMCPConfigRequest struct {
	Credential   string   `json:"credential"`
	EnabledTools []string `json:"enabled_tools"`
}

// PutMCPConfig registers or updates a tenant's credential for one server
// type. The endpoint is write-only: plaintext credentials never appear in a
// response.
// (PUT /api/v1/tenants/:id/mcp-configs/:server_type)
func (s *Server) PutMCPConfig(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, ok := auth.TenantFromContext(ctx)
	if !ok {
		return problem(c, http.StatusUnauthorized, "Unauthorized", "tenant not found in request context")
	}
	if c.Param("id") != tenantID {
		return problem(c, http.StatusForbidden, "Forbidden", "cannot modify another tenant's configuration")
	}

	serverType := c.Param("server_type")
	var req putMCPConfigRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "Invalid request body", err.Error())
	}
	if req.Credential == "" {
		return problem(c, http.StatusBadRequest, "Invalid request body", "credential is required")
	}

	if err := s.Vault.Store(ctx, tenantID, serverType, req.Credential, req.EnabledTools); err != nil {
		return problem(c, http.StatusInternalServerError, "Internal error", "failed to store credential")
	}

	return c.JSON(http.StatusOK, map[string]any{
		"tenant_id":     tenantID,
		"server_type":   serverType,
		"enabled_tools": req.EnabledTools,
	})
}

func workflowProblem(c echo.Context, err error) error {
	switch {
	case errors.Is(err, workflow.ErrConversationBusy):
		return problem(c, http.StatusConflict, "Conversation busy", "a workflow is already running for this conversation")
	case errors.Is(err, workflow.ErrCancelled):
		return problem(c, http.StatusBadRequest, "Request cancelled", "the request was cancelled before completion")
	case errors.Is(err, repository.ErrNotFound):
		return problem(c, http.StatusNotFound, "Not found", "conversation does not exist")
	default:
		return problem(c, http.StatusInternalServerError, "Internal error", err.Error())
	}
}

func statusForWorkflowError(err error) int {
	var ce *vault.CredentialError
	switch {
	case errors.As(err, &ce):
		return http.StatusUnprocessableEntity
	case errors.Is(err, router.ErrNoHealthyServer):
		return http.StatusServiceUnavailable
	case errors.Is(err, workflow.ErrWorkflowTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, workflow.ErrStepLimitExceeded):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

// problem writes an RFC 7807 Problem Details response.
func problem(c echo.Context, status int, title, detail string) error {
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	return c.JSON(status, models.ProblemDetails{
		Type:   "about:blank",
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
