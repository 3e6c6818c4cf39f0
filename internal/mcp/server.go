// Package mcp exposes the orchestrator's own operational surface as an MCP
// server: read-only tools for inspecting the server pool, dead letters and
// conversation history. No credential material crosses this surface.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"mcp-orchestrator/backend/internal/health"
	"mcp-orchestrator/backend/internal/repository"
)

type Server struct {
	mcpServer *server.MCPServer
	registry  *health.Registry
	repo      repository.Repository
}

func NewServer(registry *health.Registry, repo repository.Repository) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Orchestrator Operations",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		registry: registry,
		repo:     repo,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_server_instances",
			mcp.WithDescription("List tool-server instances and their health state"),
		),
		s.handleListServerInstances,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_dead_letters",
			mcp.WithDescription("List dead-lettered tool invocations for a tenant"),
			mcp.WithString("tenant_id", mcp.Required(), mcp.Description("The tenant whose dead letters to list")),
		),
		s.handleListDeadLetters,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_conversation",
			mcp.WithDescription("Fetch a conversation's turn history"),
			mcp.WithString("tenant_id", mcp.Required(), mcp.Description("The tenant owning the conversation")),
			mcp.WithString("conversation_id", mcp.Required(), mcp.Description("The conversation to fetch")),
		),
		s.handleGetConversation,
	)
}

func (s *Server) handleListServerInstances(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instances := s.registry.Snapshot()
	jsonBytes, _ := json.Marshal(instances)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleListDeadLetters(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	tenantID, ok := args["tenant_id"].(string)
	if !ok || tenantID == "" {
		return mcp.NewToolResultError("Missing required parameter: tenant_id"), nil
	}

	letters, err := s.repo.ListDeadLetters(ctx, tenantID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list dead letters: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(letters)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleGetConversation(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	tenantID, ok := args["tenant_id"].(string)
	if !ok || tenantID == "" {
		return mcp.NewToolResultError("Missing required parameter: tenant_id"), nil
	}

	conversationID, ok := args["conversation_id"].(string)
	if !ok || conversationID == "" {
		return mcp.NewToolResultError("Missing required parameter: conversation_id"), nil
	}

	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch conversation: %v", err)), nil
	}
	if conv.TenantID != tenantID {
		return mcp.NewToolResultError("Conversation not found for tenant"), nil
	}

	turns, err := s.repo.ListTurns(ctx, conversationID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch turns: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(turns)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	// Use SSE server for /mcp/sse and /mcp/message endpoints
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		// Direct POST for tool calls
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	// SSE endpoints
	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
