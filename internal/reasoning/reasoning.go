// Package reasoning adapts the external language model into structured
// intents. The model is a black box reached over HTTP; this package owns the
// prompt construction, response parsing and the confidence gate.
package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"mcp-orchestrator/backend/pkg/models"
)

// ErrUnavailable is returned when the reasoning call times out or fails at
// the transport level. The adapter never guesses an intent in that case.
var ErrUnavailable = errors.New("reasoning engine unavailable")

// Engine turns conversational context plus a new message into an Intent.
type Engine interface {
	Classify(ctx context.Context, turns []models.Turn, message string, servers []models.MCPServerConfig) (*models.Intent, error)
	Compose(ctx context.Context, message string, results []string) (string, error)
}

// Config holds the adapter settings.
type Config struct {
	URL                 string
	Model               string
	ConfidenceThreshold float64
	Timeout             time.Duration
}

// HTTPEngine is the production Engine talking to a completion endpoint.
type HTTPEngine struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// NewHTTPEngine creates an HTTPEngine with defaults applied.
func NewHTTPEngine(cfg Config, logger *slog.Logger) *HTTPEngine {
	if cfg.ConfidenceThreshold == 0 {
		cfg.ConfidenceThreshold = 0.6
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPEngine{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

const systemPrompt = `You are an orchestrator that helps users interact with MCP (Model Context Protocol) tool servers.

Given a user message and the available servers, decide whether the message requires a tool call. Respond only with a JSON object containing:
1. "action": short name for what the user wants
2. "requires_mcp_action": true/false
3. "plan": ordered list of steps, each {"server_type", "tool_name", "parameters"} (when action required)
4. "response": direct reply when no tool call is needed
5. "confidence": 0.0-1.0, how certain you are about this interpretation`

// classification is the wire shape of the model's JSON reply. Both the
// single-step fields and the plan list are accepted.
type classification struct {
	Action            string           `json:"action"`
	Intent            string           `json:"intent"`
	RequiresMCPAction bool             `json:"requires_mcp_action"`
	ServerType        string           `json:"server_type"`
	ToolName          string           `json:"tool_name"`
	Parameters        map[string]any   `json:"parameters"`
	Plan              []wireStep       `json:"plan"`
	Response          string           `json:"response"`
	Confidence        float64          `json:"confidence"`
}

type wireStep struct {
	ServerType string         `json:"server_type"`
	ToolName   string         `json:"tool_name"`
	Parameters map[string]any `json:"parameters"`
}

// Classify builds the analysis prompt from the history excerpt and the
// tenant's configured servers, calls the model, and applies the confidence
// threshold. Confidence below the threshold yields a clarification intent
// instead of a target/tool pair.
func (e *HTTPEngine) Classify(ctx context.Context, turns []models.Turn, message string, servers []models.MCPServerConfig) (*models.Intent, error) {
	prompt := e.buildClassifyPrompt(turns, message, servers)

	raw, err := e.complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	parsed, ok := parseClassification(raw)
	if !ok {
		// The model answered in prose instead of JSON; treat it as a direct
		// conversational reply rather than inventing a tool call.
		e.logger.Debug("unstructured reasoning reply, treating as direct response")
		return &models.Intent{Kind: models.IntentDirect, Response: strings.TrimSpace(raw), Confidence: 1}, nil
	}

	if parsed.Confidence < e.cfg.ConfidenceThreshold {
		question := parsed.Response
		if question == "" {
			question = "I'm not sure what you're asking for. Could you rephrase or add more detail?"
		}
		return &models.Intent{Kind: models.IntentClarification, Action: parsed.Action, Response: question, Confidence: parsed.Confidence}, nil
	}

	if !parsed.RequiresMCPAction {
		return &models.Intent{Kind: models.IntentDirect, Action: parsed.Action, Response: parsed.Response, Confidence: parsed.Confidence}, nil
	}

	plan := make([]models.PlanStep, 0, len(parsed.Plan)+1)
	for _, step := range parsed.Plan {
		plan = append(plan, models.PlanStep{ServerType: step.ServerType, ToolName: step.ToolName, Parameters: step.Parameters})
	}
	if len(plan) == 0 && parsed.ToolName != "" {
		plan = append(plan, models.PlanStep{ServerType: parsed.ServerType, ToolName: parsed.ToolName, Parameters: parsed.Parameters})
	}
	if len(plan) == 0 {
		return &models.Intent{Kind: models.IntentDirect, Action: parsed.Action, Response: parsed.Response, Confidence: parsed.Confidence}, nil
	}

	return &models.Intent{Kind: models.IntentToolCall, Action: parsed.Action, Plan: plan, Confidence: parsed.Confidence}, nil
}

// Compose formats tool results into the final assistant reply. If the model
// is unreachable the raw tool output is returned as-is rather than losing
// the result.
func (e *HTTPEngine) Compose(ctx context.Context, message string, results []string) (string, error) {
	var b strings.Builder
	b.WriteString("Summarize the following tool results as a concise answer to the user's request.\n\n")
	fmt.Fprintf(&b, "User request: %q\n\nTool results:\n", message)
	for i, res := range results {
		fmt.Fprintf(&b, "%d. %s\n", i+1, res)
	}

	summary, err := e.complete(ctx, b.String())
	if err != nil {
		e.logger.Warn("compose fell back to raw tool output", "error", err)
		return strings.Join(results, "\n"), nil
	}
	return strings.TrimSpace(summary), nil
}

func (e *HTTPEngine) buildClassifyPrompt(turns []models.Turn, message string, servers []models.MCPServerConfig) string {
	var b strings.Builder
	b.WriteString(systemPrompt)
	b.WriteString("\n\nAvailable MCP servers:\n")
	b.WriteString(serverContext(servers))

	if len(turns) > 0 {
		b.WriteString("\nConversation history:\n")
		for _, t := range turns {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
		}
	}

	fmt.Fprintf(&b, "\nUser message: %q\n\nRespond only with valid JSON:", message)
	return b.String()
}

func serverContext(servers []models.MCPServerConfig) string {
	if len(servers) == 0 {
		return "No MCP servers configured.\n"
	}
	var b strings.Builder
	for _, s := range servers {
		if len(s.EnabledTools) > 0 {
			fmt.Fprintf(&b, "- %s: %s\n", s.ServerType, strings.Join(s.EnabledTools, ", "))
		} else {
			fmt.Fprintf(&b, "- %s\n", s.ServerType)
		}
	}
	return b.String()
}

// completionRequest and completionResponse are the black-box model API.
type completionRequest struct {
	Model  string `json:"model,omitempty"`
	Prompt string `json:"prompt"`
}

type completionResponse struct {
	Completion string `json:"completion"`
}

func (e *HTTPEngine) complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(completionRequest{Model: e.cfg.Model, Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("marshal completion request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.URL+"/v1/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status code %d", ErrUnavailable, resp.StatusCode)
	}

	var cr completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return cr.Completion, nil
}

// parseClassification strips an optional ```json fence and unmarshals the
// model's reply.
func parseClassification(raw string) (*classification, bool) {
	cleaned := strings.TrimSpace(raw)
	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimPrefix(cleaned, "```")
		cleaned = strings.TrimSuffix(strings.TrimSpace(cleaned), "```")
		cleaned = strings.TrimSpace(cleaned)
	}

	var parsed classification
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return nil, false
	}
	if parsed.Action == "" {
		parsed.Action = parsed.Intent
	}
	return &parsed, true
}
