// Package models defines the domain models for the orchestrator service
package models

import (
	"time"
)

// TurnRole identifies who produced a conversation turn.
type TurnRole string

const (
	RoleUser      TurnRole = "user"
	RoleAssistant TurnRole = "assistant"
	RoleTool      TurnRole = "tool"
)

// Turn is a single immutable entry in a conversation. Seq is assigned by the
// store and is strictly increasing within a conversation.
type Turn struct {
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	Seq            int       `json:"seq" db:"seq"`
	Role           TurnRole  `json:"role" db:"role"`
	Content        string    `json:"content" db:"content"`
	Timestamp      time.Time `json:"timestamp" db:"ts"`
}

// Conversation groups turns for one tenant. Conversations are created on
// first message and never deleted by the orchestrator.
type Conversation struct {
	ID        string    `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// MCPServerConfig is a tenant's registration for one server type. The
// credential blob is sealed by the vault and never exposed in plaintext
// through any API response or log line.
type MCPServerConfig struct {
	TenantID      string    `json:"tenant_id" db:"tenant_id"`
	ServerType    string    `json:"server_type" db:"server_type"`
	EncryptedBlob []byte    `json:"-" db:"encrypted_blob"`
	EnabledTools  []string  `json:"enabled_tools" db:"enabled_tools"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// IntentKind distinguishes actionable intents from conversational ones.
type IntentKind string

const (
	// IntentToolCall means the message maps to one or more tool invocations.
	IntentToolCall IntentKind = "tool_call"
	// IntentDirect means the reasoning engine answered without tools.
	IntentDirect IntentKind = "direct"
	// IntentClarification means confidence was too low to act; the user is
	// asked to rephrase.
	IntentClarification IntentKind = "clarification"
)

// PlanStep is one ordered tool call within an intent's plan.
type PlanStep struct {
	ServerType string         `json:"server_type"`
	ToolName   string         `json:"tool_name"`
	Parameters map[string]any `json:"parameters"`
}

// Intent is the structured interpretation of a user message. It is
// transient: it lives only for the workflow instance that consumes it.
type Intent struct {
	Kind       IntentKind `json:"kind"`
	Action     string     `json:"action"`
	Plan       []PlanStep `json:"plan,omitempty"`
	Response   string     `json:"response,omitempty"`
	Confidence float64    `json:"confidence"`
}

// WorkflowState enumerates the per-conversation state machine.
type WorkflowState string

const (
	StateIdle               WorkflowState = "idle"
	StateExtractingIntent   WorkflowState = "extracting_intent"
	StateRouting            WorkflowState = "routing"
	StateAwaitingToolResult WorkflowState = "awaiting_tool_result"
	StateComposing          WorkflowState = "composing"
	StateClarifying         WorkflowState = "clarifying"
	StateFailed             WorkflowState = "failed"
	StateCancelled          WorkflowState = "cancelled"
)

// WorkflowInstance is the live execution of a plan within a conversation.
// At most one non-idle instance exists per conversation at a time.
type WorkflowInstance struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	TenantID       string        `json:"tenant_id"`
	State          WorkflowState `json:"state"`
	StepIndex      int           `json:"step_index"`
	Results        []string      `json:"results,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
}

// InvocationStatus tracks a tool invocation through the dispatch pipeline.
// Succeeded and DeadLettered are terminal.
type InvocationStatus string

const (
	InvocationQueued       InvocationStatus = "queued"
	InvocationDispatched   InvocationStatus = "dispatched"
	InvocationSucceeded    InvocationStatus = "succeeded"
	InvocationFailed       InvocationStatus = "failed"
	InvocationDeadLettered InvocationStatus = "dead_lettered"
)

// ToolInvocation is a single logical tool call owned by the workflow
// instance that created it. The idempotency key is derived from the workflow
// instance id and step index so redelivery of the same logical step is
// detectable.
type ToolInvocation struct {
	IdempotencyKey string           `json:"idempotency_key"`
	TenantID       string           `json:"tenant_id"`
	ServerType     string           `json:"server_type"`
	ToolName       string           `json:"tool_name"`
	Parameters     map[string]any   `json:"parameters"`
	Status         InvocationStatus `json:"status"`
	AttemptCount   int              `json:"attempt_count"`
}

// ServerHealth is the health-check verdict for a server instance.
type ServerHealth string

const (
	HealthHealthy   ServerHealth = "healthy"
	HealthUnhealthy ServerHealth = "unhealthy"
)

// ServerInstance is one addressable member of the tool-server pool. The
// health-check loop owns the Health and LastChecked fields; the router only
// reads them.
type ServerInstance struct {
	ServerType  string       `json:"server_type"`
	Address     string       `json:"address"`
	Health      ServerHealth `json:"health"`
	LastChecked time.Time    `json:"last_checked"`
}

// DeadLetter preserves an invocation that exhausted its retry budget, kept
// for operator inspection rather than discarded.
type DeadLetter struct {
	IdempotencyKey string         `json:"idempotency_key" db:"idempotency_key"`
	TenantID       string         `json:"tenant_id" db:"tenant_id"`
	ServerType     string         `json:"server_type" db:"server_type"`
	ToolName       string         `json:"tool_name" db:"tool_name"`
	Parameters     map[string]any `json:"parameters" db:"parameters"`
	Attempts       int            `json:"attempts" db:"attempts"`
	LastError      string         `json:"last_error" db:"last_error"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
}

// CredentialAccess is one audit-trail row for a vault reveal. It records who
// and when, never what.
type CredentialAccess struct {
	TenantID   string    `json:"tenant_id" db:"tenant_id"`
	ServerType string    `json:"server_type" db:"server_type"`
	AccessedAt time.Time `json:"accessed_at" db:"accessed_at"`
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}
