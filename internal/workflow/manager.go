// Package workflow runs the per-conversation state machine that carries a
// user message from intent extraction through routing and dispatch to the
// composed reply.
//
// Conversations are mutually exclusive: one logical owner per conversation
// id, so tool-call sequencing within a workflow is never racy while
// different conversations proceed fully in parallel.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mcp-orchestrator/backend/internal/dispatch"
	"mcp-orchestrator/backend/internal/reasoning"
	"mcp-orchestrator/backend/internal/router"
	"mcp-orchestrator/backend/internal/services"
	"mcp-orchestrator/backend/internal/vault"
	"mcp-orchestrator/backend/pkg/models"
)

var (
	// ErrWorkflowTimeout means the end-to-end deadline elapsed.
	ErrWorkflowTimeout = errors.New("workflow deadline exceeded")
	// ErrStepLimitExceeded means the plan needed more tool calls than the
	// configured cap allows.
	ErrStepLimitExceeded = errors.New("workflow step limit exceeded")
	// ErrConversationBusy means the per-conversation lock could not be
	// acquired within the lock timeout.
	ErrConversationBusy = errors.New("conversation busy")
	// ErrCancelled means the caller went away; results are discarded and
	// nothing is appended to history.
	ErrCancelled = errors.New("workflow cancelled")
)

// Config holds the workflow settings.
type Config struct {
	StepLimit     int
	Deadline      time.Duration
	LockTimeout   time.Duration
	ContextBudget int
}

func (c Config) withDefaults() Config {
	if c.StepLimit <= 0 {
		c.StepLimit = 8
	}
	if c.Deadline <= 0 {
		c.Deadline = 60 * time.Second
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 30 * time.Second
	}
	if c.ContextBudget <= 0 {
		c.ContextBudget = 4096
	}
	return c
}

// Enqueuer hands invocations to the dispatch layer.
type Enqueuer interface {
	Enqueue(ctx context.Context, inv *models.ToolInvocation) (<-chan dispatch.Outcome, error)
}

// Resolver validates that a routable target exists for a step.
type Resolver interface {
	Resolve(ctx context.Context, tenantID, serverType string) (*router.Target, error)
}

// ConfigLister exposes the tenant's registered server types to the
// reasoning prompt.
type ConfigLister interface {
	ListServerConfigs(ctx context.Context, tenantID string) ([]models.MCPServerConfig, error)
}

// Manager coordinates workflow instances across conversations.
type Manager struct {
	conv       *services.ConversationService
	engine     reasoning.Engine
	resolver   Resolver
	dispatcher Enqueuer
	configs    ConfigLister
	cfg        Config
	logger     *slog.Logger

	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewManager creates a Manager.
func NewManager(conv *services.ConversationService, engine reasoning.Engine, resolver Resolver, dispatcher Enqueuer, configs ConfigLister, cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		conv:       conv,
		engine:     engine,
		resolver:   resolver,
		dispatcher: dispatcher,
		configs:    configs,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		locks:      make(map[string]chan struct{}),
	}
}

// HandleMessage runs one workflow instance for an inbound user message and
// returns the reply turn. Every terminal failure appends a single
// explanatory turn; the terminal error is also returned so the HTTP layer
// can pick a status code. A cancelled request appends nothing.
func (m *Manager) HandleMessage(ctx context.Context, tenantID, conversationID, content string) (*models.Turn, error) {
	wfCtx, cancel := context.WithTimeout(ctx, m.cfg.Deadline)
	defer cancel()

	if err := m.acquire(wfCtx, conversationID); err != nil {
		return nil, err
	}
	defer m.release(conversationID)

	if _, err := m.conv.Ensure(wfCtx, conversationID, tenantID); err != nil {
		return nil, err
	}
	if _, err := m.conv.Append(wfCtx, conversationID, models.RoleUser, content); err != nil {
		return nil, err
	}

	instance := &models.WorkflowInstance{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		TenantID:       tenantID,
		State:          models.StateExtractingIntent,
		StartedAt:      time.Now().UTC(),
	}

	reply, wfErr := m.run(wfCtx, ctx, instance, content)

	if errors.Is(wfErr, ErrCancelled) {
		instance.State = models.StateCancelled
		workflowsTotal.WithLabelValues(string(models.StateCancelled)).Inc()
		return nil, wfErr
	}

	// Appending the reply uses a fresh context: the explanatory turn must
	// land even when the workflow context already expired.
	appendCtx, appendCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer appendCancel()
	turn, err := m.conv.Append(appendCtx, conversationID, models.RoleAssistant, reply)
	if err != nil {
		return nil, err
	}

	terminal := instance.State
	instance.State = models.StateIdle
	workflowsTotal.WithLabelValues(string(terminal)).Inc()
	m.logger.Info("workflow finished",
		"conversation_id", conversationID, "tenant_id", tenantID,
		"terminal_state", terminal, "steps", instance.StepIndex)

	return turn, wfErr
}

// run drives the state machine to a terminal state and produces the reply
// text. The returned error is nil for clean completions and clarifications.
func (m *Manager) run(ctx, parent context.Context, instance *models.WorkflowInstance, content string) (string, error) {
	servers, err := m.configs.ListServerConfigs(ctx, instance.TenantID)
	if err != nil {
		instance.State = models.StateFailed
		return "Something went wrong while loading your configuration. Please try again.", err
	}

	turns, err := m.conv.RecentContext(ctx, instance.ConversationID, m.cfg.ContextBudget)
	if err != nil {
		instance.State = models.StateFailed
		return "Something went wrong while loading the conversation. Please try again.", err
	}

	intent, err := m.engine.Classify(ctx, turns, content, servers)
	if err != nil {
		instance.State = models.StateFailed
		if errors.Is(err, reasoning.ErrUnavailable) {
			return "The reasoning service is unavailable right now. Please try again shortly.", err
		}
		return "I couldn't interpret that request. Please try again.", err
	}

	switch intent.Kind {
	case models.IntentClarification:
		instance.State = models.StateClarifying
		return intent.Response, nil

	case models.IntentDirect:
		instance.State = models.StateComposing
		return intent.Response, nil
	}

	if len(intent.Plan) > m.cfg.StepLimit {
		instance.State = models.StateFailed
		return "This request needs more tool calls than a single workflow allows. Please split it into smaller requests.", ErrStepLimitExceeded
	}

	results := make([]string, 0, len(intent.Plan))
	for i, step := range intent.Plan {
		if instance.StepIndex >= m.cfg.StepLimit {
			instance.State = models.StateFailed
			return "This request needs more tool calls than a single workflow allows. Please split it into smaller requests.", ErrStepLimitExceeded
		}
		instance.StepIndex++

		instance.State = models.StateRouting
		if _, err := m.resolver.Resolve(ctx, instance.TenantID, step.ServerType); err != nil {
			instance.State = models.StateFailed
			return routingFailureMessage(step.ServerType, err), err
		}

		inv := &models.ToolInvocation{
			IdempotencyKey: dispatch.IdempotencyKey(instance.ID, i),
			TenantID:       instance.TenantID,
			ServerType:     step.ServerType,
			ToolName:       step.ToolName,
			Parameters:     step.Parameters,
		}

		ch, err := m.dispatcher.Enqueue(ctx, inv)
		if err != nil {
			instance.State = models.StateFailed
			return "The system is overloaded right now. Please try again shortly.", err
		}

		instance.State = models.StateAwaitingToolResult
		select {
		case outcome := <-ch:
			switch outcome.Kind {
			case dispatch.OutcomeSucceeded:
				results = append(results, outcome.Result)
				instance.Results = append(instance.Results, outcome.Result)
			case dispatch.OutcomeToolRejected:
				instance.State = models.StateFailed
				return fmt.Sprintf("The %s tool rejected the request: %s", step.ServerType, rootMessage(outcome.Err)), outcome.Err
			default:
				instance.State = models.StateFailed
				return fmt.Sprintf("The %s tool did not respond after repeated attempts. The failure has been recorded for review.", step.ServerType), outcome.Err
			}
		case <-ctx.Done():
			if parent.Err() != nil {
				// Client went away. The in-flight invocation finishes on its
				// own; its result is discarded.
				return "", ErrCancelled
			}
			instance.State = models.StateFailed
			return "The request took too long and was stopped. Please try again.", ErrWorkflowTimeout
		}
	}

	instance.State = models.StateComposing
	reply, err := m.engine.Compose(ctx, content, results)
	if err != nil || strings.TrimSpace(reply) == "" {
		reply = strings.Join(results, "\n")
	}
	return reply, nil
}

func routingFailureMessage(serverType string, err error) string {
	var ce *vault.CredentialError
	if errors.As(err, &ce) {
		if ce.Kind == vault.KindNotFound {
			return fmt.Sprintf("No %s credentials are configured for your account. Register them before using this tool.", serverType)
		}
		return fmt.Sprintf("Your stored %s credentials could not be read. Please register them again.", serverType)
	}
	if errors.Is(err, router.ErrNoHealthyServer) {
		return fmt.Sprintf("The %s service is unavailable right now. Please try again later.", serverType)
	}
	return fmt.Sprintf("The %s service could not be reached. Please try again later.", serverType)
}

func rootMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// acquire takes the per-conversation lock, queueing behind any active
// instance up to the lock timeout.
func (m *Manager) acquire(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	lock, ok := m.locks[conversationID]
	if !ok {
		lock = make(chan struct{}, 1)
		m.locks[conversationID] = lock
	}
	m.mu.Unlock()

	timer := time.NewTimer(m.cfg.LockTimeout)
	defer timer.Stop()

	select {
	case lock <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrConversationBusy
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return ErrWorkflowTimeout
		}
		return ErrCancelled
	}
}

func (m *Manager) release(conversationID string) {
	m.mu.Lock()
	lock := m.locks[conversationID]
	m.mu.Unlock()
	<-lock
}
