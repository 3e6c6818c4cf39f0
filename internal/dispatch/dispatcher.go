// Package dispatch decouples routing decisions from tool execution. A
// buffered queue drained by a worker pool gives at-least-once delivery with
// idempotent redelivery, exponential-backoff retries for transient failures
// and a dead-letter store for exhausted invocations.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"mcp-orchestrator/backend/internal/mcpwire"
	"mcp-orchestrator/backend/internal/router"
	"mcp-orchestrator/backend/internal/vault"
	"mcp-orchestrator/backend/pkg/models"
)

// ErrQueueFull is returned when the dispatch queue cannot accept another
// invocation.
var ErrQueueFull = errors.New("dispatch queue full")

// OutcomeKind classifies how an invocation finished.
type OutcomeKind string

const (
	// OutcomeSucceeded means the tool call completed.
	OutcomeSucceeded OutcomeKind = "succeeded"
	// OutcomeToolRejected means the server refused the call; retrying cannot
	// help.
	OutcomeToolRejected OutcomeKind = "tool_rejected"
	// OutcomePermanentFailure means transient retries were exhausted and the
	// invocation was dead-lettered.
	OutcomePermanentFailure OutcomeKind = "permanent_dispatch_failure"
)

// Outcome is the completion report delivered on the per-key notification
// channel.
type Outcome struct {
	Key      string
	Kind     OutcomeKind
	Result   string
	Err      error
	Attempts int
}

// Resolver picks a target for one attempt. Resolution happens per attempt so
// a retry lands on a currently-healthy instance and credentials are never
// cached between attempts.
type Resolver interface {
	Resolve(ctx context.Context, tenantID, serverType string) (*router.Target, error)
}

// Caller executes one wire call against a resolved instance.
type Caller interface {
	Call(ctx context.Context, address, credential, toolName string, params map[string]any) (string, error)
}

// DeadLetterStore persists exhausted invocations for operator inspection.
type DeadLetterStore interface {
	SaveDeadLetter(ctx context.Context, dl *models.DeadLetter) error
}

// Config holds the dispatcher settings.
type Config struct {
	Workers        int
	QueueSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	CallTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 250 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	return c
}

// IdempotencyKey derives the key for one logical workflow step.
func IdempotencyKey(workflowInstanceID string, stepIndex int) string {
	return fmt.Sprintf("%s:%d", workflowInstanceID, stepIndex)
}

// Dispatcher owns the queue, the worker pool and the per-key completion
// channels.
type Dispatcher struct {
	cfg      Config
	resolver Resolver
	caller   Caller
	letters  DeadLetterStore
	logger   *slog.Logger

	queue chan *models.ToolInvocation
	wg    sync.WaitGroup

	mu        sync.Mutex
	waiting   map[string]chan Outcome
	completed map[string]Outcome
}

// New creates a Dispatcher. Call Start before enqueueing.
func New(cfg Config, resolver Resolver, caller Caller, letters DeadLetterStore, logger *slog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg:       cfg,
		resolver:  resolver,
		caller:    caller,
		letters:   letters,
		logger:    logger,
		queue:     make(chan *models.ToolInvocation, cfg.QueueSize),
		waiting:   make(map[string]chan Outcome),
		completed: make(map[string]Outcome),
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// Wait blocks until all workers have exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Enqueue accepts an invocation and returns its completion channel
// immediately. Redelivering a key that already succeeded re-delivers the
// recorded outcome without executing the call again; an invocation already
// in flight shares its channel.
func (d *Dispatcher) Enqueue(ctx context.Context, inv *models.ToolInvocation) (<-chan Outcome, error) {
	key := inv.IdempotencyKey

	d.mu.Lock()
	if prior, ok := d.completed[key]; ok && prior.Kind == OutcomeSucceeded {
		d.mu.Unlock()
		ch := make(chan Outcome, 1)
		ch <- prior
		d.logger.Debug("deduplicated invocation", "invocation", key)
		return ch, nil
	}
	if ch, ok := d.waiting[key]; ok {
		d.mu.Unlock()
		return ch, nil
	}
	ch := make(chan Outcome, 1)
	d.waiting[key] = ch
	d.mu.Unlock()

	inv.Status = models.InvocationQueued

	select {
	case d.queue <- inv:
		queueDepth.Inc()
		return ch, nil
	default:
		d.mu.Lock()
		delete(d.waiting, key)
		d.mu.Unlock()
		return nil, ErrQueueFull
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case inv := <-d.queue:
			queueDepth.Dec()
			outcome := d.execute(ctx, inv)
			outcomesTotal.WithLabelValues(string(outcome.Kind)).Inc()
			d.deliver(outcome)
		}
	}
}

func (d *Dispatcher) deliver(outcome Outcome) {
	d.mu.Lock()
	ch := d.waiting[outcome.Key]
	delete(d.waiting, outcome.Key)
	d.completed[outcome.Key] = outcome
	d.mu.Unlock()

	if ch != nil {
		ch <- outcome
	}
}

// execute runs one invocation to a terminal status. Transient failures back
// off exponentially up to MaxAttempts; non-retryable rejections stop
// immediately.
func (d *Dispatcher) execute(ctx context.Context, inv *models.ToolInvocation) Outcome {
	inv.Status = models.InvocationDispatched

	var result string

	operation := func() error {
		inv.AttemptCount++
		attemptsTotal.WithLabelValues(inv.ServerType).Inc()

		target, err := d.resolver.Resolve(ctx, inv.TenantID, inv.ServerType)
		if err != nil {
			if errors.Is(err, router.ErrNoHealthyServer) {
				// A recovering instance may pass the next health sweep.
				return err
			}
			// Credential and other resolution errors cannot be retried away.
			return backoff.Permanent(err)
		}

		callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
		defer cancel()

		result, err = d.caller.Call(callCtx, target.Instance.Address, target.Credential, inv.ToolName, inv.Parameters)
		if err == nil {
			return nil
		}

		var rejected *mcpwire.RejectedError
		if errors.As(err, &rejected) {
			return backoff.Permanent(err)
		}
		d.logger.Warn("transient dispatch failure",
			"invocation", inv.IdempotencyKey, "server_type", inv.ServerType,
			"attempt", inv.AttemptCount, "error", err)
		return err
	}

	err := backoff.Retry(operation, d.newBackOff(ctx))

	key := inv.IdempotencyKey
	switch {
	case err == nil:
		inv.Status = models.InvocationSucceeded
		return Outcome{Key: key, Kind: OutcomeSucceeded, Result: result, Attempts: inv.AttemptCount}

	case isRejection(err):
		inv.Status = models.InvocationFailed
		return Outcome{Key: key, Kind: OutcomeToolRejected, Err: err, Attempts: inv.AttemptCount}

	default:
		inv.Status = models.InvocationDeadLettered
		d.deadLetter(inv, err)
		return Outcome{Key: key, Kind: OutcomePermanentFailure, Err: err, Attempts: inv.AttemptCount}
	}
}

func (d *Dispatcher) newBackOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.InitialBackoff
	bo.MaxInterval = d.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(d.cfg.MaxAttempts-1)), ctx)
}

// deadLetter preserves the exhausted invocation. Persistence failures are
// logged, never allowed to mask the dispatch outcome.
func (d *Dispatcher) deadLetter(inv *models.ToolInvocation, cause error) {
	dl := &models.DeadLetter{
		IdempotencyKey: inv.IdempotencyKey,
		TenantID:       inv.TenantID,
		ServerType:     inv.ServerType,
		ToolName:       inv.ToolName,
		Parameters:     inv.Parameters,
		Attempts:       inv.AttemptCount,
		LastError:      cause.Error(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.letters.SaveDeadLetter(ctx, dl); err != nil {
		d.logger.Error("failed to persist dead letter", "invocation", inv.IdempotencyKey, "error", err)
	}
	d.logger.Error("invocation dead-lettered",
		"invocation", inv.IdempotencyKey, "server_type", inv.ServerType,
		"attempts", inv.AttemptCount, "error", cause)
}

func isRejection(err error) bool {
	var rejected *mcpwire.RejectedError
	if errors.As(err, &rejected) {
		return true
	}
	var ce *vault.CredentialError
	return errors.As(err, &ce)
}
