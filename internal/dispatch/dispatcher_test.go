package dispatch

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcp-orchestrator/backend/internal/logging"
	"mcp-orchestrator/backend/internal/mcpwire"
	"mcp-orchestrator/backend/internal/repository"
	"mcp-orchestrator/backend/internal/router"
	"mcp-orchestrator/backend/pkg/models"
)

type fakeResolver struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeResolver) Resolve(ctx context.Context, tenantID, serverType string) (*router.Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &router.Target{
		Instance:   models.ServerInstance{ServerType: serverType, Address: "http://a:9000", Health: models.HealthHealthy},
		Credential: "cred-" + tenantID,
	}, nil
}

// fakeCaller runs a scripted sequence of replies, one per attempt.
type fakeCaller struct {
	mu     sync.Mutex
	calls  int
	script []error
	result string
}

func (f *fakeCaller) Call(ctx context.Context, address, credential, toolName string, params map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	if idx < len(f.script) && f.script[idx] != nil {
		return "", f.script[idx]
	}
	return f.result, nil
}

func (f *fakeCaller) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() Config {
	return Config{
		Workers:        2,
		QueueSize:      16,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		CallTimeout:    time.Second,
	}
}

func startDispatcher(t *testing.T, resolver Resolver, caller Caller, repo *repository.MemoryRepository) *Dispatcher {
	t.Helper()
	d := New(testConfig(), resolver, caller, repo, logging.NewLoggerWithOutput("error", "text", io.Discard))
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	t.Cleanup(func() {
		cancel()
		d.Wait()
	})
	return d
}

func invocation(key string) *models.ToolInvocation {
	return &models.ToolInvocation{
		IdempotencyKey: key,
		TenantID:       "tenant-a",
		ServerType:     "github",
		ToolName:       "list_prs",
		Parameters:     map[string]any{"state": "open"},
	}
}

func awaitOutcome(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case outcome := <-ch:
		return outcome
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outcome")
		return Outcome{}
	}
}

func TestDispatch_Success(t *testing.T) {
	caller := &fakeCaller{result: `{"prs": 3}`}
	d := startDispatcher(t, &fakeResolver{}, caller, repository.NewMemoryRepository())

	ch, err := d.Enqueue(context.Background(), invocation("wf-1:0"))
	require.NoError(t, err)

	outcome := awaitOutcome(t, ch)
	assert.Equal(t, OutcomeSucceeded, outcome.Kind)
	assert.Equal(t, `{"prs": 3}`, outcome.Result)
	assert.Equal(t, 1, outcome.Attempts)
}

func TestDispatch_TransientFailuresRetryWithinBudget(t *testing.T) {
	caller := &fakeCaller{
		script: []error{
			&mcpwire.TransientError{Err: errors.New("connection refused")},
			&mcpwire.TransientError{Err: errors.New("status code 503")},
			nil,
		},
		result: "ok",
	}
	resolver := &fakeResolver{}
	d := startDispatcher(t, resolver, caller, repository.NewMemoryRepository())

	ch, err := d.Enqueue(context.Background(), invocation("wf-1:0"))
	require.NoError(t, err)

	outcome := awaitOutcome(t, ch)
	assert.Equal(t, OutcomeSucceeded, outcome.Kind)
	assert.Equal(t, 3, outcome.Attempts)
	// Each attempt resolves fresh; no target is reused across attempts.
	assert.Equal(t, 3, resolver.calls)
}

func TestDispatch_ExhaustedRetriesDeadLetter(t *testing.T) {
	caller := &fakeCaller{
		script: []error{
			&mcpwire.TransientError{Err: errors.New("timeout")},
			&mcpwire.TransientError{Err: errors.New("timeout")},
			&mcpwire.TransientError{Err: errors.New("timeout")},
			nil, // would succeed on a 4th attempt that must never happen
		},
	}
	repo := repository.NewMemoryRepository()
	d := startDispatcher(t, &fakeResolver{}, caller, repo)

	ch, err := d.Enqueue(context.Background(), invocation("wf-1:0"))
	require.NoError(t, err)

	outcome := awaitOutcome(t, ch)
	assert.Equal(t, OutcomePermanentFailure, outcome.Kind)
	assert.Equal(t, 3, outcome.Attempts)
	assert.Equal(t, 3, caller.callCount())

	letters, err := repo.ListDeadLetters(context.Background(), "tenant-a")
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "wf-1:0", letters[0].IdempotencyKey)
	assert.Equal(t, "list_prs", letters[0].ToolName)
	assert.Equal(t, 3, letters[0].Attempts)
	assert.Contains(t, letters[0].LastError, "timeout")
}

func TestDispatch_RejectionDoesNotRetry(t *testing.T) {
	caller := &fakeCaller{
		script: []error{&mcpwire.RejectedError{Status: 400, Message: "unknown tool"}},
	}
	repo := repository.NewMemoryRepository()
	d := startDispatcher(t, &fakeResolver{}, caller, repo)

	ch, err := d.Enqueue(context.Background(), invocation("wf-1:0"))
	require.NoError(t, err)

	outcome := awaitOutcome(t, ch)
	assert.Equal(t, OutcomeToolRejected, outcome.Kind)
	assert.Equal(t, 1, outcome.Attempts)

	// Rejections are not dead-lettered; retrying cannot change the answer.
	letters, err := repo.ListDeadLetters(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestDispatch_ResolveFailureRetriesUntilHealthy(t *testing.T) {
	resolver := &fakeResolver{err: router.ErrNoHealthyServer}
	caller := &fakeCaller{result: "ok"}
	repo := repository.NewMemoryRepository()
	d := startDispatcher(t, resolver, caller, repo)

	ch, err := d.Enqueue(context.Background(), invocation("wf-1:0"))
	require.NoError(t, err)

	outcome := awaitOutcome(t, ch)
	assert.Equal(t, OutcomePermanentFailure, outcome.Kind)
	assert.Equal(t, 3, resolver.calls)
	assert.Zero(t, caller.callCount())
}

func TestDispatch_IdempotentRedelivery(t *testing.T) {
	caller := &fakeCaller{result: "first-result"}
	d := startDispatcher(t, &fakeResolver{}, caller, repository.NewMemoryRepository())

	ch, err := d.Enqueue(context.Background(), invocation("wf-1:0"))
	require.NoError(t, err)
	first := awaitOutcome(t, ch)
	require.Equal(t, OutcomeSucceeded, first.Kind)

	// Redelivering the same key re-delivers the recorded outcome without a
	// second execution.
	ch, err = d.Enqueue(context.Background(), invocation("wf-1:0"))
	require.NoError(t, err)
	second := awaitOutcome(t, ch)
	assert.Equal(t, OutcomeSucceeded, second.Kind)
	assert.Equal(t, "first-result", second.Result)
	assert.Equal(t, 1, caller.callCount())
}

func TestDispatch_DistinctStepsGetDistinctKeys(t *testing.T) {
	assert.Equal(t, "wf-1:0", IdempotencyKey("wf-1", 0))
	assert.NotEqual(t, IdempotencyKey("wf-1", 0), IdempotencyKey("wf-1", 1))
	assert.NotEqual(t, IdempotencyKey("wf-1", 0), IdempotencyKey("wf-2", 0))
}

func TestDispatch_QueueFull(t *testing.T) {
	// Not started: nothing drains the queue.
	d := New(Config{Workers: 1, QueueSize: 1, MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, CallTimeout: time.Second},
		&fakeResolver{}, &fakeCaller{}, repository.NewMemoryRepository(), logging.NewLoggerWithOutput("error", "text", io.Discard))

	_, err := d.Enqueue(context.Background(), invocation("wf-1:0"))
	require.NoError(t, err)
	_, err = d.Enqueue(context.Background(), invocation("wf-1:1"))
	assert.ErrorIs(t, err, ErrQueueFull)
}
