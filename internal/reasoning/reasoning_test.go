package reasoning

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcp-orchestrator/backend/internal/logging"
	"mcp-orchestrator/backend/pkg/models"
)

// fakeModel serves the completion endpoint with a canned reply and captures
// the prompt it received.
func fakeModel(t *testing.T, completion string) (*httptest.Server, *string) {
	t.Helper()
	var prompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/completions", r.URL.Path)
		var req struct {
			Prompt string `json:"prompt"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		prompt = req.Prompt
		json.NewEncoder(w).Encode(map[string]string{"completion": completion})
	}))
	t.Cleanup(srv.Close)
	return srv, &prompt
}

func newEngine(url string) *HTTPEngine {
	return NewHTTPEngine(Config{URL: url, ConfidenceThreshold: 0.6, Timeout: 2 * time.Second},
		logging.NewLoggerWithOutput("error", "text", io.Discard))
}

func TestClassify_ToolCallFromFencedJSON(t *testing.T) {
	reply := "```json\n" + `{
		"action": "list_prs",
		"requires_mcp_action": true,
		"plan": [{"server_type": "github", "tool_name": "list_prs", "parameters": {"state": "open"}}],
		"confidence": 0.92
	}` + "\n```"
	srv, prompt := fakeModel(t, reply)
	engine := newEngine(srv.URL)

	servers := []models.MCPServerConfig{{ServerType: "github", EnabledTools: []string{"list_prs", "create_issue"}}}
	intent, err := engine.Classify(context.Background(), nil, "list my open PRs", servers)
	require.NoError(t, err)

	assert.Equal(t, models.IntentToolCall, intent.Kind)
	require.Len(t, intent.Plan, 1)
	assert.Equal(t, "github", intent.Plan[0].ServerType)
	assert.Equal(t, "list_prs", intent.Plan[0].ToolName)
	assert.Equal(t, "open", intent.Plan[0].Parameters["state"])

	// The prompt advertises the tenant's configured servers and tools.
	assert.Contains(t, *prompt, "github")
	assert.Contains(t, *prompt, "create_issue")
	assert.Contains(t, *prompt, "list my open PRs")
}

func TestClassify_SingleStepFields(t *testing.T) {
	reply := `{"action": "create_issue", "requires_mcp_action": true, "server_type": "github", "tool_name": "create_issue", "parameters": {"title": "bug"}, "confidence": 0.8}`
	srv, _ := fakeModel(t, reply)
	engine := newEngine(srv.URL)

	intent, err := engine.Classify(context.Background(), nil, "file a bug", nil)
	require.NoError(t, err)
	assert.Equal(t, models.IntentToolCall, intent.Kind)
	require.Len(t, intent.Plan, 1)
	assert.Equal(t, "create_issue", intent.Plan[0].ToolName)
}

func TestClassify_LowConfidenceBecomesClarification(t *testing.T) {
	reply := `{"action": "unclear", "requires_mcp_action": true, "tool_name": "something", "server_type": "github", "confidence": 0.3}`
	srv, _ := fakeModel(t, reply)
	engine := newEngine(srv.URL)

	intent, err := engine.Classify(context.Background(), nil, "do the thing", nil)
	require.NoError(t, err)
	assert.Equal(t, models.IntentClarification, intent.Kind)
	assert.Empty(t, intent.Plan)
	assert.NotEmpty(t, intent.Response)
}

func TestClassify_NoActionNeeded(t *testing.T) {
	reply := `{"action": "greeting", "requires_mcp_action": false, "response": "Hello! How can I help?", "confidence": 0.97}`
	srv, _ := fakeModel(t, reply)
	engine := newEngine(srv.URL)

	intent, err := engine.Classify(context.Background(), nil, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, models.IntentDirect, intent.Kind)
	assert.Equal(t, "Hello! How can I help?", intent.Response)
}

func TestClassify_ProseReplyTreatedAsDirect(t *testing.T) {
	srv, _ := fakeModel(t, "Sure, happy to help with that!")
	engine := newEngine(srv.URL)

	intent, err := engine.Classify(context.Background(), nil, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, models.IntentDirect, intent.Kind)
	assert.Equal(t, "Sure, happy to help with that!", intent.Response)
}

func TestClassify_HistoryAppearsInPrompt(t *testing.T) {
	srv, prompt := fakeModel(t, `{"requires_mcp_action": false, "response": "ok", "confidence": 1}`)
	engine := newEngine(srv.URL)

	turns := []models.Turn{
		{Role: models.RoleUser, Content: "what about the payments repo?"},
		{Role: models.RoleAssistant, Content: "It has 2 open PRs."},
	}
	_, err := engine.Classify(context.Background(), turns, "and the billing repo?", nil)
	require.NoError(t, err)
	assert.Contains(t, *prompt, "payments repo")
	assert.Contains(t, *prompt, "It has 2 open PRs.")
}

func TestClassify_UnreachableModel(t *testing.T) {
	engine := NewHTTPEngine(Config{URL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond},
		logging.NewLoggerWithOutput("error", "text", io.Discard))

	_, err := engine.Classify(context.Background(), nil, "hi", nil)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestClassify_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newEngine(srv.URL).Classify(context.Background(), nil, "hi", nil)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCompose_SummarizesResults(t *testing.T) {
	srv, prompt := fakeModel(t, "You have 3 open pull requests.")
	engine := newEngine(srv.URL)

	reply, err := engine.Compose(context.Background(), "list my PRs", []string{`{"count": 3}`})
	require.NoError(t, err)
	assert.Equal(t, "You have 3 open pull requests.", reply)
	assert.Contains(t, *prompt, `{"count": 3}`)
}

func TestCompose_FallsBackToRawResults(t *testing.T) {
	engine := NewHTTPEngine(Config{URL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond},
		logging.NewLoggerWithOutput("error", "text", io.Discard))

	reply, err := engine.Compose(context.Background(), "list my PRs", []string{"result-a", "result-b"})
	require.NoError(t, err)
	assert.Equal(t, "result-a\nresult-b", reply)
}
