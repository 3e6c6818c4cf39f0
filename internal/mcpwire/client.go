// Package mcpwire implements the outbound wire protocol to tool-server
// instances: a JSON call carrying tool name, parameters and the tenant's
// credential context, plus the /health probe used by the health checker.
package mcpwire

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// TransientError marks failures worth retrying: timeouts, refused
// connections and 5xx responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient tool-server error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// RejectedError marks non-retryable failures: the server understood the call
// and refused it (invalid parameters, unknown tool, 4xx responses).
type RejectedError struct {
	Status  int
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("tool rejected (status %d): %s", e.Status, e.Message)
}

// callRequest is the wire payload for one tool call.
type callRequest struct {
	ToolName          string            `json:"tool_name"`
	Parameters        map[string]any    `json:"parameters"`
	CredentialContext map[string]string `json:"credential_context"`
}

// callResponse is the wire reply: exactly one of result or error is set.
type callResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Client executes calls against tool-server instances.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a Client with the given per-call timeout.
func NewClient(callTimeout time.Duration) *Client {
	if callTimeout == 0 {
		callTimeout = 30 * time.Second
	}
	return &Client{httpClient: &http.Client{Timeout: callTimeout}}
}

// Call invokes a named tool on one instance. The credential travels only in
// this request body and is never retained by the client.
func (c *Client) Call(ctx context.Context, address, credential, toolName string, params map[string]any) (string, error) {
	body, err := json.Marshal(callRequest{
		ToolName:          toolName,
		Parameters:        params,
		CredentialContext: map[string]string{"token": credential},
	})
	if err != nil {
		return "", fmt.Errorf("marshal call request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, address+"/call", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create call request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return "", &TransientError{Err: fmt.Errorf("status code %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return "", &RejectedError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	var cr callResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", &TransientError{Err: fmt.Errorf("decode response: %w", err)}
	}
	if cr.Error != "" {
		return "", &RejectedError{Status: resp.StatusCode, Message: cr.Error}
	}

	var asString string
	if err := json.Unmarshal(cr.Result, &asString); err == nil {
		return asString, nil
	}
	return string(cr.Result), nil
}

// Health probes an instance's /health endpoint.
func (c *Client) Health(ctx context.Context, address string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, address+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health probe: status code %d", resp.StatusCode)
	}
	return nil
}
