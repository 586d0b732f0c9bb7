package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"marimoguard/internal/logging"
	"marimoguard/internal/transport"
)

// DefaultBaseURL is where marimo serves its MCP endpoint by default.
const DefaultBaseURL = "http://localhost:2718/mcp/server"

// DefaultConnectionTimeout bounds each status request.
const DefaultConnectionTimeout = 5 * time.Second

// Client queries a marimo server's status endpoint.
type Client struct {
	baseURL string
	http    transport.Doer
	timeout time.Duration
	poll    time.Duration
}

// NewClient creates a client for baseURL (".../mcp/server"). An empty
// baseURL selects DefaultBaseURL.
func NewClient(baseURL string, doer transport.Doer) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if doer == nil {
		doer = transport.New(transport.DefaultConfig())
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    doer,
		timeout: DefaultConnectionTimeout,
		poll:    500 * time.Millisecond,
	}
}

// BaseURL returns the normalized endpoint base.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ActiveNotebooks lists the notebooks the server has open. Transport
// failures are returned; malformed payloads yield an empty list.
func (c *Client) ActiveNotebooks(ctx context.Context) ([]Notebook, error) {
	payload, err := c.post(ctx, "/prompts/active_notebooks", []int{http.StatusOK})
	if err != nil {
		logging.MCPDebug("active_notebooks failed: %v", err)
		return nil, err
	}

	list, ok := Unwrap(payload).([]any)
	if !ok {
		logging.MCPWarn("Unexpected active_notebooks payload shape: %T", payload)
		return []Notebook{}, nil
	}
	notebooks := make([]Notebook, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			notebooks = append(notebooks, Notebook(m))
		}
	}
	logging.MCPDebug("active_notebooks returned %d entries", len(notebooks))
	return notebooks, nil
}

// ErrorsSummary fetches per-notebook errors. Transport failures are
// returned; malformed payloads yield EmptySummary.
func (c *Client) ErrorsSummary(ctx context.Context) (ErrorsSummary, error) {
	payload, err := c.post(ctx, "/prompts/errors_summary", []int{http.StatusOK})
	if err != nil {
		logging.MCPDebug("errors_summary failed: %v", err)
		return EmptySummary(), err
	}

	obj, ok := Unwrap(payload).(map[string]any)
	if !ok {
		logging.MCPWarn("Unexpected errors_summary payload shape: %T", payload)
		return EmptySummary(), nil
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return EmptySummary(), nil
	}
	summary := EmptySummary()
	if err := json.Unmarshal(data, &summary); err != nil {
		logging.MCPWarn("errors_summary did not match the expected shape: %v", err)
		return EmptySummary(), nil
	}
	if summary.Notebooks == nil {
		summary.Notebooks = map[string]NotebookErrors{}
	}
	return summary, nil
}

// HealthCheck probes the server root's /health path and falls back to the
// active-notebooks prompt. It is false only when both probes fail.
func (c *Client) HealthCheck(ctx context.Context) bool {
	root := strings.Replace(c.baseURL, "/mcp/server", "", 1)
	_, err := c.http.Do(ctx, transport.Request{
		Method:     http.MethodGet,
		URL:        root + "/health",
		Timeout:    c.timeout,
		OKStatuses: []int{http.StatusOK, http.StatusNotFound, http.StatusMethodNotAllowed},
	})
	if err == nil {
		return true
	}
	logging.MCPDebug("health probe failed, trying active_notebooks: %v", err)

	_, err = c.http.Do(ctx, transport.Request{
		Method:     http.MethodPost,
		URL:        c.baseURL + "/prompts/active_notebooks",
		Body:       map[string]any{},
		Timeout:    c.timeout,
		OKStatuses: []int{http.StatusOK, http.StatusBadRequest, http.StatusNotFound},
	})
	if err != nil {
		logging.MCP("Status endpoint unreachable at %s: %v", c.baseURL, err)
		return false
	}
	return true
}

// WaitReady polls HealthCheck until it succeeds or d elapses.
func (c *Client) WaitReady(ctx context.Context, d time.Duration) bool {
	if c.HealthCheck(ctx) {
		return true
	}
	if d <= 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if c.HealthCheck(ctx) {
				return true
			}
		}
	}
}

func (c *Client) post(ctx context.Context, path string, ok []int) (any, error) {
	resp, err := c.http.Do(ctx, transport.Request{
		Method:     http.MethodPost,
		URL:        c.baseURL + path,
		Body:       map[string]any{},
		Timeout:    c.timeout,
		OKStatuses: ok,
	})
	if err != nil {
		return nil, err
	}
	var payload any
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		logging.MCPWarn("Non-JSON payload from %s: %v", path, err)
		return nil, nil
	}
	return payload, nil
}
