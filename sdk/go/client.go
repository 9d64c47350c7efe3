package opsledgersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal opsledger HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{},
		Timeout:    10 * time.Second,
	}
}

// Task mirrors the API task model.
type Task struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	State       string         `json:"state"`
	OwningAgent *string        `json:"owning_agent,omitempty"`
	Priority    string         `json:"priority"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   *string        `json:"updated_at,omitempty"`
	Result      *string        `json:"result,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// Diagnostic mirrors the API diagnostic model.
type Diagnostic struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Description string         `json:"description"`
	Severity    string         `json:"severity"`
	Timestamp   string         `json:"timestamp"`
	Details     map[string]any `json:"details,omitempty"`
	Suggestions []string       `json:"suggestions,omitempty"`
}

// Fix mirrors the API fix model.
type Fix struct {
	ID           string  `json:"id"`
	DiagnosticID *string `json:"diagnostic_id,omitempty"`
	Description  string  `json:"description"`
	Code         *string `json:"code,omitempty"`
	Applied      bool    `json:"applied"`
	Timestamp    string  `json:"timestamp"`
	Result       *string `json:"result,omitempty"`
}

// Suggestion mirrors the API suggestion model.
type Suggestion struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Priority    string         `json:"priority"`
	Implemented bool           `json:"implemented"`
	Timestamp   string         `json:"timestamp"`
	Details     map[string]any `json:"details,omitempty"`
}

// Status is the aggregate counts report.
type Status struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Tasks     struct {
		Total   int            `json:"total"`
		ByState map[string]int `json:"by_state"`
	} `json:"tasks"`
	Diagnostics struct {
		Total      int            `json:"total"`
		BySeverity map[string]int `json:"by_severity"`
	} `json:"diagnostics"`
	Fixes struct {
		Total   int `json:"total"`
		Applied int `json:"applied"`
		Pending int `json:"pending"`
	} `json:"fixes"`
	Suggestions struct {
		Total       int `json:"total"`
		Implemented int `json:"implemented"`
		Pending     int `json:"pending"`
	} `json:"suggestions"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// TaskListOptions filter the task listing.
type TaskListOptions struct {
	State    string
	Agent    string
	Priority string
	Limit    int
}

// DiagnosticListOptions filter the diagnostic listing.
type DiagnosticListOptions struct {
	Kind     string
	Severity string
	Limit    int
}

// FixListOptions filter the fix listing.
type FixListOptions struct {
	Applied      *bool
	DiagnosticID string
	Limit        int
}

// SuggestionListOptions filter the suggestion listing.
type SuggestionListOptions struct {
	Kind        string
	Priority    string
	Implemented *bool
	Limit       int
}

// CreateTask creates a task from an arbitrary body.
func (c *Client) CreateTask(ctx context.Context, body map[string]any) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "task", body, &resp)
	return resp, err
}

// Tasks lists tasks.
func (c *Client) Tasks(ctx context.Context, opts TaskListOptions) ([]Task, error) {
	q := url.Values{}
	setIfSet(q, "state", opts.State)
	setIfSet(q, "agent", opts.Agent)
	setIfSet(q, "priority", opts.Priority)
	setLimit(q, opts.Limit)
	var resp []Task
	err := c.do(ctx, http.MethodGet, withQuery("tasks", q), nil, &resp)
	return resp, err
}

// Task fetches one task by id.
func (c *Client) Task(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "task/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// UpdateTask applies a partial field merge to a task.
func (c *Client) UpdateTask(ctx context.Context, id string, patch map[string]any) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPatch, "task/"+url.PathEscape(id), patch, &resp)
	return resp, err
}

// CreateDiagnostic records a diagnostic.
func (c *Client) CreateDiagnostic(ctx context.Context, body map[string]any) (Diagnostic, error) {
	var resp Diagnostic
	err := c.do(ctx, http.MethodPost, "diagnostic", body, &resp)
	return resp, err
}

// Diagnostics lists diagnostics.
func (c *Client) Diagnostics(ctx context.Context, opts DiagnosticListOptions) ([]Diagnostic, error) {
	q := url.Values{}
	setIfSet(q, "kind", opts.Kind)
	setIfSet(q, "severity", opts.Severity)
	setLimit(q, opts.Limit)
	var resp []Diagnostic
	err := c.do(ctx, http.MethodGet, withQuery("diagnostics", q), nil, &resp)
	return resp, err
}

// CreateFix records a fix.
func (c *Client) CreateFix(ctx context.Context, body map[string]any) (Fix, error) {
	var resp Fix
	err := c.do(ctx, http.MethodPost, "fix", body, &resp)
	return resp, err
}

// Fixes lists fixes.
func (c *Client) Fixes(ctx context.Context, opts FixListOptions) ([]Fix, error) {
	q := url.Values{}
	if opts.Applied != nil {
		q.Set("applied", strconv.FormatBool(*opts.Applied))
	}
	setIfSet(q, "diagnostic_id", opts.DiagnosticID)
	setLimit(q, opts.Limit)
	var resp []Fix
	err := c.do(ctx, http.MethodGet, withQuery("fixes", q), nil, &resp)
	return resp, err
}

// CreateSuggestion records a suggestion.
func (c *Client) CreateSuggestion(ctx context.Context, body map[string]any) (Suggestion, error) {
	var resp Suggestion
	err := c.do(ctx, http.MethodPost, "suggestion", body, &resp)
	return resp, err
}

// Suggestions lists suggestions.
func (c *Client) Suggestions(ctx context.Context, opts SuggestionListOptions) ([]Suggestion, error) {
	q := url.Values{}
	setIfSet(q, "kind", opts.Kind)
	setIfSet(q, "priority", opts.Priority)
	if opts.Implemented != nil {
		q.Set("implemented", strconv.FormatBool(*opts.Implemented))
	}
	setLimit(q, opts.Limit)
	var resp []Suggestion
	err := c.do(ctx, http.MethodGet, withQuery("suggestions", q), nil, &resp)
	return resp, err
}

// Status returns the aggregate counts summary.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "status", nil, &resp)
	return resp, err
}

// OrchestratorCycles proxies the orchestrator cycle status.
func (c *Client) OrchestratorCycles(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, "orchestrator/cycles", nil, &resp)
	return resp, err
}

// ExecuteOrchestratorCycle asks the orchestrator to run a cycle.
func (c *Client) ExecuteOrchestratorCycle(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodPost, "orchestrator/execute-cycle", nil, &resp)
	return resp, err
}

// do never mutates the receiver, so one Client is safe to share
// across goroutines.
func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func setIfSet(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func setLimit(q url.Values, limit int) {
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}
