package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to the external orchestrator service. The orchestrator
// is an opaque upstream collaborator; both calls just relay its JSON
// body.
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

// UpstreamError wraps a non-200 orchestrator response.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("orchestrator error: status=%d body=%s", e.StatusCode, e.Body)
}

// Cycles returns the orchestrator's cycle status report.
func (c *Client) Cycles(ctx context.Context) (map[string]any, error) {
	return c.do(ctx, http.MethodGet, "api/system-orchestrator/status")
}

// ExecuteCycle asks the orchestrator to run one cycle.
func (c *Client) ExecuteCycle(ctx context.Context) (map[string]any, error) {
	return c.do(ctx, http.MethodPost, "api/system-orchestrator/execute-cycle")
}

// do never mutates the receiver: one Client is shared by every
// request handler, so the fallback transport stays local to the call.
func (c *Client) do(ctx context.Context, method, endpoint string) (map[string]any, error) {
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
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode orchestrator response: %w", err)
	}
	return out, nil
}
