package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tsbx-io/tsbx/pkg/agent"
	"github.com/tsbx-io/tsbx/pkg/models"
	"github.com/tsbx-io/tsbx/pkg/version"
)

// Client calls the callback API on behalf of a single sandbox. It
// implements agent.ControlPlane.
type Client struct {
	httpClient *http.Client
	baseURL    string
	sandboxID  string
	token      string
}

var _ agent.ControlPlane = (*Client)(nil)

// NewClient creates a callback client for one sandbox. baseURL is the
// control plane address the container was booted with, token the bearer
// credential minted for this sandbox.
func NewClient(baseURL, sandboxID, token string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		sandboxID:  sandboxID,
		token:      token,
	}
}

// ListQueuedTasks returns the queued-task window for this sandbox.
func (c *Client) ListQueuedTasks(ctx context.Context) ([]*models.Task, error) {
	var out struct {
		Tasks []*models.Task `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, c.path("tasks"), nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// GetTask returns one task row.
func (c *Client) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var task models.Task
	if err := c.do(ctx, http.MethodGet, c.path("tasks", id), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ClaimTask attempts the queued-to-processing transition.
func (c *Client) ClaimTask(ctx context.Context, id string) (bool, error) {
	var out struct {
		Claimed bool `json:"claimed"`
	}
	if err := c.do(ctx, http.MethodPost, c.path("tasks", id, "claim"), nil, &out); err != nil {
		return false, err
	}
	return out.Claimed, nil
}

// AppendSegments appends progress records to a processing task.
func (c *Client) AppendSegments(ctx context.Context, taskID string, segs ...models.Segment) error {
	if len(segs) == 0 {
		return nil
	}
	in := AppendSegmentsRequest{Segments: segs}
	return c.do(ctx, http.MethodPost, c.path("tasks", taskID, "segments"), in, nil)
}

// CompleteTask finalizes a task with its closing segment and output items.
func (c *Client) CompleteTask(ctx context.Context, taskID string, final models.Segment, output models.ContentItems) (bool, error) {
	in := CompleteTaskRequest{Final: final, Output: output}
	var out struct {
		Completed bool `json:"completed"`
	}
	if err := c.do(ctx, http.MethodPost, c.path("tasks", taskID, "complete"), in, &out); err != nil {
		return false, err
	}
	return out.Completed, nil
}

// FailTask marks a task failed with a reason.
func (c *Client) FailTask(ctx context.Context, taskID, reason string) (bool, error) {
	in := FailTaskRequest{Reason: reason}
	var out struct {
		Failed bool `json:"failed"`
	}
	if err := c.do(ctx, http.MethodPost, c.path("tasks", taskID, "fail"), in, &out); err != nil {
		return false, err
	}
	return out.Failed, nil
}

// SetState reports an idle/busy transition. A report that loses against a
// concurrent terminate is not an error; the control plane owns teardown.
func (c *Client) SetState(ctx context.Context, state models.SandboxState) error {
	in := SetStateRequest{State: state}
	return c.do(ctx, http.MethodPut, c.path("state"), in, nil)
}

// ReportContextLength forwards the latest token usage.
func (c *Client) ReportContextLength(ctx context.Context, tokens int) error {
	in := ContextLengthRequest{Tokens: tokens}
	return c.do(ctx, http.MethodPut, c.path("context-length"), in, nil)
}

// path builds a sandbox-scoped route, escaping each path element.
func (c *Client) path(parts ...string) string {
	p := "/api/v1/sandboxes/" + url.PathEscape(c.sandboxID)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

// do sends one JSON request and decodes the response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("User-Agent", version.Full())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call control plane: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("control plane returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
