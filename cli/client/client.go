// Package client is a Go client for the kyber status and control API.
package client

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

	"github.com/cyph3rasi/kyber/core/cron"
	"github.com/cyph3rasi/kyber/core/dispatch"
	"github.com/cyph3rasi/kyber/core/security"
	kyberui "github.com/cyph3rasi/kyber/ui"
)

// APIError is a non-2xx reply.
type APIError struct {
	Status  int
	Message string
	Details []string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
	if len(e.Details) > 0 {
		msg += "\n  - " + strings.Join(e.Details, "\n  - ")
	}
	return msg
}

// Client talks to one daemon.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// New creates a Client for addr, either host:port or a full URL.
func New(addr, token string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		base:  strings.TrimRight(addr, "/"),
		token: token,
		// Message dispatch waits for the promotion threshold.
		http: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contacting kyber at %s: %w", c.base, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var e kyberui.ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			apiErr.Message, apiErr.Details = e.Error, e.Errors
		} else {
			// The cancel route answers 404 with a CancelResponse.
			var cr kyberui.CancelResponse
			if json.Unmarshal(data, &cr) == nil && cr.Message != "" {
				apiErr.Message = cr.Message
			} else {
				apiErr.Message = strings.TrimSpace(string(data))
			}
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Health checks the daemon is up.
func (c *Client) Health(ctx context.Context) (kyberui.HealthResponse, error) {
	var out kyberui.HealthResponse
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &out)
	return out, err
}

// ListTasks returns active tasks and up to limit history entries (0: server default).
func (c *Client) ListTasks(ctx context.Context, limit int) (kyberui.TasksResponse, error) {
	path := "/tasks"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out kyberui.TasksResponse
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// GetTask returns one task by reference or completion reference.
func (c *Client) GetTask(ctx context.Context, ref string) (kyberui.TaskSummary, error) {
	var out kyberui.TaskSummary
	err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(ref), nil, &out)
	return out, err
}

// CancelTask requests cancellation.
func (c *Client) CancelTask(ctx context.Context, ref string) (kyberui.CancelResponse, error) {
	var out kyberui.CancelResponse
	err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(ref)+"/cancel", nil, &out)
	return out, err
}

// SetProgressUpdates toggles progress notices for a task.
func (c *Client) SetProgressUpdates(ctx context.Context, ref string, enabled bool) error {
	return c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(ref)+"/progress-updates",
		kyberui.ToggleRequest{Enabled: &enabled}, nil)
}

// Redeliver re-sends a finished task's result to its origin.
func (c *Client) Redeliver(ctx context.Context, ref string) error {
	return c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(ref)+"/redeliver", nil, nil)
}

// SendMessage dispatches a message and waits for the inline result or the
// promotion acknowledgement.
func (c *Client) SendMessage(ctx context.Context, msg dispatch.Message) (dispatch.Outcome, error) {
	var out dispatch.Outcome
	err := c.do(ctx, http.MethodPost, "/messages", msg, &out)
	return out, err
}

// ListJobs returns cron jobs; enabledOnly hides disabled ones.
func (c *Client) ListJobs(ctx context.Context, enabledOnly bool) ([]cron.Job, error) {
	path := "/cron/jobs"
	if enabledOnly {
		path += "?enabled=true"
	}
	var out kyberui.JobsResponse
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Jobs, err
}

// AddJob creates a cron job.
func (c *Client) AddJob(ctx context.Context, in cron.JobInput) (cron.Job, error) {
	var out cron.Job
	err := c.do(ctx, http.MethodPost, "/cron/jobs", in, &out)
	return out, err
}

// RemoveJob deletes a cron job.
func (c *Client) RemoveJob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/cron/jobs/"+url.PathEscape(id), nil, nil)
}

// EnableJob enables or disables a cron job.
func (c *Client) EnableJob(ctx context.Context, id string, enabled bool) (cron.Job, error) {
	var out cron.Job
	err := c.do(ctx, http.MethodPost, "/cron/jobs/"+url.PathEscape(id)+"/toggle",
		kyberui.ToggleRequest{Enabled: &enabled}, &out)
	return out, err
}

// RunJob starts a run now; force also runs disabled jobs.
func (c *Client) RunJob(ctx context.Context, id string, force bool) (cron.Job, error) {
	path := "/cron/jobs/" + url.PathEscape(id) + "/run"
	if force {
		path += "?force=true"
	}
	var out cron.Job
	err := c.do(ctx, http.MethodPost, path, nil, &out)
	return out, err
}

// JobRuns returns recent runs of a job, oldest first.
func (c *Client) JobRuns(ctx context.Context, id string, limit int) ([]cron.HistoryEntry, error) {
	path := "/cron/jobs/" + url.PathEscape(id) + "/runs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out kyberui.RunsResponse
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Runs, err
}

// Findings returns the security tracker.
func (c *Client) Findings(ctx context.Context) (security.Snapshot, error) {
	var out security.Snapshot
	err := c.do(ctx, http.MethodGet, "/security/findings", nil, &out)
	return out, err
}
