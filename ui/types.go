// Package kyberui serves the status and control surface of the orchestrator:
// JSON handlers for tasks, cron jobs and security findings, plus live event
// streams over SSE and websocket.
package kyberui

import (
	"time"

	"github.com/cyph3rasi/kyber/core/cron"
	"github.com/cyph3rasi/kyber/core/tasks"
)

// SSEEvent is one event pushed to live subscribers.
type SSEEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// TaskSummary is the operator view of a task.
type TaskSummary struct {
	Reference              string       `json:"reference"`
	Label                  string       `json:"label"`
	Status                 tasks.Status `json:"status"`
	Iteration              int          `json:"iteration"`
	MaxIterations          int          `json:"max_iterations,omitempty"`
	CurrentAction          string       `json:"current_action"`
	RecentActions          []string     `json:"recent_actions,omitempty"`
	CreatedAt              time.Time    `json:"created_at"`
	CompletedAt            *time.Time   `json:"completed_at"`
	Result                 string       `json:"result,omitempty"`
	Error                  string       `json:"error,omitempty"`
	CompletionReference    string       `json:"completion_reference,omitempty"`
	ProgressUpdatesEnabled bool         `json:"progress_updates_enabled"`
	Promoted               bool         `json:"promoted"`
	Origin                 string       `json:"origin,omitempty"`
}

// Summarize converts a task snapshot into its API form.
func Summarize(t tasks.Task) TaskSummary {
	return TaskSummary{
		Reference:              t.Reference,
		Label:                  t.Label,
		Status:                 t.Status,
		Iteration:              t.Iteration,
		MaxIterations:          t.MaxIterations,
		CurrentAction:          t.CurrentAction,
		RecentActions:          t.RecentActions,
		CreatedAt:              t.CreatedAt,
		CompletedAt:            t.CompletedAt,
		Result:                 t.Result,
		Error:                  t.Error,
		CompletionReference:    t.CompletionReference,
		ProgressUpdatesEnabled: t.ProgressUpdatesEnabled,
		Promoted:               t.Promoted,
		Origin:                 t.Origin.String(),
	}
}

func summarizeAll(ts []tasks.Task) []TaskSummary {
	out := make([]TaskSummary, 0, len(ts))
	for _, t := range ts {
		out = append(out, Summarize(t))
	}
	return out
}

// TasksResponse is returned by GET /tasks.
type TasksResponse struct {
	Active  []TaskSummary `json:"active"`
	History []TaskSummary `json:"history"`
}

// CancelResponse is returned by POST /tasks/{reference}/cancel.
type CancelResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// ToggleRequest is the body of the progress-updates and cron toggle routes.
type ToggleRequest struct {
	Enabled *bool `json:"enabled"`
}

// ToggleResponse acknowledges a progress-updates change.
type ToggleResponse struct {
	OK      bool `json:"ok"`
	Enabled bool `json:"enabled"`
}

// JobsResponse is returned by GET /cron/jobs.
type JobsResponse struct {
	Jobs []cron.Job `json:"jobs"`
}

// RunsResponse is returned by GET /cron/jobs/{id}/runs.
type RunsResponse struct {
	Runs []cron.HistoryEntry `json:"runs"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error  string   `json:"error"`
	Errors []string `json:"errors,omitempty"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status      string `json:"status"`
	ActiveTasks int    `json:"active_tasks"`
	LiveClients int    `json:"live_clients"`
}
