package kyberui

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/cyph3rasi/kyber/core/channels"
	"github.com/cyph3rasi/kyber/core/cron"
	"github.com/cyph3rasi/kyber/core/dispatch"
	"github.com/cyph3rasi/kyber/core/tasks"
	"github.com/cyph3rasi/kyber/core/validate"
)

const maxBodyBytes = 1 << 20

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, tasks.ErrNotFound), errors.Is(err, cron.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, tasks.ErrTerminal),
		errors.Is(err, dispatch.ErrNotTerminal),
		errors.Is(err, dispatch.ErrNoOrigin),
		errors.Is(err, dispatch.ErrNoResult),
		errors.Is(err, cron.ErrJobDisabled),
		errors.Is(err, cron.ErrJobRunning),
		errors.Is(err, dispatch.ErrDuplicateMessage):
		return http.StatusConflict
	case errors.Is(err, cron.ErrInvalidJob), errors.Is(err, tasks.ErrInvalidDelta):
		return http.StatusBadRequest
	case errors.Is(err, channels.ErrChannelUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func queryBool(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}

func readBody(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	return data, nil
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// handleHealth reports liveness. It is reachable without a token.
func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:      "ok",
		ActiveTasks: len(a.registry.ListActive()),
		LiveClients: a.broker.Len() + a.hub.Len(),
	})
}

// handleListTasks returns active tasks and recent history, newest first.
func (a *API) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", a.historyLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, TasksResponse{
		Active:  summarizeAll(a.registry.ListActive()),
		History: summarizeAll(a.registry.ListHistory(limit)),
	})
}

func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := a.registry.Get(r.PathValue("ref"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, Summarize(t))
}

// handleCancelTask always answers 200 for a known reference; ok reports
// whether a cancellation was actually requested.
func (a *API) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("ref")
	if _, err := a.registry.Get(ref); err != nil {
		writeJSON(w, http.StatusNotFound, CancelResponse{OK: false, Message: fmt.Sprintf("no task with reference %s", ref)})
		return
	}
	ok, msg := a.registry.RequestCancel(ref)
	writeJSON(w, http.StatusOK, CancelResponse{OK: ok, Message: msg})
}

func (a *API) handleProgressUpdates(w http.ResponseWriter, r *http.Request) {
	var req ToggleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	t, err := a.registry.SetProgressUpdates(r.PathValue("ref"), *req.Enabled)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ToggleResponse{OK: true, Enabled: t.ProgressUpdatesEnabled})
}

func (a *API) handleRedeliver(w http.ResponseWriter, r *http.Request) {
	if a.dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "dispatcher not configured")
		return
	}
	if err := a.dispatcher.Redeliver(r.Context(), r.PathValue("ref")); err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			// Anything past validation is a failure of the channel itself.
			status = http.StatusBadGateway
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleMessage dispatches an inbound message. A promoted task answers 202
// with the acknowledgement; the result follows on the origin channel.
func (a *API) handleMessage(w http.ResponseWriter, r *http.Request) {
	if a.dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "dispatcher not configured")
		return
	}
	var msg dispatch.Message
	if err := decodeBody(r, &msg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	msg.Text = strings.TrimSpace(msg.Text)
	if msg.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	out, err := a.dispatcher.Dispatch(r.Context(), msg)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	status := http.StatusOK
	if out.Promoted {
		status = http.StatusAccepted
	}
	writeJSON(w, status, out)
}

// handleListJobs returns every job unless ?enabled=true.
func (a *API) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if a.cron == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	jobs, err := a.cron.List(r.Context(), !queryBool(r, "enabled"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if jobs == nil {
		jobs = []cron.Job{}
	}
	writeJSON(w, http.StatusOK, JobsResponse{Jobs: jobs})
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if a.cron == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	job, err := a.cron.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// jobInput validates a create/replace body against the job schema and
// decodes it. On failure it has already written the response.
func (a *API) jobInput(w http.ResponseWriter, r *http.Request) (cron.JobInput, bool) {
	var in cron.JobInput
	data, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return in, false
	}
	if res := validate.ValidateJobJSON(data); !res.IsValid() {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid cron job", Errors: res.Errors})
		return in, false
	}
	if err := json.Unmarshal(data, &in); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %s", err))
		return in, false
	}
	return in, true
}

func (a *API) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if a.cron == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	in, ok := a.jobInput(w, r)
	if !ok {
		return
	}
	job, err := a.cron.Add(r.Context(), in)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (a *API) handleReplaceJob(w http.ResponseWriter, r *http.Request) {
	if a.cron == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	in, ok := a.jobInput(w, r)
	if !ok {
		return
	}
	job, err := a.cron.Replace(r.Context(), r.PathValue("id"), in)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if a.cron == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	if err := a.cron.Remove(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) handleToggleJob(w http.ResponseWriter, r *http.Request) {
	if a.cron == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	var req ToggleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	job, err := a.cron.Enable(r.Context(), r.PathValue("id"), *req.Enabled)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleRunJob starts a run and answers 202 without waiting for it.
func (a *API) handleRunJob(w http.ResponseWriter, r *http.Request) {
	if a.cron == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	job, err := a.cron.RunNow(r.Context(), r.PathValue("id"), queryBool(r, "force"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (a *API) handleJobRuns(w http.ResponseWriter, r *http.Request) {
	if a.cron == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := r.PathValue("id")
	if _, err := a.cron.Get(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	runs, err := a.cron.Runs(r.Context(), id, limit)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if runs == nil {
		runs = []cron.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, RunsResponse{Runs: runs})
}

func (a *API) handleFindings(w http.ResponseWriter, _ *http.Request) {
	if a.findings == nil {
		writeError(w, http.StatusServiceUnavailable, "security tracker not configured")
		return
	}
	snap, err := a.findings.Load()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleSSE streams task and cron events until the client goes away.
func (a *API) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	ch := a.broker.Subscribe()
	defer a.broker.Unsubscribe(ch)

	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event.Data)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
