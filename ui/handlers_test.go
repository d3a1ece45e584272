package kyberui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cyph3rasi/kyber/core/cron"
	"github.com/cyph3rasi/kyber/core/dispatch"
	"github.com/cyph3rasi/kyber/core/security"
	"github.com/cyph3rasi/kyber/core/tasks"
)

type mockDispatcher struct {
	mu         sync.Mutex
	messages   []dispatch.Message
	outcome    dispatch.Outcome
	redeliver  error
	redelivers []string
}

func (m *mockDispatcher) Dispatch(_ context.Context, msg dispatch.Message) (dispatch.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return m.outcome, nil
}

func (m *mockDispatcher) Redeliver(_ context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.redelivers = append(m.redelivers, ref)
	return m.redeliver
}

type cronRunner struct{}

func (cronRunner) Run(_ context.Context, msg dispatch.Message) (tasks.Task, error) {
	return tasks.Task{Reference: "t00000001", Status: tasks.StatusCompleted, Result: "done: " + msg.Text}, nil
}

type testEnv struct {
	api      *API
	mux      *http.ServeMux
	registry *tasks.Registry
	disp     *mockDispatcher
	cron     *cron.Service
	dataDir  string
}

func setupTestAPI(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	reg := tasks.NewRegistry()
	disp := &mockDispatcher{}
	svc := cron.New(cron.Config{
		Store:  cron.NewMemoryStore(50),
		Runner: cronRunner{},
		Now:    func() time.Time { return time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC) },
	})
	t.Cleanup(svc.Stop)

	api := NewAPI(Config{
		Registry:   reg,
		Dispatcher: disp,
		Cron:       svc,
		Findings:   security.NewTracker(filepath.Join(dir, "security", "issues.json")),
	})
	mux := http.NewServeMux()
	api.Register(mux)
	return &testEnv{api: api, mux: mux, registry: reg, disp: disp, cron: svc, dataDir: dir}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return v
}

func createTask(t *testing.T, r *tasks.Registry, label string) string {
	t.Helper()
	ref, err := r.Create(label, tasks.Origin{Channel: "cli", ChatID: "direct"}, 10)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return ref
}

func finishTask(t *testing.T, r *tasks.Registry, ref string) tasks.Task {
	t.Helper()
	if _, err := r.Update(ref, tasks.Delta{Status: tasks.Ptr(tasks.StatusRunning)}); err != nil {
		t.Fatal(err)
	}
	done, err := r.Update(ref, tasks.Delta{Status: tasks.Ptr(tasks.StatusCompleted), Result: tasks.Ptr("ok")})
	if err != nil {
		t.Fatal(err)
	}
	return done
}

func TestHandleListTasks(t *testing.T) {
	env := setupTestAPI(t)
	createTask(t, env.registry, "still going")
	finishTask(t, env.registry, createTask(t, env.registry, "finished"))

	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	w := httptest.NewRecorder()
	env.api.handleListTasks(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	resp := decode[TasksResponse](t, w)
	if len(resp.Active) != 1 || resp.Active[0].Label != "still going" {
		t.Errorf("active = %+v", resp.Active)
	}
	if len(resp.History) != 1 || resp.History[0].Status != tasks.StatusCompleted {
		t.Errorf("history = %+v", resp.History)
	}
	if resp.History[0].CompletionReference == "" || resp.History[0].CompletedAt == nil {
		t.Errorf("history entry missing completion fields: %+v", resp.History[0])
	}
}

func TestHandleListTasksBadLimit(t *testing.T) {
	env := setupTestAPI(t)
	w := env.do(t, http.MethodGet, "/tasks?limit=abc", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleGetTask(t *testing.T) {
	env := setupTestAPI(t)
	ref := createTask(t, env.registry, "lookup")

	req := httptest.NewRequest(http.MethodGet, "/tasks/"+ref, nil)
	req.SetPathValue("ref", ref)
	w := httptest.NewRecorder()
	env.api.handleGetTask(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	got := decode[TaskSummary](t, w)
	if got.Reference != ref || got.Origin != "cli:direct" {
		t.Errorf("summary = %+v", got)
	}
}

func TestHandleGetTaskUncappedWithRecentActions(t *testing.T) {
	env := setupTestAPI(t)
	ref, err := env.registry.Create("open ended", tasks.Origin{Channel: "cli", ChatID: "direct"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.registry.Update(ref, tasks.Delta{ActionCompleted: tasks.Ptr("web_search")}); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/tasks/"+ref, nil)
	req.SetPathValue("ref", ref)
	w := httptest.NewRecorder()
	env.api.handleGetTask(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var raw map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["max_iterations"]; ok {
		t.Errorf("uncapped task reports max_iterations: %s", w.Body.String())
	}
	if acts, _ := raw["recent_actions"].([]any); len(acts) != 1 || acts[0] != "web_search" {
		t.Errorf("recent_actions = %v", raw["recent_actions"])
	}
}

func TestHandleGetTaskNotFound(t *testing.T) {
	env := setupTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/tasks/tdeadbeef", nil)
	req.SetPathValue("ref", "tdeadbeef")
	w := httptest.NewRecorder()
	env.api.handleGetTask(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestHandleCancelTask(t *testing.T) {
	env := setupTestAPI(t)
	active := createTask(t, env.registry, "cancel me")
	done := finishTask(t, env.registry, createTask(t, env.registry, "already done"))

	tests := []struct {
		name   string
		ref    string
		status int
		ok     bool
	}{
		{"active", active, http.StatusOK, true},
		{"repeat", active, http.StatusOK, true},
		{"finished", done.Reference, http.StatusOK, false},
		{"unknown", "tdeadbeef", http.StatusNotFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/tasks/"+tt.ref+"/cancel", "")
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			resp := decode[CancelResponse](t, w)
			if resp.OK != tt.ok {
				t.Errorf("ok = %v, want %v (%s)", resp.OK, tt.ok, resp.Message)
			}
		})
	}

	task, _ := env.registry.Get(active)
	if task.Status != tasks.StatusCancelling {
		t.Errorf("status = %s, want cancelling", task.Status)
	}
	finished, _ := env.registry.Get(done.Reference)
	if finished.Status != tasks.StatusCompleted {
		t.Errorf("finished task changed to %s", finished.Status)
	}
}

func TestHandleProgressUpdates(t *testing.T) {
	env := setupTestAPI(t)
	ref := createTask(t, env.registry, "long job")
	done := finishTask(t, env.registry, createTask(t, env.registry, "done"))

	w := env.do(t, http.MethodPost, "/tasks/"+ref+"/progress-updates", `{"enabled":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if resp := decode[ToggleResponse](t, w); !resp.OK || resp.Enabled {
		t.Errorf("response = %+v", resp)
	}
	task, _ := env.registry.Get(ref)
	if task.ProgressUpdatesEnabled {
		t.Error("progress updates still enabled")
	}

	if w := env.do(t, http.MethodPost, "/tasks/"+ref+"/progress-updates", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing enabled: status = %d, want 400", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/tasks/"+done.Reference+"/progress-updates", `{"enabled":true}`); w.Code != http.StatusConflict {
		t.Errorf("finished task: status = %d, want 409", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/tasks/tdeadbeef/progress-updates", `{"enabled":true}`); w.Code != http.StatusNotFound {
		t.Errorf("unknown task: status = %d, want 404", w.Code)
	}
}

func TestHandleRedeliver(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"ok", nil, http.StatusOK},
		{"unknown", fmt.Errorf("%w: tdeadbeef", tasks.ErrNotFound), http.StatusNotFound},
		{"not terminal", fmt.Errorf("%w: t1 is running", dispatch.ErrNotTerminal), http.StatusConflict},
		{"no origin", fmt.Errorf("%w: t1", dispatch.ErrNoOrigin), http.StatusConflict},
		{"no result", fmt.Errorf("%w: t1", dispatch.ErrNoResult), http.StatusConflict},
		{"send failed", errors.New("sending to slack: connection refused"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestAPI(t)
			env.disp.redeliver = tt.err

			req := httptest.NewRequest(http.MethodPost, "/tasks/c12345678/redeliver", nil)
			req.SetPathValue("ref", "c12345678")
			w := httptest.NewRecorder()
			env.api.handleRedeliver(w, req)

			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			if len(env.disp.redelivers) != 1 || env.disp.redelivers[0] != "c12345678" {
				t.Errorf("redelivers = %v", env.disp.redelivers)
			}
		})
	}
}

func TestHandleMessage(t *testing.T) {
	env := setupTestAPI(t)
	env.disp.outcome = dispatch.Outcome{Reference: "t00000abc", Status: tasks.StatusRunning, Promoted: true, Reply: "working on it"}

	w := env.do(t, http.MethodPost, "/messages", `{"message_id":"m1","origin":{"channel":"cli","chat_id":"direct"},"text":"  research gpus  "}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	out := decode[dispatch.Outcome](t, w)
	if out.Reference != "t00000abc" || !out.Promoted {
		t.Errorf("outcome = %+v", out)
	}
	if len(env.disp.messages) != 1 {
		t.Fatalf("dispatched %d messages", len(env.disp.messages))
	}
	msg := env.disp.messages[0]
	if msg.ID != "m1" || msg.Text != "research gpus" || msg.Origin.Channel != "cli" {
		t.Errorf("message = %+v", msg)
	}

	env.disp.outcome = dispatch.Outcome{Reference: "t00000abd", Status: tasks.StatusCompleted, Reply: "4"}
	if w := env.do(t, http.MethodPost, "/messages", `{"text":"2+2"}`); w.Code != http.StatusOK {
		t.Errorf("inline: status = %d, want 200", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/messages", `{"text":"   "}`); w.Code != http.StatusBadRequest {
		t.Errorf("empty text: status = %d, want 400", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/messages", `not json`); w.Code != http.StatusBadRequest {
		t.Errorf("bad body: status = %d, want 400", w.Code)
	}
}

func TestCronJobRoutes(t *testing.T) {
	env := setupTestAPI(t)

	w := env.do(t, http.MethodPost, "/cron/jobs", `{"schedule":{"kind":"every"},"payload":{}}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid create: status = %d, want 400", w.Code)
	}
	if resp := decode[ErrorResponse](t, w); len(resp.Errors) < 2 {
		t.Errorf("want every violation reported, got %v", resp.Errors)
	}

	w = env.do(t, http.MethodPost, "/cron/jobs", `{"schedule":{"kind":"cron","expr":"not a cron"},"payload":{"message":"x"}}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad expression: status = %d, want 400", w.Code)
	}

	w = env.do(t, http.MethodPost, "/cron/jobs", `{"name":"digest","schedule":{"kind":"every","everyMs":300000},"payload":{"message":"send digest"}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, want 201: %s", w.Code, w.Body.String())
	}
	job := decode[cron.Job](t, w)
	if job.ID == "" || !job.Enabled || job.State.NextRunAtMs == nil {
		t.Fatalf("created job = %+v", job)
	}

	w = env.do(t, http.MethodGet, "/cron/jobs", "")
	if jobs := decode[JobsResponse](t, w).Jobs; len(jobs) != 1 || jobs[0].ID != job.ID {
		t.Errorf("list = %+v", jobs)
	}

	w = env.do(t, http.MethodPost, "/cron/jobs/"+job.ID+"/toggle", `{"enabled":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("toggle: status = %d", w.Code)
	}
	if toggled := decode[cron.Job](t, w); toggled.Enabled || toggled.State.NextRunAtMs != nil {
		t.Errorf("toggled job = %+v", toggled)
	}

	w = env.do(t, http.MethodGet, "/cron/jobs?enabled=true", "")
	if jobs := decode[JobsResponse](t, w).Jobs; len(jobs) != 0 {
		t.Errorf("enabled-only list = %+v", jobs)
	}

	if w := env.do(t, http.MethodPost, "/cron/jobs/"+job.ID+"/run", ""); w.Code != http.StatusConflict {
		t.Errorf("run disabled: status = %d, want 409", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/cron/jobs/"+job.ID+"/run?force=true", ""); w.Code != http.StatusAccepted {
		t.Fatalf("forced run: status = %d, want 202", w.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	var runs []cron.HistoryEntry
	for time.Now().Before(deadline) {
		w = env.do(t, http.MethodGet, "/cron/jobs/"+job.ID+"/runs", "")
		runs = decode[RunsResponse](t, w).Runs
		if len(runs) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(runs) != 1 || runs[0].Status != cron.StatusOK {
		t.Fatalf("runs = %+v", runs)
	}

	w = env.do(t, http.MethodPut, "/cron/jobs/"+job.ID, `{"name":"digest v2","schedule":{"kind":"cron","expr":"0 9 * * *","tz":"UTC"},"payload":{"message":"send digest"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("replace: status = %d: %s", w.Code, w.Body.String())
	}
	if replaced := decode[cron.Job](t, w); replaced.Name != "digest v2" || replaced.State.LastStatus != cron.StatusOK {
		t.Errorf("replaced job = %+v", replaced)
	}

	if w := env.do(t, http.MethodDelete, "/cron/jobs/"+job.ID, ""); w.Code != http.StatusOK {
		t.Errorf("delete: status = %d", w.Code)
	}
	if w := env.do(t, http.MethodDelete, "/cron/jobs/"+job.ID, ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete: status = %d, want 404", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/cron/jobs/"+job.ID+"/runs", ""); w.Code != http.StatusNotFound {
		t.Errorf("runs of removed job: status = %d, want 404", w.Code)
	}
}

func TestHandleFindings(t *testing.T) {
	env := setupTestAPI(t)

	w := env.do(t, http.MethodGet, "/security/findings", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if snap := decode[security.Snapshot](t, w); len(snap.Issues) != 0 {
		t.Errorf("issues = %d, want none", len(snap.Issues))
	}

	path := filepath.Join(env.dataDir, "security", "issues.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	tracker := `{"issues":{"a":{"status":"resolved","severity":"high"},"b":{"status":"new","severity":"low"}},"last_updated":"2025-03-10T08:00:00Z"}`
	if err := os.WriteFile(path, []byte(tracker), 0o644); err != nil {
		t.Fatal(err)
	}

	w = env.do(t, http.MethodGet, "/security/findings", "")
	snap := decode[security.Snapshot](t, w)
	if len(snap.Issues) != 2 {
		t.Fatalf("issues = %d, want 2", len(snap.Issues))
	}
	if !strings.Contains(string(snap.Issues[0]), `"new"`) {
		t.Errorf("open issue should sort first, got %s", snap.Issues[0])
	}
}

func TestHandleHealth(t *testing.T) {
	env := setupTestAPI(t)
	createTask(t, env.registry, "one")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	env.api.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	resp := decode[HealthResponse](t, w)
	if resp.Status != "ok" || resp.ActiveTasks != 1 {
		t.Errorf("health = %+v", resp)
	}
}

func TestUnconfiguredRoutes(t *testing.T) {
	api := NewAPI(Config{Registry: tasks.NewRegistry()})
	mux := http.NewServeMux()
	api.Register(mux)

	for _, path := range []string{"/cron/jobs", "/security/findings"} {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: status = %d, want 503", path, w.Code)
		}
	}
}

func TestPublishTaskReachesSubscribers(t *testing.T) {
	env := setupTestAPI(t)
	unsubscribe := env.registry.Subscribe(env.api.PublishTask)
	defer unsubscribe()

	ch := env.api.broker.Subscribe()
	defer env.api.broker.Unsubscribe(ch)

	ref := createTask(t, env.registry, "watched")

	select {
	case ev := <-ch:
		if ev.Type != tasks.EventCreated {
			t.Errorf("type = %q, want %q", ev.Type, tasks.EventCreated)
		}
		if s, ok := ev.Data.(TaskSummary); !ok || s.Reference != ref {
			t.Errorf("data = %#v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestHandleSSE(t *testing.T) {
	env := setupTestAPI(t)
	srv := httptest.NewServer(env.mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.api.broker.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	env.api.PublishCron(cron.Event{Type: cron.EventJobRemoved, JobID: "abc123"})

	buf := make([]byte, 512)
	n, err := resp.Body.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	got := string(buf[:n])
	if !strings.HasPrefix(got, "event: cron.removed\ndata: ") || !strings.Contains(got, `"job_id":"abc123"`) {
		t.Errorf("frame = %q", got)
	}
}
