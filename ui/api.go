package kyberui

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/cyph3rasi/kyber/core/cron"
	"github.com/cyph3rasi/kyber/core/dispatch"
	"github.com/cyph3rasi/kyber/core/runtime"
	"github.com/cyph3rasi/kyber/core/security"
	"github.com/cyph3rasi/kyber/core/tasks"
)

// Dispatcher accepts inbound messages and re-sends finished results.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg dispatch.Message) (dispatch.Outcome, error)
	Redeliver(ctx context.Context, ref string) error
}

// CronService is the job management surface of the scheduler.
type CronService interface {
	List(ctx context.Context, all bool) ([]cron.Job, error)
	Get(ctx context.Context, id string) (cron.Job, error)
	Add(ctx context.Context, in cron.JobInput) (cron.Job, error)
	Replace(ctx context.Context, id string, in cron.JobInput) (cron.Job, error)
	Remove(ctx context.Context, id string) error
	Enable(ctx context.Context, id string, enabled bool) (cron.Job, error)
	RunNow(ctx context.Context, id string, force bool) (cron.Job, error)
	Runs(ctx context.Context, id string, limit int) ([]cron.HistoryEntry, error)
}

// Findings loads the security tracker.
type Findings interface {
	Load() (*security.Snapshot, error)
}

// Config configures an API. Registry is required; a nil Dispatcher, Cron or
// Findings makes the matching routes answer 503.
type Config struct {
	Registry     *tasks.Registry
	Dispatcher   Dispatcher
	Cron         CronService
	Findings     Findings
	Broker       *SSEBroker
	Hub          *Hub
	Logger       runtime.Logger
	HistoryLimit int
}

// API implements the status and control routes.
type API struct {
	registry     *tasks.Registry
	dispatcher   Dispatcher
	cron         CronService
	findings     Findings
	broker       *SSEBroker
	hub          *Hub
	logger       runtime.Logger
	historyLimit int
}

// NewAPI creates an API.
func NewAPI(cfg Config) *API {
	if cfg.Logger == nil {
		cfg.Logger = runtime.NopLogger()
	}
	if cfg.Broker == nil {
		cfg.Broker = NewSSEBroker()
	}
	if cfg.Hub == nil {
		cfg.Hub = NewHub(cfg.Logger)
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	return &API{
		registry:     cfg.Registry,
		dispatcher:   cfg.Dispatcher,
		cron:         cfg.Cron,
		findings:     cfg.Findings,
		broker:       cfg.Broker,
		hub:          cfg.Hub,
		logger:       cfg.Logger,
		historyLimit: cfg.HistoryLimit,
	}
}

// Register installs every route on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", a.handleHealth)

	mux.HandleFunc("GET /tasks", a.handleListTasks)
	mux.HandleFunc("GET /tasks/{ref}", a.handleGetTask)
	mux.HandleFunc("POST /tasks/{ref}/cancel", a.handleCancelTask)
	mux.HandleFunc("POST /tasks/{ref}/progress-updates", a.handleProgressUpdates)
	mux.HandleFunc("POST /tasks/{ref}/redeliver", a.handleRedeliver)
	mux.HandleFunc("POST /messages", a.handleMessage)

	mux.HandleFunc("GET /cron/jobs", a.handleListJobs)
	mux.HandleFunc("POST /cron/jobs", a.handleCreateJob)
	mux.HandleFunc("GET /cron/jobs/{id}", a.handleGetJob)
	mux.HandleFunc("PUT /cron/jobs/{id}", a.handleReplaceJob)
	mux.HandleFunc("DELETE /cron/jobs/{id}", a.handleDeleteJob)
	mux.HandleFunc("POST /cron/jobs/{id}/toggle", a.handleToggleJob)
	mux.HandleFunc("POST /cron/jobs/{id}/run", a.handleRunJob)
	mux.HandleFunc("GET /cron/jobs/{id}/runs", a.handleJobRuns)

	mux.HandleFunc("GET /security/findings", a.handleFindings)

	mux.HandleFunc("GET /events", a.handleSSE)
	mux.Handle("GET /ws", a.hub)
}

// Hub returns the websocket hub, which doubles as the dashboard sender.
func (a *API) Hub() *Hub { return a.hub }

// PublishTask forwards a registry event to live subscribers.
func (a *API) PublishTask(ev tasks.Event) {
	a.publish(SSEEvent{Type: ev.Type, Data: Summarize(ev.Task)})
}

// PublishCron forwards a scheduler event to live subscribers.
func (a *API) PublishCron(ev cron.Event) {
	a.publish(SSEEvent{Type: ev.Type, Data: ev})
}

func (a *API) publish(ev SSEEvent) {
	a.broker.Broadcast(ev)
	a.hub.Broadcast(ev)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
