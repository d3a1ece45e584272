package runtime

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Audit event type constants.
const (
	AuditTaskCreate   = "task_create"
	AuditTaskStart    = "task_start"
	AuditTaskStep     = "task_step"
	AuditTaskFinish   = "task_finish"
	AuditTaskCancel   = "task_cancel"
	AuditTaskPromote  = "task_promote"
	AuditTaskDeliver  = "task_deliver"
	AuditCronFire     = "cron_fire"
	AuditCronComplete = "cron_complete"
	AuditCronSkip     = "cron_skip"
	AuditCronModify   = "cron_modify"
)

// AuditEvent is a single structured audit record emitted as NDJSON.
type AuditEvent struct {
	Timestamp     string         `json:"ts"`
	Event         string         `json:"event"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	TaskRef       string         `json:"task_ref,omitempty"`
	JobID         string         `json:"job_id,omitempty"`
	Fields        map[string]any `json:"fields,omitempty"`
}

// AuditLogger writes structured NDJSON audit events to an io.Writer.
// A nil *AuditLogger is valid and drops every event.
type AuditLogger struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

// NewAuditLogger creates a new AuditLogger writing to w.
func NewAuditLogger(w io.Writer) *AuditLogger {
	return &AuditLogger{w: w, now: time.Now}
}

// Emit writes an audit event as a single NDJSON line. If Timestamp is empty
// it is set to the current time in RFC3339 format.
func (a *AuditLogger) Emit(event AuditEvent) {
	if a == nil || a.w == nil {
		return
	}
	if event.Timestamp == "" {
		event.Timestamp = a.now().UTC().Format(time.RFC3339)
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	data = append(data, '\n')

	a.mu.Lock()
	a.w.Write(data) //nolint:errcheck
	a.mu.Unlock()
}

// EmitTask records a task lifecycle event, picking the correlation ID from ctx.
func (a *AuditLogger) EmitTask(ctx context.Context, event, ref string, fields map[string]any) {
	a.Emit(AuditEvent{
		Event:         event,
		CorrelationID: CorrelationIDFromContext(ctx),
		TaskRef:       ref,
		Fields:        fields,
	})
}

// EmitJob records a cron job event.
func (a *AuditLogger) EmitJob(event, jobID string, fields map[string]any) {
	a.Emit(AuditEvent{Event: event, JobID: jobID, Fields: fields})
}
