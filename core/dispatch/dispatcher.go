// Package dispatch turns inbound messages into tasks. Each message resolves
// to exactly one task; the caller either gets the result inline or, once the
// task is promoted to the background, an acknowledgement followed later by
// delivery to the message's origin.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cyph3rasi/kyber/core/agent"
	"github.com/cyph3rasi/kyber/core/channels"
	"github.com/cyph3rasi/kyber/core/runner"
	"github.com/cyph3rasi/kyber/core/runtime"
	"github.com/cyph3rasi/kyber/core/tasks"
)

// DefaultPromoteAfter is how long a caller waits inline before the task is
// promoted to the background.
const DefaultPromoteAfter = 3 * time.Second

// Dispatcher errors.
var (
	ErrDuplicateMessage = errors.New("message already dispatched")
	ErrNotTerminal      = errors.New("task has not finished")
	ErrNoOrigin         = errors.New("task has no recorded origin")
	ErrNoResult         = errors.New("task has no result")
)

// Message is one inbound request from a chat surface, the CLI or a fired
// schedule.
type Message struct {
	ID            string       `json:"message_id"`
	Origin        tasks.Origin `json:"origin"`
	Text          string       `json:"text"`
	Label         string       `json:"label,omitempty"`
	MaxIterations int          `json:"max_iterations,omitempty"`
}

// Outcome is what the caller of Dispatch receives.
type Outcome struct {
	Reference string       `json:"reference"`
	Status    tasks.Status `json:"status"`
	Promoted  bool         `json:"promoted"`
	Duplicate bool         `json:"duplicate,omitempty"`
	Reply     string       `json:"reply,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// TaskRunner executes registered tasks.
type TaskRunner interface {
	Start(job runner.Job)
	Run(job runner.Job) tasks.Task
}

// Config configures a Dispatcher.
type Config struct {
	Registry *tasks.Registry
	Runner   TaskRunner
	Sender   channels.Sender // nil: deliveries are dropped with a warning
	Deduper  Deduper         // nil: in-memory with DefaultDedupeTTL
	Logger   runtime.Logger
	Audit    *runtime.AuditLogger

	// PromoteAfter < 0 disables time-based promotion; 0 uses the default.
	PromoteAfter         time.Duration
	DefaultMaxIterations int
	ProgressUpdates      bool
	ProgressInterval     time.Duration
	SplitLimit           int
	DeliveryTimeout      time.Duration
}

// Dispatcher bridges inbound messages to the task runner.
type Dispatcher struct {
	registry        *tasks.Registry
	runner          TaskRunner
	sender          channels.Sender
	dedupe          Deduper
	logger          runtime.Logger
	audit           *runtime.AuditLogger
	promoteAfter    time.Duration
	defaultMax      int
	progressDefault bool
	progressEvery   time.Duration
	splitLimit      int
	deliveryTimeout time.Duration

	progressMu sync.Mutex
	lastNotice map[string]string
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.PromoteAfter == 0 {
		cfg.PromoteAfter = DefaultPromoteAfter
	}
	if cfg.Deduper == nil {
		cfg.Deduper = NewMemoryDeduper(DefaultDedupeTTL)
	}
	if cfg.Logger == nil {
		cfg.Logger = runtime.NopLogger()
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultProgressInterval
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 30 * time.Second
	}
	return &Dispatcher{
		registry:        cfg.Registry,
		runner:          cfg.Runner,
		sender:          cfg.Sender,
		dedupe:          cfg.Deduper,
		logger:          cfg.Logger,
		audit:           cfg.Audit,
		promoteAfter:    cfg.PromoteAfter,
		defaultMax:      cfg.DefaultMaxIterations,
		progressDefault: cfg.ProgressUpdates,
		progressEvery:   cfg.ProgressInterval,
		splitLimit:      cfg.SplitLimit,
		deliveryTimeout: cfg.DeliveryTimeout,
		lastNotice:      make(map[string]string),
	}
}

// Handoff states. A task's result goes to exactly one place: the waiting
// caller (finished) or the origin channel (promoted).
const (
	handoffPending int32 = iota
	handoffFinished
	handoffPromoted
)

type handoff struct {
	state  atomic.Int32
	done   chan tasks.Task
	intent chan struct{}
}

func newHandoff() *handoff {
	return &handoff{done: make(chan tasks.Task, 1), intent: make(chan struct{}, 1)}
}

// Dispatch creates the task for msg and waits for it to finish or be
// promoted. A retried message, or one that nearly repeats a request still
// active for the same origin, returns the existing task's reference with
// Duplicate set and creates nothing.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) (Outcome, error) {
	if t, ok := d.registry.FindActiveDuplicate(msg.Origin, msg.labelOrDefault(), msg.Text); ok {
		d.logger.Info("near-duplicate request joined active task", map[string]any{
			"message_id": msg.ID, "origin": msg.Origin.String(), "reference": t.Reference,
		})
		return d.duplicate(t.Reference), nil
	}
	ref, existing, err := d.claim(ctx, &msg)
	if err != nil {
		return Outcome{}, err
	}
	if existing != "" {
		return d.duplicate(existing), nil
	}

	ctx = runtime.WithCorrelationID(ctx, msg.ID)
	if err := d.create(ctx, ref, msg); err != nil {
		return Outcome{}, err
	}

	h := newHandoff()
	d.runner.Start(runner.Job{
		Ref:   ref,
		Input: msg.Text,
		OnIntent: func(agent.BackgroundIntent) {
			select {
			case h.intent <- struct{}{}:
			default:
			}
		},
		OnDone: func(t tasks.Task) { d.complete(h, t) },
	})

	var timer <-chan time.Time
	if d.promoteAfter > 0 {
		tm := time.NewTimer(d.promoteAfter)
		defer tm.Stop()
		timer = tm.C
	}

	var reason string
	select {
	case t := <-h.done:
		return inline(t), nil
	case <-h.intent:
		reason = "background intent"
	case <-timer:
		reason = "still running after " + d.promoteAfter.String()
	case <-ctx.Done():
		reason = "caller stopped waiting"
	}

	if !h.state.CompareAndSwap(handoffPending, handoffPromoted) {
		// Completion won the race; the result is already on its way.
		return inline(<-h.done), nil
	}
	return d.promote(ctx, ref, reason), nil
}

// Run creates the task for msg and runs it to a terminal state without
// promotion or delivery. Cancelling ctx requests cancellation of the task.
func (d *Dispatcher) Run(ctx context.Context, msg Message) (tasks.Task, error) {
	ref, existing, err := d.claim(ctx, &msg)
	if err != nil {
		return tasks.Task{}, err
	}
	if existing != "" {
		return tasks.Task{}, fmt.Errorf("%w: %s is task %s", ErrDuplicateMessage, msg.ID, existing)
	}

	ctx = runtime.WithCorrelationID(ctx, msg.ID)
	if err := d.create(ctx, ref, msg); err != nil {
		return tasks.Task{}, err
	}

	done := make(chan tasks.Task, 1)
	go func() {
		done <- d.runner.Run(runner.Job{Ref: ref, Input: msg.Text})
	}()

	select {
	case t := <-done:
		return t, nil
	case <-ctx.Done():
		d.registry.RequestCancel(ref)
		return <-done, nil
	}
}

func (d *Dispatcher) claim(ctx context.Context, msg *Message) (ref, existing string, err error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	ref = tasks.NewReference()
	got, claimed, err := d.dedupe.Claim(ctx, idempotencyKey(*msg), ref)
	if err != nil {
		return "", "", fmt.Errorf("claiming message %s: %w", msg.ID, err)
	}
	if !claimed {
		d.logger.Info("duplicate message ignored", map[string]any{
			"message_id": msg.ID, "origin": msg.Origin.String(), "reference": got,
		})
		return "", got, nil
	}
	return ref, "", nil
}

func (d *Dispatcher) create(ctx context.Context, ref string, msg Message) error {
	label := msg.labelOrDefault()
	budget := msg.MaxIterations
	if budget <= 0 {
		budget = d.defaultMax
	}
	if _, err := d.registry.Create(label, msg.Origin, budget,
		tasks.WithReference(ref), tasks.WithProgressUpdates(d.progressDefault),
		tasks.WithDescription(msg.Text)); err != nil {
		return fmt.Errorf("creating task for message %s: %w", msg.ID, err)
	}
	d.audit.EmitTask(ctx, runtime.AuditTaskCreate, ref, map[string]any{
		"label": label, "origin": msg.Origin.String(), "message_id": msg.ID,
	})
	return nil
}

func (d *Dispatcher) duplicate(ref string) Outcome {
	out := Outcome{Reference: ref, Duplicate: true}
	t, err := d.registry.Get(ref)
	if err != nil {
		return out
	}
	out.Status = t.Status
	out.Promoted = t.Promoted
	if t.Status.Terminal() {
		out.Reply, out.Error = t.Result, t.Error
	}
	return out
}

func (d *Dispatcher) promote(ctx context.Context, ref, reason string) Outcome {
	t, err := d.registry.Update(ref, tasks.Delta{Promoted: tasks.Ptr(true)})
	if err != nil {
		// Finished between the handoff and here; the completion hook delivers.
		t, _ = d.registry.Get(ref)
	}
	d.logger.Info("task promoted to background", map[string]any{"reference": ref, "reason": reason})
	d.audit.EmitTask(ctx, runtime.AuditTaskPromote, ref, map[string]any{"reason": reason})

	return Outcome{
		Reference: ref,
		Status:    t.Status,
		Promoted:  true,
		Reply:     fmt.Sprintf("Working on it in the background as task %s. The result will be sent here when it is done.", ref),
	}
}

// complete is the runner's completion hook.
func (d *Dispatcher) complete(h *handoff, t tasks.Task) {
	if h.state.CompareAndSwap(handoffPending, handoffFinished) {
		h.done <- t
		return
	}
	d.deliver(t)
}

func inline(t tasks.Task) Outcome {
	return Outcome{Reference: t.Reference, Status: t.Status, Reply: t.Result, Error: t.Error}
}

func (m Message) labelOrDefault() string {
	if m.Label != "" {
		return m.Label
	}
	return labelFor(m.Text)
}

func idempotencyKey(msg Message) string {
	return msg.Origin.String() + "/" + msg.ID
}

// labelFor derives a short label from the first line of text.
func labelFor(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	const maxLabel = 60
	if r := []rune(line); len(r) > maxLabel {
		return string(r[:maxLabel-3]) + "..."
	}
	if line == "" {
		return "task"
	}
	return line
}
