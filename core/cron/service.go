package cron

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cyph3rasi/kyber/core/channels"
	"github.com/cyph3rasi/kyber/core/dispatch"
	"github.com/cyph3rasi/kyber/core/runtime"
	"github.com/cyph3rasi/kyber/core/schedule"
	"github.com/cyph3rasi/kyber/core/tasks"
)

// DefaultTick is how often due jobs are evaluated.
const DefaultTick = 5 * time.Second

// Event types published to Config.OnEvent.
const (
	EventJobChanged   = "cron.changed"
	EventJobRemoved   = "cron.removed"
	EventJobFired     = "cron.fired"
	EventJobCompleted = "cron.completed"
)

// Event describes a change to a job or one of its runs.
type Event struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
	Job   *Job   `json:"job,omitempty"`
}

// JobRunner runs one synthetic message to completion.
type JobRunner interface {
	Run(ctx context.Context, msg dispatch.Message) (tasks.Task, error)
}

// Config configures a Service.
type Config struct {
	Store  JobStore
	Runner JobRunner
	Sender channels.Sender
	Logger runtime.Logger
	Audit  *runtime.AuditLogger

	Tick time.Duration
	// Location evaluates cron jobs without a tz. nil means time.Local.
	Location *time.Location
	// DefaultChannel is used for delivery when a job names no channel.
	DefaultChannel string
	SplitLimit     int
	OnEvent        func(Event)
	Now            func() time.Time
}

const (
	triggerSchedule = "schedule"
	triggerManual   = "manual"
)

var errNotDue = errors.New("job not due")

// Service evaluates persisted jobs on a tick loop and runs the due ones.
type Service struct {
	store          JobStore
	runner         JobRunner
	sender         channels.Sender
	logger         runtime.Logger
	audit          *runtime.AuditLogger
	eval           schedule.Evaluator
	tick           time.Duration
	defaultChannel string
	splitLimit     int
	onEvent        func(Event)
	now            func() time.Time

	mu      sync.Mutex
	running map[string]bool // overlap prevention
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	done    chan struct{}
	wg      sync.WaitGroup
	stop    sync.Once
}

// New creates a Service. Call Start to begin evaluating jobs.
func New(cfg Config) *Service {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Logger == nil {
		cfg.Logger = runtime.NopLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DefaultChannel == "" {
		cfg.DefaultChannel = "console"
	}
	return &Service{
		store:          cfg.Store,
		runner:         cfg.Runner,
		sender:         cfg.Sender,
		logger:         cfg.Logger,
		audit:          cfg.Audit,
		eval:           schedule.Evaluator{Location: cfg.Location},
		tick:           cfg.Tick,
		defaultChannel: cfg.DefaultChannel,
		splitLimit:     cfg.SplitLimit,
		onEvent:        cfg.OnEvent,
		now:            cfg.Now,
		running:        make(map[string]bool),
		ctx:            context.Background(),
		done:           make(chan struct{}),
	}
}

// Start launches the tick loop. Jobs missed while the process was down
// fire once on the first tick.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	s.mu.Unlock()

	go s.loop(runCtx)
}

// Stop halts the loop, cancels running jobs and waits for them to finish.
func (s *Service) Stop() {
	s.stop.Do(func() {
		s.mu.Lock()
		started, cancel := s.started, s.cancel
		s.mu.Unlock()
		if !started {
			s.wg.Wait()
			return
		}
		cancel()
		<-s.done
		s.wg.Wait()
	})
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)

	s.reconcile(ctx)
	s.evaluate(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evaluate(ctx)
		}
	}
}

// reconcile fills in the next run of enabled jobs that have none, such as
// jobs written to the store by hand.
func (s *Service) reconcile(ctx context.Context) {
	jobs, err := s.store.List(ctx)
	if err != nil {
		s.logger.Warn("cron: failed to list jobs", map[string]any{"error": err.Error()})
		return
	}
	nowMs := s.now().UnixMilli()
	for _, job := range jobs {
		if !job.Enabled || job.State.NextRunAtMs != nil {
			continue
		}
		if _, err := s.store.Update(ctx, job.ID, func(j *Job) error {
			sched, err := j.Schedule.Compile()
			if err != nil {
				disableInvalid(j, err)
				return nil
			}
			j.State.NextRunAtMs = s.initialNext(sched, nowMs)
			return nil
		}); err != nil {
			s.logger.Warn("cron: failed to schedule job", map[string]any{"id": job.ID, "error": err.Error()})
		}
	}
	s.logger.Info("cron service started", map[string]any{"jobs": len(jobs)})
}

// evaluate fires every due job once.
func (s *Service) evaluate(ctx context.Context) {
	jobs, err := s.store.List(ctx)
	if err != nil {
		s.logger.Warn("cron tick: failed to list jobs", map[string]any{"error": err.Error()})
		return
	}

	nowMs := s.now().UnixMilli()
	for _, job := range jobs {
		if !job.Enabled || !schedule.DueMs(job.State.NextRunAtMs, nowMs) {
			continue
		}

		if !s.claim(job.ID) {
			s.skip(ctx, job.ID, nowMs)
			continue
		}

		fired, slot, err := s.advance(ctx, job.ID, nowMs, true)
		if err != nil {
			s.release(job.ID)
			if !errors.Is(err, errNotDue) {
				s.logger.Warn("cron tick: failed to advance job", map[string]any{"id": job.ID, "error": err.Error()})
			}
			continue
		}
		s.launch(*fired, slot, triggerSchedule)
	}
}

// advance consumes the due slot of a job: it computes the next run and, when
// the job is about to run, marks it running.
func (s *Service) advance(ctx context.Context, id string, nowMs int64, run bool) (*Job, int64, error) {
	var slot int64
	var invalid error
	job, err := s.store.Update(ctx, id, func(j *Job) error {
		if !j.Enabled || !schedule.DueMs(j.State.NextRunAtMs, nowMs) {
			return errNotDue
		}
		slot = *j.State.NextRunAtMs

		sched, err := j.Schedule.Compile()
		if err != nil {
			invalid = err
			disableInvalid(j, err)
			return nil
		}

		last := nowMs
		switch sc := sched.(type) {
		case schedule.Every:
			j.State.NextRunAtMs = s.eval.NextMs(sc, nowMs, &slot)
			last = slot
		case schedule.Cron:
			j.State.NextRunAtMs = s.eval.NextMs(sc, nowMs, nil)
		case schedule.At:
			j.Enabled = false
			j.State.NextRunAtMs = nil
		}
		if run {
			j.State.LastRunAtMs = &last
			j.State.LastStatus = StatusRunning
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	if invalid != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidJob, invalid)
	}
	return job, slot, nil
}

func (s *Service) skip(ctx context.Context, id string, nowMs int64) {
	job, slot, err := s.advance(ctx, id, nowMs, false)
	if err != nil {
		return
	}
	s.logger.Info("cron job skipped (still running)", map[string]any{"id": id, "slot": slot})
	s.audit.EmitJob(runtime.AuditCronSkip, id, map[string]any{"reason": "overlap", "slot": slot})
	s.record(ctx, HistoryEntry{
		Timestamp: time.UnixMilli(nowMs).UTC(),
		JobID:     job.ID,
		Status:    StatusSkipped,
		Error:     "previous run still in progress",
	})
}

func (s *Service) launch(job Job, slot int64, trigger string) {
	s.mu.Lock()
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()
	go s.fire(ctx, job, slot, trigger)
}

func (s *Service) fire(ctx context.Context, job Job, slot int64, trigger string) {
	defer s.wg.Done()
	defer s.release(job.ID)

	start := s.now()
	s.audit.EmitJob(runtime.AuditCronFire, job.ID, map[string]any{"name": job.Name, "trigger": trigger, "slot": slot})
	s.logger.Info("firing cron job", map[string]any{"id": job.ID, "name": job.Name, "trigger": trigger})
	s.publish(EventJobFired, job.ID, &job)

	msg := dispatch.Message{
		ID:     fmt.Sprintf("cron-%s-%d", job.ID, slot),
		Origin: s.origin(job),
		Text:   job.Payload.Message,
		Label:  "cron: " + job.Name,
	}
	task, runErr := s.runner.Run(ctx, msg)
	duration := s.now().Sub(start)

	status, errMsg := StatusOK, ""
	switch {
	case runErr != nil:
		status, errMsg = StatusError, runErr.Error()
	case task.Status != tasks.StatusCompleted:
		status, errMsg = StatusError, task.Error
	}

	deliveryErr := ""
	if job.Payload.Deliver && runErr == nil {
		if err := s.deliver(ctx, job, task); err != nil {
			deliveryErr = err.Error()
			s.logger.Warn("cron delivery failed", map[string]any{"id": job.ID, "error": deliveryErr})
		}
	}

	if status == StatusError {
		s.logger.Error("cron job failed", map[string]any{"id": job.ID, "error": errMsg, "duration": duration.String()})
	} else {
		s.logger.Info("cron job completed", map[string]any{"id": job.ID, "duration": duration.String()})
	}

	// Bookkeeping must land even when Stop cancelled ctx mid-run.
	bctx := context.WithoutCancel(ctx)
	updated, err := s.store.Update(bctx, job.ID, func(j *Job) error {
		j.State.LastStatus = status
		j.State.LastError = errMsg
		j.State.LastDeliveryError = deliveryErr
		j.State.LastTaskRef = task.Reference
		j.State.LastDurationMs = duration.Milliseconds()
		return nil
	})
	if err != nil && !errors.Is(err, ErrJobNotFound) {
		s.logger.Warn("failed to update cron job after run", map[string]any{"id": job.ID, "error": err.Error()})
	}

	// One-shot jobs marked deleteAfterRun go away once their scheduled run is done.
	if trigger == triggerSchedule && job.Schedule.Kind == schedule.KindAt && job.DeleteAfterRun {
		if err := s.store.Delete(bctx, job.ID); err != nil {
			s.logger.Warn("failed to delete one-shot cron job", map[string]any{"id": job.ID, "error": err.Error()})
		} else {
			updated = nil
			s.publish(EventJobRemoved, job.ID, nil)
		}
	}

	s.record(bctx, HistoryEntry{
		Timestamp:     start.UTC(),
		JobID:         job.ID,
		Status:        status,
		Duration:      fmt.Sprintf("%.1fs", duration.Seconds()),
		TaskRef:       task.Reference,
		Error:         errMsg,
		DeliveryError: deliveryErr,
	})
	s.audit.EmitJob(runtime.AuditCronComplete, job.ID, map[string]any{
		"status": status, "duration": duration.String(), "task_ref": task.Reference,
	})
	s.publish(EventJobCompleted, job.ID, updated)
}

func (s *Service) deliver(ctx context.Context, job Job, task tasks.Task) error {
	if s.sender == nil {
		return fmt.Errorf("%w: no sender configured", channels.ErrChannelUnavailable)
	}
	channel, to := s.target(job)
	if to == "" {
		return errors.New("no delivery recipient configured")
	}
	out := dispatch.Outbound(task, s.splitLimit)
	out.Channel, out.ChatID = channel, to
	return s.sender.Send(ctx, out)
}

func (s *Service) target(job Job) (channel, to string) {
	channel = strings.TrimSpace(job.Payload.Channel)
	if channel == "" {
		channel = s.defaultChannel
	}
	return channel, strings.TrimSpace(job.Payload.To)
}

// origin is the conversation a job's task runs in: the delivery chat when
// the job delivers, otherwise a dedicated cron session.
func (s *Service) origin(job Job) tasks.Origin {
	if job.Payload.Deliver && job.Payload.To != "" {
		channel, to := s.target(job)
		o := tasks.Origin{Channel: channel, ChatID: to, SessionKey: job.Payload.SessionKey}
		if o.SessionKey == "" {
			o.SessionKey = channel + ":" + to
		}
		return o
	}
	o := tasks.Origin{Channel: "cron", ChatID: job.ID, SessionKey: job.Payload.SessionKey}
	if o.SessionKey == "" {
		o.SessionKey = "cron:" + job.ID
	}
	return o
}

func (s *Service) record(ctx context.Context, entry HistoryEntry) {
	if err := s.store.RecordRun(ctx, entry); err != nil {
		s.logger.Warn("failed to record cron run", map[string]any{"id": entry.JobID, "error": err.Error()})
	}
}

func (s *Service) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[id] {
		return false
	}
	s.running[id] = true
	return true
}

func (s *Service) release(id string) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
}

// Running reports whether a run of the job is in progress.
func (s *Service) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[id]
}

func (s *Service) publish(typ, id string, job *Job) {
	if s.onEvent != nil {
		s.onEvent(Event{Type: typ, JobID: id, Job: job})
	}
}

// initialNext is the first run of a newly created or re-enabled job.
func (s *Service) initialNext(sched schedule.Schedule, nowMs int64) *int64 {
	if _, ok := sched.(schedule.Every); ok {
		return s.eval.NextMs(sched, nowMs, &nowMs)
	}
	return s.eval.NextMs(sched, nowMs, nil)
}

func disableInvalid(j *Job, err error) {
	j.Enabled = false
	j.State.NextRunAtMs = nil
	j.State.LastStatus = StatusError
	j.State.LastError = "invalid schedule: " + err.Error()
}

func newJobID() string {
	return uuid.NewString()[:8]
}
