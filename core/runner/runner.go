// Package runner drives one task from queued to a terminal state by
// repeatedly invoking the agent, enforcing the step budget and observing
// cancellation between steps.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/semaphore"

	"github.com/cyph3rasi/kyber/core/agent"
	"github.com/cyph3rasi/kyber/core/runtime"
	"github.com/cyph3rasi/kyber/core/tasks"
)

// Defaults applied by New when the config leaves a field zero.
const (
	DefaultMaxConcurrent      = 8
	DefaultWrapUpSteps        = 2
	DefaultMaxToolResultChars = 16_000
)

// Config configures a Runner.
type Config struct {
	Registry *tasks.Registry
	Agent    agent.Agent
	Tools    agent.ToolExecutor // nil: tool calls report that no tools are available
	Logger   runtime.Logger
	Audit    *runtime.AuditLogger

	// BaseContext bounds every task's lifetime; cancelling it stops all
	// runners at their next step boundary. Defaults to context.Background.
	BaseContext context.Context

	MaxConcurrent      int
	WrapUpSteps        int
	MaxWallTime        time.Duration // 0: no wall-clock ceiling
	MaxToolResultChars int
	Now                func() time.Time
}

// Job is one unit of work handed to the runner.
type Job struct {
	Ref   string
	Input string

	// OnIntent is invoked (from the runner goroutine) when the agent
	// declares background intent.
	OnIntent func(agent.BackgroundIntent)
	// OnDone is invoked exactly once with the terminal record.
	OnDone func(tasks.Task)
}

// Runner executes tasks with bounded concurrency.
type Runner struct {
	registry  *tasks.Registry
	agent     agent.Agent
	tools     agent.ToolExecutor
	logger    runtime.Logger
	audit     *runtime.AuditLogger
	base      context.Context
	sem       *semaphore.Weighted
	wrapUp    int
	maxWall   time.Duration
	maxOutput int
	now       func() time.Time
}

// New creates a Runner.
func New(cfg Config) *Runner {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.WrapUpSteps <= 0 {
		cfg.WrapUpSteps = DefaultWrapUpSteps
	}
	if cfg.MaxToolResultChars <= 0 {
		cfg.MaxToolResultChars = DefaultMaxToolResultChars
	}
	if cfg.Logger == nil {
		cfg.Logger = runtime.NopLogger()
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Runner{
		registry:  cfg.Registry,
		agent:     cfg.Agent,
		tools:     cfg.Tools,
		logger:    cfg.Logger,
		audit:     cfg.Audit,
		base:      cfg.BaseContext,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		wrapUp:    cfg.WrapUpSteps,
		maxWall:   cfg.MaxWallTime,
		maxOutput: cfg.MaxToolResultChars,
		now:       cfg.Now,
	}
}

// Start runs the job in its own goroutine.
func (r *Runner) Start(job Job) {
	go r.Run(job)
}

// Run executes the job on the calling goroutine and returns the terminal
// record. It never panics and always invokes OnDone.
func (r *Runner) Run(job Job) tasks.Task {
	ctx := runtime.WithTaskRef(r.base, job.Ref)
	if runtime.CorrelationIDFromContext(ctx) == "" {
		ctx = runtime.WithCorrelationID(ctx, job.Ref)
	}
	token, cancel := context.WithCancel(ctx)
	defer cancel()

	final := r.execute(ctx, token, cancel, job)
	if job.OnDone != nil {
		r.safeHook(job.Ref, func() { job.OnDone(final) })
	}
	return final
}

func (r *Runner) execute(ctx, token context.Context, cancel context.CancelFunc, job Job) tasks.Task {
	if err := r.registry.AttachCancel(job.Ref, cancel); err != nil {
		// The task finished or vanished before the runner got to it.
		t, getErr := r.registry.Get(job.Ref)
		if getErr == nil {
			return t
		}
		return tasks.Task{Reference: job.Ref, Status: tasks.StatusFailed, Error: err.Error()}
	}

	// Wait for a slot. Cancellation while queued finishes the task without
	// running it.
	if err := r.sem.Acquire(token, 1); err != nil {
		return r.finishCancelled(ctx, job.Ref, 0)
	}
	defer r.sem.Release(1)

	if token.Err() != nil {
		return r.finishCancelled(ctx, job.Ref, 0)
	}
	t, err := r.registry.Update(job.Ref, tasks.Delta{
		Status:        tasks.Ptr(tasks.StatusRunning),
		CurrentAction: tasks.Ptr("starting"),
	})
	if err != nil {
		if errors.Is(err, tasks.ErrInvalidTransition) {
			return r.finishCancelled(ctx, job.Ref, 0)
		}
		return r.finishFailed(ctx, job.Ref, 0, "could not start task: "+err.Error())
	}

	r.logger.Info("task started", map[string]any{"reference": job.Ref, "label": t.Label})
	r.audit.EmitTask(ctx, runtime.AuditTaskStart, job.Ref, map[string]any{"label": t.Label})

	return r.loop(ctx, token, job, t)
}

func (r *Runner) loop(ctx, token context.Context, job Job, t tasks.Task) tasks.Task {
	started := r.now()
	transcript := []agent.Message{{Role: agent.RoleUser, Content: job.Input}}
	lastAction := ""

	for step := 1; ; step++ {
		if token.Err() != nil {
			return r.finishCancelled(ctx, job.Ref, step-1)
		}

		cur, err := r.registry.Get(job.Ref)
		if err != nil {
			return r.finishFailed(ctx, job.Ref, step-1, err.Error())
		}
		budget := cur.MaxIterations

		if budget > 0 && step > budget {
			return r.summarize(ctx, token, job, cur, transcript, lastAction,
				fmt.Sprintf("step budget of %d exhausted", budget))
		}
		if r.maxWall > 0 && r.now().Sub(started) >= r.maxWall {
			return r.summarize(ctx, token, job, cur, transcript, lastAction,
				"time limit of "+r.maxWall.String()+" reached")
		}

		if _, err := r.registry.Update(job.Ref, tasks.Delta{
			Iteration:     tasks.Ptr(step),
			CurrentAction: tasks.Ptr("thinking"),
		}); err != nil {
			return r.finishFailed(ctx, job.Ref, step-1, err.Error())
		}

		req := agent.StepRequest{
			TaskRef:       job.Ref,
			Label:         cur.Label,
			Iteration:     step,
			MaxIterations: budget,
			Messages:      transcript,
			WrapUp:        budget > 0 && budget-step < r.wrapUp,
		}
		res, err := r.step(token, req)
		if err != nil {
			if token.Err() != nil {
				return r.finishCancelled(ctx, job.Ref, step)
			}
			r.logger.Warn("agent step failed", map[string]any{
				"reference": job.Ref, "iteration": step, "error": err.Error(),
			})
			return r.finishFailed(ctx, job.Ref, step, fmt.Sprintf("agent step %d failed: %s", step, err.Error()))
		}

		r.audit.EmitTask(ctx, runtime.AuditTaskStep, job.Ref, map[string]any{
			"iteration": step, "result": agent.Encode(res).Type,
		})

		switch v := res.(type) {
		case agent.Reply:
			if v.Text == "" {
				return r.summarize(ctx, token, job, cur, transcript, lastAction, "the agent returned an empty reply")
			}
			return r.finishCompleted(ctx, job.Ref, step, v.Text)

		case agent.ToolCall:
			lastAction = "running " + v.Name
			r.setAction(job.Ref, lastAction)
			out := r.runTool(token, v)
			transcript = append(transcript,
				agent.Message{Role: agent.RoleAssistant, Content: "call " + v.Name + " " + string(v.Args), ToolName: v.Name},
				agent.Message{Role: agent.RoleTool, Content: out, ToolName: v.Name},
			)
			lastAction = "finished " + v.Name
			r.update(job.Ref, tasks.Delta{CurrentAction: &lastAction, ActionCompleted: &v.Name})

		case agent.Continue:
			lastAction = v.Note
			if lastAction == "" {
				lastAction = "working"
			}
			transcript = append(transcript, agent.Message{Role: agent.RoleAssistant, Content: v.Note})
			r.setAction(job.Ref, lastAction)

		case agent.BackgroundIntent:
			d := tasks.Delta{CurrentAction: tasks.Ptr("continuing in the background")}
			if v.Label != "" {
				d.Label = tasks.Ptr(v.Label)
			}
			if v.MaxIterations > 0 {
				d.MaxIterations = tasks.Ptr(v.MaxIterations)
			}
			if _, err := r.registry.Update(job.Ref, d); err != nil {
				r.logger.Warn("failed to apply background intent", map[string]any{
					"reference": job.Ref, "error": err.Error(),
				})
			}
			if job.OnIntent != nil {
				r.safeHook(job.Ref, func() { job.OnIntent(v) })
			}

		default:
			return r.finishFailed(ctx, job.Ref, step, fmt.Sprintf("agent step %d returned an unsupported result %T", step, res))
		}
	}
}

// summarize performs the forced final step. A completed task never ends
// without a result: if the agent cannot produce one, a summary is
// synthesized from what the runner observed.
func (r *Runner) summarize(ctx, token context.Context, job Job, cur tasks.Task, transcript []agent.Message, lastAction, reason string) tasks.Task {
	iteration := cur.Iteration
	r.setAction(job.Ref, "summarizing ("+reason+")")
	r.logger.Info("forcing summary step", map[string]any{"reference": job.Ref, "reason": reason})

	res, err := r.step(token, agent.StepRequest{
		TaskRef:       job.Ref,
		Label:         cur.Label,
		Iteration:     iteration,
		MaxIterations: cur.MaxIterations,
		Messages:      transcript,
		WrapUp:        true,
		Final:         true,
	})
	if err == nil {
		if reply, ok := res.(agent.Reply); ok && reply.Text != "" {
			return r.finishCompleted(ctx, job.Ref, iteration, reply.Text)
		}
	}
	if token.Err() != nil {
		return r.finishCancelled(ctx, job.Ref, iteration)
	}

	text := fmt.Sprintf("Stopped after %d step(s): %s.", iteration, reason)
	if lastAction != "" {
		text += " Last activity: " + lastAction + "."
	}
	if n := countTools(transcript); n > 0 {
		text += " Tools run: " + strconv.Itoa(n) + "."
	}
	return r.finishCompleted(ctx, job.Ref, iteration, text)
}

// step calls the agent and converts a panic into an error.
func (r *Runner) step(ctx context.Context, req agent.StepRequest) (res agent.StepResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			res, err = nil, fmt.Errorf("agent panicked: %v", p)
		}
	}()
	res, err = r.agent.Step(ctx, req)
	if err == nil && res == nil {
		err = fmt.Errorf("agent returned no result")
	}
	return res, err
}

func (r *Runner) runTool(ctx context.Context, call agent.ToolCall) (out string) {
	if r.tools == nil {
		return "Error executing tool " + call.Name + ": no tools are available"
	}
	defer func() {
		if p := recover(); p != nil {
			out = fmt.Sprintf("Error executing tool %s: panic: %v", call.Name, p)
		}
	}()
	result, err := r.tools.Execute(ctx, call.Name, call.Args)
	if err != nil {
		result = fmt.Sprintf("Error executing tool %s: %s", call.Name, err.Error())
	}
	if len(result) > r.maxOutput {
		n := r.maxOutput
		for n > 0 && !utf8.RuneStart(result[n]) {
			n--
		}
		result = result[:n] + "\n\n[OUTPUT TRUNCATED, original length: " + strconv.Itoa(len(result)) + " chars]"
	}
	return result
}

func (r *Runner) setAction(ref, action string) {
	r.update(ref, tasks.Delta{CurrentAction: &action})
}

func (r *Runner) update(ref string, d tasks.Delta) {
	if _, err := r.registry.Update(ref, d); err != nil {
		r.logger.Debug("failed to update current action", map[string]any{"reference": ref, "error": err.Error()})
	}
}

func (r *Runner) finishCompleted(ctx context.Context, ref string, iteration int, result string) tasks.Task {
	return r.finish(ctx, ref, tasks.Delta{
		Status:        tasks.Ptr(tasks.StatusCompleted),
		Iteration:     &iteration,
		CurrentAction: tasks.Ptr("done"),
		Result:        &result,
	})
}

func (r *Runner) finishFailed(ctx context.Context, ref string, iteration int, msg string) tasks.Task {
	return r.finish(ctx, ref, tasks.Delta{
		Status:        tasks.Ptr(tasks.StatusFailed),
		Iteration:     &iteration,
		CurrentAction: tasks.Ptr("failed"),
		Error:         &msg,
	})
}

func (r *Runner) finishCancelled(ctx context.Context, ref string, iteration int) tasks.Task {
	msg := "cancelled"
	if r.base.Err() != nil {
		msg = "cancelled: orchestrator shutting down"
	}
	r.audit.EmitTask(ctx, runtime.AuditTaskCancel, ref, map[string]any{"iteration": iteration, "reason": msg})
	return r.finish(ctx, ref, tasks.Delta{
		Status:        tasks.Ptr(tasks.StatusCancelled),
		Iteration:     &iteration,
		CurrentAction: tasks.Ptr("cancelled"),
		Error:         &msg,
	})
}

func (r *Runner) finish(ctx context.Context, ref string, d tasks.Delta) tasks.Task {
	cur, err := r.registry.Get(ref)
	if err == nil && d.Iteration != nil && *d.Iteration < cur.Iteration {
		d.Iteration = nil
	}
	t, err := r.registry.Update(ref, d)
	if err != nil {
		r.logger.Error("failed to finalize task", map[string]any{"reference": ref, "error": err.Error()})
		if got, getErr := r.registry.Get(ref); getErr == nil {
			return got
		}
		return cur
	}

	fields := map[string]any{"status": string(t.Status), "iteration": t.Iteration}
	if t.Error != "" {
		fields["error"] = t.Error
	}
	r.logger.Info("task finished", mergeFields(fields, map[string]any{"reference": ref}))
	r.audit.EmitTask(ctx, runtime.AuditTaskFinish, ref, fields)
	return t
}

func (r *Runner) safeHook(ref string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("task hook panicked", map[string]any{"reference": ref, "panic": fmt.Sprint(p)})
		}
	}()
	fn()
}

func countTools(transcript []agent.Message) int {
	n := 0
	for _, m := range transcript {
		if m.Role == agent.RoleTool {
			n++
		}
	}
	return n
}

func mergeFields(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
