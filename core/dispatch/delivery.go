package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/cyph3rasi/kyber/core/channels"
	"github.com/cyph3rasi/kyber/core/runtime"
	"github.com/cyph3rasi/kyber/core/tasks"
	"github.com/cyph3rasi/kyber/plugins/channels/markdown"
)

// DefaultProgressInterval is how often promoted tasks are checked for
// progress notices.
const DefaultProgressInterval = 10 * time.Second

// Outbound builds the message that reports a finished task to its origin.
func Outbound(t tasks.Task, splitLimit int) channels.Outbound {
	out := channels.Outbound{
		Channel: t.Origin.Channel,
		ChatID:  t.Origin.ChatID,
		TaskRef: t.Reference,
	}
	switch t.Status {
	case tasks.StatusCompleted:
		out.Kind = channels.KindResult
		out.Text, out.Report = markdown.Split(t.Result, splitLimit, t.Reference)
	case tasks.StatusCancelled:
		out.Kind = channels.KindCancel
		out.Text = fmt.Sprintf("Task %s (%s) was cancelled after %d step(s).", t.Reference, t.Label, t.Iteration)
	default:
		out.Kind = channels.KindFailure
		out.Text = fmt.Sprintf("Task %s (%s) failed: %s", t.Reference, t.Label, t.Error)
	}
	return out
}

// deliver sends a promoted task's outcome to its origin. Failures are
// logged and audited; the task record is not affected.
func (d *Dispatcher) deliver(t tasks.Task) {
	if t.Origin.IsZero() {
		d.logger.Warn("promoted task has no origin, result not delivered", map[string]any{"reference": t.Reference})
		return
	}
	err := d.send(context.Background(), Outbound(t, d.splitLimit))
	d.auditDelivery(t.Reference, "promoted", err)
}

// Redeliver sends a finished task's stored result to its origin again.
func (d *Dispatcher) Redeliver(ctx context.Context, ref string) error {
	t, err := d.registry.Get(ref)
	if err != nil {
		return err
	}
	if !t.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrNotTerminal, t.Reference, t.Status)
	}
	if t.Origin.IsZero() {
		return fmt.Errorf("%w: %s", ErrNoOrigin, t.Reference)
	}
	if t.Result == "" {
		return fmt.Errorf("%w: %s", ErrNoResult, t.Reference)
	}
	err = d.send(ctx, Outbound(t, d.splitLimit))
	d.auditDelivery(t.Reference, "redeliver", err)
	return err
}

func (d *Dispatcher) send(ctx context.Context, msg channels.Outbound) error {
	if d.sender == nil {
		return fmt.Errorf("%w: no sender configured", channels.ErrChannelUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, d.deliveryTimeout)
	defer cancel()
	return d.sender.Send(ctx, msg)
}

func (d *Dispatcher) auditDelivery(ref, via string, err error) {
	fields := map[string]any{"via": via}
	if err != nil {
		fields["error"] = err.Error()
		d.logger.Warn("task delivery failed", map[string]any{"reference": ref, "via": via, "error": err.Error()})
	}
	d.audit.EmitTask(context.Background(), runtime.AuditTaskDeliver, ref, fields)
}

// RunProgress sends "still working" notices for promoted tasks until ctx is
// done.
func (d *Dispatcher) RunProgress(ctx context.Context) {
	ticker := time.NewTicker(d.progressEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.notifyProgress(ctx)
		}
	}
}

// notifyProgress sends one notice per eligible task whose progress text
// changed since the last notice.
func (d *Dispatcher) notifyProgress(ctx context.Context) {
	active := d.registry.ListActive()

	d.progressMu.Lock()
	live := make(map[string]bool, len(active))
	var due []channels.Outbound
	for _, t := range active {
		live[t.Reference] = true
		if !t.Promoted || t.Status != tasks.StatusRunning || !t.ProgressUpdatesEnabled || t.Origin.IsZero() {
			continue
		}
		text := progressText(t)
		if d.lastNotice[t.Reference] == text {
			continue
		}
		d.lastNotice[t.Reference] = text
		due = append(due, channels.Outbound{
			Channel: t.Origin.Channel,
			ChatID:  t.Origin.ChatID,
			TaskRef: t.Reference,
			Kind:    channels.KindProgress,
			Text:    text,
		})
	}
	for ref := range d.lastNotice {
		if !live[ref] {
			delete(d.lastNotice, ref)
		}
	}
	d.progressMu.Unlock()

	for _, msg := range due {
		if err := d.send(ctx, msg); err != nil {
			d.logger.Debug("progress notice failed", map[string]any{"reference": msg.TaskRef, "error": err.Error()})
		}
	}
}

func progressText(t tasks.Task) string {
	action := t.CurrentAction
	if action == "" {
		action = "working"
	}
	if t.MaxIterations > 0 {
		return fmt.Sprintf("%s: %s (step %d/%d)", t.Label, action, t.Iteration, t.MaxIterations)
	}
	return fmt.Sprintf("%s: %s (step %d)", t.Label, action, t.Iteration)
}
