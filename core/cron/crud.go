package cron

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cyph3rasi/kyber/core/runtime"
	"github.com/cyph3rasi/kyber/core/schedule"
)

// List returns jobs ordered by creation. Disabled jobs are included only
// when all is set.
func (s *Service) List(ctx context.Context, all bool) ([]Job, error) {
	jobs, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing cron jobs: %w", err)
	}
	out := jobs[:0]
	for _, j := range jobs {
		if all || j.Enabled {
			out = append(out, j)
		}
	}
	SortJobs(out)
	return out, nil
}

// Get returns one job.
func (s *Service) Get(ctx context.Context, id string) (Job, error) {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return Job{}, fmt.Errorf("loading cron job %s: %w", id, err)
	}
	if j == nil {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return *j, nil
}

// Add validates in and creates a job. Schedule errors are reported here,
// never at fire time.
func (s *Service) Add(ctx context.Context, in JobInput) (Job, error) {
	sched, err := checkInput(&in)
	if err != nil {
		return Job{}, err
	}
	nowMs := s.now().UnixMilli()
	if err := checkAt(sched, nowMs); err != nil {
		return Job{}, err
	}
	job := Job{
		ID:             newJobID(),
		Name:           in.Name,
		Enabled:        in.Enabled == nil || *in.Enabled,
		Schedule:       sched.Spec(),
		Payload:        in.Payload,
		DeleteAfterRun: in.DeleteAfterRun,
		CreatedAtMs:    nowMs,
		UpdatedAtMs:    nowMs,
	}
	if job.Enabled {
		job.State.NextRunAtMs = s.initialNext(sched, nowMs)
	}
	if err := s.store.Put(ctx, job); err != nil {
		return Job{}, fmt.Errorf("saving cron job: %w", err)
	}

	s.logger.Info("cron job added", map[string]any{"id": job.ID, "name": job.Name, "schedule": job.Schedule.String()})
	s.audit.EmitJob(runtime.AuditCronModify, job.ID, map[string]any{"action": "add"})
	s.publish(EventJobChanged, job.ID, &job)
	return job, nil
}

// Replace overwrites the client-writable fields of a job and reschedules it.
// Run state is kept.
func (s *Service) Replace(ctx context.Context, id string, in JobInput) (Job, error) {
	sched, err := checkInput(&in)
	if err != nil {
		return Job{}, err
	}
	nowMs := s.now().UnixMilli()
	if err := checkAt(sched, nowMs); err != nil {
		return Job{}, err
	}
	updated, err := s.store.Update(ctx, id, func(j *Job) error {
		j.Name = in.Name
		j.Schedule = sched.Spec()
		j.Payload = in.Payload
		j.DeleteAfterRun = in.DeleteAfterRun
		if in.Enabled != nil {
			j.Enabled = *in.Enabled
		}
		j.UpdatedAtMs = nowMs
		j.State.NextRunAtMs = nil
		if j.Enabled {
			j.State.NextRunAtMs = s.initialNext(sched, nowMs)
		}
		return nil
	})
	if err != nil {
		return Job{}, s.wrap(id, err)
	}

	s.audit.EmitJob(runtime.AuditCronModify, id, map[string]any{"action": "replace"})
	s.publish(EventJobChanged, id, updated)
	return *updated, nil
}

// Remove deletes a job. Its history is kept.
func (s *Service) Remove(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting cron job %s: %w", id, err)
	}
	s.logger.Info("cron job removed", map[string]any{"id": id})
	s.audit.EmitJob(runtime.AuditCronModify, id, map[string]any{"action": "remove"})
	s.publish(EventJobRemoved, id, nil)
	return nil
}

// Enable turns a job on or off. Enabling recomputes the next run from now;
// a one-shot job whose time has passed cannot be enabled again.
func (s *Service) Enable(ctx context.Context, id string, enabled bool) (Job, error) {
	nowMs := s.now().UnixMilli()
	updated, err := s.store.Update(ctx, id, func(j *Job) error {
		j.Enabled = enabled
		j.UpdatedAtMs = nowMs
		j.State.NextRunAtMs = nil
		if !enabled {
			return nil
		}
		sched, err := j.Schedule.Compile()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidJob, err)
		}
		if err := checkAt(sched, nowMs); err != nil {
			return err
		}
		j.State.NextRunAtMs = s.initialNext(sched, nowMs)
		return nil
	})
	if err != nil {
		return Job{}, s.wrap(id, err)
	}

	s.audit.EmitJob(runtime.AuditCronModify, id, map[string]any{"action": "enable", "enabled": enabled})
	s.publish(EventJobChanged, id, updated)
	return *updated, nil
}

// RunNow starts a run of the job immediately without touching its schedule.
// force runs disabled jobs too. It returns once the run has started.
func (s *Service) RunNow(ctx context.Context, id string, force bool) (Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return Job{}, err
	}
	if !job.Enabled && !force {
		return Job{}, fmt.Errorf("%w: %s", ErrJobDisabled, id)
	}
	if !s.claim(id) {
		return Job{}, fmt.Errorf("%w: %s", ErrJobRunning, id)
	}

	nowMs := s.now().UnixMilli()
	updated, err := s.store.Update(ctx, id, func(j *Job) error {
		j.State.LastRunAtMs = &nowMs
		j.State.LastStatus = StatusRunning
		return nil
	})
	if err != nil {
		s.release(id)
		return Job{}, s.wrap(id, err)
	}
	s.launch(*updated, nowMs, triggerManual)
	return *updated, nil
}

// Runs returns the most recent runs of a job, oldest first.
func (s *Service) Runs(ctx context.Context, id string, limit int) ([]HistoryEntry, error) {
	entries, err := s.store.History(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("loading history for %s: %w", id, err)
	}
	return entries, nil
}

func (s *Service) wrap(id string, err error) error {
	if errors.Is(err, ErrJobNotFound) {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return err
}

// checkInput normalizes in and compiles its schedule.
func checkInput(in *JobInput) (schedule.Schedule, error) {
	in.Payload.Message = strings.TrimSpace(in.Payload.Message)
	if in.Payload.Message == "" {
		return nil, fmt.Errorf("%w: payload.message is required", ErrInvalidJob)
	}
	if in.Payload.Deliver && strings.TrimSpace(in.Payload.To) == "" {
		return nil, fmt.Errorf("%w: payload.to is required when deliver is set", ErrInvalidJob)
	}
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		in.Name = in.Payload.Message
		if r := []rune(in.Name); len(r) > 30 {
			in.Name = string(r[:30])
		}
	}
	sched, err := in.Schedule.Compile()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	return sched, nil
}

// checkAt rejects one-shot schedules that are not in the future.
func checkAt(sched schedule.Schedule, nowMs int64) error {
	if at, ok := sched.(schedule.At); ok && at.Time.UnixMilli() <= nowMs {
		return fmt.Errorf("%w: at time %s is not in the future", ErrInvalidJob, at.Time.UTC().Format(time.RFC3339))
	}
	return nil
}
