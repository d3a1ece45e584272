package tasks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cyph3rasi/kyber/core/runtime"
)

// DefaultHistorySize is the number of finished tasks retained when no size
// is configured.
const DefaultHistorySize = 200

// Event types published to subscribers.
const (
	EventCreated  = "task.created"
	EventUpdated  = "task.updated"
	EventFinished = "task.finished"
)

// Event is a registry change notification.
type Event struct {
	Type string `json:"type"`
	Task Task   `json:"task"`
}

// HistoryStore persists finished tasks so history survives a restart.
type HistoryStore interface {
	Append(t Task) error
	Load(limit int) ([]Task, error)
}

type entry struct {
	task   Task
	cancel context.CancelFunc
}

// Registry owns every task record. All mutation goes through its methods;
// callers only ever see copies.
type Registry struct {
	mu      sync.RWMutex
	active  map[string]*entry
	history *ring
	byRef   map[string]*Task // finished tasks by reference and completion reference

	subMu  sync.RWMutex
	subs   map[int]func(Event)
	nextID int

	store  HistoryStore
	logger runtime.Logger
	now    func() time.Time
	size   int
}

// Option configures a Registry.
type Option func(*Registry)

// WithHistorySize sets the capacity of the finished-task ring.
func WithHistorySize(n int) Option { return func(r *Registry) { r.size = n } }

// WithHistoryStore enables persistence of finished tasks.
func WithHistoryStore(s HistoryStore) Option { return func(r *Registry) { r.store = s } }

// WithLogger sets the registry logger.
func WithLogger(l runtime.Logger) Option { return func(r *Registry) { r.logger = l } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// NewRegistry creates an empty registry, preloading history from the store
// when one is configured.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		active: make(map[string]*entry),
		byRef:  make(map[string]*Task),
		subs:   make(map[int]func(Event)),
		logger: runtime.NopLogger(),
		now:    time.Now,
		size:   DefaultHistorySize,
	}
	for _, o := range opts {
		o(r)
	}
	r.history = newRing(r.size)

	if r.store != nil {
		saved, err := r.store.Load(r.size)
		if err != nil {
			r.logger.Warn("failed to load task history", map[string]any{"error": err.Error()})
		}
		for i := range saved {
			t := saved[i]
			r.retire(&t)
		}
	}
	return r
}

// NewReference returns a fresh task reference.
func NewReference() string { return "t" + runtime.RandomHex(4) }

// CreateOption customises a task at creation.
type CreateOption func(*Task)

// WithReference uses a pre-allocated reference instead of generating one.
func WithReference(ref string) CreateOption { return func(t *Task) { t.Reference = ref } }

// WithProgressUpdates sets the initial progress notice preference.
func WithProgressUpdates(enabled bool) CreateOption {
	return func(t *Task) { t.ProgressUpdatesEnabled = enabled }
}

// WithDescription records the full request text, used to spot near-duplicate
// requests while the task is active.
func WithDescription(text string) CreateOption { return func(t *Task) { t.Description = text } }

// Create inserts a queued task and returns its reference. maxIterations of
// zero means no step cap.
func (r *Registry) Create(label string, origin Origin, maxIterations int, opts ...CreateOption) (string, error) {
	if maxIterations < 0 {
		return "", fmt.Errorf("%w: max_iterations must not be negative", ErrInvalidDelta)
	}
	t := Task{
		Label:         label,
		Status:        StatusQueued,
		MaxIterations: maxIterations,
		CreatedAt:     r.now().UTC(),
		Origin:        origin,
	}
	for _, o := range opts {
		o(&t)
	}

	r.mu.Lock()
	if t.Reference == "" {
		for t.Reference == "" || r.taken(t.Reference) {
			t.Reference = NewReference()
		}
	} else if r.taken(t.Reference) {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicate, t.Reference)
	}
	r.active[t.Reference] = &entry{task: t}
	r.mu.Unlock()

	r.publish(Event{Type: EventCreated, Task: t})
	return t.Reference, nil
}

// Update applies a delta to an active task. Finished tasks are immutable.
func (r *Registry) Update(ref string, d Delta) (Task, error) {
	r.mu.Lock()
	e, ok := r.active[ref]
	if !ok {
		_, finished := r.byRef[ref]
		r.mu.Unlock()
		if finished {
			return Task{}, fmt.Errorf("%w: %s", ErrTerminal, ref)
		}
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}

	next := e.task
	if err := apply(&next, d); err != nil {
		r.mu.Unlock()
		return Task{}, err
	}

	if !next.Status.Terminal() {
		e.task = next
		r.mu.Unlock()
		r.publish(Event{Type: EventUpdated, Task: next})
		return next, nil
	}

	now := r.now().UTC()
	next.CompletedAt = &now
	prefix := "x"
	if next.Status == StatusCompleted {
		prefix = "c"
	}
	for next.CompletionReference == "" || r.taken(next.CompletionReference) {
		next.CompletionReference = prefix + runtime.RandomHex(4)
	}
	delete(r.active, ref)
	finished := next
	r.retire(&finished)
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.Append(next); err != nil {
			r.logger.Warn("failed to persist finished task", map[string]any{
				"reference": ref, "error": err.Error(),
			})
		}
	}
	r.publish(Event{Type: EventFinished, Task: next})
	return next, nil
}

// retire moves a finished task into the ring. Caller holds mu or owns r.
func (r *Registry) retire(t *Task) {
	if evicted := r.history.push(t); evicted != nil {
		if r.byRef[evicted.Reference] == evicted {
			delete(r.byRef, evicted.Reference)
		}
		if evicted.CompletionReference != "" && r.byRef[evicted.CompletionReference] == evicted {
			delete(r.byRef, evicted.CompletionReference)
		}
	}
	r.byRef[t.Reference] = t
	if t.CompletionReference != "" {
		r.byRef[t.CompletionReference] = t
	}
}

func (r *Registry) taken(ref string) bool {
	if _, ok := r.active[ref]; ok {
		return true
	}
	_, ok := r.byRef[ref]
	return ok
}

func apply(t *Task, d Delta) error {
	status := t.Status
	if d.Status != nil {
		if !CanTransition(t.Status, *d.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, *d.Status)
		}
		status = *d.Status
	}
	if d.Iteration != nil && *d.Iteration < t.Iteration {
		return fmt.Errorf("%w: iteration cannot decrease (%d -> %d)", ErrInvalidDelta, t.Iteration, *d.Iteration)
	}
	if d.MaxIterations != nil && *d.MaxIterations < 0 {
		return fmt.Errorf("%w: max_iterations must not be negative", ErrInvalidDelta)
	}
	if (d.Result != nil || d.Error != nil) && !status.Terminal() {
		return fmt.Errorf("%w: result and error are only set on a terminal transition", ErrInvalidDelta)
	}
	switch status {
	case StatusCompleted:
		if d.Result == nil || *d.Result == "" || d.Error != nil {
			return fmt.Errorf("%w: a completed task needs a result and no error", ErrInvalidDelta)
		}
	case StatusFailed, StatusCancelled:
		if d.Error == nil || *d.Error == "" || d.Result != nil {
			return fmt.Errorf("%w: a %s task needs an error and no result", ErrInvalidDelta, status)
		}
	}

	t.Status = status
	if d.Iteration != nil {
		t.Iteration = *d.Iteration
	}
	if d.CurrentAction != nil {
		t.CurrentAction = *d.CurrentAction
	}
	if d.ActionCompleted != nil && *d.ActionCompleted != "" {
		acts := append(append(make([]string, 0, len(t.RecentActions)+1), t.RecentActions...), *d.ActionCompleted)
		if len(acts) > MaxRecentActions {
			acts = acts[len(acts)-MaxRecentActions:]
		}
		t.RecentActions = acts
	}
	if d.Label != nil {
		t.Label = *d.Label
	}
	if d.MaxIterations != nil {
		t.MaxIterations = *d.MaxIterations
	}
	if d.Result != nil {
		t.Result = *d.Result
	}
	if d.Error != nil {
		t.Error = *d.Error
	}
	if d.ProgressUpdatesEnabled != nil {
		t.ProgressUpdatesEnabled = *d.ProgressUpdatesEnabled
	}
	if d.Promoted != nil {
		t.Promoted = *d.Promoted
	}
	return nil
}

// Get returns a copy of the task with the given live or completion reference.
func (r *Registry) Get(ref string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.active[ref]; ok {
		return e.task, nil
	}
	if t, ok := r.byRef[ref]; ok {
		return *t, nil
	}
	return Task{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
}

// FindActiveDuplicate returns a queued or running task from the same origin
// whose label and description closely match the given ones. Case and
// whitespace are ignored. A match needs similar labels and either near-equal
// descriptions or one description containing the other, the longer of the
// two being over 40 runes.
func (r *Registry) FindActiveDuplicate(origin Origin, label, description string) (Task, bool) {
	nl, nd := normalize(label), normalize(description)
	if len(nl) == 0 {
		nl = []rune("task")
	}
	for _, t := range r.ListActive() {
		if t.Status != StatusQueued && t.Status != StatusRunning {
			continue
		}
		if t.Origin.Channel != origin.Channel || t.Origin.ChatID != origin.ChatID {
			continue
		}
		tl := normalize(t.Label)
		if len(tl) == 0 {
			tl = []rune("task")
		}
		if similarity(nl, tl) < labelSimilarity {
			continue
		}
		td := normalize(t.Description)
		if len(nd) == 0 || len(td) == 0 {
			continue
		}
		if similarity(nd, td) >= descriptionSimilarity {
			return t, true
		}
		if containsEither(nd, td) && max(len(nd), len(td)) > containmentMinRunes {
			return t, true
		}
	}
	return Task{}, false
}

// ListActive returns unfinished tasks, oldest first.
func (r *Registry) ListActive() []Task {
	r.mu.RLock()
	out := make([]Task, 0, len(r.active))
	for _, e := range r.active {
		out = append(out, e.task)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Reference < out[j].Reference
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ListHistory returns up to limit finished tasks, newest first.
func (r *Registry) ListHistory(limit int) []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.history.newestFirst(limit)
}

// AttachCancel registers the cancel function of the runner executing ref.
// If cancellation was already requested it fires immediately.
func (r *Registry) AttachCancel(ref string, cancel context.CancelFunc) error {
	r.mu.Lock()
	e, ok := r.active[ref]
	if !ok {
		_, finished := r.byRef[ref]
		r.mu.Unlock()
		if finished {
			return fmt.Errorf("%w: %s", ErrTerminal, ref)
		}
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	e.cancel = cancel
	requested := e.task.Status == StatusCancelling
	r.mu.Unlock()

	if requested {
		cancel()
	}
	return nil
}

// RequestCancel asks the runner of ref to stop at its next step boundary.
// It never fails: the outcome is reported through ok and message.
func (r *Registry) RequestCancel(ref string) (bool, string) {
	r.mu.Lock()
	e, ok := r.active[ref]
	if !ok {
		t, finished := r.byRef[ref]
		r.mu.Unlock()
		if finished {
			return false, fmt.Sprintf("task %s already %s", t.Reference, t.Status)
		}
		return false, fmt.Sprintf("no task with reference %s", ref)
	}
	if e.task.Status == StatusCancelling {
		r.mu.Unlock()
		return true, fmt.Sprintf("cancellation of %s already requested", ref)
	}
	e.task.Status = StatusCancelling
	snapshot := e.task
	cancel := e.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.publish(Event{Type: EventUpdated, Task: snapshot})
	return true, fmt.Sprintf("cancellation of %s requested", ref)
}

// SetProgressUpdates toggles periodic progress notices for an active task.
func (r *Registry) SetProgressUpdates(ref string, enabled bool) (Task, error) {
	return r.Update(ref, Delta{ProgressUpdatesEnabled: &enabled})
}

// Subscribe registers fn for change events and returns a function that
// removes it. fn is called synchronously and must not block.
func (r *Registry) Subscribe(fn func(Event)) func() {
	r.subMu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	r.subMu.Unlock()
	return func() {
		r.subMu.Lock()
		delete(r.subs, id)
		r.subMu.Unlock()
	}
}

func (r *Registry) publish(ev Event) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	for _, fn := range r.subs {
		fn(ev)
	}
}
