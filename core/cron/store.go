package cron

import (
	"context"
	"sort"
	"sync"
)

// JobStore persists jobs and their run history. Update applies fn to the
// stored job atomically with respect to other store calls; an error from fn
// aborts the write and is returned as is.
type JobStore interface {
	List(ctx context.Context) ([]Job, error)
	// Get returns the job, or nil if it does not exist.
	Get(ctx context.Context, id string) (*Job, error)
	Put(ctx context.Context, job Job) error
	// Update returns ErrJobNotFound if id does not exist.
	Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error)
	Delete(ctx context.Context, id string) error
	RecordRun(ctx context.Context, entry HistoryEntry) error
	// History returns up to limit entries, oldest first, optionally for one job.
	History(ctx context.Context, jobID string, limit int) ([]HistoryEntry, error)
}

// MemoryStore is a JobStore that keeps everything in process memory.
type MemoryStore struct {
	mu         sync.Mutex
	jobs       map[string]Job
	history    []HistoryEntry
	maxHistory int
}

// NewMemoryStore creates an empty MemoryStore keeping the last maxHistory
// run entries (0 keeps all).
func NewMemoryStore(maxHistory int) *MemoryStore {
	return &MemoryStore{jobs: make(map[string]Job), maxHistory: maxHistory}
}

func (m *MemoryStore) List(_ context.Context) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, cloneJob(j))
	}
	SortJobs(out)
	return out, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	c := cloneJob(j)
	return &c, nil
}

func (m *MemoryStore) Put(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *MemoryStore) Update(_ context.Context, id string, fn func(*Job) error) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	j = cloneJob(j)
	if err := fn(&j); err != nil {
		return nil, err
	}
	m.jobs[id] = j
	c := cloneJob(j)
	return &c, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *MemoryStore) RecordRun(_ context.Context, entry HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, entry)
	if m.maxHistory > 0 && len(m.history) > m.maxHistory {
		m.history = m.history[len(m.history)-m.maxHistory:]
	}
	return nil
}

func (m *MemoryStore) History(_ context.Context, jobID string, limit int) ([]HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return FilterHistory(m.history, jobID, limit), nil
}

// FilterHistory keeps entries for jobID (all when empty) and then the last
// limit of them (all when limit <= 0).
func FilterHistory(history []HistoryEntry, jobID string, limit int) []HistoryEntry {
	var out []HistoryEntry
	for _, h := range history {
		if jobID != "" && h.JobID != jobID {
			continue
		}
		out = append(out, h)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// SortJobs orders jobs by creation time, then ID.
func SortJobs(jobs []Job) {
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAtMs != jobs[k].CreatedAtMs {
			return jobs[i].CreatedAtMs < jobs[k].CreatedAtMs
		}
		return jobs[i].ID < jobs[k].ID
	})
}

func cloneJob(j Job) Job {
	j.State.NextRunAtMs = clonePtr(j.State.NextRunAtMs)
	j.State.LastRunAtMs = clonePtr(j.State.LastRunAtMs)
	return j
}

func clonePtr(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
