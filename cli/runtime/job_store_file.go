package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/cyph3rasi/kyber/core/cron"
)

// DefaultMaxHistory is the number of run entries kept by the file and
// database job stores.
const DefaultMaxHistory = 50

type jobFile struct {
	Version int                 `yaml:"version"`
	Jobs    []cron.Job          `yaml:"jobs"`
	History []cron.HistoryEntry `yaml:"history,omitempty"`
}

// FileJobStore implements cron.JobStore backed by a YAML file. Every
// mutation rewrites the file atomically.
type FileJobStore struct {
	mu         sync.RWMutex
	path       string
	maxHistory int
}

// NewFileJobStore creates a store at the given file path.
func NewFileJobStore(path string, maxHistory int) *FileJobStore {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &FileJobStore{path: path, maxHistory: maxHistory}
}

func (s *FileJobStore) List(_ context.Context) ([]cron.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, err := s.readFile()
	if err != nil {
		return nil, err
	}
	cron.SortJobs(f.Jobs)
	return f.Jobs, nil
}

func (s *FileJobStore) Get(_ context.Context, id string) (*cron.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, err := s.readFile()
	if err != nil {
		return nil, err
	}
	for i := range f.Jobs {
		if f.Jobs[i].ID == id {
			return &f.Jobs[i], nil
		}
	}
	return nil, nil
}

func (s *FileJobStore) Put(_ context.Context, job cron.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.readFile()
	if err != nil {
		return err
	}

	// Upsert.
	found := false
	for i := range f.Jobs {
		if f.Jobs[i].ID == job.ID {
			f.Jobs[i] = job
			found = true
			break
		}
	}
	if !found {
		f.Jobs = append(f.Jobs, job)
	}
	return s.writeFile(f)
}

func (s *FileJobStore) Update(_ context.Context, id string, fn func(*cron.Job) error) (*cron.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.readFile()
	if err != nil {
		return nil, err
	}
	for i := range f.Jobs {
		if f.Jobs[i].ID != id {
			continue
		}
		job := f.Jobs[i]
		if err := fn(&job); err != nil {
			return nil, err
		}
		f.Jobs[i] = job
		if err := s.writeFile(f); err != nil {
			return nil, err
		}
		return &job, nil
	}
	return nil, cron.ErrJobNotFound
}

func (s *FileJobStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.readFile()
	if err != nil {
		return err
	}
	kept := f.Jobs[:0]
	for _, j := range f.Jobs {
		if j.ID != id {
			kept = append(kept, j)
		}
	}
	f.Jobs = kept
	return s.writeFile(f)
}

// RecordRun appends a history entry, keeping only the newest maxHistory.
func (s *FileJobStore) RecordRun(_ context.Context, entry cron.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.readFile()
	if err != nil {
		return err
	}
	f.History = append(f.History, entry)
	if len(f.History) > s.maxHistory {
		f.History = f.History[len(f.History)-s.maxHistory:]
	}
	return s.writeFile(f)
}

func (s *FileJobStore) History(_ context.Context, jobID string, limit int) ([]cron.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, err := s.readFile()
	if err != nil {
		return nil, err
	}
	return cron.FilterHistory(f.History, jobID, limit), nil
}

// readFile loads the job file. A missing file is an empty store.
func (s *FileJobStore) readFile() (*jobFile, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &jobFile{Version: 1}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}
	var f jobFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.path, err)
	}
	return &f, nil
}

// writeFile atomically writes the job file.
func (s *FileJobStore) writeFile(f *jobFile) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	f.Version = 1
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding jobs: %w", err)
	}

	// Atomic write: temp file, fsync, rename.
	tmp := s.path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := out.Write(data); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	_ = out.Close()

	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
