package tasks

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileHistoryStore appends finished tasks to an NDJSON file. The file is
// compacted on Load once it holds more than twice the requested limit.
type FileHistoryStore struct {
	mu   sync.Mutex
	path string
}

// NewFileHistoryStore creates a store at the given path.
func NewFileHistoryStore(path string) *FileHistoryStore {
	return &FileHistoryStore{path: path}
}

// Append writes one task as a JSON line.
func (s *FileHistoryStore) Append(t Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding task %s: %w", t.Reference, err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening history file: %w", err)
	}
	defer f.Close() //nolint:errcheck
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("appending history: %w", err)
	}
	return nil
}

// Load returns the last limit tasks in the order they finished. Lines that
// fail to decode are skipped.
func (s *FileHistoryStore) Load(limit int) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Task
	lines := 0
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		lines++
		var t Task
		if err := json.Unmarshal(line, &t); err != nil || t.Reference == "" {
			continue
		}
		out = append(out, t)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	if limit > 0 && lines > 2*limit {
		if err := s.rewrite(out); err != nil {
			return out, err
		}
	}
	return out, nil
}

// rewrite atomically replaces the file: temp file, fsync, rename.
func (s *FileHistoryStore) rewrite(ts []Task) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, t := range ts {
		if err := enc.Encode(t); err != nil {
			return err
		}
	}

	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	_ = f.Close()

	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
