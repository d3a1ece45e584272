package tasks

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestFileHistoryStore_AppendLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tasks.jsonl")
	s := NewFileHistoryStore(path)

	for _, ref := range []string{"t00000001", "t00000002", "t00000003"} {
		if err := s.Append(Task{Reference: ref, Status: StatusCompleted, Result: "ok"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := s.Load(2)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 2 || got[0].Reference != "t00000002" || got[1].Reference != "t00000003" {
		t.Errorf("Load(2) = %+v", got)
	}
}

func TestFileHistoryStore_MissingFile(t *testing.T) {
	s := NewFileHistoryStore(filepath.Join(t.TempDir(), "none.jsonl"))
	got, err := s.Load(10)
	if err != nil || got != nil {
		t.Errorf("Load missing = %v, %v", got, err)
	}
}

func TestFileHistoryStore_SkipsCorruptLinesAndCompacts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.jsonl")
	s := NewFileHistoryStore(path)
	for i := 0; i < 6; i++ {
		if err := s.Append(Task{Reference: "t0000000" + string(rune('a'+i)), Status: StatusFailed, Error: "boom"}); err != nil {
			t.Fatal(err)
		}
	}
	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	f.WriteString("{not json\n") //nolint:errcheck
	f.Close()                    //nolint:errcheck

	got, err := s.Load(2)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 2 || got[1].Reference != "t0000000f" {
		t.Errorf("Load = %+v", got)
	}

	data, _ := os.ReadFile(path)
	if n := bytes.Count(data, []byte("\n")); n != 2 {
		t.Errorf("compacted file has %d lines, want 2", n)
	}
}
