package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_Missing(t *testing.T) {
	snap, err := NewTracker(filepath.Join(t.TempDir(), "issues.json")).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Issues) != 0 || string(snap.LastUpdated) != "null" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestLoad_PassThroughAndOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issues.json")
	data := `{
  "last_updated": "2025-03-10T08:00:00Z",
  "issues": {
    "network::open port": {"title": "open port", "status": "resolved", "severity": "high", "resolved": 2},
    "auth::weak password": {"title": "weak password", "status": "new", "severity": "low", "extra": {"nested": true}},
    "disk::world writable": {"title": "world writable", "tracker_status": "recurring", "severity": "critical"},
    "auth::no mfa": {"title": "no mfa", "status": "new", "severity": "critical"}
  }
}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	snap, err := NewTracker(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	var titles []string
	for _, raw := range snap.Issues {
		s := string(raw)
		start := strings.Index(s, `"title": "`) + len(`"title": "`)
		titles = append(titles, s[start:start+strings.Index(s[start:], `"`)])
	}
	want := "no mfa,weak password,world writable,open port"
	if got := strings.Join(titles, ","); got != want {
		t.Errorf("order = %s, want %s", got, want)
	}
	if !strings.Contains(string(snap.Issues[1]), `"extra": {"nested": true}`) {
		t.Errorf("entry not passed through unchanged: %s", snap.Issues[1])
	}
	if snap.Summary["new"] != 2 || snap.Summary["recurring"] != 1 || snap.Summary["resolved"] != 1 {
		t.Errorf("summary = %v", snap.Summary)
	}
	if string(snap.LastUpdated) != `"2025-03-10T08:00:00Z"` {
		t.Errorf("last_updated = %s", snap.LastUpdated)
	}
}

func TestLoad_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issues.json")
	os.WriteFile(path, []byte("{not json"), 0o644)
	if _, err := NewTracker(path).Load(); err == nil {
		t.Fatal("expected error")
	}
}
