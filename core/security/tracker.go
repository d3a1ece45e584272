// Package security exposes the security-findings tracker written by the
// scan agent. Entries are passed through unchanged.
package security

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
)

var (
	statusOrder   = map[string]int{"new": 0, "recurring": 1, "dismissed": 2, "resolved": 3}
	severityOrder = map[string]int{"critical": 0, "high": 1, "medium": 2, "low": 3}
)

// Snapshot is the tracker as served by the API.
type Snapshot struct {
	Issues      []json.RawMessage `json:"issues"`
	LastUpdated json.RawMessage   `json:"last_updated"`
	Summary     map[string]int    `json:"summary"`
}

type trackerFile struct {
	Issues      map[string]json.RawMessage `json:"issues"`
	LastUpdated json.RawMessage            `json:"last_updated"`
}

// issueKeys are the only fields read from an entry.
type issueKeys struct {
	Status        string `json:"status"`
	TrackerStatus string `json:"tracker_status"`
	Severity      string `json:"severity"`
}

func (k issueKeys) status() string {
	if k.TrackerStatus != "" {
		return k.TrackerStatus
	}
	if k.Status != "" {
		return k.Status
	}
	return "new"
}

// Tracker reads the tracker file at a fixed path.
type Tracker struct {
	path string
}

// NewTracker creates a Tracker for path, usually <data_dir>/security/issues.json.
func NewTracker(path string) *Tracker {
	return &Tracker{path: path}
}

// Load reads the tracker. A missing file is an empty tracker. Open issues
// sort first, then by severity, then by fingerprint.
func (t *Tracker) Load() (*Snapshot, error) {
	snap := &Snapshot{Issues: []json.RawMessage{}, LastUpdated: json.RawMessage("null"), Summary: map[string]int{}}

	data, err := os.ReadFile(t.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return snap, nil
		}
		return nil, fmt.Errorf("reading security tracker: %w", err)
	}

	var f trackerFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing security tracker %s: %w", t.path, err)
	}
	if len(f.LastUpdated) > 0 {
		snap.LastUpdated = f.LastUpdated
	}

	type entry struct {
		fp   string
		keys issueKeys
		raw  json.RawMessage
	}
	entries := make([]entry, 0, len(f.Issues))
	for fp, raw := range f.Issues {
		var k issueKeys
		// Unreadable keys only affect ordering; the entry is still served.
		_ = json.Unmarshal(raw, &k)
		entries = append(entries, entry{fp: fp, keys: k, raw: raw})
		snap.Summary[k.status()]++
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if sa, sb := rank(statusOrder, a.keys.status()), rank(statusOrder, b.keys.status()); sa != sb {
			return sa < sb
		}
		if sa, sb := rank(severityOrder, a.keys.Severity), rank(severityOrder, b.keys.Severity); sa != sb {
			return sa < sb
		}
		return a.fp < b.fp
	})
	for _, e := range entries {
		snap.Issues = append(snap.Issues, e.raw)
	}
	return snap, nil
}

func rank(order map[string]int, key string) int {
	if v, ok := order[key]; ok {
		return v
	}
	return len(order)
}
