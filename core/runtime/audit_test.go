package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
)

func TestAuditLoggerEmit(t *testing.T) {
	var buf bytes.Buffer
	logger := NewAuditLogger(&buf)

	ctx := WithCorrelationID(context.Background(), "abc123")
	logger.EmitTask(ctx, AuditTaskStep, "t0011aabb", map[string]any{"iteration": 3})

	line := strings.TrimSpace(buf.String())
	var event AuditEvent
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		t.Fatalf("invalid JSON: %v\nline: %s", err, line)
	}

	if event.Event != AuditTaskStep {
		t.Errorf("event = %q, want %q", event.Event, AuditTaskStep)
	}
	if event.CorrelationID != "abc123" {
		t.Errorf("correlation_id = %q, want %q", event.CorrelationID, "abc123")
	}
	if event.TaskRef != "t0011aabb" {
		t.Errorf("task_ref = %q, want %q", event.TaskRef, "t0011aabb")
	}
	if event.Timestamp == "" {
		t.Error("timestamp should be auto-set")
	}
	if event.Fields["iteration"] != float64(3) {
		t.Errorf("fields.iteration = %v, want 3", event.Fields["iteration"])
	}
}

func TestAuditLoggerTimestampPreserved(t *testing.T) {
	var buf bytes.Buffer
	logger := NewAuditLogger(&buf)

	logger.Emit(AuditEvent{
		Timestamp: "2024-01-01T00:00:00Z",
		Event:     AuditCronFire,
		JobID:     "job1",
	})

	var event AuditEvent
	json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &event) //nolint:errcheck
	if event.Timestamp != "2024-01-01T00:00:00Z" {
		t.Errorf("timestamp should be preserved, got %q", event.Timestamp)
	}
	if event.JobID != "job1" {
		t.Errorf("job_id = %q, want job1", event.JobID)
	}
}

func TestAuditLoggerNil(t *testing.T) {
	var logger *AuditLogger
	// Must not panic.
	logger.EmitJob(AuditCronSkip, "job1", nil)
}

func TestAuditLoggerConcurrent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewAuditLogger(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger.Emit(AuditEvent{
				Event:  AuditTaskStep,
				Fields: map[string]any{"n": n},
			})
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 100 {
		t.Fatalf("expected 100 lines, got %d", len(lines))
	}
	for i, line := range lines {
		var event AuditEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			t.Fatalf("line %d invalid JSON: %v", i, err)
		}
	}
}

func TestRandomHex(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := RandomHex(8)
		if len(id) != 16 {
			t.Fatalf("len = %d, want 16", len(id))
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
	if len(GenerateID()) != 16 {
		t.Error("GenerateID should be 16 chars")
	}
}
