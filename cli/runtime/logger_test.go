package runtime

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cyph3rasi/kyber/core/types"
)

func TestZapLoggerFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := WrapZap(zap.New(core))

	l.Info("task created", map[string]any{"reference": "t1a2b3c4", "max_iterations": 25})
	l.Warn("delivery failed", nil)

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["reference"] != "t1a2b3c4" {
		t.Errorf("reference = %v", fields["reference"])
	}
	if fields["max_iterations"] != int64(25) {
		t.Errorf("max_iterations = %v (%T)", fields["max_iterations"], fields["max_iterations"])
	}
	if entries[1].Level != zapcore.WarnLevel || len(entries[1].Context) != 0 {
		t.Errorf("second entry = %+v", entries[1])
	}
}

func TestNewZapLoggerJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kyber.log")
	l, err := NewZapLogger(types.LoggerConfig{Level: "warn", Encoding: "json", OutputPaths: []string{path}})
	if err != nil {
		t.Fatalf("NewZapLogger: %v", err)
	}
	l.Info("hidden", nil)
	l.Error("cron job failed", map[string]any{"id": "abc12345"})
	_ = l.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if strings.Contains(out, "hidden") {
		t.Error("info entry written at warn level")
	}
	if !strings.Contains(out, `"message":"cron job failed"`) || !strings.Contains(out, `"id":"abc12345"`) {
		t.Errorf("log output = %s", out)
	}
}

func TestKeyvalsSorted(t *testing.T) {
	got := keyvals(map[string]any{"b": 2, "a": 1})
	if len(got) != 4 || got[0] != "a" || got[2] != "b" {
		t.Errorf("keyvals = %v", got)
	}
	if keyvals(nil) != nil {
		t.Error("nil fields should flatten to nil")
	}
}
