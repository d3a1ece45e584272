package runtime

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kyber.yaml")
	yaml := `
server:
  port: 9000
tasks:
  promote_after: 0s
  max_concurrent: 2
cron:
  timezone: Europe/Berlin
channels:
  webhooks:
    ops: https://hooks.example.com/ops
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("KYBER_SERVER_HOST", "0.0.0.0")
	t.Setenv("KYBER_DATABASE_DSN", "postgres://kyber@db/kyber")
	t.Setenv("KYBER_AGENT_MOCK", "true")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Port != 9000 || cfg.Server.Host != "0.0.0.0" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Tasks.PromoteAfter != 0 {
		t.Errorf("promote_after = %s, want explicit 0 kept", cfg.Tasks.PromoteAfter)
	}
	if cfg.Tasks.MaxConcurrent != 2 || cfg.Tasks.DefaultMaxIterations != 25 {
		t.Errorf("tasks = %+v", cfg.Tasks)
	}
	if cfg.Cron.Tick != 5*time.Second || cfg.Cron.Timezone != "Europe/Berlin" {
		t.Errorf("cron = %+v", cfg.Cron)
	}
	if cfg.Database.DSN != "postgres://kyber@db/kyber" {
		t.Errorf("dsn = %q", cfg.Database.DSN)
	}
	if !cfg.Agent.Mock {
		t.Error("agent.mock not taken from env")
	}
	if cfg.Channels.Webhooks["ops"] != "https://hooks.example.com/ops" {
		t.Errorf("webhooks = %v", cfg.Channels.Webhooks)
	}
	if len(cfg.Logger.OutputPaths) != 1 || cfg.Logger.OutputPaths[0] != "stderr" {
		t.Errorf("output paths = %v", cfg.Logger.OutputPaths)
	}
}

func TestLoadConfigDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Port != 8787 || cfg.Tasks.PromoteAfter != 3*time.Second || !cfg.Channels.Console {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "nope.yaml") {
		t.Fatalf("err = %v", err)
	}
}
