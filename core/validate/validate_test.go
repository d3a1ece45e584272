package validate

import (
	"strings"
	"testing"

	"github.com/cyph3rasi/kyber/core/types"
)

func validConfig() *types.Config {
	cfg := types.Defaults()
	cfg.Agent.Endpoint = "http://localhost:9000/step"
	return &cfg
}

func TestValidateConfig_Valid(t *testing.T) {
	r := ValidateConfig(validConfig())
	if !r.IsValid() {
		t.Fatalf("errors = %v", r.Errors)
	}
}

func TestValidateConfig_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*types.Config)
		want   string
	}{
		{"level", func(c *types.Config) { c.Logger.Level = "loud" }, "logger.level"},
		{"concurrency", func(c *types.Config) { c.Tasks.MaxConcurrent = 0 }, "tasks.max_concurrent"},
		{"store", func(c *types.Config) { c.Cron.Store = "s3" }, "cron.store"},
		{"postgres dsn", func(c *types.Config) { c.Cron.Store = "postgres" }, "database.dsn"},
		{"timezone", func(c *types.Config) { c.Cron.Timezone = "Mars/Olympus" }, "cron.timezone"},
		{"no agent", func(c *types.Config) { c.Agent.Endpoint = "" }, "agent.endpoint"},
		{"relative agent", func(c *types.Config) { c.Agent.Endpoint = "/step" }, "absolute URL"},
		{"webhook", func(c *types.Config) { c.Channels.Webhooks = map[string]string{"ops": "ftp://x"} }, "channels.webhooks.ops"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			r := ValidateConfig(cfg)
			if r.IsValid() {
				t.Fatal("expected errors")
			}
			if !strings.Contains(strings.Join(r.Errors, "\n"), tt.want) {
				t.Errorf("errors %v do not mention %q", r.Errors, tt.want)
			}
		})
	}
}

func TestValidateConfig_MockAgent(t *testing.T) {
	cfg := validConfig()
	cfg.Agent.Endpoint = ""
	cfg.Agent.Mock = true
	if r := ValidateConfig(cfg); !r.IsValid() {
		t.Errorf("errors = %v", r.Errors)
	}
}

func TestValidateJobJSON(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		valid bool
	}{
		{"every", `{"name":"poll","schedule":{"kind":"every","everyMs":60000},"payload":{"message":"check"}}`, true},
		{"cron tz", `{"schedule":{"kind":"cron","expr":"0 9 * * *","tz":"UTC"},"payload":{"message":"brief","deliver":true,"to":"42"}}`, true},
		{"full job echoed back", `{"id":"ab12cd34","schedule":{"kind":"at","atMs":1700000000000},"payload":{"message":"x"},"state":{"lastStatus":"ok"}}`, true},
		{"missing payload", `{"schedule":{"kind":"every","everyMs":60000}}`, false},
		{"unknown kind", `{"schedule":{"kind":"weekly"},"payload":{"message":"x"}}`, false},
		{"every without interval", `{"schedule":{"kind":"every"},"payload":{"message":"x"}}`, false},
		{"interval too short", `{"schedule":{"kind":"every","everyMs":10},"payload":{"message":"x"}}`, false},
		{"empty message", `{"schedule":{"kind":"every","everyMs":60000},"payload":{"message":""}}`, false},
		{"unknown field", `{"schedule":{"kind":"every","everyMs":60000},"payload":{"message":"x"},"priority":1}`, false},
		{"not json", `{`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := ValidateJobJSON([]byte(tt.body))
			if r.IsValid() != tt.valid {
				t.Errorf("valid = %v, want %v (errors: %v)", r.IsValid(), tt.valid, r.Errors)
			}
		})
	}
}
