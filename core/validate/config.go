// Package validate checks configuration and API input before it reaches the
// orchestrator.
package validate

import (
	"fmt"
	"net/url"
	"time"

	"github.com/cyph3rasi/kyber/core/types"
)

var (
	knownLogLevels    = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	knownLogEncodings = map[string]bool{"console": true, "json": true}
	knownCronStores   = map[string]bool{"file": true, "postgres": true, "memory": true}
)

// ValidationResult holds errors and warnings from validation.
type ValidationResult struct {
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// ValidateConfig checks a Config for errors and warnings.
func ValidateConfig(cfg *types.Config) *ValidationResult {
	r := &ValidationResult{}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		r.Errors = append(r.Errors, fmt.Sprintf("server.port %d is out of range", cfg.Server.Port))
	}
	if cfg.Server.Token == "" && cfg.Server.Host != "127.0.0.1" && cfg.Server.Host != "localhost" {
		r.Warnings = append(r.Warnings, fmt.Sprintf("server.token is empty while listening on %s", cfg.Server.Host))
	}

	if cfg.Logger.Level != "" && !knownLogLevels[cfg.Logger.Level] {
		r.Errors = append(r.Errors, fmt.Sprintf("logger.level %q must be one of: debug, info, warn, error", cfg.Logger.Level))
	}
	if cfg.Logger.Encoding != "" && !knownLogEncodings[cfg.Logger.Encoding] {
		r.Errors = append(r.Errors, fmt.Sprintf("logger.encoding %q must be one of: console, json", cfg.Logger.Encoding))
	}

	t := cfg.Tasks
	if t.MaxConcurrent < 1 {
		r.Errors = append(r.Errors, "tasks.max_concurrent must be at least 1")
	}
	if t.HistorySize < 1 {
		r.Errors = append(r.Errors, "tasks.history_size must be at least 1")
	}
	if t.PromoteAfter < 0 {
		r.Errors = append(r.Errors, "tasks.promote_after must not be negative")
	} else if t.PromoteAfter == 0 {
		r.Warnings = append(r.Warnings, "tasks.promote_after is 0: tasks are only promoted on background intent")
	}
	if t.DefaultMaxIterations < 0 {
		r.Errors = append(r.Errors, "tasks.default_max_iterations must not be negative")
	}
	if t.DefaultMaxIterations > 0 && t.WrapUpSteps >= t.DefaultMaxIterations {
		r.Warnings = append(r.Warnings, "tasks.wrap_up_steps covers the whole step budget")
	}
	if t.ProgressInterval > 0 && t.ProgressInterval < time.Second {
		r.Errors = append(r.Errors, "tasks.progress_interval must be at least 1s")
	}

	c := cfg.Cron
	if c.Store != "" && !knownCronStores[c.Store] {
		r.Errors = append(r.Errors, fmt.Sprintf("cron.store %q must be one of: file, postgres, memory", c.Store))
	}
	if c.Store == "postgres" && cfg.Database.DSN == "" {
		r.Errors = append(r.Errors, "cron.store is postgres but database.dsn is empty")
	}
	if c.Tick > 0 && c.Tick < 100*time.Millisecond {
		r.Errors = append(r.Errors, "cron.tick must be at least 100ms")
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			r.Errors = append(r.Errors, fmt.Sprintf("cron.timezone %q: %s", c.Timezone, err))
		}
	}

	if cfg.Agent.Endpoint == "" && !cfg.Agent.Mock {
		r.Errors = append(r.Errors, "agent.endpoint is required unless agent.mock is set")
	} else if cfg.Agent.Endpoint != "" {
		if u, err := url.Parse(cfg.Agent.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
			r.Errors = append(r.Errors, fmt.Sprintf("agent.endpoint %q is not an absolute URL", cfg.Agent.Endpoint))
		}
	}
	if cfg.Agent.Mock && cfg.Agent.Endpoint != "" {
		r.Warnings = append(r.Warnings, "agent.mock is set, agent.endpoint is ignored")
	}

	for name, raw := range cfg.Channels.Webhooks {
		if u, err := url.Parse(raw); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			r.Errors = append(r.Errors, fmt.Sprintf("channels.webhooks.%s: %q is not an http(s) URL", name, raw))
		}
	}

	return r
}
