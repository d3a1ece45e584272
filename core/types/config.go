// Package types holds configuration types for kyber.yaml.
package types

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the top-level kyber.yaml configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Logger   LoggerConfig   `yaml:"logger" mapstructure:"logger"`
	DataDir  string         `yaml:"data_dir" mapstructure:"data_dir"`
	Tasks    TasksConfig    `yaml:"tasks" mapstructure:"tasks"`
	Cron     CronConfig     `yaml:"cron" mapstructure:"cron"`
	Agent    AgentConfig    `yaml:"agent" mapstructure:"agent"`
	Database DatabaseConfig `yaml:"database,omitempty" mapstructure:"database"`
	Redis    RedisConfig    `yaml:"redis,omitempty" mapstructure:"redis"`
	Channels ChannelsConfig `yaml:"channels,omitempty" mapstructure:"channels"`
}

// ServerConfig configures the Status/Control API listener.
type ServerConfig struct {
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	Token           string        `yaml:"token,omitempty" mapstructure:"token"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// LoggerConfig configures the process logger.
type LoggerConfig struct {
	Level       string   `yaml:"level" mapstructure:"level"`       // debug, info, warn, error
	Encoding    string   `yaml:"encoding" mapstructure:"encoding"` // console, json
	OutputPaths []string `yaml:"output_paths,omitempty" mapstructure:"output_paths"`
	AuditPath   string   `yaml:"audit_path,omitempty" mapstructure:"audit_path"`
}

// TasksConfig configures the task registry, runner and dispatcher.
type TasksConfig struct {
	MaxConcurrent        int           `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	HistorySize          int           `yaml:"history_size" mapstructure:"history_size"`
	HistoryPath          string        `yaml:"history_path,omitempty" mapstructure:"history_path"`
	PromoteAfter         time.Duration `yaml:"promote_after" mapstructure:"promote_after"` // 0 disables
	DefaultMaxIterations int           `yaml:"default_max_iterations" mapstructure:"default_max_iterations"`
	WrapUpSteps          int           `yaml:"wrap_up_steps" mapstructure:"wrap_up_steps"`
	MaxWallTime          time.Duration `yaml:"max_wall_time,omitempty" mapstructure:"max_wall_time"`
	ProgressInterval     time.Duration `yaml:"progress_interval" mapstructure:"progress_interval"`
	ProgressUpdates      bool          `yaml:"progress_updates" mapstructure:"progress_updates"`
}

// CronConfig configures the cron service.
type CronConfig struct {
	Store     string        `yaml:"store" mapstructure:"store"` // file, postgres, memory
	StorePath string        `yaml:"store_path,omitempty" mapstructure:"store_path"`
	Tick      time.Duration `yaml:"tick" mapstructure:"tick"`
	Timezone  string        `yaml:"timezone,omitempty" mapstructure:"timezone"`
	// DefaultChannel receives deliveries of jobs that name no channel.
	DefaultChannel string `yaml:"default_channel,omitempty" mapstructure:"default_channel"`
}

// AgentConfig locates the agent-turn endpoint.
type AgentConfig struct {
	Endpoint string        `yaml:"endpoint,omitempty" mapstructure:"endpoint"`
	Timeout  time.Duration `yaml:"timeout" mapstructure:"timeout"`
	Mock     bool          `yaml:"mock,omitempty" mapstructure:"mock"`
}

// DatabaseConfig configures the postgres job store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn,omitempty" mapstructure:"dsn"`
}

// RedisConfig configures the shared idempotency store.
type RedisConfig struct {
	Addr      string        `yaml:"addr,omitempty" mapstructure:"addr"`
	Password  string        `yaml:"password,omitempty" mapstructure:"password"`
	DB        int           `yaml:"db,omitempty" mapstructure:"db"`
	DedupeTTL time.Duration `yaml:"dedupe_ttl,omitempty" mapstructure:"dedupe_ttl"`
}

// ChannelsConfig configures outbound delivery.
type ChannelsConfig struct {
	Console  bool              `yaml:"console" mapstructure:"console"`
	Webhooks map[string]string `yaml:"webhooks,omitempty" mapstructure:"webhooks"` // channel name -> URL
}

// Defaults returns the configuration used for any key kyber.yaml omits.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8787,
			ShutdownTimeout: 10 * time.Second,
		},
		Logger: LoggerConfig{
			Level:       "info",
			Encoding:    "console",
			OutputPaths: []string{"stderr"},
		},
		DataDir: ".kyber",
		Tasks: TasksConfig{
			MaxConcurrent:        8,
			HistorySize:          200,
			PromoteAfter:         3 * time.Second,
			DefaultMaxIterations: 25,
			WrapUpSteps:          2,
			ProgressInterval:     10 * time.Second,
			ProgressUpdates:      true,
		},
		Cron: CronConfig{
			Store: "file",
			Tick:  5 * time.Second,
		},
		Agent: AgentConfig{
			Timeout: 2 * time.Minute,
		},
		Redis: RedisConfig{
			DedupeTTL: 24 * time.Hour,
		},
		Channels: ChannelsConfig{
			Console: true,
		},
	}
}

// ParseConfig parses raw YAML bytes over Defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing kyber config: %w", err)
	}
	return &cfg, nil
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
