package runtime

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/cyph3rasi/kyber/core/types"
)

// DefaultConfigFile is read from the working directory when no path is given.
const DefaultConfigFile = "kyber.yaml"

// envKeys are bound explicitly because their defaults are empty and so
// unknown to viper until set.
var envKeys = []string{
	"server.token",
	"logger.audit_path",
	"tasks.history_path",
	"tasks.max_wall_time",
	"cron.store_path",
	"cron.timezone",
	"cron.default_channel",
	"agent.endpoint",
	"agent.mock",
	"database.dsn",
	"redis.addr",
	"redis.password",
	"redis.db",
}

// LoadConfig reads kyber.yaml over the defaults and applies KYBER_*
// environment overrides (KYBER_SERVER_PORT, KYBER_DATABASE_DSN, ...).
// An empty path reads DefaultConfigFile if it exists.
func LoadConfig(path string) (*types.Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	base, err := yaml.Marshal(types.Defaults())
	if err != nil {
		return nil, fmt.Errorf("encoding default config: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(base)); err != nil {
		return nil, fmt.Errorf("loading default config: %w", err)
	}

	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			path = DefaultConfigFile
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found", path)
			}
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("KYBER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range envKeys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("binding %s: %w", k, err)
		}
	}

	cfg := types.Defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
