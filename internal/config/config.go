// Package config loads apxd's JSON/YAML config file into a typed Config,
// grounded on phenix/cmd/root.go's viper setup: search paths, environment
// override, and a config-file watch for reload (spec.md §6, SPEC_FULL §6).
package config

import (
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Server carries every server.* config key named in SPEC_FULL §6.
type Server struct {
	Listen         string `mapstructure:"listen"`
	UnixSocket     string `mapstructure:"unix-socket"`
	ShutdownTimer  int    `mapstructure:"shutdown-timer"`
	MaxConnections int    `mapstructure:"max-connections"`
	AuditDBPath    string `mapstructure:"audit-db-path"`
	InspectListen  string `mapstructure:"inspect-listen"`
}

// Log carries logging setup, matching the teacher's minilog flags
// (pkg/minilog's level/file/color knobs).
type Log struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
	Color bool   `mapstructure:"color"`
}

// Config is apxd's fully decoded configuration.
type Config struct {
	Server Server `mapstructure:"server"`
	Log    Log    `mapstructure:"log"`
}

func defaults() Config {
	return Config{
		Server: Server{
			Listen:         ":9850",
			ShutdownTimer:  5,
			MaxConnections: 0,
			AuditDBPath:    "/var/lib/apxd/audit.bdb",
			InspectListen:  "",
		},
		Log: Log{
			Level: "info",
			Color: true,
		},
	}
}

// Load reads the config file at path (JSON or YAML, detected by viper from
// its extension), overlays environment variables prefixed APXD_, and
// decodes into a Config seeded with defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	cfg := defaults()
	if err := v.MergeConfigMap(structToMap(cfg)); err != nil {
		return nil, fmt.Errorf("config: seeding defaults: %w", err)
	}

	v.SetConfigFile(path)
	v.SetEnvPrefix("APXD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var out Config
	if err := v.Unmarshal(&out, viper.DecodeHook(mapstructure.StringToTimeDurationHookFunc())); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}

	return &out, nil
}

// Watch invokes onChange whenever the config file at path is rewritten,
// reloading and re-decoding it first. Grounded on viper's own fsnotify
// integration (viper.WatchConfig), used here directly rather than
// reimplemented, since SPEC_FULL names fsnotify as the watch mechanism.
func Watch(path string, onChange func(*Config, error)) error {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}

	v.OnConfigChange(func(_ fsnotify.Event) {
		cfg, err := Load(path)
		onChange(cfg, err)
	})
	v.WatchConfig()

	return nil
}

func structToMap(cfg Config) map[string]interface{} {
	return map[string]interface{}{
		"server": map[string]interface{}{
			"listen":          cfg.Server.Listen,
			"unix-socket":     cfg.Server.UnixSocket,
			"shutdown-timer":  cfg.Server.ShutdownTimer,
			"max-connections": cfg.Server.MaxConnections,
			"audit-db-path":   cfg.Server.AuditDBPath,
			"inspect-listen":  cfg.Server.InspectListen,
		},
		"log": map[string]interface{}{
			"level": cfg.Log.Level,
			"file":  cfg.Log.File,
			"color": cfg.Log.Color,
		},
	}
}
