// Package config loads server configuration from an optional YAML file,
// falling back to defaults that suit a single-host deployment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "5s" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped standard duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full server configuration.
type Config struct {
	Server struct {
		// Addr is the listen address for the REST API and websocket feed.
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Log struct {
		// Level is a zap level string: debug, info, warn, error.
		Level string `yaml:"level"`
	} `yaml:"log"`

	Data struct {
		// Dir holds the registry and settings files.
		Dir string `yaml:"dir"`
		// RegistryFile and SettingsFile override the file names inside Dir.
		RegistryFile string `yaml:"registry_file"`
		SettingsFile string `yaml:"settings_file"`
		// LockTimeout bounds the wait for the registry and settings locks.
		LockTimeout Duration `yaml:"lock_timeout"`
	} `yaml:"data"`

	Environments struct {
		// MaxDeleted bounds how many soft-deleted environments are retained.
		MaxDeleted int `yaml:"max_deleted"`
		// DefaultWorkspacePath seeds the user settings on first run.
		DefaultWorkspacePath string `yaml:"default_workspace_path"`
	} `yaml:"environments"`
}

// Load reads the configuration file at path. A missing file yields pure
// defaults; an empty path skips the file entirely.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// RegistryPath returns the absolute registry file location.
func (c Config) RegistryPath() string {
	return filepath.Join(c.Data.Dir, c.Data.RegistryFile)
}

// SettingsPath returns the absolute settings file location.
func (c Config) SettingsPath() string {
	return filepath.Join(c.Data.Dir, c.Data.SettingsFile)
}

func defaults() Config {
	var cfg Config
	cfg.Server.Addr = ":3000"
	cfg.Log.Level = "info"
	cfg.Data.Dir = "."
	cfg.Data.RegistryFile = "environments.json"
	cfg.Data.SettingsFile = "user.settings.json"
	cfg.Data.LockTimeout = Duration(10 * time.Second)
	cfg.Environments.MaxDeleted = 10
	cfg.Environments.DefaultWorkspacePath = ""
	return cfg
}
