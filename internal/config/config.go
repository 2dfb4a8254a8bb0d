// Package config models clawmarket.yml.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Storage struct {
		Backend string `yaml:"backend"`
		Path    string `yaml:"path"`
	} `yaml:"storage"`
	Limits struct {
		RegisterPerMinute   int `yaml:"register_per_minute"`
		CreateTaskPerMinute int `yaml:"create_task_per_minute"`
	} `yaml:"limits"`
	Nudge struct {
		SilenceSeconds int64 `yaml:"silence_seconds"`
		Limit          int   `yaml:"limit"`
	} `yaml:"nudge"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "", "file", "sqlite":
	default:
		return fmt.Errorf("config.storage.backend must be file or sqlite, got %q", c.Storage.Backend)
	}
	if c.Limits.RegisterPerMinute < 0 {
		return fmt.Errorf("config.limits.register_per_minute must not be negative")
	}
	if c.Limits.CreateTaskPerMinute < 0 {
		return fmt.Errorf("config.limits.create_task_per_minute must not be negative")
	}
	if c.Nudge.SilenceSeconds < 0 {
		return fmt.Errorf("config.nudge.silence_seconds must not be negative")
	}
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Omitted sections
// fall back to the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults when path is empty or the file does not
// exist.
func LoadOptional(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: ""

storage:
  backend: file
  path: state/clawmarket.json

# Write-rate limits; read routes are never throttled.
limits:
  register_per_minute: 5
  create_task_per_minute: 10

# Awarded tasks silent for longer than silence_seconds are eligible for a
# one-time reminder.
nudge:
  silence_seconds: 21600
  limit: 10
`
