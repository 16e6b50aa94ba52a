// Package config loads mdview settings from config.yaml.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults used when the config file is missing or leaves a field unset.
const (
	DefaultHost           = "127.0.0.1"
	DefaultBasePort       = 6914
	DefaultPortAttempts   = 100
	DefaultDebounce       = 100 * time.Millisecond
	DefaultDeleteGrace    = 5 * time.Second
	DefaultStartupTimeout = 5 * time.Second
	DefaultStopGrace      = 3 * time.Second
	DefaultKeepalive      = 30 * time.Second
	DefaultCodeTheme      = "github"
	DefaultLogLevel       = "info"
)

type Config struct {
	Host           string        `yaml:"host"`
	BasePort       int           `yaml:"base_port"`
	PortAttempts   int           `yaml:"port_attempts"`
	Debounce       time.Duration `yaml:"debounce"`        // Collapse window for file events
	DeleteGrace    time.Duration `yaml:"delete_grace"`    // How long a removed file may stay missing
	StartupTimeout time.Duration `yaml:"startup_timeout"` // Background instance readiness wait
	StopGrace      time.Duration `yaml:"stop_grace"`      // SIGTERM → SIGKILL escalation delay
	Keepalive      time.Duration `yaml:"keepalive"`       // SSE keepalive comment interval
	OpenBrowser    *bool         `yaml:"open_browser"`
	CodeTheme      string        `yaml:"code_theme"` // chroma style name
	LogLevel       string        `yaml:"log_level"`
}

// Default returns a config with every field set to its default.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// LoadConfig reads path and applies defaults. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse yaml: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// ShouldOpenBrowser reports whether the browser is opened on first bind.
func (c *Config) ShouldOpenBrowser() bool {
	return c.OpenBrowser == nil || *c.OpenBrowser
}

func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.BasePort <= 0 || cfg.BasePort > 65535 {
		cfg.BasePort = DefaultBasePort
	}
	if cfg.PortAttempts <= 0 {
		cfg.PortAttempts = DefaultPortAttempts
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.DeleteGrace <= 0 {
		cfg.DeleteGrace = DefaultDeleteGrace
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = DefaultKeepalive
	}
	if cfg.CodeTheme == "" {
		cfg.CodeTheme = DefaultCodeTheme
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
}
