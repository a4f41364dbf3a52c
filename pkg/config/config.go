// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package config holds the application-level configuration for the
// OpenRunner core. Values load from an optional YAML file and may be
// overridden by environment variables prefixed with OPENRUNNER_.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// ErrUnableToParseConfigFile is returned wrapping the YAML error detail.
var ErrUnableToParseConfigFile = fmt.Errorf("unable to parse configuration file")

// Config is the runtime configuration of the supervisor core.
type Config struct {
	// DataDir is the per-install directory holding the database and the
	// orphan-pid ledger. Empty means the platform user-data directory.
	DataDir string `yaml:"data_dir" envconfig:"data_dir"`

	// DatabaseName is the sqlite file name under DataDir.
	DatabaseName string `yaml:"database_name" envconfig:"database_name"`

	// PidLedgerName is the orphan-pid ledger file name under DataDir.
	PidLedgerName string `yaml:"pid_ledger_name" envconfig:"pid_ledger_name"`

	// HTTPServerHost and HTTPServerPort bind the command/event API.
	HTTPServerHost string `yaml:"http_server_host" envconfig:"http_server_host"`
	HTTPServerPort int    `yaml:"http_server_port" envconfig:"http_server_port"`

	// DefaultShell overrides shell detection. Parsed with shlex, so flags
	// may be embedded ("/bin/bash --noprofile").
	DefaultShell string `yaml:"default_shell" envconfig:"default_shell"`

	// Verbose enables debug logging when nonzero.
	Verbose int `yaml:"verbose" envconfig:"verbose"`

	// LogFormat is "text" or "json".
	LogFormat string `yaml:"log_format" envconfig:"log_format"`

	// LogFile appends logs to a file besides stderr when set.
	LogFile string `yaml:"log_file" envconfig:"log_file"`

	// StatsInterval is the resource-sampling cadence.
	StatsInterval time.Duration `yaml:"stats_interval" envconfig:"stats_interval"`

	// GracefulTimeout is the window between the graceful and force signals.
	GracefulTimeout time.Duration `yaml:"graceful_timeout" envconfig:"graceful_timeout"`

	// RestartBackoff delays service auto-restarts.
	RestartBackoff time.Duration `yaml:"restart_backoff" envconfig:"restart_backoff"`

	// WatchDebounce coalesces file-change bursts before a restart fires.
	WatchDebounce time.Duration `yaml:"watch_debounce" envconfig:"watch_debounce"`

	// YamlSuppressWindow discards watcher events on a mirrored file this
	// soon after our own write.
	YamlSuppressWindow time.Duration `yaml:"yaml_suppress_window" envconfig:"yaml_suppress_window"`

	// SessionRetentionDays prunes completed sessions older than this at
	// startup. Zero disables the startup prune.
	SessionRetentionDays int `yaml:"session_retention_days" envconfig:"session_retention_days"`
}

// NewConfig returns the default Config.
func NewConfig() *Config {
	return &Config{
		DatabaseName:       defaultDatabaseName,
		PidLedgerName:      defaultPidLedgerName,
		HTTPServerHost:     defaultHTTPServerHost,
		HTTPServerPort:     defaultHTTPServerPort,
		LogFormat:          defaultLogFormat,
		StatsInterval:      DefaultStatsInterval,
		GracefulTimeout:    DefaultGracefulTimeout,
		RestartBackoff:     DefaultRestartBackoff,
		WatchDebounce:      DefaultWatchDebounce,
		YamlSuppressWindow: DefaultYamlSuppressWindow,
	}
}

// LoadConfig reads the YAML file when present, then applies environment
// overrides, then normalizes paths.
func LoadConfig(configFile string) (*Config, error) {
	cfg := NewConfig()

	if configFile != "" {
		raw, err := os.ReadFile(configFile)
		if err != nil {
			return cfg, fmt.Errorf("%w, %s: %s", ErrUnableToParseConfigFile, configFile, err.Error())
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return cfg, fmt.Errorf("%w, %s: %s", ErrUnableToParseConfigFile, configFile, err.Error())
		}
	}

	// environment variables win over the file
	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return cfg, fmt.Errorf("%w: %s", ErrUnableToParseConfigFile, err.Error())
	}

	if err := NormalizeConfig(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// NormalizeConfig fills derived fields and creates the data directory.
func NormalizeConfig(cfg *Config) error {
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("can't create data dir %s: %w", cfg.DataDir, err)
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = DefaultStatsInterval
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = DefaultGracefulTimeout
	}
	// a too-eager backoff would restart crashing services faster than 3/s
	if cfg.RestartBackoff < minRestartBackoff {
		cfg.RestartBackoff = DefaultRestartBackoff
	}
	if cfg.WatchDebounce <= 0 {
		cfg.WatchDebounce = DefaultWatchDebounce
	}
	if cfg.YamlSuppressWindow < DefaultYamlSuppressWindow {
		cfg.YamlSuppressWindow = DefaultYamlSuppressWindow
	}
	return nil
}

// DatabasePath is the absolute path of the sqlite database file.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, c.DatabaseName)
}

// PidLedgerPath is the absolute path of the orphan-pid ledger file.
func (c *Config) PidLedgerPath() string {
	return filepath.Join(c.DataDir, c.PidLedgerName)
}

// NewTest creates a default testing Config rooted at dataDir.
func NewTest(dataDir string) *Config {
	c := NewConfig()
	c.DataDir = dataDir
	return c
}
