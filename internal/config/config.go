// Package config loads the engine's YAML configuration: the WAL
// maintenance loop's thresholds, the analytics opt-in, and executor
// default overrides. Every section has a Default*Config constructor so a
// missing or partial file degrades to defaults instead of a load error.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alekspetrov/kanbanforge/internal/logging"
)

// Config is the root of config.json in the asset directory.
type Config struct {
	Logging     *logging.Config    `yaml:"logging"`
	Maintenance *MaintenanceConfig `yaml:"maintenance"`
	Analytics   *AnalyticsConfig   `yaml:"analytics"`
	Executors   *ExecutorsConfig   `yaml:"executors"`
}

// MaintenanceConfig tunes the WAL checkpoint/vacuum loop.
type MaintenanceConfig struct {
	Interval            time.Duration `yaml:"interval"`
	WALCeilingBytes     int64         `yaml:"wal_ceiling_bytes"`
	VacuumFreelistBytes int64         `yaml:"vacuum_freelist_bytes"`
	VacuumWALGuardBytes int64         `yaml:"vacuum_wal_guard_bytes"`
}

// DefaultMaintenanceConfig: a 128 MiB WAL ceiling, a 64 MiB freelist-bytes
// vacuum gate, a 1 MiB WAL guard below which VACUUM is allowed to run, on
// a 60s cadence.
func DefaultMaintenanceConfig() *MaintenanceConfig {
	return &MaintenanceConfig{
		Interval:            60 * time.Second,
		WALCeilingBytes:     128 * 1024 * 1024,
		VacuumFreelistBytes: 64 * 1024 * 1024,
		VacuumWALGuardBytes: 1 * 1024 * 1024,
	}
}

// AnalyticsConfig is the best-effort telemetry opt-in backing the attempt
// service's tracked events.
type AnalyticsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultAnalyticsConfig defaults analytics to disabled; tracking is
// strictly opt-in.
func DefaultAnalyticsConfig() *AnalyticsConfig {
	return &AnalyticsConfig{Enabled: false}
}

// ExecutorsConfig names the default model/effort overrides applied when a
// dispatch's ExecutorAction does not specify one.
type ExecutorsConfig struct {
	DefaultCodexModel  string `yaml:"default_codex_model"`
	DefaultClaudeModel string `yaml:"default_claude_model"`
	DefaultCodexEffort string `yaml:"default_codex_effort"`
}

// DefaultExecutorsConfig leaves all overrides empty so the executor CLI's
// own built-in default applies.
func DefaultExecutorsConfig() *ExecutorsConfig {
	return &ExecutorsConfig{}
}

// DefaultConfig returns a fully-populated Config with every section at its
// default, used when no config.json exists in the asset directory.
func DefaultConfig() *Config {
	return &Config{
		Logging:     logging.DefaultConfig(),
		Maintenance: DefaultMaintenanceConfig(),
		Analytics:   DefaultAnalyticsConfig(),
		Executors:   DefaultExecutorsConfig(),
	}
}

// Load reads and parses a YAML config file at path, filling in any unset
// section with its default. A missing file is not an error -- Load
// returns DefaultConfig() in that case, matching the asset directory's
// tolerance for an absent config.json on first run.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.Logging == nil {
		cfg.Logging = logging.DefaultConfig()
	}
	if cfg.Maintenance == nil {
		cfg.Maintenance = DefaultMaintenanceConfig()
	}
	if cfg.Analytics == nil {
		cfg.Analytics = DefaultAnalyticsConfig()
	}
	if cfg.Executors == nil {
		cfg.Executors = DefaultExecutorsConfig()
	}
	return cfg, nil
}

// Save writes cfg to path as YAML, creating the file if necessary.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
