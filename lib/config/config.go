// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the vigil daemon configuration.
//
// The config file is the single source of truth: environment variables
// never override file values, which keeps a running daemon's behavior
// auditable from the file alone. The only environment involvement is
// VIGIL_CONFIG naming the file when no --config flag is given.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "90m" or "500ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the daemon configuration.
type Config struct {
	// Listen is the hook receiver's HTTP listen address.
	Listen string `yaml:"listen"`

	Paths    PathsConfig    `yaml:"paths"`
	Poll     PollConfig     `yaml:"poll"`
	Hooks    HooksConfig    `yaml:"hooks"`
	Delivery DeliveryConfig `yaml:"delivery"`
	EventLog EventLogConfig `yaml:"event_log"`
}

// PathsConfig locates the daemon's state on disk.
type PathsConfig struct {
	// Root is the state directory. The event log and projection
	// database live under it unless individually overridden.
	Root string `yaml:"root"`

	// EventLog is the event log directory. Default: <root>/events.
	EventLog string `yaml:"event_log"`

	// Database is the projection database path.
	// Default: <root>/vigil.db.
	Database string `yaml:"database"`
}

// PollConfig tunes the transcript poller and cadence controller.
type PollConfig struct {
	// ReconcileInterval is the poll interval while hooks are healthy.
	ReconcileInterval Duration `yaml:"reconcile_interval"`

	// FallbackInterval is the poll interval while hooks are silent.
	FallbackInterval Duration `yaml:"fallback_interval"`

	// SilenceThreshold is the hook silence that triggers fallback.
	SilenceThreshold Duration `yaml:"silence_threshold"`

	// Debounce skips transcripts modified more recently than this.
	Debounce Duration `yaml:"debounce"`

	// InactivityTimeout ends sessions with no activity for this long.
	InactivityTimeout Duration `yaml:"inactivity_timeout"`

	// MatchWindow bounds reconciler fingerprint matching.
	MatchWindow Duration `yaml:"match_window"`
}

// HooksConfig tunes the hook receiver.
type HooksConfig struct {
	// ShutdownTimeout bounds the graceful HTTP shutdown and the final
	// event log flush.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DeliveryConfig tunes the command delivery bridge.
type DeliveryConfig struct {
	// TmuxSocket pins a tmux server socket. Empty uses the default
	// server.
	TmuxSocket string `yaml:"tmux_socket"`

	// ConfirmDelay separates the literal text send from the confirm
	// keystroke.
	ConfirmDelay Duration `yaml:"confirm_delay"`

	// SendTimeout bounds each tmux subprocess call.
	SendTimeout Duration `yaml:"send_timeout"`
}

// EventLogConfig tunes the event log writer.
type EventLogConfig struct {
	// RotateBytes rotates the active segment past this size.
	RotateBytes int64 `yaml:"rotate_bytes"`

	// WriteRetries caps append attempts before a drop.
	WriteRetries int `yaml:"write_retries"`

	// RetryBackoff is the initial append retry delay, doubled per
	// attempt.
	RetryBackoff Duration `yaml:"retry_backoff"`
}

// Default returns the default configuration. Every tunable has a
// working value; a config file only overrides what it names.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	root := filepath.Join(homeDir, ".local", "share", "vigil")

	return &Config{
		Listen: "127.0.0.1:4483",
		Paths: PathsConfig{
			Root:     root,
			EventLog: filepath.Join(root, "events"),
			Database: filepath.Join(root, "vigil.db"),
		},
		Poll: PollConfig{
			ReconcileInterval: Duration(60 * time.Second),
			FallbackInterval:  Duration(2 * time.Second),
			SilenceThreshold:  Duration(300 * time.Second),
			Debounce:          Duration(500 * time.Millisecond),
			InactivityTimeout: Duration(90 * time.Minute),
			MatchWindow:       Duration(30 * time.Second),
		},
		Hooks: HooksConfig{
			ShutdownTimeout: Duration(2 * time.Second),
		},
		Delivery: DeliveryConfig{
			ConfirmDelay: Duration(100 * time.Millisecond),
			SendTimeout:  Duration(5 * time.Second),
		},
		EventLog: EventLogConfig{
			RotateBytes:  64 << 20,
			WriteRetries: 3,
			RetryBackoff: Duration(50 * time.Millisecond),
		},
	}
}

// Load reads the file named by VIGIL_CONFIG. When the variable is
// unset the defaults are returned as-is: vigil is useful with zero
// configuration.
func Load() (*Config, error) {
	path := os.Getenv("VIGIL_CONFIG")
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile merges the YAML file at path over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	// A file that overrides root but not the derived paths moves them
	// with it.
	defaults := Default()
	if cfg.Paths.Root != defaults.Paths.Root {
		if cfg.Paths.EventLog == defaults.Paths.EventLog {
			cfg.Paths.EventLog = filepath.Join(cfg.Paths.Root, "events")
		}
		if cfg.Paths.Database == defaults.Paths.Database {
			cfg.Paths.Database = filepath.Join(cfg.Paths.Root, "vigil.db")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Paths.Root == "" {
		return fmt.Errorf("paths.root is required")
	}
	if c.Poll.ReconcileInterval <= 0 || c.Poll.FallbackInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	if c.Poll.FallbackInterval > c.Poll.ReconcileInterval {
		return fmt.Errorf("poll.fallback_interval must not exceed poll.reconcile_interval")
	}
	if c.Poll.SilenceThreshold <= 0 {
		return fmt.Errorf("poll.silence_threshold must be positive")
	}
	if c.Poll.InactivityTimeout <= 0 {
		return fmt.Errorf("poll.inactivity_timeout must be positive")
	}
	if c.Delivery.ConfirmDelay < 0 {
		return fmt.Errorf("delivery.confirm_delay must not be negative")
	}
	if c.EventLog.WriteRetries <= 0 {
		return fmt.Errorf("event_log.write_retries must be positive")
	}
	return nil
}
