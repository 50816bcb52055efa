// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vigil-sh/vigil/lib/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vigil.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultValidates(t *testing.T) {
	if err := config.Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: "127.0.0.1:9999"
poll:
  reconcile_interval: 30s
  fallback_interval: 1s
  inactivity_timeout: 2h
delivery:
  confirm_delay: 250ms
`)

	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != "127.0.0.1:9999" {
		t.Fatalf("listen = %q", cfg.Listen)
	}
	if cfg.Poll.ReconcileInterval.Std() != 30*time.Second {
		t.Fatalf("reconcile interval = %v", cfg.Poll.ReconcileInterval.Std())
	}
	if cfg.Poll.InactivityTimeout.Std() != 2*time.Hour {
		t.Fatalf("inactivity timeout = %v", cfg.Poll.InactivityTimeout.Std())
	}
	if cfg.Delivery.ConfirmDelay.Std() != 250*time.Millisecond {
		t.Fatalf("confirm delay = %v", cfg.Delivery.ConfirmDelay.Std())
	}

	// Untouched fields keep their defaults.
	if cfg.Poll.SilenceThreshold.Std() != 300*time.Second {
		t.Fatalf("silence threshold = %v", cfg.Poll.SilenceThreshold.Std())
	}
	if cfg.EventLog.WriteRetries != 3 {
		t.Fatalf("write retries = %d", cfg.EventLog.WriteRetries)
	}
}

func TestLoadFileMovesDerivedPaths(t *testing.T) {
	path := writeConfig(t, `
paths:
  root: /var/lib/vigil
`)

	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Paths.EventLog != "/var/lib/vigil/events" {
		t.Fatalf("event log path = %q", cfg.Paths.EventLog)
	}
	if cfg.Paths.Database != "/var/lib/vigil/vigil.db" {
		t.Fatalf("database path = %q", cfg.Paths.Database)
	}
}

func TestLoadFileRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
poll:
  reconcile_interval: sometimes
`)

	_, err := config.LoadFile(path)
	if err == nil {
		t.Fatal("bad duration accepted")
	}
	if !strings.Contains(err.Error(), "sometimes") {
		t.Fatalf("error does not name the bad value: %v", err)
	}
}

func TestValidateRejectsInvertedIntervals(t *testing.T) {
	cfg := config.Default()
	cfg.Poll.FallbackInterval = cfg.Poll.ReconcileInterval * 2
	if err := cfg.Validate(); err == nil {
		t.Fatal("fallback faster than reconcile accepted")
	}
}

func TestLoadWithoutEnvReturnsDefaults(t *testing.T) {
	t.Setenv("VIGIL_CONFIG", "")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != config.Default().Listen {
		t.Fatalf("listen = %q, want default", cfg.Listen)
	}
}
