// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package deliver

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vigil-sh/vigil/lib/tmux"
)

// End-to-end tests against a real isolated tmux server. NewTestServer
// skips when no tmux binary is on PATH.

func TestSendDeliversToPane(t *testing.T) {
	server := tmux.NewTestServer(t)
	pane := tmux.NewTestPane(t, server, "cat")

	b := NewBridge(Config{Server: server, ConfirmDelay: 20 * time.Millisecond})

	const text = "status report please"
	result, err := b.Send(context.Background(), pane, text)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if result.Target != pane {
		t.Fatalf("result target = %q, want %q", result.Target, pane)
	}

	// The pane runs cat, so the delivered line echoes back into the
	// pane content once the terminal processes it.
	deadline := time.Now().Add(5 * time.Second)
	for {
		content, captureErr := server.CapturePane(context.Background(), pane, 0)
		if captureErr != nil {
			t.Fatalf("capture-pane: %v", captureErr)
		}
		if strings.Contains(content, text) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("delivered text never appeared in pane; content:\n%s", content)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func TestSendKeyDeliversToPane(t *testing.T) {
	server := tmux.NewTestServer(t)
	pane := tmux.NewTestPane(t, server, "cat")

	b := NewBridge(Config{Server: server, ConfirmDelay: 20 * time.Millisecond})

	result, err := b.SendKey(context.Background(), pane, KeyConfirm)
	if err != nil {
		t.Fatalf("SendKey: %v", err)
	}
	if result.Target != pane {
		t.Fatalf("result target = %q, want %q", result.Target, pane)
	}
}

func TestSendToMissingPane(t *testing.T) {
	server := tmux.NewTestServer(t)

	b := NewBridge(Config{Server: server, ConfirmDelay: 20 * time.Millisecond})

	_, err := b.Send(context.Background(), "%999", "nobody home")
	var typed *Error
	if !errors.As(err, &typed) {
		t.Fatalf("error = %v, want *Error", err)
	}
	if typed.Type != ErrTargetNotFound {
		t.Fatalf("error type = %q, want %q", typed.Type, ErrTargetNotFound)
	}
}

func TestCheckHealthAgainstLivePane(t *testing.T) {
	server := tmux.NewTestServer(t)
	pane := tmux.NewTestPane(t, server, "cat")

	b := NewBridge(Config{Server: server})

	health, err := b.CheckHealth(context.Background(), pane)
	if err != nil {
		t.Fatalf("CheckHealth: %v", err)
	}
	if !health.TargetExists {
		t.Fatal("live pane reported as missing")
	}
	if !health.ProcessResponsive {
		t.Fatalf("cat pane reported idle (foreground %q)", health.ForegroundCommand)
	}

	missing, err := b.CheckHealth(context.Background(), "%999")
	if err != nil {
		t.Fatalf("CheckHealth on missing pane: %v", err)
	}
	if missing.TargetExists {
		t.Fatal("missing pane reported as existing")
	}
}
