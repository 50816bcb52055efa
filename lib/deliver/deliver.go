// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package deliver injects operator-composed text into a monitored
// session's terminal as keystrokes.
//
// Keystroke injection is required rather than stream writes: the
// monitored agent renders its own interactive prompt and distinguishes
// programmatic stream input from genuine key events. Delivery is
// fire-and-forget by contract: if the target has moved past the
// expected prompt by the time input arrives, the text still lands and
// the next lifecycle hook self-corrects the derived state. The bridge
// never tries to detect or avoid that race.
package deliver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vigil-sh/vigil/lib/clock"
	"github.com/vigil-sh/vigil/lib/tmux"
)

// ErrorType is the caller-visible delivery failure code. The taxonomy
// is exhaustive: every failure maps to exactly one of these.
type ErrorType string

const (
	// ErrTargetNotFound means the addressed pane no longer exists.
	ErrTargetNotFound ErrorType = "target-not-found"
	// ErrNotInstalled means no tmux binary is on PATH.
	ErrNotInstalled ErrorType = "delivery-mechanism-not-installed"
	// ErrSubprocessFailed means tmux ran and reported an error.
	ErrSubprocessFailed ErrorType = "subprocess-failed"
	// ErrNoTarget means the session has no delivery target configured.
	ErrNoTarget ErrorType = "no-target-configured"
	// ErrTimeout means the subprocess exceeded its deadline.
	ErrTimeout ErrorType = "timeout"
	// ErrSendUnverified means the keystrokes were issued but the
	// post-send health check could not confirm the pane accepted them.
	ErrSendUnverified ErrorType = "send-unverified"
	// ErrUnknown is the catch-all for unclassifiable failures.
	ErrUnknown ErrorType = "unknown"
)

// Error is a typed delivery failure with a human-readable cause.
type Error struct {
	Type    ErrorType
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("deliver: %s: %s", e.Type, e.Message)
}

// Key names the special control keystrokes sendable individually,
// distinct from literal text.
type Key string

const (
	KeyConfirm   Key = "confirm"
	KeyCancel    Key = "cancel"
	KeyUp        Key = "up"
	KeyDown      Key = "down"
	KeyClearLine Key = "clear-line"
	KeyInterrupt Key = "interrupt"
)

// tmux key name per control keystroke.
var keyNames = map[Key]string{
	KeyConfirm:   "Enter",
	KeyCancel:    "Escape",
	KeyUp:        "Up",
	KeyDown:      "Down",
	KeyClearLine: "C-u",
	KeyInterrupt: "C-c",
}

// Result reports a successful delivery.
type Result struct {
	Target    string        `json:"target"`
	LatencyMS int64         `json:"latency_ms"`
	latency   time.Duration
}

// Latency returns the end-to-end delivery duration.
func (r Result) Latency() time.Duration { return r.latency }

// Config holds the bridge tunables.
type Config struct {
	// Server is the tmux server holding the target panes. Required.
	Server *tmux.Server

	// ConfirmDelay separates the literal-text send from the confirm
	// keystroke; sending both atomically is unreliable with an
	// interactive UI on the other side. Default 100ms.
	ConfirmDelay time.Duration

	// SendTimeout bounds each tmux subprocess call. Default 5s.
	SendTimeout time.Duration

	// Clock supplies sleeps and latency measurement. Nil defaults to
	// the real clock.
	Clock clock.Clock

	// Logger receives delivery traces. Nil means discard.
	Logger *slog.Logger
}

// Bridge delivers text and control keys into tmux panes. Sends to the
// same target are serialized by a per-target mutex so two operator
// messages never interleave in one keystroke stream; different targets
// proceed in parallel.
type Bridge struct {
	server       *tmux.Server
	confirmDelay time.Duration
	sendTimeout  time.Duration
	clock        clock.Clock
	logger       *slog.Logger

	mu      sync.Mutex
	targets map[string]*sync.Mutex
}

// NewBridge validates the config and returns a bridge. Panics when
// Server is nil: that is wiring, not runtime input.
func NewBridge(cfg Config) *Bridge {
	if cfg.Server == nil {
		panic("deliver: Config.Server is required")
	}
	b := &Bridge{
		server:       cfg.Server,
		confirmDelay: cfg.ConfirmDelay,
		sendTimeout:  cfg.SendTimeout,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		targets:      make(map[string]*sync.Mutex),
	}
	if b.confirmDelay <= 0 {
		b.confirmDelay = 100 * time.Millisecond
	}
	if b.sendTimeout <= 0 {
		b.sendTimeout = 5 * time.Second
	}
	if b.clock == nil {
		b.clock = clock.Real()
	}
	if b.logger == nil {
		b.logger = slog.New(slog.DiscardHandler)
	}
	return b
}

// targetLock returns the mutex for one pane, creating it on first use.
func (b *Bridge) targetLock(target string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	lock, ok := b.targets[target]
	if !ok {
		lock = &sync.Mutex{}
		b.targets[target] = lock
	}
	return lock
}

// Send delivers text to the target pane as a literal block, waits the
// confirm delay, then issues the confirm keystroke. Returns the
// end-to-end latency on success and a typed *Error on failure.
func (b *Bridge) Send(ctx context.Context, target, text string) (Result, error) {
	if target == "" {
		return Result{}, &Error{Type: ErrNoTarget, Message: "session has no delivery target"}
	}

	lock := b.targetLock(target)
	lock.Lock()
	defer lock.Unlock()

	start := b.clock.Now()
	if err := b.checkTarget(ctx, target); err != nil {
		return Result{}, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, b.sendTimeout)
	defer cancel()
	if err := b.server.SendLiteral(sendCtx, target, text); err != nil {
		return Result{}, b.classify(target, err)
	}

	b.clock.Sleep(b.confirmDelay)

	confirmCtx, cancel := context.WithTimeout(ctx, b.sendTimeout)
	defer cancel()
	if err := b.server.SendKey(confirmCtx, target, keyNames[KeyConfirm]); err != nil {
		return Result{}, b.classify(target, err)
	}

	// Post-send verification: the keystrokes were issued, but if the
	// pane vanished mid-send there is no way to know whether they
	// arrived.
	verifyCtx, cancel := context.WithTimeout(ctx, b.sendTimeout)
	defer cancel()
	if !b.server.HasPane(verifyCtx, target) {
		return Result{}, &Error{
			Type:    ErrSendUnverified,
			Message: fmt.Sprintf("pane %s disappeared during send", target),
		}
	}

	latency := b.clock.Now().Sub(start)
	b.logger.Info("delivered text",
		"target", target,
		"bytes", len(text),
		"latency", latency,
	)
	return Result{Target: target, LatencyMS: latency.Milliseconds(), latency: latency}, nil
}

// SendKey delivers one special control keystroke to the target pane.
func (b *Bridge) SendKey(ctx context.Context, target string, key Key) (Result, error) {
	if target == "" {
		return Result{}, &Error{Type: ErrNoTarget, Message: "session has no delivery target"}
	}
	name, ok := keyNames[key]
	if !ok {
		return Result{}, &Error{Type: ErrUnknown, Message: fmt.Sprintf("unknown key %q", key)}
	}

	lock := b.targetLock(target)
	lock.Lock()
	defer lock.Unlock()

	start := b.clock.Now()
	if err := b.checkTarget(ctx, target); err != nil {
		return Result{}, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, b.sendTimeout)
	defer cancel()
	if err := b.server.SendKey(sendCtx, target, name); err != nil {
		return Result{}, b.classify(target, err)
	}

	latency := b.clock.Now().Sub(start)
	return Result{Target: target, LatencyMS: latency.Milliseconds(), latency: latency}, nil
}

// Health is the two-level target health report: the pane existing and
// the expected program (not merely an idle shell) running in it.
type Health struct {
	TargetExists      bool   `json:"target_exists"`
	ProcessResponsive bool   `json:"process_responsive"`
	ForegroundCommand string `json:"foreground_command,omitempty"`
}

// shells that indicate the agent process is gone and the pane has
// fallen back to a prompt.
var idleShells = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "fish": true, "dash": true, "ksh": true,
}

// CheckHealth probes the target pane. The two levels are independent:
// a pane can exist with only an idle shell in it, which means sends
// would land in the wrong program.
func (b *Bridge) CheckHealth(ctx context.Context, target string) (Health, error) {
	if target == "" {
		return Health{}, &Error{Type: ErrNoTarget, Message: "session has no delivery target"}
	}
	if !tmux.Installed() {
		return Health{}, &Error{Type: ErrNotInstalled, Message: "tmux not found on PATH"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, b.sendTimeout)
	defer cancel()

	if !b.server.HasPane(checkCtx, target) {
		return Health{TargetExists: false}, nil
	}

	command, err := b.server.PaneCurrentCommand(checkCtx, target)
	if err != nil {
		return Health{TargetExists: true}, b.classify(target, err)
	}
	return Health{
		TargetExists:      true,
		ProcessResponsive: !idleShells[command],
		ForegroundCommand: command,
	}, nil
}

// checkTarget is the pre-send portion of the health check: mechanism
// installed and pane present.
func (b *Bridge) checkTarget(ctx context.Context, target string) error {
	if !tmux.Installed() {
		return &Error{Type: ErrNotInstalled, Message: "tmux not found on PATH"}
	}
	checkCtx, cancel := context.WithTimeout(ctx, b.sendTimeout)
	defer cancel()
	if !b.server.HasPane(checkCtx, target) {
		return &Error{
			Type:    ErrTargetNotFound,
			Message: fmt.Sprintf("pane %s does not exist", target),
		}
	}
	return nil
}

// classify maps a raw tmux execution error onto the taxonomy.
func (b *Bridge) classify(target string, err error) *Error {
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}

	message := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Type: ErrTimeout, Message: fmt.Sprintf("send to %s timed out", target)}
	case strings.Contains(message, "can't find pane") ||
		strings.Contains(message, "can't find session") ||
		strings.Contains(message, "no server running"):
		return &Error{Type: ErrTargetNotFound, Message: message}
	case strings.Contains(message, "executable file not found"):
		return &Error{Type: ErrNotInstalled, Message: message}
	case strings.Contains(message, "exit status"):
		return &Error{Type: ErrSubprocessFailed, Message: message}
	default:
		return &Error{Type: ErrUnknown, Message: message}
	}
}
