// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervise keeps the daemon's background loops alive.
//
// A supervised loop restarts after a panic or error exit, with a
// bounded delay between attempts. A restart breaker bounds the damage
// of a persistent crash: more than a budgeted number of restarts
// inside a sliding window trips the loop into degraded mode, where it
// stops restarting and only reports its failure. The last crash is
// persisted to a state file so a post-mortem survives the process.
package supervise

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vigil-sh/vigil/lib/clock"
)

// Crash records one loop failure for the crash state file.
type Crash struct {
	Loop string `json:"loop"`
	// Reason is the error text or the panic value.
	Reason string `json:"reason"`
	// Stack is set for panics only.
	Stack     string    `json:"stack,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	// Restarts is the restart count inside the breaker window at the
	// time of the crash.
	Restarts int `json:"restarts"`
}

// Config holds the supervisor tunables.
type Config struct {
	// RestartDelay separates a crash from the next start. Default 1s.
	RestartDelay time.Duration

	// Window is the sliding window the breaker counts restarts over.
	// Default 60s.
	Window time.Duration

	// Budget is the number of restarts tolerated inside one window
	// before the breaker trips. Default 5.
	Budget int

	// CrashFile is where the last crash is persisted. Empty disables
	// persistence.
	CrashFile string

	// Clock supplies delays and crash timestamps. Nil defaults to the
	// real clock.
	Clock clock.Clock

	// Logger receives crash and breaker reports. Nil means discard.
	Logger *slog.Logger
}

// Supervisor runs named loops and tracks their health.
type Supervisor struct {
	restartDelay time.Duration
	window       time.Duration
	budget       int
	crashFile    string
	clock        clock.Clock
	logger       *slog.Logger

	degraded atomic.Bool

	mu        sync.Mutex
	lastCrash *Crash
}

// New returns a supervisor with defaults filled in.
func New(cfg Config) *Supervisor {
	s := &Supervisor{
		restartDelay: cfg.RestartDelay,
		window:       cfg.Window,
		budget:       cfg.Budget,
		crashFile:    cfg.CrashFile,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
	}
	if s.restartDelay <= 0 {
		s.restartDelay = time.Second
	}
	if s.window <= 0 {
		s.window = time.Minute
	}
	if s.budget <= 0 {
		s.budget = 5
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s
}

// Degraded reports whether any supervised loop has tripped its
// breaker.
func (s *Supervisor) Degraded() bool {
	return s.degraded.Load()
}

// LastCrash returns the most recent crash, if any.
func (s *Supervisor) LastCrash() (Crash, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastCrash == nil {
		return Crash{}, false
	}
	return *s.lastCrash, true
}

// Loop runs fn until ctx is cancelled, restarting it after crashes.
// A clean return (nil error while ctx is live) is treated as a crash
// too: supervised loops are expected to run forever. Loop returns when
// ctx is done or the breaker trips.
func (s *Supervisor) Loop(ctx context.Context, name string, fn func(context.Context) error) {
	var restarts []time.Time

	for {
		err := s.run(ctx, fn)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = fmt.Errorf("loop %q returned before shutdown", name)
		}

		now := s.clock.Now()
		restarts = append(restarts, now)
		restarts = trimWindow(restarts, now.Add(-s.window))

		crash := &Crash{
			Loop:      name,
			Reason:    err.Error(),
			Timestamp: now,
			Restarts:  len(restarts),
		}
		var panicked *panicError
		if errors.As(err, &panicked) {
			crash.Stack = panicked.stack
		}
		s.record(crash)

		if len(restarts) > s.budget {
			s.degraded.Store(true)
			s.logger.Error("restart breaker tripped, loop degraded",
				"loop", name,
				"restarts", len(restarts),
				"window", s.window,
			)
			return
		}

		s.logger.Warn("loop crashed, restarting",
			"loop", name,
			"error", err,
			"delay", s.restartDelay,
		)
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.restartDelay):
		}
	}
}

// run executes one attempt, converting panics into errors.
func (s *Supervisor) run(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{
				value: fmt.Sprint(r),
				stack: string(debug.Stack()),
			}
		}
	}()
	return fn(ctx)
}

type panicError struct {
	value string
	stack string
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %s", e.value)
}

func (s *Supervisor) record(crash *Crash) {
	s.mu.Lock()
	s.lastCrash = crash
	s.mu.Unlock()

	if s.crashFile == "" {
		return
	}
	if err := writeCrashFile(s.crashFile, crash); err != nil {
		s.logger.Error("crash state write failed",
			"path", s.crashFile,
			"error", err,
		)
	}
}

// writeCrashFile persists the crash atomically: temporary file in the
// same directory, fsync, rename. Readers never see a partial write.
func writeCrashFile(path string, crash *Crash) error {
	data, err := json.MarshalIndent(crash, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling crash state: %w", err)
	}
	data = append(data, '\n')

	temporaryPath := path + ".tmp"
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating temporary crash file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary crash file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary crash file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary crash file: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming crash file into place: %w", err)
	}

	if parent, err := os.Open(filepath.Dir(path)); err == nil {
		parent.Sync()
		parent.Close()
	}
	return nil
}

// ReadCrashFile loads a persisted crash. A missing file returns
// os.ErrNotExist via errors.Is.
func ReadCrashFile(path string) (Crash, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Crash{}, err
	}
	var crash Crash
	if err := json.Unmarshal(data, &crash); err != nil {
		return Crash{}, fmt.Errorf("parsing crash state %s: %w", path, err)
	}
	return crash, nil
}

// trimWindow drops restart timestamps at or before cutoff.
func trimWindow(restarts []time.Time, cutoff time.Time) []time.Time {
	kept := restarts[:0]
	for _, t := range restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
