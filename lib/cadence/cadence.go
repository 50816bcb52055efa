// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package cadence decides how often the transcript poller runs.
//
// Hooks are the primary event source; while they flow, polling is a
// slow reconciliation sweep. When hooks go silent past a threshold the
// poller becomes the primary source and tightens to a fallback
// interval. The switch back is hysteretic: only a genuine new hook
// event restores the reconciliation cadence, never the mere passage of
// time.
package cadence

import (
	"log/slog"
	"sync"
	"time"

	"github.com/vigil-sh/vigil/lib/clock"
)

// Regime names the two polling cadences.
type Regime string

const (
	// Reconciliation is the slow sweep while hooks are flowing.
	Reconciliation Regime = "reconciliation"
	// Fallback is the tight loop while hooks are silent.
	Fallback Regime = "fallback"
)

// Config holds the controller tunables. Zero values take the defaults
// noted per field.
type Config struct {
	// ReconcileInterval is the poll interval while hooks are healthy.
	// Default 60s.
	ReconcileInterval time.Duration

	// FallbackInterval is the poll interval while hooks are silent.
	// Default 2s.
	FallbackInterval time.Duration

	// SilenceThreshold is how long without a hook event before the
	// controller declares the hook source down. Default 5m.
	SilenceThreshold time.Duration

	// Clock supplies time. Nil defaults to the real clock.
	Clock clock.Clock

	// Logger receives regime-change messages. Nil means discard.
	Logger *slog.Logger
}

// Controller tracks hook liveness and yields the current poll
// interval. Safe for concurrent use.
type Controller struct {
	reconcileInterval time.Duration
	fallbackInterval  time.Duration
	silenceThreshold  time.Duration
	clock             clock.Clock
	logger            *slog.Logger

	mu       sync.Mutex
	regime   Regime
	lastHook time.Time
}

// New returns a controller in the reconciliation regime. The hook
// silence window starts at construction time, so a daemon that boots
// with no hook traffic still takes SilenceThreshold to fall back.
func New(cfg Config) *Controller {
	c := &Controller{
		reconcileInterval: cfg.ReconcileInterval,
		fallbackInterval:  cfg.FallbackInterval,
		silenceThreshold:  cfg.SilenceThreshold,
		clock:             cfg.Clock,
		logger:            cfg.Logger,
	}
	if c.reconcileInterval <= 0 {
		c.reconcileInterval = 60 * time.Second
	}
	if c.fallbackInterval <= 0 {
		c.fallbackInterval = 2 * time.Second
	}
	if c.silenceThreshold <= 0 {
		c.silenceThreshold = 5 * time.Minute
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	c.regime = Reconciliation
	c.lastHook = c.clock.Now()
	return c
}

// NoteHook records a hook event. If the controller was in fallback it
// returns to reconciliation; this is the only path back. Reports
// whether the regime changed.
func (c *Controller) NoteHook() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastHook = c.clock.Now()
	if c.regime != Fallback {
		return false
	}
	c.regime = Reconciliation
	c.logger.Info("hook source recovered, polling at reconciliation cadence",
		"interval", c.reconcileInterval)
	return true
}

// Interval returns the poll interval to use for the next cycle,
// entering fallback first if the silence threshold has been crossed.
func (c *Controller) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.regime == Reconciliation && c.clock.Now().Sub(c.lastHook) >= c.silenceThreshold {
		c.regime = Fallback
		c.logger.Warn("hook source silent, polling at fallback cadence",
			"silence", c.silenceThreshold, "interval", c.fallbackInterval)
	}
	if c.regime == Fallback {
		return c.fallbackInterval
	}
	return c.reconcileInterval
}

// Regime returns the current regime without re-evaluating silence.
func (c *Controller) Regime() Regime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regime
}

// LastHook returns the receipt time of the most recent hook event.
func (c *Controller) LastHook() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHook
}
