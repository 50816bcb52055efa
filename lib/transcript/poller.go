// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package transcript

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vigil-sh/vigil/lib/cadence"
	"github.com/vigil-sh/vigil/lib/clock"
	"github.com/vigil-sh/vigil/lib/event"
	"github.com/vigil-sh/vigil/lib/fingerprint"
	"github.com/vigil-sh/vigil/lib/session"
	"github.com/vigil-sh/vigil/lib/task"
)

// PollerConfig holds the poller's collaborators and tunables.
// Registry, Log, Reconciler, Machine, and Cadence are required.
type PollerConfig struct {
	Registry   *session.Registry
	Log        task.Appender
	Reconciler *Reconciler
	Machine    Applier
	Cadence    *cadence.Controller

	// Debounce skips a transcript whose mtime is within this window:
	// the agent is mid-burst and the partial tail would be reread next
	// cycle anyway. Default 500ms.
	Debounce time.Duration

	// InactivityTimeout ends a session that has produced no transcript
	// growth and no hook activity for this long. Default 90m.
	InactivityTimeout time.Duration

	// Clock supplies the poll ticks. Nil defaults to the real clock.
	Clock clock.Clock

	// Logger receives poll traces. Nil means discard.
	Logger *slog.Logger
}

// cursorState is the poller's per-session memory.
type cursorState struct {
	offset    int64
	lastMtime time.Time
	// lastGrowth is when the transcript last yielded new bytes, the
	// poller's half of the inactivity signal.
	lastGrowth time.Time
}

// Poller tails every registered session's transcript on a cadence the
// controller dictates. It is the fallback event source: while hooks
// flow it only reconciles, and when they go silent it becomes primary.
type Poller struct {
	registry   *session.Registry
	log        task.Appender
	reconciler *Reconciler
	machine    Applier
	cadence    *cadence.Controller
	debounce   time.Duration
	inactivity time.Duration
	clock      clock.Clock
	logger     *slog.Logger

	mu       sync.Mutex
	cursors  map[string]*cursorState
	lastPoll time.Time
}

// NewPoller validates the config and returns a poller. Panics on a
// missing collaborator: that is wiring, not runtime input.
func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Registry == nil || cfg.Log == nil || cfg.Reconciler == nil ||
		cfg.Machine == nil || cfg.Cadence == nil {
		panic("transcript: PollerConfig requires Registry, Log, Reconciler, Machine, and Cadence")
	}
	p := &Poller{
		registry:   cfg.Registry,
		log:        cfg.Log,
		reconciler: cfg.Reconciler,
		machine:    cfg.Machine,
		cadence:    cfg.Cadence,
		debounce:   cfg.Debounce,
		inactivity: cfg.InactivityTimeout,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		cursors:    make(map[string]*cursorState),
	}
	if p.debounce <= 0 {
		p.debounce = 500 * time.Millisecond
	}
	if p.inactivity <= 0 {
		p.inactivity = 90 * time.Minute
	}
	if p.clock == nil {
		p.clock = clock.Real()
	}
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}
	return p
}

// Run polls until ctx is cancelled. The interval is re-read from the
// cadence controller every cycle, so a regime switch takes effect on
// the next tick.
func (p *Poller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(p.cadence.Interval()):
			p.PollOnce(ctx)
		}
	}
}

// PollOnce sweeps every registered session once.
func (p *Poller) PollOnce(ctx context.Context) {
	now := p.clock.Now()
	p.mu.Lock()
	p.lastPoll = now
	p.mu.Unlock()

	for _, sess := range p.registry.List() {
		p.pollSession(ctx, sess, now)
	}
	p.dropStaleCursors()
}

// LastPoll returns when the last sweep started, for status reporting.
func (p *Poller) LastPoll() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPoll
}

func (p *Poller) pollSession(ctx context.Context, sess session.Session, now time.Time) {
	state := p.cursor(sess.ID)

	grew := false
	if sess.TranscriptPath != "" {
		grew = p.readTranscript(ctx, sess, state, now)
	}

	if !grew && p.isInactive(sess, state, now) {
		p.endSession(ctx, sess)
	}
}

// readTranscript tails one session's transcript. Reports whether new
// bytes were consumed.
func (p *Poller) readTranscript(ctx context.Context, sess session.Session, state *cursorState, now time.Time) bool {
	info, err := os.Stat(sess.TranscriptPath)
	if err != nil {
		p.logger.Debug("transcript not readable",
			"session_id", sess.ID, "path", sess.TranscriptPath, "error", err)
		return false
	}

	// Debounce: the file is mid-burst, let it settle a cycle.
	if now.Sub(info.ModTime()) < p.debounce {
		return false
	}
	if info.ModTime().Equal(state.lastMtime) && info.Size() == state.offset {
		return false
	}
	state.lastMtime = info.ModTime()

	result, err := ReadNew(sess.TranscriptPath, state.offset)
	if err != nil {
		p.logger.Warn("transcript read failed",
			"session_id", sess.ID, "path", sess.TranscriptPath, "error", err)
		return false
	}
	if result.Skipped > 0 {
		p.logger.Warn("skipped malformed transcript lines",
			"session_id", sess.ID, "count", result.Skipped)
	}

	grew := result.Cursor > state.offset
	state.offset = result.Cursor
	if grew {
		state.lastGrowth = now
		p.registry.Touch(sess.ID)
	}

	for _, entry := range result.Entries {
		if err := p.emitTurn(ctx, sess.ID, entry); err != nil {
			p.logger.Error("poll turn dropped",
				"session_id", sess.ID, "error", err)
		}
	}
	return grew
}

// emitTurn writes one poll-sourced turn event and routes it through
// the reconciler.
func (p *Poller) emitTurn(ctx context.Context, sessionID string, entry Entry) error {
	ev := &event.Event{
		ID:     uuid.NewString(),
		Kind:   event.KindTurnDetected,
		Source: event.SourcePoll,
		TurnDetected: &event.TurnDetected{
			SessionID:       sessionID,
			Actor:           entry.Actor,
			Text:            entry.Text,
			Timestamp:       entry.Timestamp,
			TimestampSource: event.TimestampFromSource,
			Fingerprint:     fingerprint.Turn(entry.Actor, entry.Text).String(),
		},
	}
	if err := p.log.Append(ev); err != nil {
		return err
	}
	return p.reconciler.Reconcile(ctx, ev)
}

// isInactive reports whether the session has been quiet past the
// timeout on both sources: registry activity (hooks) and transcript
// growth.
func (p *Poller) isInactive(sess session.Session, state *cursorState, now time.Time) bool {
	latest := sess.LastActivity
	if state.lastGrowth.After(latest) {
		latest = state.lastGrowth
	}
	if latest.IsZero() {
		latest = sess.RegisteredAt
	}
	return !latest.IsZero() && now.Sub(latest) >= p.inactivity
}

// endSession emits the inactivity session-ended event; the state
// machine abandons the active task and unregisters the session.
func (p *Poller) endSession(ctx context.Context, sess session.Session) {
	p.logger.Info("session inactive, ending",
		"session_id", sess.ID, "timeout", p.inactivity)

	ev := &event.Event{
		ID:     uuid.NewString(),
		Kind:   event.KindSessionEnded,
		Source: event.SourcePoll,
		SessionEnded: &event.SessionEnded{
			SessionID: sess.ID,
			Reason:    "inactivity",
		},
	}
	if err := p.log.Append(ev); err != nil {
		p.logger.Error("session-ended event dropped", "session_id", sess.ID, "error", err)
		return
	}
	if err := p.machine.Apply(ctx, ev); err != nil {
		p.logger.Error("session end not applied", "session_id", sess.ID, "error", err)
	}
}

func (p *Poller) cursor(sessionID string) *cursorState {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.cursors[sessionID]
	if !ok {
		state = &cursorState{}
		p.cursors[sessionID] = state
	}
	return state
}

// dropStaleCursors forgets cursors for sessions that are gone, so a
// reused session id starts from a fresh offset.
func (p *Poller) dropStaleCursors() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.cursors {
		if !p.registry.IsRegistered(id) {
			delete(p.cursors, id)
		}
	}
}
