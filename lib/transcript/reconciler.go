// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package transcript

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vigil-sh/vigil/lib/broadcast"
	"github.com/vigil-sh/vigil/lib/event"
	"github.com/vigil-sh/vigil/lib/task"
)

// Applier is the state machine's consuming side, satisfied by
// *task.Machine.
type Applier interface {
	Apply(ctx context.Context, ev *event.Event) error
}

// ReconcilerConfig holds the reconciler's collaborators. Store,
// Machine, and Broadcast are required.
type ReconcilerConfig struct {
	Store     *task.Store
	Machine   Applier
	Broadcast *broadcast.Broadcaster

	// MatchWindow bounds how far a hook turn's receipt timestamp may
	// drift from the transcript's authoritative one and still be the
	// same utterance. Default 30s.
	MatchWindow time.Duration

	// Logger receives reconciliation traces. Nil means discard.
	Logger *slog.Logger
}

// Reconciler runs the second pass over poll-derived turn events, after
// the state machine has already acted on hook-derived receipt-stamped
// turns. A fingerprint match within the window upgrades the existing
// turn's timestamp to the authoritative value; no match means the hook
// stream missed the utterance entirely and it flows to the machine as
// a new turn. Re-running over the same window is a no-op both ways:
// matching is content-stable and the timestamp upgrade only fires on
// receipt-stamped rows.
type Reconciler struct {
	store       *task.Store
	machine     Applier
	bus         *broadcast.Broadcaster
	matchWindow time.Duration
	logger      *slog.Logger
}

// NewReconciler validates the config and returns a reconciler. Panics
// on a missing collaborator: that is wiring, not runtime input.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	if cfg.Store == nil || cfg.Machine == nil || cfg.Broadcast == nil {
		panic("transcript: ReconcilerConfig requires Store, Machine, and Broadcast")
	}
	r := &Reconciler{
		store:       cfg.Store,
		machine:     cfg.Machine,
		bus:         cfg.Broadcast,
		matchWindow: cfg.MatchWindow,
		logger:      cfg.Logger,
	}
	if r.matchWindow <= 0 {
		r.matchWindow = 30 * time.Second
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	return r
}

// Reconcile consumes one poll-sourced turn-detected event.
//
// Matching is by content fingerprint within the window, so a verbatim
// repeat from the same actor inside the window ("yes" twice in quick
// succession) collapses onto one turn: the second occurrence matches
// the first and the timestamp upgrade no-ops. Distinguishing true
// repeats would need positional identity from the transcript, which
// the hook stream cannot provide for its side of the match.
func (r *Reconciler) Reconcile(ctx context.Context, ev *event.Event) error {
	if ev.Kind != event.KindTurnDetected {
		return fmt.Errorf("transcript: reconciler got %q event", ev.Kind)
	}
	turn := ev.TurnDetected

	existing, err := r.store.FindTurnByFingerprint(ctx,
		turn.SessionID, turn.Fingerprint, turn.Timestamp, r.matchWindow)
	if err != nil {
		return err
	}
	if existing == nil {
		// The hook stream missed this utterance; it enters the
		// pipeline as a genuinely new turn with the authoritative
		// timestamp already set.
		return r.machine.Apply(ctx, ev)
	}

	changed, err := r.store.UpgradeTurnTimestamp(ctx, existing.ID, turn.Timestamp)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	r.logger.Debug("turn timestamp corrected",
		"session_id", turn.SessionID,
		"turn_id", existing.ID,
		"from", existing.Timestamp,
		"to", turn.Timestamp,
	)
	r.bus.Publish(broadcast.Delta{
		Kind:              broadcast.DeltaTurnCorrected,
		SessionID:         turn.SessionID,
		TaskID:            existing.TaskID,
		TurnID:            existing.ID,
		Timestamp:         turn.Timestamp,
		PreviousTimestamp: existing.Timestamp,
	})
	return nil
}
