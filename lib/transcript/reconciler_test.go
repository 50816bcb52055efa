// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package transcript

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vigil-sh/vigil/lib/broadcast"
	"github.com/vigil-sh/vigil/lib/event"
	"github.com/vigil-sh/vigil/lib/fingerprint"
	"github.com/vigil-sh/vigil/lib/session"
	"github.com/vigil-sh/vigil/lib/task"
)

type reconcilerHarness struct {
	registry   *session.Registry
	store      *task.Store
	machine    *task.Machine
	reconciler *Reconciler
	deltas     <-chan broadcast.Delta
}

func newReconcilerHarness(t *testing.T) *reconcilerHarness {
	t.Helper()

	store, err := task.OpenStore(filepath.Join(t.TempDir(), "vigil.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registry := session.NewRegistry(time.Now)
	bus := broadcast.New(nil)
	deltas, cancel := bus.Subscribe()
	t.Cleanup(cancel)

	machine := task.NewMachine(task.MachineConfig{
		Registry:  registry,
		Store:     store,
		Log:       task.DiscardAppender{},
		Broadcast: bus,
	})
	reconciler := NewReconciler(ReconcilerConfig{
		Store:       store,
		Machine:     machine,
		Broadcast:   bus,
		MatchWindow: 30 * time.Second,
	})

	if _, err := registry.Register("s1", "/home/dev/project", "%1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	return &reconcilerHarness{
		registry:   registry,
		store:      store,
		machine:    machine,
		reconciler: reconciler,
		deltas:     deltas,
	}
}

func (h *reconcilerHarness) drainDeltas() []broadcast.Delta {
	var out []broadcast.Delta
	for {
		select {
		case d := <-h.deltas:
			out = append(out, d)
		default:
			return out
		}
	}
}

func hookTurn(sessionID, actor, text string, at time.Time) *event.Event {
	return &event.Event{
		ID:             uuid.NewString(),
		Kind:           event.KindTurnDetected,
		Source:         event.SourceHook,
		HighConfidence: true,
		TurnDetected: &event.TurnDetected{
			SessionID:       sessionID,
			Actor:           actor,
			Text:            text,
			Timestamp:       at,
			TimestampSource: event.TimestampReceipt,
			Fingerprint:     fingerprint.Turn(actor, text).String(),
			Hint:            "user-submitted",
		},
	}
}

func pollTurn(sessionID, actor, text string, at time.Time) *event.Event {
	return &event.Event{
		ID:     uuid.NewString(),
		Kind:   event.KindTurnDetected,
		Source: event.SourcePoll,
		TurnDetected: &event.TurnDetected{
			SessionID:       sessionID,
			Actor:           actor,
			Text:            text,
			Timestamp:       at,
			TimestampSource: event.TimestampFromSource,
			Fingerprint:     fingerprint.Turn(actor, text).String(),
		},
	}
}

func TestReconcileCorrectsHookTimestamp(t *testing.T) {
	h := newReconcilerHarness(t)
	ctx := context.Background()
	receipt := time.Date(2026, 3, 14, 9, 0, 3, 0, time.UTC)

	// Hook path lands first with receipt time.
	if err := h.machine.Apply(ctx, hookTurn("s1", event.ActorUser, "run tests", receipt)); err != nil {
		t.Fatalf("apply hook turn: %v", err)
	}
	h.drainDeltas()

	// The transcript later shows the same utterance three seconds
	// earlier.
	authoritative := receipt.Add(-3 * time.Second)
	if err := h.reconciler.Reconcile(ctx, pollTurn("s1", event.ActorUser, "run tests", authoritative)); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	turns, err := h.store.TurnsForDisplay(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("turns: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("got %d turns, want 1 (match must not create)", len(turns))
	}
	if !turns[0].Timestamp.Equal(authoritative) {
		t.Fatalf("timestamp = %v, want %v", turns[0].Timestamp, authoritative)
	}
	if turns[0].TimestampSource != event.TimestampFromSource {
		t.Fatalf("timestamp source = %q, want %q", turns[0].TimestampSource, event.TimestampFromSource)
	}

	deltas := h.drainDeltas()
	if len(deltas) != 1 || deltas[0].Kind != broadcast.DeltaTurnCorrected {
		t.Fatalf("deltas = %+v, want one turn-corrected", deltas)
	}
	if deltas[0].TurnID != turns[0].ID {
		t.Fatalf("delta turn id = %q, want %q", deltas[0].TurnID, turns[0].ID)
	}
	if !deltas[0].PreviousTimestamp.Equal(receipt) {
		t.Fatalf("previous timestamp = %v, want %v", deltas[0].PreviousTimestamp, receipt)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	h := newReconcilerHarness(t)
	ctx := context.Background()
	receipt := time.Date(2026, 3, 14, 9, 0, 3, 0, time.UTC)
	authoritative := receipt.Add(-3 * time.Second)

	if err := h.machine.Apply(ctx, hookTurn("s1", event.ActorUser, "run tests", receipt)); err != nil {
		t.Fatalf("apply hook turn: %v", err)
	}

	poll := pollTurn("s1", event.ActorUser, "run tests", authoritative)
	for range 3 {
		if err := h.reconciler.Reconcile(ctx, poll); err != nil {
			t.Fatalf("reconcile: %v", err)
		}
	}

	turns, err := h.store.TurnsForDisplay(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("turns: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("got %d turns after re-runs, want 1", len(turns))
	}
	if !turns[0].Timestamp.Equal(authoritative) {
		t.Fatalf("timestamp drifted to %v", turns[0].Timestamp)
	}

	corrections := 0
	for _, d := range h.drainDeltas() {
		if d.Kind == broadcast.DeltaTurnCorrected {
			corrections++
		}
	}
	if corrections != 1 {
		t.Fatalf("got %d correction deltas, want 1", corrections)
	}
}

func TestReconcileCreatesMissedTurn(t *testing.T) {
	h := newReconcilerHarness(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	// The hook stream never saw this utterance.
	if err := h.reconciler.Reconcile(ctx, pollTurn("s1", event.ActorUser, "fix the linter", at)); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	turns, err := h.store.TurnsForDisplay(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("turns: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("got %d turns, want 1", len(turns))
	}
	if turns[0].TimestampSource != event.TimestampFromSource {
		t.Fatalf("timestamp source = %q, want %q", turns[0].TimestampSource, event.TimestampFromSource)
	}
	// A user turn on an idle session opens a task even via the poll
	// path.
	if turns[0].Intent != task.IntentCommand {
		t.Fatalf("intent = %q, want %q", turns[0].Intent, task.IntentCommand)
	}
	sess, _ := h.registry.Get("s1")
	if sess.State != session.Processing {
		t.Fatalf("session state = %q, want %q", sess.State, session.Processing)
	}
}

func TestReconcileDistinguishesDistantRepeat(t *testing.T) {
	h := newReconcilerHarness(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	if err := h.machine.Apply(ctx, hookTurn("s1", event.ActorUser, "run tests", at)); err != nil {
		t.Fatalf("apply hook turn: %v", err)
	}

	// Identical content five minutes later is a new utterance, not a
	// correction.
	if err := h.reconciler.Reconcile(ctx, pollTurn("s1", event.ActorUser, "run tests", at.Add(5*time.Minute))); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	turns, err := h.store.TurnsForDisplay(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("turns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("got %d turns, want 2", len(turns))
	}
}
