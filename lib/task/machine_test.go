// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package task_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vigil-sh/vigil/lib/broadcast"
	"github.com/vigil-sh/vigil/lib/event"
	"github.com/vigil-sh/vigil/lib/session"
	"github.com/vigil-sh/vigil/lib/task"
)

type machineHarness struct {
	machine  *task.Machine
	registry *session.Registry
	store    *task.Store
	bus      *broadcast.Broadcaster
	deltas   <-chan broadcast.Delta
}

func newMachineHarness(t *testing.T) *machineHarness {
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
	return &machineHarness{
		machine:  machine,
		registry: registry,
		store:    store,
		bus:      bus,
		deltas:   deltas,
	}
}

func (h *machineHarness) register(t *testing.T, id string) session.Session {
	t.Helper()
	sess, err := h.registry.Register(id, "/home/dev/project", "%1")
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	return sess
}

func (h *machineHarness) drainDeltas() []broadcast.Delta {
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

func turnEvent(sessionID, actor, text, hint string, at time.Time) *event.Event {
	return &event.Event{
		ID:     uuid.NewString(),
		Kind:   event.KindTurnDetected,
		Source: event.SourceHook,
		TurnDetected: &event.TurnDetected{
			SessionID:       sessionID,
			Actor:           actor,
			Text:            text,
			Timestamp:       at,
			TimestampSource: event.TimestampReceipt,
			Fingerprint:     "fp-" + text,
			Hint:            hint,
		},
	}
}

func TestCommandOpensTask(t *testing.T) {
	h := newMachineHarness(t)
	ctx := context.Background()
	h.register(t, "s1")

	ev := turnEvent("s1", event.ActorUser, "run the tests", "user-submitted", time.Now())
	if err := h.machine.Apply(ctx, ev); err != nil {
		t.Fatalf("apply: %v", err)
	}

	active, err := h.store.ActiveTask(ctx, "s1")
	if err != nil {
		t.Fatalf("active task: %v", err)
	}
	if active.State != task.TaskActive {
		t.Fatalf("task state = %q, want %q", active.State, task.TaskActive)
	}

	sess, _ := h.registry.Get("s1")
	if sess.State != session.Processing {
		t.Fatalf("session state = %q, want %q", sess.State, session.Processing)
	}

	turns, err := h.store.TurnsForDisplay(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("turns: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("got %d turns, want 1", len(turns))
	}
	if turns[0].Intent != task.IntentCommand {
		t.Fatalf("intent = %q, want %q", turns[0].Intent, task.IntentCommand)
	}
	if turns[0].TaskID != active.ID {
		t.Fatalf("turn task id = %q, want %q", turns[0].TaskID, active.ID)
	}

	var transitions []broadcast.Delta
	for _, d := range h.drainDeltas() {
		if d.Kind == broadcast.DeltaStateTransition {
			transitions = append(transitions, d)
		}
	}
	if len(transitions) != 2 {
		t.Fatalf("got %d transition deltas, want 2", len(transitions))
	}
	if transitions[0].From != "idle" || transitions[0].To != "commanded" {
		t.Fatalf("first hop %s->%s, want idle->commanded", transitions[0].From, transitions[0].To)
	}
	if transitions[1].From != "commanded" || transitions[1].To != "processing" {
		t.Fatalf("second hop %s->%s, want commanded->processing", transitions[1].From, transitions[1].To)
	}
}

func TestQuestionThenAnswer(t *testing.T) {
	h := newMachineHarness(t)
	ctx := context.Background()
	h.register(t, "s1")

	steps := []struct {
		actor, text, hint string
		wantState         session.State
	}{
		{event.ActorUser, "refactor the parser", "user-submitted", session.Processing},
		{event.ActorAgent, "should I keep the old API?", "notification", session.AwaitingInput},
		{event.ActorUser, "yes, keep it", "user-submitted", session.Processing},
	}
	for _, step := range steps {
		ev := turnEvent("s1", step.actor, step.text, step.hint, time.Now())
		if err := h.machine.Apply(ctx, ev); err != nil {
			t.Fatalf("apply %q: %v", step.text, err)
		}
		sess, _ := h.registry.Get("s1")
		if sess.State != step.wantState {
			t.Fatalf("after %q: state = %q, want %q", step.text, sess.State, step.wantState)
		}
	}

	turns, err := h.store.TurnsForDisplay(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("turns: %v", err)
	}
	wantIntents := []task.Intent{task.IntentCommand, task.IntentQuestion, task.IntentAnswer}
	if len(turns) != len(wantIntents) {
		t.Fatalf("got %d turns, want %d", len(turns), len(wantIntents))
	}
	for i, turn := range turns {
		if turn.Intent != wantIntents[i] {
			t.Fatalf("turn %d intent = %q, want %q", i, turn.Intent, wantIntents[i])
		}
	}
}

func TestCompletionClosesTask(t *testing.T) {
	h := newMachineHarness(t)
	ctx := context.Background()
	h.register(t, "s1")

	if err := h.machine.Apply(ctx, turnEvent("s1", event.ActorUser, "fix the bug", "user-submitted", time.Now())); err != nil {
		t.Fatalf("apply command: %v", err)
	}
	if err := h.machine.Apply(ctx, turnEvent("s1", event.ActorAgent, "done, all tests pass", "stop", time.Now())); err != nil {
		t.Fatalf("apply completion: %v", err)
	}

	if _, err := h.store.ActiveTask(ctx, "s1"); !errors.Is(err, task.ErrNoActiveTask) {
		t.Fatalf("active task error = %v, want ErrNoActiveTask", err)
	}
	sess, _ := h.registry.Get("s1")
	if sess.State != session.Idle {
		t.Fatalf("session state = %q, want %q", sess.State, session.Idle)
	}
	if h.machine.Rejected() != 0 {
		t.Fatalf("rejected = %d, want 0", h.machine.Rejected())
	}
}

func TestCompletionWhileIdleRejected(t *testing.T) {
	h := newMachineHarness(t)
	ctx := context.Background()
	h.register(t, "s1")

	ev := turnEvent("s1", event.ActorAgent, "done", "stop", time.Now())
	if err := h.machine.Apply(ctx, ev); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if h.machine.Rejected() != 1 {
		t.Fatalf("rejected = %d, want 1", h.machine.Rejected())
	}
	sess, _ := h.registry.Get("s1")
	if sess.State != session.Idle {
		t.Fatalf("session state = %q, want %q", sess.State, session.Idle)
	}
	if _, err := h.store.ActiveTask(ctx, "s1"); !errors.Is(err, task.ErrNoActiveTask) {
		t.Fatalf("active task error = %v, want ErrNoActiveTask", err)
	}

	// The utterance itself is still recorded.
	turns, err := h.store.TurnsForDisplay(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("turns: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("got %d turns, want 1", len(turns))
	}
	for _, d := range h.drainDeltas() {
		if d.Kind == broadcast.DeltaStateTransition {
			t.Fatalf("unexpected transition delta %+v", d)
		}
	}
}

func TestQuestionWhileIdleRejected(t *testing.T) {
	h := newMachineHarness(t)
	ctx := context.Background()
	h.register(t, "s1")

	if err := h.machine.Apply(ctx, turnEvent("s1", event.ActorAgent, "which branch?", "notification", time.Now())); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if h.machine.Rejected() != 1 {
		t.Fatalf("rejected = %d, want 1", h.machine.Rejected())
	}
	sess, _ := h.registry.Get("s1")
	if sess.State != session.Idle {
		t.Fatalf("session state = %q, want %q", sess.State, session.Idle)
	}
}

func TestSessionEndedAbandonsActiveTask(t *testing.T) {
	h := newMachineHarness(t)
	ctx := context.Background()
	h.register(t, "s1")

	if err := h.machine.Apply(ctx, turnEvent("s1", event.ActorUser, "long refactor", "user-submitted", time.Now())); err != nil {
		t.Fatalf("apply command: %v", err)
	}

	end := &event.Event{
		ID:           uuid.NewString(),
		Kind:         event.KindSessionEnded,
		Source:       event.SourceHook,
		Time:         time.Now(),
		SessionEnded: &event.SessionEnded{SessionID: "s1", Reason: "hook"},
	}
	if err := h.machine.Apply(ctx, end); err != nil {
		t.Fatalf("apply end: %v", err)
	}

	if h.registry.IsRegistered("s1") {
		t.Fatal("session still registered after end")
	}
	if _, err := h.store.ActiveTask(ctx, "s1"); !errors.Is(err, task.ErrNoActiveTask) {
		t.Fatalf("active task error = %v, want ErrNoActiveTask", err)
	}

	removed := false
	for _, d := range h.drainDeltas() {
		if d.Kind == broadcast.DeltaSessionRemoved && d.SessionID == "s1" {
			removed = true
		}
	}
	if !removed {
		t.Fatal("no session-removed delta published")
	}
}

func TestTurnForUnknownSessionDropped(t *testing.T) {
	h := newMachineHarness(t)
	ctx := context.Background()

	if err := h.machine.Apply(ctx, turnEvent("ghost", event.ActorUser, "hello?", "user-submitted", time.Now())); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if deltas := h.drainDeltas(); len(deltas) != 0 {
		t.Fatalf("got %d deltas for unknown session, want 0", len(deltas))
	}
}

func TestUserProgressDuringProcessing(t *testing.T) {
	h := newMachineHarness(t)
	ctx := context.Background()
	h.register(t, "s1")

	if err := h.machine.Apply(ctx, turnEvent("s1", event.ActorUser, "start the build", "user-submitted", time.Now())); err != nil {
		t.Fatalf("apply command: %v", err)
	}
	if err := h.machine.Apply(ctx, turnEvent("s1", event.ActorUser, "also check lint", "user-submitted", time.Now())); err != nil {
		t.Fatalf("apply progress: %v", err)
	}

	sess, _ := h.registry.Get("s1")
	if sess.State != session.Processing {
		t.Fatalf("session state = %q, want %q", sess.State, session.Processing)
	}
	turns, err := h.store.TurnsForDisplay(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("turns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("got %d turns, want 2", len(turns))
	}
	if turns[1].Intent != task.IntentProgress {
		t.Fatalf("second turn intent = %q, want %q", turns[1].Intent, task.IntentProgress)
	}
	if turns[1].TaskID != turns[0].TaskID {
		t.Fatalf("progress turn not attached to the active task")
	}
}

func TestTransitionsAppendedToLog(t *testing.T) {
	dir := t.TempDir()
	log, err := event.OpenLog(event.LogConfig{Dir: dir})
	if err != nil {
		t.Fatalf("open log: %v", err)
	}

	store, err := task.OpenStore(filepath.Join(t.TempDir(), "vigil.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registry := session.NewRegistry(time.Now)
	machine := task.NewMachine(task.MachineConfig{
		Registry:  registry,
		Store:     store,
		Log:       log,
		Broadcast: broadcast.New(nil),
	})

	ctx := context.Background()
	if _, err := registry.Register("s1", "/home/dev/project", "%1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := machine.Apply(ctx, turnEvent("s1", event.ActorUser, "deploy it", "user-submitted", time.Now())); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("close log: %v", err)
	}

	var hops []string
	err = event.Replay(dir, func(ev *event.Event) error {
		if ev.Kind == event.KindStateTransition {
			hops = append(hops, ev.StateTransition.From+"->"+ev.StateTransition.To)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	want := []string{"idle->commanded", "commanded->processing"}
	if len(hops) != len(want) {
		t.Fatalf("got %d logged transitions %v, want %v", len(hops), hops, want)
	}
	for i := range want {
		if hops[i] != want[i] {
			t.Fatalf("hop %d = %q, want %q", i, hops[i], want[i])
		}
	}
}

func TestClassifyIntent(t *testing.T) {
	cases := []struct {
		name  string
		actor task.Actor
		state session.State
		hint  string
		want  task.Intent
	}{
		{"user idle is command", task.ActorUser, session.Idle, "user-submitted", task.IntentCommand},
		{"user awaiting is answer", task.ActorUser, session.AwaitingInput, "user-submitted", task.IntentAnswer},
		{"user processing is progress", task.ActorUser, session.Processing, "user-submitted", task.IntentProgress},
		{"agent stop is completion", task.ActorAgent, session.Processing, "stop", task.IntentCompletion},
		{"agent notification is question", task.ActorAgent, session.Processing, "notification", task.IntentQuestion},
		{"agent no hint is progress", task.ActorAgent, session.Processing, "", task.IntentProgress},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := task.ClassifyIntent(tc.actor, tc.state, tc.hint)
			if got != tc.want {
				t.Fatalf("ClassifyIntent(%s, %s, %q) = %q, want %q",
					tc.actor, tc.state, tc.hint, got, tc.want)
			}
		})
	}
}
