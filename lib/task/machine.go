// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/vigil-sh/vigil/lib/broadcast"
	"github.com/vigil-sh/vigil/lib/event"
	"github.com/vigil-sh/vigil/lib/session"
)

// ErrInvalidTransition marks an event whose precondition does not hold
// for the session's current state. The machine rejects it and leaves
// the state unchanged; it never guesses.
var ErrInvalidTransition = errors.New("task: invalid transition")

// Appender is the machine's write side of the event log. Live
// operation passes *event.Log; replay passes DiscardAppender so
// rebuilt transitions are not logged a second time.
type Appender interface {
	Append(*event.Event) error
}

// DiscardAppender drops every event. Used when replaying a log whose
// state-transition records already exist.
type DiscardAppender struct{}

func (DiscardAppender) Append(*event.Event) error { return nil }

// MachineConfig holds the machine's collaborators. Registry, Store,
// Log, and Broadcast are required.
type MachineConfig struct {
	Registry  *session.Registry
	Store     *Store
	Log       Appender
	Broadcast *broadcast.Broadcaster

	// Logger receives transition and rejection messages. Nil means
	// discard.
	Logger *slog.Logger
}

// Machine derives Task and Turn state from consumed events.
//
// It consumes session-registered, session-ended, and turn-detected
// events; state-transition and hook-received events are its own output
// and audit trail respectively, and pass through untouched. Every
// accepted transition is appended back to the event log as a
// state-transition event and published as a delta, so the machine's
// behavior is itself replayable.
type Machine struct {
	mu       sync.Mutex
	registry *session.Registry
	store    *Store
	log      Appender
	bus      *broadcast.Broadcaster
	logger   *slog.Logger
	rejected atomic.Int64
}

// NewMachine validates the config and returns a machine. Panics on a
// missing collaborator: that is wiring, not runtime input.
func NewMachine(cfg MachineConfig) *Machine {
	if cfg.Registry == nil || cfg.Store == nil || cfg.Log == nil || cfg.Broadcast == nil {
		panic("task: MachineConfig requires Registry, Store, Log, and Broadcast")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Machine{
		registry: cfg.Registry,
		store:    cfg.Store,
		log:      cfg.Log,
		bus:      cfg.Broadcast,
		logger:   logger,
	}
}

// Rejected returns the number of transitions rejected so far.
func (m *Machine) Rejected() int64 {
	return m.rejected.Load()
}

// Apply consumes one event. Rejected transitions are logged and
// counted, not returned: the machine recovers locally and the caller's
// pipeline keeps flowing. Errors are infrastructure failures only
// (store or log writes).
func (m *Machine) Apply(ctx context.Context, ev *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Kind {
	case event.KindSessionRegistered:
		return m.applySessionRegistered(ctx, ev)
	case event.KindSessionEnded:
		return m.applySessionEnded(ctx, ev)
	case event.KindTurnDetected:
		return m.applyTurn(ctx, ev)
	case event.KindStateTransition, event.KindHookReceived:
		return nil
	default:
		return fmt.Errorf("task: unhandled event kind %q", ev.Kind)
	}
}

func (m *Machine) applySessionRegistered(ctx context.Context, ev *event.Event) error {
	sess, ok := m.registry.Get(ev.SessionRegistered.SessionID)
	if !ok {
		// Replay path: the registry starts empty, so rebuild the
		// entry from the event itself.
		registered, err := m.registry.Register(
			ev.SessionRegistered.SessionID,
			ev.SessionRegistered.WorkingDir,
			ev.SessionRegistered.Target,
		)
		if err != nil {
			return fmt.Errorf("task: re-register session: %w", err)
		}
		sess = registered
	}
	return m.store.UpsertSession(ctx, &sess)
}

func (m *Machine) applySessionEnded(ctx context.Context, ev *event.Event) error {
	sessionID := ev.SessionEnded.SessionID

	if err := m.store.AbandonActiveTasks(ctx, sessionID, ev.Time); err != nil {
		return err
	}
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	m.registry.SetState(sessionID, session.Ended)
	if err := m.registry.Unregister(sessionID); err != nil && !errors.Is(err, session.ErrNotRegistered) {
		return err
	}

	m.logger.Info("session ended",
		"session_id", sessionID,
		"reason", ev.SessionEnded.Reason,
	)
	m.bus.Publish(broadcast.Delta{
		Kind:      broadcast.DeltaSessionRemoved,
		SessionID: sessionID,
	})
	return nil
}

func (m *Machine) applyTurn(ctx context.Context, ev *event.Event) error {
	payload := ev.TurnDetected
	sess, ok := m.registry.Get(payload.SessionID)
	if !ok {
		// Turns for unregistered sessions are dropped at the source;
		// one slipping through here means the session ended between
		// append and apply. Not an error.
		m.logger.Debug("turn for unknown session dropped", "session_id", payload.SessionID)
		return nil
	}
	m.registry.Touch(payload.SessionID)

	intent := ClassifyIntent(Actor(payload.Actor), sess.State, payload.Hint)

	turn := &Turn{
		ID:              uuid.NewString(),
		SessionID:       payload.SessionID,
		Actor:           Actor(payload.Actor),
		Intent:          intent,
		Text:            payload.Text,
		Timestamp:       payload.Timestamp,
		TimestampSource: payload.TimestampSource,
		Fingerprint:     payload.Fingerprint,
	}
	if active, err := m.store.ActiveTask(ctx, payload.SessionID); err == nil {
		turn.TaskID = active.ID
	} else if !errors.Is(err, ErrNoActiveTask) {
		return err
	}

	switch intent {
	case IntentCommand:
		return m.applyCommand(ctx, ev.Source, sess, turn)
	case IntentAnswer:
		return m.applyAnswer(ctx, ev.Source, sess, turn)
	case IntentQuestion:
		return m.applyQuestion(ctx, ev.Source, sess, turn)
	case IntentCompletion:
		return m.applyCompletion(ctx, ev.Source, sess, turn)
	default:
		return m.recordTurn(ctx, turn)
	}
}

// reject logs an event whose precondition failed and still records the
// turn: the utterance happened even though it drives no transition.
func (m *Machine) reject(ctx context.Context, sess session.Session, turn *Turn) error {
	m.rejected.Add(1)
	m.logger.Warn("transition rejected",
		"session_id", sess.ID,
		"state", sess.State,
		"actor", turn.Actor,
		"intent", turn.Intent,
		"error", ErrInvalidTransition,
	)
	return m.recordTurn(ctx, turn)
}

// applyCommand opens a task. The session traverses commanded on its
// way to processing so both hops land in the log.
func (m *Machine) applyCommand(ctx context.Context, src event.Source, sess session.Session, turn *Turn) error {
	if sess.State != session.Idle {
		return m.reject(ctx, sess, turn)
	}

	newTask := &Task{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		State:     TaskActive,
		StartedAt: turn.Timestamp,
	}
	if err := m.store.CreateTask(ctx, newTask); err != nil {
		return err
	}
	turn.TaskID = newTask.ID
	if err := m.recordTurn(ctx, turn); err != nil {
		return err
	}

	if err := m.transition(ctx, src, sess.ID, newTask.ID, turn.ID, session.Idle, session.Commanded); err != nil {
		return err
	}
	return m.transition(ctx, src, sess.ID, newTask.ID, turn.ID, session.Commanded, session.Processing)
}

func (m *Machine) applyAnswer(ctx context.Context, src event.Source, sess session.Session, turn *Turn) error {
	if sess.State != session.AwaitingInput {
		return m.reject(ctx, sess, turn)
	}
	if err := m.recordTurn(ctx, turn); err != nil {
		return err
	}
	return m.transition(ctx, src, sess.ID, turn.TaskID, turn.ID, session.AwaitingInput, session.Processing)
}

func (m *Machine) applyQuestion(ctx context.Context, src event.Source, sess session.Session, turn *Turn) error {
	if sess.State != session.Processing {
		return m.reject(ctx, sess, turn)
	}
	if err := m.recordTurn(ctx, turn); err != nil {
		return err
	}
	return m.transition(ctx, src, sess.ID, turn.TaskID, turn.ID, session.Processing, session.AwaitingInput)
}

// applyCompletion closes the active task. Like applyCommand it records
// both hops, traversing complete on the way back to idle.
func (m *Machine) applyCompletion(ctx context.Context, src event.Source, sess session.Session, turn *Turn) error {
	if sess.State != session.Processing && sess.State != session.AwaitingInput {
		return m.reject(ctx, sess, turn)
	}
	active, err := m.store.ActiveTask(ctx, sess.ID)
	if err != nil {
		if errors.Is(err, ErrNoActiveTask) {
			return m.reject(ctx, sess, turn)
		}
		return err
	}

	turn.TaskID = active.ID
	if err := m.recordTurn(ctx, turn); err != nil {
		return err
	}
	if err := m.store.FinishTask(ctx, active.ID, TaskComplete, turn.Timestamp); err != nil {
		return err
	}

	if err := m.transition(ctx, src, sess.ID, active.ID, turn.ID, sess.State, session.Complete); err != nil {
		return err
	}
	return m.transition(ctx, src, sess.ID, active.ID, turn.ID, session.Complete, session.Idle)
}

// recordTurn inserts the turn into the projection and publishes its
// creation delta. The turn's UUID, not its timestamp, is the stable
// key consumers patch by.
func (m *Machine) recordTurn(ctx context.Context, turn *Turn) error {
	if err := m.store.InsertTurn(ctx, turn); err != nil {
		return err
	}
	m.bus.Publish(broadcast.Delta{
		Kind:      broadcast.DeltaTurnCreated,
		SessionID: turn.SessionID,
		TaskID:    turn.TaskID,
		TurnID:    turn.ID,
		Actor:     string(turn.Actor),
		Intent:    string(turn.Intent),
		Text:      turn.Text,
		Timestamp: turn.Timestamp,
	})
	return nil
}

// transition applies one accepted state hop: registry, projection,
// durable log, and broadcast, in that order. The logged event carries
// the source tag of the turn that drove it.
func (m *Machine) transition(ctx context.Context, src event.Source, sessionID, taskID, turnID string, from, to session.State) error {
	m.registry.SetState(sessionID, to)

	if sess, ok := m.registry.Get(sessionID); ok {
		if err := m.store.UpsertSession(ctx, &sess); err != nil {
			return err
		}
	}

	err := m.log.Append(&event.Event{
		ID:     uuid.NewString(),
		Kind:   event.KindStateTransition,
		Source: src,
		StateTransition: &event.StateTransition{
			SessionID: sessionID,
			TaskID:    taskID,
			TurnID:    turnID,
			From:      string(from),
			To:        string(to),
		},
	})
	if err != nil {
		return fmt.Errorf("task: logging transition %s->%s: %w", from, to, err)
	}

	m.logger.Info("state transition",
		"session_id", sessionID,
		"task_id", taskID,
		"from", from,
		"to", to,
	)
	m.bus.Publish(broadcast.Delta{
		Kind:      broadcast.DeltaStateTransition,
		SessionID: sessionID,
		TaskID:    taskID,
		TurnID:    turnID,
		From:      string(from),
		To:        string(to),
	})
	return nil
}

// ClassifyIntent decides what a turn does to the task lifecycle.
//
// User intent depends on where the session is: a user speaking to an
// idle session is issuing a command, a user speaking to a session that
// asked a question is answering it, and anything else is progress
// commentary. Agent intent follows the hook's own hint ("stop" for
// finished responses, "notification" for input requests); the
// transition preconditions still gate whether the intent lands.
func ClassifyIntent(actor Actor, state session.State, hint string) Intent {
	switch actor {
	case ActorUser:
		switch state {
		case session.Idle:
			return IntentCommand
		case session.AwaitingInput:
			return IntentAnswer
		default:
			return IntentProgress
		}
	case ActorAgent:
		switch hint {
		case "stop":
			return IntentCompletion
		case "notification":
			return IntentQuestion
		default:
			return IntentProgress
		}
	default:
		return IntentProgress
	}
}
