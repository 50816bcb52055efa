// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package event defines the append-only event log: the ground truth of
// everything that happened to every session.
//
// Both producers, the lifecycle hook receiver and the transcript
// poller, emit into one log, distinguished only by a source tag.
// Consumers (the task state machine, the reconciler) read that single
// ordered log and never branch on which path produced a record beyond
// the tag. Events are immutable once written: corrections are
// expressed as new events, never as mutation of old ones.
package event

import (
	"errors"
	"fmt"
	"time"
)

// Source tags which producer emitted an event.
type Source string

const (
	// SourceHook marks push-delivered lifecycle hook events, the
	// primary low-latency source.
	SourceHook Source = "hook"
	// SourcePoll marks transcript-poll-derived events, the fallback
	// source.
	SourcePoll Source = "poll"
)

// Kind discriminates the event union.
type Kind string

const (
	KindSessionRegistered Kind = "session-registered"
	KindSessionEnded      Kind = "session-ended"
	KindTurnDetected      Kind = "turn-detected"
	KindStateTransition   Kind = "state-transition"
	KindHookReceived      Kind = "hook-received"
)

// Actor values used in turn payloads.
const (
	ActorUser  = "user"
	ActorAgent = "agent"
)

// TimestampSource records whether a turn timestamp is the receiver's
// wall clock (receipt) or the authoritative value from the transcript
// (source).
type TimestampSource string

const (
	TimestampReceipt    TimestampSource = "receipt"
	TimestampFromSource TimestampSource = "source"
)

// Event is one immutable log record.
//
// Exactly one payload pointer is non-nil, and it must correspond to
// Kind; Validate enforces this exhaustively at the writer boundary so
// malformed unions never reach disk or the state machine.
type Event struct {
	// ID is a UUID assigned by the producer.
	ID string `cbor:"id"`
	// Seq is the sequence-stable position, assigned by the log writer
	// at append time. Zero until written.
	Seq uint64 `cbor:"seq"`
	// Time is the receipt time at the orchestration core.
	Time   time.Time `cbor:"time"`
	Kind   Kind      `cbor:"kind"`
	Source Source    `cbor:"source"`
	// HighConfidence is set on hook-delivered events: hooks identify
	// sessions and lifecycle moments directly, while poll events are
	// inferred from file contents.
	HighConfidence bool `cbor:"high_confidence,omitempty"`

	SessionRegistered *SessionRegistered `cbor:"session_registered,omitempty"`
	SessionEnded      *SessionEnded      `cbor:"session_ended,omitempty"`
	TurnDetected      *TurnDetected      `cbor:"turn_detected,omitempty"`
	StateTransition   *StateTransition   `cbor:"state_transition,omitempty"`
	HookReceived      *HookReceived      `cbor:"hook_received,omitempty"`
}

// SessionRegistered records a session entering monitoring scope.
type SessionRegistered struct {
	SessionID  string `cbor:"session_id"`
	WorkingDir string `cbor:"working_dir"`
	Target     string `cbor:"target,omitempty"`
}

// SessionEnded records a session leaving monitoring scope.
type SessionEnded struct {
	SessionID string `cbor:"session_id"`
	// Reason is "hook" for an explicit end-of-session signal,
	// "inactivity" for the poller's timeout.
	Reason string `cbor:"reason"`
}

// TurnDetected records one utterance observed by either source.
type TurnDetected struct {
	SessionID string `cbor:"session_id"`
	// Actor is ActorUser or ActorAgent.
	Actor string `cbor:"actor"`
	Text  string `cbor:"text"`
	// Timestamp is the turn's best-known time: receipt time for hook
	// events, the transcript's own timestamp for poll events.
	Timestamp       time.Time       `cbor:"timestamp"`
	TimestampSource TimestampSource `cbor:"timestamp_source"`
	// Fingerprint is the turn's content fingerprint in hex, used for
	// cross-source deduplication.
	Fingerprint string `cbor:"fingerprint"`
	// Hint carries the hook type that produced this turn ("stop",
	// "notification", "user-submitted"), empty for poll turns. The
	// state machine uses it for intent classification.
	Hint string `cbor:"hint,omitempty"`
}

// StateTransition records an accepted state machine transition. The
// machine's own behavior is part of the durable log: the audit trail
// doubles as replay input.
type StateTransition struct {
	SessionID string `cbor:"session_id"`
	TaskID    string `cbor:"task_id,omitempty"`
	TurnID    string `cbor:"turn_id,omitempty"`
	From      string `cbor:"from"`
	To        string `cbor:"to"`
}

// HookReceived records the raw arrival of a lifecycle hook, before
// translation. Kept for audit; the derived session/turn events are
// what the state machine consumes.
type HookReceived struct {
	HookType   string `cbor:"hook_type"`
	SessionID  string `cbor:"session_id,omitempty"`
	WorkingDir string `cbor:"working_dir,omitempty"`
}

// Validation errors.
var (
	ErrMissingID      = errors.New("event: missing id")
	ErrBadSource      = errors.New("event: source must be hook or poll")
	ErrPayloadMissing = errors.New("event: payload does not match kind")
	ErrPayloadExtra   = errors.New("event: multiple payloads set")
	ErrUnknownKind    = errors.New("event: unknown kind")
)

// Validate checks the tagged union exhaustively: known kind, exactly
// one payload, payload matches kind, well-formed fields. Called by the
// log writer on every append; a failed event never reaches disk.
func (e *Event) Validate() error {
	if e.ID == "" {
		return ErrMissingID
	}
	if e.Source != SourceHook && e.Source != SourcePoll {
		return fmt.Errorf("%w: %q", ErrBadSource, e.Source)
	}

	payloads := 0
	if e.SessionRegistered != nil {
		payloads++
	}
	if e.SessionEnded != nil {
		payloads++
	}
	if e.TurnDetected != nil {
		payloads++
	}
	if e.StateTransition != nil {
		payloads++
	}
	if e.HookReceived != nil {
		payloads++
	}
	if payloads > 1 {
		return ErrPayloadExtra
	}

	switch e.Kind {
	case KindSessionRegistered:
		if e.SessionRegistered == nil {
			return fmt.Errorf("%w: %s", ErrPayloadMissing, e.Kind)
		}
		if e.SessionRegistered.SessionID == "" {
			return errors.New("event: session-registered: missing session_id")
		}
	case KindSessionEnded:
		if e.SessionEnded == nil {
			return fmt.Errorf("%w: %s", ErrPayloadMissing, e.Kind)
		}
		if e.SessionEnded.SessionID == "" {
			return errors.New("event: session-ended: missing session_id")
		}
	case KindTurnDetected:
		if e.TurnDetected == nil {
			return fmt.Errorf("%w: %s", ErrPayloadMissing, e.Kind)
		}
		turn := e.TurnDetected
		if turn.SessionID == "" {
			return errors.New("event: turn-detected: missing session_id")
		}
		if turn.Actor != ActorUser && turn.Actor != ActorAgent {
			return fmt.Errorf("event: turn-detected: bad actor %q", turn.Actor)
		}
		if turn.TimestampSource != TimestampReceipt && turn.TimestampSource != TimestampFromSource {
			return fmt.Errorf("event: turn-detected: bad timestamp source %q", turn.TimestampSource)
		}
	case KindStateTransition:
		if e.StateTransition == nil {
			return fmt.Errorf("%w: %s", ErrPayloadMissing, e.Kind)
		}
		if e.StateTransition.SessionID == "" {
			return errors.New("event: state-transition: missing session_id")
		}
	case KindHookReceived:
		if e.HookReceived == nil {
			return fmt.Errorf("%w: %s", ErrPayloadMissing, e.Kind)
		}
		if e.HookReceived.HookType == "" {
			return errors.New("event: hook-received: missing hook_type")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}

	return nil
}

// SessionID returns the session the event concerns, or "" for events
// without one (a hook-received record that failed correlation).
func (e *Event) SessionID() string {
	switch {
	case e.SessionRegistered != nil:
		return e.SessionRegistered.SessionID
	case e.SessionEnded != nil:
		return e.SessionEnded.SessionID
	case e.TurnDetected != nil:
		return e.TurnDetected.SessionID
	case e.StateTransition != nil:
		return e.StateTransition.SessionID
	case e.HookReceived != nil:
		return e.HookReceived.SessionID
	}
	return ""
}
