// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package task holds the Task/Turn projection and the state machine
// that derives it from the event log.
//
// A Task is one unit of work bounded by a user command and its
// resolution; a Turn is one utterance within it. The projection is
// mutable (the reconciler upgrades turn timestamps after the fact) but
// the event log it is derived from is not: replaying the log rebuilds
// the projection.
package task

import (
	"time"

	"github.com/vigil-sh/vigil/lib/event"
)

// Actor identifies who produced a turn.
type Actor string

const (
	ActorUser  Actor = "user"
	ActorAgent Actor = "agent"
)

// Intent classifies what a turn does to the task lifecycle.
type Intent string

const (
	// IntentCommand is a user turn that opens a task.
	IntentCommand Intent = "command"
	// IntentAnswer is a user turn resolving an agent question.
	IntentAnswer Intent = "answer"
	// IntentQuestion is an agent turn requesting user input.
	IntentQuestion Intent = "question"
	// IntentCompletion is an agent turn resolving the task.
	IntentCompletion Intent = "completion"
	// IntentProgress is any turn that carries content but drives no
	// transition.
	IntentProgress Intent = "progress"
)

// TaskState is a task's lifecycle position.
type TaskState string

const (
	// TaskActive is a task in flight. At most one per session.
	TaskActive TaskState = "active"
	// TaskComplete is a task resolved by a completion turn.
	TaskComplete TaskState = "complete"
	// TaskAbandoned is a task whose session ended before resolution.
	TaskAbandoned TaskState = "abandoned"
)

// Task is one user-command-to-resolution unit of work.
type Task struct {
	ID          string
	SessionID   string
	State       TaskState
	StartedAt   time.Time
	CompletedAt time.Time // zero unless State != TaskActive
}

// Turn is one utterance within a task.
//
// A turn is immutable once both its text and a source-confirmed
// timestamp are set; only Timestamp and TimestampSource are ever
// mutated after creation, by the reconciler.
type Turn struct {
	ID        string
	TaskID    string // empty for turns recorded outside any task
	SessionID string
	Actor     Actor
	Intent    Intent
	Text      string

	// Timestamp is the turn's current best-known time, which
	// determines display order. TimestampSource says whether it is
	// the receiver's clock or the transcript's authoritative value.
	Timestamp       time.Time
	TimestampSource event.TimestampSource

	// Fingerprint is the hex content fingerprint used for
	// cross-source matching.
	Fingerprint string
}
