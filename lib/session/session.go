// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package session owns the registry of monitored agent sessions.
//
// A session exists only by explicit registration: filesystem discovery
// of a transcript is never enough to create one, and events for
// unregistered sessions are silently dropped by both sources. That is
// a deliberate filter: unregistered terminal activity is outside
// monitoring scope.
//
// The Registry is the single owner of session state. Every other
// component references sessions by identifier and goes through the
// registry's API; none holds a raw pointer into the table.
package session

import (
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a session's current derived lifecycle state. It mirrors the
// task state machine's view and is mutated only through
// Registry.SetState by the state machine.
type State string

const (
	// Idle means no task is active.
	Idle State = "idle"
	// Commanded means a user command has arrived and a task was just
	// created. Sessions pass through this state instantaneously on
	// the way to Processing; it exists so the transition is recorded.
	Commanded State = "commanded"
	// Processing means the agent is working on the active task.
	Processing State = "processing"
	// AwaitingInput means the agent asked the user a question.
	AwaitingInput State = "awaiting_input"
	// Complete means the active task just finished. Like Commanded
	// it is traversed, not dwelt in; the session settles back to Idle.
	Complete State = "complete"
	// Ended means the session terminated.
	Ended State = "ended"
)

// Valid reports whether s is one of the defined states.
func (s State) Valid() bool {
	switch s {
	case Idle, Commanded, Processing, AwaitingInput, Complete, Ended:
		return true
	}
	return false
}

// Session is one registered terminal coding-agent session.
type Session struct {
	// ID is the stable identifier supplied at registration (or
	// generated when the registrar omitted one).
	ID string

	// WorkingDir is the session's working directory, cleaned at
	// registration. It is the correlator for hook events that carry
	// no session ID.
	WorkingDir string

	// Target is the terminal-multiplexer pane the delivery bridge
	// sends keystrokes to (e.g. "%5"). May be empty for
	// observe-only sessions.
	Target string

	// TranscriptPath is the session's append-only transcript file,
	// set when the first hook or registration supplies it.
	TranscriptPath string

	RegisteredAt time.Time
	LastActivity time.Time
	State        State
}

// ProjectKey is the working-directory-derived grouping key shown on
// the dashboard.
func (s Session) ProjectKey() string {
	return filepath.Base(s.WorkingDir)
}

// Registry errors.
var (
	ErrAlreadyRegistered = errors.New("session already registered")
	ErrNotRegistered     = errors.New("session not registered")
)

// Registry is the thread-safe session table. A single mutex guards the
// map: reads and writes are both cheap and frequent, so finer-grained
// locking buys nothing.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	// order tracks registration sequence for last-registered-wins
	// working directory resolution.
	order []string

	now func() time.Time
}

// NewRegistry returns an empty registry. now supplies timestamps for
// registration and activity; pass nil for time.Now.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		sessions: make(map[string]*Session),
		now:      now,
	}
}

// Register adds a session. An empty id gets a generated UUID; the
// returned session snapshot carries the effective ID. Registering an
// existing id returns ErrAlreadyRegistered.
func (r *Registry) Register(id, workingDir, target string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := r.sessions[id]; exists {
		return Session{}, ErrAlreadyRegistered
	}

	now := r.now()
	s := &Session{
		ID:           id,
		WorkingDir:   filepath.Clean(workingDir),
		Target:       target,
		RegisteredAt: now,
		LastActivity: now,
		State:        Idle,
	}
	r.sessions[id] = s
	r.order = append(r.order, id)
	return *s, nil
}

// Unregister removes a session. Returns ErrNotRegistered for unknown
// ids.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; !exists {
		return ErrNotRegistered
	}
	delete(r.sessions, id)
	for i, orderedID := range r.order {
		if orderedID == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Touch updates a session's last-activity time. Unknown ids are
// ignored: activity for unregistered sessions is out of scope, not an
// error.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, exists := r.sessions[id]; exists {
		s.LastActivity = r.now()
	}
}

// SetState records a session's derived state. Unknown ids are ignored.
func (r *Registry) SetState(id string, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, exists := r.sessions[id]; exists {
		s.State = state
	}
}

// SetTranscriptPath records where a session's transcript lives.
// Unknown ids are ignored.
func (r *Registry) SetTranscriptPath(id, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, exists := r.sessions[id]; exists {
		s.TranscriptPath = path
	}
}

// IsRegistered reports whether id is in the registry.
func (r *Registry) IsRegistered(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.sessions[id]
	return exists
}

// Get returns a copy of the session, if registered.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.sessions[id]
	if !exists {
		return Session{}, false
	}
	return *s, true
}

// List returns copies of all sessions, ordered by registration time.
func (r *Registry) List() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Session, 0, len(r.sessions))
	for _, id := range r.order {
		out = append(out, *r.sessions[id])
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ResolveWorkingDir finds the session for a working directory. When
// several registered sessions share a directory, the most recently
// registered wins, matching the hook senders, which also report by
// directory and cannot disambiguate further.
func (r *Registry) ResolveWorkingDir(dir string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cleaned := filepath.Clean(dir)
	for i := len(r.order) - 1; i >= 0; i-- {
		s := r.sessions[r.order[i]]
		if s.WorkingDir == cleaned {
			return *s, true
		}
	}
	return Session{}, false
}

// IdleSince returns sessions whose last activity is at or before
// cutoff, oldest first. The poller uses this to detect inactivity and
// emit session-ended.
func (r *Registry) IdleSince(cutoff time.Time) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Session
	for _, s := range r.sessions {
		if !s.LastActivity.After(cutoff) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.Before(out[j].LastActivity)
	})
	return out
}
