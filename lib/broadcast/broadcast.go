// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package broadcast fans out typed state deltas to subscribers.
//
// For every accepted state transition and every reconciliation
// correction, the core emits one delta identifying the affected
// turn/task/session by stable id, enough for a consumer to patch its
// own projection in place without re-fetching everything. The turn's
// own identifier, never insertion order or the corrected timestamp, is
// the key consumers use to locate a record.
//
// Delivery is best-effort per subscriber: a subscriber that stops
// draining loses the oldest queued deltas rather than blocking the
// producers. Consumers that fall behind re-sync from the query API.
package broadcast

import (
	"log/slog"
	"sync"
	"time"
)

// DeltaKind discriminates the delta union.
type DeltaKind string

const (
	// DeltaStateTransition announces a session/task state change.
	DeltaStateTransition DeltaKind = "state-transition"
	// DeltaTurnCreated announces a newly recorded turn.
	DeltaTurnCreated DeltaKind = "turn-created"
	// DeltaTurnCorrected announces a timestamp upgrade on an existing
	// turn. Consumers patch the identified record in place.
	DeltaTurnCorrected DeltaKind = "turn-corrected"
	// DeltaSessionRemoved announces a session leaving the registry.
	DeltaSessionRemoved DeltaKind = "session-removed"
)

// Delta is one broadcast record.
type Delta struct {
	Kind      DeltaKind `json:"kind"`
	SessionID string    `json:"session_id"`
	TaskID    string    `json:"task_id,omitempty"`
	TurnID    string    `json:"turn_id,omitempty"`

	// From and To carry session states for state-transition deltas.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// Actor, Intent, and Text describe a created turn.
	Actor  string `json:"actor,omitempty"`
	Intent string `json:"intent,omitempty"`
	Text   string `json:"text,omitempty"`

	// Timestamp is the turn's current timestamp; for corrections,
	// PreviousTimestamp carries the value it replaced.
	Timestamp         time.Time `json:"timestamp,omitzero"`
	PreviousTimestamp time.Time `json:"previous_timestamp,omitzero"`
}

// subscriberBuffer is each subscriber's queue depth. Oldest deltas are
// dropped on overflow.
const subscriberBuffer = 256

// Broadcaster is the fan-out point. Safe for concurrent use.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan Delta
	nextID int
	logger *slog.Logger

	dropped uint64
}

// New returns a Broadcaster. logger may be nil.
func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Broadcaster{
		subs:   make(map[int]chan Delta),
		logger: logger,
	}
}

// Subscribe registers a new subscriber and returns its channel plus a
// cancel function. The channel is closed by cancel.
func (b *Broadcaster) Subscribe() (<-chan Delta, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Delta, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers d to every subscriber. When a subscriber's buffer
// is full, its oldest queued delta is dropped to make room: producers
// never block on consumers.
func (b *Broadcaster) Publish(d Delta) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- d:
			continue
		default:
		}
		// Full: drop the oldest, then retry once. The second send
		// only fails if the subscriber drained concurrently, in which
		// case there is room anyway.
		select {
		case <-ch:
			b.dropped++
			b.logger.Warn("slow broadcast subscriber dropped a delta", "subscriber", id)
		default:
		}
		select {
		case ch <- d:
		default:
		}
	}
}

// Dropped returns the number of deltas discarded for slow subscribers.
func (b *Broadcaster) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
