// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vigil-sh/vigil/lib/clock"
	"github.com/vigil-sh/vigil/lib/testutil"
)

// flakyFile fails the first N writes and then delegates to the real
// segment file.
type flakyFile struct {
	logFile
	failures int
	writes   int
}

var errDiskGone = errors.New("disk unavailable")

func (f *flakyFile) Write(p []byte) (int, error) {
	f.writes++
	if f.failures > 0 {
		f.failures--
		return 0, errDiskGone
	}
	return f.logFile.Write(p)
}

func turnEvent(text string) *Event {
	return &Event{
		ID:     uuid.NewString(),
		Kind:   KindTurnDetected,
		Source: SourcePoll,
		TurnDetected: &TurnDetected{
			SessionID:       "sess-1",
			Actor:           ActorUser,
			Text:            text,
			Timestamp:       time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
			TimestampSource: TimestampFromSource,
			Fingerprint:     "aa",
		},
	}
}

func TestAppendRetriesTransientWriteFailure(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	log, err := OpenLog(LogConfig{Dir: t.TempDir(), Clock: fake})
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	defer log.Close()

	flaky := &flakyFile{logFile: log.file, failures: 2}
	log.file = flaky

	done := make(chan error, 1)
	go func() {
		done <- log.Append(turnEvent("fix the tests"))
	}()

	// First retry sleeps the base backoff, the second sleeps double.
	fake.WaitForTimers(1)
	fake.Advance(50 * time.Millisecond)
	fake.WaitForTimers(1)
	fake.Advance(50 * time.Millisecond)
	if n := fake.PendingCount(); n != 1 {
		t.Fatalf("second backoff fired at 50ms; want doubling (pending %d)", n)
	}
	fake.Advance(50 * time.Millisecond)

	if err := testutil.RequireReceive(t, done, 5*time.Second, "append return"); err != nil {
		t.Fatalf("Append after transient failures: %v", err)
	}
	if flaky.writes != 3 {
		t.Errorf("got %d write attempts, want 3", flaky.writes)
	}
	if dropped := log.Dropped(); dropped != 0 {
		t.Errorf("dropped = %d, want 0", dropped)
	}
	if seq := log.NextSeq(); seq != 2 {
		t.Errorf("next sequence = %d, want 2", seq)
	}
}

func TestAppendDropsAfterRetryExhaustion(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	log, err := OpenLog(LogConfig{Dir: t.TempDir(), Clock: fake})
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	defer log.Close()

	flaky := &flakyFile{logFile: log.file, failures: 3}
	log.file = flaky

	done := make(chan error, 1)
	go func() {
		done <- log.Append(turnEvent("fix the tests"))
	}()

	fake.WaitForTimers(1)
	fake.Advance(50 * time.Millisecond)
	fake.WaitForTimers(1)
	fake.Advance(100 * time.Millisecond)

	err = testutil.RequireReceive(t, done, 5*time.Second, "append return")
	if !errors.Is(err, errDiskGone) {
		t.Fatalf("Append error = %v, want wrapped %v", err, errDiskGone)
	}
	if flaky.writes != 3 {
		t.Errorf("got %d write attempts, want 3", flaky.writes)
	}
	if dropped := log.Dropped(); dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
	if seq := log.NextSeq(); seq != 1 {
		t.Errorf("next sequence = %d after a drop, want 1", seq)
	}

	// The log stays usable, and the dropped event's sequence number
	// is reused by the next successful append.
	next := turnEvent("try again")
	if err := log.Append(next); err != nil {
		t.Fatalf("Append after a drop: %v", err)
	}
	if next.Seq != 1 {
		t.Errorf("post-drop append got seq %d, want 1", next.Seq)
	}
}
