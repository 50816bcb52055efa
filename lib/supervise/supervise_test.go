// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package supervise_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vigil-sh/vigil/lib/clock"
	"github.com/vigil-sh/vigil/lib/supervise"
)

func TestLoopRestartsAfterError(t *testing.T) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	sup := supervise.New(supervise.Config{Clock: fake})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		sup.Loop(ctx, "poller", func(ctx context.Context) error {
			if runs.Add(1) < 3 {
				return errors.New("transient failure")
			}
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	// Two crashes, two restart delays.
	fake.WaitForTimers(1)
	fake.Advance(time.Second)
	fake.WaitForTimers(1)
	fake.Advance(time.Second)

	cancel()
	<-done

	if got := runs.Load(); got != 3 {
		t.Fatalf("runs: got %d, want 3", got)
	}
	if sup.Degraded() {
		t.Fatal("supervisor degraded after recoverable crashes")
	}
	crash, ok := sup.LastCrash()
	if !ok {
		t.Fatal("expected a recorded crash")
	}
	if crash.Loop != "poller" {
		t.Fatalf("crash loop: got %q", crash.Loop)
	}
}

func TestLoopRecoversPanics(t *testing.T) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	sup := supervise.New(supervise.Config{Clock: fake})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		sup.Loop(ctx, "reconciler", func(ctx context.Context) error {
			if runs.Add(1) == 1 {
				panic("index out of range")
			}
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	fake.WaitForTimers(1)
	fake.Advance(time.Second)
	cancel()
	<-done

	crash, ok := sup.LastCrash()
	if !ok {
		t.Fatal("expected a recorded crash")
	}
	if crash.Reason != "panic: index out of range" {
		t.Fatalf("crash reason: got %q", crash.Reason)
	}
	if crash.Stack == "" {
		t.Fatal("panic crash should carry a stack")
	}
}

func TestBreakerTripsOverBudget(t *testing.T) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	sup := supervise.New(supervise.Config{Clock: fake, Budget: 2})

	done := make(chan struct{})
	go func() {
		defer close(done)
		sup.Loop(context.Background(), "poller", func(context.Context) error {
			return errors.New("boom")
		})
	}()

	// Two crashes stay inside the budget; the third trips the
	// breaker and the loop exits on its own.
	fake.WaitForTimers(1)
	fake.Advance(time.Second)
	fake.WaitForTimers(1)
	fake.Advance(time.Second)
	<-done

	if !sup.Degraded() {
		t.Fatal("breaker should have tripped")
	}
	crash, _ := sup.LastCrash()
	if crash.Restarts != 3 {
		t.Fatalf("restarts at trip: got %d, want 3", crash.Restarts)
	}
}

func TestBreakerWindowExpiry(t *testing.T) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	sup := supervise.New(supervise.Config{Clock: fake, Budget: 1, Window: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		sup.Loop(ctx, "poller", func(ctx context.Context) error {
			if runs.Add(1) < 3 {
				return errors.New("boom")
			}
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	// The second crash lands after the first has aged out of the
	// window, so the budget never overflows.
	fake.WaitForTimers(1)
	fake.Advance(2 * time.Minute)
	fake.WaitForTimers(1)
	fake.Advance(2 * time.Minute)

	cancel()
	<-done

	if sup.Degraded() {
		t.Fatal("spread-out crashes should not trip the breaker")
	}
}

func TestCrashFilePersistence(t *testing.T) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	path := filepath.Join(t.TempDir(), "crash.json")
	sup := supervise.New(supervise.Config{Clock: fake, CrashFile: path})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		sup.Loop(ctx, "hooks", func(ctx context.Context) error {
			if runs.Add(1) == 1 {
				return errors.New("listener died")
			}
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	fake.WaitForTimers(1)
	fake.Advance(time.Second)
	cancel()
	<-done

	crash, err := supervise.ReadCrashFile(path)
	if err != nil {
		t.Fatalf("read crash file: %v", err)
	}
	if crash.Loop != "hooks" || crash.Reason != "listener died" {
		t.Fatalf("persisted crash: %+v", crash)
	}
}

func TestReadCrashFileMissing(t *testing.T) {
	_, err := supervise.ReadCrashFile(filepath.Join(t.TempDir(), "absent.json"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing crash file: got %v, want ErrNotExist", err)
	}
}
