// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package event_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vigil-sh/vigil/lib/event"
)

func validTurnEvent() *event.Event {
	return &event.Event{
		ID:     uuid.NewString(),
		Time:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Kind:   event.KindTurnDetected,
		Source: event.SourceHook,
		TurnDetected: &event.TurnDetected{
			SessionID:       "S1",
			Actor:           event.ActorUser,
			Text:            "run tests",
			Timestamp:       time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
			TimestampSource: event.TimestampReceipt,
			Fingerprint:     "abc123",
		},
	}
}

func TestValidateAcceptsWellFormed(t *testing.T) {
	if err := validTurnEvent().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsMissingID(t *testing.T) {
	e := validTurnEvent()
	e.ID = ""
	if err := e.Validate(); !errors.Is(err, event.ErrMissingID) {
		t.Fatalf("err = %v, want ErrMissingID", err)
	}
}

func TestValidateRejectsBadSource(t *testing.T) {
	e := validTurnEvent()
	e.Source = "carrier-pigeon"
	if err := e.Validate(); !errors.Is(err, event.ErrBadSource) {
		t.Fatalf("err = %v, want ErrBadSource", err)
	}
}

func TestValidateRejectsPayloadKindMismatch(t *testing.T) {
	e := validTurnEvent()
	e.Kind = event.KindSessionEnded
	if err := e.Validate(); !errors.Is(err, event.ErrPayloadMissing) {
		t.Fatalf("err = %v, want ErrPayloadMissing", err)
	}
}

func TestValidateRejectsMultiplePayloads(t *testing.T) {
	e := validTurnEvent()
	e.SessionEnded = &event.SessionEnded{SessionID: "S1", Reason: "hook"}
	if err := e.Validate(); !errors.Is(err, event.ErrPayloadExtra) {
		t.Fatalf("err = %v, want ErrPayloadExtra", err)
	}
}

func TestValidateRejectsUnknownKind(t *testing.T) {
	e := validTurnEvent()
	e.Kind = "telepathy"
	e.TurnDetected = nil
	if err := e.Validate(); !errors.Is(err, event.ErrUnknownKind) {
		t.Fatalf("err = %v, want ErrUnknownKind", err)
	}
}

func TestValidateRejectsBadActor(t *testing.T) {
	e := validTurnEvent()
	e.TurnDetected.Actor = "bystander"
	if err := e.Validate(); err == nil {
		t.Fatal("bad actor accepted")
	}
}

func TestSessionIDAcrossKinds(t *testing.T) {
	e := validTurnEvent()
	if e.SessionID() != "S1" {
		t.Fatalf("SessionID = %q", e.SessionID())
	}

	ended := &event.Event{
		ID:           uuid.NewString(),
		Kind:         event.KindSessionEnded,
		Source:       event.SourcePoll,
		SessionEnded: &event.SessionEnded{SessionID: "S2", Reason: "inactivity"},
	}
	if ended.SessionID() != "S2" {
		t.Fatalf("SessionID = %q", ended.SessionID())
	}

	if (&event.Event{}).SessionID() != "" {
		t.Fatal("payloadless event should have empty session id")
	}
}
