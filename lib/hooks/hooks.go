// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package hooks is the lifecycle hook receiver: the HTTP surface the
// monitored agent's hook scripts post into, plus the registration,
// status, and delivery endpoints consumed by launcher and respond-UI
// collaborators.
//
// Hook delivery is untrusted and best-effort: payloads are
// schema-validated and malformed ones rejected with a 400 before any
// side effect. Hooks for sessions vigil does not know are acknowledged
// and dropped; unregistered terminal activity is out of monitoring
// scope by design, not an error. The receiver itself stays fast by
// doing only validation, correlation, and an event append plus state
// machine apply per request.
package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/vigil-sh/vigil/lib/broadcast"
	"github.com/vigil-sh/vigil/lib/cadence"
	"github.com/vigil-sh/vigil/lib/clock"
	"github.com/vigil-sh/vigil/lib/deliver"
	"github.com/vigil-sh/vigil/lib/event"
	"github.com/vigil-sh/vigil/lib/fingerprint"
	"github.com/vigil-sh/vigil/lib/session"
	"github.com/vigil-sh/vigil/lib/task"
	"github.com/vigil-sh/vigil/lib/transcript"
)

// maxBodyBytes bounds hook payloads. Turn text is capped well below
// this by the agent; anything bigger is garbage.
const maxBodyBytes = 1 << 20

// Applier is the state machine's consuming side.
type Applier = transcript.Applier

// Deliverer is the delivery bridge surface the /send endpoint uses.
type Deliverer interface {
	Send(ctx context.Context, target, text string) (deliver.Result, error)
	SendKey(ctx context.Context, target string, key deliver.Key) (deliver.Result, error)
	CheckHealth(ctx context.Context, target string) (deliver.Health, error)
}

// Config holds the receiver's collaborators. Registry, Log, Machine,
// Cadence, and Store are required; Bridge may be nil for an
// observe-only deployment, in which case /send returns
// no-target-configured style errors.
type Config struct {
	Registry  *session.Registry
	Log       task.Appender
	Machine   Applier
	Cadence   *cadence.Controller
	Store     *task.Store
	Bridge    Deliverer
	Broadcast *broadcast.Broadcaster

	// LastPoll reports the poller's last sweep time for /status. Nil
	// reports a zero time.
	LastPoll func() time.Time

	// Rejected reports the state machine's rejected-transition count
	// for /status. Nil reports zero.
	Rejected func() int64

	// Dropped reports the event log's dropped-event count for /status.
	// Nil reports zero.
	Dropped func() uint64

	// Degraded reports whether a supervised loop has tripped its
	// restart breaker. Nil reports false.
	Degraded func() bool

	// Clock supplies receipt timestamps. Nil defaults to the real
	// clock.
	Clock clock.Clock

	// Logger receives request traces. Nil means discard.
	Logger *slog.Logger
}

// Receiver is the hook HTTP API.
type Receiver struct {
	registry *session.Registry
	log      task.Appender
	machine  Applier
	cadence  *cadence.Controller
	store    *task.Store
	bridge   Deliverer
	bus      *broadcast.Broadcaster
	lastPoll func() time.Time
	rejected func() int64
	dropped  func() uint64
	degraded func() bool
	clock    clock.Clock
	logger   *slog.Logger
	started  time.Time
}

// NewReceiver validates the config and returns a receiver. Panics on a
// missing required collaborator: that is wiring, not runtime input.
func NewReceiver(cfg Config) *Receiver {
	if cfg.Registry == nil || cfg.Log == nil || cfg.Machine == nil ||
		cfg.Cadence == nil || cfg.Store == nil {
		panic("hooks: Config requires Registry, Log, Machine, Cadence, and Store")
	}
	r := &Receiver{
		registry: cfg.Registry,
		log:      cfg.Log,
		machine:  cfg.Machine,
		cadence:  cfg.Cadence,
		store:    cfg.Store,
		bridge:   cfg.Bridge,
		bus:      cfg.Broadcast,
		lastPoll: cfg.LastPoll,
		rejected: cfg.Rejected,
		dropped:  cfg.Dropped,
		degraded: cfg.Degraded,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
	if r.clock == nil {
		r.clock = clock.Real()
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	if r.lastPoll == nil {
		r.lastPoll = func() time.Time { return time.Time{} }
	}
	if r.rejected == nil {
		r.rejected = func() int64 { return 0 }
	}
	if r.dropped == nil {
		r.dropped = func() uint64 { return 0 }
	}
	if r.degraded == nil {
		r.degraded = func() bool { return false }
	}
	r.started = r.clock.Now()
	return r
}

// Handler returns the routed HTTP handler.
func (r *Receiver) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /hooks/session-start", r.handleSessionStart)
	mux.HandleFunc("POST /hooks/session-end", r.handleSessionEnd)
	mux.HandleFunc("POST /hooks/user-submitted", r.handleUserSubmitted)
	mux.HandleFunc("POST /hooks/turn-stopped", r.handleTurnStopped)
	mux.HandleFunc("POST /hooks/notification", r.handleNotification)
	mux.HandleFunc("GET /status", r.handleStatus)
	mux.HandleFunc("POST /send", r.handleSend)
	mux.HandleFunc("GET /sessions", r.handleListSessions)
	mux.HandleFunc("POST /sessions", r.handleRegister)
	mux.HandleFunc("DELETE /sessions/{id}", r.handleUnregister)
	mux.HandleFunc("GET /sessions/{id}/turns", r.handleSessionTurns)
	if r.bus != nil {
		mux.HandleFunc("GET /events", r.handleEvents)
	}
	return mux
}

// hookPayload is the common hook body. SessionID and WorkingDir are
// alternative correlators; at least one must be present.
type hookPayload struct {
	SessionID      string `json:"session_id"`
	WorkingDir     string `json:"working_dir"`
	TranscriptPath string `json:"transcript_path"`
	Target         string `json:"target"`
	Text           string `json:"text"`
	Message        string `json:"message"`
}

func (p *hookPayload) validate() error {
	if p.SessionID == "" && p.WorkingDir == "" {
		return errors.New("session_id or working_dir is required")
	}
	return nil
}

func (r *Receiver) decode(w http.ResponseWriter, req *http.Request) (*hookPayload, bool) {
	var payload hookPayload
	decoder := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	if err := decoder.Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed payload: %v", err))
		return nil, false
	}
	if err := payload.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return &payload, true
}

// resolve correlates a payload to a registered session: explicit id
// first, then working directory with last-registered-wins.
func (r *Receiver) resolve(payload *hookPayload) (session.Session, bool) {
	if payload.SessionID != "" {
		return r.registry.Get(payload.SessionID)
	}
	return r.registry.ResolveWorkingDir(payload.WorkingDir)
}

// audit appends the raw hook arrival to the event log. Audit append
// failures are logged, never surfaced: the derived event is what
// matters downstream.
func (r *Receiver) audit(hookType string, payload *hookPayload) {
	ev := &event.Event{
		ID:             uuid.NewString(),
		Kind:           event.KindHookReceived,
		Source:         event.SourceHook,
		HighConfidence: true,
		HookReceived: &event.HookReceived{
			HookType:   hookType,
			SessionID:  payload.SessionID,
			WorkingDir: payload.WorkingDir,
		},
	}
	if err := r.log.Append(ev); err != nil {
		r.logger.Error("hook audit append failed", "hook_type", hookType, "error", err)
	}
}

func (r *Receiver) handleSessionStart(w http.ResponseWriter, req *http.Request) {
	payload, ok := r.decode(w, req)
	if !ok {
		return
	}
	r.cadence.NoteHook()
	r.audit("session-start", payload)

	sess, found := r.resolve(payload)
	if !found {
		if payload.WorkingDir == "" {
			writeError(w, http.StatusBadRequest, "session-start requires working_dir for new sessions")
			return
		}
		registered, err := r.registry.Register(payload.SessionID, payload.WorkingDir, payload.Target)
		if err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		sess = registered
	}
	if payload.TranscriptPath != "" {
		r.registry.SetTranscriptPath(sess.ID, payload.TranscriptPath)
	}
	r.registry.Touch(sess.ID)

	ev := &event.Event{
		ID:             uuid.NewString(),
		Kind:           event.KindSessionRegistered,
		Source:         event.SourceHook,
		HighConfidence: true,
		SessionRegistered: &event.SessionRegistered{
			SessionID:  sess.ID,
			WorkingDir: sess.WorkingDir,
			Target:     sess.Target,
		},
	}
	if err := r.append(req, ev); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": sess.ID})
}

func (r *Receiver) handleSessionEnd(w http.ResponseWriter, req *http.Request) {
	payload, ok := r.decode(w, req)
	if !ok {
		return
	}
	r.cadence.NoteHook()
	r.audit("session-end", payload)

	sess, found := r.resolve(payload)
	if !found {
		// Unknown session: acknowledged, dropped.
		writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
		return
	}

	ev := &event.Event{
		ID:             uuid.NewString(),
		Kind:           event.KindSessionEnded,
		Source:         event.SourceHook,
		HighConfidence: true,
		SessionEnded: &event.SessionEnded{
			SessionID: sess.ID,
			Reason:    "hook",
		},
	}
	if err := r.append(req, ev); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

func (r *Receiver) handleUserSubmitted(w http.ResponseWriter, req *http.Request) {
	r.handleTurnHook(w, req, "user-submitted", event.ActorUser)
}

func (r *Receiver) handleTurnStopped(w http.ResponseWriter, req *http.Request) {
	r.handleTurnHook(w, req, "stop", event.ActorAgent)
}

func (r *Receiver) handleNotification(w http.ResponseWriter, req *http.Request) {
	r.handleTurnHook(w, req, "notification", event.ActorAgent)
}

func (r *Receiver) handleTurnHook(w http.ResponseWriter, req *http.Request, hint, actor string) {
	payload, ok := r.decode(w, req)
	if !ok {
		return
	}
	r.cadence.NoteHook()
	r.audit(hint, payload)

	sess, found := r.resolve(payload)
	if !found {
		writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
		return
	}
	if payload.TranscriptPath != "" {
		r.registry.SetTranscriptPath(sess.ID, payload.TranscriptPath)
	}

	text := payload.Text
	if text == "" {
		text = payload.Message
	}

	ev := &event.Event{
		ID:             uuid.NewString(),
		Kind:           event.KindTurnDetected,
		Source:         event.SourceHook,
		HighConfidence: true,
		TurnDetected: &event.TurnDetected{
			SessionID:       sess.ID,
			Actor:           actor,
			Text:            text,
			Timestamp:       r.clock.Now(),
			TimestampSource: event.TimestampReceipt,
			Fingerprint:     fingerprint.Turn(actor, text).String(),
			Hint:            hint,
		},
	}
	if err := r.append(req, ev); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

// append writes the derived event and feeds it to the state machine.
func (r *Receiver) append(req *http.Request, ev *event.Event) error {
	if err := r.log.Append(ev); err != nil {
		return fmt.Errorf("event append: %w", err)
	}
	if err := r.machine.Apply(req.Context(), ev); err != nil {
		return fmt.Errorf("state machine: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
