// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package hooks

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/vigil-sh/vigil/lib/cadence"
	"github.com/vigil-sh/vigil/lib/deliver"
	"github.com/vigil-sh/vigil/lib/event"
	"github.com/vigil-sh/vigil/lib/session"
)

// Status is the daemon health snapshot served at GET /status.
type Status struct {
	Uptime   string         `json:"uptime"`
	Sessions int            `json:"sessions"`
	States   map[string]int `json:"states,omitempty"`

	// Regime is the poller's current cadence, "reconciliation" or
	// "fallback".
	Regime     string    `json:"regime"`
	LastHook   time.Time `json:"last_hook,omitzero"`
	LastPoll   time.Time `json:"last_poll,omitzero"`
	Rejected   int64     `json:"rejected_transitions"`
	DroppedLog uint64    `json:"dropped_events"`
	Degraded   bool      `json:"degraded"`
}

func (r *Receiver) handleStatus(w http.ResponseWriter, req *http.Request) {
	counts, err := r.store.SessionCounts(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	regime := "reconciliation"
	if r.cadence.Regime() == cadence.Fallback {
		regime = "fallback"
	}

	writeJSON(w, http.StatusOK, Status{
		Uptime:     r.clock.Now().Sub(r.started).Round(time.Second).String(),
		Sessions:   r.registry.Len(),
		States:     counts,
		Regime:     regime,
		LastHook:   r.cadence.LastHook(),
		LastPoll:   r.lastPoll(),
		Rejected:   r.rejected(),
		DroppedLog: r.dropped(),
		Degraded:   r.degraded(),
	})
}

// sessionView is the wire shape of one session in listings.
type sessionView struct {
	ID             string    `json:"id"`
	WorkingDir     string    `json:"working_dir"`
	Project        string    `json:"project"`
	Target         string    `json:"target,omitempty"`
	TranscriptPath string    `json:"transcript_path,omitempty"`
	State          string    `json:"state"`
	RegisteredAt   time.Time `json:"registered_at"`
	LastActivity   time.Time `json:"last_activity"`
}

func viewOf(s session.Session) sessionView {
	return sessionView{
		ID:             s.ID,
		WorkingDir:     s.WorkingDir,
		Project:        s.ProjectKey(),
		Target:         s.Target,
		TranscriptPath: s.TranscriptPath,
		State:          string(s.State),
		RegisteredAt:   s.RegisteredAt,
		LastActivity:   s.LastActivity,
	}
}

func (r *Receiver) handleListSessions(w http.ResponseWriter, req *http.Request) {
	sessions := r.registry.List()
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, viewOf(s))
	}
	writeJSON(w, http.StatusOK, views)
}

// registerRequest is the POST /sessions body.
type registerRequest struct {
	SessionID      string `json:"session_id"`
	WorkingDir     string `json:"working_dir"`
	Target         string `json:"target"`
	TranscriptPath string `json:"transcript_path"`
}

func (r *Receiver) handleRegister(w http.ResponseWriter, req *http.Request) {
	var body registerRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed payload: %v", err))
		return
	}
	if body.WorkingDir == "" {
		writeError(w, http.StatusBadRequest, "working_dir is required")
		return
	}

	sess, err := r.registry.Register(body.SessionID, body.WorkingDir, body.Target)
	if err != nil {
		if errors.Is(err, session.ErrAlreadyRegistered) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if body.TranscriptPath != "" {
		r.registry.SetTranscriptPath(sess.ID, body.TranscriptPath)
		sess.TranscriptPath = body.TranscriptPath
	}

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
	writeJSON(w, http.StatusCreated, viewOf(sess))
}

func (r *Receiver) handleUnregister(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if _, found := r.registry.Get(id); !found {
		writeError(w, http.StatusNotFound, "session not registered")
		return
	}

	ev := &event.Event{
		ID:             uuid.NewString(),
		Kind:           event.KindSessionEnded,
		Source:         event.SourceHook,
		HighConfidence: true,
		SessionEnded: &event.SessionEnded{
			SessionID: id,
			Reason:    "unregistered",
		},
	}
	if err := r.append(req, ev); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (r *Receiver) handleSessionTurns(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if _, found := r.registry.Get(id); !found {
		writeError(w, http.StatusNotFound, "session not registered")
		return
	}

	limit := 50
	if raw := req.URL.Query().Get("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
	}

	turns, err := r.store.TurnsForDisplay(req.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]turnView, 0, len(turns))
	for _, turn := range turns {
		views = append(views, turnView{
			ID:              turn.ID,
			TaskID:          turn.TaskID,
			Actor:           string(turn.Actor),
			Intent:          string(turn.Intent),
			Text:            turn.Text,
			Timestamp:       turn.Timestamp,
			TimestampSource: string(turn.TimestampSource),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// turnView is the wire shape of one turn in listings, oldest first.
type turnView struct {
	ID              string    `json:"id"`
	TaskID          string    `json:"task_id,omitempty"`
	Actor           string    `json:"actor"`
	Intent          string    `json:"intent"`
	Text            string    `json:"text"`
	Timestamp       time.Time `json:"timestamp"`
	TimestampSource string    `json:"timestamp_source"`
}

// sendRequest is the POST /send body. Exactly one of Text or Key is
// set; Target may be omitted when SessionID identifies a session with
// a configured target.
type sendRequest struct {
	SessionID string `json:"session_id"`
	Target    string `json:"target"`
	Text      string `json:"text"`
	Key       string `json:"key"`
}

func (r *Receiver) handleSend(w http.ResponseWriter, req *http.Request) {
	if r.bridge == nil {
		writeDeliveryError(w, &deliver.Error{
			Type:    deliver.ErrNoTarget,
			Message: "delivery bridge is not configured",
		})
		return
	}

	var body sendRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed payload: %v", err))
		return
	}
	if body.Text == "" && body.Key == "" {
		writeError(w, http.StatusBadRequest, "text or key is required")
		return
	}
	if body.Text != "" && body.Key != "" {
		writeError(w, http.StatusBadRequest, "text and key are mutually exclusive")
		return
	}

	target := body.Target
	if target == "" && body.SessionID != "" {
		if sess, found := r.registry.Get(body.SessionID); found {
			target = sess.Target
		}
	}

	var (
		result deliver.Result
		err    error
	)
	if body.Text != "" {
		result, err = r.bridge.Send(req.Context(), target, body.Text)
	} else {
		result, err = r.bridge.SendKey(req.Context(), target, deliver.Key(body.Key))
	}
	if err != nil {
		var delivErr *deliver.Error
		if errors.As(err, &delivErr) {
			writeDeliveryError(w, delivErr)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	r.logger.Info("delivered",
		"target", result.Target,
		"latency_ms", result.LatencyMS)
	writeJSON(w, http.StatusOK, result)
}

// writeDeliveryError maps the delivery error taxonomy onto HTTP
// statuses while preserving the typed code for programmatic callers.
func writeDeliveryError(w http.ResponseWriter, err *deliver.Error) {
	status := http.StatusBadGateway
	switch err.Type {
	case deliver.ErrTargetNotFound:
		status = http.StatusNotFound
	case deliver.ErrNoTarget:
		status = http.StatusUnprocessableEntity
	case deliver.ErrNotInstalled:
		status = http.StatusNotImplemented
	case deliver.ErrTimeout:
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{
		"error": err.Message,
		"code":  string(err.Type),
	})
}

// handleEvents streams broadcast deltas as server-sent events. Each
// delta is one JSON-encoded "data:" line; the stream runs until the
// client disconnects.
func (r *Receiver) handleEvents(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	deltas, cancel := r.bus.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-req.Context().Done():
			return
		case delta, open := <-deltas:
			if !open {
				return
			}
			encoded, err := json.Marshal(delta)
			if err != nil {
				r.logger.Error("delta encode failed", "error", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", encoded)
			flusher.Flush()
		}
	}
}
