// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package daemonclient is the HTTP client for the vigild API, shared
// by the vigil CLI and the vigil-top dashboard.
package daemonclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vigil-sh/vigil/lib/broadcast"
)

// DefaultAddr is where vigild listens unless configured otherwise.
const DefaultAddr = "http://127.0.0.1:4483"

// Client talks to one vigild instance.
type Client struct {
	base string
	http *http.Client
}

// New returns a client for the daemon at base (e.g.
// "http://127.0.0.1:4483").
func New(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// APIError is a non-2xx daemon response.
type APIError struct {
	Status int
	// Code is the typed error code for delivery failures, empty
	// otherwise.
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	return e.Message
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("vigild unreachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var failure struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(payload, &failure) == nil && failure.Error != "" {
			return &APIError{Status: resp.StatusCode, Code: failure.Code, Message: failure.Error}
		}
		return &APIError{Status: resp.StatusCode, Message: resp.Status}
	}

	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// Session is one monitored session as listed by the daemon.
type Session struct {
	ID           string    `json:"id"`
	WorkingDir   string    `json:"working_dir"`
	Project      string    `json:"project"`
	Target       string    `json:"target"`
	State        string    `json:"state"`
	RegisteredAt time.Time `json:"registered_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Sessions lists all monitored sessions.
func (c *Client) Sessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	if err := c.do(ctx, http.MethodGet, "/sessions", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// RegisterRequest describes a session to register.
type RegisterRequest struct {
	SessionID      string `json:"session_id"`
	WorkingDir     string `json:"working_dir"`
	Target         string `json:"target"`
	TranscriptPath string `json:"transcript_path"`
}

// Register adds a session to monitoring scope.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (Session, error) {
	var session Session
	err := c.do(ctx, http.MethodPost, "/sessions", req, &session)
	return session, err
}

// Unregister removes a session from monitoring scope.
func (c *Client) Unregister(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(id), nil, nil)
}

// Status is the daemon health snapshot.
type Status struct {
	Uptime     string         `json:"uptime"`
	Sessions   int            `json:"sessions"`
	States     map[string]int `json:"states"`
	Regime     string         `json:"regime"`
	LastHook   time.Time      `json:"last_hook"`
	LastPoll   time.Time      `json:"last_poll"`
	Rejected   int64          `json:"rejected_transitions"`
	DroppedLog uint64         `json:"dropped_events"`
	Degraded   bool           `json:"degraded"`
}

// Status fetches the daemon health snapshot.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var status Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &status)
	return status, err
}

// SendResult reports a successful delivery.
type SendResult struct {
	Target    string `json:"target"`
	LatencyMS int64  `json:"latency_ms"`
}

// Send delivers text or a named control key to a session's pane.
// Exactly one of text or key must be set; target overrides the
// session's configured pane when non-empty.
func (c *Client) Send(ctx context.Context, sessionID, target, text, key string) (SendResult, error) {
	var result SendResult
	err := c.do(ctx, http.MethodPost, "/send", map[string]string{
		"session_id": sessionID,
		"target":     target,
		"text":       text,
		"key":        key,
	}, &result)
	return result, err
}

// Turn is one utterance in a session's task history.
type Turn struct {
	ID              string    `json:"id"`
	TaskID          string    `json:"task_id"`
	Actor           string    `json:"actor"`
	Intent          string    `json:"intent"`
	Text            string    `json:"text"`
	Timestamp       time.Time `json:"timestamp"`
	TimestampSource string    `json:"timestamp_source"`
}

// Turns fetches a session's most recent turns, oldest first.
func (c *Client) Turns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	var turns []Turn
	path := fmt.Sprintf("/sessions/%s/turns?limit=%d", url.PathEscape(sessionID), limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &turns); err != nil {
		return nil, err
	}
	return turns, nil
}

// StreamEvents subscribes to the daemon's delta stream and calls fn
// for each delta until ctx is cancelled or the connection drops.
// The error is nil on context cancellation.
func (c *Client) StreamEvents(ctx context.Context, fn func(broadcast.Delta)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The delta stream is long-lived; the default client timeout
	// would sever it.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("vigild unreachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream: %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var delta broadcast.Delta
		if err := json.Unmarshal([]byte(data), &delta); err != nil {
			continue
		}
		fn(delta)
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}
