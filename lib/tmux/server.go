// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package tmux provides a typed interface to a tmux server for pane
// addressing, keystroke injection, and pane capture.
//
// Unlike a dedicated-server design, vigil talks to the operator's own
// tmux: the monitored agent sessions live in the user's panes, and the
// delivery bridge injects keystrokes into them. An empty socket path
// targets the default server; a non-empty one pins every command to
// that socket with -S, which is how tests isolate themselves from the
// operator's real server.
//
// All operations address panes by their unique pane id (e.g. "%5"),
// never by session:window.pane coordinates, which are unstable under
// pane reordering.
package tmux

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Server represents one tmux server. The zero socket path means the
// default server for the current user.
type Server struct {
	socketPath string

	// configFile, when non-empty, is passed as -f so an isolated
	// server does not read the user's ~/.tmux.conf. Tests set this to
	// /dev/null; production uses the default config resolution.
	configFile string
}

// NewServer returns a Server for the given socket path. Empty targets
// the default server.
func NewServer(socketPath string) *Server {
	return &Server{socketPath: socketPath}
}

// SocketPath returns the socket path, empty for the default server.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Installed reports whether a tmux binary is on PATH at all. The
// delivery bridge checks this before blaming a missing pane.
func Installed() bool {
	_, err := exec.LookPath("tmux")
	return err == nil
}

// args prepends the socket and config flags when configured.
func (s *Server) args(rest ...string) []string {
	var global []string
	if s.socketPath != "" {
		global = append(global, "-S", s.socketPath)
	}
	if s.configFile != "" {
		global = append(global, "-f", s.configFile)
	}
	return append(global, rest...)
}

// Run executes a tmux subcommand and returns its combined output.
// Cancellation of ctx kills the tmux process; the delivery bridge uses
// this for its subprocess timeout.
func (s *Server) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "tmux", s.args(args...)...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %w (%s)",
			strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// CommandContext returns an unstarted *exec.Cmd for a tmux subcommand,
// for callers that need to control the process directly. The socket
// flag is prepended as with Run.
func (s *Server) CommandContext(ctx context.Context, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, "tmux", s.args(args...)...)
}

// NewSession creates a detached session running the given command and
// returns the id of its single pane. The server is started implicitly
// when no server is listening on the socket yet.
func (s *Server) NewSession(ctx context.Context, name string, command ...string) (string, error) {
	args := append([]string{"new-session", "-d", "-P", "-F", "#{pane_id}", "-s", name}, command...)
	output, err := s.Run(ctx, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

// KillServer terminates the tmux server and every session on it. Only
// meaningful for socket-pinned servers; callers must never point this
// at the operator's default server.
func (s *Server) KillServer(ctx context.Context) error {
	_, err := s.Run(ctx, "kill-server")
	return err
}

// HasPane reports whether the pane with the given id exists. False
// when the server is not running at all.
func (s *Server) HasPane(ctx context.Context, paneID string) bool {
	cmd := exec.CommandContext(ctx, "tmux",
		s.args("display-message", "-t", paneID, "-p", "#{pane_id}")...)
	output, err := cmd.Output()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(output)) == paneID
}

// SendLiteral injects text into the pane as literal keystrokes:
// send-keys -l disables key name lookup, and the "--" guard keeps text
// starting with "-" from being read as flags. The text arrives exactly
// as given, control sequences uninterpreted.
func (s *Server) SendLiteral(ctx context.Context, paneID, text string) error {
	_, err := s.Run(ctx, "send-keys", "-t", paneID, "-l", "--", text)
	return err
}

// SendKey injects one named key (e.g. "Enter", "Escape", "C-c") into
// the pane.
func (s *Server) SendKey(ctx context.Context, paneID, key string) error {
	_, err := s.Run(ctx, "send-keys", "-t", paneID, key)
	return err
}

// CapturePane returns the pane's content including scrollback,
// limited to the last maxLines lines when maxLines is positive.
func (s *Server) CapturePane(ctx context.Context, paneID string, maxLines int) (string, error) {
	output, err := s.Run(ctx, "capture-pane", "-t", paneID, "-p", "-S", "-", "-E", "-")
	if err != nil {
		return "", err
	}
	if maxLines <= 0 {
		return output, nil
	}
	return tailString(output, maxLines), nil
}

// PaneCurrentCommand returns the name of the process currently in the
// foreground of the pane ("claude", "zsh", ...).
func (s *Server) PaneCurrentCommand(ctx context.Context, paneID string) (string, error) {
	output, err := s.Run(ctx, "display-message", "-t", paneID, "-p", "#{pane_current_command}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

// Pane describes one pane for listings.
type Pane struct {
	ID             string
	CurrentCommand string
	CurrentPath    string
}

// ListPanes enumerates every pane on the server across all sessions.
// Returns an empty slice when the server is not running.
func (s *Server) ListPanes(ctx context.Context) ([]Pane, error) {
	output, err := s.Run(ctx, "list-panes", "-a", "-F",
		"#{pane_id}\t#{pane_current_command}\t#{pane_current_path}")
	if err != nil {
		if strings.Contains(err.Error(), "no server running") {
			return nil, nil
		}
		return nil, err
	}

	var panes []Pane
	for line := range strings.Lines(output) {
		fields := strings.SplitN(strings.TrimRight(line, "\n"), "\t", 3)
		if len(fields) != 3 || fields[0] == "" {
			continue
		}
		panes = append(panes, Pane{
			ID:             fields[0],
			CurrentCommand: fields[1],
			CurrentPath:    fields[2],
		})
	}
	return panes, nil
}

// SignalPane sends a signal to the pane's foreground process,
// discovered via #{pane_pid}.
func (s *Server) SignalPane(ctx context.Context, paneID string, signal unix.Signal) error {
	output, err := s.Run(ctx, "display-message", "-t", paneID, "-p", "#{pane_pid}")
	if err != nil {
		return fmt.Errorf("getting pane PID: %w", err)
	}

	pid, parseErr := strconv.Atoi(strings.TrimSpace(output))
	if parseErr != nil {
		return fmt.Errorf("parsing pane PID %q: %w", strings.TrimSpace(output), parseErr)
	}

	if err := unix.Kill(pid, signal); err != nil {
		return fmt.Errorf("signaling PID %d with %v: %w", pid, signal, err)
	}
	return nil
}

// tailString returns the last n lines of s, matching tail -n semantics:
// a trailing newline terminates the last line (does not start a new one).
// If s has n or fewer lines, it is returned unchanged.
func tailString(s string, n int) string {
	if len(s) == 0 {
		return s
	}

	// A trailing newline terminates the last line; search from before
	// it so it doesn't count as an extra line separator.
	searchFrom := len(s) - 1
	if s[searchFrom] == '\n' {
		searchFrom--
	}

	count := 0
	for i := searchFrom; i >= 0; i-- {
		if s[i] == '\n' {
			count++
			if count == n {
				return s[i+1:]
			}
		}
	}
	return s
}
