// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package tmux

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/vigil-sh/vigil/lib/testutil"
)

// NewTestServer starts an isolated tmux server for tests. The server:
//   - Uses a short /tmp socket path to stay within the 108-byte Unix
//     socket limit
//   - Is configured with -f /dev/null so the user's ~/.tmux.conf is
//     never loaded
//   - Holds a guard session running "sleep infinity" to keep the
//     server alive (tmux exits when its last session ends)
//   - Is killed via t.Cleanup when the test completes
//
// All test tmux commands MUST go through the returned Server. A bare
// "tmux" command without -S targets the default server, which may be
// the very session the test runner lives in.
func NewTestServer(t *testing.T) *Server {
	t.Helper()
	if !Installed() {
		t.Skip("tmux not found on PATH")
	}

	server := &Server{
		socketPath: filepath.Join(testutil.SocketDir(t), "tmux.sock"),
		configFile: "/dev/null",
	}

	// The server starts when the first session is created; the guard
	// session never exits, so the server survives until cleanup.
	if _, err := server.NewSession(context.Background(), "_guard", "sleep", "infinity"); err != nil {
		t.Fatalf("starting tmux test server: %v", err)
	}

	t.Cleanup(func() {
		_ = server.KillServer(context.Background())
	})

	return server
}

// NewTestPane creates a detached session on the test server running
// the given command and returns its pane id, the address delivery
// targets use.
func NewTestPane(t *testing.T, server *Server, command ...string) string {
	t.Helper()

	paneID, err := server.NewSession(context.Background(), testutil.UniqueID("pane"), command...)
	if err != nil {
		t.Fatalf("creating test pane: %v", err)
	}
	return paneID
}
