// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package tmux

import (
	"context"
	"strings"
	"testing"
)

func TestTailString(t *testing.T) {
	cases := []struct {
		name  string
		input string
		n     int
		want  string
	}{
		{"empty", "", 3, ""},
		{"fewer lines than n", "a\nb\n", 5, "a\nb\n"},
		{"exact", "a\nb\nc\n", 3, "a\nb\nc\n"},
		{"truncates", "a\nb\nc\nd\n", 2, "c\nd\n"},
		{"no trailing newline", "a\nb\nc", 2, "b\nc"},
		{"single line", "only\n", 1, "only\n"},
		{"one of many", "a\nb\nc\n", 1, "c\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tailString(tc.input, tc.n)
			if got != tc.want {
				t.Fatalf("tailString(%q, %d) = %q, want %q", tc.input, tc.n, got, tc.want)
			}
		})
	}
}

func TestArgsPrependSocket(t *testing.T) {
	pinned := NewServer("/tmp/vigil-test.sock")
	got := pinned.args("send-keys", "-t", "%5", "-l", "--", "hello")
	want := []string{"-S", "/tmp/vigil-test.sock", "send-keys", "-t", "%5", "-l", "--", "hello"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Fatalf("args = %v, want %v", got, want)
	}

	defaultServer := NewServer("")
	got = defaultServer.args("has-session")
	if len(got) != 1 || got[0] != "has-session" {
		t.Fatalf("default server args = %v, want [has-session]", got)
	}
}

func TestArgsIncludeConfigFile(t *testing.T) {
	isolated := &Server{socketPath: "/tmp/vigil-test.sock", configFile: "/dev/null"}
	got := isolated.args("new-session", "-d")
	want := []string{"-S", "/tmp/vigil-test.sock", "-f", "/dev/null", "new-session", "-d"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Fatalf("args = %v, want %v", got, want)
	}
}

func TestServerEndToEnd(t *testing.T) {
	server := NewTestServer(t)
	ctx := context.Background()

	pane := NewTestPane(t, server, "cat")
	if !server.HasPane(ctx, pane) {
		t.Fatalf("pane %s missing after creation", pane)
	}
	if server.HasPane(ctx, "%999") {
		t.Fatal("nonexistent pane reported present")
	}

	command, err := server.PaneCurrentCommand(ctx, pane)
	if err != nil {
		t.Fatalf("PaneCurrentCommand: %v", err)
	}
	if command != "cat" {
		t.Fatalf("foreground command = %q, want %q", command, "cat")
	}

	panes, err := server.ListPanes(ctx)
	if err != nil {
		t.Fatalf("ListPanes: %v", err)
	}
	found := false
	for _, p := range panes {
		if p.ID == pane {
			found = true
		}
	}
	if !found {
		t.Fatalf("pane %s not in listing %v", pane, panes)
	}
}
