// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// vigil-top is a live terminal dashboard for the vigild daemon. It
// shows every monitored session with its task state, and a detail pane
// with the selected session's recent turns. State changes arrive over
// the daemon's delta stream, so the display updates the moment a hook
// fires; a slow poll fills in anything the stream misses.
package main

import (
	"context"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/vigil-sh/vigil/lib/broadcast"
	"github.com/vigil-sh/vigil/lib/daemonclient"
	"github.com/vigil-sh/vigil/lib/process"
	"github.com/vigil-sh/vigil/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("vigil-top", pflag.ContinueOnError)
	server := flagSet.String("server", "", "vigild address (default: $VIGIL_ADDR or "+daemonclient.DefaultAddr+")")
	showVersion := flagSet.Bool("version", false, "print version and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if *showVersion {
		version.Print("vigil-top")
		return nil
	}

	addr := *server
	if addr == "" {
		addr = os.Getenv("VIGIL_ADDR")
	}
	if addr == "" {
		addr = daemonclient.DefaultAddr
	}

	client := daemonclient.New(addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Confirm the daemon is reachable before entering the alt screen,
	// so a connection error prints as a plain message instead of
	// flashing through a corrupted TUI frame.
	if _, err := client.Status(ctx); err != nil {
		return err
	}

	deltas := make(chan broadcast.Delta, 64)
	go func() {
		defer close(deltas)
		// Stream errors are not fatal: the poll ticker keeps the
		// display current when the stream drops.
		if err := client.StreamEvents(ctx, func(delta broadcast.Delta) {
			select {
			case deltas <- delta:
			case <-ctx.Done():
			}
		}); err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "delta stream closed: %v\n", err)
		}
	}()

	model := newModel(client, deltas)
	program := tea.NewProgram(model, tea.WithAltScreen())
	_, err := program.Run()
	return err
}
