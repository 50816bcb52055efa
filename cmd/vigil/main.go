// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// vigil is the operator CLI for the vigild daemon: register and list
// monitored sessions, inspect daemon status and task history, and
// deliver text or control keys into a session's tmux pane.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/pflag"
	"golang.org/x/term"

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
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}

	switch args[0] {
	case "--version", "version":
		version.Print("vigil")
		return nil
	case "--help", "-h", "help":
		printUsage()
		return nil
	}

	server := os.Getenv("VIGIL_ADDR")
	if server == "" {
		server = daemonclient.DefaultAddr
	}

	ctx := context.Background()
	c := daemonclient.New(server)

	switch args[0] {
	case "list":
		return runList(ctx, c, args[1:])
	case "status":
		return runStatus(ctx, c)
	case "register":
		return runRegister(ctx, c, args[1:])
	case "unregister":
		return runUnregister(ctx, c, args[1:])
	case "send":
		return runSend(ctx, c, args[1:])
	case "turns":
		return runTurns(ctx, c, args[1:])
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `vigil - control the session orchestration daemon

USAGE
    vigil <command> [flags]

COMMANDS
    list                  list monitored sessions
    status                show daemon health
    register              register a session for monitoring
    unregister <id>       stop monitoring a session
    send <id>             deliver text or a control key to a session
    turns <id>            show a session's recent task history
    version               print version information

The daemon address defaults to `+daemonclient.DefaultAddr+`;
override it with VIGIL_ADDR.
`)
}

var stateColors = map[string]lipgloss.Style{
	"idle":           lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	"processing":     lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
	"awaiting_input": lipgloss.NewStyle().Foreground(lipgloss.Color("5")).Bold(true),
	"complete":       lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
}

// renderState colors the state column when stdout is a terminal.
func renderState(state string) string {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return state
	}
	style, ok := stateColors[state]
	if !ok {
		return state
	}
	return style.Render(state)
}

func runList(ctx context.Context, c *daemonclient.Client, args []string) error {
	flags := pflag.NewFlagSet("vigil list", pflag.ContinueOnError)
	var quiet bool
	flags.BoolVarP(&quiet, "quiet", "q", false, "print session ids only")
	if err := flags.Parse(args); err != nil {
		return err
	}

	sessions, err := c.Sessions(ctx)
	if err != nil {
		return err
	}

	if quiet {
		for _, s := range sessions {
			fmt.Println(s.ID)
		}
		return nil
	}

	if len(sessions) == 0 {
		fmt.Println("no sessions registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROJECT\tSTATE\tTARGET\tLAST ACTIVITY")
	for _, s := range sessions {
		target := s.Target
		if target == "" {
			target = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Project, renderState(s.State), target, relativeTime(s.LastActivity))
	}
	return w.Flush()
}

func runStatus(ctx context.Context, c *daemonclient.Client) error {
	status, err := c.Status(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("uptime      %s\n", status.Uptime)
	fmt.Printf("sessions    %d\n", status.Sessions)
	fmt.Printf("regime      %s\n", status.Regime)
	fmt.Printf("last hook   %s\n", relativeTime(status.LastHook))
	fmt.Printf("last poll   %s\n", relativeTime(status.LastPoll))
	if status.Rejected > 0 {
		fmt.Printf("rejected    %d invalid transitions\n", status.Rejected)
	}
	if status.DroppedLog > 0 {
		fmt.Printf("dropped     %d events\n", status.DroppedLog)
	}
	if status.Degraded {
		fmt.Println("DEGRADED: a background loop has crashed repeatedly; check the daemon log")
	}
	if len(status.States) > 0 {
		fmt.Println("states:")
		for state, count := range status.States {
			fmt.Printf("  %-16s %d\n", state, count)
		}
	}
	return nil
}

func runRegister(ctx context.Context, c *daemonclient.Client, args []string) error {
	flags := pflag.NewFlagSet("vigil register", pflag.ContinueOnError)
	var id, workingDir, target, transcript string
	flags.StringVar(&id, "id", "", "session id (generated when omitted)")
	flags.StringVar(&workingDir, "dir", "", "session working directory (default: current directory)")
	flags.StringVar(&target, "target", "", "tmux pane for command delivery, e.g. %5")
	flags.StringVar(&transcript, "transcript", "", "transcript file to poll")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if workingDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolving working directory: %w", err)
		}
		workingDir = cwd
	}

	view, err := c.Register(ctx, daemonclient.RegisterRequest{
		SessionID:      id,
		WorkingDir:     workingDir,
		Target:         target,
		TranscriptPath: transcript,
	})
	if err != nil {
		return err
	}
	fmt.Printf("registered %s (%s)\n", view.ID, view.Project)
	return nil
}

func runUnregister(ctx context.Context, c *daemonclient.Client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: vigil unregister <session-id>")
	}
	if err := c.Unregister(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("unregistered %s\n", args[0])
	return nil
}

func runSend(ctx context.Context, c *daemonclient.Client, args []string) error {
	flags := pflag.NewFlagSet("vigil send", pflag.ContinueOnError)
	var key string
	flags.StringVar(&key, "key", "", "control key instead of text: confirm, cancel, up, down, clear-line, interrupt")
	if err := flags.Parse(args); err != nil {
		return err
	}
	rest := flags.Args()
	if len(rest) < 1 {
		return fmt.Errorf("usage: vigil send <session-id> [text... | --key <key>]")
	}
	sessionID := rest[0]
	text := strings.Join(rest[1:], " ")

	if text == "" && key == "" {
		return fmt.Errorf("nothing to send: give text or --key")
	}
	if text != "" && key != "" {
		return fmt.Errorf("text and --key are mutually exclusive")
	}

	result, err := c.Send(ctx, sessionID, "", text, key)
	if err != nil {
		return err
	}
	fmt.Printf("delivered to %s in %dms\n", result.Target, result.LatencyMS)
	return nil
}

func runTurns(ctx context.Context, c *daemonclient.Client, args []string) error {
	flags := pflag.NewFlagSet("vigil turns", pflag.ContinueOnError)
	var limit int
	flags.IntVarP(&limit, "limit", "n", 20, "number of turns to show")
	if err := flags.Parse(args); err != nil {
		return err
	}
	rest := flags.Args()
	if len(rest) != 1 {
		return fmt.Errorf("usage: vigil turns <session-id>")
	}

	turns, err := c.Turns(ctx, rest[0], limit)
	if err != nil {
		return err
	}
	if len(turns) == 0 {
		fmt.Println("no turns recorded")
		return nil
	}

	for _, turn := range turns {
		marker := " "
		if turn.TimestampSource == "receipt" {
			// Timestamp not yet confirmed against the transcript.
			marker = "~"
		}
		fmt.Printf("%s%s %-5s %-10s %s\n",
			marker,
			turn.Timestamp.Local().Format("15:04:05"),
			turn.Actor,
			turn.Intent,
			truncate(turn.Text, 100),
		)
	}
	return nil
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

// relativeTime renders a timestamp as a short age like "3m ago".
func relativeTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	age := time.Since(t)
	switch {
	case age < time.Second:
		return "just now"
	case age < time.Minute:
		return fmt.Sprintf("%ds ago", int(age.Seconds()))
	case age < time.Hour:
		return fmt.Sprintf("%dm ago", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(age.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(age.Hours()/24))
	}
}
