// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/vigil-sh/vigil/lib/broadcast"
	"github.com/vigil-sh/vigil/lib/daemonclient"
)

// pollInterval is the fallback refresh cadence. The delta stream
// delivers most updates immediately; the poll catches anything the
// stream missed (reconnects, turn corrections for other sessions).
const pollInterval = 3 * time.Second

const requestTimeout = 5 * time.Second

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("8")).Padding(0, 1)
	selectedStyle = lipgloss.NewStyle().Bold(true).Background(lipgloss.Color("8"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	borderStyle   = lipgloss.NewStyle().Border(lipgloss.NormalBorder(), false, false, false, true).BorderForeground(lipgloss.Color("8")).PaddingLeft(1)

	stateStyles = map[string]lipgloss.Style{
		"idle":           lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		"processing":     lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		"awaiting_input": lipgloss.NewStyle().Foreground(lipgloss.Color("5")).Bold(true),
		"complete":       lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		"ended":          lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Strikethrough(true),
	}
)

type model struct {
	client *daemonclient.Client
	deltas <-chan broadcast.Delta
	keys   keyMap

	sessions []daemonclient.Session
	status   daemonclient.Status
	selected int
	turns    []daemonclient.Turn
	detail   viewport.Model

	width   int
	height  int
	ready   bool
	lastErr error
}

// snapshotMsg carries a full poll of sessions plus daemon status.
type snapshotMsg struct {
	sessions []daemonclient.Session
	status   daemonclient.Status
	err      error
}

// turnsMsg carries the recent turns for one session's detail pane.
type turnsMsg struct {
	sessionID string
	turns     []daemonclient.Turn
	err       error
}

// deltaMsg wraps one event from the daemon's stream.
type deltaMsg struct {
	delta broadcast.Delta
	ok    bool
}

type pollTickMsg time.Time

func newModel(client *daemonclient.Client, deltas <-chan broadcast.Delta) model {
	return model{
		client: client,
		deltas: deltas,
		keys:   defaultKeyMap,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.fetchSnapshot(),
		listenForDelta(m.deltas),
		pollTick(),
	)
}

func pollTick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return pollTickMsg(t)
	})
}

// listenForDelta blocks until the next stream event and delivers it as
// a deltaMsg. Re-armed after every delivery.
func listenForDelta(deltas <-chan broadcast.Delta) tea.Cmd {
	return func() tea.Msg {
		delta, ok := <-deltas
		return deltaMsg{delta: delta, ok: ok}
	}
}

func (m model) fetchSnapshot() tea.Cmd {
	client := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		sessions, err := client.Sessions(ctx)
		if err != nil {
			return snapshotMsg{err: err}
		}
		status, err := client.Status(ctx)
		if err != nil {
			return snapshotMsg{err: err}
		}
		sort.Slice(sessions, func(i, j int) bool {
			return sessions[i].LastActivity.After(sessions[j].LastActivity)
		})
		return snapshotMsg{sessions: sessions, status: status}
	}
}

func (m model) fetchTurns(sessionID string) tea.Cmd {
	client := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		turns, err := client.Turns(ctx, sessionID, 50)
		return turnsMsg{sessionID: sessionID, turns: turns, err: err}
	}
}

func (m model) selectedSession() (daemonclient.Session, bool) {
	if m.selected < 0 || m.selected >= len(m.sessions) {
		return daemonclient.Session{}, false
	}
	return m.sessions[m.selected], true
}

func (m model) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch message := message.(type) {
	case tea.WindowSizeMsg:
		m.width = message.Width
		m.height = message.Height
		m.detail = viewport.New(m.detailWidth(), m.bodyHeight())
		m.detail.SetContent(m.renderTurns())
		m.ready = true
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(message)

	case pollTickMsg:
		return m, tea.Batch(m.fetchSnapshot(), pollTick())

	case snapshotMsg:
		if message.err != nil {
			m.lastErr = message.err
			return m, nil
		}
		m.lastErr = nil
		previous, hadSelection := m.selectedSession()
		m.sessions = message.sessions
		m.status = message.status
		if hadSelection {
			m.selected = indexOf(m.sessions, previous.ID)
		}
		if m.selected < 0 || m.selected >= len(m.sessions) {
			m.selected = 0
		}
		if current, ok := m.selectedSession(); ok {
			return m, m.fetchTurns(current.ID)
		}
		m.turns = nil
		m.detail.SetContent(m.renderTurns())
		return m, nil

	case turnsMsg:
		if message.err != nil {
			m.lastErr = message.err
			return m, nil
		}
		if current, ok := m.selectedSession(); !ok || current.ID != message.sessionID {
			// Selection moved while the fetch was in flight.
			return m, nil
		}
		m.turns = message.turns
		atBottom := m.detail.AtBottom()
		m.detail.SetContent(m.renderTurns())
		if atBottom {
			m.detail.GotoBottom()
		}
		return m, nil

	case deltaMsg:
		if !message.ok {
			// Stream closed; the poll ticker carries on alone.
			return m, nil
		}
		cmd := m.applyDelta(message.delta)
		return m, tea.Batch(cmd, listenForDelta(m.deltas))
	}

	return m, nil
}

// applyDelta folds one stream event into the local view. State
// transitions are applied in place; turn events refresh the detail
// pane when they belong to the selected session.
func (m *model) applyDelta(delta broadcast.Delta) tea.Cmd {
	switch delta.Kind {
	case broadcast.DeltaStateTransition:
		for i := range m.sessions {
			if m.sessions[i].ID == delta.SessionID {
				m.sessions[i].State = delta.To
				m.sessions[i].LastActivity = delta.Timestamp
			}
		}
	case broadcast.DeltaSessionRemoved:
		return m.fetchSnapshot()
	case broadcast.DeltaTurnCreated, broadcast.DeltaTurnCorrected:
		if current, ok := m.selectedSession(); ok && current.ID == delta.SessionID {
			return m.fetchTurns(current.ID)
		}
	}
	if delta.SessionID != "" && indexOf(m.sessions, delta.SessionID) < 0 {
		// An event for a session we have never seen: a hook
		// auto-registered it since the last poll.
		return m.fetchSnapshot()
	}
	return nil
}

func (m model) handleKey(message tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(message, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(message, m.keys.Refresh):
		return m, m.fetchSnapshot()

	case key.Matches(message, m.keys.Up):
		return m.moveSelection(-1)

	case key.Matches(message, m.keys.Down):
		return m.moveSelection(1)

	case key.Matches(message, m.keys.PageUp):
		m.detail.HalfViewUp()
		return m, nil

	case key.Matches(message, m.keys.PageDown):
		m.detail.HalfViewDown()
		return m, nil

	case key.Matches(message, m.keys.Home):
		m.detail.GotoTop()
		return m, nil

	case key.Matches(message, m.keys.End):
		m.detail.GotoBottom()
		return m, nil
	}
	return m, nil
}

func (m model) moveSelection(step int) (tea.Model, tea.Cmd) {
	if len(m.sessions) == 0 {
		return m, nil
	}
	next := m.selected + step
	if next < 0 {
		next = 0
	}
	if next >= len(m.sessions) {
		next = len(m.sessions) - 1
	}
	if next == m.selected {
		return m, nil
	}
	m.selected = next
	m.turns = nil
	m.detail.SetContent(m.renderTurns())
	return m, m.fetchTurns(m.sessions[next].ID)
}

func indexOf(sessions []daemonclient.Session, id string) int {
	for i := range sessions {
		if sessions[i].ID == id {
			return i
		}
	}
	return -1
}

func (m model) listWidth() int {
	w := m.width * 2 / 5
	if w < 30 {
		w = 30
	}
	return w
}

func (m model) detailWidth() int {
	w := m.width - m.listWidth() - 2
	if w < 20 {
		w = 20
	}
	return w
}

// bodyHeight is the frame height minus the header and the help line.
func (m model) bodyHeight() int {
	h := m.height - 2
	if h < 3 {
		h = 3
	}
	return h
}

func (m model) View() string {
	if !m.ready {
		return "starting..."
	}

	header := m.renderHeader()
	list := m.renderSessionList()
	detail := borderStyle.Height(m.bodyHeight()).Render(m.detail.View())
	body := lipgloss.JoinHorizontal(lipgloss.Top, list, detail)
	help := helpStyle.Render(" j/k select   C-u/C-d scroll   r refresh   q quit")

	return lipgloss.JoinVertical(lipgloss.Left, header, body, help)
}

func (m model) renderHeader() string {
	summary := fmt.Sprintf("vigil-top  sessions:%d  regime:%s  hook:%s  poll:%s",
		m.status.Sessions, m.status.Regime,
		shortAge(m.status.LastHook), shortAge(m.status.LastPoll))
	if m.status.Degraded {
		summary += "  " + errorStyle.Render("DEGRADED")
	}
	if m.lastErr != nil {
		summary += "  " + errorStyle.Render(fmt.Sprintf("error: %v", m.lastErr))
	}
	return headerStyle.Width(m.width).Render(summary)
}

func (m model) renderSessionList() string {
	width := m.listWidth()
	var b strings.Builder
	if len(m.sessions) == 0 {
		b.WriteString(dimStyle.Render(" no sessions registered"))
	}
	for i, s := range m.sessions {
		state := s.State
		if style, ok := stateStyles[state]; ok {
			state = style.Render(state)
		}
		line := fmt.Sprintf(" %-14s %s %s",
			truncate(s.Project, 14), state, dimStyle.Render(shortAge(s.LastActivity)))
		if i == m.selected {
			line = selectedStyle.Width(width).Render(line)
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return lipgloss.NewStyle().Width(width).Height(m.bodyHeight()).Render(b.String())
}

func (m model) renderTurns() string {
	current, ok := m.selectedSession()
	if !ok {
		return dimStyle.Render("select a session")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n%s\n\n", current.ID, dimStyle.Render(current.WorkingDir))
	if len(m.turns) == 0 {
		b.WriteString(dimStyle.Render("no turns recorded"))
		return b.String()
	}
	for _, turn := range m.turns {
		stamp := turn.Timestamp.Local().Format("15:04:05")
		if turn.TimestampSource == "receipt" {
			stamp = "~" + stamp
		} else {
			stamp = " " + stamp
		}
		fmt.Fprintf(&b, "%s %-5s %-10s %s\n",
			dimStyle.Render(stamp), turn.Actor, turn.Intent,
			truncate(strings.ReplaceAll(turn.Text, "\n", " "), m.detailWidth()-28))
	}
	return b.String()
}

func truncate(s string, max int) string {
	if max < 4 {
		max = 4
	}
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func shortAge(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	age := time.Since(t)
	switch {
	case age < time.Minute:
		return fmt.Sprintf("%ds", int(age.Seconds()))
	case age < time.Hour:
		return fmt.Sprintf("%dm", int(age.Minutes()))
	default:
		return fmt.Sprintf("%dh", int(age.Hours()))
	}
}
