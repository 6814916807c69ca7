// Package tui is a terminal display for the voice session: a status header,
// an error banner and the transcript.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/lipgloss"
	"github.com/petems/voicelink/internal/session"
	"github.com/petems/voicelink/internal/transcript"

	tea "github.com/charmbracelet/bubbletea"
)

// Controller is the part of the session controller the TUI drives.
type Controller interface {
	Start()
	Stop()
	DismissError()
	Transcript() []transcript.Entry
}

var writeClipboard = clipboard.WriteAll

// SnapshotMsg carries a new session snapshot into the model.
type SnapshotMsg struct {
	Snapshot session.Snapshot
}

// Display forwards controller snapshots to the program. Only the latest
// undelivered snapshot is kept.
type Display struct {
	ch chan session.Snapshot
}

func NewDisplay() *Display {
	return &Display{ch: make(chan session.Snapshot, 1)}
}

// Render implements session.Display without blocking.
func (d *Display) Render(s session.Snapshot) {
	select {
	case <-d.ch:
	default:
	}
	select {
	case d.ch <- s:
	default:
	}
}

func waitForSnapshot(ch <-chan session.Snapshot) tea.Cmd {
	return func() tea.Msg {
		return SnapshotMsg{Snapshot: <-ch}
	}
}

// Model is the root bubbletea model.
type Model struct {
	ctrl   Controller
	snaps  <-chan session.Snapshot
	snap   session.Snapshot
	notice string
	width  int
	height int
}

func New(ctrl Controller, d *Display) Model {
	return Model{ctrl: ctrl, snaps: d.ch}
}

func (m Model) Init() tea.Cmd {
	return waitForSnapshot(m.snaps)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case SnapshotMsg:
		m.snap = msg.Snapshot
		return m, waitForSnapshot(m.snaps)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	m.notice = ""
	switch msg.String() {
	case "q", "Q", "ctrl+c":
		return m, tea.Quit
	case "s", " ":
		if m.snap.Phase == session.Idle {
			m.ctrl.Start()
		}
	case "x":
		m.ctrl.Stop()
	case "d", "esc":
		m.ctrl.DismissError()
	case "c":
		m.notice = copyTranscript(m.ctrl.Transcript())
	}
	return m, nil
}

func copyTranscript(entries []transcript.Entry) string {
	text := transcript.Format(entries)
	if text == "" {
		return "Nothing to copy yet"
	}
	if err := writeClipboard(text); err != nil {
		return "Copy failed: " + err.Error()
	}
	return fmt.Sprintf("Copied %d entries", len(entries))
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(m.header())
	b.WriteString("\n")
	if m.snap.Err != "" {
		b.WriteString(errorStyle.Render("! " + m.snap.Err + "  (d to dismiss)"))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	lines := m.transcriptLines()
	if avail := m.height - 6; avail > 0 && len(lines) > avail {
		lines = lines[len(lines)-avail:]
	}
	if len(lines) == 0 {
		b.WriteString(statusStyle.Render("No conversation yet."))
		b.WriteString("\n")
	}
	for _, l := range lines {
		b.WriteString(l)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if m.notice != "" {
		b.WriteString(statusStyle.Render(m.notice))
		b.WriteString("\n")
	}
	b.WriteString(helpStyle.Render(m.help()))
	return b.String()
}

func (m Model) header() string {
	dot, label := statusIndicator(m.snap)
	return lipgloss.JoinHorizontal(lipgloss.Top,
		titleStyle.Render("VoiceLink"),
		"  ",
		dot,
		" ",
		statusStyle.Render(label),
	)
}

func statusIndicator(s session.Snapshot) (string, string) {
	switch s.Phase {
	case session.Active:
		if s.Speaking {
			return dotStyle(colorBlue).Render("●"), "speaking"
		}
		return dotStyle(colorRed).Render("●"), "listening"
	case session.Connecting:
		return dotStyle(colorYellow).Render("●"), "connecting"
	case session.Closing:
		return dotStyle(colorYellow).Render("●"), "closing"
	default:
		return dotStyle(colorGreen).Render("○"), "idle"
	}
}

func (m Model) transcriptLines() []string {
	lines := make([]string, 0, len(m.snap.Entries))
	for _, e := range m.snap.Entries {
		label := userLabelStyle.Render("You")
		if e.Role == transcript.RoleAgent {
			label = agentLabelStyle.Render("Agent")
		}
		ts := timestampStyle.Render(e.Timestamp.Format("15:04:05"))
		lines = append(lines, fmt.Sprintf("%s %s: %s", ts, label, e.Text))
	}
	return lines
}

func (m Model) help() string {
	switch m.snap.Phase {
	case session.Idle:
		return "s start • c copy • q quit"
	default:
		return "x stop • c copy • q quit"
	}
}

// Run drives the program until the user quits or ctx is cancelled.
func Run(ctx context.Context, ctrl Controller, d *Display) error {
	p := tea.NewProgram(New(ctrl, d), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}
