// Package app implements bledctl's root Bubble Tea model: a polled session
// table over the control API plus a tailing packet-log overlay over the
// log-stream WebSocket.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/commatea/ble-bridge/pkg/tui/client"
	"github.com/commatea/ble-bridge/pkg/tui/theme"
)

const pollInterval = 2 * time.Second

const maxLogLines = 200

// Model is the root Bubble Tea model.
type Model struct {
	http *client.HTTPClient
	ws   *client.LogWSClient
	ctx  context.Context

	keys KeyMap

	width, height int

	sessions    []client.SessionView
	selectedIdx int
	err         error

	showLog  bool
	snapshot client.ConnectionSnapshot
	logLines []string
}

// New creates the root model.
func New(ctx context.Context, http *client.HTTPClient, ws *client.LogWSClient) Model {
	return Model{
		http: http,
		ws:   ws,
		ctx:  ctx,
		keys: DefaultKeyMap(),
	}
}

// Init starts the session poll loop and the log-stream connection.
func (m Model) Init() tea.Cmd {
	return tea.Batch(pollSessionsCmd(m.http), tickCmd(), m.ws.Listen(m.ctx))
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

type sessionsLoadedMsg struct {
	sessions []client.SessionView
	err      error
}

func pollSessionsCmd(c *client.HTTPClient) tea.Cmd {
	return func() tea.Msg {
		sessions, err := c.ListSessions()
		return sessionsLoadedMsg{sessions: sessions, err: err}
	}
}

type evictResultMsg struct{ err error }

func evictCmd(c *client.HTTPClient, sessionID string) tea.Cmd {
	return func() tea.Msg {
		return evictResultMsg{err: c.Evict(sessionID)}
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tickMsg:
		return m, tea.Batch(pollSessionsCmd(m.http), tickCmd())

	case sessionsLoadedMsg:
		m.err = msg.err
		if msg.err == nil {
			m.sessions = msg.sessions
			if m.selectedIdx >= len(m.sessions) {
				m.selectedIdx = maxInt(0, len(m.sessions)-1)
			}
		}
		return m, nil

	case evictResultMsg:
		m.err = msg.err
		return m, pollSessionsCmd(m.http)

	case client.LogWSConnectedMsg:
		return m, m.ws.ReadLoop(m.ctx)

	case client.LogWSDisconnectedMsg:
		return m, m.ws.Listen(m.ctx)

	case client.LogWSSnapshotMsg:
		m.snapshot = msg.Snapshot
		return m, m.ws.ReadLoop(m.ctx)

	case client.LogWSEntryMsg:
		m.appendLogLine(msg.Entry)
		return m, m.ws.ReadLoop(m.ctx)
	}

	return m, nil
}

func (m *Model) appendLogLine(entry client.LogEntry) {
	line := fmt.Sprintf("%s %-3s %-12s %d bytes",
		entry.Timestamp.Format("15:04:05.000"), entry.Direction, entry.SessionID, len(entry.Data))
	m.logLines = append(m.logLines, line)
	if len(m.logLines) > maxLogLines {
		m.logLines = m.logLines[len(m.logLines)-maxLogLines:]
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Quit) {
		return m, tea.Quit
	}
	if key.Matches(msg, m.keys.Escape) {
		m.showLog = false
		return m, nil
	}
	if key.Matches(msg, m.keys.Log) {
		m.showLog = !m.showLog
		return m, nil
	}
	if m.showLog {
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Down):
		if len(m.sessions) > 0 {
			m.selectedIdx = (m.selectedIdx + 1) % len(m.sessions)
		}
	case key.Matches(msg, m.keys.Up):
		if len(m.sessions) > 0 {
			m.selectedIdx = (m.selectedIdx - 1 + len(m.sessions)) % len(m.sessions)
		}
	case key.Matches(msg, m.keys.Evict):
		if m.selectedIdx < len(m.sessions) {
			return m, evictCmd(m.http, m.sessions[m.selectedIdx].ID)
		}
	}
	return m, nil
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	var sections []string
	sections = append(sections, m.renderStatusBar())

	if m.showLog {
		sections = append(sections, m.renderLog())
	} else {
		sections = append(sections, m.renderSessionTable())
	}

	sections = append(sections, theme.StyleDimmed.Render("  j/k:navigate  e:evict  l:packet log  esc:close  q:quit"))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderStatusBar() string {
	width := m.width
	if width < 40 {
		width = 40
	}

	connStr := lipgloss.NewStyle().Foreground(theme.ColorDanger).Render("○ no BLE link")
	if m.snapshot.Connected {
		connStr = lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("● " + m.snapshot.DeviceName)
	}

	counts := fmt.Sprintf("%d sessions", len(m.sessions))
	content := connStr + theme.StyleDimmed.Render(" | ") + counts
	if m.err != nil {
		content += theme.StyleDimmed.Render(" | ") + lipgloss.NewStyle().Foreground(theme.ColorDanger).Render(m.err.Error())
	}

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}

func (m Model) renderSessionTable() string {
	if len(m.sessions) == 0 {
		return theme.StyleDimmed.Render("  No active sessions.")
	}

	var lines []string
	lines = append(lines, theme.StyleHeader.Render(fmt.Sprintf("  %-36s %-10s %-16s %s", "ID", "STATE", "DEVICE", "LAST ACTIVITY")))
	for i, s := range m.sessions {
		prefix := "  "
		if i == m.selectedIdx {
			prefix = "> "
		}
		stateStr := lipgloss.NewStyle().Foreground(theme.StateColor(s.State)).Render(fmt.Sprintf("%-10s", s.State))
		lines = append(lines, fmt.Sprintf("%s%-36s %s %-16s %s", prefix, s.ID, stateStr, s.DeviceName, s.LastActivity))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (m Model) renderLog() string {
	if len(m.logLines) == 0 {
		return theme.StyleDimmed.Render("  No packets logged yet.")
	}
	start := 0
	visible := m.height - 4
	if visible < 1 {
		visible = 1
	}
	if len(m.logLines) > visible {
		start = len(m.logLines) - visible
	}
	return strings.Join(m.logLines[start:], "\n")
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
