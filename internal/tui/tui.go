// Package tui renders a transfer attempt's status stream as a terminal view.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wilsonzlin/quickdrop/internal/endpoint"
	prog "github.com/wilsonzlin/quickdrop/internal/progress"
)

const (
	Accent = "#ffffaf"
	Muted  = "#4d4d4d"
	Err    = "#ff5f5f"
)

var (
	container   = lipgloss.NewStyle().Padding(1, 2)
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(Accent))
	codeStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#000000")).Background(lipgloss.Color(Accent)).Padding(0, 1)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color(Muted))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color(Err)).Bold(true)
)

type statusMsg endpoint.Status

// closedMsg reports that the status stream ended.
type closedMsg struct{}

// Model follows one attempt. Sending shows the session code to share.
type Model struct {
	sending bool
	updates <-chan endpoint.Status
	cancel  func()

	status   endpoint.Status
	final    bool
	progress progress.Model
	width    int
}

// New builds a model over an attempt's updates. cancel is called when the
// user quits before the attempt finished.
func New(sending bool, updates <-chan endpoint.Status, cancel func()) Model {
	return Model{
		sending:  sending,
		updates:  updates,
		cancel:   cancel,
		status:   endpoint.Status{Phase: endpoint.PhaseConnecting},
		progress: progress.New(progress.WithSolidFill(Accent)),
	}
}

func listen(updates <-chan endpoint.Status) tea.Cmd {
	return func() tea.Msg {
		st, ok := <-updates
		if !ok {
			return closedMsg{}
		}
		return statusMsg(st)
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(tea.SetWindowTitle("quickdrop"), listen(m.updates))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progress.Width = max(msg.Width-20, 10)
		return m, nil

	case statusMsg:
		st := endpoint.Status(msg)
		if st.Code == "" {
			st.Code = m.status.Code
		}
		if st.Manifest.Name == "" {
			st.Manifest = m.status.Manifest
		}
		if st.Phase != endpoint.PhaseTransferring && st.Progress.Total == 0 {
			st.Progress = m.status.Progress
		}
		m.status = st
		if st.Phase == endpoint.PhaseDone || st.Phase == endpoint.PhaseFailed {
			m.final = true
		}
		return m, listen(m.updates)

	case closedMsg:
		m.final = true
		return m, tea.Quit

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			if !m.final && m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		}
	}
	return m, nil
}

// Status returns the last status seen.
func (m Model) Status() endpoint.Status { return m.status }

func (m Model) View() string {
	var b strings.Builder
	st := m.status

	if m.sending && st.Code != "" {
		fmt.Fprintf(&b, "Session code %s\n", codeStyle.Render(st.Code))
		b.WriteString(mutedStyle.Render("Run `quickdrop receive "+st.Code+"` on the other machine.") + "\n\n")
	}
	if st.Manifest.Name != "" {
		fmt.Fprintf(&b, "File : %s\nSize : %s\n\n",
			accentStyle.Render(st.Manifest.Name),
			accentStyle.Render(prog.FormatSize(st.Manifest.Size)),
		)
	}

	switch st.Phase {
	case endpoint.PhaseFailed:
		b.WriteString(errorStyle.Render(fmt.Sprintf("Transfer failed: %v", st.Err)) + "\n")
	case endpoint.PhaseDone:
		b.WriteString(m.progress.ViewAs(1) + "\n")
		if m.sending {
			b.WriteString("File sent\n")
		} else {
			b.WriteString("File received\n")
		}
	case endpoint.PhaseTransferring:
		b.WriteString(m.progress.ViewAs(st.Progress.Percent/100) + "\n")
		fmt.Fprintf(&b, "%s of %s  %s  %s\n",
			prog.FormatSize(st.Progress.Transferred),
			prog.FormatSize(st.Progress.Total),
			st.Progress.Speed,
			mutedStyle.Render(st.Progress.Remaining),
		)
	default:
		b.WriteString(phaseText(st.Phase, m.sending) + "\n")
	}

	if !m.final {
		b.WriteString("\n" + mutedStyle.Render("q: cancel") + "\n")
	}
	return container.Render(b.String())
}

func phaseText(p endpoint.Phase, sending bool) string {
	switch p {
	case endpoint.PhaseConnecting:
		return "Connecting to relay..."
	case endpoint.PhaseWaiting:
		if sending {
			return "Waiting for the receiver to join..."
		}
		return "Waiting for the sender..."
	case endpoint.PhaseNegotiating:
		return "Negotiating a direct connection..."
	case endpoint.PhaseReachable:
		return "Peer reachable, opening channel..."
	case endpoint.PhaseChannelOpen:
		return "Channel open"
	default:
		return string(p)
	}
}
