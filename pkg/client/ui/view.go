package ui

import (
	"fmt"
	"strings"

	"github.com/aeolun/chatrelay/pkg/protocol"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

var (
	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#5A4FCF")).
			Padding(0, 1)

	StatusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#A0A0A0")).
			Padding(0, 1)

	FooterStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#808080")).
			Padding(0, 1)

	MutedTextStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))
	SuccessStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#50FA7B"))
	ErrorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5555")).Bold(true)
	WarningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F1FA8C"))
	SystemStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#8BE9FD"))
	PrivateStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF79C6"))
	AuthorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#BD93F9")).Bold(true)
)

// ShutdownNotice is shown when the relay sends Exit
const ShutdownNotice = "The server is shutting down and the client is about to exit"

// View renders the current view
func (m Model) View() string {
	if m.quitting {
		return m.buildLog() + "\n"
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")

	switch m.currentView {
	case ViewNamePrompt:
		b.WriteString(m.viewport.View())
		b.WriteString("\n")
		b.WriteString(m.nameInput.View())
	default:
		b.WriteString(m.viewport.View())
		b.WriteString("\n")
		b.WriteString(m.input.View())
	}

	b.WriteString("\n")
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m Model) renderHeader() string {
	left := HeaderStyle.Render("ChatRelay")

	status := "Disconnected"
	if !m.disconnected && m.conn.IsConnected() {
		status = fmt.Sprintf("Connected to %s via %s", m.conn.GetAddress(), m.conn.GetConnectionType())
		if m.registered {
			status = fmt.Sprintf("%s as %s", status, m.name)
		}

		// Add traffic counter
		sent := humanize.Bytes(m.conn.GetBytesSent())
		recv := humanize.Bytes(m.conn.GetBytesReceived())
		status += MutedTextStyle.Render(fmt.Sprintf("  ↑%s ↓%s", sent, recv))
	}

	right := StatusStyle.Render(status)
	spacer := strings.Repeat(" ", max(0, m.width-lipgloss.Width(left)-lipgloss.Width(right)))

	return left + spacer + right
}

func (m Model) renderFooter() string {
	footerContent := "[enter] send  [↑/↓] scroll  [esc] quit"

	if m.statusMessage != "" {
		footerContent += "  " + SuccessStyle.Render(m.statusMessage)
	}

	if m.errorMessage != "" {
		footerContent += "  " + RenderError(m.errorMessage)
	}

	return FooterStyle.Render(footerContent)
}

// buildLog joins the log lines, wrapped to the current width
func (m Model) buildLog() string {
	if m.width <= 0 {
		return strings.Join(m.lines, "\n")
	}

	wrap := lipgloss.NewStyle().Width(m.width)
	wrapped := make([]string, len(m.lines))
	for i, line := range m.lines {
		wrapped[i] = wrap.Render(line)
	}
	return strings.Join(wrapped, "\n")
}

// RenderReply formats a reply for the log
func RenderReply(reply protocol.ServerReply) string {
	r := &replyRenderer{}
	reply.Dispatch(r)
	return r.out
}

// replyRenderer renders one reply per Dispatch
type replyRenderer struct {
	out string
}

func (r *replyRenderer) HandleBroadcastMessage(m protocol.BroadcastMessage) {
	r.out = fmt.Sprintf("%s %s", AuthorStyle.Render("["+m.From+"]"), m.Content)
}

func (r *replyRenderer) HandlePrivateMessage(m protocol.PrivateMessage) {
	r.out = PrivateStyle.Render(fmt.Sprintf("[whisper][%s → you]", m.From)) + " " + m.Content
}

func (r *replyRenderer) HandleUserList(m protocol.UserList) {
	r.out = RenderSystem("Users: " + strings.Join(m.Names, ", "))
}

func (r *replyRenderer) HandleHistory(m protocol.History) {
	r.out = RenderSystem("History:") + "\n" + m.Text
}

func (r *replyRenderer) HandleError(m protocol.Error) {
	r.out = RenderError(m.Content)
}

func (r *replyRenderer) HandleSystem(m protocol.System) {
	r.out = RenderSystem(m.Content)
}

func (r *replyRenderer) HandleExit(protocol.Exit) {
	r.out = RenderSystem(ShutdownNotice)
}

// RenderSystem formats a relay notice
func RenderSystem(content string) string {
	return SystemStyle.Render("[system]") + " " + content
}

// RenderError formats an error line
func RenderError(content string) string {
	return ErrorStyle.Render("[error]") + " " + content
}

// RenderWarning formats a local warning
func RenderWarning(content string) string {
	return WarningStyle.Render("[warning]") + " " + content
}
