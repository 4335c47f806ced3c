package ui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aeolun/chatrelay/pkg/client"
	"github.com/aeolun/chatrelay/pkg/protocol"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Update handles incoming messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.viewport.Height = max(1, msg.Height-chromeHeight)
		m.nameInput.Width = max(10, msg.Width-lipgloss.Width(m.nameInput.Prompt)-1)
		m.input.Width = max(10, msg.Width-lipgloss.Width(m.input.Prompt)-1)
		m.viewport.SetContent(m.buildLog())
		m.viewport.GotoBottom()
		return m, nil

	case ReplyMsg:
		return m.handleReply(msg.Reply)

	case ErrorMsg:
		m.logger.Printf("Connection error: %v", msg.Err)
		m.errorMessage = msg.Err.Error()
		return m, listenForReplies(m.conn)

	case DisconnectedMsg:
		if !m.disconnected {
			m.disconnected = true
			m.appendLine(RenderSystem("Disconnected from server"))
		}
		return m, nil
	}

	return m, nil
}

func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "esc":
		m.quitting = true
		return m, tea.Quit
	}

	if m.currentView == ViewNamePrompt {
		return m.handleNamePromptKeys(msg)
	}
	return m.handleChatKeys(msg)
}

func (m Model) handleNamePromptKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.Type == tea.KeyEnter {
		name := strings.TrimSpace(m.nameInput.Value())
		if name == "" {
			m.errorMessage = "Name cannot be empty"
			return m, nil
		}
		m.errorMessage = ""
		m.register(name)
		return m, nil
	}

	var cmd tea.Cmd
	m.nameInput, cmd = m.nameInput.Update(msg)
	return m, cmd
}

func (m Model) handleChatKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch msg.Type {
	case tea.KeyEnter:
		return m.submitLine(m.input.Value())

	case tea.KeyUp, tea.KeyDown, tea.KeyPgUp, tea.KeyPgDown:
		// Allow scrolling through the log
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	default:
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
}

// submitLine parses and sends a typed line
func (m Model) submitLine(line string) (tea.Model, tea.Cmd) {
	intent, err := client.ParseLine(m.name, line)
	switch {
	case errors.Is(err, client.ErrEmptyLine):
		return m, nil
	case err != nil:
		m.errorMessage = err.Error()
		return m, nil
	}

	if err := m.conn.Send(intent); err != nil {
		m.errorMessage = fmt.Sprintf("Send failed: %v", err)
		return m, nil
	}

	m.logger.Printf("→ %s", intent.Kind())
	m.errorMessage = ""
	m.input.Reset()
	return m, nil
}

// handleReply renders a reply addressed to us and keeps listening
func (m Model) handleReply(reply protocol.ServerReply) (tea.Model, tea.Cmd) {
	m.logger.Printf("← %s", reply.Kind())

	if !client.AddressedTo(reply, m.name) {
		return m, listenForReplies(m.conn)
	}

	m.appendLine(RenderReply(reply))

	if _, ok := reply.(protocol.Exit); ok {
		m.quitting = true
		return m, tea.Quit
	}

	cmds := []tea.Cmd{listenForReplies(m.conn)}
	if m.notify {
		if title, body, ok := notificationFor(reply); ok {
			cmds = append(cmds, m.sendDesktopNotification(title, body))
		}
	}
	return m, tea.Batch(cmds...)
}

// notificationFor returns the desktop notification for a reply, if it
// deserves one. Only private messages do.
func notificationFor(reply protocol.ServerReply) (title, body string, ok bool) {
	pm, isPrivate := reply.(protocol.PrivateMessage)
	if !isPrivate {
		return "", "", false
	}

	// Truncate message content to 100 chars for notification
	content := []rune(pm.Content)
	if len(content) > 100 {
		content = append(content[:97], []rune("...")...)
	}
	return "ChatRelay", fmt.Sprintf("%s: %s", pm.From, string(content)), true
}

// sendDesktopNotification sends a desktop notification (best-effort)
func (m Model) sendDesktopNotification(title, body string) tea.Cmd {
	notifier := m.notifier
	logger := m.logger
	return func() tea.Msg {
		if err := notifier(title, body); err != nil {
			logger.Printf("Failed to send desktop notification: %v", err)
		}
		return nil
	}
}
