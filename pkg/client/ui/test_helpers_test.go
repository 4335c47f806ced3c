package ui

import (
	"io"
	"log"
	"testing"

	"github.com/aeolun/chatrelay/pkg/client"
	"github.com/aeolun/chatrelay/pkg/protocol"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"
)

// newTestModel creates a Model over a connected mock, registered as name
// unless name is empty
func newTestModel(t *testing.T, name string) (Model, *client.MockConnection) {
	t.Helper()
	conn := client.NewMockConnection("localhost:8080")
	require.NoError(t, conn.Connect())

	m := NewModel(conn, Options{Name: name, Logger: log.New(io.Discard, "", 0)})
	return m, conn
}

// typeText feeds text to the focused input as one key event
func typeText(m Model, text string) Model {
	updated, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(text)})
	return updated.(Model)
}

func pressEnter(m Model) (Model, tea.Cmd) {
	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	return updated.(Model), cmd
}

func deliver(m Model, reply protocol.ServerReply) (Model, tea.Cmd) {
	updated, cmd := m.Update(ReplyMsg{Reply: reply})
	return updated.(Model), cmd
}
