package ui

import (
	"io"
	"log"

	"github.com/aeolun/chatrelay/pkg/client"
	"github.com/aeolun/chatrelay/pkg/protocol"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gen2brain/beeep"
)

// ViewState represents the current view
type ViewState int

const (
	ViewNamePrompt ViewState = iota
	ViewChat
)

const (
	maxLogLines   = 1000
	defaultWidth  = 80
	defaultHeight = 24
	// header, input and footer
	chromeHeight = 4
)

// Model represents the application state
type Model struct {
	// Connection
	conn         client.ConnectionInterface
	logger       *log.Logger
	disconnected bool

	// Identity
	name       string
	registered bool

	// Current view
	currentView ViewState
	width       int
	height      int

	// Widgets
	nameInput textinput.Model
	input     textinput.Model
	viewport  viewport.Model

	// Rendered log lines, oldest first
	lines []string

	// Status
	statusMessage string
	errorMessage  string
	quitting      bool

	// Notifications
	notify   bool
	notifier func(title, body string) error
}

// Options configures a Model
type Options struct {
	// Name registers immediately when set; otherwise the user is prompted
	Name string
	// Notify sends a desktop notification for private messages
	Notify bool
	Logger *log.Logger
}

// NewModel creates the client UI for conn, which must already be connected
func NewModel(conn client.ConnectionInterface, opts Options) Model {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	nameInput := textinput.New()
	nameInput.Placeholder = "your name"
	nameInput.CharLimit = 32
	nameInput.Prompt = "Enter your name: "

	input := textinput.New()
	input.Placeholder = "message, /w <name> <text>, /users or /history"
	input.Prompt = "> "

	m := Model{
		conn:        conn,
		logger:      logger,
		currentView: ViewNamePrompt,
		width:       defaultWidth,
		height:      defaultHeight,
		nameInput:   nameInput,
		input:       input,
		viewport:    viewport.New(defaultWidth, defaultHeight-chromeHeight),
		notify:      opts.Notify,
		notifier: func(title, body string) error {
			return beeep.Notify(title, body, "")
		},
	}

	if warning := conn.SecurityWarning(); warning != "" {
		m.appendLine(RenderWarning(warning))
	}

	if opts.Name != "" {
		m.register(opts.Name)
	} else {
		m.nameInput.Focus()
	}

	return m
}

// Init starts listening for replies
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, listenForReplies(m.conn))
}

// Name returns the registered name, or "" before registration
func (m Model) Name() string {
	if !m.registered {
		return ""
	}
	return m.name
}

// register sends Register and switches to the chat view
func (m *Model) register(name string) {
	if err := m.conn.Register(name); err != nil {
		m.errorMessage = err.Error()
		return
	}

	m.logger.Printf("Registered as %s", name)
	m.name = name
	m.registered = true
	m.currentView = ViewChat
	m.nameInput.Blur()
	m.input.Focus()
}

// appendLine adds a rendered line to the log and scrolls to it
func (m *Model) appendLine(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxLogLines {
		m.lines = m.lines[len(m.lines)-maxLogLines:]
	}
	m.viewport.SetContent(m.buildLog())
	m.viewport.GotoBottom()
}

// ===== Messages =====

// ReplyMsg carries a reply from the relay
type ReplyMsg struct {
	Reply protocol.ServerReply
}

// ErrorMsg is sent when a connection error occurs
type ErrorMsg struct {
	Err error
}

// DisconnectedMsg is sent when the reply stream ends
type DisconnectedMsg struct{}

// listenForReplies waits for the next reply or connection error
func listenForReplies(conn client.ConnectionInterface) tea.Cmd {
	return func() tea.Msg {
		select {
		case reply, ok := <-conn.Incoming():
			if !ok {
				return DisconnectedMsg{}
			}
			return ReplyMsg{Reply: reply}
		case err := <-conn.Errors():
			return ErrorMsg{Err: err}
		}
	}
}
