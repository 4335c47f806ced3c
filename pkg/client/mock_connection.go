package client

import (
	"sync"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

// MockConnection is a test implementation of ConnectionInterface
type MockConnection struct {
	mu sync.RWMutex

	// State
	connected  bool
	closed     bool
	address    string
	connectErr error
	sendErr    error

	// Channels for communication
	incoming chan protocol.ServerReply
	errors   chan error

	// Sent intents for verification
	SentIntents []protocol.ClientIntent
}

var _ ConnectionInterface = (*MockConnection)(nil)

// NewMockConnection creates a new mock connection
func NewMockConnection(address string) *MockConnection {
	return &MockConnection{
		address:  address,
		incoming: make(chan protocol.ServerReply, 100),
		errors:   make(chan error, 10),
	}
}

// Connect simulates connecting to the server
func (m *MockConnection) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connectErr != nil {
		return m.connectErr
	}

	m.connected = true
	return nil
}

// Close closes the mock connection
func (m *MockConnection) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.connected = false
	close(m.incoming)
}

// IsConnected returns the connection status
func (m *MockConnection) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// GetAddress returns the mock address
func (m *MockConnection) GetAddress() string {
	return m.address
}

// GetConnectionType returns the connection type (always "tcp" for mock)
func (m *MockConnection) GetConnectionType() string {
	return "tcp"
}

// SecurityWarning always returns "" for mock
func (m *MockConnection) SecurityWarning() string {
	return ""
}

// Register records a Register intent
func (m *MockConnection) Register(name string) error {
	return m.Send(protocol.Register{Name: name})
}

// Send records the intent for verification
func (m *MockConnection) Send(intent protocol.ClientIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sendErr != nil {
		return m.sendErr
	}
	if !m.connected {
		return ErrNotConnected
	}

	m.SentIntents = append(m.SentIntents, intent)
	return nil
}

// Sent returns a copy of the intents sent so far
func (m *MockConnection) Sent() []protocol.ClientIntent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]protocol.ClientIntent(nil), m.SentIntents...)
}

// Incoming returns the incoming replies channel
func (m *MockConnection) Incoming() <-chan protocol.ServerReply {
	return m.incoming
}

// Errors returns the errors channel
func (m *MockConnection) Errors() <-chan error {
	return m.errors
}

// GetBytesSent returns 0 for mock
func (m *MockConnection) GetBytesSent() uint64 {
	return 0
}

// GetBytesReceived returns 0 for mock
func (m *MockConnection) GetBytesReceived() uint64 {
	return 0
}

// SetConnectError sets an error to return on Connect
func (m *MockConnection) SetConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// SetSendError sets an error to return on Send
func (m *MockConnection) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// SimulateReply queues a reply as if the server had sent it
func (m *MockConnection) SimulateReply(reply protocol.ServerReply) {
	m.incoming <- reply
}

// SimulateError queues an error
func (m *MockConnection) SimulateError(err error) {
	m.errors <- err
}
