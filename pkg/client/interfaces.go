package client

import (
	"github.com/aeolun/chatrelay/pkg/protocol"
)

// ConnectionInterface defines the interface for client connections
// This allows for mocking in tests while the real Connection implements all these methods
type ConnectionInterface interface {
	// Connection management
	Connect() error
	Close()
	IsConnected() bool
	GetAddress() string
	GetConnectionType() string
	SecurityWarning() string

	// Intents
	Register(name string) error
	Send(intent protocol.ClientIntent) error

	// Channels for receiving data
	Incoming() <-chan protocol.ServerReply
	Errors() <-chan error

	// Traffic statistics
	GetBytesSent() uint64
	GetBytesReceived() uint64
}

var _ ConnectionInterface = (*Connection)(nil)
