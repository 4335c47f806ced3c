package client

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

// ErrNotConnected is returned when sending before Connect or after Close
var ErrNotConnected = errors.New("not connected")

// Connection is a client connection to the relay over TCP, WebSocket or SSH
type Connection struct {
	addr           string // Display address with scheme (e.g., "ws://server:8081/ws")
	connectionType string // "tcp", "ssh", or "websocket"
	dial           func() (io.ReadWriteCloser, error)
	conn           io.ReadWriteCloser
	mu             sync.RWMutex
	connected      bool
	warning        func() string

	// Channels for communication
	incoming chan protocol.ServerReply
	outgoing chan protocol.ClientIntent
	errors   chan error

	// Traffic counters (bytes on the wire)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	// Logging
	logger *log.Logger

	// Shutdown
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewConnection creates a client connection for addr. Nothing is dialed until
// Connect.
func NewConnection(addr string) (*Connection, error) {
	dialConfig, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}

	return &Connection{
		addr:           dialConfig.display,
		connectionType: dialConfig.transport,
		dial:           dialConfig.dial,
		warning:        dialConfig.warning,
		incoming:       make(chan protocol.ServerReply, 100),
		outgoing:       make(chan protocol.ClientIntent, 100),
		errors:         make(chan error, 10),
		shutdown:       make(chan struct{}),
	}, nil
}

// SetLogger sets a logger for debugging connection events
func (c *Connection) SetLogger(logger *log.Logger) {
	c.logger = logger
}

func (c *Connection) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Connect dials the relay and starts the read and write loops
func (c *Connection) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.shutdown:
		return ErrNotConnected
	default:
	}
	// A Connection is single-use; Incoming is closed when it ends
	if c.conn != nil {
		return fmt.Errorf("already connected")
	}

	c.logf("Connecting to %s...", c.addr)
	conn, err := c.dial()
	if err != nil {
		c.logf("Connection failed: %v", err)
		return fmt.Errorf("connect %s: %w", c.addr, err)
	}

	c.conn = conn
	c.connected = true
	c.logf("Connected to %s via %s", c.addr, c.connectionType)

	c.wg.Add(2)
	go c.readLoop(conn)
	go c.writeLoop(conn)

	return nil
}

// Register announces name to the relay. It must be the first intent sent.
func (c *Connection) Register(name string) error {
	return c.Send(protocol.Register{Name: name})
}

// Send queues an intent for the write loop
func (c *Connection) Send(intent protocol.ClientIntent) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	select {
	case c.outgoing <- intent:
		return nil
	case <-c.shutdown:
		return ErrNotConnected
	}
}

// Incoming delivers replies in arrival order. It is closed when the
// connection ends.
func (c *Connection) Incoming() <-chan protocol.ServerReply {
	return c.incoming
}

// Errors reports read and write failures
func (c *Connection) Errors() <-chan error {
	return c.errors
}

// IsConnected reports whether the connection is up
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// GetAddress returns the display address
func (c *Connection) GetAddress() string {
	return c.addr
}

// GetConnectionType returns the transport (tcp, ssh, or websocket)
func (c *Connection) GetConnectionType() string {
	return c.connectionType
}

// SecurityWarning returns a note about host key trust, if any
func (c *Connection) SecurityWarning() string {
	if c.warning == nil {
		return ""
	}
	return c.warning()
}

// GetBytesSent returns bytes written to the wire
func (c *Connection) GetBytesSent() uint64 {
	return c.bytesSent.Load()
}

// GetBytesReceived returns bytes read from the wire
func (c *Connection) GetBytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// Close shuts the connection down and waits for its loops to finish
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.shutdown)

		c.mu.Lock()
		conn := c.conn
		c.connected = false
		c.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
	})
	c.wg.Wait()
}

func (c *Connection) readLoop(conn io.ReadWriteCloser) {
	defer c.wg.Done()
	defer close(c.incoming)

	// Always count bytes at the lowest level
	dec := protocol.NewDecoder(&countingReader{r: conn, counter: &c.bytesReceived})
	for {
		env, err := dec.Decode()
		if err != nil {
			select {
			case <-c.shutdown:
				// Closed locally
			default:
				if errors.Is(err, io.EOF) {
					c.logf("Connection closed by server (EOF)")
				} else {
					c.logf("Read error: %v", err)
					c.reportError(fmt.Errorf("read error: %w", err))
				}
			}
			c.markDisconnected()
			return
		}

		if env.Reply == nil {
			c.logf("Ignoring %s from server", env.Intent.Kind())
			continue
		}

		c.logf("← RECV: %s", env.Reply.Kind())

		select {
		case c.incoming <- env.Reply:
		case <-c.shutdown:
			return
		}
	}
}

func (c *Connection) writeLoop(conn io.ReadWriteCloser) {
	defer c.wg.Done()

	writer := &countingWriter{w: conn, counter: &c.bytesSent}
	for {
		select {
		case intent := <-c.outgoing:
			if err := protocol.EncodeFrame(writer, protocol.IntentEnvelope(intent)); err != nil {
				c.logf("Write error: %v", err)
				c.reportError(fmt.Errorf("write error: %w", err))
				c.markDisconnected()
				conn.Close()
				return
			}
			c.logf("→ SEND: %s", intent.Kind())

		case <-c.shutdown:
			return
		}
	}
}

func (c *Connection) markDisconnected() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *Connection) reportError(err error) {
	select {
	case c.errors <- err:
	default:
		// Nobody is draining errors; the log has it
	}
}

// countingReader wraps an io.Reader and counts bytes read using atomic counter
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	if n > 0 {
		cr.counter.Add(uint64(n))
	}
	return n, err
}

// countingWriter wraps an io.Writer and counts bytes written using atomic counter
type countingWriter struct {
	w       io.Writer
	counter *atomic.Uint64
}

func (cw *countingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	if n > 0 {
		cw.counter.Add(uint64(n))
	}
	return n, err
}
