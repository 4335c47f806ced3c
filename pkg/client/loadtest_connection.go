package client

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

// LoadTestConnection is a simplified TCP connection for load testing that
// reads and writes synchronously. Unlike the full Connection it spawns no
// goroutines, so a load test can hold many thousands of them.
type LoadTestConnection struct {
	addr   string
	conn   net.Conn
	sendMu sync.Mutex // Protects concurrent writes
	recvMu sync.Mutex // Protects concurrent reads
	closed bool
	mu     sync.Mutex // Protects closed flag
}

// NewLoadTestConnection creates a new load test connection
func NewLoadTestConnection(addr string) *LoadTestConnection {
	return &LoadTestConnection{
		addr: addr,
	}
}

// Connect establishes a TCP connection to the server
func (c *LoadTestConnection) Connect() error {
	conn, err := net.DialTimeout("tcp", c.addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	// Enable TCP_NODELAY for low latency
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	c.conn = conn
	return nil
}

// Close closes the connection
func (c *LoadTestConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true

	if c.conn != nil {
		return c.conn.Close()
	}

	return nil
}

func (c *LoadTestConnection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed || c.conn == nil
}

// Send encodes and writes an intent synchronously
func (c *LoadTestConnection) Send(intent protocol.ClientIntent) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.isClosed() {
		return ErrNotConnected
	}

	if err := protocol.EncodeFrame(c.conn, protocol.IntentEnvelope(intent)); err != nil {
		return fmt.Errorf("write frame failed: %w", err)
	}

	return nil
}

// Receive reads the next reply, waiting at most timeout (0 waits forever)
func (c *LoadTestConnection) Receive(timeout time.Duration) (protocol.ServerReply, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if c.isClosed() {
		return nil, ErrNotConnected
	}

	if timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline failed: %w", err)
		}
		// Clear deadline after read
		defer c.conn.SetReadDeadline(time.Time{})
	}

	env, err := protocol.DecodeFrame(c.conn)
	if err != nil {
		return nil, fmt.Errorf("read frame failed: %w", err)
	}
	if env.Reply == nil {
		return nil, fmt.Errorf("server sent %s", env.Intent.Kind())
	}

	return env.Reply, nil
}

// ReceiveUntil reads replies until match accepts one, discarding the rest
func (c *LoadTestConnection) ReceiveUntil(timeout time.Duration, match func(protocol.ServerReply) bool) (protocol.ServerReply, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("timed out after %v", timeout)
		}

		reply, err := c.Receive(remaining)
		if err != nil {
			return nil, err
		}
		if match(reply) {
			return reply, nil
		}
	}
}

// Addr returns the connection address
func (c *LoadTestConnection) Addr() string {
	return c.addr
}
