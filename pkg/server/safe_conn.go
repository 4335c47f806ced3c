package server

import (
	"io"
	"sync"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

// SafeConn wraps a transport stream (TCP socket, WebSocket, SSH channel) with
// frame encoding on the write side and a buffering Decoder on the read side.
//
// Writes normally come only from the session's write loop, but the mutex
// keeps frames intact if anything else ever writes. Reads are owned by the
// read loop and need no synchronization.
type SafeConn struct {
	conn      io.ReadWriteCloser
	decoder   *protocol.Decoder
	mu        sync.Mutex // Protects writes to conn
	closeOnce sync.Once
	closeErr  error
}

// NewSafeConn wraps conn
func NewSafeConn(conn io.ReadWriteCloser) *SafeConn {
	return &SafeConn{
		conn:    conn,
		decoder: protocol.NewDecoder(conn),
	}
}

// WriteReply encodes and sends one reply as a single frame
func (sc *SafeConn) WriteReply(reply protocol.ServerReply) error {
	frame, err := protocol.Encode(protocol.ReplyEnvelope(reply))
	if err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	_, err = sc.conn.Write(frame)
	return err
}

// ReadEnvelope blocks until a whole envelope has arrived
func (sc *SafeConn) ReadEnvelope() (protocol.Envelope, error) {
	return sc.decoder.Decode()
}

// Close closes the underlying stream once
func (sc *SafeConn) Close() error {
	sc.closeOnce.Do(func() {
		sc.closeErr = sc.conn.Close()
	})
	return sc.closeErr
}
