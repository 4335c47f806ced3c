package server

import (
	"context"
	"errors"
	"sync"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

// DefaultOutboxSize is the number of replies a session may have queued
const DefaultOutboxSize = 100

// ErrOutboxClosed is returned when enqueueing to a session that is going away
var ErrOutboxClosed = errors.New("outbox closed")

// Outbox is a session's bounded outbound queue and the delivery handle the
// directory stores for it. Any goroutine may Send; only the session's write
// loop receives.
type Outbox struct {
	queue     chan protocol.ServerReply
	closed    chan struct{}
	closeOnce sync.Once
}

// NewOutbox creates an outbox holding up to size replies
func NewOutbox(size int) *Outbox {
	if size < 1 {
		size = DefaultOutboxSize
	}
	return &Outbox{
		queue:  make(chan protocol.ServerReply, size),
		closed: make(chan struct{}),
	}
}

// Send enqueues reply. It blocks while the queue is full until space frees,
// the outbox is closed, or ctx is done.
func (o *Outbox) Send(ctx context.Context, reply protocol.ServerReply) error {
	select {
	case <-o.closed:
		return ErrOutboxClosed
	default:
	}

	// Room in the queue wins over an expired ctx
	select {
	case o.queue <- reply:
		return nil
	default:
	}

	select {
	case o.queue <- reply:
		return nil
	case <-o.closed:
		return ErrOutboxClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close marks the outbox closed. Queued replies remain for the write loop to
// drain; later Sends fail. Safe to call more than once.
func (o *Outbox) Close() {
	o.closeOnce.Do(func() {
		close(o.closed)
	})
}

// Done is closed once Close has been called
func (o *Outbox) Done() <-chan struct{} {
	return o.closed
}

// Queue is the receive side, for the owning write loop only
func (o *Outbox) Queue() <-chan protocol.ServerReply {
	return o.queue
}

// Len returns the number of queued replies
func (o *Outbox) Len() int {
	return len(o.queue)
}
