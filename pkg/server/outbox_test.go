package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/chatrelay/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxPreservesOrder(t *testing.T) {
	o := NewOutbox(4)
	ctx := context.Background()

	for _, content := range []string{"one", "two", "three"} {
		require.NoError(t, o.Send(ctx, protocol.System{Content: content}))
	}
	assert.Equal(t, 3, o.Len())

	for _, want := range []string{"one", "two", "three"} {
		got := <-o.Queue()
		assert.Equal(t, protocol.System{Content: want}, got)
	}
}

func TestOutboxDefaultSize(t *testing.T) {
	o := NewOutbox(0)
	assert.Equal(t, DefaultOutboxSize, cap(o.queue))
}

func TestOutboxSendAfterClose(t *testing.T) {
	o := NewOutbox(1)
	o.Close()
	o.Close() // idempotent

	err := o.Send(context.Background(), protocol.Exit{})
	assert.ErrorIs(t, err, ErrOutboxClosed)

	select {
	case <-o.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
}

func TestOutboxQueuedRepliesSurviveClose(t *testing.T) {
	o := NewOutbox(2)
	require.NoError(t, o.Send(context.Background(), protocol.Exit{}))
	o.Close()

	select {
	case reply := <-o.Queue():
		assert.Equal(t, protocol.Exit{}, reply)
	default:
		t.Fatal("queued reply lost on close")
	}
}

func TestOutboxFullBlocksUntilSpace(t *testing.T) {
	o := NewOutbox(1)
	ctx := context.Background()
	require.NoError(t, o.Send(ctx, protocol.System{Content: "first"}))

	var wg sync.WaitGroup
	wg.Add(1)
	sent := make(chan error, 1)
	go func() {
		defer wg.Done()
		sent <- o.Send(ctx, protocol.System{Content: "second"})
	}()

	select {
	case err := <-sent:
		t.Fatalf("Send on a full outbox returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, protocol.System{Content: "first"}, <-o.Queue())
	wg.Wait()
	require.NoError(t, <-sent)
	assert.Equal(t, protocol.System{Content: "second"}, <-o.Queue())
}

func TestOutboxFullHonoursContext(t *testing.T) {
	o := NewOutbox(1)
	require.NoError(t, o.Send(context.Background(), protocol.Exit{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := o.Send(ctx, protocol.Exit{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOutboxWithRoomIgnoresExpiredContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := NewOutbox(4)
	for i := 0; i < 4; i++ {
		require.NoError(t, o.Send(ctx, protocol.Exit{}), "send %d", i)
	}
	assert.ErrorIs(t, o.Send(ctx, protocol.Exit{}), context.Canceled)
}

func TestOutboxFullUnblocksOnClose(t *testing.T) {
	o := NewOutbox(1)
	require.NoError(t, o.Send(context.Background(), protocol.Exit{}))

	sent := make(chan error, 1)
	go func() {
		sent <- o.Send(context.Background(), protocol.Exit{})
	}()

	time.Sleep(20 * time.Millisecond)
	o.Close()

	select {
	case err := <-sent:
		assert.ErrorIs(t, err, ErrOutboxClosed)
	case <-time.After(time.Second):
		t.Fatal("Send stayed blocked after Close")
	}
}
