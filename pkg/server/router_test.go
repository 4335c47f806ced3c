package server

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/aeolun/chatrelay/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter() *Router {
	return NewRouter(NewState(10), nil)
}

// next pops the next queued reply or fails
func next(t *testing.T, h *Outbox) protocol.ServerReply {
	t.Helper()
	select {
	case reply := <-h.Queue():
		return reply
	case <-time.After(time.Second):
		t.Fatal("no reply queued")
		return nil
	}
}

// assertIdle fails if h has anything queued
func assertIdle(t *testing.T, h *Outbox) {
	t.Helper()
	select {
	case reply := <-h.Queue():
		t.Fatalf("unexpected %#v", reply)
	default:
	}
}

func join(t *testing.T, r *Router, name string) *Outbox {
	t.Helper()
	h := NewOutbox(16)
	r.Join(context.Background(), name, h)
	return h
}

func TestJoinNotifiesEveryoneIncludingNewcomer(t *testing.T) {
	r := newTestRouter()

	alice := join(t, r, "alice")
	assert.Equal(t, protocol.System{Content: "alice join the chat"}, next(t, alice))

	bob := join(t, r, "bob")
	assert.Equal(t, protocol.System{Content: "bob join the chat"}, next(t, alice))
	assert.Equal(t, protocol.System{Content: "bob join the chat"}, next(t, bob))
	assertIdle(t, alice)
	assertIdle(t, bob)
}

func TestRegistrationOverwrite(t *testing.T) {
	r := newTestRouter()
	ctx := context.Background()

	first := join(t, r, "alice")
	second := join(t, r, "alice")
	next(t, first)  // own join
	next(t, second) // second join notice reaches only the new handle

	h, ok := r.State().Lookup("alice")
	require.True(t, ok)
	assert.Same(t, second, h)

	bob := join(t, r, "bob")
	next(t, second)
	next(t, bob)
	r.Private(ctx, bob, protocol.Private{From: "bob", To: "alice", Content: "hi"})
	assert.Equal(t, protocol.PrivateMessage{From: "bob", To: "alice", Content: "hi"}, next(t, second))
	assertIdle(t, first)

	// The replaced connection leaving must not unregister its successor
	assert.False(t, r.Leave(ctx, "alice", first))
	_, ok = r.State().Lookup("alice")
	assert.True(t, ok)
	assertIdle(t, bob)
}

func TestLeaveNotifiesRemaining(t *testing.T) {
	r := newTestRouter()
	alice := join(t, r, "alice")
	bob := join(t, r, "bob")
	next(t, alice)
	next(t, alice)
	next(t, bob)

	assert.True(t, r.Leave(context.Background(), "bob", bob))
	assert.Equal(t, protocol.System{Content: "bob leave the chat"}, next(t, alice))
	assertIdle(t, bob)
	assert.Equal(t, []string{"alice"}, r.State().Names())
}

func TestBroadcastReachesAllAndIsRecorded(t *testing.T) {
	r := newTestRouter()
	alice := join(t, r, "alice")
	bob := join(t, r, "bob")
	next(t, alice)
	next(t, alice)
	next(t, bob)

	r.Broadcast(context.Background(), protocol.Broadcast{From: "alice", Content: "hello"})

	want := protocol.BroadcastMessage{From: "alice", Content: "hello"}
	assert.Equal(t, want, next(t, alice))
	assert.Equal(t, want, next(t, bob))
	assert.Equal(t, []string{"alice broadcast: hello"}, r.State().GlobalHistory())
}

func TestBroadcastSkipsUnreachablePeer(t *testing.T) {
	r := newTestRouter()
	alice := join(t, r, "alice")
	bob := join(t, r, "bob")
	carol := join(t, r, "carol")
	for _, h := range []*Outbox{alice, bob, carol} {
		for len(h.Queue()) > 0 {
			<-h.Queue()
		}
	}

	bob.Close()
	r.Broadcast(context.Background(), protocol.Broadcast{From: "alice", Content: "still here"})

	want := protocol.BroadcastMessage{From: "alice", Content: "still here"}
	assert.Equal(t, want, next(t, alice))
	assert.Equal(t, want, next(t, carol))
}

func TestPrivateHistorySymmetry(t *testing.T) {
	r := newTestRouter()
	alice := join(t, r, "alice")
	bob := join(t, r, "bob")
	next(t, alice)
	next(t, alice)
	next(t, bob)

	r.Private(context.Background(), alice, protocol.Private{From: "alice", To: "bob", Content: "hi"})

	assert.Equal(t, protocol.PrivateMessage{From: "alice", To: "bob", Content: "hi"}, next(t, bob))
	assertIdle(t, alice)

	aliceLog := r.State().PrivateHistory("alice")
	bobLog := r.State().PrivateHistory("bob")
	assert.Equal(t, "You → bob: hi", aliceLog[len(aliceLog)-1])
	assert.Equal(t, "alice → You: hi", bobLog[len(bobLog)-1])
}

func TestPrivateToMissingTarget(t *testing.T) {
	r := newTestRouter()
	alice := join(t, r, "alice")
	bob := join(t, r, "bob")
	next(t, alice)
	next(t, alice)
	next(t, bob)

	r.Private(context.Background(), alice, protocol.Private{From: "alice", To: "ghost", Content: "boo"})

	assert.Equal(t, protocol.Error{To: "alice", Content: TargetOffline}, next(t, alice))
	assertIdle(t, bob)

	// History reflects intent, not delivery
	assert.Equal(t, []string{"You → ghost: boo"}, r.State().PrivateHistory("alice"))
	assert.Equal(t, []string{"alice → You: boo"}, r.State().PrivateHistory("ghost"))
}

func TestUsersCommand(t *testing.T) {
	r := newTestRouter()
	ctx := context.Background()

	t.Run("empty directory", func(t *testing.T) {
		sender := NewOutbox(4)
		r.Command(ctx, sender, protocol.Command{From: "nobody", Command: CommandUsers})
		assert.Equal(t, protocol.System{Content: NoUserOnline}, next(t, sender))
	})

	t.Run("lists everyone sorted", func(t *testing.T) {
		carol := join(t, r, "carol")
		alice := join(t, r, "alice")
		for len(carol.Queue()) > 0 {
			<-carol.Queue()
		}
		next(t, alice)

		r.Command(ctx, alice, protocol.Command{From: "alice", Command: CommandUsers})
		assert.Equal(t, protocol.UserList{To: "alice", Names: []string{"alice", "carol"}}, next(t, alice))
		assertIdle(t, carol)

		log := r.State().PrivateHistory("alice")
		assert.Equal(t, "You issued: /users", log[len(log)-1])
	})
}

func TestHistorySelfInclusion(t *testing.T) {
	r := newTestRouter()
	ctx := context.Background()
	alice := join(t, r, "alice")
	next(t, alice)

	r.Broadcast(ctx, protocol.Broadcast{From: "alice", Content: "hi"})
	next(t, alice)

	r.Command(ctx, alice, protocol.Command{From: "alice", Command: CommandHistory})
	reply := next(t, alice)

	want := strings.Join([]string{
		GlobalHistoryHeader,
		"alice broadcast: hi",
		PrivateHistoryHeader,
		"You issued: /history",
	}, "\n")
	assert.Equal(t, protocol.History{To: "alice", Text: want}, reply)
}

func TestUnknownCommand(t *testing.T) {
	r := newTestRouter()
	alice := join(t, r, "alice")
	next(t, alice)

	r.Command(context.Background(), alice, protocol.Command{From: "alice", Command: "/dance"})
	assert.Equal(t, protocol.Error{To: "alice", Content: "Unknown command: /dance"}, next(t, alice))
	assert.Empty(t, r.State().PrivateHistory("alice"))
}

func TestShutdownSendsExactlyOneExit(t *testing.T) {
	r := newTestRouter()
	handles := []*Outbox{join(t, r, "a"), join(t, r, "b"), join(t, r, "c")}
	for _, h := range handles {
		for len(h.Queue()) > 0 {
			<-h.Queue()
		}
	}

	sent := r.Shutdown(context.Background())
	assert.Equal(t, len(handles), sent)

	for _, h := range handles {
		assert.Equal(t, protocol.Exit{}, next(t, h))
		assertIdle(t, h)
		select {
		case <-h.Done():
		default:
			t.Fatal("outbox left open after shutdown")
		}
	}
	assert.Empty(t, r.State().Names())

	// A second shutdown has nobody left to notify
	assert.Zero(t, r.Shutdown(context.Background()))
}

func TestShutdownSkipsStalledOutbox(t *testing.T) {
	for trial := 0; trial < 20; trial++ {
		r := newTestRouter()
		r.exitTimeout = 5 * time.Millisecond
		ctx := context.Background()

		healthy := make([]*Outbox, 0, 20)
		for i := 0; i < 20; i++ {
			h := NewOutbox(64)
			r.Join(ctx, fmt.Sprintf("user%02d", i), h)
			healthy = append(healthy, h)
		}

		// Filled by its own join notice and never drained
		stalled := NewOutbox(1)
		r.Join(ctx, "stalled", stalled)

		sent := r.Shutdown(ctx)
		require.Equal(t, len(healthy), sent, "trial %d", trial)

		for i, h := range healthy {
			var last protocol.ServerReply
			for len(h.Queue()) > 0 {
				last = <-h.Queue()
			}
			require.Equal(t, protocol.Exit{}, last, "trial %d user%02d", trial, i)
		}
	}
}

func TestJoinAfterShutdownGetsExit(t *testing.T) {
	r := newTestRouter()
	r.Shutdown(context.Background())

	late := join(t, r, "late")
	assert.Equal(t, protocol.Exit{}, next(t, late))
	assertIdle(t, late)
	assert.Empty(t, r.State().Names())
}

func TestPeerHandshake(t *testing.T) {
	r := newTestRouter()
	ctx := context.Background()
	out := NewOutbox(16)
	p := r.NewPeer(out)
	assert.Equal(t, PeerUnregistered, p.State())

	// Anything before Register is dropped
	p.Handle(ctx, protocol.Broadcast{From: "alice", Content: "too early"})
	p.Handle(ctx, protocol.Command{From: "alice", Command: CommandUsers})
	assertIdle(t, out)
	assert.Empty(t, r.State().GlobalHistory())

	p.Handle(ctx, protocol.Register{Name: "alice"})
	assert.Equal(t, PeerActive, p.State())
	assert.Equal(t, "alice", p.Name())
	assert.Equal(t, protocol.System{Content: "alice join the chat"}, next(t, out))

	// A second Register does not rename the connection
	p.Handle(ctx, protocol.Register{Name: "mallory"})
	assert.Equal(t, "alice", p.Name())
	assertIdle(t, out)
	assert.Equal(t, []string{"alice"}, r.State().Names())

	p.Handle(ctx, protocol.Broadcast{From: "alice", Content: "hi"})
	assert.Equal(t, protocol.BroadcastMessage{From: "alice", Content: "hi"}, next(t, out))

	p.Leave(ctx)
	assert.Empty(t, r.State().Names())
}

func TestPeerStateString(t *testing.T) {
	assert.Equal(t, "unregistered", PeerUnregistered.String())
	assert.Equal(t, "active", PeerActive.String())
	assert.Equal(t, "PeerState(7)", PeerState(7).String())
}
