package client

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aeolun/chatrelay/pkg/protocol"
	"github.com/aeolun/chatrelay/pkg/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const replyTimeout = 2 * time.Second

type relay struct {
	srv   *server.Server
	tcp   string
	wsURL string
}

func startRelay(t *testing.T) *relay {
	t.Helper()

	config := server.DefaultConfig()
	config.Host = "127.0.0.1"
	config.Port = 0
	config.ShutdownGrace = 20 * time.Millisecond
	srv := server.NewServer(config)
	require.NoError(t, srv.Start())

	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(ts.Close)
	t.Cleanup(func() { srv.Stop() })

	return &relay{
		srv:   srv,
		tcp:   srv.Addr().String(),
		wsURL: "ws://" + strings.TrimPrefix(ts.URL, "http://") + "/ws",
	}
}

func connect(t *testing.T, addr, name string) *Connection {
	t.Helper()
	conn, err := NewConnection(addr)
	require.NoError(t, err)
	require.NoError(t, conn.Connect())
	t.Cleanup(conn.Close)
	require.NoError(t, conn.Register(name))
	return conn
}

func nextReply(t *testing.T, c *Connection) protocol.ServerReply {
	t.Helper()
	select {
	case reply, ok := <-c.Incoming():
		require.True(t, ok, "incoming closed")
		return reply
	case <-time.After(replyTimeout):
		t.Fatal("timed out waiting for reply")
		return nil
	}
}

func TestConnectionChat(t *testing.T) {
	for _, tt := range []struct {
		transport string
		addr      func(r *relay) string
	}{
		{"tcp", func(r *relay) string { return r.tcp }},
		{"websocket", func(r *relay) string { return r.wsURL }},
	} {
		t.Run(tt.transport, func(t *testing.T) {
			r := startRelay(t)
			name := "user-" + tt.transport
			c := connect(t, tt.addr(r), name)
			assert.Equal(t, tt.transport, c.GetConnectionType())
			assert.True(t, c.IsConnected())
			assert.Equal(t, protocol.System{Content: name + " join the chat"}, nextReply(t, c))

			intent, err := ParseLine(name, "hello")
			require.NoError(t, err)
			require.NoError(t, c.Send(intent))
			assert.Equal(t, protocol.BroadcastMessage{From: name, Content: "hello"}, nextReply(t, c))

			intent, err = ParseLine(name, "/users")
			require.NoError(t, err)
			require.NoError(t, c.Send(intent))
			assert.Equal(t, protocol.UserList{To: name, Names: []string{name}}, nextReply(t, c))

			assert.Positive(t, c.GetBytesSent())
			assert.Positive(t, c.GetBytesReceived())

			c.Close()
			assert.False(t, c.IsConnected())
			assert.ErrorIs(t, c.Send(protocol.Broadcast{From: name, Content: "late"}), ErrNotConnected)
		})
	}
}

func TestConnectionPrivateBetweenTransports(t *testing.T) {
	r := startRelay(t)

	alice := connect(t, r.tcp, "alice")
	assert.Equal(t, protocol.System{Content: "alice join the chat"}, nextReply(t, alice))

	bob := connect(t, r.wsURL, "bob")
	assert.Equal(t, protocol.System{Content: "bob join the chat"}, nextReply(t, alice))
	assert.Equal(t, protocol.System{Content: "bob join the chat"}, nextReply(t, bob))

	intent, err := ParseLine("alice", "/w bob over here")
	require.NoError(t, err)
	require.NoError(t, alice.Send(intent))

	reply := nextReply(t, bob)
	assert.Equal(t, protocol.PrivateMessage{From: "alice", To: "bob", Content: "over here"}, reply)
	assert.True(t, AddressedTo(reply, "bob"))
}

func TestConnectionReceivesExitOnShutdown(t *testing.T) {
	r := startRelay(t)
	c := connect(t, r.tcp, "alice")
	assert.Equal(t, protocol.System{Content: "alice join the chat"}, nextReply(t, c))

	require.NoError(t, r.srv.Stop())

	assert.Equal(t, protocol.Exit{}, nextReply(t, c))
	select {
	case _, ok := <-c.Incoming():
		assert.False(t, ok, "incoming should close after Exit")
	case <-time.After(replyTimeout):
		t.Fatal("incoming not closed after server shutdown")
	}
	assert.False(t, c.IsConnected())
}

func TestConnectionErrors(t *testing.T) {
	_, err := NewConnection("http://example.com")
	assert.Error(t, err)

	c, err := NewConnection("127.0.0.1:1")
	require.NoError(t, err)
	assert.ErrorIs(t, c.Send(protocol.Broadcast{From: "a", Content: "b"}), ErrNotConnected)
	assert.Error(t, c.Connect())
	c.Close()
}

func TestConnectionIsSingleUse(t *testing.T) {
	r := startRelay(t)
	c := connect(t, r.tcp, "alice")
	assert.Error(t, c.Connect())

	c.Close()
	assert.ErrorIs(t, c.Connect(), ErrNotConnected)
}
