package wsconn

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer upgrades /ws and hands the server side of each connection to fn
func echoServer(t *testing.T, fn func(ws *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		fn(ws)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestReadConcatenatesBinaryMessages(t *testing.T) {
	url := echoServer(t, func(ws *websocket.Conn) {
		ws.WriteMessage(websocket.BinaryMessage, []byte("hel"))
		ws.WriteMessage(websocket.TextMessage, []byte("ignored"))
		ws.WriteMessage(websocket.BinaryMessage, []byte("lo"))
		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})

	c, err := Dial(url)
	require.NoError(t, err)
	defer c.Close()

	got, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestWriteSendsOneBinaryMessage(t *testing.T) {
	received := make(chan []byte, 1)
	url := echoServer(t, func(ws *websocket.Conn) {
		msgType, data, err := ws.ReadMessage()
		if err == nil && msgType == websocket.BinaryMessage {
			received <- data
		}
	})

	c, err := Dial(url)
	require.NoError(t, err)
	defer c.Close()

	payload := bytes.Repeat([]byte{0xAB}, 10000)
	n, err := c.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, <-received)
}

func TestCloseIsIdempotent(t *testing.T) {
	url := echoServer(t, func(ws *websocket.Conn) {
		ws.ReadMessage()
	})

	c, err := Dial(url)
	require.NoError(t, err)
	first := c.Close()
	assert.Equal(t, first, c.Close())
}

func TestDialRejectedUpgrade(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := Dial("ws" + strings.TrimPrefix(srv.URL, "http") + "/ws")
	assert.Error(t, err)
}
