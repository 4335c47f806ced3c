package server

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"

	"github.com/aeolun/chatrelay/pkg/wsconn"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Native clients send no Origin; browsers are not a supported client
	CheckOrigin: func(*http.Request) bool { return true },
}

// startWebSocketServer serves /ws on the configured port
func (s *Server) startWebSocketServer() error {
	if s.config.WSPort <= 0 {
		return nil
	}

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.WSPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.serveWebSocket(listener)
	return nil
}

// serveWebSocket starts the HTTP server carrying /ws on listener
func (s *Server) serveWebSocket(listener net.Listener) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	s.wsServer = &http.Server{Handler: mux}

	log.Printf("WebSocket server listening on %s (/ws)", listener.Addr())
	go func() {
		if err := s.wsServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("WebSocket server error: %v", err)
		}
	}()
}

// HandleWebSocket upgrades the request and serves the connection like any
// other stream. Each binary message carries whole or partial frames.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	select {
	case <-s.shutdown:
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		debugLog.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()
	s.handleConnection(wsconn.New(conn), r.RemoteAddr, "websocket")
}
