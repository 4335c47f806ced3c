package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/chatrelay/pkg/history"
	"github.com/aeolun/chatrelay/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsLogInterval = 30 * time.Second

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// ErrServerClosed is returned by Start on a server that has been stopped
var ErrServerClosed = errors.New("server closed")

// Server is the chat relay: it accepts connections on every configured
// transport and routes their intents through one shared Router.
type Server struct {
	config        ServerConfig
	listener      net.Listener
	sshListener   net.Listener
	wsServer      *http.Server
	metricsServer *http.Server
	sessions      *SessionManager
	state         *State
	router        *Router
	metrics       *Metrics
	shutdown      chan struct{}
	stopOnce      sync.Once
	ctx           context.Context // cancelled once shutdown has notified clients
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	startTime     time.Time

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host            string
	Port            int // 0 picks a free port
	WSPort          int // 0 = disabled
	SSHPort         int // 0 = disabled
	SSHHostKeyPath  string
	MetricsAddr     string // "" = disabled
	HistoryCapacity int
	OutboxSize      int
	ShutdownGrace   time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		Host:            "0.0.0.0",
		Port:            8080,
		SSHHostKeyPath:  "~/.chatrelay/ssh_host_key",
		HistoryCapacity: history.DefaultCapacity,
		OutboxSize:      DefaultOutboxSize,
		ShutdownGrace:   100 * time.Millisecond,
	}
}

// EnableDebugLogging sends debug output to w
func EnableDebugLogging(w io.Writer) {
	debugLog = log.New(w, "DEBUG: ", log.LstdFlags|log.Lmicroseconds)
	debugLog.Println("Debug logging enabled")
}

// NewServer creates a new server instance. Nothing listens until Start.
func NewServer(config ServerConfig) *Server {
	metrics := NewMetrics()
	state := NewState(config.HistoryCapacity)
	sessions := NewSessionManager(config.OutboxSize)
	sessions.SetMetrics(metrics)

	return newServer(config, state, sessions, metrics)
}

func newServer(config ServerConfig, state *State, sessions *SessionManager, metrics *Metrics) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:    config,
		sessions:  sessions,
		state:     state,
		router:    NewRouter(state, metrics),
		metrics:   metrics,
		shutdown:  make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

// Start binds every configured listener and begins accepting connections
func (s *Server) Start() error {
	select {
	case <-s.shutdown:
		return ErrServerClosed
	default:
	}

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("Relay listening on %s", listener.Addr())

	if err := s.startWebSocketServer(); err != nil {
		s.listener.Close()
		return fmt.Errorf("failed to start WebSocket server: %w", err)
	}

	if err := s.startSSHServer(); err != nil {
		s.listener.Close()
		if s.wsServer != nil {
			s.wsServer.Close()
		}
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	// Metrics HTTP server (internal only)
	if s.config.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
		metricsMux.HandleFunc("/health", s.HealthHandler)
		s.metricsServer = &http.Server{Addr: s.config.MetricsAddr, Handler: metricsMux}
		go func() {
			log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", s.config.MetricsAddr)
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorLog.Printf("Metrics server error: %v", err)
			}
		}()
	}

	s.wg.Add(1)
	go s.metricsLoggingLoop()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the TCP listener address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Router returns the router shared by every connection
func (s *Server) Router() *Router {
	return s.router
}

// Stop tells every registered client to exit, gives their write loops the
// grace period to flush, then closes every connection.
func (s *Server) Stop() error {
	s.stopOnce.Do(s.stop)
	return nil
}

func (s *Server) stop() {
	log.Println("Graceful shutdown initiated...")

	// Signal shutdown to all goroutines
	close(s.shutdown)

	// Stop accepting new connections
	if s.listener != nil {
		s.listener.Close()
		log.Println("TCP listener closed")
	}
	if s.sshListener != nil {
		s.sshListener.Close()
		log.Println("SSH listener closed")
	}
	if s.wsServer != nil {
		// Hijacked WebSocket connections are not affected; CloseAll handles them
		s.wsServer.Close()
		log.Println("WebSocket listener closed")
	}

	log.Println("Notifying connected clients of shutdown...")
	sent := s.router.Shutdown(context.Background())
	log.Printf("Exit sent to %d clients", sent)

	if s.config.ShutdownGrace > 0 {
		time.Sleep(s.config.ShutdownGrace)
	}

	// Unblock any read loop still waiting on a full outbox
	s.cancel()

	log.Println("Closing all client sessions...")
	s.sessions.CloseAll()

	log.Println("Waiting for background goroutines to finish...")
	s.wg.Wait()

	if s.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := s.metricsServer.Shutdown(shutdownCtx); err != nil {
			errorLog.Printf("Metrics server shutdown: %v", err)
		}
		cancel()
	}

	log.Println("Graceful shutdown complete")
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				errorLog.Printf("Accept error: %v", err)
				continue
			}
		}

		// Disable Nagle's algorithm for immediate sends
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn, conn.RemoteAddr().String(), "tcp")
		}()
	}
}

// handleConnection serves one client stream until it closes, whatever
// transport it arrived on
func (s *Server) handleConnection(conn io.ReadWriteCloser, remoteAddr, transport string) {
	sess := s.sessions.CreateSession(conn, remoteAddr, transport)

	select {
	case <-s.shutdown:
		s.sessions.RemoveSession(sess.ID)
		return
	default:
	}

	s.connectionsSinceReport.Add(1)
	debugLog.Printf("New %s connection from %s (session %d)", transport, remoteAddr, sess.ID)

	s.serveSession(sess)
}

// serveSession runs the session's read loop on the calling goroutine and its
// write loop on another. It returns once the connection is torn down.
func (s *Server) serveSession(sess *Session) {
	peer := s.router.NewPeer(sess.Outbox)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(sess)
	}()

	defer func() {
		peer.Leave(s.ctx)
		sess.Outbox.Close()

		// Let the writer flush what is already queued
		timer := time.NewTimer(s.config.ShutdownGrace)
		select {
		case <-writerDone:
		case <-timer.C:
		}
		timer.Stop()

		s.sessions.RemoveSession(sess.ID)
		s.disconnectionsSinceReport.Add(1)
	}()

	for {
		env, err := sess.Conn.ReadEnvelope()
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrInvalidEnvelope):
				s.metrics.RecordDecodeError()
				errorLog.Printf("Session %d: protocol error: %v", sess.ID, err)
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				debugLog.Printf("Session %d: client disconnected", sess.ID)
			default:
				debugLog.Printf("Session %d: read error: %v", sess.ID, err)
			}
			return
		}

		if env.Intent == nil {
			// Clients only ever send intents
			s.metrics.RecordDecodeError()
			errorLog.Printf("Session %d: unexpected %s from client", sess.ID, env.Reply.Kind())
			return
		}

		debugLog.Printf("Session %d ← RECV: %s", sess.ID, env.Intent.Kind())
		s.metrics.RecordIntentReceived(env.Intent.Kind())

		peer.Handle(s.ctx, env.Intent)
		if sess.Name() == "" && peer.State() == PeerActive {
			sess.setName(peer.Name())
		}
	}
}

// writeLoop is the only writer of the session's stream. It sends replies in
// queue order and, once the outbox is closed, drains what is left and exits.
func (s *Server) writeLoop(sess *Session) {
	queue := sess.Outbox.Queue()
	for {
		select {
		case reply := <-queue:
			if !s.writeReply(sess, reply) {
				return
			}
		case <-sess.Outbox.Done():
			for {
				select {
				case reply := <-queue:
					if !s.writeReply(sess, reply) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// writeReply reports whether the write loop should keep going. A failed write
// closes the stream so the read loop tears the session down.
func (s *Server) writeReply(sess *Session, reply protocol.ServerReply) bool {
	if err := sess.Conn.WriteReply(reply); err != nil {
		debugLog.Printf("Session %d: write %s failed: %v", sess.ID, reply.Kind(), err)
		s.metrics.RecordDeliveryFailure(reply.Kind())
		sess.Conn.Close()
		return false
	}
	debugLog.Printf("Session %d → SEND: %s", sess.ID, reply.Kind())
	s.metrics.RecordReplySent(reply.Kind())
	return true
}

// metricsLoggingLoop periodically logs connection counts
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(metricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			users, globalLines, privateLogs := s.state.Stats()
			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)

			log.Printf("[METRICS] Sessions: %d, users: %d, connected since last: %d, disconnected since last: %d, history: %d global / %d private, goroutines: %d",
				s.sessions.CountSessions(), users, connected, disconnected, globalLines, privateLogs, runtime.NumGoroutine())
		}
	}
}

// HealthStatus is the body served on /health
type HealthStatus struct {
	Status        string         `json:"status"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Sessions      int            `json:"sessions"`
	Transports    map[string]int `json:"transports"`
	Users         int            `json:"users"`
	GlobalHistory int            `json:"global_history"`
	PrivateLogs   int            `json:"private_logs"`
}

// HealthHandler reports liveness and a summary of the relay state
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	users, globalLines, privateLogs := s.state.Stats()
	status := HealthStatus{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Sessions:      s.sessions.CountSessions(),
		Transports:    s.sessions.CountByTransport(),
		Users:         users,
		GlobalHistory: globalLines,
		PrivateLogs:   privateLogs,
	}

	select {
	case <-s.shutdown:
		status.Status = "shutting down"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
	default:
		w.Header().Set("Content-Type", "application/json")
	}

	if err := json.NewEncoder(w).Encode(status); err != nil {
		debugLog.Printf("Health response: %v", err)
	}
}
