package server

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/samber/lo"
)

// Session represents an active client connection
type Session struct {
	ID         uint64
	Conn       *SafeConn // Transport stream with frame codec
	RemoteAddr string
	Transport  string  // "tcp", "websocket" or "ssh"
	Outbox     *Outbox // Bounded outbound queue drained by the write loop
	mu         sync.RWMutex
	name       string // Registered name, empty until Register
}

// Name returns the registered name, or "" before registration
func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

func (s *Session) setName(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

// SessionManager tracks every open connection, registered or not, so the
// server can close them all on shutdown.
type SessionManager struct {
	sessions   map[uint64]*Session
	nextID     uint64
	mu         sync.RWMutex
	metrics    *Metrics
	outboxSize int
}

// NewSessionManager creates a session manager whose sessions get outboxes of outboxSize
func NewSessionManager(outboxSize int) *SessionManager {
	return &SessionManager{
		sessions:   make(map[uint64]*Session),
		nextID:     1,
		outboxSize: outboxSize,
	}
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// CreateSession creates a new session
func (sm *SessionManager) CreateSession(conn io.ReadWriteCloser, remoteAddr, transport string) *Session {
	// Allocate session ID atomically (no lock needed)
	sessionID := atomic.AddUint64(&sm.nextID, 1) - 1

	sess := &Session{
		ID:         sessionID,
		Conn:       NewSafeConn(conn),
		RemoteAddr: remoteAddr,
		Transport:  transport,
		Outbox:     NewOutbox(sm.outboxSize),
	}

	// Only acquire lock for map insertion (critical section)
	sm.mu.Lock()
	sm.sessions[sessionID] = sess
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	// Update metrics outside lock
	sm.metrics.RecordActiveSessions(sessionCount)
	sm.metrics.RecordSessionCreated(transport)

	return sess
}

// CountByTransport returns how many sessions are open on each transport
func (sm *SessionManager) CountByTransport() map[string]int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return lo.CountValuesBy(lo.Values(sm.sessions), func(sess *Session) string {
		return sess.Transport
	})
}

// RemoveSession removes a session and closes the connection
func (sm *SessionManager) RemoveSession(sessionID uint64) {
	sm.mu.Lock()
	sess, ok := sm.sessions[sessionID]
	if !ok {
		sm.mu.Unlock()
		return
	}
	delete(sm.sessions, sessionID)
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	sm.metrics.RecordActiveSessions(sessionCount)

	sess.Outbox.Close()
	sess.Conn.Close()
}

// CountSessions returns the number of open connections
func (sm *SessionManager) CountSessions() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return len(sm.sessions)
}

// CloseAll closes all sessions
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	sessions := sm.sessions
	sm.sessions = make(map[uint64]*Session)
	sm.mu.Unlock()

	for _, sess := range sessions {
		sess.Outbox.Close()
		sess.Conn.Close()
	}

	sm.metrics.RecordActiveSessions(0)
}
