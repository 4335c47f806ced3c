package server

import (
	"sync"

	"github.com/aeolun/chatrelay/pkg/history"
)

// State is the relay's shared mutable state: the name directory and the
// conversation history. One mutex guards both so they change as a unit.
//
// The mutex is only ever held for in-memory map and slice work. Socket I/O and
// outbox sends happen after Do returns, using snapshots taken inside it.
type State struct {
	mu        sync.Mutex
	directory *Directory
	history   *history.Store
}

// NewState creates empty shared state with history logs of historyCapacity lines
func NewState(historyCapacity int) *State {
	return &State{
		directory: NewDirectory(),
		history:   history.NewStore(historyCapacity),
	}
}

// Do runs fn with exclusive access to the directory and history. fn must not
// block: no network calls and no outbox sends.
func (s *State) Do(fn func(dir *Directory, hist *history.Store)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.directory, s.history)
}

// Handles snapshots every registered outbox
func (s *State) Handles() []*Outbox {
	var handles []*Outbox
	s.Do(func(dir *Directory, _ *history.Store) {
		handles = dir.Handles()
	})
	return handles
}

// Names snapshots every registered name
func (s *State) Names() []string {
	var names []string
	s.Do(func(dir *Directory, _ *history.Store) {
		names = dir.Names()
	})
	return names
}

// Lookup returns the outbox currently registered under name
func (s *State) Lookup(name string) (*Outbox, bool) {
	var (
		h  *Outbox
		ok bool
	)
	s.Do(func(dir *Directory, _ *history.Store) {
		h, ok = dir.Lookup(name)
	})
	return h, ok
}

// GlobalHistory snapshots the broadcast log
func (s *State) GlobalHistory() []string {
	var lines []string
	s.Do(func(_ *Directory, hist *history.Store) {
		lines = hist.Global()
	})
	return lines
}

// PrivateHistory snapshots name's private log
func (s *State) PrivateHistory(name string) []string {
	var lines []string
	s.Do(func(_ *Directory, hist *history.Store) {
		lines = hist.Private(name)
	})
	return lines
}

// Stats reports directory and history sizes for metrics and health checks
func (s *State) Stats() (users, globalLines, privateLogs int) {
	s.Do(func(dir *Directory, hist *history.Store) {
		users = dir.Len()
		globalLines = hist.GlobalLen()
		privateLogs = hist.Users()
	})
	return users, globalLines, privateLogs
}
