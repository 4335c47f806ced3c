package server

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/aeolun/chatrelay/pkg/history"
	"github.com/aeolun/chatrelay/pkg/protocol"
)

// Commands understood by the relay
const (
	CommandUsers   = "/users"
	CommandHistory = "/history"
)

// Fixed reply texts
const (
	GlobalHistoryHeader  = "=== Broadcast History ==="
	PrivateHistoryHeader = "=== Your Private History ==="
	NoUserOnline         = "No User Online"
	TargetOffline        = "Private target is not online or the name is incorrect"
)

// Line formats stored in history and notices sent on join/leave
func broadcastLine(from, content string) string { return fmt.Sprintf("%s broadcast: %s", from, content) }
func sentLine(to, content string) string        { return fmt.Sprintf("You → %s: %s", to, content) }
func receivedLine(from, content string) string  { return fmt.Sprintf("%s → You: %s", from, content) }
func issuedLine(command string) string          { return fmt.Sprintf("You issued: %s", command) }
func joinNotice(name string) string             { return name + " join the chat" }
func leaveNotice(name string) string            { return name + " leave the chat" }
func unknownCommand(command string) string      { return "Unknown command: " + command }

// DefaultExitTimeout bounds how long shutdown waits on one full outbox when
// queueing Exit
const DefaultExitTimeout = time.Second

// Router decides what each client intent does to the shared state and who gets
// which reply. It never touches sockets; replies go to outboxes.
type Router struct {
	state       *State
	metrics     *Metrics
	exitTimeout time.Duration
	closed      bool // guarded by the state mutex
}

// NewRouter creates a router over state. metrics may be nil.
func NewRouter(state *State, metrics *Metrics) *Router {
	return &Router{state: state, metrics: metrics, exitTimeout: DefaultExitTimeout}
}

// State returns the shared state the router works on
func (r *Router) State() *State {
	return r.state
}

// Join registers name → h and tells every registered connection, the new one
// included, that name joined. After Shutdown the connection is sent Exit
// instead.
func (r *Router) Join(ctx context.Context, name string, h *Outbox) {
	var (
		targets  []*Outbox
		replaced bool
		closed   bool
	)
	r.state.Do(func(dir *Directory, _ *history.Store) {
		if r.closed {
			closed = true
			return
		}
		_, replaced = dir.Insert(name, h)
		targets = dir.Handles()
	})
	if closed {
		r.deliver(ctx, h, protocol.Exit{})
		h.Close()
		return
	}
	if replaced {
		debugLog.Printf("Name %q re-registered; previous connection no longer routed", name)
	}
	r.recordState()

	r.fanOut(ctx, targets, protocol.System{Content: joinNotice(name)})
}

// Leave unregisters name if it still maps to h and tells the remaining
// connections. It reports whether the name was removed.
func (r *Router) Leave(ctx context.Context, name string, h *Outbox) bool {
	var (
		removed bool
		targets []*Outbox
	)
	r.state.Do(func(dir *Directory, _ *history.Store) {
		removed = dir.RemoveIf(name, h)
		targets = dir.Handles()
	})
	if !removed {
		return false
	}
	r.recordState()

	r.fanOut(ctx, targets, protocol.System{Content: leaveNotice(name)})
	return true
}

// Broadcast records the line globally and fans it out to every connection
func (r *Router) Broadcast(ctx context.Context, m protocol.Broadcast) {
	r.state.Do(func(_ *Directory, hist *history.Store) {
		hist.AppendGlobal(broadcastLine(m.From, m.Content))
	})
	r.recordState()

	targets := r.state.Handles()
	r.fanOut(ctx, targets, protocol.BroadcastMessage{From: m.From, Content: m.Content})
}

// Private records the line in both users' histories, whether or not the target
// is online, then delivers it or tells sender the target is unknown.
func (r *Router) Private(ctx context.Context, sender *Outbox, m protocol.Private) {
	var (
		target *Outbox
		online bool
	)
	r.state.Do(func(dir *Directory, hist *history.Store) {
		hist.AppendPrivate(m.From, sentLine(m.To, m.Content))
		hist.AppendPrivate(m.To, receivedLine(m.From, m.Content))
		target, online = dir.Lookup(m.To)
	})
	r.recordState()

	if !online {
		r.deliver(ctx, sender, protocol.Error{To: m.From, Content: TargetOffline})
		return
	}
	r.deliver(ctx, target, protocol.PrivateMessage{From: m.From, To: m.To, Content: m.Content})
}

// Command answers a slash command to sender
func (r *Router) Command(ctx context.Context, sender *Outbox, m protocol.Command) {
	switch m.Command {
	case CommandUsers:
		r.deliver(ctx, sender, r.users(m.From))
	case CommandHistory:
		r.deliver(ctx, sender, r.history(m.From))
	default:
		r.deliver(ctx, sender, protocol.Error{To: m.From, Content: unknownCommand(m.Command)})
	}
}

func (r *Router) users(from string) protocol.ServerReply {
	var names []string
	r.state.Do(func(dir *Directory, hist *history.Store) {
		hist.AppendPrivate(from, issuedLine(CommandUsers))
		names = dir.Names()
	})
	r.recordState()

	if len(names) == 0 {
		return protocol.System{Content: NoUserOnline}
	}
	slices.Sort(names)
	return protocol.UserList{To: from, Names: names}
}

// history journals the request before reading back, so the private section
// always ends with the "/history" line itself.
func (r *Router) history(from string) protocol.ServerReply {
	var lines []string
	r.state.Do(func(_ *Directory, hist *history.Store) {
		hist.AppendPrivate(from, issuedLine(CommandHistory))

		global := hist.Global()
		private := hist.Private(from)
		lines = make([]string, 0, len(global)+len(private)+2)
		lines = append(lines, GlobalHistoryHeader)
		lines = append(lines, global...)
		lines = append(lines, PrivateHistoryHeader)
		lines = append(lines, private...)
	})
	r.recordState()

	return protocol.History{To: from, Text: strings.Join(lines, "\n")}
}

// Shutdown sends Exit to every registered connection, then clears the
// directory and closes the outboxes it held so their write loops drain and
// stop. Each connection gets its own exitTimeout to take Exit, so a stalled
// one costs at most that and never the others their Exit. Joins arriving
// after the snapshot are answered with Exit and never enter the directory.
// It returns how many connections were sent Exit.
func (r *Router) Shutdown(ctx context.Context) int {
	var targets []*Outbox
	r.state.Do(func(dir *Directory, _ *history.Store) {
		r.closed = true
		targets = dir.Handles()
	})

	sent := 0
	for _, h := range targets {
		sendCtx, cancel := context.WithTimeout(ctx, r.exitTimeout)
		if r.deliver(sendCtx, h, protocol.Exit{}) {
			sent++
		}
		cancel()
	}

	var cleared []*Outbox
	r.state.Do(func(dir *Directory, _ *history.Store) {
		cleared = dir.Clear()
	})
	for _, h := range cleared {
		h.Close()
	}
	r.recordState()

	return sent
}

// fanOut delivers reply to each target. A failed target is skipped; it never
// stops delivery to the rest.
func (r *Router) fanOut(ctx context.Context, targets []*Outbox, reply protocol.ServerReply) int {
	sent := 0
	for _, h := range targets {
		if r.deliver(ctx, h, reply) {
			sent++
		}
	}
	return sent
}

func (r *Router) deliver(ctx context.Context, h *Outbox, reply protocol.ServerReply) bool {
	if err := h.Send(ctx, reply); err != nil {
		debugLog.Printf("Dropped %s: %v", reply.Kind(), err)
		r.metrics.RecordDeliveryFailure(reply.Kind())
		return false
	}
	return true
}

func (r *Router) recordState() {
	if r.metrics == nil {
		return
	}
	r.metrics.RecordState(r.state.Stats())
}

// PeerState is where a connection is in the registration handshake
type PeerState int

const (
	PeerUnregistered PeerState = iota
	PeerActive
)

func (s PeerState) String() string {
	switch s {
	case PeerUnregistered:
		return "unregistered"
	case PeerActive:
		return "active"
	default:
		return fmt.Sprintf("PeerState(%d)", int(s))
	}
}

// Peer is one connection's view of the router. It carries the handshake
// state and routes each intent the connection sends. A Peer is used by a
// single read loop and is not safe for concurrent use.
type Peer struct {
	router *Router
	outbox *Outbox
	state  PeerState
	name   string
}

// NewPeer creates an unregistered peer whose replies go to outbox
func (r *Router) NewPeer(outbox *Outbox) *Peer {
	return &Peer{
		router: r,
		outbox: outbox,
		state:  PeerUnregistered,
	}
}

// State returns the handshake state
func (p *Peer) State() PeerState {
	return p.state
}

// Name returns the registered name, or "" before registration
func (p *Peer) Name() string {
	return p.name
}

// Handle routes one intent. Until a Register arrives every other intent is
// dropped.
func (p *Peer) Handle(ctx context.Context, intent protocol.ClientIntent) {
	intent.Dispatch(peerCall{peer: p, ctx: ctx})
}

// Leave unregisters the peer's name if it is still the peer's own
func (p *Peer) Leave(ctx context.Context) {
	if p.state != PeerActive {
		return
	}
	p.router.Leave(ctx, p.name, p.outbox)
}

// peerCall binds a Peer to the context of the intent being handled
type peerCall struct {
	peer *Peer
	ctx  context.Context
}

func (c peerCall) HandleRegister(m protocol.Register) {
	p := c.peer
	if p.state == PeerActive {
		debugLog.Printf("Ignoring repeated Register %q from %q", m.Name, p.name)
		return
	}
	p.name = m.Name
	p.state = PeerActive
	p.router.Join(c.ctx, m.Name, p.outbox)
}

func (c peerCall) HandleBroadcast(m protocol.Broadcast) {
	if !c.active(m) {
		return
	}
	c.peer.router.Broadcast(c.ctx, m)
}

func (c peerCall) HandlePrivate(m protocol.Private) {
	if !c.active(m) {
		return
	}
	c.peer.router.Private(c.ctx, c.peer.outbox, m)
}

func (c peerCall) HandleCommand(m protocol.Command) {
	if !c.active(m) {
		return
	}
	c.peer.router.Command(c.ctx, c.peer.outbox, m)
}

func (c peerCall) active(intent protocol.ClientIntent) bool {
	if c.peer.state != PeerActive {
		debugLog.Printf("Dropping %s before registration", intent.Kind())
		return false
	}
	return true
}
