package mesh

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jfpfau/linkmesh/internal/sio"
	"github.com/jfpfau/linkmesh/internal/transport"
	"go.uber.org/zap"
)

// MaxPeers is the largest mesh this protocol supports (spec.md §1 Non-goals).
const MaxPeers = 4

// Logger is the subset of *zap.SugaredLogger this package calls. Declaring
// it lets tests supply a no-op or recording stand-in without pulling in zap.
type Logger interface {
	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
}

// Metrics is the subset of a metrics.Registry this package reports to. A nil
// Metrics (the default) makes every call below a no-op check, so the package
// never forces metrics collection on a caller that doesn't want it.
type Metrics interface {
	TransferCompleted()
	TransferError()
	BytesSent(n int)
	BytesReceived(n int)
	SetPeersConnected(n int)
}

// InvalidID marks a node that has connected to a master but has not yet
// received its Hello.
const InvalidID int = -1

// TransferValuesFill is the default per-peer transfer word before a round
// fills it in.
const TransferValuesFill uint16 = 0xFFFF

// Node is one participant in the mesh: one per emulator instance. It is the
// data a Driver (internal/sio) and the membership/transfer goroutines
// operate on jointly, per spec.md §3.
type Node struct {
	mu sync.Mutex

	// dataGBACond is waited on by the network thread (blocking in the
	// slave path until the emulator thread has set up per-round state);
	// signaled by the emulator thread.
	dataGBACond *sync.Cond
	// dataNetworkCond is waited on by the emulator thread in ProcessEvents
	// (blocking until the network thread delivers a TransferStart or
	// completes a round); signaled by the network thread.
	dataNetworkCond *sync.Cond

	id        int
	connected int
	mesh      [MaxPeers]*transport.Socket
	// selfListener is this node's own bound listening socket. For a master
	// it lives at mesh[0]; for a joiner, mesh[0] is overwritten with the
	// master connection during ConnectNode, and selfListener is moved into
	// mesh[id] once Hello assigns a stable id (spec.md §4.3).
	selfListener *transport.Socket

	port          int
	bindAddress   string
	publicAddress string

	siocnt sio.SIOCNT

	transferActive uint8
	transferValues [MaxPeers]uint16
	transferState  TransferState
	transferTime   int32
	linkCycles     uint32
	nextEvent      int32

	active bool

	core    sio.Core
	logger  Logger
	metrics Metrics

	// clk and peerActivity back StalledPeers' diagnostic: an injectable
	// clock lets tests advance time deterministically instead of sleeping,
	// matching the teacher's clock.Clock-backed activity tracking.
	clk          clock.Clock
	peerActivity [MaxPeers]time.Time

	// roundRequested carries the master network thread's wakeup when the
	// emulator thread flips IDLE->PENDING. A buffered channel (rather than
	// a blocking dataGBACond.Wait, as the original uses here) lets the
	// network thread's select loop keep servicing new connections and
	// packets while no round is pending; see membership.go's
	// selectAndDispatch and DESIGN.md.
	roundRequested chan struct{}

	// watcher holds one long-lived reader goroutine per peer socket across
	// networkLoop iterations; see transport.PeerWatcher's doc comment for
	// why a fresh Watch() per iteration would corrupt the wire framing.
	watcher *transport.PeerWatcher

	// peerConnectedSince records when each mesh slot was first populated,
	// for the status CLI's peer introspection; unlike peerActivity it is
	// never refreshed on later traffic.
	peerConnectedSince [MaxPeers]time.Time

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// PeerInfo describes one connected peer for introspection (the status CLI
// subcommand and tests), read-only and without effect on protocol behavior.
type PeerInfo struct {
	ID             int       `json:"id"`
	Address        string    `json:"address"`
	ConnectedSince time.Time `json:"connected_since"`
}

// NewNode allocates a Node and binds its listening socket. It does not
// start the network thread; call Attach for that. This is the internal
// helper behind the package-level CreateNode constructor in membership.go.
func NewNode(port int, bindAddress string, logger Logger) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	ln, err := transport.Listen(port, bindAddress)
	if err != nil {
		return nil, fmt.Errorf("mesh: bind listener: %w", err)
	}
	// port 0 asks the OS to pick an ephemeral port; resolve the one we
	// actually got so it is the value advertised in this node's Join.
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}

	stopCh := make(chan struct{})
	n := &Node{
		id:             0,
		connected:      1,
		port:           port,
		bindAddress:    bindAddress,
		transferState:  TransferIdle,
		logger:         logger,
		clk:            clock.New(),
		stopCh:         stopCh,
		roundRequested: make(chan struct{}, 1),
		watcher:        transport.NewPeerWatcher(MaxPeers, stopCh),
	}
	n.dataGBACond = sync.NewCond(&n.mu)
	n.dataNetworkCond = sync.NewCond(&n.mu)
	n.mesh[0] = ln
	n.selfListener = ln
	n.siocnt = n.siocnt.SetReady(false).SetSlave(false).SetID(0)
	for i := range n.transferValues {
		n.transferValues[i] = TransferValuesFill
	}
	return n, nil
}

// BindCore attaches the host emulator callback surface this node drives.
// Must be called before Attach.
func (n *Node) BindCore(c sio.Core) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.core = c
}

// SetMetrics attaches the registry this node reports counters and gauges to.
// Must be called before Attach; a nil registry (the default) disables
// reporting entirely.
func (n *Node) SetMetrics(m Metrics) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.metrics = m
}

// SetClock overrides the clock used for peer activity timestamps. Intended
// for tests; must be called before Attach.
func (n *Node) SetClock(c clock.Clock) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.clk = c
}

// touchPeerLocked records that a peer slot was just heard from. Caller must
// hold n.mu.
func (n *Node) touchPeerLocked(index int) {
	if index < 0 || index >= MaxPeers {
		return
	}
	n.peerActivity[index] = n.clk.Now()
}

// StalledPeers returns the indices of connected peers that have not been
// heard from within threshold, for the master's diagnostic logging. A peer never heard from since connecting is not reported: a
// fresh Join/Hello exchange itself counts as activity via touchPeerLocked.
func (n *Node) StalledPeers(threshold time.Duration) []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.clk.Now()
	var stalled []int
	for i, s := range n.mesh {
		if i == n.id || !s.Valid() || n.peerActivity[i].IsZero() {
			continue
		}
		if now.Sub(n.peerActivity[i]) > threshold {
			stalled = append(stalled, i)
		}
	}
	return stalled
}

// reportPeersLocked refreshes the peers-connected gauge from the current
// mesh contents. Caller must hold n.mu.
func (n *Node) reportPeersLocked() {
	if n.metrics == nil {
		return
	}
	count := 0
	for i, s := range n.mesh {
		if i != n.id && s.Valid() {
			count++
		}
	}
	n.metrics.SetPeersConnected(count)
}

// ID returns the node's current mesh id (InvalidID until a Hello is
// processed for a joiner).
func (n *Node) ID() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.id
}

// Connected returns the current known-peer count, including self.
func (n *Node) Connected() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected
}

// IsMaster reports whether this node is the mesh master (id == 0).
func (n *Node) IsMaster() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.id == 0
}

// SIOCNT returns the current canonical register mirror.
func (n *Node) SIOCNT() sio.SIOCNT {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.siocnt
}

// PublicAddress returns the endpoint this node advertises to new peers.
func (n *Node) PublicAddress() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.publicAddress
}

// Peers returns a snapshot of every connected peer other than self, for
// introspection (the status CLI subcommand) and tests (spec.md §8 scenario
// 2).
func (n *Node) Peers() []PeerInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]PeerInfo, 0, MaxPeers-1)
	for i, s := range n.mesh {
		if i == n.id || !s.Valid() {
			continue
		}
		addr := ""
		if a := s.Addr(); a != nil {
			addr = a.String()
		}
		out = append(out, PeerInfo{ID: i, Address: addr, ConnectedSince: n.peerConnectedSince[i]})
	}
	return out
}

// markPeerConnectedLocked stamps the moment a mesh slot was first populated.
// Caller must hold n.mu.
func (n *Node) markPeerConnectedLocked(index int) {
	if index < 0 || index >= MaxPeers {
		return
	}
	n.peerConnectedSince[index] = n.clk.Now()
}

// TransferState returns the current transfer automaton state, for tests.
func (n *Node) TransferState() TransferState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.transferState
}

// transition moves the automaton from its current state to next, logging
// and refusing anything not in legalTransitions. Caller must hold n.mu.
func (n *Node) transition(next TransferState) {
	if !n.transferState.CanTransition(next) {
		n.logger.Errorw("sio entered bad state", "from", n.transferState, "to", next)
		return
	}
	n.transferState = next
}
