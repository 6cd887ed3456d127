package mesh

import (
	"fmt"
	"net"

	"github.com/jfpfau/linkmesh/internal/transport"
	"github.com/jfpfau/linkmesh/internal/wire"
)

// Deps bundles the external collaborators CreateNode hands to a new Node.
// It carries only the logger; the emulator callback surface is bound
// separately with BindCore.
type Deps struct {
	Logger Logger
}

// CreateNode establishes the listener and initializes state for a
// master-shaped node (invariant: id==0), per spec.md §6.
func CreateNode(port int, bindAddress string, deps Deps) (*Node, error) {
	return NewNode(port, bindAddress, deps.Logger)
}

// ConnectNode transitions a freshly created node into join mode (id==-1),
// dials the master, and puts the master connection at mesh[0]. The node's
// own listener stays in selfListener until a Hello assigns a stable id and
// awaitHello moves it into mesh[id]. It does not
// block for the ensuing Hello; that happens on the network thread started
// by Attach.
func ConnectNode(n *Node, masterPort int, masterAddress, publicAddress string) error {
	sock, err := transport.Connect(masterPort, masterAddress)
	if err != nil {
		return fmt.Errorf("mesh: connect to master: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.mesh[0] = sock
	n.id = InvalidID
	n.publicAddress = publicAddress
	return nil
}

// networkLoop is the network thread's body: while awaiting a Hello, read
// just that; otherwise block once across every peer socket, this node's own
// listener, and (on a master) a pending guest-initiated round, then dispatch
// whichever became ready first.
//
// The original mGBA source instead has the master network thread block
// exclusively on dataGBACond until a round is requested, only returning to
// its socket select loop afterward — which would starve new connections and
// gossip once a second peer is attached (spec.md §8 scenario 2 requires a
// third node be able to join a two-node mesh without a transfer happening
// first), so round-kickoff is folded into the same select as everything
// else instead of gating it.
func (n *Node) networkLoop() {
	defer n.wg.Done()

	for {
		n.mu.Lock()
		if !n.active {
			n.mu.Unlock()
			return
		}
		id := n.id
		n.mu.Unlock()

		if id == InvalidID {
			n.awaitHello()
			continue
		}

		if !n.selectAndDispatch(id) {
			return
		}
	}
}

// awaitHello blocks for the master's Hello on a joiner's sole connection,
// per spec.md §4.3. Any structural error closes mesh[0], stops the node,
// and ends the network thread.
func (n *Node) awaitHello() {
	n.mu.Lock()
	sock := n.mesh[0]
	n.mu.Unlock()

	typ, err := wire.ReadType(sock.Conn())
	if err != nil {
		n.logger.Warnw("mesh: lost master before hello", "err", err)
		n.failJoin(sock)
		return
	}
	if typ != wire.TypeHello {
		n.logger.Warnw("mesh: expected hello, got other packet", "type", typ)
		n.failJoin(sock)
		return
	}
	hello, err := wire.DecodeHello(sock.Conn())
	if err != nil || hello.ID >= MaxPeers {
		n.logger.Errorw("mesh: invalid hello from master", "err", err)
		n.failJoin(sock)
		return
	}

	n.mu.Lock()
	n.id = int(hello.ID)
	n.mesh[n.id] = n.selfListener
	n.linkCycles = hello.Sync
	n.connected = n.id + 1
	n.siocnt = n.siocnt.SetID(uint8(n.id)).SetSlave(true)
	port := n.port
	addr := n.publicAddress
	n.markPeerConnectedLocked(0)
	n.touchPeerLocked(0)
	n.reportPeersLocked()
	n.mu.Unlock()

	// sock (mesh[0], the master connection) was read directly above while
	// awaiting this Hello; from here on it's an ordinary peer link and must
	// join the persistent watcher set selectAndDispatch reads from.
	n.watcher.Add(0, sock)

	n.logger.Infow("mesh: joined", "id", n.id, "sync", hello.Sync)

	if err := n.sendJoin(sock, hello.ID, port, addr); err != nil {
		n.logger.Warnw("mesh: failed to announce join", "err", err)
	}
}

// failJoin closes the master socket and stops the network thread; a failed
// join leaves the node re-usable but out of the mesh (spec.md §6).
func (n *Node) failJoin(sock *transport.Socket) {
	sock.Close()
	n.mu.Lock()
	n.mesh[0] = nil
	n.active = false
	n.mu.Unlock()
}

// sendJoin announces this node's advertised endpoint to the master once a
// stable id has been assigned.
func (n *Node) sendJoin(masterSock *transport.Socket, id uint8, port int, addr string) error {
	ip := net.ParseIP(addr)
	if ip == nil {
		return fmt.Errorf("mesh: invalid public address %q", addr)
	}
	v4 := ip.To4()
	var raw []byte
	var ipVersion uint32
	if v4 != nil {
		raw, ipVersion = v4, 4
	} else {
		raw, ipVersion = ip.To16(), 16
	}

	pkt := wire.Join{ID: id, Port: uint16(port), IPVersion: ipVersion, Address: raw}
	buf, err := pkt.Encode()
	if err != nil {
		return err
	}
	return masterSock.SendAll(buf)
}

// selectAndDispatch blocks once across every peer socket plus this node's
// own listener and handles whichever becomes ready first — the Go
// replacement for the original's single-pass BSD select() over the whole
// mesh fd_set (spec.md §9 "Dynamic socket multiplexing"). Peer sockets are
// read by n.watcher's long-lived per-socket goroutines rather than a fresh
// Watch() each pass, so a socket whose event isn't drained this iteration
// stays owned by the same reader next time around instead of racing a new
// one. Returns false when the node has been detached.
func (n *Node) selectAndDispatch(selfID int) bool {
	n.mu.Lock()
	listener := n.mesh[selfID]
	n.mu.Unlock()

	events := n.watcher.Events()
	var listenEvents <-chan transport.ListenEvent
	if listener.Valid() {
		listenEvents = transport.WatchListener(selfID, listener)
	}
	var roundRequested <-chan struct{}
	if selfID == 0 {
		roundRequested = n.roundRequested
	}

	select {
	case <-n.stopCh:
		return false
	case ev := <-events:
		n.dispatch(ev, selfID)
		return true
	case lev := <-listenEvents:
		n.acceptNew(lev, selfID)
		return true
	case <-roundRequested:
		n.mu.Lock()
		state := n.transferState
		n.mu.Unlock()
		if state == TransferPending {
			n.startTransferMaster()
		}
		return true
	}
}

// acceptNew handles a new inbound connection on this node's own listener.
// A master assigns the next free id and greets the newcomer with a Hello
// (spec.md §4.3 "Master accept path"); a non-master peer expects the
// newcomer to greet first with a Hello naming its own assigned id
// ("Slave accept path").
func (n *Node) acceptNew(ev transport.ListenEvent, selfID int) {
	if ev.Err != nil {
		n.logger.Warnw("mesh: accept failed", "err", ev.Err)
		return
	}
	stranger := ev.Conn

	if selfID != 0 {
		n.acceptAsPeer(stranger)
		return
	}
	n.acceptAsMaster(stranger)
}

func (n *Node) acceptAsPeer(stranger *transport.Socket) {
	typ, err := wire.ReadType(stranger.Conn())
	if err != nil || typ != wire.TypeHello {
		n.logger.Warnw("mesh: invalid hello packet", "type", typ, "err", err)
		stranger.Close()
		return
	}
	hello, err := wire.DecodeHello(stranger.Conn())
	if err != nil || hello.ID >= MaxPeers {
		n.logger.Warnw("mesh: invalid hello packet", "err", err)
		stranger.Close()
		return
	}

	n.mu.Lock()
	if n.mesh[hello.ID].Valid() {
		n.mu.Unlock()
		n.logger.Warnw("mesh: redundant hello", "id", hello.ID)
		stranger.Close()
		return
	}
	n.mesh[hello.ID] = stranger
	n.markPeerConnectedLocked(int(hello.ID))
	n.touchPeerLocked(int(hello.ID))
	n.reportPeersLocked()
	n.mu.Unlock()
	n.watcher.Add(int(hello.ID), stranger)
}

func (n *Node) acceptAsMaster(stranger *transport.Socket) {
	n.mu.Lock()
	if n.connected >= MaxPeers {
		n.mu.Unlock()
		n.logger.Warnw("mesh: rejecting connection, mesh is full")
		stranger.Close()
		return
	}
	newID := n.connected
	hello := wire.Hello{ID: uint8(newID), Sync: n.linkCycles}
	n.siocnt = n.siocnt.SetSlave(false).SetReady(true)
	n.connected++
	n.mesh[newID] = stranger
	n.markPeerConnectedLocked(newID)
	n.touchPeerLocked(newID)
	n.reportPeersLocked()
	n.mu.Unlock()
	n.watcher.Add(newID, stranger)

	if err := stranger.SendAll(hello.Encode()); err != nil {
		n.logger.Warnw("mesh: failed to send hello", "err", err)
	}
}

// dispatch decodes the packet that made ev.Peek available on an existing
// mesh link and routes it by kind, per spec.md §4.3/§4.4. Hello never
// arrives here: it is only ever the first thing read on a freshly accepted
// connection, handled by acceptAsPeer.
func (n *Node) dispatch(ev transport.ReadyEvent, selfID int) {
	if ev.Err != nil {
		n.closePeer(ev.Index)
		return
	}
	// Every branch below either fully reads its packet's body off sock.Conn()
	// before returning or has no body to read, so it's always safe for
	// ev.Index's watcher goroutine to block on its next one-byte read once
	// dispatch returns.
	defer n.watcher.Resume(ev.Index)

	n.mu.Lock()
	connected := n.connected
	sock := n.mesh[ev.Index]
	n.touchPeerLocked(ev.Index)
	n.mu.Unlock()
	if connected <= 1 || !sock.Valid() {
		return
	}

	switch wire.Type(ev.Peek) {
	case wire.TypeJoin:
		n.handleJoin(sock, ev.Index, selfID)
	case wire.TypeTransferStart:
		if ev.Index != 0 {
			n.logger.Errorw("mesh: invalid transfer start sender", "from", ev.Index)
			if _, err := wire.DecodeTransferStart(sock.Conn()); err != nil {
				n.closePeer(ev.Index)
			}
			return
		}
		n.processTransferStart(sock)
	case wire.TypeTransferData:
		data, err := wire.DecodeTransferData(sock.Conn())
		if err != nil {
			n.closePeer(ev.Index)
			return
		}
		if int(data.ID) != ev.Index {
			n.logger.Errorw("mesh: invalid transfer sender", "claimed", data.ID, "from", ev.Index)
			return
		}
		n.processTransferData(data)
	default:
		n.logger.Warnw("mesh: invalid packet type", "err", wire.ErrUnknownType, "type", ev.Peek, "from", ev.Index)
	}
}

// closePeer tears down a socket that errored or hit EOF (a short read),
// per spec.md §4.3 "Termination". No re-election or topology repair is
// performed (open TODO, spec.md §1 Non-goals).
func (n *Node) closePeer(index int) {
	n.watcher.Remove(index)
	n.mu.Lock()
	sock := n.mesh[index]
	n.mesh[index] = nil
	n.reportPeersLocked()
	n.mu.Unlock()
	if sock.Valid() {
		sock.Close()
	}
	n.logger.Infow("mesh: peer disconnected", "index", index)
}

// handleJoin implements spec.md §4.3's "Join (joiner -> master -> others)":
// the master validates and rebroadcasts; every other peer dials the new
// node and greets it with a Hello.
func (n *Node) handleJoin(sock *transport.Socket, fromIndex, selfID int) {
	join, err := wire.DecodeJoin(sock.Conn())
	if err != nil {
		n.logger.Warnw("mesh: bad join packet", "err", err)
		return
	}

	if selfID == 0 {
		n.handleJoinAsMaster(join, fromIndex)
		return
	}
	n.handleJoinAsPeer(join, fromIndex)
}

func (n *Node) handleJoinAsMaster(join wire.Join, fromIndex int) {
	if int(join.ID) != fromIndex {
		n.logger.Warnw("mesh: invalid join packet", "id", join.ID, "from", fromIndex)
		return
	}
	if int(join.ID) >= MaxPeers {
		n.logger.Warnw("mesh: invalid join packet", "id", join.ID)
		return
	}

	n.mu.Lock()
	peers := make([]*transport.Socket, 0, MaxPeers)
	for i := 1; i < n.connected; i++ {
		if i == fromIndex || !n.mesh[i].Valid() {
			continue
		}
		peers = append(peers, n.mesh[i])
	}
	n.mu.Unlock()

	buf, err := join.Encode()
	if err != nil {
		n.logger.Warnw("mesh: cannot re-encode join for broadcast", "err", err)
		return
	}
	for _, peer := range peers {
		if err := peer.SendAll(buf); err != nil {
			n.logger.Warnw("mesh: failed broadcasting join", "err", err)
		}
	}
	n.logger.Infow("mesh: welcomed player", "id", join.ID)
}

// handleJoinAsPeer is the "each recipient" half of the fan-out: dial the new
// peer's advertised endpoint and greet them with a Hello carrying this node's
// own id, which the new peer uses as the slot to file the connection under.
// Per spec.md §4.3, peers only accept Join from index 0 (the master).
func (n *Node) handleJoinAsPeer(join wire.Join, fromIndex int) {
	if fromIndex != 0 {
		n.logger.Warnw("mesh: join from non-master peer, dropping", "from", fromIndex)
		return
	}
	if int(join.ID) >= MaxPeers {
		n.logger.Warnw("mesh: invalid join packet", "id", join.ID)
		return
	}
	n.mu.Lock()
	if n.mesh[join.ID].Valid() {
		n.mu.Unlock()
		n.logger.Warnw("mesh: redundant join packet", "id", join.ID)
		return
	}
	selfID := n.id
	n.mu.Unlock()

	addr := net.IP(join.Address).String()
	sock, err := transport.Connect(int(join.Port), addr)
	if err != nil {
		n.logger.Warnw("mesh: failed to dial new peer", "addr", addr, "err", err)
		return
	}

	hello := wire.Hello{ID: uint8(selfID)}
	if err := sock.SendAll(hello.Encode()); err != nil {
		n.logger.Warnw("mesh: failed to greet new peer", "err", err)
		sock.Close()
		return
	}

	n.mu.Lock()
	n.mesh[join.ID] = sock
	if int(join.ID) >= n.connected {
		n.connected = int(join.ID) + 1
	}
	n.markPeerConnectedLocked(int(join.ID))
	n.touchPeerLocked(int(join.ID))
	n.reportPeersLocked()
	n.mu.Unlock()
	n.watcher.Add(int(join.ID), sock)
	n.logger.Infow("mesh: welcomed player", "id", join.ID)
}

// LinkCycles returns the current monotonic cycle accumulator.
func (n *Node) LinkCycles() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.linkCycles
}
