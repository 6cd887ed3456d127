package mesh

import (
	"math"

	"github.com/jfpfau/linkmesh/internal/sio"
	"github.com/jfpfau/linkmesh/internal/transport"
	"github.com/jfpfau/linkmesh/internal/wire"
)

// farFuture stands in for the original's INT_MAX "no event scheduled"
// sentinel for nextEvent.
const farFuture int32 = math.MaxInt32

// Init satisfies sio.Driver: resets the transfer automaton and clears any
// scheduled event, matching the original's GBASIOMultiMeshInit. The active
// flag is left to Attach/Detach.
func (n *Node) Init() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transferState = TransferIdle
	n.transferActive = 0
	for i := range n.transferValues {
		n.transferValues[i] = TransferValuesFill
	}
	n.transferTime = 0
	n.nextEvent = farFuture
	return nil
}

// Deinit satisfies sio.Driver; actual thread teardown is Detach's job, kept
// separate so a Node can be reused across multiple Init/Deinit cycles of
// the same attached mesh session.
func (n *Node) Deinit() {}

// Load copies the canonical SIOCNT mirror into the guest-visible register,
// preserving the baud bits, matching the original's _siocntSync called from
// GBASIOMultiMeshLoad.
func (n *Node) Load() {
	if n.core == nil {
		return
	}
	n.mu.Lock()
	packed := n.siocnt
	n.mu.Unlock()
	current := sio.SIOCNT(n.core.ReadIO(sio.RegSIOCNT))
	merged := uint16(current)&0x0003 | uint16(packed)&^uint16(0x0003)
	n.core.WriteIO(sio.RegSIOCNT, merged)
}

// Unload is a no-op; the original leaves this callback unset.
func (n *Node) Unload() {}

// WriteRegister intercepts SIOCNT writes: only a master may set the START
// bit, which hands the round off to the network thread; everything else
// passes through after the read-only bits are resynced from the mirror.
// Per spec.md §4.5.
func (n *Node) WriteRegister(address uint32, value uint16) uint16 {
	if address != sio.RegSIOCNT {
		return value
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if sio.StartRequested(value) {
		if n.id == 0 {
			if n.transferState != TransferIdle {
				// A round is already in flight; the guest's new request is
				// dropped rather than clobbering it mid-transfer (the only
				// reading of spec.md §4.4's "backed up" policy that keeps
				// transferState's legal-transition invariant intact).
				n.logger.Warnw("mesh: transfer backed up")
				if n.metrics != nil {
					n.metrics.TransferError()
				}
			} else {
				n.setupTransferLocked()
				n.transition(TransferPending)
				select {
				case n.roundRequested <- struct{}{}:
				default:
				}
			}
		} else {
			n.logger.Errorw("mesh: slave attempting to commence transfer")
			if n.metrics != nil {
				n.metrics.TransferError()
			}
			value = sio.ClearStart(value, uint16(n.siocnt))
		}
	}
	return n.siocnt.ApplyWrite(value)
}

// ProcessEvents advances linkCycles and, once nextEvent expires, runs the
// cross-thread rendezvous that moves the transfer automaton from whichever
// side the network thread left it in through to FINISHED -> IDLE. Per
// spec.md §4.5/§5.
func (n *Node) ProcessEvents(cycles int32) int32 {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.linkCycles += uint32(cycles)
	if n.nextEvent == farFuture {
		return n.nextEvent
	}
	n.nextEvent -= cycles
	if n.nextEvent > 0 {
		return n.nextEvent
	}

	for n.transferState == TransferPending {
		n.dataNetworkCond.Wait()
	}

	if n.transferState == TransferGotStart {
		n.setupTransferLocked()
		n.nextEvent -= int32(n.linkCycles)
		n.transition(TransferSentData)
		n.dataGBACond.Signal()
	} else {
		for n.transferState == TransferSentData {
			n.dataNetworkCond.Wait()
		}
		if n.transferState != TransferFinished {
			n.logger.Errorw("mesh: sio entered bad state", "state", n.transferState)
			n.nextEvent = 32
		}
	}

	if n.transferState == TransferFinished {
		n.finishTransferLocked()
		n.nextEvent = farFuture
	}
	return n.nextEvent
}

// setupTransferLocked resets per-round state and computes this round's
// cycle budget. Caller must hold n.mu. Mirrors the original's
// _setupTransfer, shared by both the master-initiation and slave-rendezvous
// paths.
func (n *Node) setupTransferLocked() {
	n.transferActive = uint8(1<<uint(n.connected)-1) &^ (1 << uint(n.id))
	for i := range n.transferValues {
		n.transferValues[i] = TransferValuesFill
	}
	baud := sio.Baud9600
	participants := n.connected
	if n.core != nil {
		baud = n.core.MultiplayerControl().Baud
		n.transferTime = n.core.CyclesPerTransfer(baud, participants)
	}
	n.nextEvent = n.transferTime
}

// doTransferLocked captures this node's outgoing word from SIOMLT_SEND and
// broadcasts it to every connected peer, matching the original's
// _doTransfer. Caller must hold n.mu; it releases and reacquires the lock
// around the blocking socket sends.
func (n *Node) doTransferLocked() {
	var outgoing uint16
	if n.core != nil {
		outgoing = n.core.ReadIO(sio.RegSIOMLTSend)
	}
	n.transferValues[n.id] = outgoing
	pkt := wire.TransferData{ID: uint8(n.id), Data: outgoing}
	buf := pkt.Encode()

	peers := n.livePeersLocked()
	metrics := n.metrics
	n.mu.Unlock()
	for _, peer := range peers {
		if err := peer.SendAll(buf); err != nil {
			n.logger.Warnw("mesh: failed sending transfer data", "err", err)
			continue
		}
		if metrics != nil {
			metrics.BytesSent(len(buf))
		}
	}
	n.mu.Lock()
}

// livePeersLocked returns every valid peer socket other than self. Caller
// must hold n.mu.
func (n *Node) livePeersLocked() []*transport.Socket {
	peers := make([]*transport.Socket, 0, MaxPeers-1)
	for i := 0; i < n.connected; i++ {
		if i == n.id || !n.mesh[i].Valid() {
			continue
		}
		peers = append(peers, n.mesh[i])
	}
	return peers
}

// finishTransferLocked delivers the completed round's words to the guest
// and raises the SIO interrupt, matching the original's _finishTransfer.
// Caller must hold n.mu.
func (n *Node) finishTransferLocked() {
	if n.core != nil {
		n.core.WriteIO(sio.RegSIOMulti0, n.transferValues[0])
		n.core.WriteIO(sio.RegSIOMulti1, n.transferValues[1])
		n.core.WriteIO(sio.RegSIOMulti2, n.transferValues[2])
		n.core.WriteIO(sio.RegSIOMulti3, n.transferValues[3])
		if n.core.MultiplayerControl().IRQ {
			n.core.RaiseSIOIRQ()
		}
	}
	if n.metrics != nil {
		n.metrics.TransferCompleted()
	}
	n.transition(TransferIdle)
}

// startTransferMaster is the network thread's master-side round kickoff:
// broadcast TransferStart, rebase linkCycles to zero, flip to SENT_DATA,
// then broadcast this node's own TransferData. Per spec.md §4.4 "Master
// round" step 2, mirroring the original's _startTransfer.
func (n *Node) startTransferMaster() {
	n.mu.Lock()
	sync := n.linkCycles
	peers := n.livePeersLocked()
	n.mu.Unlock()

	pkt := wire.TransferStart{Sync: sync}
	buf := pkt.Encode()
	for _, peer := range peers {
		if err := peer.SendAll(buf); err != nil {
			n.logger.Warnw("mesh: failed broadcasting transfer start", "err", err)
		}
	}

	n.mu.Lock()
	n.linkCycles = 0
	n.transition(TransferSentData)
	n.dataNetworkCond.Signal()
	n.doTransferLocked()
	n.mu.Unlock()
}

// processTransferStart is the slave network thread's handler for an
// incoming TransferStart: rebase linkCycles against the master's sync
// point, fold the skew into this round's budget, flip to GOT_START, and
// force the emulator thread to preempt immediately. Per spec.md §4.4
// "Slave round" step 1 and §4.6, mirroring the original's
// _processTransferStart.
func (n *Node) processTransferStart(sock *transport.Socket) {
	start, err := wire.DecodeTransferStart(sock.Conn())
	if err != nil {
		n.logger.Warnw("mesh: bad transfer start", "err", err)
		return
	}

	n.mu.Lock()
	n.siocnt = n.siocnt.SetSlave(true).SetReady(true)
	skew := int64(n.linkCycles) - int64(start.Sync)
	n.logger.Debugw("mesh: sync packet", "local", n.linkCycles, "remote", start.Sync, "skew", skew)
	n.linkCycles -= start.Sync
	n.transferTime += int32(n.linkCycles)
	n.transition(TransferGotStart)
	n.nextEvent = 0
	if n.core != nil {
		n.core.ForceEventDispatch()
	}
	for n.transferState == TransferGotStart {
		n.dataGBACond.Wait()
	}
	n.doTransferLocked()
	n.mu.Unlock()
}

// processTransferData records one peer's round word. Once every expected
// peer has reported, it flips SENT_DATA -> FINISHED and wakes the emulator
// thread. Per spec.md §4.4 "Master round" step 3, shared by both roles,
// mirroring the original's _processTransferData.
func (n *Node) processTransferData(data wire.TransferData) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.transferValues[data.ID] = data.Data
	n.transferActive &^= 1 << data.ID
	if n.metrics != nil {
		n.metrics.BytesReceived(len(data.Encode()))
	}
	n.logger.Debugw("mesh: data received", "values", n.transferValues, "from", data.ID)
	if n.transferActive != 0 {
		return
	}

	n.siocnt = n.siocnt.SetID(uint8(n.id)).SetBusy(false)
	n.transition(TransferFinished)
	n.nextEvent = n.transferTime - int32(n.linkCycles)
	if n.core != nil {
		n.core.ForceEventDispatch()
	}
	n.dataNetworkCond.Signal()
	n.logger.Debugw("mesh: transfer ended", "remaining", n.nextEvent)
}
