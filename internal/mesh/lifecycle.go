package mesh

import (
	"errors"
	"time"

	"go.uber.org/multierr"
)

// stalledPeerCheckInterval and stalledPeerThreshold govern the master's
// periodic diagnostic log of peers that have gone quiet.
const (
	stalledPeerCheckInterval = 30 * time.Second
	stalledPeerThreshold     = 60 * time.Second
)

// ErrAlreadyAttached is returned by Attach on a node whose network thread is
// already running.
var ErrAlreadyAttached = errors.New("mesh: node already attached")

// ErrNotAttached is returned by Detach on a node whose network thread is not
// running.
var ErrNotAttached = errors.New("mesh: node not attached")

// Attach starts the network thread and initializes the transfer state
// machine to IDLE, per spec.md §3 "Lifecycles". It is the counterpart to
// Detach and is safe to call exactly once per Node.
func (n *Node) Attach() error {
	n.mu.Lock()
	if n.active {
		n.mu.Unlock()
		return ErrAlreadyAttached
	}
	n.active = true
	n.transferState = TransferIdle
	n.mu.Unlock()

	n.wg.Add(1)
	go n.networkLoop()

	if n.id == 0 {
		n.wg.Add(1)
		go n.stalledPeerDiagnosticLoop()
	}

	n.logger.Infow("mesh: node attached", "id", n.id)
	return nil
}

// stalledPeerDiagnosticLoop periodically logs peers the master hasn't heard
// from in a while. It never alters protocol state: no re-election or
// disconnection is performed (spec.md §1 Non-goals), only a warning log.
func (n *Node) stalledPeerDiagnosticLoop() {
	defer n.wg.Done()

	n.mu.Lock()
	ticker := n.clk.Ticker(stalledPeerCheckInterval)
	n.mu.Unlock()
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			if stalled := n.StalledPeers(stalledPeerThreshold); len(stalled) > 0 {
				n.logger.Warnw("mesh: peers have gone quiet", "peers", stalled)
			}
		}
	}
}

// Detach signals active=false, wakes and joins the network thread, and
// closes every socket this node owns (spec.md §3, §5 "Cancellation"). Close
// failures across sockets are aggregated rather than discarding all but one,
// matching the teacher's multierr-based teardown convention.
func (n *Node) Detach() error {
	n.mu.Lock()
	if !n.active {
		n.mu.Unlock()
		return ErrNotAttached
	}
	n.active = false
	n.mu.Unlock()

	close(n.stopCh)
	// Closing every socket wakes any goroutine blocked in a PeerWatcher read
	// or Accept, which is the only way to unstick selectReadable without a
	// timeout (spec.md §5).
	var closeErr error
	n.mu.Lock()
	for i, s := range n.mesh {
		if s.Valid() {
			closeErr = multierr.Append(closeErr, s.Close())
		}
		n.mesh[i] = nil
	}
	n.mu.Unlock()

	n.dataGBACond.Broadcast()
	n.dataNetworkCond.Broadcast()

	n.wg.Wait()
	if closeErr != nil {
		n.logger.Warnw("mesh: errors closing sockets on detach", "err", closeErr)
	}
	n.logger.Infow("mesh: node detached", "id", n.id)
	return closeErr
}

// Active reports whether the network thread is currently running.
func (n *Node) Active() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.active
}
