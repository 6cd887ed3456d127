package transport

import "sync"

// ReadyEvent reports that the socket at Index became readable (Err == nil,
// a caller-supplied byte has been pre-read into Peek) or errored/closed
// (Err != nil). This is the Go replacement for the BSD fd_set used by
// spec.md's selectReadable: rather than blocking in one select() call across
// every peer descriptor, one goroutine per socket blocks on a one-byte
// peek read and reports the outcome on a shared channel, which the mesh's
// network loop ranges over. A readable-but-errored socket is reported
// exactly once, same as a BSD select() waking on both the read and error
// fd_sets for the same descriptor.
type ReadyEvent struct {
	Index int
	Peek  byte
	Err   error
}

// PeerWatcher maintains exactly one reader goroutine per watched socket for
// the socket's whole lifetime, rather than one per network-loop pass. A
// socket's wire framing is a type byte followed by a fixed-size,
// un-self-delimited payload read directly off its net.Conn by the wire
// codec; if a pass's Watch-equivalent abandoned a socket mid-read and the
// next pass spawned a fresh reader on the same net.Conn, both goroutines
// would be calling Read() concurrently and the runtime could hand either one
// the next bytes off the wire, splitting one packet's body across two
// readers. Add starts watching a socket once; Resume must be called once
// the caller has fully consumed the packet that followed a ReadyEvent,
// handing the same goroutine back to its next one-byte read.
type PeerWatcher struct {
	mu     sync.Mutex
	resume map[int]chan struct{}
	out    chan ReadyEvent
	done   <-chan struct{}
}

// NewPeerWatcher builds a PeerWatcher. capacity should be large enough to
// hold one pending event per socket the caller ever watches concurrently
// (the mesh's MaxPeers), so a watcher whose event goes undrained for a pass
// never blocks its goroutine on the send. done, when closed, unblocks every
// watcher goroutine currently waiting on a Resume that will never come
// (e.g. during Detach).
func NewPeerWatcher(capacity int, done <-chan struct{}) *PeerWatcher {
	return &PeerWatcher{
		resume: make(map[int]chan struct{}),
		out:    make(chan ReadyEvent, capacity),
		done:   done,
	}
}

// Events returns the channel every watched socket's readiness is reported
// on.
func (w *PeerWatcher) Events() <-chan ReadyEvent {
	return w.out
}

// Add starts watching the socket at index. A prior watcher for the same
// index, if any, is left running against its own (presumably now-closed)
// socket and will exit on its own once that Read errors.
func (w *PeerWatcher) Add(index int, s *Socket) {
	if !s.Valid() || s.conn == nil {
		return
	}
	resume := make(chan struct{}, 1)
	w.mu.Lock()
	w.resume[index] = resume
	w.mu.Unlock()
	go watchPeer(index, s, w.out, resume, w.done)
}

// Resume lets the watcher for index block on its next one-byte read. Caller
// must have fully read the packet body that followed the ReadyEvent most
// recently delivered for this index. A no-op if index isn't being watched
// (e.g. the socket was already Removed).
func (w *PeerWatcher) Resume(index int) {
	w.mu.Lock()
	resume := w.resume[index]
	w.mu.Unlock()
	if resume == nil {
		return
	}
	select {
	case resume <- struct{}{}:
	default:
	}
}

// Remove stops tracking index. The underlying goroutine is not signaled
// directly; it exits on its own once the caller closes the socket and the
// blocked Read (or the next one) returns an error.
func (w *PeerWatcher) Remove(index int) {
	w.mu.Lock()
	delete(w.resume, index)
	w.mu.Unlock()
}

func watchPeer(index int, s *Socket, out chan<- ReadyEvent, resume <-chan struct{}, done <-chan struct{}) {
	for {
		var b [1]byte
		_, err := s.conn.Read(b[:])
		select {
		case out <- ReadyEvent{Index: index, Peek: b[0], Err: err}:
		case <-done:
			return
		}
		if err != nil {
			return
		}
		select {
		case <-resume:
		case <-done:
			return
		}
	}
}

// WatchListener spawns a goroutine that blocks in Accept on a listening
// socket and reports the new connection (or the accept error) on the
// returned channel. Unlike a peer socket's framed stream, concurrent Accept
// calls on one listener never split data between callers (each returns its
// own distinct connection), so a fresh goroutine per network-loop pass is
// safe here.
func WatchListener(index int, ln *Socket) <-chan ListenEvent {
	out := make(chan ListenEvent, 1)
	go func() {
		conn, err := ln.Accept()
		out <- ListenEvent{Index: index, Conn: conn, Err: err}
	}()
	return out
}

// ListenEvent reports the outcome of a single WatchListener accept.
type ListenEvent struct {
	Index int
	Conn  *Socket
	Err   error
}
