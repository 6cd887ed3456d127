package mesh

// TransferState is the five-state cross-thread transfer automaton from
// spec.md §4.4. A named type instead of a raw int keeps states from being
// mixed up with other integers; whether a transition is legal is checked at
// run time by CanTransition against legalTransitions.
type TransferState int

const (
	// TransferIdle is the resting state: no round in flight.
	TransferIdle TransferState = iota
	// TransferPending is entered by the emulator thread on a master after
	// the guest requests a transfer (SIOCNT.START=1); the network thread
	// has not yet broadcast anything.
	TransferPending
	// TransferGotStart is entered by the network thread on a slave after
	// receiving TransferStart; the emulator thread has not yet set up its
	// round-local state.
	TransferGotStart
	// TransferSentData is entered on both master and slave just before this
	// node broadcasts its own TransferData, and lasts until every peer's
	// TransferData has arrived.
	TransferSentData
	// TransferFinished is entered by the network thread once every peer's
	// TransferData has arrived; the emulator thread has not yet delivered
	// it to the guest.
	TransferFinished
)

func (s TransferState) String() string {
	switch s {
	case TransferIdle:
		return "IDLE"
	case TransferPending:
		return "PENDING"
	case TransferGotStart:
		return "GOT_START"
	case TransferSentData:
		return "SENT_DATA"
	case TransferFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// legalTransitions enumerates every permitted (from, to) pair from
// spec.md §4.4's table. Anything else is a bug, not a degraded path.
var legalTransitions = map[TransferState]map[TransferState]bool{
	TransferIdle:      {TransferPending: true, TransferGotStart: true},
	TransferPending:   {TransferSentData: true},
	TransferGotStart:  {TransferSentData: true},
	TransferSentData:  {TransferFinished: true},
	TransferFinished:  {TransferIdle: true},
}

// CanTransition reports whether moving from s to next is one of the six
// legal transitions in spec.md §4.4.
func (s TransferState) CanTransition(next TransferState) bool {
	return legalTransitions[s][next]
}
