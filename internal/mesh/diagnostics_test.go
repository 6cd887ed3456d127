package mesh

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestStalledPeers(t *testing.T) {
	n := mustCreate(t, 0)
	mock := clock.NewMock()
	n.SetClock(mock)

	n.mu.Lock()
	n.connected = 3
	n.mesh[1] = n.mesh[0] // any valid, non-nil socket stands in for a live peer
	n.mesh[2] = n.mesh[0]
	n.touchPeerLocked(1)
	n.touchPeerLocked(2)
	n.mu.Unlock()

	if got := n.StalledPeers(time.Minute); len(got) != 0 {
		t.Fatalf("StalledPeers() = %v, want none immediately after activity", got)
	}

	mock.Add(90 * time.Second)
	n.mu.Lock()
	n.touchPeerLocked(1) // peer 1 stays fresh, peer 2 goes quiet
	n.mu.Unlock()

	got := n.StalledPeers(time.Minute)
	if len(got) != 1 || got[0] != 2 {
		t.Errorf("StalledPeers() = %v, want [2]", got)
	}
}
