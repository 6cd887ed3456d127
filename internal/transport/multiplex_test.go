package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerWatcherReportsReadableSocket(t *testing.T) {
	a, b := pipeSockets()
	defer a.Close()
	defer b.Close()

	done := make(chan struct{})
	defer close(done)
	w := NewPeerWatcher(2, done)
	w.Add(0, a)

	go func() {
		require.NoError(t, b.SendAll([]byte{0x01, 0xAA}))
	}()

	select {
	case ev := <-w.Events():
		assert.Equal(t, 0, ev.Index)
		assert.Equal(t, byte(0x01), ev.Peek)
		assert.NoError(t, ev.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ready event")
	}
}

func TestPeerWatcherReportsClosedSocket(t *testing.T) {
	a, b := pipeSockets()
	defer a.Close()

	done := make(chan struct{})
	defer close(done)
	w := NewPeerWatcher(2, done)
	w.Add(0, a)
	b.Close()

	select {
	case ev := <-w.Events():
		assert.Equal(t, 0, ev.Index)
		assert.Error(t, ev.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error event")
	}
}

// TestPeerWatcherSurvivesUndrainedPass confirms the same goroutine that
// delivered one ReadyEvent is still the one reading the next packet once
// Resume is called, instead of a second reader being spawned for the same
// socket while the first is still mid-packet.
func TestPeerWatcherSurvivesUndrainedPass(t *testing.T) {
	a, b := pipeSockets()
	defer a.Close()
	defer b.Close()

	done := make(chan struct{})
	defer close(done)
	w := NewPeerWatcher(2, done)
	w.Add(0, a)

	go func() {
		require.NoError(t, b.SendAll([]byte{0x01}))
		require.NoError(t, b.SendAll([]byte{0x02}))
	}()

	select {
	case ev := <-w.Events():
		assert.Equal(t, byte(0x01), ev.Peek)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first ready event")
	}

	w.Resume(0)

	select {
	case ev := <-w.Events():
		assert.Equal(t, byte(0x02), ev.Peek)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second ready event")
	}
}

func TestWatchListenerReportsAccept(t *testing.T) {
	ln, err := Listen(0, "127.0.0.1")
	require.NoError(t, err)
	defer ln.Close()

	events := WatchListener(0, ln)
	port := ln.Addr().(*net.TCPAddr).Port

	client, err := Connect(port, "127.0.0.1")
	require.NoError(t, err)
	defer client.Close()

	select {
	case ev := <-events:
		require.NoError(t, ev.Err)
		assert.Equal(t, 0, ev.Index)
		defer ev.Conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept event")
	}
}
