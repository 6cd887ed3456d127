package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeSockets() (*Socket, *Socket) {
	a, b := net.Pipe()
	return &Socket{conn: a}, &Socket{conn: b}
}

func TestSendAllRecvExact(t *testing.T) {
	a, b := pipeSockets()
	defer a.Close()
	defer b.Close()

	payload := []byte{1, 2, 3, 4, 5}
	go func() {
		require.NoError(t, a.SendAll(payload))
	}()

	out := make([]byte, len(payload))
	require.NoError(t, b.RecvExact(out))
	assert.Equal(t, payload, out)
}

func TestRecvExactShortReadErrors(t *testing.T) {
	a, b := pipeSockets()
	defer b.Close()

	go func() {
		a.SendAll([]byte{1, 2})
		a.Close()
	}()

	out := make([]byte, 4)
	err := b.RecvExact(out)
	assert.Error(t, err)
}

func TestListenConnectAccept(t *testing.T) {
	ln, err := Listen(0, "127.0.0.1")
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port

	acceptCh := make(chan *Socket, 1)
	go func() {
		s, err := ln.Accept()
		require.NoError(t, err)
		acceptCh <- s
	}()

	client, err := Connect(port, "127.0.0.1")
	require.NoError(t, err)
	defer client.Close()

	select {
	case srv := <-acceptCh:
		defer srv.Close()
		assert.True(t, srv.Valid())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
	}
}

func TestSocketValid(t *testing.T) {
	var nilSocket *Socket
	assert.False(t, nilSocket.Valid())

	a, b := pipeSockets()
	defer a.Close()
	defer b.Close()
	assert.True(t, a.Valid())
}
