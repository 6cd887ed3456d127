package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHelloRoundTrip(t *testing.T) {
	h := Hello{ID: 2, Sync: 123456}
	buf := h.Encode()
	require.Equal(t, helloSize, len(buf))
	assert.Equal(t, byte(TypeHello), buf[0])

	typ, err := ReadType(bytes.NewReader(buf))
	require.NoError(t, err)
	assert.Equal(t, TypeHello, typ)

	got, err := DecodeHello(bytes.NewReader(buf[1:]))
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestJoinRoundTripIPv4(t *testing.T) {
	j := Join{ID: 2, Port: 0x1234, IPVersion: 4, Address: []byte{10, 0, 0, 5}}
	buf, err := j.Encode()
	require.NoError(t, err)
	require.Equal(t, joinHeaderSize+4, len(buf))

	typ, err := ReadType(bytes.NewReader(buf))
	require.NoError(t, err)
	assert.Equal(t, TypeJoin, typ)

	got, err := DecodeJoin(bytes.NewReader(buf[1:]))
	require.NoError(t, err)
	assert.Equal(t, j, got)
}

func TestJoinRoundTripIPv6(t *testing.T) {
	addr := make([]byte, 16)
	for i := range addr {
		addr[i] = byte(i)
	}
	j := Join{ID: 1, Port: 9999, IPVersion: 16, Address: addr}
	buf, err := j.Encode()
	require.NoError(t, err)

	got, err := DecodeJoin(bytes.NewReader(buf[1:]))
	require.NoError(t, err)
	assert.Equal(t, j, got)
}

func TestJoinRejectsBadAddressLength(t *testing.T) {
	j := Join{ID: 1, Port: 1, IPVersion: 6, Address: []byte{1, 2, 3, 4, 5, 6}}
	_, err := j.Encode()
	assert.ErrorIs(t, err, ErrBadAddressLength)

	// A decode-side bad ipVersion must also fail without hanging, reading
	// only the header before rejecting.
	header := []byte{1, 0, 0, 6, 0, 0, 0}
	_, err = DecodeJoin(bytes.NewReader(header))
	assert.ErrorIs(t, err, ErrBadAddressLength)
}

func TestTransferStartRoundTrip(t *testing.T) {
	ts := TransferStart{Sync: 1000}
	buf := ts.Encode()
	require.Equal(t, transferStartSize, len(buf))

	got, err := DecodeTransferStart(bytes.NewReader(buf[1:]))
	require.NoError(t, err)
	assert.Equal(t, ts, got)
}

func TestTransferDataRoundTrip(t *testing.T) {
	td := TransferData{ID: 3, Data: 0xBEEF}
	buf := td.Encode()
	require.Equal(t, transferDataSize, len(buf))

	got, err := DecodeTransferData(bytes.NewReader(buf[1:]))
	require.NoError(t, err)
	assert.Equal(t, td, got)
}

func TestReadTypeShortRead(t *testing.T) {
	_, err := ReadType(bytes.NewReader(nil))
	assert.Error(t, err)
}
