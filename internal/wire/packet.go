// Package wire implements the little-endian mesh packet codec: the five
// packet kinds exchanged between linkmesh nodes, each with a fixed on-wire
// layout.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Type is the one-byte packet discriminator, always the first byte on the
// wire.
type Type uint8

const (
	TypeHello          Type = 0x01
	TypeJoin           Type = 0x02
	TypeLeave          Type = 0x03 // reserved: never emitted or handled
	TypeTransferStart  Type = 0x10
	TypeTransferData   Type = 0x11
)

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "HELLO"
	case TypeJoin:
		return "JOIN"
	case TypeLeave:
		return "LEAVE"
	case TypeTransferStart:
		return "TRANSFER_START"
	case TypeTransferData:
		return "TRANSFER_DATA"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

var (
	// ErrUnknownType is logged by the mesh's packet dispatch switch when the
	// leading type byte (read via ReadType) does not match a known packet
	// kind. The caller logs and continues; the connection is not closed.
	ErrUnknownType = errors.New("wire: unknown packet type")
	// ErrBadAddressLength is returned when a Join packet's ipVersion field
	// is neither 4 nor 16.
	ErrBadAddressLength = errors.New("wire: unsupported address length")
)

// Hello is sent master -> joiner to assign an id and hand over the initial
// cycle reference point, 0x01.
type Hello struct {
	ID   uint8
	Sync uint32
}

const helloSize = 1 + 1 + 4 // type + id + sync

// Encode writes the packet in its fixed 6-byte wire layout.
func (h Hello) Encode() []byte {
	buf := make([]byte, helloSize)
	buf[0] = byte(TypeHello)
	buf[1] = h.ID
	binary.LittleEndian.PutUint32(buf[2:6], h.Sync)
	return buf
}

// DecodeHello reads the remaining bytes of a Hello packet; the type byte
// must already have been consumed by the caller.
func DecodeHello(r io.Reader) (Hello, error) {
	var rest [helloSize - 1]byte
	if _, err := io.ReadFull(r, rest[:]); err != nil {
		return Hello{}, err
	}
	return Hello{
		ID:   rest[0],
		Sync: binary.LittleEndian.Uint32(rest[1:5]),
	}, nil
}

// Join is sent joiner -> master -> other peers to advertise a newly attached
// node's reachable endpoint, 0x02. It is followed on the wire by exactly
// IPVersion raw address bytes (4 or 16), carried out-of-band by Address.
type Join struct {
	ID        uint8
	Port      uint16
	IPVersion uint32
	Address   []byte // len == IPVersion
}

const joinHeaderSize = 1 + 1 + 2 + 4 // type + id + port + ipVersion

// Encode writes the Join header followed by the raw address bytes.
func (j Join) Encode() ([]byte, error) {
	if len(j.Address) != 4 && len(j.Address) != 16 {
		return nil, ErrBadAddressLength
	}
	if int(j.IPVersion) != len(j.Address) {
		return nil, ErrBadAddressLength
	}
	buf := make([]byte, joinHeaderSize+len(j.Address))
	buf[0] = byte(TypeJoin)
	buf[1] = j.ID
	binary.LittleEndian.PutUint16(buf[2:4], j.Port)
	binary.LittleEndian.PutUint32(buf[4:8], j.IPVersion)
	copy(buf[joinHeaderSize:], j.Address)
	return buf, nil
}

// DecodeJoin reads the Join header and trailing address bytes; the type byte
// must already have been consumed by the caller.
func DecodeJoin(r io.Reader) (Join, error) {
	var header [joinHeaderSize - 1]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Join{}, err
	}
	j := Join{
		ID:        header[0],
		Port:      binary.LittleEndian.Uint16(header[1:3]),
		IPVersion: binary.LittleEndian.Uint32(header[3:7]),
	}
	switch j.IPVersion {
	case 4, 16:
	default:
		return Join{}, ErrBadAddressLength
	}
	j.Address = make([]byte, j.IPVersion)
	if _, err := io.ReadFull(r, j.Address); err != nil {
		return Join{}, err
	}
	return j, nil
}

// TransferStart is broadcast by the master at the beginning of a round,
// carrying the master's linkCycles at the moment of emission, 0x10.
type TransferStart struct {
	Sync uint32
}

const transferStartSize = 1 + 1 + 4 // type + reserved + sync

// Encode writes the packet in its fixed 6-byte wire layout. The reserved
// byte is always zero.
func (t TransferStart) Encode() []byte {
	buf := make([]byte, transferStartSize)
	buf[0] = byte(TypeTransferStart)
	binary.LittleEndian.PutUint32(buf[2:6], t.Sync)
	return buf
}

// DecodeTransferStart reads the remaining bytes of a TransferStart packet;
// the type byte must already have been consumed by the caller.
func DecodeTransferStart(r io.Reader) (TransferStart, error) {
	var rest [transferStartSize - 1]byte
	if _, err := io.ReadFull(r, rest[:]); err != nil {
		return TransferStart{}, err
	}
	return TransferStart{Sync: binary.LittleEndian.Uint32(rest[1:5])}, nil
}

// TransferData carries one peer's 16-bit SIOMLT_SEND word for the round in
// progress, 0x11.
type TransferData struct {
	ID   uint8
	Data uint16
}

const transferDataSize = 1 + 1 + 2 // type + id + data

// Encode writes the packet in its fixed 4-byte wire layout.
func (d TransferData) Encode() []byte {
	buf := make([]byte, transferDataSize)
	buf[0] = byte(TypeTransferData)
	buf[1] = d.ID
	binary.LittleEndian.PutUint16(buf[2:4], d.Data)
	return buf
}

// DecodeTransferData reads the remaining bytes of a TransferData packet; the
// type byte must already have been consumed by the caller.
func DecodeTransferData(r io.Reader) (TransferData, error) {
	var rest [transferDataSize - 1]byte
	if _, err := io.ReadFull(r, rest[:]); err != nil {
		return TransferData{}, err
	}
	return TransferData{
		ID:   rest[0],
		Data: binary.LittleEndian.Uint16(rest[1:3]),
	}, nil
}

// ReadType reads only the leading type byte of the next packet on r. Callers
// dispatch to the matching Decode* function based on the result.
func ReadType(r io.Reader) (Type, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return Type(b[0]), nil
}
