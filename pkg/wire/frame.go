// Package wire implements the datagram framing shared by both peers.
//
// Fixed header, big-endian:
//
//	0..1  StreamID  u16
//	2..5  Seq       u32
//	6     Flags     u8  (bit0 ack, bit1 keepalive, bit2 control)
//	7..8  PayloadLen u16
//
// followed by PayloadLen payload bytes. The header and payload are sealed
// together by the session's encryption envelope before hitting the socket.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	lioerr "github.com/linkio-p2p/linkio/pkg/error"
)

type Flags uint8

const (
	FlagAck Flags = 1 << iota
	FlagKeepalive
	FlagControl
)

const flagsKnown = FlagAck | FlagKeepalive | FlagControl

const (
	HeaderSize = 9

	// MaxDatagram keeps frames inside a conservative MTU estimate so
	// punched paths never rely on IP fragmentation.
	MaxDatagram = 1200

	// MaxPayload is the payload budget left after the header. Callers
	// splitting larger blobs (file chunks, keyframes) must stay at or
	// below this per frame.
	MaxPayload = MaxDatagram - HeaderSize
)

// Frame is the unit of wire transmission. Immutable once sent; Seq is
// monotonic per (StreamID, direction).
type Frame struct {
	StreamID uint16
	Seq      uint32
	Flags    Flags
	Payload  []byte
}

func (f Frame) IsAck() bool       { return f.Flags&FlagAck != 0 }
func (f Frame) IsKeepalive() bool { return f.Flags&FlagKeepalive != 0 }
func (f Frame) IsControl() bool   { return f.Flags&FlagControl != 0 }

// Encode serializes the frame into header+payload.
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > math.MaxUint16 {
		return nil, fmt.Errorf("payload of %d bytes exceeds frame limit", len(f.Payload))
	}
	buf := make([]byte, HeaderSize+len(f.Payload))
	binary.BigEndian.PutUint16(buf[0:2], f.StreamID)
	binary.BigEndian.PutUint32(buf[2:6], f.Seq)
	buf[6] = byte(f.Flags)
	binary.BigEndian.PutUint16(buf[7:9], uint16(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)
	return buf, nil
}

// Decode parses a received datagram. Corrupt or adversarial input yields
// ErrMalformed; it must never panic, whatever the bytes.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < HeaderSize {
		return Frame{}, lioerr.Wrap(lioerr.ErrMalformed, fmt.Errorf("short datagram: %d bytes", len(buf)))
	}

	flags := Flags(buf[6])
	if flags&^flagsKnown != 0 {
		return Frame{}, lioerr.Wrap(lioerr.ErrMalformed, fmt.Errorf("unknown flag bits 0x%02x", byte(flags)))
	}

	payloadLen := int(binary.BigEndian.Uint16(buf[7:9]))
	if payloadLen > len(buf)-HeaderSize {
		return Frame{}, lioerr.Wrap(lioerr.ErrMalformed,
			fmt.Errorf("declared payload %d exceeds %d available bytes", payloadLen, len(buf)-HeaderSize))
	}

	f := Frame{
		StreamID: binary.BigEndian.Uint16(buf[0:2]),
		Seq:      binary.BigEndian.Uint32(buf[2:6]),
		Flags:    flags,
	}
	if payloadLen > 0 {
		f.Payload = make([]byte, payloadLen)
		copy(f.Payload, buf[HeaderSize:HeaderSize+payloadLen])
	}
	return f, nil
}
