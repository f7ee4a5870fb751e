// Package tspacket holds MPEG transport stream packet and PSI helpers.
package tspacket

import (
	"errors"
)

// Packet layout constants.
const (
	PacketSize = 188
	HeaderSize = 4
	SyncByte   = 0x47

	PATPID  uint16 = 0x0000
	CATPID  uint16 = 0x0001
	NullPID uint16 = 0x1fff

	// SIPIDLimit is the first PID outside the reserved system information
	// range used by ARIB and DVB broadcasts.
	SIPIDLimit uint16 = 0x0030
)

// ErrShortPacket is returned when a buffer is not a whole TS packet.
var ErrShortPacket = errors.New("short ts packet")

// PID returns the 13-bit packet identifier.
func PID(p []byte) uint16 {
	return uint16(p[1]&0x1f)<<8 | uint16(p[2])
}

// PayloadUnitStart reports the payload_unit_start_indicator.
func PayloadUnitStart(p []byte) bool {
	return p[1]&0x40 != 0
}

// TransportError reports the transport_error_indicator.
func TransportError(p []byte) bool {
	return p[1]&0x80 != 0
}

// HasAdaptation reports whether an adaptation field is present.
func HasAdaptation(p []byte) bool {
	return p[3]&0x20 != 0
}

// HasPayload reports whether a payload is present.
func HasPayload(p []byte) bool {
	return p[3]&0x10 != 0
}

// ContinuityCounter returns the 4-bit continuity counter.
func ContinuityCounter(p []byte) uint8 {
	return p[3] & 0x0f
}

// SetContinuityCounter overwrites the continuity counter in place.
func SetContinuityCounter(p []byte, cc uint8) {
	p[3] = p[3]&0xf0 | cc&0x0f
}

// Payload returns the payload bytes of p, or nil when the packet carries
// none or its adaptation field length is out of range.
func Payload(p []byte) []byte {
	if len(p) < PacketSize || !HasPayload(p) {
		return nil
	}
	start := HeaderSize
	if HasAdaptation(p) {
		start += 1 + int(p[4])
	}
	if start >= PacketSize {
		return nil
	}
	return p[start:PacketSize]
}

// NewPacket builds one packet for pid. A payload shorter than 184 bytes is
// padded with adaptation field stuffing; a longer payload is truncated.
func NewPacket(pid uint16, pusi bool, cc uint8, payload []byte) []byte {
	p := make([]byte, PacketSize)
	p[0] = SyncByte
	p[1] = byte(pid>>8) & 0x1f
	if pusi {
		p[1] |= 0x40
	}
	p[2] = byte(pid)

	room := PacketSize - HeaderSize
	if len(payload) >= room {
		p[3] = 0x10 | cc&0x0f
		copy(p[HeaderSize:], payload[:room])
		return p
	}

	p[3] = 0x30 | cc&0x0f
	afLen := room - len(payload) - 1
	p[4] = byte(afLen)
	if afLen > 0 {
		p[5] = 0x00
		for i := 6; i < HeaderSize+1+afLen; i++ {
			p[i] = 0xff
		}
	}
	copy(p[HeaderSize+1+afLen:], payload)
	return p
}

// PacketizeSection splits a PSI section into packets on pid starting at
// continuity counter cc. The first packet carries a zero pointer field and
// the tail of the last one is stuffed with 0xff. It returns the packets and
// the next continuity counter.
func PacketizeSection(pid uint16, cc uint8, section []byte) ([]byte, uint8) {
	data := make([]byte, 0, len(section)+1)
	data = append(data, 0x00)
	data = append(data, section...)

	room := PacketSize - HeaderSize
	count := (len(data) + room - 1) / room
	out := make([]byte, count*PacketSize)

	for i := range count {
		p := out[i*PacketSize : (i+1)*PacketSize]
		p[0] = SyncByte
		p[1] = byte(pid>>8) & 0x1f
		if i == 0 {
			p[1] |= 0x40
		}
		p[2] = byte(pid)
		p[3] = 0x10 | cc&0x0f
		cc = (cc + 1) & 0x0f

		n := copy(p[HeaderSize:], data[i*room:])
		for j := HeaderSize + n; j < PacketSize; j++ {
			p[j] = 0xff
		}
	}
	return out, cc
}
