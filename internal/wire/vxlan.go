// Package wire implements the VXLAN wire codec: VXLAN header marshal and
// unmarshal (RFC 7348 Section 5) and the outer IPv4/UDP header construction
// that carries it.
//
// Packet stack, outermost first:
//
//	Outer IPv4 | Outer UDP | VXLAN Header (8 bytes) | Inner Ethernet frame
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the fixed VXLAN header size in bytes (RFC 7348 Section 5).
	HeaderSize = 8

	// Port is the IANA-assigned VXLAN UDP destination port.
	Port uint16 = 4789

	// flagValid is the big-endian value of the first VXLAN header word when
	// only the I (VNI valid) bit is set and every other bit is zero. A
	// transmitted packet MUST carry exactly this value; a received packet
	// whose first word differs is not-a-VXLAN-packet.
	flagValid uint32 = 0x08000000

	// MaxVNI is the largest value representable in the 24-bit VNI field.
	MaxVNI = 1<<24 - 1

	// udpHeaderSize is the outer UDP header size.
	udpHeaderSize = 8

	// ipv4HeaderSize is the outer IPv4 header size (no options).
	ipv4HeaderSize = 20

	// protoUDP is the IPv4 protocol number for UDP.
	protoUDP = 17
)

// Sentinel errors returned by Decode. Callers distinguish three outcomes:
// accept (nil error), not-mine (ErrNotVXLAN — return the packet to another
// demuxer), and drop-and-count (any other error).
var (
	// ErrTooShort indicates the buffer is shorter than the VXLAN header.
	ErrTooShort = errors.New("wire: packet shorter than vxlan header")

	// ErrNotVXLAN indicates the first header word is not exactly 0x08000000.
	// Per spec this is "not-a-VXLAN-packet": callers must return the packet
	// to the UDP layer unmodified, not drop it.
	ErrNotVXLAN = errors.New("wire: not a vxlan packet")

	// ErrReservedNonZero indicates the low byte of the VNI word is nonzero,
	// a protocol error distinct from ErrNotVXLAN: the packet IS vxlan-shaped
	// but malformed, so it must be dropped and counted, not passed on.
	ErrReservedNonZero = errors.New("wire: vni reserved byte nonzero")

	// ErrVNIOverflow indicates a VNI greater than 2^24-1 was requested for encoding.
	ErrVNIOverflow = errors.New("wire: vni exceeds 24-bit range")
)

// Header is a decoded VXLAN header.
type Header struct {
	VNI uint32
}

// MarshalHeader encodes a VXLAN header into buf, which must be at least
// HeaderSize bytes. It always sets flags=0x08000000 and zeroes the
// reserved bytes per spec 4.1.
func MarshalHeader(buf []byte, vni uint32) error {
	if len(buf) < HeaderSize {
		return ErrTooShort
	}
	if vni > MaxVNI {
		return fmt.Errorf("vni=%d: %w", vni, ErrVNIOverflow)
	}

	binary.BigEndian.PutUint32(buf[0:4], flagValid)
	binary.BigEndian.PutUint32(buf[4:8], vni<<8)

	return nil
}

// UnmarshalHeader decodes a VXLAN header from buf, which must be at least
// HeaderSize bytes.
//
// Returns ErrNotVXLAN (not-mine, do not drop) when the flags word is not
// exactly 0x08000000, and ErrReservedNonZero (drop-and-count) when the low
// byte of the VNI word is nonzero.
func UnmarshalHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrTooShort
	}

	flags := binary.BigEndian.Uint32(buf[0:4])
	if flags != flagValid {
		return Header{}, ErrNotVXLAN
	}

	word := binary.BigEndian.Uint32(buf[4:8])
	if word&0xFF != 0 {
		return Header{}, ErrReservedNonZero
	}

	return Header{VNI: word >> 8}, nil
}

// ipv4HeaderChecksum computes the RFC 1071 one's-complement checksum over
// an IPv4 header (or any even-length byte slice).
func ipv4HeaderChecksum(hdr []byte) uint16 {
	var sum uint32

	for i := 0; i < len(hdr)-1; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(hdr[i : i+2]))
	}
	if len(hdr)%2 != 0 {
		sum += uint32(hdr[len(hdr)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}

	return ^uint16(sum) //nolint:gosec // G115: intentional truncation after fold
}
