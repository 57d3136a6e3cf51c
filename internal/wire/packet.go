package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// ErrIPv4Only indicates a non-IPv4 address was supplied; the underlay is
// IPv4-only per spec Non-goals (IPv6 underlay is out of scope).
var ErrIPv4Only = errors.New("wire: only ipv4 underlay addresses are supported")

// EncodeParams carries everything Encode needs to build the outer
// IPv4 + UDP + VXLAN header stack around an inner Ethernet frame. Callers
// (the transmit path) are responsible for resolving endpoint defaults
// (inherit dst_port/vni, tos==1 inherit-from-inner, ttl==0 rules) before
// calling Encode; the codec itself only lays out bytes.
type EncodeParams struct {
	SrcIP   netip.Addr // outer source IP (may be the unspecified address)
	DstIP   netip.Addr // outer destination IP
	SrcPort uint16     // outer UDP source port, see SelectSourcePort
	DstPort uint16     // outer UDP destination port (endpoint dst_port or Port)
	VNI     uint32     // 24-bit VXLAN Network Identifier
	TTL     uint8      // outer IPv4 TTL
	DSCP    uint8      // outer IPv4 DSCP (6 bits)
	ECN     uint8      // outer IPv4 ECN codepoint (2 bits), see EncapECN
}

// Encode assembles a complete outer packet: IPv4 header, UDP header, VXLAN
// header, and the caller-supplied inner Ethernet frame, in that order.
//
// The outer UDP checksum is left at zero, as permitted for IPv4/UDP and
// specified in spec 4.1. The outer IPv4 header checksum is computed.
func Encode(p EncodeParams, inner []byte) ([]byte, error) {
	if !p.SrcIP.Is4() || !p.DstIP.Is4() {
		return nil, fmt.Errorf("encode: src=%s dst=%s: %w", p.SrcIP, p.DstIP, ErrIPv4Only)
	}
	if p.VNI > MaxVNI {
		return nil, fmt.Errorf("encode: vni=%d: %w", p.VNI, ErrVNIOverflow)
	}

	vxlanLen := HeaderSize + len(inner)
	udpLen := udpHeaderSize + vxlanLen
	totalLen := ipv4HeaderSize + udpLen

	buf := make([]byte, totalLen)

	// --- Outer IPv4 header ---
	buf[0] = 0x45 // version 4, IHL 5 (no options)
	buf[1] = (p.DSCP << 2) | (p.ECN & 0x3)
	binary.BigEndian.PutUint16(buf[2:4], uint16(totalLen)) //nolint:gosec // G115: bounded by MTU-sized frames
	binary.BigEndian.PutUint16(buf[4:6], 0)                // identification: no fragmentation support
	binary.BigEndian.PutUint16(buf[6:8], 0)                // flags/fragment offset
	buf[8] = p.TTL
	buf[9] = protoUDP
	buf[10], buf[11] = 0, 0 // checksum, filled below
	src4 := p.SrcIP.As4()
	dst4 := p.DstIP.As4()
	copy(buf[12:16], src4[:])
	copy(buf[16:20], dst4[:])

	csum := ipv4HeaderChecksum(buf[0:ipv4HeaderSize])
	binary.BigEndian.PutUint16(buf[10:12], csum)

	// --- Outer UDP header ---
	udpOff := ipv4HeaderSize
	binary.BigEndian.PutUint16(buf[udpOff:udpOff+2], p.SrcPort)
	binary.BigEndian.PutUint16(buf[udpOff+2:udpOff+4], p.DstPort)
	binary.BigEndian.PutUint16(buf[udpOff+4:udpOff+6], uint16(udpLen)) //nolint:gosec // G115
	binary.BigEndian.PutUint16(buf[udpOff+6:udpOff+8], 0)              // checksum not computed, per spec 4.1

	// --- VXLAN header ---
	vxlanOff := udpOff + udpHeaderSize
	if err := MarshalHeader(buf[vxlanOff:vxlanOff+HeaderSize], p.VNI); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}

	// --- Inner frame ---
	copy(buf[vxlanOff+HeaderSize:], inner)

	return buf, nil
}

// DecodeResult is the outcome of decoding a full outer packet.
type DecodeResult struct {
	VNI   uint32
	Inner []byte
	ECN   uint8 // outer IPv4 ECN codepoint, for ECN decapsulation (spec 4.7)
}

// DecodePacket parses a complete outer IPv4+UDP+VXLAN packet (as delivered
// by a raw/packet socket including the IP header) and returns the VNI and
// inner Ethernet frame.
//
// Like UnmarshalHeader, returns ErrNotVXLAN (not-mine) when the VXLAN flags
// word doesn't match, and ErrReservedNonZero (drop-and-count) for a
// malformed VNI field.
func DecodePacket(pkt []byte) (DecodeResult, error) {
	if len(pkt) < ipv4HeaderSize+udpHeaderSize+HeaderSize {
		return DecodeResult{}, ErrTooShort
	}

	ecn := pkt[1] & 0x3
	ihl := int(pkt[0]&0x0F) * 4
	if ihl < ipv4HeaderSize || len(pkt) < ihl+udpHeaderSize+HeaderSize {
		return DecodeResult{}, ErrTooShort
	}

	vxlanOff := ihl + udpHeaderSize
	hdr, err := UnmarshalHeader(pkt[vxlanOff : vxlanOff+HeaderSize])
	if err != nil {
		return DecodeResult{}, err
	}

	return DecodeResult{
		VNI:   hdr.VNI,
		Inner: pkt[vxlanOff+HeaderSize:],
		ECN:   ecn,
	}, nil
}

// Decode parses a UDP payload (VXLAN header + inner frame, i.e. a datagram
// already stripped of its IP/UDP headers by the socket layer) and returns
// the VNI and inner Ethernet frame. This is the common case for a Go UDP
// listener, which delivers payloads without the outer IP header.
func Decode(payload []byte) (vni uint32, inner []byte, err error) {
	if len(payload) < HeaderSize {
		return 0, nil, ErrTooShort
	}
	hdr, err := UnmarshalHeader(payload[:HeaderSize])
	if err != nil {
		return 0, nil, err
	}
	return hdr.VNI, payload[HeaderSize:], nil
}
