package datapath

import (
	"encoding/binary"
	"net"
	"net/netip"
)

// Ethernet/ARP/IPv4 field offsets within an inner frame (RFC 826, RFC 894).
const (
	ethDstOff  = 0
	ethSrcOff  = 6
	ethTypeOff = 12
	ethHdrLen  = 14

	etherTypeIPv4 = 0x0800
	etherTypeARP  = 0x0806

	arpHdrLen    = 28
	arpOpOff     = ethHdrLen + 6
	arpSenderHW  = ethHdrLen + 8
	arpSenderPA  = ethHdrLen + 14
	arpTargetHW  = ethHdrLen + 18
	arpTargetPA  = ethHdrLen + 22
	arpOpRequest = 1
	arpOpReply   = 2

	ipv4DstOff = ethHdrLen + 16
)

// etherType returns the inner frame's EtherType, or 0 if the frame is
// shorter than an Ethernet header.
func etherType(frame []byte) uint16 {
	if len(frame) < ethHdrLen {
		return 0
	}
	return binary.BigEndian.Uint16(frame[ethTypeOff : ethTypeOff+2])
}

// innerSrcMAC returns the inner frame's source MAC, for loop suppression
// (spec 4.4 step 4).
func innerSrcMAC(frame []byte) net.HardwareAddr {
	if len(frame) < ethHdrLen {
		return nil
	}
	return net.HardwareAddr(frame[ethSrcOff : ethSrcOff+6])
}

// innerDstMAC returns the inner frame's destination MAC, the FDB lookup key.
func innerDstMAC(frame []byte) net.HardwareAddr {
	if len(frame) < ethHdrLen {
		return nil
	}
	return net.HardwareAddr(frame[ethDstOff : ethDstOff+6])
}

// innerIPv4Dst returns the destination address of an inner IPv4 packet,
// used by RSC (spec 4.5 step 3).
func innerIPv4Dst(frame []byte) (netip.Addr, bool) {
	if len(frame) < ipv4DstOff+4 || etherType(frame) != etherTypeIPv4 {
		return netip.Addr{}, false
	}
	return netip.AddrFrom4([4]byte(frame[ipv4DstOff : ipv4DstOff+4])), true
}

// innerIPv4ECN returns the ECN codepoint of an inner IPv4 packet's header,
// or ECNNotECT if the frame is not IPv4.
func innerIPv4ECN(frame []byte) uint8 {
	if len(frame) < ethHdrLen+2 || etherType(frame) != etherTypeIPv4 {
		return 0
	}
	return frame[ethHdrLen+1] & 0x3
}

// isARPRequest reports whether frame is an ARP request and, if so, returns
// the protocol (IPv4) address being queried (spec 4.5 step 1 PROXY).
func isARPRequest(frame []byte) (targetPA netip.Addr, ok bool) {
	if len(frame) < ethHdrLen+arpHdrLen || etherType(frame) != etherTypeARP {
		return netip.Addr{}, false
	}
	if binary.BigEndian.Uint16(frame[arpOpOff:arpOpOff+2]) != arpOpRequest {
		return netip.Addr{}, false
	}
	return netip.AddrFrom4([4]byte(frame[arpTargetPA : arpTargetPA+4])), true
}

// buildARPReply constructs an Ethernet+ARP reply frame answering an ARP
// request carried in req, as if replyMAC owned the queried address (spec
// 4.5 step 1: "construct an ARP reply and deliver it upward instead of
// transmitting").
func buildARPReply(req []byte, replyMAC net.HardwareAddr) []byte {
	out := make([]byte, ethHdrLen+arpHdrLen)

	requesterMAC := innerSrcMAC(req)
	copy(out[ethDstOff:ethDstOff+6], requesterMAC)
	copy(out[ethSrcOff:ethSrcOff+6], replyMAC)
	binary.BigEndian.PutUint16(out[ethTypeOff:ethTypeOff+2], etherTypeARP)

	copy(out[ethHdrLen:ethHdrLen+8], req[ethHdrLen:ethHdrLen+8]) // hwtype/protype/hwsize/prosize
	binary.BigEndian.PutUint16(out[arpOpOff:arpOpOff+2], arpOpReply)

	copy(out[arpSenderHW:arpSenderHW+6], replyMAC)
	copy(out[arpSenderPA:arpSenderPA+4], req[arpTargetPA:arpTargetPA+4])
	copy(out[arpTargetHW:arpTargetHW+6], requesterMAC)
	copy(out[arpTargetPA:arpTargetPA+4], req[arpSenderPA:arpSenderPA+4])

	return out
}
