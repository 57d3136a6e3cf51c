// Package datapath implements the VXLAN receive and transmit paths (spec
// 4.4, 4.5): demultiplexed decapsulated frames arrive here from
// internal/endpoint's FrameReceiver hook, and locally-originated frames
// enter here through Transmit. Both paths are grounded on the teacher's
// netio.OverlayReceiver/OverlaySender shape (bfd/netio/overlay.go): a
// single type owning both directions of a wire-level conversation,
// generalized from a BFD control-packet codec to the FDB-driven VXLAN
// classifier.
package datapath

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/vxlantun/vxlantund/internal/endpoint"
	"github.com/vxlantun/vxlantund/internal/fdb"
	"github.com/vxlantun/vxlantund/internal/neigh"
	"github.com/vxlantun/vxlantund/internal/notify"
	"github.com/vxlantun/vxlantund/internal/wire"
)

// Device represents the external bridge/network-device framework that
// feeds frames into and receives frames from this module (spec 1, out of
// scope: only its interface is specified here).
type Device interface {
	// DeliverUp hands a decapsulated (or locally short-circuited) inner
	// Ethernet frame to the local network stack on behalf of ep.
	DeliverUp(ep *endpoint.Endpoint, inner []byte) error
}

var (
	errShortFrame    = errors.New("datapath: frame shorter than an ethernet header")
	errInvalidMAC    = errors.New("datapath: destination mac is not a valid 48-bit address")
	errCircularRoute = errors.New("datapath: route's output device is this endpoint's own device")
	errNoMigration   = errors.New("datapath: refusing to migrate a NOARP-static fdb entry")
)

// Engine wires the receive and transmit paths together: it implements
// endpoint.FrameReceiver for the receive direction and exposes Transmit
// for the direction, using Manager to find sibling endpoints for the
// local-delivery short-circuit (spec 4.5 xmit_one).
type Engine struct {
	endpoints *endpoint.Manager
	device    Device
	publisher *notify.Publisher
}

// New creates an Engine. endpoints is used for the transmit path's
// local-delivery short-circuit; device is the external bridge framework
// frames are delivered up to.
func New(endpoints *endpoint.Manager, device Device, publisher *notify.Publisher) *Engine {
	return &Engine{endpoints: endpoints, device: device, publisher: publisher}
}

// ReceiveFrame implements endpoint.FrameReceiver (spec 4.4): loop
// suppression, snoop/learn, ECN decapsulation, then delivery upward.
func (e *Engine) ReceiveFrame(ep *endpoint.Endpoint, src *net.UDPAddr, inner []byte, outerECN uint8) {
	if len(inner) < ethHdrLen {
		ep.Counters.IncRxDropped()
		return
	}

	srcMAC := innerSrcMAC(inner)
	if ep.LocalMAC != nil && macEqual(srcMAC, ep.LocalMAC) {
		return // spec 4.4 step 4: loop suppression, silent
	}

	if ep.Flags.Has(endpoint.FlagLearn) && src != nil {
		if err := e.snoop(ep, srcMAC, src.IP); err != nil {
			ep.Counters.IncRxDropped()
			return
		}
	}

	innerECN := innerIPv4ECN(inner)
	newECN, err := wire.DecapECN(outerECN, innerECN)
	if err != nil {
		ep.Counters.IncRxFrameErrors()
		return
	}
	if newECN != innerECN && etherType(inner) == etherTypeIPv4 {
		inner[ethHdrLen+1] = (inner[ethHdrLen+1] &^ 0x3) | newECN
	}

	ep.Counters.AddRxPacket(len(inner))
	if e.device != nil {
		_ = e.device.DeliverUp(ep, inner)
	}
}

// snoop creates or updates an FDB entry from the source MAC of a received
// encapsulated packet (spec 4.4 "Snoop").
func (e *Engine) snoop(ep *endpoint.Endpoint, srcMAC net.HardwareAddr, outerSrcIP net.IP) error {
	mac, ok := macFromHW(srcMAC)
	if !ok {
		return nil
	}
	ip, ok := netip.AddrFromSlice(outerSrcIP)
	if !ok {
		return nil
	}
	ip = ip.Unmap()

	if res, found := ep.FDB.Lookup(mac); found {
		if len(res.Dests) > 0 && res.Dests[0].IP == ip {
			return nil
		}
		if res.State == fdb.StateNoARP {
			return fmt.Errorf("mac=%s: %w", mac, errNoMigration)
		}
	}

	err := ep.FDB.CreateOrUpdate(mac, fdb.Destination{IP: ip}, fdb.StateReachable, fdb.FlagSelf, fdb.OptCreate)
	if errors.Is(err, fdb.ErrCapacity) {
		return err
	}
	return nil
}

// Transmit is the entry point for a locally-originated inner Ethernet
// frame (spec 4.5): PROXY/ARP short-circuit, FDB lookup, ROUTER/RSC
// rewrite, then per-destination xmit_one.
func (e *Engine) Transmit(ep *endpoint.Endpoint, frame []byte) error {
	if len(frame) < ethHdrLen {
		ep.Counters.IncTxDropped()
		return errShortFrame
	}

	if ep.Flags.Has(endpoint.FlagProxy) {
		if done := e.tryProxyARP(ep, frame); done {
			return nil
		}
	}

	dstMAC := innerDstMAC(frame)
	mac, ok := macFromHW(dstMAC)
	if !ok {
		ep.Counters.IncTxDropped()
		return errInvalidMAC
	}

	res, found := ep.FDB.Lookup(mac)
	if !found {
		res, found = ep.FDB.Lookup(fdb.ZeroMAC)
		if !found {
			if !mac.IsMulticast() && ep.Flags.Has(endpoint.FlagL2Miss) {
				e.publishL2Miss(ep, mac)
			}
			ep.Counters.IncTxDropped()
			return nil
		}
	}

	if res.Flags.Has(fdb.FlagRouter) && ep.Flags.Has(endpoint.FlagRSC) {
		if dstIP, ok := innerIPv4Dst(frame); ok {
			if rr, err := ep.Resolver().Resolve(dstIP); err == nil {
				frame = rewriteDstMAC(frame, rr.MAC)
				if newMAC, ok2 := macFromHW(rr.MAC); ok2 {
					if res2, found2 := ep.FDB.Lookup(newMAC); found2 {
						res = res2
					}
				}
			}
		}
	}

	var lastErr error
	for _, dst := range res.Dests {
		clone := append([]byte(nil), frame...)
		if err := e.xmitOne(ep, clone, dst); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// tryProxyARP answers an ARP request from the neighbour cache instead of
// transmitting it (spec 4.5 step 1). Returns true if the frame was fully
// handled (answered) and should not fall through to the normal FDB lookup;
// on a neighbour miss it publishes L3MISS when enabled and returns false.
func (e *Engine) tryProxyARP(ep *endpoint.Endpoint, frame []byte) bool {
	targetPA, ok := isARPRequest(frame)
	if !ok {
		return false
	}

	res, err := ep.Resolver().Resolve(targetPA)
	if err != nil {
		if ep.Flags.Has(endpoint.FlagL3Miss) {
			e.publishL3Miss(ep, targetPA)
		}
		return false
	}

	reply := buildARPReply(frame, res.MAC)
	ep.Counters.AddRxPacket(len(reply))
	if e.device != nil {
		_ = e.device.DeliverUp(ep, reply)
	}
	return true
}

// xmitOne resolves dst's effective port/VNI/IP and either short-circuits
// locally or encapsulates and sends (spec 4.5 "xmit_one").
func (e *Engine) xmitOne(ep *endpoint.Endpoint, frame []byte, dst fdb.Destination) error {
	port := dst.Port
	if port == 0 {
		port = ep.Port()
	}
	vniID := dst.VNI
	if vniID == 0 || vniID == fdb.InheritVNI {
		vniID = ep.VNI
	}

	if !dst.IP.IsValid() || dst.IP.IsUnspecified() {
		return e.deliverLocalShortCircuit(ep, frame)
	}

	if rr, ok := ep.Resolver().(neigh.RouteResolver); ok {
		info, err := rr.LookupRoute(dst.IP)
		if err != nil {
			ep.Counters.IncTxCarrierErrors()
			return fmt.Errorf("xmit_one: %w", err)
		}
		if ep.LinkIndex != 0 && info.OutIfIndex == int(ep.LinkIndex) {
			ep.Counters.IncCollisions()
			return errCircularRoute
		}
		if info.IsLocal {
			if other, found := e.endpoints.Lookup(ep.Namespace, vniID, port); found {
				ep.Counters.AddTxPacket(len(frame))
				e.ReceiveFrame(other, nil, frame, wire.ECNNotECT)
				return nil
			}
		}
	}

	return e.encapAndSend(ep, frame, dst, port, vniID)
}

// deliverLocalShortCircuit handles an empty-IP destination: the frame is
// delivered up through the same endpoint without encapsulation (spec 4.5
// xmit_one "local bridge short-circuit").
func (e *Engine) deliverLocalShortCircuit(ep *endpoint.Endpoint, frame []byte) error {
	ep.Counters.AddTxPacket(len(frame))
	if ep.Flags.Has(endpoint.FlagLearn) {
		if mac, ok := macFromHW(innerDstMAC(frame)); ok {
			ep.FDB.Touch(mac)
		}
	}
	ep.Counters.AddRxPacket(len(frame))
	if e.device != nil {
		_ = e.device.DeliverUp(ep, frame)
	}
	return nil
}

// encapAndSend builds the outer IPv4+UDP+VXLAN packet and hands its VXLAN
// header and inner frame to the shared socket (spec 4.1, 4.5 final
// xmit_one step).
func (e *Engine) encapAndSend(ep *endpoint.Endpoint, frame []byte, dst fdb.Destination, port uint16, vniID uint32) error {
	srcIP := ep.LocalSourceIP
	if !srcIP.IsValid() {
		srcIP = netip.AddrFrom4([4]byte{})
	}

	innerDSCP := uint8(0)
	innerECN := innerIPv4ECN(frame)
	if etherType(frame) == etherTypeIPv4 && len(frame) > ethHdrLen {
		innerDSCP = frame[ethHdrLen+1] >> 2
	}

	dscp := innerDSCP
	if ep.TOS != 0 && ep.TOS != endpoint.InheritTOS {
		dscp = ep.TOS >> 2
	}

	ttl := ep.TTL
	if ttl == 0 {
		if dst.IP.AsSlice()[0]&0xf0 == 0xe0 {
			ttl = 1
		} else {
			ttl = 64
		}
	}

	lo, hi := ep.SrcPortRange()
	outer, err := wire.Encode(wire.EncodeParams{
		SrcIP:   srcIP,
		DstIP:   dst.IP,
		SrcPort: wire.SelectSourcePort(frame, lo, hi),
		DstPort: port,
		VNI:     vniID,
		TTL:     ttl,
		DSCP:    dscp,
		ECN:     wire.EncapECN(innerECN),
	}, frame)
	if err != nil {
		ep.Counters.IncTxErrors()
		return fmt.Errorf("xmit_one: encode: %w", err)
	}

	// The socket's net.UDPConn writes its own outer IPv4 and UDP headers,
	// so only the trailing VXLAN header and inner frame are sent; the
	// kernel, not the encoded header above, sets the outer TTL, TOS and
	// source port on the wire.
	payload := outer[len(outer)-wire.HeaderSize-len(frame):]
	udpDst := &net.UDPAddr{IP: net.IP(dst.IP.AsSlice()), Port: int(port)}
	if err := ep.Send(udpDst, payload); err != nil {
		ep.Counters.IncTxErrors()
		return fmt.Errorf("xmit_one: send: %w", err)
	}

	ep.Counters.AddTxPacket(len(frame))
	return nil
}

func (e *Engine) publishL2Miss(ep *endpoint.Endpoint, mac fdb.MAC) {
	if e.publisher == nil {
		return
	}
	e.publisher.Publish(context.Background(), notify.Event{Kind: notify.KindL2Miss, VNI: ep.VNI, MAC: mac})
}

func (e *Engine) publishL3Miss(ep *endpoint.Endpoint, target netip.Addr) {
	if e.publisher == nil {
		return
	}
	e.publisher.Publish(context.Background(), notify.Event{Kind: notify.KindL3Miss, VNI: ep.VNI, Destination: fdb.Destination{IP: target}})
}

// macFromHW converts a net.HardwareAddr to the fixed-size fdb.MAC key type.
func macFromHW(hw net.HardwareAddr) (fdb.MAC, bool) {
	if len(hw) != 6 {
		return fdb.MAC{}, false
	}
	var m fdb.MAC
	copy(m[:], hw)
	return m, true
}

func macEqual(a, b net.HardwareAddr) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// rewriteDstMAC returns a copy of frame with its destination MAC replaced
// (spec 4.5 step 3 RSC rewrite).
func rewriteDstMAC(frame []byte, mac net.HardwareAddr) []byte {
	out := append([]byte(nil), frame...)
	copy(out[ethDstOff:ethDstOff+6], mac)
	return out
}
