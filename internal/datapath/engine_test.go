package datapath_test

import (
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/vxlantun/vxlantund/internal/datapath"
	"github.com/vxlantun/vxlantund/internal/endpoint"
	"github.com/vxlantun/vxlantund/internal/fdb"
	"github.com/vxlantun/vxlantund/internal/neigh"
	"github.com/vxlantun/vxlantund/internal/notify"
	"github.com/vxlantun/vxlantund/internal/socket"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// buildEthFrame builds a minimal inner Ethernet frame: 14-byte header plus
// payload. dst/src must be 6 bytes each.
func buildEthFrame(dst, src net.HardwareAddr, ethType uint16, payload []byte) []byte {
	f := make([]byte, 14+len(payload))
	copy(f[0:6], dst)
	copy(f[6:12], src)
	binary.BigEndian.PutUint16(f[12:14], ethType)
	copy(f[14:], payload)
	return f
}

// buildIPv4Payload builds a minimal 20-byte IPv4 header (no options) with
// the given DSCP/ECN and destination address, for frames that exercise
// the ECN/RSC/PROXY codepaths.
func buildIPv4Payload(dscp, ecn uint8, dstIP netip.Addr) []byte {
	b := make([]byte, 20)
	b[0] = 0x45
	b[1] = (dscp << 2) | (ecn & 0x3)
	binary.BigEndian.PutUint16(b[2:4], 20)
	b[8] = 64
	b[9] = 17
	dst4 := dstIP.As4()
	copy(b[16:20], dst4[:])
	return b
}

func buildARPRequest(src net.HardwareAddr, senderPA, targetPA netip.Addr) []byte {
	f := make([]byte, 14+28)
	broadcast := net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	copy(f[0:6], broadcast)
	copy(f[6:12], src)
	binary.BigEndian.PutUint16(f[12:14], 0x0806)

	binary.BigEndian.PutUint16(f[14:16], 1)      // hwtype ethernet
	binary.BigEndian.PutUint16(f[16:18], 0x0800) // protype ipv4
	f[18] = 6
	f[19] = 4
	binary.BigEndian.PutUint16(f[20:22], 1) // opcode request
	copy(f[22:28], src)
	sp4 := senderPA.As4()
	copy(f[28:32], sp4[:])
	// target HW left zero
	tp4 := targetPA.As4()
	copy(f[38:42], tp4[:])
	return f
}

type fakeDevice struct {
	mu   sync.Mutex
	got  [][]byte
	ch   chan []byte
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{ch: make(chan []byte, 16)}
}

func (d *fakeDevice) DeliverUp(_ *endpoint.Endpoint, inner []byte) error {
	cp := make([]byte, len(inner))
	copy(cp, inner)
	d.mu.Lock()
	d.got = append(d.got, cp)
	d.mu.Unlock()
	select {
	case d.ch <- cp:
	default:
	}
	return nil
}

func (d *fakeDevice) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.got)
}

type fakeResolver struct {
	mac net.HardwareAddr
	err error
}

func (f fakeResolver) Resolve(netip.Addr) (neigh.Resolution, error) {
	if f.err != nil {
		return neigh.Resolution{}, f.err
	}
	return neigh.Resolution{MAC: f.mac}, nil
}

func newTestManager(t *testing.T, device datapath.Device) (*endpoint.Manager, *datapath.Engine) {
	t.Helper()
	sockets := socket.New(discardLogger())
	pub := notify.New(discardLogger())
	mgr := endpoint.NewManager(sockets, fakeResolver{}, pub, nil, discardLogger())
	eng := datapath.New(mgr, device, pub)
	// Manager needs the engine as its FrameReceiver, but the engine needs
	// the manager for local-delivery lookups: break the cycle by creating
	// the manager first with a nil receiver and re-creating it now that
	// the engine exists.
	mgr = endpoint.NewManager(sockets, fakeResolver{}, pub, eng, discardLogger())
	eng = datapath.New(mgr, device, pub)
	return mgr, eng
}

func TestReceiveFrameLoopSuppression(t *testing.T) {
	t.Parallel()
	device := newFakeDevice()
	mgr, eng := newTestManager(t, device)

	ownMAC := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	ep, err := mgr.CreateEndpoint(endpoint.Config{VNI: 1, DstPort: 19101, LocalMAC: ownMAC, Flags: endpoint.FlagLearn})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() { _ = mgr.DeleteEndpoint(1, "", 19101) })

	frame := buildEthFrame(net.HardwareAddr{0, 0, 0, 0, 0, 2}, ownMAC, 0x0800, buildIPv4Payload(0, 0, netip.MustParseAddr("10.0.0.1")))
	eng.ReceiveFrame(ep, &net.UDPAddr{IP: net.ParseIP("10.0.0.9")}, frame, 0)

	if device.count() != 0 {
		t.Fatalf("device got %d frames, want 0 (own mac should be suppressed)", device.count())
	}
}

func TestReceiveFrameSnoopsAndDelivers(t *testing.T) {
	t.Parallel()
	device := newFakeDevice()
	mgr, eng := newTestManager(t, device)

	ep, err := mgr.CreateEndpoint(endpoint.Config{VNI: 2, DstPort: 19102, Flags: endpoint.FlagLearn})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() { _ = mgr.DeleteEndpoint(2, "", 19102) })

	peerMAC := net.HardwareAddr{0xbb, 0xbb, 0xbb, 0xbb, 0xbb, 0x02}
	frame := buildEthFrame(net.HardwareAddr{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0x01}, peerMAC, 0x0800, buildIPv4Payload(0, 0, netip.MustParseAddr("10.0.0.1")))
	eng.ReceiveFrame(ep, &net.UDPAddr{IP: net.ParseIP("10.0.0.5")}, frame, 0)

	mac, _ := fdb.ParseMAC("bb:bb:bb:bb:bb:02")
	res, found := ep.FDB.Lookup(mac)
	if !found || len(res.Dests) != 1 || res.Dests[0].IP != netip.MustParseAddr("10.0.0.5") {
		t.Fatalf("fdb after snoop = %+v, %v", res, found)
	}
	if res.Flags&fdb.FlagSelf == 0 {
		t.Errorf("learned entry missing FlagSelf")
	}
	if device.count() != 1 {
		t.Fatalf("device got %d frames, want 1", device.count())
	}
}

func TestReceiveFrameNoMigrationForNOARP(t *testing.T) {
	t.Parallel()
	device := newFakeDevice()
	mgr, eng := newTestManager(t, device)

	ep, err := mgr.CreateEndpoint(endpoint.Config{VNI: 3, DstPort: 19103, Flags: endpoint.FlagLearn})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() { _ = mgr.DeleteEndpoint(3, "", 19103) })

	mac, _ := fdb.ParseMAC("cc:cc:cc:cc:cc:03")
	if err := ep.FDB.CreateOrUpdate(mac, fdb.Destination{IP: netip.MustParseAddr("10.0.0.7")}, fdb.StateNoARP, 0, fdb.OptCreate); err != nil {
		t.Fatalf("seed noarp entry: %v", err)
	}

	frame := buildEthFrame(net.HardwareAddr{0, 0, 0, 0, 0, 9}, net.HardwareAddr{0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0x03}, 0x0800, buildIPv4Payload(0, 0, netip.MustParseAddr("10.0.0.1")))
	eng.ReceiveFrame(ep, &net.UDPAddr{IP: net.ParseIP("10.0.0.99")}, frame, 0)

	res, found := ep.FDB.Lookup(mac)
	if !found || res.Dests[0].IP != netip.MustParseAddr("10.0.0.7") {
		t.Fatalf("noarp entry migrated: %+v", res)
	}
	if device.count() != 0 {
		t.Fatalf("device got %d frames, want 0 (dropped)", device.count())
	}
	if ep.Counters.Snapshot().RxDropped != 1 {
		t.Errorf("rx_dropped = %d, want 1", ep.Counters.Snapshot().RxDropped)
	}
}

func TestReceiveFrameIllegalECNDropped(t *testing.T) {
	t.Parallel()
	device := newFakeDevice()
	mgr, eng := newTestManager(t, device)

	ep, err := mgr.CreateEndpoint(endpoint.Config{VNI: 4, DstPort: 19104})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() { _ = mgr.DeleteEndpoint(4, "", 19104) })

	frame := buildEthFrame(net.HardwareAddr{0, 0, 0, 0, 0, 1}, net.HardwareAddr{0, 0, 0, 0, 0, 2}, 0x0800, buildIPv4Payload(0, 0 /* not-ECT */, netip.MustParseAddr("10.0.0.1")))
	eng.ReceiveFrame(ep, &net.UDPAddr{IP: net.ParseIP("10.0.0.5")}, frame, 3 /* outer CE */)

	if device.count() != 0 {
		t.Fatalf("device got %d frames, want 0 (illegal ecn combination dropped)", device.count())
	}
	if ep.Counters.Snapshot().RxFrameErrors != 1 {
		t.Errorf("rx_frame_errors = %d, want 1", ep.Counters.Snapshot().RxFrameErrors)
	}
}

func TestTransmitReplaceVsAppendSemantics(t *testing.T) {
	t.Parallel()
	device := newFakeDevice()
	mgr, _ := newTestManager(t, device)

	ep, err := mgr.CreateEndpoint(endpoint.Config{VNI: 5, DstPort: 19105})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() { _ = mgr.DeleteEndpoint(5, "", 19105) })

	mac, _ := fdb.ParseMAC("dd:dd:dd:dd:dd:04")
	if err := ep.FDB.CreateOrUpdate(mac, fdb.Destination{IP: netip.MustParseAddr("10.0.0.8")}, fdb.StateReachable, 0, fdb.OptCreate); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := ep.FDB.CreateOrUpdate(mac, fdb.Destination{IP: netip.MustParseAddr("10.0.0.9")}, fdb.StateReachable, 0, fdb.OptReplace); err != nil {
		t.Fatalf("replace: %v", err)
	}
	res, _ := ep.FDB.Lookup(mac)
	if len(res.Dests) != 1 || res.Dests[0].IP != netip.MustParseAddr("10.0.0.9") {
		t.Fatalf("after replace: %+v", res)
	}

	err = ep.FDB.CreateOrUpdate(mac, fdb.Destination{IP: netip.MustParseAddr("10.0.0.10")}, fdb.StateReachable, 0, fdb.OptAppend)
	if err == nil {
		t.Fatal("append on unicast mac unexpectedly succeeded")
	}

	mcMAC, _ := fdb.ParseMAC("01:00:5e:00:00:01")
	dst1 := fdb.Destination{IP: netip.MustParseAddr("10.0.0.20")}
	dst2 := fdb.Destination{IP: netip.MustParseAddr("10.0.0.21")}
	if err := ep.FDB.CreateOrUpdate(mcMAC, dst1, fdb.StateReachable, 0, fdb.OptCreate|fdb.OptAppend); err != nil {
		t.Fatalf("create multicast: %v", err)
	}
	if err := ep.FDB.CreateOrUpdate(mcMAC, dst2, fdb.StateReachable, 0, fdb.OptAppend); err != nil {
		t.Fatalf("append multicast: %v", err)
	}
	if err := ep.FDB.CreateOrUpdate(mcMAC, dst2, fdb.StateReachable, 0, fdb.OptAppend); err != nil {
		t.Fatalf("duplicate append: %v", err)
	}
	res, _ = ep.FDB.Lookup(mcMAC)
	if len(res.Dests) != 2 {
		t.Fatalf("multicast dests = %+v, want 2 (duplicate append is a no-op)", res.Dests)
	}
}

func TestTransmitUnknownUnicastFloodsToDefault(t *testing.T) {
	t.Parallel()
	device := newFakeDevice()
	mgr, eng := newTestManager(t, device)

	port := uint16(19106)
	ep, err := mgr.CreateEndpoint(endpoint.Config{
		VNI:           10,
		DstPort:       port,
		DefaultRemote: netip.MustParseAddr("127.0.0.1"),
		Flags:         endpoint.FlagLearn,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() { _ = mgr.DeleteEndpoint(10, "", port) })

	srcMAC := net.HardwareAddr{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0x01}
	dstMAC := net.HardwareAddr{0xbb, 0xbb, 0xbb, 0xbb, 0xbb, 0x02}
	frame := buildEthFrame(dstMAC, srcMAC, 0x0800, buildIPv4Payload(0, 0, netip.MustParseAddr("10.0.0.1")))

	if err := eng.Transmit(ep, frame); err != nil {
		t.Fatalf("transmit: %v", err)
	}

	select {
	case got := <-device.ch:
		if string(got) != string(frame) {
			t.Errorf("delivered frame differs from original")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for looped-back delivery over 127.0.0.1")
	}

	snap := ep.Counters.Snapshot()
	if snap.TxPackets != 1 {
		t.Errorf("tx_packets = %d, want 1", snap.TxPackets)
	}
}

func TestTransmitProxyARPReplyFromCache(t *testing.T) {
	t.Parallel()
	device := newFakeDevice()
	sockets := socket.New(discardLogger())
	pub := notify.New(discardLogger())

	replyMAC := net.HardwareAddr{0x02, 0x11, 0x22, 0x33, 0x44, 0x55}
	mgr := endpoint.NewManager(sockets, fakeResolver{mac: replyMAC}, pub, nil, discardLogger())
	eng := datapath.New(mgr, device, pub)
	mgr = endpoint.NewManager(sockets, fakeResolver{mac: replyMAC}, pub, eng, discardLogger())

	ep, err := mgr.CreateEndpoint(endpoint.Config{VNI: 6, DstPort: 19107, Flags: endpoint.FlagProxy})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() { _ = mgr.DeleteEndpoint(6, "", 19107) })

	requester := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	req := buildARPRequest(requester, netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2"))

	if err := eng.Transmit(ep, req); err != nil {
		t.Fatalf("transmit: %v", err)
	}
	if device.count() != 1 {
		t.Fatalf("device got %d frames, want 1 arp reply", device.count())
	}
}

func TestTransmitUnknownDestinationWithNoDefaultDrops(t *testing.T) {
	t.Parallel()
	device := newFakeDevice()
	mgr, eng := newTestManager(t, device)

	ep, err := mgr.CreateEndpoint(endpoint.Config{VNI: 7, DstPort: 19108})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() { _ = mgr.DeleteEndpoint(7, "", 19108) })

	frame := buildEthFrame(net.HardwareAddr{1, 2, 3, 4, 5, 6}, net.HardwareAddr{6, 5, 4, 3, 2, 1}, 0x0800, buildIPv4Payload(0, 0, netip.MustParseAddr("10.0.0.1")))
	if err := eng.Transmit(ep, frame); err != nil {
		t.Fatalf("transmit: %v", err)
	}
	if device.count() != 0 {
		t.Fatalf("device got %d frames, want 0", device.count())
	}
	if ep.Counters.Snapshot().TxDropped != 1 {
		t.Errorf("tx_dropped = %d, want 1", ep.Counters.Snapshot().TxDropped)
	}
}
