// Package endpoint owns the VXLAN tunnel endpoint lifecycle: one Endpoint
// per (VNI, socket) pair created by a CreateEndpoint control operation
// (spec 3, 4.6), wiring together the FDB, the shared socket, the VNI
// demultiplexer, multicast membership, and the route/neighbour resolver
// used by the transmit path's short-circuit.
//
// Grounded on bfd.Manager (bfd/manager.go) for the create/destroy and
// refcounted-shared-resource shape, and on bfd/fsm.go for the pure
// transition table in fsm.go that this file drives.
package endpoint

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/vxlantun/vxlantund/internal/fdb"
	"github.com/vxlantun/vxlantund/internal/mcast"
	"github.com/vxlantun/vxlantund/internal/neigh"
	"github.com/vxlantun/vxlantund/internal/notify"
	"github.com/vxlantun/vxlantund/internal/socket"
	"github.com/vxlantun/vxlantund/internal/vni"
)

// Flags are the per-endpoint administrative toggles (spec 3, 6.1).
type Flags uint8

const (
	FlagLearn Flags = 1 << iota
	FlagProxy
	FlagRSC
	FlagL2Miss
	FlagL3Miss
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// InheritTOS is the spec 9 sentinel: a configured TOS of 1 means "copy the
// inner IP's DSCP" rather than being written verbatim.
const InheritTOS uint8 = 1

// DefaultDstPort is the IANA-assigned VXLAN UDP port (spec 6.1, 6.4).
const DefaultDstPort uint16 = 4789

// DefaultAgeIntervalSec is the AGEING default of 300 seconds (spec 6.1).
// Nothing in this package applies it: ValidateConfig leaves AgeIntervalSec
// as given, and a Config with AgeIntervalSec 0 never ages.
const DefaultAgeIntervalSec uint32 = 300

// Config describes one endpoint as accepted from the control plane
// (spec 6.1's ID/GROUP/LINK/LOCAL/TOS/TTL/LEARNING/AGEING/LIMIT/flags/
// PORT_RANGE/PORT attributes).
type Config struct {
	VNI             uint32 // ID, 24-bit
	Namespace       string
	DefaultRemote   netip.Addr // GROUP; zero value = no default/flood destination
	LinkIndex       uint32     // LINK, lower device index (0 = none)
	LocalSourceIP   netip.Addr // LOCAL; zero value = unspecified
	TOS             uint8      // TOS; 1 = inherit inner DSCP
	TTL             uint8      // TTL; 0 = default (1 for multicast, else 64; the route is not consulted)
	Flags           Flags
	AgeIntervalSec  uint32 // AGEING; 0 = never age
	FDBMaxEntries   int    // LIMIT; 0 = unlimited
	SrcPortLo       uint16
	SrcPortHi       uint16
	DstPort         uint16 // PORT; 0 = DefaultDstPort
	LocalMAC        net.HardwareAddr // this endpoint's own MAC, for loop suppression (spec 4.4 step 4)
	MulticastIface  *net.Interface   // required when DefaultRemote is a multicast group
}

// port returns the effective destination UDP port (spec 6.1 PORT default).
func (c Config) port() uint16 {
	if c.DstPort == 0 {
		return DefaultDstPort
	}
	return c.DstPort
}

// defaultSrcPortLo and defaultSrcPortHi are the host ephemeral range used
// when a Config leaves PORT_RANGE unset (spec 4.3).
const (
	defaultSrcPortLo uint16 = 49152
	defaultSrcPortHi uint16 = 65535
)

// SrcPortRange returns the effective outer-UDP source port range for flow
// hashing (spec 4.3).
func (c Config) SrcPortRange() (lo, hi uint16) {
	if c.SrcPortHi == 0 {
		return defaultSrcPortLo, defaultSrcPortHi
	}
	return c.SrcPortLo, c.SrcPortHi
}

// Sentinel errors surfaced to the control plane (spec 7).
var (
	ErrInvalidVNI      = errors.New("endpoint: vni out of range")
	ErrInvalidPortRange = errors.New("endpoint: port_range.hi < port_range.lo")
	ErrMulticastNoIface = errors.New("endpoint: multicast default_remote requires an interface")
	ErrNotUp            = errors.New("endpoint: not up")
	ErrAlreadyUp        = errors.New("endpoint: already up")
)

// ValidateConfig applies the spec 6.1 validation rules that do not depend
// on other endpoints (duplicate (VNI,PORT) detection is Manager's job).
func ValidateConfig(c Config) error {
	if c.VNI >= 1<<24 {
		return fmt.Errorf("vni=%d: %w", c.VNI, ErrInvalidVNI)
	}
	if c.SrcPortHi != 0 && c.SrcPortHi < c.SrcPortLo {
		return fmt.Errorf("range=[%d,%d]: %w", c.SrcPortLo, c.SrcPortHi, ErrInvalidPortRange)
	}
	if c.DefaultRemote.IsValid() && c.DefaultRemote.Is4() && c.DefaultRemote.AsSlice()[0]&0xf0 == 0xe0 && c.MulticastIface == nil {
		return ErrMulticastNoIface
	}
	return nil
}

// FrameReceiver is implemented by the datapath engine and invoked once per
// decapsulated inner frame addressed to this endpoint's VNI (spec 4.4).
// Defined here, not in internal/datapath, so that Endpoint can hold a
// reference to its receiver without datapath importing endpoint and
// endpoint importing datapath back.
type FrameReceiver interface {
	ReceiveFrame(ep *Endpoint, src *net.UDPAddr, inner []byte, ecn uint8)
}

// Deps are the shared collaborators an Endpoint needs; supplied by Manager
// so that every endpoint in a namespace shares one socket registry, VNI
// registry, resolver, and notification publisher.
type Deps struct {
	Sockets   *socket.Registry
	Resolver  neigh.Resolver
	Publisher *notify.Publisher
	Logger    *slog.Logger
	Receiver  FrameReceiver
}

// Counters are the per-endpoint observable counters (spec 6.3). Exposed as
// plain fields rather than an interface: the spec treats the underlying
// counter mechanism as an opaque external collaborator (spec 1), so the
// Prometheus-backed internal/metrics.Collector reads these fields rather
// than owning them.
type Counters struct {
	mu                 sync.Mutex
	RxPackets          uint64
	RxBytes            uint64
	TxPackets          uint64
	TxBytes            uint64
	RxFrameErrors      uint64
	RxDropped          uint64
	TxDropped          uint64
	TxErrors           uint64
	TxCarrierErrors    uint64
	TxAbortedErrors    uint64
	Collisions         uint64
}

func (c *Counters) addRx(packets, bytes uint64) {
	c.mu.Lock()
	c.RxPackets += packets
	c.RxBytes += bytes
	c.mu.Unlock()
}

func (c *Counters) addTx(packets, bytes uint64) {
	c.mu.Lock()
	c.TxPackets += packets
	c.TxBytes += bytes
	c.mu.Unlock()
}

func (c *Counters) inc(field *uint64) {
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}

// Snapshot returns a copy of the counters for reporting (spec 6.3).
func (c *Counters) Snapshot() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *c
	cp.mu = sync.Mutex{}
	return cp
}

// AddRxPacket records one received inner frame of the given size.
func (c *Counters) AddRxPacket(bytes int) { c.addRx(1, uint64(bytes)) }

// AddTxPacket records one transmitted inner frame of the given size.
func (c *Counters) AddTxPacket(bytes int) { c.addTx(1, uint64(bytes)) }

// IncRxFrameErrors increments the malformed-ECN-combination counter (spec 4.7).
func (c *Counters) IncRxFrameErrors() { c.inc(&c.RxFrameErrors) }

// IncRxDropped increments the generic receive-drop counter (spec 4.4, 4.7).
func (c *Counters) IncRxDropped() { c.inc(&c.RxDropped) }

// IncTxDropped increments the generic transmit-drop counter (spec 4.5).
func (c *Counters) IncTxDropped() { c.inc(&c.TxDropped) }

// IncTxErrors increments the transmit-send-failure counter (spec 4.5 xmit_one).
func (c *Counters) IncTxErrors() { c.inc(&c.TxErrors) }

// IncTxCarrierErrors increments the route-lookup-failure counter (spec 4.5 xmit_one).
func (c *Counters) IncTxCarrierErrors() { c.inc(&c.TxCarrierErrors) }

// IncCollisions increments the circular-route-detection counter (spec 4.5 xmit_one).
func (c *Counters) IncCollisions() { c.inc(&c.Collisions) }

// Endpoint is one VXLAN tunnel endpoint device: a VNI bound to a shared
// socket, with its own FDB, multicast membership, and lifecycle state
// (spec 3).
type Endpoint struct {
	Config
	deps Deps

	FDB       *fdb.Table
	Counters  *Counters

	mu     sync.Mutex
	state  State
	sock   *socket.Handle
	vniReg *vni.Registry   // shared per (namespace, port); supplied by Manager
	mcastM *mcast.Manager  // shared per (namespace, port); supplied by Manager

	ageCancel chan struct{}
	ageDone   chan struct{}
}

// newEndpoint constructs an Endpoint in StateInit. Manager is the only
// caller: it owns the shared vniReg/mcastM instances for this (namespace,
// port) and passes them in once resolved.
func newEndpoint(cfg Config, deps Deps, vniReg *vni.Registry, mcastM *mcast.Manager) *Endpoint {
	logger := deps.Logger.With(slog.Uint64("vni", uint64(cfg.VNI)))
	pub := deps.Publisher.ForVNI(cfg.VNI)

	var fdbOpts []fdb.Option
	if cfg.FDBMaxEntries > 0 {
		fdbOpts = append(fdbOpts, fdb.WithMaxEntries(cfg.FDBMaxEntries))
	}
	fdbOpts = append(fdbOpts, fdb.WithPublisher(pub))

	ep := &Endpoint{
		Config:   cfg,
		deps:     Deps{Sockets: deps.Sockets, Resolver: deps.Resolver, Publisher: deps.Publisher, Logger: logger, Receiver: deps.Receiver},
		FDB:      fdb.New(logger, fdbOpts...),
		Counters: &Counters{},
		state:    StateInit,
		vniReg:   vniReg,
		mcastM:   mcastM,
	}

	if cfg.DefaultRemote.IsValid() {
		dst := fdb.Destination{IP: cfg.DefaultRemote}
		_ = ep.FDB.CreateOrUpdate(fdb.ZeroMAC, dst, fdb.StatePermanent, 0, fdb.OptCreate)
	}

	return ep
}

// State returns the endpoint's current lifecycle state.
func (ep *Endpoint) State() State {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.state
}

// Resolver returns the shared route/neighbour resolver used by the
// transmit path's ROUTER/RSC short-circuit and route lookups (spec 4.5).
func (ep *Endpoint) Resolver() neigh.Resolver {
	return ep.deps.Resolver
}

// Port returns the effective destination UDP port (spec 6.1 PORT default).
func (ep *Endpoint) Port() uint16 { return ep.port() }

// Send writes an already-encapsulated outer payload to dst through this
// endpoint's shared socket (spec 4.5 xmit_one's final step).
func (ep *Endpoint) Send(dst *net.UDPAddr, payload []byte) error {
	ep.mu.Lock()
	sock := ep.sock
	ep.mu.Unlock()
	if sock == nil {
		return fmt.Errorf("endpoint: vni=%d: %w", ep.VNI, socket.ErrClosed)
	}
	return sock.Send(dst, payload)
}

// ReceiveDatagram implements vni.Receiver: it is called once per decoded
// VXLAN datagram addressed to this endpoint's VNI, with outer ECN already
// resolved by the demultiplexer (spec 4.4 steps 1-3).
func (ep *Endpoint) ReceiveDatagram(src *net.UDPAddr, inner []byte, ecn uint8) {
	if ep.deps.Receiver == nil {
		ep.Counters.IncRxDropped()
		return
	}
	ep.deps.Receiver.ReceiveFrame(ep, src, inner, ecn)
}

// bind performs the socket_bind worker (spec 4.6, 9 "Asynchronous
// workers"): acquires the shared socket for (namespace, port) and
// registers this endpoint's VNI against the shared demultiplexer.
func (ep *Endpoint) bind() error {
	h, err := ep.deps.Sockets.Bind(ep.Namespace, ep.port(), ep.vniReg)
	if err != nil {
		return fmt.Errorf("endpoint: bind: %w", err)
	}
	if err := ep.vniReg.Register(ep.VNI, ep); err != nil {
		h.Release()
		return fmt.Errorf("endpoint: register vni: %w", err)
	}
	ep.mu.Lock()
	ep.sock = h
	ep.mu.Unlock()
	return nil
}

// Start runs the socket_bind worker and applies the resulting event,
// moving the endpoint from INIT to READY (or DEAD on bind failure).
func (ep *Endpoint) Start() error {
	err := ep.bind()
	ep.mu.Lock()
	defer ep.mu.Unlock()

	event := EventSocketBound
	if err != nil {
		event = EventSocketBindFailed
	}
	res := ApplyEvent(ep.state, event)
	ep.state = res.NewState
	ep.runActions(res.Actions)
	return err
}

// Up applies AdminUp (spec 4.6 READY -> UP): arms the ageing timer and, if
// the default destination is multicast, joins its group.
func (ep *Endpoint) Up() error {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.state != StateReady {
		return fmt.Errorf("state=%v: %w", ep.state, ErrAlreadyUp)
	}
	res := ApplyEvent(ep.state, EventAdminUp)
	ep.state = res.NewState
	ep.runActions(res.Actions)
	ep.startAgeing()
	return nil
}

// Down applies AdminDown (spec 4.6 UP -> READY): cancels ageing, leaves any
// multicast group, and flushes every FDB entry except the all-zero default.
func (ep *Endpoint) Down() error {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.state != StateUp {
		return fmt.Errorf("state=%v: %w", ep.state, ErrNotUp)
	}
	ep.stopAgeing()
	res := ApplyEvent(ep.state, EventAdminDown)
	ep.state = res.NewState
	ep.runActions(res.Actions)
	return nil
}

// Destroy applies Deleted (spec 4.6 -> DEAD): tears down ageing, multicast
// membership, and the shared socket/VNI registration, in that order.
func (ep *Endpoint) Destroy() {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.state == StateUp {
		ep.stopAgeing()
	}
	res := ApplyEvent(ep.state, EventDeleted)
	ep.state = res.NewState
	ep.runActions(res.Actions)
}

// runActions executes the side effects named by the FSM transition. Called
// with ep.mu held, matching spec 5's "all transitions except INIT -> READY
// must hold the control-plane lock."
func (ep *Endpoint) runActions(actions []Action) {
	for _, a := range actions {
		switch a {
		case ActionStartWorkers:
			// bind() already ran synchronously in Start(); nothing further
			// to launch here for this implementation.
		case ActionJoinGroup:
			ep.joinGroup()
		case ActionLeaveGroup:
			ep.leaveGroup()
		case ActionFlushFDB:
			ep.FDB.Flush(true)
		case ActionReleaseSocket:
			ep.vniReg.Unregister(ep.VNI)
			if ep.sock != nil {
				ep.sock.Release()
				ep.sock = nil
			}
		}
	}
}

// joinGroup runs the igmp_join worker when the default destination is a
// multicast group (spec 4.6 READY -> UP).
func (ep *Endpoint) joinGroup() {
	if !ep.DefaultRemote.IsValid() || ep.MulticastIface == nil || ep.mcastM == nil {
		return
	}
	ip := net.IP(ep.DefaultRemote.AsSlice())
	if !ip.IsMulticast() {
		return
	}
	if err := ep.mcastM.Join(ep.MulticastIface, ip); err != nil {
		ep.deps.Logger.Warn("igmp join failed", slog.String("group", ip.String()), slog.String("error", err.Error()))
	}
}

// leaveGroup runs the igmp_leave worker (spec 4.6 UP -> READY / -> DEAD).
func (ep *Endpoint) leaveGroup() {
	if !ep.DefaultRemote.IsValid() || ep.MulticastIface == nil || ep.mcastM == nil {
		return
	}
	ip := net.IP(ep.DefaultRemote.AsSlice())
	if !ip.IsMulticast() {
		return
	}
	if err := ep.mcastM.Leave(ep.MulticastIface, ip); err != nil {
		ep.deps.Logger.Warn("igmp leave failed", slog.String("group", ip.String()), slog.String("error", err.Error()))
	}
}

// startAgeing arms the periodic, self-rescheduling ageing task (spec 5
// "cancellation and timeouts", spec 4.2 age). Must be called with ep.mu
// held.
func (ep *Endpoint) startAgeing() {
	if ep.AgeIntervalSec == 0 {
		return
	}
	ep.ageCancel = make(chan struct{})
	ep.ageDone = make(chan struct{})
	go ep.ageLoop(ep.ageCancel, ep.ageDone)
}

// stopAgeing cancels the ageing task and waits for its current tick to
// finish. Must be called with ep.mu held.
func (ep *Endpoint) stopAgeing() {
	if ep.ageCancel == nil {
		return
	}
	close(ep.ageCancel)
	<-ep.ageDone
	ep.ageCancel = nil
	ep.ageDone = nil
}

// ageLoop runs fdb.Table.Age on a schedule driven by the table's own
// reported next-expiry time, not a fixed tick, so idle endpoints with
// long-lived entries don't wake up needlessly (spec 4.2 age's "compute the
// earliest future expiry... return it so the lifecycle layer can schedule
// the next tick").
func (ep *Endpoint) ageLoop(cancel <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := time.Duration(ep.AgeIntervalSec) * time.Second
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-cancel:
			return
		case <-timer.C:
			nextMs := ep.FDB.Age(nowMs(), int64(ep.AgeIntervalSec))
			wait := interval
			if nextMs > 0 {
				if d := time.Duration(nextMs-nowMs()) * time.Millisecond; d > 0 && d < wait {
					wait = d
				}
			}
			timer.Reset(wait)
		}
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }
