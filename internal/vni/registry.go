// Package vni implements the per-socket VNI demultiplexer: one Registry
// sits behind each shared socket.Handle and routes each decapsulated
// datagram to the endpoint bound to its VXLAN Network Identifier
// (spec 3, 4.4 "vni demux table").
//
// Grounded on bfd.Manager's two-tier demux (bfd/manager.go Demux):
// there, Your Discriminator selects a session out of a map; here, the
// VNI in the VXLAN header selects a Receiver out of the same kind of
// map, protected the same way (sync.RWMutex, write path locks, and a
// not-found error the caller logs and drops).
package vni

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/vxlantun/vxlantund/internal/wire"
)

// ErrNoMatch is returned when no endpoint is registered for a VNI, the
// vni equivalent of bfd.ErrDemuxNoMatch.
var ErrNoMatch = errors.New("vni: no endpoint registered for this vni")

// Receiver is the callback a registered endpoint supplies to receive its
// decapsulated datagrams.
type Receiver interface {
	// ReceiveDatagram is called with the source VTEP address, the VNI
	// already stripped from the VXLAN header, and the inner frame.
	ReceiveDatagram(src *net.UDPAddr, inner []byte, ecn uint8)
}

// Registry maps VNI to Receiver for datagrams arriving on one shared
// socket. It implements socket.Demuxer.
type Registry struct {
	mu        sync.RWMutex
	receivers map[uint32]Receiver
	logger    *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		receivers: make(map[uint32]Receiver),
		logger:    logger.With(slog.String("component", "vni")),
	}
}

// Register binds vni to r. Returns an error if the VNI is already bound,
// mirroring bfd.ErrDuplicateSession.
func (reg *Registry) Register(vni uint32, r Receiver) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, exists := reg.receivers[vni]; exists {
		return fmt.Errorf("vni: register %d: %w", vni, ErrDuplicate)
	}
	reg.receivers[vni] = r
	return nil
}

// ErrDuplicate indicates a VNI is already bound to a receiver.
var ErrDuplicate = errors.New("vni: already registered")

// Unregister removes the binding for vni, if any.
func (reg *Registry) Unregister(vni uint32) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.receivers, vni)
}

// Lookup returns the Receiver bound to vni, if any.
func (reg *Registry) Lookup(vni uint32) (Receiver, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.receivers[vni]
	return r, ok
}

// HandleDatagram implements socket.Demuxer: it decodes the VXLAN header
// and inner frame from payload, demuxes by VNI, and delivers to the
// registered Receiver. Packets with no registered VNI, a malformed
// header, or a reserved-bit violation (spec 4.1 invariant, RFC 7348
// Section 5) are dropped and logged at debug level -- never panics the
// receive loop (spec 7).
func (reg *Registry) HandleDatagram(src *net.UDPAddr, payload []byte) {
	v, inner, err := wire.Decode(payload)
	if err != nil {
		reg.logger.Debug("dropping malformed vxlan datagram",
			slog.String("src", src.String()), slog.String("error", err.Error()))
		return
	}

	r, ok := reg.Lookup(v)
	if !ok {
		reg.logger.Debug("dropping datagram for unknown vni",
			slog.String("src", src.String()), slog.Uint64("vni", uint64(v)))
		return
	}

	// Outer ECN is not recoverable here (see socket.Demuxer); treat every
	// received datagram as Not-ECT so RFC 6040 decapsulation never
	// incorrectly promotes an inner ECT codepoint to CE.
	r.ReceiveDatagram(src, inner, wire.ECNNotECT)
}
