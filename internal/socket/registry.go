// Package socket implements the shared UDP listener registry: multiple
// VXLAN endpoints with the same (namespace, local port) bind to one
// underlying socket and demultiplex by VNI (spec 3, 4.4).
//
// Grounded on the teacher's netio.Listener/VXLANConn (bfd's
// netio/listener.go, netio/vxlan_conn.go), generalized from "one socket
// per BFD session" to "one socket per (namespace, port), refcounted
// across every endpoint that binds to it" the way Manager
// (bfd/manager.go) keeps one map entry alive only while a session
// references it.
package socket

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/net/ipv4"
)

// ErrClosed is returned by Send/PacketConn calls against a released socket.
var ErrClosed = errors.New("socket: listener closed")

// key identifies a shared listener by network namespace and UDP port.
// Namespace is an opaque identifier supplied by the caller (e.g. a network
// namespace path); the empty string means the host's default namespace.
type key struct {
	namespace string
	port      uint16
}

// Demuxer receives decapsulated datagrams read off a shared socket and is
// responsible for routing them to the right VNI/endpoint. Implemented by
// internal/vni.Registry.
type Demuxer interface {
	// HandleDatagram is called once per UDP datagram received on the
	// socket, with the source address and raw payload (VXLAN header +
	// inner frame, since net.UDPConn already strips outer IP/UDP). The
	// outer IPv4 TOS byte (and with it the ECN codepoint, RFC 6040) is
	// not available here: recvLoop reads through plain
	// net.UDPConn.ReadFromUDP rather than ipv4.PacketConn.ReadFrom with
	// SetControlMessage(ipv4.FlagTOS, true), so the vni.Registry
	// implementation always reports wire.ECNNotECT regardless of what was
	// actually on the wire; ECN decapsulation validation is consequently
	// exercised only by tests that call the engine's ReceiveFrame directly, not by real
	// traffic through this registry (see DESIGN.md).
	HandleDatagram(src *net.UDPAddr, payload []byte)
}

// listener is a single shared UDP socket plus its refcount.
type listener struct {
	conn     *net.UDPConn
	refs     int
	mux      Demuxer
	stopRecv chan struct{}
	wg       sync.WaitGroup

	pconnOnce sync.Once
	pconn     *ipv4.PacketConn
}

// Registry owns every shared listener socket for the daemon, keyed by
// (namespace, port). A socket is created on the first Bind call for a
// given key and torn down once the last reference releases it, the same
// create-on-demand / destroy-on-refcount-zero discipline
// bfd.DiscriminatorAllocator applies to discriminators.
type Registry struct {
	mu        sync.Mutex
	listeners map[key]*listener
	logger    *slog.Logger
	bufSize   int
}

// recvBufSize is sized for jumbo frames, mirroring netio's vxlanBufSize.
const recvBufSize = 9000

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		listeners: make(map[key]*listener),
		logger:    logger.With(slog.String("component", "socket")),
		bufSize:   recvBufSize,
	}
}

// Handle is a caller's reference to a shared listener. Release must be
// called exactly once to drop the refcount.
type Handle struct {
	reg *Registry
	key key
}

// Bind acquires (creating if necessary) the shared UDP socket for
// (namespace, port) and registers mux as its datagram demultiplexer. Only
// the first Bind call for a key actually opens a socket and starts the
// receive loop; subsequent callers share it and their mux argument is
// ignored (spec 4.4: all VNIs on the same port share one socket and one
// demux table).
func (r *Registry) Bind(namespace string, port uint16, mux Demuxer) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{namespace: namespace, port: port}
	l, ok := r.listeners[k]
	if !ok {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(port)})
		if err != nil {
			return nil, fmt.Errorf("socket: bind port %d: %w", port, err)
		}
		l = &listener{conn: conn, mux: mux, stopRecv: make(chan struct{})}
		r.listeners[k] = l
		l.wg.Add(1)
		go r.recvLoop(k, l)
		r.logger.Info("socket bound", slog.String("namespace", namespace), slog.Uint64("port", uint64(port)))
	}
	l.refs++

	return &Handle{reg: r, key: k}, nil
}

// Release drops the caller's reference to the shared socket. Once the
// last reference is released, the underlying socket is closed and its
// receive loop stopped.
func (h *Handle) Release() {
	h.reg.mu.Lock()
	l, ok := h.reg.listeners[h.key]
	if !ok {
		h.reg.mu.Unlock()
		return
	}
	l.refs--
	last := l.refs <= 0
	if last {
		delete(h.reg.listeners, h.key)
	}
	h.reg.mu.Unlock()

	if last {
		close(l.stopRecv)
		_ = l.conn.Close()
		l.wg.Wait()
		h.reg.logger.Info("socket released", slog.Uint64("port", uint64(h.key.port)))
	}
}

// Send writes a fully-built outer packet payload (VXLAN header + inner
// frame; net.UDPConn adds the outer IP/UDP headers) to dst through the
// shared socket identified by this handle.
func (h *Handle) Send(dst *net.UDPAddr, payload []byte) error {
	h.reg.mu.Lock()
	l, ok := h.reg.listeners[h.key]
	h.reg.mu.Unlock()
	if !ok {
		return ErrClosed
	}
	if _, err := l.conn.WriteToUDP(payload, dst); err != nil {
		return fmt.Errorf("socket: send to %s: %w", dst, err)
	}
	return nil
}

// PacketConn returns the golang.org/x/net/ipv4 wrapper around this handle's
// shared socket, for multicast group membership management (internal/mcast).
// The wrapper is created once per listener and shared by every endpoint
// bound to it, since IGMP membership is a property of the socket, not of
// any one endpoint.
func (h *Handle) PacketConn() (*ipv4.PacketConn, error) {
	h.reg.mu.Lock()
	l, ok := h.reg.listeners[h.key]
	h.reg.mu.Unlock()
	if !ok {
		return nil, ErrClosed
	}
	l.pconnOnce.Do(func() {
		l.pconn = ipv4.NewPacketConn(l.conn)
	})
	return l.pconn, nil
}

// recvLoop reads datagrams off the shared socket until stopRecv closes,
// handing each one to the listener's Demuxer. One loop per shared socket
// regardless of how many endpoints reference it, mirroring
// OverlayReceiver.Run's single-reader-fans-out shape.
func (r *Registry) recvLoop(k key, l *listener) {
	defer l.wg.Done()

	buf := make([]byte, r.bufSize)
	for {
		select {
		case <-l.stopRecv:
			return
		default:
		}

		n, src, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.stopRecv:
				return
			default:
			}
			r.logger.Warn("socket read error", slog.Uint64("port", uint64(k.port)), slog.String("error", err.Error()))
			continue
		}

		if l.mux != nil {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			l.mux.HandleDatagram(src, payload)
		}
	}
}
