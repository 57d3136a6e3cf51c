package endpoint

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vxlantun/vxlantund/internal/mcast"
	"github.com/vxlantun/vxlantund/internal/neigh"
	"github.com/vxlantun/vxlantund/internal/notify"
	"github.com/vxlantun/vxlantund/internal/socket"
	"github.com/vxlantun/vxlantund/internal/vni"
)

// ErrDuplicateEndpoint is returned when a CreateEndpoint names a (VNI,
// PORT) pair that already has an endpoint (spec 6.1 "duplicate (VNI,
// PORT) => EEXIST").
var ErrDuplicateEndpoint = errors.New("endpoint: duplicate (vni, port)")

// ErrNotFound is returned when a control-plane operation names an endpoint
// that does not exist.
var ErrNotFound = errors.New("endpoint: not found")

// portKey identifies a shared (namespace, port) resource scope: the VNI
// registry and multicast manager are one-per-socket, not one-per-endpoint
// (spec 3 Listener).
type portKey struct {
	namespace string
	port      uint16
}

type epKey struct {
	portKey
	vni uint32
}

// Manager owns every Endpoint in the daemon and the shared per-(namespace,
// port) resources (socket registry, VNI registry, multicast manager) they
// reference. Grounded on bfd.Manager's map-of-sessions-plus-shared-
// resources shape (bfd/manager.go).
type Manager struct {
	mu        sync.Mutex
	endpoints map[epKey]*Endpoint
	vniRegs   map[portKey]*vni.Registry
	mcastMgrs map[portKey]*mcast.Manager

	sockets   *socket.Registry
	resolver  neigh.Resolver
	publisher *notify.Publisher
	receiver  FrameReceiver
	logger    *slog.Logger
}

// NewManager creates an empty Manager sharing the given collaborators
// across every endpoint it creates.
func NewManager(sockets *socket.Registry, resolver neigh.Resolver, publisher *notify.Publisher, receiver FrameReceiver, logger *slog.Logger) *Manager {
	return &Manager{
		endpoints: make(map[epKey]*Endpoint),
		vniRegs:   make(map[portKey]*vni.Registry),
		mcastMgrs: make(map[portKey]*mcast.Manager),
		sockets:   sockets,
		resolver:  resolver,
		publisher: publisher,
		receiver:  receiver,
		logger:    logger.With(slog.String("component", "endpoint")),
	}
}

// CreateEndpoint validates cfg, rejects a duplicate (VNI, PORT), builds a
// new Endpoint and runs Start on it, returning it in state READY. The
// caller is responsible for calling Up to bring it online (spec 4.6).
func (m *Manager) CreateEndpoint(cfg Config) (*Endpoint, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pk := portKey{namespace: cfg.Namespace, port: cfg.port()}
	ek := epKey{portKey: pk, vni: cfg.VNI}
	if _, exists := m.endpoints[ek]; exists {
		return nil, fmt.Errorf("vni=%d port=%d: %w", cfg.VNI, cfg.port(), ErrDuplicateEndpoint)
	}

	vreg, ok := m.vniRegs[pk]
	if !ok {
		vreg = vni.New(m.logger)
		m.vniRegs[pk] = vreg
	}

	ep := newEndpoint(cfg, Deps{
		Sockets:   m.sockets,
		Resolver:  m.resolver,
		Publisher: m.publisher,
		Logger:    m.logger,
		Receiver:  m.receiver,
	}, vreg, nil)

	if err := ep.Start(); err != nil {
		return nil, fmt.Errorf("vni=%d: %w", cfg.VNI, err)
	}

	if cfg.MulticastIface != nil {
		pconn, err := ep.sock.PacketConn()
		if err != nil {
			ep.Destroy()
			return nil, fmt.Errorf("vni=%d: multicast packet conn: %w", cfg.VNI, err)
		}
		mm, ok := m.mcastMgrs[pk]
		if !ok {
			mm = mcast.New(pconn, m.logger)
			m.mcastMgrs[pk] = mm
		}
		ep.mcastM = mm
	}

	m.endpoints[ek] = ep
	return ep, nil
}

// DeleteEndpoint brings ep through its remaining lifecycle transitions to
// DEAD and removes it from the manager (spec 4.6 READY/UP -> DEAD).
func (m *Manager) DeleteEndpoint(vniID uint32, namespace string, port uint16) error {
	m.mu.Lock()
	ek := epKey{portKey: portKey{namespace: namespace, port: port}, vni: vniID}
	ep, ok := m.endpoints[ek]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("vni=%d port=%d: %w", vniID, port, ErrNotFound)
	}
	delete(m.endpoints, ek)
	m.mu.Unlock()

	if ep.State() == StateUp {
		_ = ep.Down()
	}
	ep.Destroy()
	return nil
}

// Lookup returns the endpoint for (vni, port) in the given namespace, used
// by the transmit path's local-delivery short-circuit (spec 4.5 xmit_one):
// two endpoints on the same host sharing (vni, dst_port) exchange frames
// without encapsulation.
func (m *Manager) Lookup(namespace string, vniID uint32, port uint16) (*Endpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[epKey{portKey: portKey{namespace: namespace, port: port}, vni: vniID}]
	return ep, ok
}

// All returns every endpoint currently managed, for dump/list control
// operations.
func (m *Manager) All() []*Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Endpoint, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		out = append(out, ep)
	}
	return out
}
