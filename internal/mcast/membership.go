// Package mcast manages IGMP multicast group membership for VXLAN
// endpoints that use a multicast group as their default/flood destination
// (spec 3 "group", spec 4.6 igmp_join/igmp_leave workers).
//
// Grounded on the IGMP join/leave calls in the retrieved
// rcarmo-codebits-tv mcast.go (ipv4.PacketConn.JoinGroup/LeaveGroup),
// refcounted the way socket.Registry refcounts shared UDP listeners: the
// same (interface, group) pair is joined once no matter how many VNIs
// flood to it, and left only when the last one stops.
package mcast

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/net/ipv4"
)

type key struct {
	ifIndex int
	group   string
}

// Manager tracks IGMP membership refcounts per (interface, group).
type Manager struct {
	mu      sync.Mutex
	members map[key]int
	pconn   *ipv4.PacketConn
	logger  *slog.Logger
}

// New creates a Manager that issues IGMP join/leave through pconn, the
// ipv4.PacketConn wrapping the endpoint's shared UDP socket.
func New(pconn *ipv4.PacketConn, logger *slog.Logger) *Manager {
	return &Manager{
		members: make(map[key]int),
		pconn:   pconn,
		logger:  logger.With(slog.String("component", "mcast")),
	}
}

// Join increments the refcount for (ifi, group), issuing an actual IGMP
// join only on the first reference (spec 4.6 igmp_join).
func (m *Manager) Join(ifi *net.Interface, group net.IP) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{ifIndex: ifi.Index, group: group.String()}
	if m.members[k] == 0 {
		if err := m.pconn.JoinGroup(ifi, &net.UDPAddr{IP: group}); err != nil {
			return fmt.Errorf("mcast: join %s on %s: %w", group, ifi.Name, err)
		}
		m.logger.Info("joined multicast group", slog.String("group", group.String()), slog.String("iface", ifi.Name))
	}
	m.members[k]++
	return nil
}

// Leave decrements the refcount for (ifi, group), issuing an actual IGMP
// leave only when the last reference is released (spec 4.6 igmp_leave).
func (m *Manager) Leave(ifi *net.Interface, group net.IP) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{ifIndex: ifi.Index, group: group.String()}
	if m.members[k] == 0 {
		return nil
	}
	m.members[k]--
	if m.members[k] > 0 {
		return nil
	}
	delete(m.members, k)

	if err := m.pconn.LeaveGroup(ifi, &net.UDPAddr{IP: group}); err != nil {
		return fmt.Errorf("mcast: leave %s on %s: %w", group, ifi.Name, err)
	}
	m.logger.Info("left multicast group", slog.String("group", group.String()), slog.String("iface", ifi.Name))
	return nil
}

// RefCount returns the current refcount for (ifi, group), for tests and
// diagnostics.
func (m *Manager) RefCount(ifi *net.Interface, group net.IP) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.members[key{ifIndex: ifi.Index, group: group.String()}]
}
