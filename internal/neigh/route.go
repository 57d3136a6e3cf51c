// Package neigh resolves the kernel's routing and ARP/neighbour tables on
// behalf of the ROUTER-flagged FDB short-circuit path (spec 3 invariant,
// spec 4.5 step 3 "route short-circuit"): when an inner frame targets a
// MAC flagged FlagRouter, the transmit path looks up the frame's inner
// destination IP against the host routing table and neighbour cache
// instead of trusting the learned MAC.
//
// Grounded on the teacher's netlink.RouteManager
// (nishisan-dev-n-netman/internal/netlink/route.go), adapted from a
// reconciled desired-state CRUD manager to a read-only resolver used on
// the hot path.
package neigh

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// ErrNoRoute indicates the kernel has no route to the requested destination.
var ErrNoRoute = errors.New("neigh: no route to destination")

// ErrNoNeighbour indicates a route was found but no neighbour (ARP/NDP)
// entry resolves its next hop to a link-layer address.
var ErrNoNeighbour = errors.New("neigh: no neighbour entry for next hop")

// Resolution is the outcome of a route+neighbour short-circuit lookup: the
// link-layer address to substitute for the inner frame's destination MAC,
// and the next-hop IP used to find it (for logging).
type Resolution struct {
	MAC     net.HardwareAddr
	NextHop netip.Addr
}

// Resolver looks up the kernel routing and neighbour tables. A real
// Resolver wraps vishvananda/netlink; tests substitute a fake.
type Resolver interface {
	Resolve(dst netip.Addr) (Resolution, error)
}

// NetlinkResolver implements Resolver using the kernel's routing and
// neighbour (ARP) tables via vishvananda/netlink.
type NetlinkResolver struct{}

// NewNetlinkResolver creates a Resolver backed by the live kernel state.
func NewNetlinkResolver() *NetlinkResolver {
	return &NetlinkResolver{}
}

// Resolve finds the route to dst, then the neighbour entry for the
// route's next hop (or dst itself, for an on-link route), and returns the
// next hop's link-layer address.
func (r *NetlinkResolver) Resolve(dst netip.Addr) (Resolution, error) {
	ip := net.IP(dst.AsSlice())

	routes, err := netlink.RouteGet(ip)
	if err != nil {
		return Resolution{}, fmt.Errorf("neigh: route lookup for %s: %w", dst, err)
	}
	if len(routes) == 0 {
		return Resolution{}, fmt.Errorf("neigh: route lookup for %s: %w", dst, ErrNoRoute)
	}
	route := routes[0]

	nextHopIP := route.Gw
	if nextHopIP == nil {
		nextHopIP = ip // on-link: the destination itself is the next hop
	}
	nextHop, ok := netip.AddrFromSlice(nextHopIP)
	if !ok {
		return Resolution{}, fmt.Errorf("neigh: parse next hop for %s: %w", dst, ErrNoRoute)
	}
	nextHop = nextHop.Unmap()

	neighs, err := netlink.NeighList(route.LinkIndex, netlink.FAMILY_V4)
	if err != nil {
		return Resolution{}, fmt.Errorf("neigh: neighbour lookup for %s: %w", nextHop, err)
	}

	for _, n := range neighs {
		na, ok := netip.AddrFromSlice(n.IP)
		if !ok {
			continue
		}
		if na.Unmap() != nextHop {
			continue
		}
		if len(n.HardwareAddr) == 0 {
			continue
		}
		return Resolution{MAC: n.HardwareAddr, NextHop: nextHop}, nil
	}

	return Resolution{}, fmt.Errorf("neigh: %s: %w", nextHop, ErrNoNeighbour)
}

// RouteInfo is the outcome of a plain outbound route lookup, used by the
// transmit path's xmit_one (spec 4.5): which device a packet would leave
// on, and whether the route is a local (this-host) delivery.
type RouteInfo struct {
	OutIfIndex int
	IsLocal    bool
}

// RouteResolver performs the outbound route lookup xmit_one needs, keyed
// by destination only (the route's source/oif/tos refinements are a
// kernel-routing-table concern outside this module's scope, spec 1).
type RouteResolver interface {
	LookupRoute(dst netip.Addr) (RouteInfo, error)
}

// LookupRoute finds the route the kernel would use to reach dst, reporting
// its output interface and whether it resolves to a local (RTN_LOCAL)
// destination (spec 4.5 xmit_one's "circular-route detection" and
// "local-delivery short-circuit" steps).
func (r *NetlinkResolver) LookupRoute(dst netip.Addr) (RouteInfo, error) {
	ip := net.IP(dst.AsSlice())

	routes, err := netlink.RouteGet(ip)
	if err != nil {
		return RouteInfo{}, fmt.Errorf("neigh: route lookup for %s: %w", dst, err)
	}
	if len(routes) == 0 {
		return RouteInfo{}, fmt.Errorf("neigh: route lookup for %s: %w", dst, ErrNoRoute)
	}
	route := routes[0]

	return RouteInfo{
		OutIfIndex: route.LinkIndex,
		IsLocal:    route.Type == unix.RTN_LOCAL,
	}, nil
}
