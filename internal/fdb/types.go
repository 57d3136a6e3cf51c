// Package fdb implements the VXLAN forwarding database: a fixed-size
// hashed table of MAC address to remote-destination bindings, read on
// every packet and mutated by learning, ageing, and administrative
// commands (spec 3, 4.2).
package fdb

import (
	"errors"
	"fmt"
	"net/netip"
)

// MAC is a 48-bit Ethernet address.
type MAC [6]byte

// ZeroMAC is the key of the default/flood entry (spec 3 "Special FDB entries").
var ZeroMAC = MAC{}

// ParseMAC parses a colon-separated MAC address string.
func ParseMAC(s string) (MAC, error) {
	var m MAC
	var b [6]int
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x", &b[0], &b[1], &b[2], &b[3], &b[4], &b[5])
	if err != nil || n != 6 {
		return MAC{}, fmt.Errorf("fdb: parse mac %q: %w", s, ErrInvalidMAC)
	}
	for i, v := range b {
		m[i] = byte(v)
	}
	return m, nil
}

// String renders the MAC in colon-separated hex form.
func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// IsZero reports whether m is the all-zero default-entry key.
func (m MAC) IsZero() bool {
	return m == ZeroMAC
}

// IsMulticast reports whether m has the multicast/group bit set (I/G bit,
// low bit of the first octet). Together with the all-zero MAC, this is
// the class of addresses permitted to carry more than one destination
// (spec 3 invariant 1).
func (m MAC) IsMulticast() bool {
	return m[0]&0x01 != 0
}

// Destination is a remote tunnel endpoint a frame may be sent to (spec 3).
// Equality over the full 4-tuple is the key used by replace/append/delete.
type Destination struct {
	IP      netip.Addr // remote_ip
	Port    uint16     // remote_port, 0 = inherit endpoint dst_port
	VNI     uint32     // remote_vni, 0xFFFFFF = inherit endpoint vni (in-process sentinel only, spec 9)
	IfIndex uint32 // remote_ifindex, 0 = none
}

// InheritVNI is the in-process sentinel meaning "inherit the endpoint's
// VNI" (spec 9: VXLAN_N_VID, never written to the wire).
const InheritVNI uint32 = 0xFFFFFF

// State is the reachability state of an FdbEntry (spec 3).
type State uint8

const (
	StateReachable State = iota + 1
	StateStale
	StatePermanent
	StateNoARP
)

func (s State) String() string {
	switch s {
	case StateReachable:
		return "REACHABLE"
	case StateStale:
		return "STALE"
	case StatePermanent:
		return "PERMANENT"
	case StateNoARP:
		return "NOARP"
	default:
		return "UNKNOWN"
	}
}

// Flags holds administrative bits attached to an FdbEntry (spec 3).
type Flags uint8

const (
	// FlagRouter marks an entry that participates in route short-circuit
	// (spec 4.5 step 3).
	FlagRouter Flags = 1 << iota
	// FlagSelf marks an entry created by learning (snoop), mirroring the
	// kernel's NTF_EXT_LEARNED.
	FlagSelf
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Opt is a bitmask of create/update modifiers (spec 4.2, 6.2).
type Opt uint8

const (
	// OptCreate permits creating a new entry if none exists.
	OptCreate Opt = 1 << iota
	// OptExcl fails with ErrExists if an entry already exists.
	OptExcl
	// OptReplace overwrites the single destination of an existing unicast entry.
	OptReplace
	// OptAppend adds a destination to a multicast/zero-MAC entry's list.
	OptAppend
)

func (o Opt) Has(bit Opt) bool { return o&bit != 0 }

// Sentinel errors, mapped to the spec 7 error-kind taxonomy by callers.
var (
	ErrInvalidMAC  = errors.New("fdb: invalid mac address")
	ErrNotFound    = errors.New("fdb: entry not found")
	ErrExists      = errors.New("fdb: entry already exists")
	ErrUnsupported = errors.New("fdb: operation not supported for this mac class")
	ErrCapacity    = errors.New("fdb: forwarding table full")
)

// Record is a single (entry-identity, destination) pair as produced by Dump,
// a flattened view of one FdbEntry's remotes list (spec 4.2 "dump").
type Record struct {
	MAC           MAC
	Destination   Destination
	State         State
	Flags         Flags
	LastUpdatedMs int64
	LastUsedMs    int64
}

// EventKind identifies the kind of mutation an EventPublisher is told
// about. Defined here (rather than imported from the notify package) so
// that fdb has no dependency on notify; notify depends on fdb and adapts
// its own, richer Kind enum onto this one.
type EventKind uint8

const (
	EventNewNeigh EventKind = iota + 1
	EventDelNeigh
)

// EventPublisher receives FDB mutation events. notify.Publisher implements
// this interface; Table calls it without importing notify, avoiding an
// import cycle (notify already imports fdb for MAC/Destination).
type EventPublisher interface {
	PublishFDBEvent(kind EventKind, mac MAC, dst Destination)
}
