// Package control implements the administrative surface for creating and
// inspecting endpoints and their forwarding databases (spec 6.1, 6.2):
// message types mirroring the ID/GROUP/LINK/LOCAL/TOS/TTL/LEARNING/AGEING/
// LIMIT/PROXY/RSC/L2MISS/L3MISS/PORT_RANGE/PORT attribute table, validated
// with go-playground/validator/v10 the way the teacher's own config loader
// does (internal/config/loader.go in the nishisan-dev-n-netman pack repo),
// and exposed as JSON over plain net/http rather than ConnectRPC (see
// DESIGN.md: no protobuf-service library in the pack can be used without
// hand-writing generated code).
package control

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/go-playground/validator/v10"

	"github.com/vxlantun/vxlantund/internal/endpoint"
	"github.com/vxlantun/vxlantund/internal/fdb"
)

var validate = validator.New()

// CreateEndpointRequest is the JSON body of POST /v1/endpoints (spec 6.1).
type CreateEndpointRequest struct {
	VNI            uint32 `json:"vni" validate:"lt=16777216"`
	Namespace      string `json:"namespace"`
	DefaultRemote  string `json:"default_remote,omitempty"`
	LinkIndex      uint32 `json:"link_index,omitempty"`
	LocalSourceIP  string `json:"local_source_ip,omitempty"`
	TOS            uint8  `json:"tos,omitempty"`
	TTL            uint8  `json:"ttl,omitempty"`
	Learning       bool   `json:"learning,omitempty"`
	Proxy          bool   `json:"proxy,omitempty"`
	RSC            bool   `json:"rsc,omitempty"`
	L2Miss         bool   `json:"l2miss,omitempty"`
	L3Miss         bool   `json:"l3miss,omitempty"`
	AgeIntervalSec uint32 `json:"age_interval_sec,omitempty"`
	FDBMaxEntries  int    `json:"fdb_max_entries,omitempty" validate:"gte=0"`
	SrcPortLo      uint16 `json:"src_port_lo,omitempty"`
	SrcPortHi      uint16 `json:"src_port_hi,omitempty" validate:"omitempty,gtefield=SrcPortLo"`
	DstPort        uint16 `json:"dst_port,omitempty"`
	LocalMAC       string `json:"local_mac,omitempty"`
	MulticastIface string `json:"multicast_iface,omitempty"`
}

// toConfig converts a validated request into an endpoint.Config, resolving
// the multicast interface name and parsing addresses (spec 6.1 GROUP/LOCAL/
// LINK attributes).
func (r CreateEndpointRequest) toConfig() (endpoint.Config, error) {
	cfg := endpoint.Config{
		VNI:            r.VNI,
		Namespace:      r.Namespace,
		LinkIndex:      r.LinkIndex,
		TOS:            r.TOS,
		TTL:            r.TTL,
		AgeIntervalSec: r.AgeIntervalSec,
		FDBMaxEntries:  r.FDBMaxEntries,
		SrcPortLo:      r.SrcPortLo,
		SrcPortHi:      r.SrcPortHi,
		DstPort:        r.DstPort,
	}

	if r.Learning {
		cfg.Flags |= endpoint.FlagLearn
	}
	if r.Proxy {
		cfg.Flags |= endpoint.FlagProxy
	}
	if r.RSC {
		cfg.Flags |= endpoint.FlagRSC
	}
	if r.L2Miss {
		cfg.Flags |= endpoint.FlagL2Miss
	}
	if r.L3Miss {
		cfg.Flags |= endpoint.FlagL3Miss
	}

	if r.DefaultRemote != "" {
		addr, err := netip.ParseAddr(r.DefaultRemote)
		if err != nil {
			return cfg, fmt.Errorf("default_remote: %w", err)
		}
		cfg.DefaultRemote = addr
	}
	if r.LocalSourceIP != "" {
		addr, err := netip.ParseAddr(r.LocalSourceIP)
		if err != nil {
			return cfg, fmt.Errorf("local_source_ip: %w", err)
		}
		cfg.LocalSourceIP = addr
	}
	if r.LocalMAC != "" {
		mac, err := net.ParseMAC(r.LocalMAC)
		if err != nil {
			return cfg, fmt.Errorf("local_mac: %w", err)
		}
		cfg.LocalMAC = mac
	}
	if r.MulticastIface != "" {
		iface, err := net.InterfaceByName(r.MulticastIface)
		if err != nil {
			return cfg, fmt.Errorf("multicast_iface: %w", err)
		}
		cfg.MulticastIface = iface
	}

	return cfg, nil
}

// EndpointView is the JSON representation of an endpoint returned by the
// control API (spec 6.1, plus the supplemented per-endpoint stats view
// from original_source/drivers/net/vxlan.c's ndo_get_stats64).
type EndpointView struct {
	VNI       uint32         `json:"vni"`
	Namespace string         `json:"namespace"`
	DstPort   uint16         `json:"dst_port"`
	State     string         `json:"state"`
	Counters  CountersView   `json:"counters"`
}

// CountersView mirrors endpoint.Counters (spec 6.3).
type CountersView struct {
	RxPackets       uint64 `json:"rx_packets"`
	RxBytes         uint64 `json:"rx_bytes"`
	TxPackets       uint64 `json:"tx_packets"`
	TxBytes         uint64 `json:"tx_bytes"`
	RxFrameErrors   uint64 `json:"rx_frame_errors"`
	RxDropped       uint64 `json:"rx_dropped"`
	TxDropped       uint64 `json:"tx_dropped"`
	TxErrors        uint64 `json:"tx_errors"`
	TxCarrierErrors uint64 `json:"tx_carrier_errors"`
	TxAbortedErrors uint64 `json:"tx_aborted_errors"`
	Collisions      uint64 `json:"collisions"`
}

func countersViewFrom(c endpoint.Counters) CountersView {
	return CountersView{
		RxPackets:       c.RxPackets,
		RxBytes:         c.RxBytes,
		TxPackets:       c.TxPackets,
		TxBytes:         c.TxBytes,
		RxFrameErrors:   c.RxFrameErrors,
		RxDropped:       c.RxDropped,
		TxDropped:       c.TxDropped,
		TxErrors:        c.TxErrors,
		TxCarrierErrors: c.TxCarrierErrors,
		TxAbortedErrors: c.TxAbortedErrors,
		Collisions:      c.Collisions,
	}
}

func stateString(s endpoint.State) string {
	switch s {
	case endpoint.StateInit:
		return "INIT"
	case endpoint.StateReady:
		return "READY"
	case endpoint.StateUp:
		return "UP"
	case endpoint.StateDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

func endpointViewFrom(ep *endpoint.Endpoint) EndpointView {
	return EndpointView{
		VNI:       ep.VNI,
		Namespace: ep.Namespace,
		DstPort:   ep.Port(),
		State:     stateString(ep.State()),
		Counters:  countersViewFrom(ep.Counters.Snapshot()),
	}
}

// AddFDBRequest is the JSON body of POST /v1/fdb (spec 6.2 AddFDB).
type AddFDBRequest struct {
	VNI        uint32 `json:"vni" validate:"lt=16777216"`
	Namespace  string `json:"namespace"`
	Port       uint16 `json:"port"`
	MAC        string `json:"mac" validate:"required"`
	RemoteIP   string `json:"remote_ip" validate:"required"`
	RemotePort uint16 `json:"remote_port,omitempty"`
	RemoteVNI  uint32 `json:"remote_vni,omitempty"`
	Permanent  bool   `json:"permanent,omitempty"`
	Append     bool   `json:"append,omitempty"`
}

// DelFDBRequest is the JSON body of DELETE /v1/fdb (spec 6.2 DelFDB).
type DelFDBRequest struct {
	VNI       uint32 `json:"vni" validate:"lt=16777216"`
	Namespace string `json:"namespace"`
	Port      uint16 `json:"port"`
	MAC       string `json:"mac" validate:"required"`
	RemoteIP  string `json:"remote_ip,omitempty"`
}

// FDBRecordView is the JSON representation of one fdb.Record (spec 6.2 DumpFDB).
type FDBRecordView struct {
	MAC           string `json:"mac"`
	RemoteIP      string `json:"remote_ip"`
	RemotePort    uint16 `json:"remote_port,omitempty"`
	RemoteVNI     uint32 `json:"remote_vni,omitempty"`
	State         string `json:"state"`
	Self          bool   `json:"self"`
	Router        bool   `json:"router"`
	LastUpdatedMs int64  `json:"last_updated_ms"`
}

func stateToString(s fdb.State) string {
	switch s {
	case fdb.StateReachable:
		return "reachable"
	case fdb.StateStale:
		return "stale"
	case fdb.StatePermanent:
		return "permanent"
	case fdb.StateNoARP:
		return "noarp"
	default:
		return "unknown"
	}
}

func fdbRecordViewFrom(r fdb.Record) FDBRecordView {
	ip := ""
	if r.Destination.IP.IsValid() {
		ip = r.Destination.IP.String()
	}
	return FDBRecordView{
		MAC:           r.MAC.String(),
		RemoteIP:      ip,
		RemotePort:    r.Destination.Port,
		RemoteVNI:     r.Destination.VNI,
		State:         stateToString(r.State),
		Self:          r.Flags.Has(fdb.FlagSelf),
		Router:        r.Flags.Has(fdb.FlagRouter),
		LastUpdatedMs: r.LastUpdatedMs,
	}
}

// validateStruct runs go-playground/validator and formats its errors the
// way the teacher's config loader does (nishisan-dev-n-netman/internal/
// config/loader.go's formatValidationErrors).
func validateStruct(v any) error {
	if err := validate.Struct(v); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			return fmt.Errorf("validation failed: %s", formatValidationErrors(verrs))
		}
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

func formatValidationErrors(errs validator.ValidationErrors) string {
	var out string
	for i, e := range errs {
		if i > 0 {
			out += "; "
		}
		out += fmt.Sprintf("field '%s' failed on '%s' validation", e.Field(), e.Tag())
	}
	return out
}
