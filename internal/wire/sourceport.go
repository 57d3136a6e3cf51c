package wire

import (
	"github.com/cespare/xxhash/v2"
)

// minInnerEthHeader is the minimum inner frame length (dst MAC + src MAC +
// EtherType) needed to compute a flow hash.
const minInnerEthHeader = 14

// SelectSourcePort computes the outer UDP source port for an encapsulated
// frame, spreading flows across the range [lo, hi] so that ECMP in the
// underlay load-balances between VTEPs without reordering packets within
// a single flow (spec 4.3).
//
// The hash is taken over the inner frame's source and destination MAC
// addresses and the inner L3 protocol (EtherType), so any two frames
// sharing those three values always select the same source port (spec 8,
// property P5).
func SelectSourcePort(innerFrame []byte, lo, hi uint16) uint16 {
	if hi < lo {
		lo, hi = hi, lo
	}
	span := uint64(hi) - uint64(lo) + 1

	var key [14]byte
	if len(innerFrame) >= minInnerEthHeader {
		copy(key[:], innerFrame[:minInnerEthHeader])
	} else {
		copy(key[:], innerFrame)
	}

	h := xxhash.Sum64(key[:])
	offset := (h * span) >> 32 //nolint:gosec // G115: intentional high-bits extraction, mirrors kernel's hash scaling

	return lo + uint16(offset%span) //nolint:gosec // G115: offset bounded by span <= 65536
}
