package fdb

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// numBuckets is the fixed FDB hash table size (spec 3: "256 buckets").
const numBuckets = 256

// entry is one hash-bucket slot. Readers (Lookup, used from the packet
// path) traverse the bucket list and dereference atomic.Pointer fields
// without ever taking Table.mu; writers (CreateOrUpdate, Delete, Age,
// Flush) hold Table.mu for the whole mutation and publish new state with
// atomic stores. Because Go is garbage collected, a destinations slice or
// entry unlinked by a writer remains valid for any reader that already
// holds a reference to it -- this is the deferred-reclamation mechanism
// spec 4.2/9 describes, provided by the runtime instead of hand-rolled
// epochs (see DESIGN.md).
type entry struct {
	mac           MAC
	state         atomic.Uint32
	flags         atomic.Uint32
	lastUpdatedMs atomic.Int64
	lastUsedMs    atomic.Int64
	dests         atomic.Pointer[[]Destination] // never nil, never empty, while linked
	next          atomic.Pointer[entry]
}

func (e *entry) snapshot() []Destination {
	p := e.dests.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Table is a VXLAN forwarding database belonging to one endpoint.
type Table struct {
	mu         sync.Mutex
	buckets    [numBuckets]atomic.Pointer[entry]
	count      atomic.Int64
	maxEntries int // 0 = unlimited, spec 3 "fdb_max_entries"

	logger    *slog.Logger
	publisher EventPublisher
	clock     func() time.Time
}

// Option configures a new Table.
type Option func(*Table)

// WithMaxEntries sets the endpoint's addrmax (spec 3 invariant 6). 0 means
// unlimited.
func WithMaxEntries(n int) Option {
	return func(t *Table) { t.maxEntries = n }
}

// WithPublisher attaches an EventPublisher that receives NEWNEIGH/DELNEIGH
// events on every mutation.
func WithPublisher(p EventPublisher) Option {
	return func(t *Table) { t.publisher = p }
}

// withClock overrides the wall clock, for deterministic ageing tests.
func withClock(now func() time.Time) Option {
	return func(t *Table) { t.clock = now }
}

// New creates an empty Table.
func New(logger *slog.Logger, opts ...Option) *Table {
	t := &Table{
		logger: logger.With(slog.String("component", "fdb")),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func bucketIndex(mac MAC) uint8 {
	var buf [8]byte
	copy(buf[2:], mac[:])
	h := xxhash.Sum64(buf[:])
	return uint8(h ^ (h >> 8) ^ (h >> 16) ^ (h >> 24) ^ (h >> 32) ^ (h >> 40) ^ (h >> 48) ^ (h >> 56)) //nolint:gosec // G115: intentional fold to 8 bits
}

func (t *Table) nowMs() int64 {
	return t.clock().UnixMilli()
}

// findLocked walks the bucket for mac without taking Table.mu -- it is safe
// for concurrent use with writers because bucket heads and next pointers
// are only ever published via atomic stores. Used by both Lookup (reader)
// and the write path (which re-validates under t.mu before mutating).
func (t *Table) findLocked(mac MAC) *entry {
	idx := bucketIndex(mac)
	for e := t.buckets[idx].Load(); e != nil; e = e.next.Load() {
		if e.mac == mac {
			return e
		}
	}
	return nil
}

// LookupResult is a read-only, already-dereferenced view of an FdbEntry,
// safe to use after Lookup returns with no further synchronization.
type LookupResult struct {
	MAC   MAC
	State State
	Flags Flags
	Dests []Destination
}

// Lookup finds the entry for mac without taking any lock (spec 4.2:
// "concurrent with writers, read-mostly"). On a hit it updates
// last_used_ms via a relaxed atomic store (spec 3 invariant 5) and returns
// the destination list as of the moment of the call.
func (t *Table) Lookup(mac MAC) (LookupResult, bool) {
	e := t.findLocked(mac)
	if e == nil {
		return LookupResult{}, false
	}
	e.lastUsedMs.Store(t.nowMs())
	return LookupResult{
		MAC:   e.mac,
		State: State(e.state.Load()), //nolint:gosec // G115: State is a small enum
		Flags: Flags(e.flags.Load()), //nolint:gosec // G115: Flags is a small bitmask
		Dests: e.snapshot(),
	}, true
}

// Touch refreshes the entry's last-used time without returning its
// destinations (used by the transmit path's local bridge short-circuit
// for the inner destination MAC, spec 3 invariant 5).
func (t *Table) Touch(mac MAC) {
	if e := t.findLocked(mac); e != nil {
		e.lastUsedMs.Store(t.nowMs())
	}
}

func containsDest(dests []Destination, d Destination) bool {
	for _, x := range dests {
		if x == d {
			return true
		}
	}
	return false
}

func removeDest(dests []Destination, d Destination) ([]Destination, bool) {
	for i, x := range dests {
		if x == d {
			out := make([]Destination, 0, len(dests)-1)
			out = append(out, dests[:i]...)
			out = append(out, dests[i+1:]...)
			return out, true
		}
	}
	return dests, false
}

// CreateOrUpdate implements spec 4.2's create_or_update. See spec 3
// invariant 1: unicast MACs carry exactly one destination (replace-only);
// multicast/zero MACs carry an ordered list (append-only).
func (t *Table) CreateOrUpdate(mac MAC, dst Destination, state State, flags Flags, opt Opt) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.findLocked(mac)
	// The all-zero default key belongs to the multi-destination class
	// together with the multicast MACs.
	group := mac.IsMulticast() || mac.IsZero()

	if e == nil {
		if !opt.Has(OptCreate) {
			return fmt.Errorf("fdb: create %s: %w", mac, ErrNotFound)
		}
		if opt.Has(OptReplace) && group {
			return fmt.Errorf("fdb: replace on multicast mac %s at creation: %w", mac, ErrUnsupported)
		}
		if t.maxEntries > 0 && int(t.count.Load()) >= t.maxEntries {
			return fmt.Errorf("fdb: add %s: %w", mac, ErrCapacity)
		}
		return t.insertLocked(mac, dst, state, flags)
	}

	if opt.Has(OptExcl) {
		return fmt.Errorf("fdb: create %s: %w", mac, ErrExists)
	}

	switch {
	case opt.Has(OptReplace):
		if group {
			return fmt.Errorf("fdb: replace on multicast mac %s: %w", mac, ErrUnsupported)
		}
		e.dests.Store(&[]Destination{dst})
	case opt.Has(OptAppend):
		if !group {
			return fmt.Errorf("fdb: append on unicast mac %s: %w", mac, ErrUnsupported)
		}
		cur := e.snapshot()
		if !containsDest(cur, dst) {
			next := make([]Destination, len(cur), len(cur)+1)
			copy(next, cur)
			next = append(next, dst)
			e.dests.Store(&next)
		}
	default:
		if group {
			cur := e.snapshot()
			if !containsDest(cur, dst) {
				next := append(append([]Destination(nil), cur...), dst)
				e.dests.Store(&next)
			}
		} else {
			e.dests.Store(&[]Destination{dst})
		}
	}

	now := t.nowMs()
	oldState := State(e.state.Swap(uint32(state))) //nolint:gosec // G115
	oldFlags := Flags(e.flags.Swap(uint32(flags))) //nolint:gosec // G115
	changed := oldState != state || oldFlags != flags
	e.lastUpdatedMs.Store(now)
	if changed {
		t.publish(EventNewNeigh, mac, dst)
	}

	return nil
}

func (t *Table) insertLocked(mac MAC, dst Destination, state State, flags Flags) error {
	e := &entry{mac: mac}
	e.state.Store(uint32(state))
	e.flags.Store(uint32(flags))
	now := t.nowMs()
	e.lastUpdatedMs.Store(now)
	e.lastUsedMs.Store(now)
	e.dests.Store(&[]Destination{dst})

	idx := bucketIndex(mac)
	e.next.Store(t.buckets[idx].Load())
	t.buckets[idx].Store(e)
	t.count.Add(1)

	t.publish(EventNewNeigh, mac, dst)

	return nil
}

// unlinkLocked removes e from its bucket. Caller holds t.mu.
func (t *Table) unlinkLocked(mac MAC) bool {
	idx := bucketIndex(mac)
	var prev *entry
	for e := t.buckets[idx].Load(); e != nil; e = e.next.Load() {
		if e.mac == mac {
			if prev == nil {
				t.buckets[idx].Store(e.next.Load())
			} else {
				prev.next.Store(e.next.Load())
			}
			t.count.Add(-1)
			return true
		}
		prev = e
	}
	return false
}

// Delete implements spec 4.2's delete. If filter is non-nil and the entry
// has >= 2 destinations, only that destination is removed (spec 3
// invariant 3: removing the last destination deletes the whole entry).
func (t *Table) Delete(mac MAC, filter *Destination) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.findLocked(mac)
	if e == nil {
		return fmt.Errorf("fdb: delete %s: %w", mac, ErrNotFound)
	}

	cur := e.snapshot()

	if filter != nil && len(cur) >= 2 {
		remaining, ok := removeDest(cur, *filter)
		if !ok {
			return fmt.Errorf("fdb: delete %s dest: %w", mac, ErrNotFound)
		}
		e.dests.Store(&remaining)
		e.lastUpdatedMs.Store(t.nowMs())
		t.publish(EventDelNeigh, mac, *filter)
		return nil
	}

	t.unlinkLocked(mac)
	var published Destination
	if len(cur) > 0 {
		published = cur[0]
	}
	t.publish(EventDelNeigh, mac, published)
	return nil
}

// Dump streams one Record per (entry, destination) pair in bucket order.
// Per spec 4.2, stability across concurrent mutation is not required:
// skipped or duplicated records under concurrent churn are acceptable, a
// crash or aliasing is not.
func (t *Table) Dump() []Record {
	var out []Record
	for i := range numBuckets {
		for e := t.buckets[i].Load(); e != nil; e = e.next.Load() {
			state := State(e.state.Load())           //nolint:gosec // G115
			flags := Flags(e.flags.Load())           //nolint:gosec // G115
			lu, lup := e.lastUsedMs.Load(), e.lastUpdatedMs.Load()
			for _, d := range e.snapshot() {
				out = append(out, Record{
					MAC:           e.mac,
					Destination:   d,
					State:         state,
					Flags:         flags,
					LastUpdatedMs: lup,
					LastUsedMs:    lu,
				})
			}
		}
	}
	return out
}

// Age implements spec 4.2's age: non-PERMANENT entries untouched for at
// least threshold_sec are marked STALE and removed, publishing DELNEIGH.
// Returns the earliest future expiry (in ms since epoch) among surviving
// entries, or 0 if none remain, so the lifecycle layer can schedule the
// next tick (spec 3 invariant 4: PERMANENT entries are never aged out).
func (t *Table) Age(nowMs int64, thresholdSec int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	thresholdMs := thresholdSec * 1000
	var nextExpiry int64

	for i := range numBuckets {
		var prev *entry
		e := t.buckets[i].Load()
		for e != nil {
			next := e.next.Load()
			state := State(e.state.Load()) //nolint:gosec // G115

			if state == StatePermanent {
				prev, e = e, next
				continue
			}

			lastUsed := e.lastUsedMs.Load()
			if nowMs-lastUsed >= thresholdMs {
				e.state.Store(uint32(StateStale))
				if prev == nil {
					t.buckets[i].Store(next)
				} else {
					prev.next.Store(next)
				}
				t.count.Add(-1)
				dests := e.snapshot()
				var d Destination
				if len(dests) > 0 {
					d = dests[0]
				}
				t.publish(EventDelNeigh, e.mac, d)
				e = next
				continue
			}

			expiry := lastUsed + thresholdMs
			if nextExpiry == 0 || expiry < nextExpiry {
				nextExpiry = expiry
			}
			prev, e = e, next
		}
	}

	return nextExpiry
}

// Flush deletes every entry. If keepDefault is true, the all-zero-MAC
// default entry (the flood set) is preserved, matching spec 4.2's flush
// semantics used by endpoint close (spec 4.6 UP->READY).
func (t *Table) Flush(keepDefault bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var saved *entry
	if keepDefault {
		saved = t.findLocked(ZeroMAC)
		if saved != nil {
			saved.next.Store(nil)
		}
	}

	for i := range numBuckets {
		t.buckets[i].Store(nil)
	}
	t.count.Store(0)

	if saved != nil {
		idx := bucketIndex(ZeroMAC)
		t.buckets[idx].Store(saved)
		t.count.Store(1)
	}
}

// Size returns the number of distinct MACs currently present (spec 8 P1).
func (t *Table) Size() int {
	return int(t.count.Load())
}

func (t *Table) publish(kind EventKind, mac MAC, dst Destination) {
	if t.publisher == nil {
		return
	}
	t.publisher.PublishFDBEvent(kind, mac, dst)
}
