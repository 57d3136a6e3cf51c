package fdb_test

import (
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"testing"

	"github.com/vxlantun/vxlantund/internal/fdb"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustMAC(t *testing.T, s string) fdb.MAC {
	t.Helper()
	m, err := fdb.ParseMAC(s)
	if err != nil {
		t.Fatalf("parse mac %q: %v", s, err)
	}
	return m
}

func dest(t *testing.T, ip string, port uint16) fdb.Destination {
	t.Helper()
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		t.Fatalf("parse addr %q: %v", ip, err)
	}
	return fdb.Destination{IP: addr, Port: port}
}

func TestCreateOrUpdateUnicastCreate(t *testing.T) {
	t.Parallel()

	table := fdb.New(discardLogger())
	mac := mustMAC(t, "00:11:22:33:44:55")
	d := dest(t, "10.0.0.1", 4789)

	if err := table.CreateOrUpdate(mac, d, fdb.StateReachable, 0, fdb.OptCreate); err != nil {
		t.Fatalf("create: unexpected error: %v", err)
	}

	res, ok := table.Lookup(mac)
	if !ok {
		t.Fatal("lookup: entry not found after create")
	}
	if len(res.Dests) != 1 || res.Dests[0] != d {
		t.Errorf("lookup: dests = %+v, want [%+v]", res.Dests, d)
	}
	if res.State != fdb.StateReachable {
		t.Errorf("lookup: state = %v, want REACHABLE", res.State)
	}
}

// TestCreateOrUpdateUnicastReplace verifies spec invariant 1: a unicast MAC
// carries exactly one destination, so a second CreateOrUpdate replaces
// rather than appends.
func TestCreateOrUpdateUnicastReplace(t *testing.T) {
	t.Parallel()

	table := fdb.New(discardLogger())
	mac := mustMAC(t, "00:11:22:33:44:55")
	d1 := dest(t, "10.0.0.1", 4789)
	d2 := dest(t, "10.0.0.2", 4789)

	if err := table.CreateOrUpdate(mac, d1, fdb.StateReachable, 0, fdb.OptCreate); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := table.CreateOrUpdate(mac, d2, fdb.StateReachable, 0, fdb.OptReplace); err != nil {
		t.Fatalf("replace: %v", err)
	}

	res, ok := table.Lookup(mac)
	if !ok {
		t.Fatal("lookup: entry not found")
	}
	if len(res.Dests) != 1 || res.Dests[0] != d2 {
		t.Errorf("lookup: dests = %+v, want [%+v]", res.Dests, d2)
	}
}

// TestCreateOrUpdateMulticastAppend verifies that the all-zero MAC and
// other multicast addresses accumulate an ordered destination list.
func TestCreateOrUpdateMulticastAppend(t *testing.T) {
	t.Parallel()

	table := fdb.New(discardLogger())
	d1 := dest(t, "10.0.0.1", 4789)
	d2 := dest(t, "10.0.0.2", 4789)

	if err := table.CreateOrUpdate(fdb.ZeroMAC, d1, fdb.StatePermanent, 0, fdb.OptCreate|fdb.OptAppend); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := table.CreateOrUpdate(fdb.ZeroMAC, d2, fdb.StatePermanent, 0, fdb.OptAppend); err != nil {
		t.Fatalf("append: %v", err)
	}

	res, ok := table.Lookup(fdb.ZeroMAC)
	if !ok {
		t.Fatal("lookup: default entry not found")
	}
	if len(res.Dests) != 2 {
		t.Fatalf("lookup: dests = %+v, want 2 entries", res.Dests)
	}
	if res.Dests[0] != d1 || res.Dests[1] != d2 {
		t.Errorf("lookup: dests = %+v, want ordered [%+v %+v]", res.Dests, d1, d2)
	}
}

func TestCreateOrUpdateReplaceOnMulticastRejected(t *testing.T) {
	t.Parallel()

	table := fdb.New(discardLogger())
	d := dest(t, "10.0.0.1", 4789)

	err := table.CreateOrUpdate(fdb.ZeroMAC, d, fdb.StatePermanent, 0, fdb.OptCreate|fdb.OptReplace)
	if !errors.Is(err, fdb.ErrUnsupported) {
		t.Fatalf("create with replace on multicast: err = %v, want ErrUnsupported", err)
	}

	mac := mustMAC(t, "01:00:5e:00:00:01")
	if err := table.CreateOrUpdate(mac, d, fdb.StatePermanent, 0, fdb.OptCreate|fdb.OptAppend); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := table.CreateOrUpdate(mac, d, fdb.StatePermanent, 0, fdb.OptReplace); !errors.Is(err, fdb.ErrUnsupported) {
		t.Fatalf("update with replace on multicast: err = %v, want ErrUnsupported", err)
	}
}

func TestCreateOrUpdateExclFailsIfExists(t *testing.T) {
	t.Parallel()

	table := fdb.New(discardLogger())
	mac := mustMAC(t, "00:11:22:33:44:55")
	d := dest(t, "10.0.0.1", 4789)

	if err := table.CreateOrUpdate(mac, d, fdb.StateReachable, 0, fdb.OptCreate); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := table.CreateOrUpdate(mac, d, fdb.StateReachable, 0, fdb.OptExcl)
	if !errors.Is(err, fdb.ErrExists) {
		t.Fatalf("create excl on existing: err = %v, want ErrExists", err)
	}
}

func TestCreateOrUpdateWithoutCreateOnMissing(t *testing.T) {
	t.Parallel()

	table := fdb.New(discardLogger())
	mac := mustMAC(t, "00:11:22:33:44:55")
	d := dest(t, "10.0.0.1", 4789)

	err := table.CreateOrUpdate(mac, d, fdb.StateReachable, 0, 0)
	if !errors.Is(err, fdb.ErrNotFound) {
		t.Fatalf("update on missing without create: err = %v, want ErrNotFound", err)
	}
}

func TestCreateOrUpdateRespectsMaxEntries(t *testing.T) {
	t.Parallel()

	table := fdb.New(discardLogger(), fdb.WithMaxEntries(1))
	mac1 := mustMAC(t, "00:11:22:33:44:55")
	mac2 := mustMAC(t, "00:11:22:33:44:56")
	d := dest(t, "10.0.0.1", 4789)

	if err := table.CreateOrUpdate(mac1, d, fdb.StateReachable, 0, fdb.OptCreate); err != nil {
		t.Fatalf("create 1: %v", err)
	}
	err := table.CreateOrUpdate(mac2, d, fdb.StateReachable, 0, fdb.OptCreate)
	if !errors.Is(err, fdb.ErrCapacity) {
		t.Fatalf("create 2 over max_entries: err = %v, want ErrCapacity", err)
	}
}

// TestDeleteLastDestinationRemovesEntry verifies that deleting a unicast
// entry, whose only destination is its last one, removes the whole entry
// so that neither Lookup nor Size still sees it.
func TestDeleteLastDestinationRemovesEntry(t *testing.T) {
	t.Parallel()

	table := fdb.New(discardLogger())
	mac := mustMAC(t, "00:11:22:33:44:55")
	d := dest(t, "10.0.0.1", 4789)

	if err := table.CreateOrUpdate(mac, d, fdb.StateReachable, 0, fdb.OptCreate); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := table.Delete(mac, nil); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := table.Lookup(mac); ok {
		t.Error("lookup: entry still present after delete")
	}
	if table.Size() != 0 {
		t.Errorf("size = %d, want 0", table.Size())
	}
}

func TestDeleteSingleDestinationFromMulticast(t *testing.T) {
	t.Parallel()

	table := fdb.New(discardLogger())
	d1 := dest(t, "10.0.0.1", 4789)
	d2 := dest(t, "10.0.0.2", 4789)

	if err := table.CreateOrUpdate(fdb.ZeroMAC, d1, fdb.StatePermanent, 0, fdb.OptCreate|fdb.OptAppend); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := table.CreateOrUpdate(fdb.ZeroMAC, d2, fdb.StatePermanent, 0, fdb.OptAppend); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := table.Delete(fdb.ZeroMAC, &d1); err != nil {
		t.Fatalf("delete: %v", err)
	}

	res, ok := table.Lookup(fdb.ZeroMAC)
	if !ok {
		t.Fatal("lookup: entry removed entirely, want one destination remaining")
	}
	if len(res.Dests) != 1 || res.Dests[0] != d2 {
		t.Errorf("lookup: dests = %+v, want [%+v]", res.Dests, d2)
	}
}

func TestDeleteMissingEntry(t *testing.T) {
	t.Parallel()

	table := fdb.New(discardLogger())
	mac := mustMAC(t, "00:11:22:33:44:55")

	err := table.Delete(mac, nil)
	if !errors.Is(err, fdb.ErrNotFound) {
		t.Fatalf("delete missing: err = %v, want ErrNotFound", err)
	}
}

// TestAgePermanentEntriesNeverExpire verifies spec invariant 4: PERMANENT
// entries are exempt from ageing regardless of last_used_ms.
func TestAgePermanentEntriesNeverExpire(t *testing.T) {
	t.Parallel()

	table := fdb.New(discardLogger())
	mac := mustMAC(t, "00:11:22:33:44:55")
	d := dest(t, "10.0.0.1", 4789)

	if err := table.CreateOrUpdate(mac, d, fdb.StatePermanent, 0, fdb.OptCreate); err != nil {
		t.Fatalf("create: %v", err)
	}

	farFuture := table.Dump()[0].LastUsedMs + 1_000_000_000
	table.Age(farFuture, 300)

	if _, ok := table.Lookup(mac); !ok {
		t.Error("permanent entry aged out, want it to survive")
	}
}

func TestAgeExpiresStaleEntries(t *testing.T) {
	t.Parallel()

	table := fdb.New(discardLogger())
	mac := mustMAC(t, "00:11:22:33:44:55")
	d := dest(t, "10.0.0.1", 4789)

	if err := table.CreateOrUpdate(mac, d, fdb.StateReachable, 0, fdb.OptCreate); err != nil {
		t.Fatalf("create: %v", err)
	}

	const thresholdSec = 300
	farFuture := table.Dump()[0].LastUsedMs + int64(thresholdSec)*1000 + 1_000_000
	table.Age(farFuture, thresholdSec)

	if _, ok := table.Lookup(mac); ok {
		t.Error("stale entry survived ageing")
	}
	if table.Size() != 0 {
		t.Errorf("size = %d, want 0", table.Size())
	}
}

func TestAgeReturnsNextExpiryForSurvivors(t *testing.T) {
	t.Parallel()

	table := fdb.New(discardLogger())
	mac := mustMAC(t, "00:11:22:33:44:55")
	d := dest(t, "10.0.0.1", 4789)

	if err := table.CreateOrUpdate(mac, d, fdb.StateReachable, 0, fdb.OptCreate); err != nil {
		t.Fatalf("create: %v", err)
	}

	want := table.Dump()[0].LastUsedMs + 300_000
	next := table.Age(0, 300)
	if next != want {
		t.Errorf("next expiry = %d, want %d (last used + 300000)", next, want)
	}
}

func TestFlushKeepsDefaultEntry(t *testing.T) {
	t.Parallel()

	table := fdb.New(discardLogger())
	mac := mustMAC(t, "00:11:22:33:44:55")
	d := dest(t, "10.0.0.1", 4789)

	if err := table.CreateOrUpdate(mac, d, fdb.StateReachable, 0, fdb.OptCreate); err != nil {
		t.Fatalf("create unicast: %v", err)
	}
	if err := table.CreateOrUpdate(fdb.ZeroMAC, d, fdb.StatePermanent, 0, fdb.OptCreate|fdb.OptAppend); err != nil {
		t.Fatalf("create default: %v", err)
	}

	table.Flush(true)

	if _, ok := table.Lookup(mac); ok {
		t.Error("unicast entry survived flush")
	}
	if _, ok := table.Lookup(fdb.ZeroMAC); !ok {
		t.Error("default entry removed by flush(keepDefault=true)")
	}
	if table.Size() != 1 {
		t.Errorf("size = %d, want 1", table.Size())
	}
}

func TestFlushRemovesEverythingWhenNotKeepingDefault(t *testing.T) {
	t.Parallel()

	table := fdb.New(discardLogger())
	d := dest(t, "10.0.0.1", 4789)
	if err := table.CreateOrUpdate(fdb.ZeroMAC, d, fdb.StatePermanent, 0, fdb.OptCreate|fdb.OptAppend); err != nil {
		t.Fatalf("create default: %v", err)
	}

	table.Flush(false)

	if table.Size() != 0 {
		t.Errorf("size = %d, want 0", table.Size())
	}
}

// TestDumpFlattensMultiDestinationEntries verifies Dump produces one record
// per (mac, destination) pair, per spec 4.2 dump semantics: one unicast
// entry plus a two-destination default entry yields three records.
func TestDumpFlattensMultiDestinationEntries(t *testing.T) {
	t.Parallel()

	table := fdb.New(discardLogger())
	mac := mustMAC(t, "00:11:22:33:44:55")
	d1 := dest(t, "10.0.0.1", 4789)
	d2 := dest(t, "10.0.0.2", 4789)

	if err := table.CreateOrUpdate(mac, d1, fdb.StateReachable, 0, fdb.OptCreate); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := table.CreateOrUpdate(fdb.ZeroMAC, d1, fdb.StatePermanent, 0, fdb.OptCreate|fdb.OptAppend); err != nil {
		t.Fatalf("create default: %v", err)
	}
	if err := table.CreateOrUpdate(fdb.ZeroMAC, d2, fdb.StatePermanent, 0, fdb.OptAppend); err != nil {
		t.Fatalf("append default: %v", err)
	}

	records := table.Dump()
	if len(records) != 3 {
		t.Fatalf("dump: got %d records, want 3", len(records))
	}
}

// fakePublisher records every FDB mutation event it receives, implementing
// fdb.EventPublisher without depending on the notify package (avoiding an
// import cycle in the test binary, mirroring how Table itself decouples
// from notify).
type fakePublisher struct {
	events []struct {
		kind fdb.EventKind
		mac  fdb.MAC
	}
}

func (f *fakePublisher) PublishFDBEvent(kind fdb.EventKind, mac fdb.MAC, _ fdb.Destination) {
	f.events = append(f.events, struct {
		kind fdb.EventKind
		mac  fdb.MAC
	}{kind, mac})
}

func TestCreateOrUpdatePublishesNewNeigh(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	table := fdb.New(discardLogger(), fdb.WithPublisher(pub))
	mac := mustMAC(t, "00:11:22:33:44:55")
	d := dest(t, "10.0.0.1", 4789)

	if err := table.CreateOrUpdate(mac, d, fdb.StateReachable, 0, fdb.OptCreate); err != nil {
		t.Fatalf("create: %v", err)
	}

	if len(pub.events) != 1 || pub.events[0].kind != fdb.EventNewNeigh || pub.events[0].mac != mac {
		t.Errorf("events = %+v, want one NEWNEIGH for %s", pub.events, mac)
	}
}

func TestCreateOrUpdatePublishesDelNeighOnDelete(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	table := fdb.New(discardLogger(), fdb.WithPublisher(pub))
	mac := mustMAC(t, "00:11:22:33:44:55")
	d := dest(t, "10.0.0.1", 4789)

	if err := table.CreateOrUpdate(mac, d, fdb.StateReachable, 0, fdb.OptCreate); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := table.Delete(mac, nil); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if len(pub.events) != 2 || pub.events[1].kind != fdb.EventDelNeigh {
		t.Errorf("events = %+v, want [NEWNEIGH, DELNEIGH]", pub.events)
	}
}
