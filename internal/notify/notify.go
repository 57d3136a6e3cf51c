// Package notify implements the administrative event feed described in
// spec 4.2/4.5: NEWNEIGH/DELNEIGH for FDB mutations and L2MISS/L3MISS for
// transmit-path misses, plus rate-limited logging for noisy packet-path
// conditions (spec 4.7 log_ecn_error, spec 7 NOARP migration attempts).
//
// The pub/sub shape is grounded on the teacher's gobgp.Handler, which
// consumes a single state-change channel in its own goroutine; here the
// same one-channel-per-subscriber pattern fans out FDB/datapath events
// instead of BFD state transitions.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/vxlantun/vxlantund/internal/fdb"
)

// Kind identifies the notification type.
type Kind uint8

const (
	KindNewNeigh Kind = iota + 1
	KindDelNeigh
	KindL2Miss
	KindL3Miss
)

func (k Kind) String() string {
	switch k {
	case KindNewNeigh:
		return "NEWNEIGH"
	case KindDelNeigh:
		return "DELNEIGH"
	case KindL2Miss:
		return "L2MISS"
	case KindL3Miss:
		return "L3MISS"
	default:
		return "UNKNOWN"
	}
}

// Event is a single administrative notification.
type Event struct {
	Kind        Kind
	VNI         uint32
	MAC         fdb.MAC
	Destination fdb.Destination
}

// eventChanDepth bounds the per-subscriber buffer; a slow subscriber drops
// events rather than blocking the packet or control path that published them.
const eventChanDepth = 256

// Publisher fans out Event values to any number of subscribers without
// blocking the publisher when a subscriber is slow.
type Publisher struct {
	logger *slog.Logger
	mu     sync.Mutex
	subs   []chan Event
}

// New creates a Publisher.
func New(logger *slog.Logger) *Publisher {
	return &Publisher{logger: logger.With(slog.String("component", "notify"))}
}

// Subscribe registers a new subscriber and returns a channel of future
// events. There is no Unsubscribe: a subscriber stays registered for the
// Publisher's lifetime, matching the scope of a single-process daemon
// where subscribers live as long as the daemon.
func (p *Publisher) Subscribe() <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan Event, eventChanDepth)
	p.subs = append(p.subs, ch)
	return ch
}

// vniScoped implements fdb.EventPublisher by tagging every event with a
// fixed VNI before handing it to a Publisher. Table itself has no notion
// of which VNI it backs, so the endpoint wires one of these in per table.
type vniScoped struct {
	pub *Publisher
	vni uint32
}

// ForVNI returns an fdb.EventPublisher that forwards to p, tagging every
// event with vni.
func (p *Publisher) ForVNI(vni uint32) fdb.EventPublisher {
	return vniScoped{pub: p, vni: vni}
}

func (v vniScoped) PublishFDBEvent(kind fdb.EventKind, mac fdb.MAC, dst fdb.Destination) {
	var k Kind
	switch kind {
	case fdb.EventNewNeigh:
		k = KindNewNeigh
	case fdb.EventDelNeigh:
		k = KindDelNeigh
	default:
		return
	}
	v.pub.Publish(context.Background(), Event{Kind: k, VNI: v.vni, MAC: mac, Destination: dst})
}

// Publish delivers ev to every subscriber, dropping it for any subscriber
// whose buffer is full rather than blocking the caller (the packet path
// must never block on notification delivery).
func (p *Publisher) Publish(_ context.Context, ev Event) {
	p.mu.Lock()
	subs := p.subs
	p.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			p.logger.Debug("dropped notification, subscriber buffer full",
				slog.String("kind", ev.Kind.String()))
		}
	}
}
