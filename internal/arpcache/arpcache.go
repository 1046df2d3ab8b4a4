// Package arpcache implements the ARP resolution table and its pending-
// request queue (spec §4.2, component C2): resolved (IPv4 -> MAC)
// bindings with a fixed TTL, plus bounded retransmit/timeout for frames
// waiting on resolution.
//
// Per spec §9's design note, the cache never transmits a frame itself:
// Queue and Tick surface ARPWork items ("send a broadcast request for X
// from egress E") that the caller — the forwarding pipeline — turns into
// wire frames. This keeps arpcache free of any transport dependency,
// mirroring how client/doublezerod's liveness package keeps its Session
// state machine free of socket I/O.
package arpcache

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// EntryTTL is how long a resolved binding remains valid (spec §3).
	EntryTTL = 15 * time.Second
	// MaxAttempts is the total number of ARP requests sent for a target,
	// the initial broadcast from Queue included, before the pending request
	// is abandoned on the next eligible Tick (spec §4.2: "up to 5 attempts").
	MaxAttempts = 5
	// RetransmitInterval is the minimum spacing between retransmits.
	RetransmitInterval = 1 * time.Second
)

// Entry is a resolved IPv4 -> MAC binding.
type Entry struct {
	IP         net.IP
	MAC        net.HardwareAddr
	InsertedAt time.Time
}

func (e Entry) expired(now time.Time) bool {
	return now.Sub(e.InsertedAt) >= EntryTTL
}

// QueuedPacket is a frame waiting on ARP resolution of its next hop. It
// carries enough to either transmit it (once resolved) or to synthesize
// an ICMP unreachable for it (on abandonment).
type QueuedPacket struct {
	Frame   []byte
	Len     int
	InIface string // interface the original packet arrived on
}

// PendingRequest tracks one in-flight resolution and the packets
// waiting on it.
type PendingRequest struct {
	TargetIP    net.IP
	EgressIface string
	FirstSentAt time.Time
	LastSentAt  time.Time
	Attempts    int
	Queued      []QueuedPacket
}

// ARPWork instructs the caller to broadcast an ARP request for TargetIP,
// sourced from EgressIface.
type ARPWork struct {
	TargetIP    net.IP
	EgressIface string
}

// TimedOut carries the packets of an abandoned pending request; the
// caller must synthesize one ICMP destination-host-unreachable per
// queued packet (spec §4.2, §7).
type TimedOut struct {
	TargetIP net.IP
	Queued   []QueuedPacket
}

// Cache is the mutex-guarded ARP table. All operations hold the lock for
// their duration (spec §5): pipeline calls and the periodic Tick are
// serialized through it.
type Cache struct {
	mu      sync.Mutex
	entries map[string]Entry
	pending map[string]*PendingRequest

	clock clockwork.Clock
	log   *slog.Logger
}

// New constructs an empty ARP cache.
func New(clock clockwork.Clock, log *slog.Logger) *Cache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Cache{
		entries: make(map[string]Entry),
		pending: make(map[string]*PendingRequest),
		clock:   clock,
		log:     log,
	}
}

// Lookup returns a copy of the MAC for ip if a non-expired entry exists.
func (c *Cache) Lookup(ip net.IP) (net.HardwareAddr, bool) {
	key := ip.String()
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.expired(c.clock.Now()) {
		if ok {
			delete(c.entries, key)
		}
		return nil, false
	}
	mac := make(net.HardwareAddr, len(e.MAC))
	copy(mac, e.MAC)
	return mac, true
}

// Insert records or refreshes a binding. If a pending request existed for
// ip, it is detached from the cache and returned so the caller can drain
// its queued packets (spec §4.2). The cache holds no further reference to
// a returned pending request: it cannot reappear on timeout.
func (c *Cache) Insert(ip net.IP, mac net.HardwareAddr) *PendingRequest {
	key := ip.String()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = Entry{IP: ip, MAC: mac, InsertedAt: c.clock.Now()}

	p, ok := c.pending[key]
	if !ok {
		return nil
	}
	delete(c.pending, key)
	if c.log != nil {
		c.log.Debug("arpcache: resolved pending request", "ip", ip, "queued", len(p.Queued))
	}
	return p
}

// Queue appends pkt to the pending record for ip, creating the record
// (and requesting the initial ARP broadcast) on first use. egressIface
// is the interface the resolution request — and eventually the queued
// packets — will go out of.
func (c *Cache) Queue(ip net.IP, egressIface string, pkt QueuedPacket) *ARPWork {
	key := ip.String()
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[key]
	if ok {
		p.Queued = append(p.Queued, pkt)
		return nil
	}

	now := c.clock.Now()
	c.pending[key] = &PendingRequest{
		TargetIP:    ip,
		EgressIface: egressIface,
		FirstSentAt: now,
		LastSentAt:  now,
		Attempts:    1,
		Queued:      []QueuedPacket{pkt},
	}
	return &ARPWork{TargetIP: ip, EgressIface: egressIface}
}

// Tick runs one periodic pass (spec §4.2): every pending request whose
// last attempt is at least RetransmitInterval old is either retransmitted
// (attempts < MaxAttempts) or abandoned, in which case its queued packets
// are returned for ICMP-unreachable synthesis and the record is deleted.
// Every queued packet is either transmitted (via Insert's drain) or
// surfaced here exactly once — never both (spec §8 invariant 4).
func (c *Cache) Tick() (retransmits []ARPWork, timedOut []TimedOut) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, p := range c.pending {
		if now.Sub(p.LastSentAt) < RetransmitInterval {
			continue
		}
		if p.Attempts < MaxAttempts {
			p.Attempts++
			p.LastSentAt = now
			retransmits = append(retransmits, ARPWork{TargetIP: p.TargetIP, EgressIface: p.EgressIface})
			continue
		}
		timedOut = append(timedOut, TimedOut{TargetIP: p.TargetIP, Queued: p.Queued})
		delete(c.pending, key)
		if c.log != nil {
			c.log.Info("arpcache: abandoning unresolved target", "ip", p.TargetIP, "queued", len(p.Queued))
		}
	}
	return retransmits, timedOut
}

// PendingStats returns the number of in-flight resolutions and the total
// packets queued across all of them, for the ARPPending/ARPQueueDepth
// gauges.
func (c *Cache) PendingStats() (pending int, queued int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range c.pending {
		pending++
		queued += len(p.Queued)
	}
	return pending, queued
}

// Snapshot returns a copy of every resolved entry, for operator
// inspection (SPEC_FULL's supplemented "nat/arp dump" feature).
func (c *Cache) Snapshot() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, 0, len(c.entries))
	now := c.clock.Now()
	for _, e := range c.entries {
		if e.expired(now) {
			continue
		}
		out = append(out, e)
	}
	return out
}
