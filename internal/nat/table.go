// Package nat implements the NAT mapping table (spec §4.3, component
// C3): bidirectional (internal IP, internal aux) <-> (external IP,
// external aux) bindings, their per-peer TCP connection state, the
// external-aux allocator, and the idle reaper.
//
// Mappings and connections are stored in hash maps keyed by (type,
// external aux) / (type, internal ip, internal aux) / peer IP, and
// mappings live in a slab addressed by a stable uint32 handle — the
// arena-and-index redesign spec §9 calls for in place of the source's
// linked lists.
package nat

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/l2l3/softrouter/internal/ifconfig"
)

// liveMapping is the mutable, table-lock-guarded mapping record.
// Mapping is the value snapshot handed to callers.
type liveMapping struct {
	handle     uint32
	id         uuid.UUID
	typ        MappingType
	intIP      net.IP
	intAux     uint16
	extIP      net.IP
	extAux     uint16
	createdAt  time.Time
	lastUsedAt time.Time
	conns      map[string]*liveConnection // keyed by peer IP string
}

func (m *liveMapping) snapshot() Mapping {
	return Mapping{
		Handle:     m.handle,
		ID:         m.id,
		Type:       m.typ,
		IntIP:      m.intIP,
		IntAux:     m.intAux,
		ExtIP:      m.extIP,
		ExtAux:     m.extAux,
		CreatedAt:  m.createdAt,
		LastUsedAt: m.lastUsedAt,
	}
}

// Table is the NAT table. Spec §5 calls for a single recursive mutex;
// Go's sync.Mutex is not reentrant, so the same "one lock serializes
// everything" invariant is obtained instead by having every exported
// method take the lock exactly once and delegate to unexported,
// already-locked helpers — no exported method ever calls another.
type Table struct {
	mu sync.Mutex

	byExternal map[extKey]*liveMapping
	byInternal map[intKey]*liveMapping
	slab       map[uint32]*liveMapping
	nextHandle uint32

	auxInUse [MaxAux + 1]bool

	icmpTimeout    time.Duration
	tcpIdle        time.Duration
	transitoryIdle time.Duration

	clock clockwork.Clock
	log   *slog.Logger
}

// NewTable constructs an empty NAT table with the three reaper timeouts
// from spec §6.
func NewTable(icmpTimeout, tcpIdle, transitoryIdle time.Duration, clock clockwork.Clock, log *slog.Logger) *Table {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Table{
		byExternal:     make(map[extKey]*liveMapping),
		byInternal:     make(map[intKey]*liveMapping),
		slab:           make(map[uint32]*liveMapping),
		icmpTimeout:    icmpTimeout,
		tcpIdle:        tcpIdle,
		transitoryIdle: transitoryIdle,
		clock:          clock,
		log:            log,
	}
}

// LookupInternal returns a snapshot of the mapping for (ip, aux, type),
// if any.
func (t *Table) LookupInternal(ip net.IP, aux uint16, typ MappingType) (Mapping, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.byInternal[intKey{typ: typ, ip: ip.String(), aux: aux}]
	if !ok {
		return Mapping{}, false
	}
	return m.snapshot(), true
}

// LookupExternal returns a snapshot of the mapping for (aux, type), if
// any.
func (t *Table) LookupExternal(aux uint16, typ MappingType) (Mapping, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.byExternal[extKey{typ: typ, aux: aux}]
	if !ok {
		return Mapping{}, false
	}
	return m.snapshot(), true
}

// Insert atomically allocates an external aux and installs a new mapping
// for (ip, aux, type), egressing through extIface. The allocate-and-
// install step happens under a single lock acquisition, preserving the
// external-aux uniqueness invariant (spec §4.3, §5) — no caller can
// observe a half-installed mapping. If a mapping for (ip, aux, type)
// already exists, its snapshot is returned and nothing is allocated.
func (t *Table) Insert(ip net.IP, aux uint16, typ MappingType, extIface ifconfig.Interface) (Mapping, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ik := intKey{typ: typ, ip: ip.String(), aux: aux}
	if existing, ok := t.byInternal[ik]; ok {
		return existing.snapshot(), nil
	}

	extAux, ok := t.allocateAuxLocked()
	if !ok {
		return Mapping{}, ErrAuxPoolFull
	}

	now := t.clock.Now()
	t.nextHandle++
	m := &liveMapping{
		handle:     t.nextHandle,
		id:         uuid.New(),
		typ:        typ,
		intIP:      ip,
		intAux:     aux,
		extIP:      extIface.IP,
		extAux:     extAux,
		createdAt:  now,
		lastUsedAt: now,
		conns:      make(map[string]*liveConnection),
	}
	t.slab[m.handle] = m
	t.byInternal[ik] = m
	t.byExternal[extKey{typ: typ, aux: extAux}] = m

	if t.log != nil {
		t.log.Info("nat: mapping created", "mapping", m.snapshot().String(), "id", m.id)
	}
	return m.snapshot(), nil
}

func (t *Table) allocateAuxLocked() (uint16, bool) {
	for i := MinAux; i <= MaxAux; i++ {
		if !t.auxInUse[i] {
			t.auxInUse[i] = true
			return uint16(i), true
		}
	}
	return 0, false
}

// Touch updates a mapping's last-used timestamp.
func (t *Table) Touch(handle uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if m, ok := t.slab[handle]; ok {
		m.lastUsedAt = t.clock.Now()
	}
}

// LookupConn returns a snapshot of the connection for peerIP on the
// mapping identified by handle.
func (t *Table) LookupConn(handle uint32, peerIP net.IP) (Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.slab[handle]
	if !ok {
		return Connection{}, false
	}
	c, ok := m.conns[peerIP.String()]
	if !ok {
		return Connection{}, false
	}
	return c.snapshot(), true
}

// FindOrCreateConn returns the connection for peerIP on the mapping
// identified by handle, creating it in CLOSED state on first use, then
// advances it by the given segment (spec §4.6). Creating-then-advancing
// in one locked call is what lets an unsolicited inbound SYN on an
// existing mapping land directly in SYN_RCVD (endpoint-independent
// filtering) without a separate code path.
func (t *Table) FindOrCreateConn(handle uint32, peerIP net.IP, dir Direction, flags TCPFlags, seq, ack uint32) (Connection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.slab[handle]
	if !ok {
		return Connection{}, ErrMappingNotFound
	}

	now := t.clock.Now()
	key := peerIP.String()
	c, ok := m.conns[key]
	if !ok {
		c = newLiveConnection(peerIP, now)
		m.conns[key] = c
	}
	c.advance(now, dir, flags, seq, ack)
	m.lastUsedAt = now
	return c.snapshot(), nil
}

// Tick runs one reaper pass (spec §4.3): prunes idle connections from
// every mapping, then destroys and deallocates any mapping that is now
// empty (TCP) or has been idle too long (ICMP). Returns the mappings
// that were destroyed, for logging/metrics.
func (t *Table) Tick() []Mapping {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	var reaped []Mapping

	for handle, m := range t.slab {
		for peer, c := range m.conns {
			idle := c.idleFor(now)
			if c.state == StateEstablished {
				if idle > t.tcpIdle {
					delete(m.conns, peer)
				}
			} else if idle > t.transitoryIdle {
				delete(m.conns, peer)
			}
		}

		destroy := false
		switch m.typ {
		case MappingICMP:
			destroy = now.Sub(m.lastUsedAt) > t.icmpTimeout
		case MappingTCP:
			destroy = len(m.conns) == 0
		}
		if !destroy {
			continue
		}

		reaped = append(reaped, m.snapshot())
		delete(t.slab, handle)
		delete(t.byInternal, intKey{typ: m.typ, ip: m.intIP.String(), aux: m.intAux})
		delete(t.byExternal, extKey{typ: m.typ, aux: m.extAux})
		t.auxInUse[m.extAux] = false

		if t.log != nil {
			t.log.Info("nat: mapping reaped", "mapping", m.snapshot().String(), "id", m.id)
		}
	}
	return reaped
}

// Snapshot returns every live mapping, for operator inspection.
func (t *Table) Snapshot() []Mapping {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Mapping, 0, len(t.slab))
	for _, m := range t.slab {
		out = append(out, m.snapshot())
	}
	return out
}

// AuxUtilization reports how much of the allocatable external-aux range
// is in use, for the Prometheus gauge wired in internal/metrics.
func (t *Table) AuxUtilization() (inUse, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := MinAux; i <= MaxAux; i++ {
		if t.auxInUse[i] {
			inUse++
		}
	}
	return inUse, MaxAux - MinAux + 1
}
