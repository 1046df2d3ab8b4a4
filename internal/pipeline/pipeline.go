// Package pipeline implements the forwarding pipeline (spec §4.5,
// component C5): the per-frame state machine driving the LPM table, ARP
// cache, NAT table and ICMP builder.
package pipeline

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/jonboulle/clockwork"

	"github.com/l2l3/softrouter/internal/arpcache"
	"github.com/l2l3/softrouter/internal/icmpbuild"
	"github.com/l2l3/softrouter/internal/ifconfig"
	"github.com/l2l3/softrouter/internal/metrics"
	"github.com/l2l3/softrouter/internal/nat"
	"github.com/l2l3/softrouter/internal/routing"
)

// OutFrame is a frame the caller must transmit on the named interface
// (spec §6: "the core returns frames for transmission keyed by
// out_iface_name").
type OutFrame struct {
	Iface string
	Data  []byte
}

// unsolicitedSYNHold is how long an unmapped inbound SYN is held before
// the router gives up and answers with port-unreachable (spec §4.5).
const unsolicitedSYNHold = 6 * time.Second

// blockedTCPPort is refused with ICMP port-unreachable for outbound NAT
// traffic (spec §6).
const blockedTCPPort = 22

// Pipeline is the forwarding engine. It holds no packet buffers of its
// own between calls: every HandleFrame call is self-contained, and any
// work that must happen later (the unsolicited-SYN hold) is scheduled
// through emit.
type Pipeline struct {
	byName map[string]ifconfig.Interface
	byIP   map[string]ifconfig.Interface

	routes *routing.Table
	arp    *arpcache.Cache
	nat    *nat.Table

	natEnabled bool

	clock clockwork.Clock
	log   *slog.Logger
	m     *metrics.Metrics

	// emit delivers a frame produced asynchronously, outside the call
	// that triggered it (currently only the 6s unsolicited-SYN hold).
	emit func(OutFrame)
}

// New constructs a Pipeline over already-loaded configuration and
// service tables.
func New(cfg *ifconfig.Config, routes *routing.Table, arp *arpcache.Cache, natTable *nat.Table, clock clockwork.Clock, log *slog.Logger, m *metrics.Metrics, emit func(OutFrame)) *Pipeline {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	p := &Pipeline{
		byName:     make(map[string]ifconfig.Interface),
		byIP:       make(map[string]ifconfig.Interface),
		routes:     routes,
		arp:        arp,
		nat:        natTable,
		natEnabled: cfg.NAT.Enabled,
		clock:      clock,
		log:        log,
		m:          m,
		emit:       emit,
	}
	for _, i := range cfg.Interfaces {
		p.byName[i.Name] = i
		p.byIP[i.IP.String()] = i
	}
	return p
}

func (p *Pipeline) ifaceByName(name string) (ifconfig.Interface, bool) {
	i, ok := p.byName[name]
	return i, ok
}

func (p *Pipeline) ifaceByIP(ip net.IP) (ifconfig.Interface, bool) {
	i, ok := p.byIP[ip.String()]
	return i, ok
}

func (p *Pipeline) dropped(reason string) {
	if p.m != nil {
		p.m.FramesDropped.WithLabelValues(reason).Inc()
	}
}

func (p *Pipeline) forwarded(iface string) {
	if p.m != nil {
		p.m.FramesForwarded.WithLabelValues(iface).Inc()
	}
}

func (p *Pipeline) icmpEmitted(kind string) {
	if p.m != nil {
		p.m.ICMPEmitted.WithLabelValues(kind).Inc()
	}
}

// HandleFrame is the pipeline's entry point (spec §4.5 "Admission").
// Frames shorter than an Ethernet header or longer than MTU are dropped;
// everything else is demultiplexed on EtherType.
func (p *Pipeline) HandleFrame(ctx context.Context, frame []byte, inIfaceName string) []OutFrame {
	_, etherType, err := decodeEthernet(frame)
	if err != nil {
		p.dropped("malformed-frame")
		return nil
	}

	switch etherType {
	case layers.EthernetTypeARP:
		return p.handleARP(frame, inIfaceName)
	case layers.EthernetTypeIPv4:
		return p.handleIPv4(ctx, frame, inIfaceName)
	default:
		p.dropped("unknown-ethertype")
		return nil
	}
}

// Tick drives the ARP cache and NAT table's periodic passes (component
// C6), translating their work items into outbound ARP requests / ICMP
// unreachables.
func (p *Pipeline) Tick() []OutFrame {
	var out []OutFrame

	retransmits, timedOut := p.arp.Tick()
	for _, w := range retransmits {
		if f, ok := p.arpRequestFrame(w); ok {
			out = append(out, f)
		}
	}
	for _, t := range timedOut {
		for _, q := range t.Queued {
			if f, ok := p.unreachableFor(q, icmpbuild.ErrHostUnreachable); ok {
				out = append(out, f)
			}
		}
	}

	p.nat.Tick()
	return out
}
