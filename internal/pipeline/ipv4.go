package pipeline

import (
	"context"
	"net"

	"github.com/google/gopacket/layers"

	"github.com/l2l3/softrouter/internal/arpcache"
	"github.com/l2l3/softrouter/internal/icmpbuild"
	"github.com/l2l3/softrouter/internal/ifconfig"
	"github.com/l2l3/softrouter/internal/nat"
	"github.com/l2l3/softrouter/internal/routing"
)

// handleIPv4 implements spec §4.5's IPv4 dispatch: locally-addressed
// traffic terminates at C4, everything else is forwarded, either
// directly (NAT disabled) or through the NAT rewrite path keyed by the
// arrival interface's role. In NAT mode, TCP segments and non-echo-request
// ICMP messages that arrive on an external interface addressed to an
// external interface's own IP take the external -> internal NAT path
// instead of terminating locally.
func (p *Pipeline) handleIPv4(ctx context.Context, frame []byte, inIfaceName string) []OutFrame {
	d, err := decodeIPv4(frame)
	if err != nil {
		p.dropped("malformed-ipv4")
		return nil
	}

	if iface, ok := p.ifaceByIP(d.ip.DstIP); ok {
		arrival, _ := p.ifaceByName(inIfaceName)
		natReply := d.kind == protoTCP ||
			(d.kind == protoICMP && d.icmp.TypeCode.Type() != layers.ICMPv4TypeEchoRequest)
		if p.natEnabled && natReply && arrival.Role == ifconfig.RoleExternal && iface.Role == ifconfig.RoleExternal {
			return p.forwardNATInbound(d, frame, inIfaceName)
		}
		return p.handleLocal(d, frame, inIfaceName, iface)
	}

	if !p.natEnabled {
		return p.forwardPlain(d, frame, inIfaceName)
	}

	inIface, ok := p.ifaceByName(inIfaceName)
	if !ok {
		p.dropped("unknown-ingress-iface")
		return nil
	}
	if inIface.Role == ifconfig.RoleInternal {
		return p.forwardNATOutbound(d, frame, inIfaceName)
	}
	return p.forwardNATInbound(d, frame, inIfaceName)
}

// handleLocal answers traffic addressed to one of our own interfaces
// (spec §4.5 "Local IPv4").
func (p *Pipeline) handleLocal(d *decodedIPv4, frame []byte, inIfaceName string, iface ifconfig.Interface) []OutFrame {
	switch d.kind {
	case protoICMP:
		if d.icmp.TypeCode.Type() != layers.ICMPv4TypeEchoRequest {
			p.dropped("local-icmp-unsupported")
			return nil
		}
		reply, err := icmpbuild.BuildEchoReply(frame, iface)
		if err != nil {
			p.log.Error("pipeline: build echo reply", "error", err)
			return nil
		}
		// Spec §4.5 requires MAC resolution through the ARP cache for
		// the echo reply, rather than simply reusing the MAC already
		// present in the request's Ethernet header.
		return p.resolveAndSend(reply, d.ip.SrcIP, inIfaceName, inIfaceName)

	case protoTCP, protoUDP:
		return p.icmpDirectReply(icmpbuild.ErrPortUnreachable, frame, inIfaceName)

	default:
		p.dropped("local-unsupported-protocol")
		return nil
	}
}

// forwardPlain implements the non-NAT forwarding path (spec §4.5).
func (p *Pipeline) forwardPlain(d *decodedIPv4, frame []byte, inIfaceName string) []OutFrame {
	if d.ip.TTL <= 1 {
		return p.icmpDirectReply(icmpbuild.ErrTTLExceeded, frame, inIfaceName)
	}
	route, ok := p.routes.Lookup(d.ip.DstIP)
	if !ok {
		return p.icmpDirectReply(icmpbuild.ErrNetUnreachable, frame, inIfaceName)
	}
	return p.finalizeAndSend(d, inIfaceName, route)
}

// forwardNATOutbound implements the internal -> external NAT path
// (spec §4.5).
func (p *Pipeline) forwardNATOutbound(d *decodedIPv4, frame []byte, inIfaceName string) []OutFrame {
	if d.ip.TTL <= 1 {
		return p.icmpDirectReply(icmpbuild.ErrTTLExceeded, frame, inIfaceName)
	}
	route, ok := p.routes.Lookup(d.ip.DstIP)
	if !ok {
		return p.icmpDirectReply(icmpbuild.ErrNetUnreachable, frame, inIfaceName)
	}
	extIface, ok := p.ifaceByName(route.Iface)
	if !ok {
		p.dropped("egress-iface-missing")
		return nil
	}

	switch d.kind {
	case protoICMP:
		mapping, ok := p.nat.LookupInternal(d.ip.SrcIP, uint16(d.icmp.Id), nat.MappingICMP)
		if !ok {
			m, err := p.nat.Insert(d.ip.SrcIP, uint16(d.icmp.Id), nat.MappingICMP, extIface)
			if err != nil {
				return p.icmpDirectReply(icmpbuild.ErrHostUnreachable, frame, inIfaceName)
			}
			mapping = m
		}
		d.ip.SrcIP = mapping.ExtIP
		d.icmp.Id = mapping.ExtAux
		p.nat.Touch(mapping.Handle)

	case protoTCP:
		if d.tcp.DstPort == blockedTCPPort {
			return p.icmpDirectReply(icmpbuild.ErrPortUnreachable, frame, inIfaceName)
		}
		mapping, ok := p.nat.LookupInternal(d.ip.SrcIP, uint16(d.tcp.SrcPort), nat.MappingTCP)
		if !ok {
			m, err := p.nat.Insert(d.ip.SrcIP, uint16(d.tcp.SrcPort), nat.MappingTCP, extIface)
			if err != nil {
				return p.icmpDirectReply(icmpbuild.ErrHostUnreachable, frame, inIfaceName)
			}
			mapping = m
		}
		if _, err := p.nat.FindOrCreateConn(mapping.Handle, d.ip.DstIP, nat.DirOut, tcpFlags(d.tcp), d.tcp.Seq, d.tcp.Ack); err != nil {
			p.dropped("nat-conn-error")
			return nil
		}
		d.ip.SrcIP = mapping.ExtIP
		d.tcp.SrcPort = layers.TCPPort(mapping.ExtAux)
		p.nat.Touch(mapping.Handle)

	case protoUDP, protoOther:
		// Forwarded without translation (spec §4.5: "UDP / other: forward
		// without translation").
	}

	return p.finalizeAndSend(d, inIfaceName, route)
}

// forwardNATInbound implements the external -> internal NAT path
// (spec §4.5).
func (p *Pipeline) forwardNATInbound(d *decodedIPv4, frame []byte, inIfaceName string) []OutFrame {
	switch d.kind {
	case protoICMP:
		mapping, ok := p.nat.LookupExternal(uint16(d.icmp.Id), nat.MappingICMP)
		if !ok {
			return p.icmpDirectReply(icmpbuild.ErrNetUnreachable, frame, inIfaceName)
		}
		d.ip.DstIP = mapping.IntIP
		d.icmp.Id = mapping.IntAux
		p.nat.Touch(mapping.Handle)

	case protoTCP:
		mapping, ok := p.nat.LookupExternal(uint16(d.tcp.DstPort), nat.MappingTCP)
		if !ok {
			if d.tcp.SYN && !d.tcp.ACK && d.tcp.Ack == 0 {
				p.scheduleUnsolicitedSYN(frame, inIfaceName, uint16(d.tcp.DstPort))
			}
			p.dropped("nat-inbound-tcp-miss")
			return nil
		}
		if _, err := p.nat.FindOrCreateConn(mapping.Handle, d.ip.SrcIP, nat.DirIn, tcpFlags(d.tcp), d.tcp.Seq, d.tcp.Ack); err != nil {
			p.dropped("nat-conn-error")
			return nil
		}
		d.ip.DstIP = mapping.IntIP
		d.tcp.DstPort = layers.TCPPort(mapping.IntAux)
		p.nat.Touch(mapping.Handle)

	case protoUDP, protoOther:
		p.dropped("nat-inbound-no-translation")
		return nil
	}

	route, ok := p.routes.Lookup(d.ip.DstIP)
	if !ok {
		return p.icmpDirectReply(icmpbuild.ErrNetUnreachable, frame, inIfaceName)
	}
	if d.ip.TTL <= 1 {
		return p.icmpDirectReply(icmpbuild.ErrTTLExceeded, frame, inIfaceName)
	}
	return p.finalizeAndSend(d, inIfaceName, route)
}

// finalizeAndSend performs the common tail shared by every forwarding
// path (spec §4.5): decrement TTL, recompute checksums, resolve the next
// hop's MAC through the ARP cache, transmit or queue.
func (p *Pipeline) finalizeAndSend(d *decodedIPv4, inIfaceName string, route routing.Route) []OutFrame {
	d.ip.TTL--

	egressIface, ok := p.ifaceByName(route.Iface)
	if !ok {
		p.dropped("egress-iface-missing")
		return nil
	}
	d.eth.SrcMAC = egressIface.MAC
	d.eth.DstMAC = zeroMAC

	rebuilt, err := d.rebuild()
	if err != nil {
		p.log.Error("pipeline: rebuild forwarded frame", "error", err)
		return nil
	}

	nextHop := route.Gateway
	if nextHop == nil || nextHop.IsUnspecified() {
		nextHop = d.ip.DstIP
	}
	return p.resolveAndSend(rebuilt, nextHop, route.Iface, inIfaceName)
}

// resolveAndSend transmits builtFrame immediately if targetIP is already
// resolved, or queues it on the ARP cache and requests resolution
// otherwise (spec §4.2, §4.5).
func (p *Pipeline) resolveAndSend(builtFrame []byte, targetIP net.IP, egressIface, origInIface string) []OutFrame {
	if mac, ok := p.arp.Lookup(targetIP); ok {
		frame := append([]byte(nil), builtFrame...)
		copy(frame[0:6], mac)
		p.forwarded(egressIface)
		return []OutFrame{{Iface: egressIface, Data: frame}}
	}

	queued := append([]byte(nil), builtFrame...)
	work := p.arp.Queue(targetIP, egressIface, arpcache.QueuedPacket{
		Frame:   queued,
		Len:     len(queued),
		InIface: origInIface,
	})
	if work == nil {
		return nil
	}
	if f, ok := p.arpRequestFrame(*work); ok {
		return []OutFrame{f}
	}
	return nil
}

// icmpDirectReply builds and immediately transmits an ICMP error out the
// interface the offending packet arrived on, reusing the MAC swap C4
// already performs — no ARP resolution, matching the reference router's
// sendICMPmessage.
func (p *Pipeline) icmpDirectReply(kind icmpbuild.ErrorKind, frame []byte, inIfaceName string) []OutFrame {
	iface, ok := p.ifaceByName(inIfaceName)
	if !ok {
		return nil
	}
	built, err := icmpbuild.BuildError(kind, frame, iface)
	if err != nil {
		p.log.Error("pipeline: build icmp error", "error", err, "kind", kind)
		return nil
	}
	p.icmpEmitted(errorKindLabel(kind))
	return []OutFrame{{Iface: inIfaceName, Data: built}}
}

// unreachableFor builds the ICMP error for one abandoned ARP-queued
// packet (spec §4.2, §7).
func (p *Pipeline) unreachableFor(q arpcache.QueuedPacket, kind icmpbuild.ErrorKind) (OutFrame, bool) {
	iface, ok := p.ifaceByName(q.InIface)
	if !ok {
		return OutFrame{}, false
	}
	built, err := icmpbuild.BuildError(kind, q.Frame, iface)
	if err != nil {
		p.log.Error("pipeline: build icmp unreachable", "error", err)
		return OutFrame{}, false
	}
	p.icmpEmitted(errorKindLabel(kind))
	return OutFrame{Iface: q.InIface, Data: built}, true
}

// scheduleUnsolicitedSYN implements spec §4.5's 6-second hold for an
// inbound SYN that matches no mapping: if nothing has claimed dstPort by
// the time the hold expires, a port-unreachable is emitted to the
// original sender.
func (p *Pipeline) scheduleUnsolicitedSYN(frame []byte, inIfaceName string, dstPort uint16) {
	if p.emit == nil {
		return
	}
	frameCopy := append([]byte(nil), frame...)
	p.clock.AfterFunc(unsolicitedSYNHold, func() {
		if _, ok := p.nat.LookupExternal(dstPort, nat.MappingTCP); ok {
			return
		}
		out := p.icmpDirectReply(icmpbuild.ErrPortUnreachable, frameCopy, inIfaceName)
		for _, f := range out {
			p.emit(f)
		}
	})
}

func tcpFlags(tcp *layers.TCP) nat.TCPFlags {
	return nat.TCPFlags{SYN: tcp.SYN, ACK: tcp.ACK, FIN: tcp.FIN}
}

func errorKindLabel(kind icmpbuild.ErrorKind) string {
	switch kind {
	case icmpbuild.ErrTTLExceeded:
		return "ttl-exceeded"
	case icmpbuild.ErrNetUnreachable:
		return "net-unreachable"
	case icmpbuild.ErrHostUnreachable:
		return "host-unreachable"
	case icmpbuild.ErrPortUnreachable:
		return "port-unreachable"
	default:
		return "unknown"
	}
}
