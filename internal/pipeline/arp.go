package pipeline

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/l2l3/softrouter/internal/arpcache"
	"github.com/l2l3/softrouter/internal/ifconfig"
)

var broadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
var zeroMAC = net.HardwareAddr{0, 0, 0, 0, 0, 0}

// handleARP implements spec §4.5's ARP path: answer requests for one of
// our interface addresses, install bindings from replies addressed to
// us and drain whatever was waiting on them, drop everything else.
func (p *Pipeline) handleARP(frame []byte, inIfaceName string) []OutFrame {
	arp, err := decodeARP(frame)
	if err != nil {
		p.dropped("malformed-arp")
		return nil
	}

	switch arp.Operation {
	case layers.ARPRequest:
		target := net.IP(arp.DstProtAddress)
		iface, ok := p.ifaceByIP(target)
		if !ok {
			p.dropped("arp-request-not-ours")
			return nil
		}
		reply, err := buildARPReply(iface, net.HardwareAddr(arp.SourceHwAddress), net.IP(arp.SourceProtAddress))
		if err != nil {
			p.log.Error("pipeline: build arp reply", "error", err)
			return nil
		}
		return []OutFrame{{Iface: inIfaceName, Data: reply}}

	case layers.ARPReply:
		target := net.IP(arp.DstProtAddress)
		if _, ok := p.ifaceByIP(target); !ok {
			p.dropped("arp-reply-not-ours")
			return nil
		}
		senderIP := net.IP(arp.SourceProtAddress)
		senderMAC := net.HardwareAddr(arp.SourceHwAddress)
		pending := p.arp.Insert(senderIP, senderMAC)
		if pending == nil {
			return nil
		}
		iface, ok := p.ifaceByName(inIfaceName)
		if !ok {
			return nil
		}
		return p.drainPending(pending, iface, senderMAC)

	default:
		p.dropped("arp-unsupported-op")
		return nil
	}
}

// drainPending transmits every queued packet of a resolved pending
// request, in insertion order (spec §4.2's ordering rule), rewriting the
// Ethernet header to (dst = resolved MAC, src = the arrival interface's
// MAC).
func (p *Pipeline) drainPending(pending *arpcache.PendingRequest, arrival ifconfig.Interface, resolvedMAC net.HardwareAddr) []OutFrame {
	out := make([]OutFrame, 0, len(pending.Queued))
	for _, q := range pending.Queued {
		frame := append([]byte(nil), q.Frame...)
		if len(frame) >= 12 {
			copy(frame[0:6], resolvedMAC)
			copy(frame[6:12], arrival.MAC)
		}
		out = append(out, OutFrame{Iface: pending.EgressIface, Data: frame})
		p.forwarded(pending.EgressIface)
	}
	return out
}

// arpRequestFrame builds the broadcast ARP request for an ARPWork item
// surfaced by the cache (spec §4.2): target-hardware-address is zero,
// target-protocol-address is the IP being resolved.
func (p *Pipeline) arpRequestFrame(work arpcache.ARPWork) (OutFrame, bool) {
	iface, ok := p.ifaceByName(work.EgressIface)
	if !ok {
		return OutFrame{}, false
	}
	eth := &layers.Ethernet{
		SrcMAC:       iface.MAC,
		DstMAC:       broadcastMAC,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   iface.MAC,
		SourceProtAddress: iface.IP.To4(),
		DstHwAddress:      zeroMAC,
		DstProtAddress:    work.TargetIP.To4(),
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, arp); err != nil {
		p.log.Error("pipeline: build arp request", "error", err)
		return OutFrame{}, false
	}
	return OutFrame{Iface: work.EgressIface, Data: buf.Bytes()}, true
}

func buildARPReply(iface ifconfig.Interface, requesterMAC net.HardwareAddr, requesterIP net.IP) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       iface.MAC,
		DstMAC:       requesterMAC,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   iface.MAC,
		SourceProtAddress: iface.IP.To4(),
		DstHwAddress:      requesterMAC,
		DstProtAddress:    requesterIP.To4(),
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, arp); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
