package pipeline

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// MTU is the largest frame the router accepts or emits (spec §4.5).
const MTU = 1514

// minEthernetFrame is the shortest possible admissible frame (14-byte
// Ethernet header).
const minEthernetFrame = 14

// protoKind classifies the transport header carried by an IPv4 datagram,
// for the NAT-path dispatch in spec §4.5.
type protoKind uint8

const (
	protoOther protoKind = iota
	protoICMP
	protoTCP
	protoUDP
)

// decodedIPv4 is the parsed shape of an IPv4 frame the pipeline operates
// on: the Ethernet and IPv4 layers plus whichever transport layer (if
// any) rode inside, and the bytes following it.
type decodedIPv4 struct {
	eth   *layers.Ethernet
	ip    *layers.IPv4
	kind  protoKind
	icmp  *layers.ICMPv4
	tcp   *layers.TCP
	udp   *layers.UDP
	rest  []byte // payload bytes beyond the transport header
}

func decodeEthernet(frame []byte) (*layers.Ethernet, layers.EthernetType, error) {
	if len(frame) < minEthernetFrame || len(frame) > MTU {
		return nil, 0, fmt.Errorf("pipeline: frame length %d out of bounds", len(frame))
	}
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	l := pkt.Layer(layers.LayerTypeEthernet)
	if l == nil {
		return nil, 0, fmt.Errorf("pipeline: no Ethernet layer")
	}
	eth := l.(*layers.Ethernet)
	return eth, eth.EthernetType, nil
}

func decodeARP(frame []byte) (*layers.ARP, error) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	l := pkt.Layer(layers.LayerTypeARP)
	if l == nil {
		return nil, fmt.Errorf("pipeline: no ARP layer")
	}
	return l.(*layers.ARP), nil
}

func decodeIPv4(frame []byte) (*decodedIPv4, error) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	ethL := pkt.Layer(layers.LayerTypeEthernet)
	ipL := pkt.Layer(layers.LayerTypeIPv4)
	if ethL == nil || ipL == nil {
		return nil, fmt.Errorf("pipeline: no Ethernet/IPv4 layer")
	}
	d := &decodedIPv4{eth: ethL.(*layers.Ethernet), ip: ipL.(*layers.IPv4)}

	switch d.ip.Protocol {
	case layers.IPProtocolICMPv4:
		if l := pkt.Layer(layers.LayerTypeICMPv4); l != nil {
			d.kind = protoICMP
			d.icmp = l.(*layers.ICMPv4)
			d.rest = d.icmp.LayerPayload()
		}
	case layers.IPProtocolTCP:
		if l := pkt.Layer(layers.LayerTypeTCP); l != nil {
			d.kind = protoTCP
			d.tcp = l.(*layers.TCP)
			d.rest = d.tcp.LayerPayload()
		}
	case layers.IPProtocolUDP:
		if l := pkt.Layer(layers.LayerTypeUDP); l != nil {
			d.kind = protoUDP
			d.udp = l.(*layers.UDP)
			d.rest = d.udp.LayerPayload()
		}
	default:
		d.kind = protoOther
		d.rest = d.ip.LayerPayload()
	}
	return d, nil
}

// rebuild re-serializes the frame after in-place edits to d.ip / d.tcp /
// d.icmp / d.udp, recomputing lengths and checksums the way
// gopacket/layers already knows how to (spec §4.4/§4.5's checksum
// maintenance), rather than a hand-rolled 16-bit checksum loop.
func (d *decodedIPv4) rebuild() ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

	var l4 gopacket.SerializableLayer
	switch d.kind {
	case protoICMP:
		l4 = d.icmp
	case protoTCP:
		d.tcp.SetNetworkLayerForChecksum(d.ip)
		l4 = d.tcp
	case protoUDP:
		d.udp.SetNetworkLayerForChecksum(d.ip)
		l4 = d.udp
	}

	var err error
	if l4 != nil {
		err = gopacket.SerializeLayers(buf, opts, d.eth, d.ip, l4, gopacket.Payload(d.rest))
	} else {
		err = gopacket.SerializeLayers(buf, opts, d.eth, d.ip, gopacket.Payload(d.rest))
	}
	if err != nil {
		return nil, fmt.Errorf("pipeline: rebuild frame: %w", err)
	}
	return buf.Bytes(), nil
}
