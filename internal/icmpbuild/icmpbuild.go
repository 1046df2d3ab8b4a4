// Package icmpbuild constructs locally-terminated ICMP replies: echo
// replies and type-3/type-11 error messages with an embedded copy of the
// original datagram (spec §4.4, component C4).
//
// Frames are built with gopacket's layer serialization rather than a
// hand-rolled checksum loop, the way client/doublezerod/internal/pim and
// the flow-enricher's decode.go lean on gopacket/layers for every piece
// of wire format they touch.
package icmpbuild

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/l2l3/softrouter/internal/ifconfig"
)

var zeroMAC = net.HardwareAddr{0, 0, 0, 0, 0, 0}

// ErrorKind enumerates the ICMP error messages the router can emit
// (spec §7).
type ErrorKind uint8

const (
	// ErrTTLExceeded is ICMP type 11 code 0.
	ErrTTLExceeded ErrorKind = iota
	// ErrNetUnreachable is ICMP type 3 code 0 (no route).
	ErrNetUnreachable
	// ErrHostUnreachable is ICMP type 3 code 1 (ARP exhaustion, aux pool
	// exhaustion).
	ErrHostUnreachable
	// ErrPortUnreachable is ICMP type 3 code 3 (local TCP/UDP, blocked
	// port 22, unsolicited SYN).
	ErrPortUnreachable
)

func (k ErrorKind) typeCode() layers.ICMPv4TypeCode {
	switch k {
	case ErrTTLExceeded:
		return layers.CreateICMPv4TypeCode(layers.ICMPv4TypeTimeExceeded, layers.ICMPv4CodeTTLExceeded)
	case ErrNetUnreachable:
		return layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodeNet)
	case ErrHostUnreachable:
		return layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodeHost)
	case ErrPortUnreachable:
		return layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodePort)
	default:
		return layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodeHost)
	}
}

// decoded is the minimal parse of an incoming frame needed to build a
// reply to it.
type decoded struct {
	eth *layers.Ethernet
	ip  *layers.IPv4
	raw []byte // the IPv4 header + first 8 payload bytes, for the ICMP quote
}

func decode(srcFrame []byte) (*decoded, error) {
	pkt := gopacket.NewPacket(srcFrame, layers.LayerTypeEthernet, gopacket.NoCopy)
	ethLayer := pkt.Layer(layers.LayerTypeEthernet)
	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	if ethLayer == nil || ipLayer == nil {
		return nil, fmt.Errorf("icmpbuild: frame has no Ethernet/IPv4 layer")
	}
	eth := ethLayer.(*layers.Ethernet)
	ip := ipLayer.(*layers.IPv4)

	quoteLen := int(ip.IHL)*4 + 8
	ipStart := len(srcFrame) - len(eth.LayerPayload())
	if ipStart < 0 || ipStart+quoteLen > len(srcFrame) {
		quoteLen = len(srcFrame) - ipStart
	}
	raw := append([]byte(nil), srcFrame[ipStart:ipStart+quoteLen]...)

	return &decoded{eth: eth, ip: ip, raw: raw}, nil
}

// BuildError constructs a fresh Ethernet/IPv4/ICMP frame carrying an
// error of the given kind in response to srcFrame, which arrived on
// inIface (spec §4.4). Source/destination MAC are swapped from the
// original frame. Source IP is inIface.IP, except for port-unreachable
// where it is the original destination — preserving the illusion that
// the intended peer rejected the packet.
func BuildError(kind ErrorKind, srcFrame []byte, inIface ifconfig.Interface) ([]byte, error) {
	d, err := decode(srcFrame)
	if err != nil {
		return nil, err
	}

	srcIP := inIface.IP
	if kind == ErrPortUnreachable {
		srcIP = d.ip.DstIP
	}

	eth := &layers.Ethernet{
		SrcMAC:       d.eth.DstMAC,
		DstMAC:       d.eth.SrcMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       1,
		Flags:    layers.IPv4DontFragment,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    srcIP,
		DstIP:    d.ip.SrcIP,
	}
	icmp := &layers.ICMPv4{
		TypeCode: kind.typeCode(),
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, icmp, gopacket.Payload(d.raw)); err != nil {
		return nil, fmt.Errorf("icmpbuild: serialize error frame: %w", err)
	}
	return buf.Bytes(), nil
}

// BuildEchoReply turns an incoming ICMP echo request frame into its echo
// reply: IPv4 source/destination are swapped, ICMP type becomes 0, and
// both checksums are recomputed over the actual (unpadded) ICMP length.
//
// Unlike BuildError, the Ethernet destination is left zeroed rather than
// swapped from the request: spec §4.5 routes the echo reply's MAC
// resolution through the ARP cache (component C2) instead of trusting
// the request's own source MAC, so the caller patches the destination in
// once it resolves the reply's target.
func BuildEchoReply(srcFrame []byte, inIface ifconfig.Interface) ([]byte, error) {
	pkt := gopacket.NewPacket(srcFrame, layers.LayerTypeEthernet, gopacket.NoCopy)
	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	icmpLayer := pkt.Layer(layers.LayerTypeICMPv4)
	if ipLayer == nil || icmpLayer == nil {
		return nil, fmt.Errorf("icmpbuild: frame has no IPv4/ICMPv4 layer")
	}
	origIP := ipLayer.(*layers.IPv4)
	origICMP := icmpLayer.(*layers.ICMPv4)

	eth := &layers.Ethernet{
		SrcMAC:       inIface.MAC,
		DstMAC:       zeroMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       origIP.Id,
		Flags:    origIP.Flags,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    origIP.DstIP,
		DstIP:    origIP.SrcIP,
	}
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
		Id:       origICMP.Id,
		Seq:      origICMP.Seq,
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, icmp, gopacket.Payload(origICMP.LayerPayload())); err != nil {
		return nil, fmt.Errorf("icmpbuild: serialize echo reply: %w", err)
	}
	return buf.Bytes(), nil
}

