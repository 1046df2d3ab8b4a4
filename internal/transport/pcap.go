// Package transport is the router's only dependency on a live network
// link: it satisfies the "transport delivers (bytes, length, in_iface_name)
// tuples" collaborator spec.md §1/§6 carves out of the core, the way
// telemetry/flow-enricher's PcapFlowConsumer keeps packet capture behind a
// narrow interface instead of letting gopacket/pcap leak into decode
// logic. Here capture is live (AF_PACKET via libpcap) rather than
// offline-file, since the router forwards in real time.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
)

// Frame is one received link-layer frame, tagged with the interface it
// arrived on.
type Frame struct {
	Data    []byte
	InIface string
}

// Link is one interface's live capture/injection handle.
type Link struct {
	Name   string
	handle *pcap.Handle
}

// PcapTransport captures and transmits Ethernet frames on a fixed set of
// interfaces using libpcap, one handle per link.
type PcapTransport struct {
	log   *slog.Logger
	mu    sync.Mutex
	links map[string]*Link
}

// Open creates a live capture/injection handle for every named interface.
// snaplen should be at least pipeline.MTU to avoid truncating frames.
func Open(ifaceNames []string, snaplen int32, log *slog.Logger) (*PcapTransport, error) {
	t := &PcapTransport{log: log, links: make(map[string]*Link)}
	for _, name := range ifaceNames {
		handle, err := pcap.OpenLive(name, snaplen, true, pcap.BlockForever)
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("transport: open %s: %w", name, err)
		}
		t.links[name] = &Link{Name: name, handle: handle}
	}
	return t, nil
}

// Close releases every interface handle.
func (t *PcapTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, l := range t.links {
		l.handle.Close()
	}
}

// Frames streams received frames from every interface until ctx is
// canceled. The returned channel is closed once every capture loop has
// exited.
func (t *PcapTransport) Frames(ctx context.Context) <-chan Frame {
	out := make(chan Frame, 256)
	var wg sync.WaitGroup

	t.mu.Lock()
	for _, l := range t.links {
		wg.Add(1)
		go func(l *Link) {
			defer wg.Done()
			src := gopacket.NewPacketSource(l.handle, l.handle.LinkType())
			for {
				select {
				case <-ctx.Done():
					return
				case pkt, ok := <-src.Packets():
					if !ok {
						return
					}
					frame := append([]byte(nil), pkt.Data()...)
					select {
					case out <- Frame{Data: frame, InIface: l.Name}:
					case <-ctx.Done():
						return
					}
				}
			}
		}(l)
	}
	t.mu.Unlock()

	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// Send transmits a frame out the named interface.
func (t *PcapTransport) Send(iface string, data []byte) error {
	t.mu.Lock()
	l, ok := t.links[iface]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: unknown interface %q", iface)
	}
	return l.handle.WritePacketData(data)
}
