// Package routing implements the static routing table and longest-prefix
// match lookup (spec §4.1, component C1). The table is loaded once at
// startup and never mutated.
package routing

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/l2l3/softrouter/internal/ifconfig"
)

// Route is one entry of the static routing table, resolved to host-order
// integers once at load time so lookup never has to reason about byte
// order (spec §9, Open Question 3).
type Route struct {
	Dest    uint32
	Mask    uint32
	Gateway net.IP
	Iface   string
}

func (r Route) String() string {
	return fmt.Sprintf("%s/%d via %s dev %s", ip4String(r.Dest), maskLen(r.Mask), r.Gateway, r.Iface)
}

// Dump is the stable, CLI/debugapi-facing shape of a Route — kept
// separate from Route so the uint32 internal representation can change
// without breaking the dump format (mirrors debugapi's natDump).
type Dump struct {
	Dest    string `json:"dest"`
	Mask    int    `json:"mask_len"`
	Gateway string `json:"gateway"`
	Iface   string `json:"iface"`
}

// Dump converts r into its stable dump shape.
func (r Route) Dump() Dump {
	return Dump{
		Dest:    ip4String(r.Dest),
		Mask:    maskLen(r.Mask),
		Gateway: r.Gateway.String(),
		Iface:   r.Iface,
	}
}

// Table is an immutable snapshot of the routing table plus the name of
// the internal interface, used for the default-route fallback in Lookup.
type Table struct {
	routes       []Route
	internalName string
}

// NewTable resolves RouteConfig entries into Routes and records which
// interface is internal, for the Lookup fallback described in spec §4.1.
func NewTable(routeCfgs []ifconfig.RouteConfig, ifaces []ifconfig.Interface) (*Table, error) {
	var internalName string
	for _, i := range ifaces {
		if i.Role == ifconfig.RoleInternal {
			internalName = i.Name
		}
	}
	t := &Table{internalName: internalName}
	for _, rc := range routeCfgs {
		dest := rc.Dest.To4()
		mask := net.IP(rc.Mask).To4()
		if dest == nil || mask == nil {
			return nil, fmt.Errorf("routing: route %+v is not IPv4", rc)
		}
		t.routes = append(t.routes, Route{
			Dest:    binary.BigEndian.Uint32(dest),
			Mask:    binary.BigEndian.Uint32(mask),
			Gateway: rc.Gateway,
			Iface:   rc.Iface,
		})
	}
	return t, nil
}

// Lookup returns the most specific route matching dst. Entries are kept
// only if (dest & mask) == (dst & mask); among those the numerically
// largest mask wins, ties broken by route-table order (first match
// wins, spec §4.1). On total miss, the last configured route bound to
// the internal interface is returned if one exists — tracked
// unconditionally over every entry during the scan, not just the ones
// that match the mask test, mirroring original_source/router/sr_router.c's
// longest_prefix_match, which records default_eth1 for any entry whose
// egress is the internal interface and falls back to it regardless of
// whether that entry's own mask matched.
func (t *Table) Lookup(dst net.IP) (Route, bool) {
	v4 := dst.To4()
	if v4 == nil {
		return Route{}, false
	}
	target := binary.BigEndian.Uint32(v4)

	best, haveBest := Route{}, false
	var defaultInternal Route
	haveDefaultInternal := false

	for _, r := range t.routes {
		if r.Iface == t.internalName {
			defaultInternal = r
			haveDefaultInternal = true
		}
		if target&r.Mask != r.Dest&r.Mask {
			continue
		}
		if !haveBest || r.Mask > best.Mask {
			best = r
			haveBest = true
		}
	}
	if haveBest {
		return best, true
	}
	if haveDefaultInternal {
		return defaultInternal, true
	}
	return Route{}, false
}

// Snapshot returns a copy of the configured route list, for read-only
// inspection (the CLI's "routes dump" / debugapi's /routes).
func (t *Table) Snapshot() []Route {
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}

func maskLen(mask uint32) int {
	n := 0
	for i := 31; i >= 0; i-- {
		if mask&(1<<uint(i)) == 0 {
			break
		}
		n++
	}
	return n
}

func ip4String(v uint32) string {
	b := make(net.IP, 4)
	binary.BigEndian.PutUint32(b, v)
	return b.String()
}
