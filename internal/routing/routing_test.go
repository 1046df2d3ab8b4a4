package routing

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l2l3/softrouter/internal/ifconfig"
)

func mustTable(t *testing.T, routes []ifconfig.RouteConfig) *Table {
	t.Helper()
	ifaces := []ifconfig.Interface{
		{Name: "eth0", Role: ifconfig.RoleInternal, IP: net.ParseIP("10.0.1.1").To4()},
		{Name: "eth1", Role: ifconfig.RoleExternal, IP: net.ParseIP("192.0.2.1").To4()},
	}
	table, err := NewTable(routes, ifaces)
	require.NoError(t, err)
	return table
}

func route(dest, mask, gw, iface string) ifconfig.RouteConfig {
	return ifconfig.RouteConfig{
		Dest:    net.ParseIP(dest).To4(),
		Mask:    net.IPMask(net.ParseIP(mask).To4()),
		Gateway: net.ParseIP(gw).To4(),
		Iface:   iface,
	}
}

func TestRouting_Lookup_PrefersMostSpecificMatch(t *testing.T) {
	table := mustTable(t, []ifconfig.RouteConfig{
		route("0.0.0.0", "0.0.0.0", "0.0.0.0", "eth1"),
		route("192.0.2.0", "255.255.255.0", "0.0.0.0", "eth1"),
		route("192.0.2.128", "255.255.255.128", "0.0.0.0", "eth1"),
	})

	r, ok := table.Lookup(net.ParseIP("192.0.2.200"))
	require.True(t, ok)
	require.Equal(t, 25, maskLen(r.Mask))
}

func TestRouting_Lookup_FallsBackToDefaultRouteOnInternalInterface(t *testing.T) {
	table := mustTable(t, []ifconfig.RouteConfig{
		route("0.0.0.0", "0.0.0.0", "0.0.0.0", "eth0"),
	})

	r, ok := table.Lookup(net.ParseIP("8.8.8.8"))
	require.True(t, ok)
	require.Equal(t, "eth0", r.Iface)
}

func TestRouting_Lookup_FallsBackToNonMatchingInternalRoute(t *testing.T) {
	// The only configured route is bound to the internal interface but
	// does not itself match the destination (not even its /24). The
	// fallback must still fire, mirroring original_source's default_eth1
	// behavior of recording the internal-interface route unconditionally
	// during the scan rather than only when its mask matches.
	table := mustTable(t, []ifconfig.RouteConfig{
		route("192.168.2.0", "255.255.255.0", "0.0.0.0", "eth0"),
	})

	r, ok := table.Lookup(net.ParseIP("203.0.113.1"))
	require.True(t, ok)
	require.Equal(t, "eth0", r.Iface)
}

func TestRouting_Lookup_MissWithoutDefaultRoute(t *testing.T) {
	table := mustTable(t, []ifconfig.RouteConfig{
		route("192.0.2.0", "255.255.255.0", "0.0.0.0", "eth1"),
	})

	_, ok := table.Lookup(net.ParseIP("203.0.113.1"))
	require.False(t, ok)
}

func TestRouting_Lookup_NonIPv4Misses(t *testing.T) {
	table := mustTable(t, nil)
	_, ok := table.Lookup(net.ParseIP("::1"))
	require.False(t, ok)
}
