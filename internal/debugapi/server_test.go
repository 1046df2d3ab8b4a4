package debugapi

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/l2l3/softrouter/internal/arpcache"
	"github.com/l2l3/softrouter/internal/ifconfig"
	"github.com/l2l3/softrouter/internal/nat"
	"github.com/l2l3/softrouter/internal/routing"
)

func TestHandleRoutes_ReturnsSnapshotAsJSON(t *testing.T) {
	routes, err := routing.NewTable(
		[]ifconfig.RouteConfig{
			{
				Dest:    net.ParseIP("192.0.2.0").To4(),
				Mask:    net.IPMask(net.ParseIP("255.255.255.0").To4()),
				Gateway: net.ParseIP("0.0.0.0").To4(),
				Iface:   "eth1",
			},
		},
		[]ifconfig.Interface{
			{Name: "eth0", Role: ifconfig.RoleInternal, IP: net.ParseIP("10.0.1.1").To4()},
			{Name: "eth1", Role: ifconfig.RoleExternal, IP: net.ParseIP("192.0.2.1").To4()},
		},
	)
	require.NoError(t, err)

	s := New(routes, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/routes", nil)
	rec := httptest.NewRecorder()
	s.handleRoutes(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var dump []routing.Dump
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dump))
	require.Len(t, dump, 1)
	require.Equal(t, "192.0.2.0", dump[0].Dest)
	require.Equal(t, 24, dump[0].Mask)
	require.Equal(t, "eth1", dump[0].Iface)
}

func TestHandleARP_ReturnsSnapshotAsJSON(t *testing.T) {
	arp := arpcache.New(clockwork.NewFakeClock(), nil)
	mac := net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	arp.Insert(net.ParseIP("10.0.0.1"), mac)

	s := New(nil, arp, nil)
	req := httptest.NewRequest(http.MethodGet, "/arp", nil)
	rec := httptest.NewRecorder()
	s.handleARP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var entries []arpcache.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	require.Equal(t, mac.String(), entries[0].MAC.String())
}

func TestHandleNAT_ReturnsMappingsInStableDumpShape(t *testing.T) {
	clock := clockwork.NewFakeClock()
	natTable := nat.NewTable(time.Minute, time.Minute, time.Minute, clock, nil)
	extIface := ifconfig.Interface{Name: "eth1", Role: ifconfig.RoleExternal, IP: net.ParseIP("192.0.2.1").To4()}
	_, err := natTable.Insert(net.ParseIP("10.0.1.5").To4(), 80, nat.MappingTCP, extIface)
	require.NoError(t, err)

	s := New(nil, nil, natTable)
	req := httptest.NewRequest(http.MethodGet, "/nat", nil)
	rec := httptest.NewRecorder()
	s.handleNAT(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var dump []natDump
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dump))
	require.Len(t, dump, 1)
	require.Equal(t, "tcp", dump[0].Type)
	require.Contains(t, dump[0].Internal, "10.0.1.5:80")
}
