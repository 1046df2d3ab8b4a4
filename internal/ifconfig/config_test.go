package ifconfig

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, raw jsonConfig) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	data, err := json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func validConfig() jsonConfig {
	return jsonConfig{
		Interfaces: []jsonInterface{
			{Name: "eth0", MAC: "02:00:00:00:00:01", IP: "10.0.1.1", Role: "internal"},
			{Name: "eth1", MAC: "02:00:00:00:00:02", IP: "192.0.2.1", Role: "external"},
		},
		Routes: []jsonRoute{
			{Dest: "0.0.0.0", Mask: "0.0.0.0", Gateway: "0.0.0.0", Iface: "eth1"},
		},
		NAT: jsonNAT{Enabled: true, ICMPTimeoutSeconds: 30, TCPIdleSeconds: 3600, TransitoryIdleSeconds: 60},
	}
}

func TestLoad_ValidConfigParsesIntoTypedFields(t *testing.T) {
	path := writeConfig(t, validConfig())
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Interfaces, 2)
	internal, ok := cfg.Internal()
	require.True(t, ok)
	require.Equal(t, "eth0", internal.Name)
	require.True(t, internal.IP.Equal(net.ParseIP("10.0.1.1")))
	require.Equal(t, 30*1e9, float64(cfg.NAT.ICMPTimeout))
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestLoad_RejectsBadMAC(t *testing.T) {
	raw := validConfig()
	raw.Interfaces[0].MAC = "not-a-mac"
	path := writeConfig(t, raw)

	_, err := Load(path)
	require.ErrorIs(t, err, ErrInvalidInterfaceJSON)
}

func TestLoad_RejectsUnknownRole(t *testing.T) {
	raw := validConfig()
	raw.Interfaces[0].Role = "dmz"
	path := writeConfig(t, raw)

	_, err := Load(path)
	require.ErrorIs(t, err, ErrInvalidInterfaceJSON)
}

func TestValidate_NoInternalInterface(t *testing.T) {
	cfg := &Config{Interfaces: []Interface{
		{Name: "eth1", Role: RoleExternal},
	}}
	require.ErrorIs(t, Validate(cfg), ErrNoInternalInterface)
}

func TestValidate_MultipleInternalInterfaces(t *testing.T) {
	cfg := &Config{Interfaces: []Interface{
		{Name: "eth0", Role: RoleInternal},
		{Name: "eth1", Role: RoleInternal},
	}}
	require.ErrorIs(t, Validate(cfg), ErrMultipleInternal)
}

func TestValidate_DuplicateInterfaceName(t *testing.T) {
	cfg := &Config{Interfaces: []Interface{
		{Name: "eth0", Role: RoleInternal},
		{Name: "eth0", Role: RoleExternal},
	}}
	require.ErrorIs(t, Validate(cfg), ErrDuplicateIfaceName)
}

func TestValidate_RouteToUnknownInterface(t *testing.T) {
	cfg := &Config{
		Interfaces: []Interface{{Name: "eth0", Role: RoleInternal}},
		Routes:     []RouteConfig{{Iface: "eth9"}},
	}
	require.ErrorIs(t, Validate(cfg), ErrRouteUnknownIface)
}

func TestValidate_AcceptsWellFormedConfig(t *testing.T) {
	cfg := &Config{
		Interfaces: []Interface{
			{Name: "eth0", Role: RoleInternal},
			{Name: "eth1", Role: RoleExternal},
		},
		Routes: []RouteConfig{{Iface: "eth1"}},
	}
	require.NoError(t, Validate(cfg))
}
