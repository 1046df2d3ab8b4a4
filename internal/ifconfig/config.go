package ifconfig

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"
)

// jsonConfig is the on-disk shape of the startup config file. Interfaces
// and routes are both addressed by interface name, resolved into the
// typed Config by Load.
type jsonConfig struct {
	Interfaces []jsonInterface `json:"interfaces"`
	Routes     []jsonRoute     `json:"routes"`
	NAT        jsonNAT         `json:"nat"`
}

type jsonInterface struct {
	Name string `json:"name"`
	MAC  string `json:"mac"`
	IP   string `json:"ip"`
	Role string `json:"role"`
}

type jsonRoute struct {
	Dest    string `json:"dest"`
	Mask    string `json:"mask"`
	Gateway string `json:"gateway"`
	Iface   string `json:"iface"`
}

type jsonNAT struct {
	Enabled                bool `json:"enabled"`
	ICMPTimeoutSeconds     int  `json:"icmp_timeout_seconds"`
	TCPIdleSeconds         int  `json:"tcp_idle_seconds"`
	TransitoryIdleSeconds  int  `json:"transitory_idle_seconds"`
}

// Load reads and parses the startup config file and validates it. Routes
// and interfaces are assumed immutable for the lifetime of the process
// (spec §1).
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ifconfig: opening config file: %w", err)
	}
	defer f.Close()

	var raw jsonConfig
	if err := json.NewDecoder(f).Decode(&raw); err != nil {
		return nil, fmt.Errorf("ifconfig: decoding config file: %w", err)
	}

	cfg, err := fromJSON(&raw)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromJSON(raw *jsonConfig) (*Config, error) {
	cfg := &Config{
		NAT: NATConfig{
			Enabled:        raw.NAT.Enabled,
			ICMPTimeout:    time.Duration(raw.NAT.ICMPTimeoutSeconds) * time.Second,
			TCPIdle:        time.Duration(raw.NAT.TCPIdleSeconds) * time.Second,
			TransitoryIdle: time.Duration(raw.NAT.TransitoryIdleSeconds) * time.Second,
		},
	}

	for _, ji := range raw.Interfaces {
		mac, err := net.ParseMAC(ji.MAC)
		if err != nil {
			return nil, fmt.Errorf("%w: interface %q: bad mac %q: %v", ErrInvalidInterfaceJSON, ji.Name, ji.MAC, err)
		}
		ip := net.ParseIP(ji.IP)
		if ip == nil {
			return nil, fmt.Errorf("%w: interface %q: bad ip %q", ErrInvalidInterfaceJSON, ji.Name, ji.IP)
		}
		var role Role
		switch ji.Role {
		case "internal":
			role = RoleInternal
		case "external":
			role = RoleExternal
		default:
			return nil, fmt.Errorf("%w: interface %q: bad role %q", ErrInvalidInterfaceJSON, ji.Name, ji.Role)
		}
		cfg.Interfaces = append(cfg.Interfaces, Interface{
			Name: ji.Name,
			MAC:  mac,
			IP:   ip.To4(),
			Role: role,
		})
	}

	for _, jr := range raw.Routes {
		dest := net.ParseIP(jr.Dest)
		mask := net.ParseIP(jr.Mask)
		if dest == nil || mask == nil {
			return nil, fmt.Errorf("ifconfig: route to %q: bad dest/mask", jr.Dest)
		}
		gw := net.ParseIP(jr.Gateway)
		if gw == nil {
			gw = net.IPv4zero
		}
		cfg.Routes = append(cfg.Routes, RouteConfig{
			Dest:    dest.To4(),
			Mask:    net.IPMask(mask.To4()),
			Gateway: gw.To4(),
			Iface:   jr.Iface,
		})
	}

	return cfg, nil
}

// Validate checks the invariants the rest of the router relies on:
// exactly one internal interface, unique interface names, and every
// route naming a configured interface. This mirrors sr_router.c's
// sr_verify_routing_table, run once at startup rather than as a debug aid.
func Validate(cfg *Config) error {
	seen := make(map[string]struct{}, len(cfg.Interfaces))
	internalCount := 0
	for _, iface := range cfg.Interfaces {
		if _, dup := seen[iface.Name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateIfaceName, iface.Name)
		}
		seen[iface.Name] = struct{}{}
		if iface.Role == RoleInternal {
			internalCount++
		}
	}
	if internalCount == 0 {
		return ErrNoInternalInterface
	}
	if internalCount > 1 {
		return ErrMultipleInternal
	}
	for _, r := range cfg.Routes {
		if _, ok := seen[r.Iface]; !ok {
			return fmt.Errorf("%w: route to %s via %s", ErrRouteUnknownIface, r.Dest, r.Iface)
		}
	}
	return nil
}
