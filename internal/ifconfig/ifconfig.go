// Package ifconfig holds the router's static, immutable configuration:
// the interface list and the NAT timeouts loaded at startup. None of it
// changes while the router is running (spec §1's "out of scope" boundary).
package ifconfig

import (
	"fmt"
	"net"
	"time"
)

// Role classifies an interface for the purposes of NAT and default-route
// fallback. Exactly one configured interface is RoleInternal.
type Role uint8

const (
	RoleInternal Role = iota
	RoleExternal
)

func (r Role) String() string {
	switch r {
	case RoleInternal:
		return "internal"
	case RoleExternal:
		return "external"
	default:
		return fmt.Sprintf("role(%d)", r)
	}
}

// Interface is an immutable record of one of the router's links.
type Interface struct {
	Name string
	MAC  net.HardwareAddr
	IP   net.IP
	Role Role
}

func (i Interface) String() string {
	return fmt.Sprintf("%s(%s, %s, %s)", i.Name, i.Role, i.IP, i.MAC)
}

// NATConfig carries the NAT-enable flag and the three idle timeouts from
// spec §6 (seconds on the wire, time.Duration in memory).
type NATConfig struct {
	Enabled        bool
	ICMPTimeout    time.Duration
	TCPIdle        time.Duration
	TransitoryIdle time.Duration
}

// RouteConfig is the on-disk shape of one static routing table entry,
// before it is resolved against the interface list.
type RouteConfig struct {
	Dest    net.IP
	Mask    net.IPMask
	Gateway net.IP
	Iface   string
}

// Config is the fully parsed, validated startup configuration.
type Config struct {
	Interfaces []Interface
	Routes     []RouteConfig
	NAT        NATConfig
}

// Internal returns the configured internal interface. Validate guarantees
// exactly one exists, so this never returns false once Validate has passed.
func (c *Config) Internal() (Interface, bool) {
	for _, i := range c.Interfaces {
		if i.Role == RoleInternal {
			return i, true
		}
	}
	return Interface{}, false
}

// ByName looks up a configured interface by name.
func (c *Config) ByName(name string) (Interface, bool) {
	for _, i := range c.Interfaces {
		if i.Name == name {
			return i, true
		}
	}
	return Interface{}, false
}
