package nat

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// MinAux and MaxAux bound the allocatable external-aux space (spec §6).
const (
	MinAux = 1024
	MaxAux = 65535
)

// MappingType distinguishes ICMP-identifier mappings from TCP-port
// mappings; aux means different wire fields depending on this (spec
// GLOSSARY).
type MappingType uint8

const (
	MappingICMP MappingType = iota
	MappingTCP
)

func (t MappingType) String() string {
	switch t {
	case MappingICMP:
		return "icmp"
	case MappingTCP:
		return "tcp"
	default:
		return fmt.Sprintf("type(%d)", t)
	}
}

// TCPState is the per-connection state from spec §4.6. Transitions are
// explicit and non-fall-through (spec §9, Open Question 4), following
// the typed-enum-plus-exhaustive-switch idiom of
// client/doublezerod/internal/liveness.State.
type TCPState uint8

const (
	StateClosed TCPState = iota
	StateSynSent
	StateSynRcvd
	StateEstablished
	StateClosing
)

func (s TCPState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynRcvd:
		return "SYN_RCVD"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	default:
		return fmt.Sprintf("state(%d)", s)
	}
}

// Direction of the packet that is driving a connection's state machine.
type Direction uint8

const (
	// DirOut is internal -> external traffic.
	DirOut Direction = iota
	// DirIn is external -> internal traffic.
	DirIn
)

func (d Direction) String() string {
	if d == DirOut {
		return "out"
	}
	return "in"
}

// TCPFlags is the minimal subset of the TCP header the state machine
// reads.
type TCPFlags struct {
	SYN bool
	ACK bool
	FIN bool
}

// Mapping is an immutable snapshot of a NAT mapping: safe to read
// without holding the table lock, per spec §4.3. It is never re-inserted
// into the table — mutation happens through Table methods keyed by
// Handle.
type Mapping struct {
	Handle     uint32
	ID         uuid.UUID
	Type       MappingType
	IntIP      net.IP
	IntAux     uint16
	ExtIP      net.IP
	ExtAux     uint16
	CreatedAt  time.Time
	LastUsedAt time.Time
}

func (m Mapping) String() string {
	return fmt.Sprintf("%s %s:%d <-> %s:%d", m.Type, m.IntIP, m.IntAux, m.ExtIP, m.ExtAux)
}

// Connection is an immutable snapshot of one peer's TCP state on a
// mapping (spec §3).
type Connection struct {
	PeerIP     net.IP
	State      TCPState
	ClientISN  uint32
	ServerISN  uint32
	LastUsedAt time.Time
}

// extKey and intKey are the two lookup indices required by spec §3's
// invariants: at most one mapping per (type, external aux), at most one
// per (type, internal ip, internal aux).
type extKey struct {
	typ MappingType
	aux uint16
}

type intKey struct {
	typ MappingType
	ip  string
	aux uint16
}
