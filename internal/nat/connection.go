package nat

import (
	"net"
	"time"
)

// liveConnection is the mutable, table-lock-guarded representation of a
// Connection. advance implements the state table from spec §4.6 as an
// explicit, non-fall-through switch (Open Question 4) — the source's
// fall-through between SYN_SENT and SYN_RCVD is deliberately not
// reproduced.
type liveConnection struct {
	peerIP     net.IP
	state      TCPState
	clientISN  uint32
	serverISN  uint32
	lastUsedAt time.Time
}

func newLiveConnection(peerIP net.IP, now time.Time) *liveConnection {
	return &liveConnection{peerIP: peerIP, state: StateClosed, lastUsedAt: now}
}

func (c *liveConnection) snapshot() Connection {
	return Connection{
		PeerIP:     c.peerIP,
		State:      c.state,
		ClientISN:  c.clientISN,
		ServerISN:  c.serverISN,
		LastUsedAt: c.lastUsedAt,
	}
}

// advance applies one segment to the connection's state machine. An
// unsolicited inbound SYN on a freshly created (CLOSED) connection — the
// endpoint-independent-filtering case — transitions straight to
// SYN_RCVD, matching spec §4.6's description of that path without a
// separate code path: the connection is simply created in CLOSED and
// observes its first segment here like any other.
func (c *liveConnection) advance(now time.Time, dir Direction, flags TCPFlags, seq, ack uint32) {
	c.lastUsedAt = now

	switch c.state {
	case StateClosed:
		switch {
		case dir == DirOut && flags.SYN && !flags.ACK:
			c.clientISN = seq
			c.state = StateSynSent
		case dir == DirIn && flags.SYN && !flags.ACK:
			c.serverISN = seq
			c.state = StateSynRcvd
		}

	case StateSynSent:
		switch {
		case dir == DirIn && flags.SYN && flags.ACK && ack == c.clientISN+1:
			c.serverISN = seq
			c.state = StateSynRcvd
		case dir == DirIn && flags.SYN && !flags.ACK:
			// Simultaneous open.
			c.serverISN = seq
			c.state = StateSynRcvd
		}

	case StateSynRcvd:
		switch {
		case dir == DirOut && flags.ACK && !flags.SYN && seq == c.clientISN+1 && ack == c.serverISN+1:
			c.state = StateEstablished
		case dir == DirIn && flags.SYN && flags.ACK:
			c.state = StateEstablished
		}

	case StateEstablished:
		if flags.FIN && flags.ACK {
			c.state = StateClosing
		}

	case StateClosing:
		// No segment-driven transitions; only the reaper deletes a
		// CLOSING connection once it has been idle too long.
	}
}

func (c *liveConnection) idleFor(now time.Time) time.Duration {
	return now.Sub(c.lastUsedAt)
}
