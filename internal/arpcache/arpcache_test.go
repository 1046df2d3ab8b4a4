package arpcache

import (
	"net"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestARPCache_LookupMissBeforeInsert(t *testing.T) {
	c := New(clockwork.NewFakeClock(), nil)
	_, ok := c.Lookup(net.ParseIP("10.0.0.1"))
	require.False(t, ok)
}

func TestARPCache_InsertThenLookupHit(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New(clock, nil)
	mac := net.HardwareAddr{0x02, 0, 0, 0, 0, 1}

	c.Insert(net.ParseIP("10.0.0.1"), mac)

	got, ok := c.Lookup(net.ParseIP("10.0.0.1"))
	require.True(t, ok)
	require.Equal(t, mac, got)
}

func TestARPCache_EntryExpiresAfterTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New(clock, nil)
	c.Insert(net.ParseIP("10.0.0.1"), net.HardwareAddr{0x02, 0, 0, 0, 0, 1})

	clock.Advance(EntryTTL)

	_, ok := c.Lookup(net.ParseIP("10.0.0.1"))
	require.False(t, ok)
}

func TestARPCache_QueueFirstPacketReturnsARPWork(t *testing.T) {
	c := New(clockwork.NewFakeClock(), nil)
	target := net.ParseIP("10.0.0.2")

	work := c.Queue(target, "eth0", QueuedPacket{Frame: []byte{1, 2, 3}})
	require.NotNil(t, work)
	require.Equal(t, target.String(), work.TargetIP.String())
	require.Equal(t, "eth0", work.EgressIface)

	// A second packet for the same target must not trigger a second
	// broadcast request.
	work2 := c.Queue(target, "eth0", QueuedPacket{Frame: []byte{4, 5, 6}})
	require.Nil(t, work2)
}

func TestARPCache_InsertDrainsPendingRequest(t *testing.T) {
	c := New(clockwork.NewFakeClock(), nil)
	target := net.ParseIP("10.0.0.2")
	c.Queue(target, "eth0", QueuedPacket{Frame: []byte{1, 2, 3}})
	c.Queue(target, "eth0", QueuedPacket{Frame: []byte{4, 5, 6}})

	pending := c.Insert(target, net.HardwareAddr{0x02, 0, 0, 0, 0, 2})
	require.NotNil(t, pending)
	require.Len(t, pending.Queued, 2)

	// The pending request is detached: re-resolving the same target
	// produces no further drain.
	require.Nil(t, c.Insert(target, net.HardwareAddr{0x02, 0, 0, 0, 0, 2}))
}

func TestARPCache_TickRetransmitsThenAbandons(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New(clock, nil)
	target := net.ParseIP("10.0.0.3")
	c.Queue(target, "eth0", QueuedPacket{Frame: []byte{1}, InIface: "eth0"})

	var sawAbandon bool
	for i := 0; i < MaxAttempts; i++ {
		clock.Advance(RetransmitInterval)
		retransmits, timedOut := c.Tick()
		if i < MaxAttempts-1 {
			require.Len(t, retransmits, 1)
			require.Empty(t, timedOut)
		} else {
			require.Empty(t, retransmits)
			require.Len(t, timedOut, 1)
			require.Len(t, timedOut[0].Queued, 1)
			sawAbandon = true
		}
	}
	require.True(t, sawAbandon)

	// Abandonment removes the pending record; a further Tick sees nothing.
	retransmits, timedOut := c.Tick()
	require.Empty(t, retransmits)
	require.Empty(t, timedOut)
}

func TestARPCache_Snapshot_ExcludesExpiredEntries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New(clock, nil)
	c.Insert(net.ParseIP("10.0.0.4"), net.HardwareAddr{0x02, 0, 0, 0, 0, 4})
	require.Len(t, c.Snapshot(), 1)

	clock.Advance(EntryTTL)
	require.Empty(t, c.Snapshot())
}
