package nat

import (
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/l2l3/softrouter/internal/ifconfig"
)

func extIface() ifconfig.Interface {
	return ifconfig.Interface{Name: "eth1", Role: ifconfig.RoleExternal, IP: net.ParseIP("192.0.2.1").To4()}
}

func TestTable_Insert_IsIdempotentForSameInternalKey(t *testing.T) {
	table := NewTable(time.Minute, time.Minute, time.Minute, clockwork.NewFakeClock(), nil)
	intIP := net.ParseIP("10.0.1.5").To4()

	m1, err := table.Insert(intIP, 4321, MappingTCP, extIface())
	require.NoError(t, err)

	m2, err := table.Insert(intIP, 4321, MappingTCP, extIface())
	require.NoError(t, err)
	require.Equal(t, m1.ExtAux, m2.ExtAux)
	require.Equal(t, m1.Handle, m2.Handle)
}

func TestTable_Insert_AssignsAuxWithinRange(t *testing.T) {
	table := NewTable(time.Minute, time.Minute, time.Minute, clockwork.NewFakeClock(), nil)
	m, err := table.Insert(net.ParseIP("10.0.1.5").To4(), 80, MappingTCP, extIface())
	require.NoError(t, err)
	require.GreaterOrEqual(t, m.ExtAux, uint16(MinAux))
	require.LessOrEqual(t, m.ExtAux, uint16(MaxAux))
}

func TestTable_LookupExternal_FindsInsertedMapping(t *testing.T) {
	table := NewTable(time.Minute, time.Minute, time.Minute, clockwork.NewFakeClock(), nil)
	m, err := table.Insert(net.ParseIP("10.0.1.5").To4(), 80, MappingTCP, extIface())
	require.NoError(t, err)

	got, ok := table.LookupExternal(m.ExtAux, MappingTCP)
	require.True(t, ok)
	require.Equal(t, m.Handle, got.Handle)
}

func TestTable_FindOrCreateConn_UnsolicitedInboundSYNLandsInSynRcvd(t *testing.T) {
	table := NewTable(time.Minute, time.Minute, time.Minute, clockwork.NewFakeClock(), nil)
	m, err := table.Insert(net.ParseIP("10.0.1.5").To4(), 80, MappingTCP, extIface())
	require.NoError(t, err)

	conn, err := table.FindOrCreateConn(m.Handle, net.ParseIP("203.0.113.9"), DirIn, TCPFlags{SYN: true}, 1000, 0)
	require.NoError(t, err)
	require.Equal(t, StateSynRcvd, conn.State)
}

func TestTable_FindOrCreateConn_NormalHandshakeReachesEstablished(t *testing.T) {
	table := NewTable(time.Minute, time.Minute, time.Minute, clockwork.NewFakeClock(), nil)
	m, err := table.Insert(net.ParseIP("10.0.1.5").To4(), 80, MappingTCP, extIface())
	require.NoError(t, err)
	peer := net.ParseIP("203.0.113.9")

	_, err = table.FindOrCreateConn(m.Handle, peer, DirOut, TCPFlags{SYN: true}, 100, 0)
	require.NoError(t, err)
	_, err = table.FindOrCreateConn(m.Handle, peer, DirIn, TCPFlags{SYN: true, ACK: true}, 500, 101)
	require.NoError(t, err)
	conn, err := table.FindOrCreateConn(m.Handle, peer, DirOut, TCPFlags{ACK: true}, 101, 501)
	require.NoError(t, err)

	require.Equal(t, StateEstablished, conn.State)
}

func TestTable_Insert_ErrorsWhenAuxPoolExhausted(t *testing.T) {
	table := NewTable(time.Minute, time.Minute, time.Minute, clockwork.NewFakeClock(), nil)
	for i := MinAux; i <= MaxAux; i++ {
		ip := net.IPv4(10, 0, byte(i>>8), byte(i))
		_, err := table.Insert(ip, uint16(i), MappingICMP, extIface())
		require.NoError(t, err)
	}

	_, err := table.Insert(net.ParseIP("10.1.1.1").To4(), 1, MappingICMP, extIface())
	require.ErrorIs(t, err, ErrAuxPoolFull)
}

func TestTable_Tick_ReapsIdleICMPMapping(t *testing.T) {
	clock := clockwork.NewFakeClock()
	table := NewTable(10*time.Second, time.Minute, time.Minute, clock, nil)
	m, err := table.Insert(net.ParseIP("10.0.1.5").To4(), 1, MappingICMP, extIface())
	require.NoError(t, err)

	clock.Advance(11 * time.Second)
	reaped := table.Tick()
	require.Len(t, reaped, 1)
	require.Equal(t, m.Handle, reaped[0].Handle)

	_, ok := table.LookupExternal(m.ExtAux, MappingICMP)
	require.False(t, ok)

	inUse, _ := table.AuxUtilization()
	require.Zero(t, inUse)
}

func TestTable_Tick_ReapsTCPMappingOnceConnectionsIdleOut(t *testing.T) {
	clock := clockwork.NewFakeClock()
	table := NewTable(time.Minute, 10*time.Second, 5*time.Second, clock, nil)
	m, err := table.Insert(net.ParseIP("10.0.1.5").To4(), 80, MappingTCP, extIface())
	require.NoError(t, err)
	_, err = table.FindOrCreateConn(m.Handle, net.ParseIP("203.0.113.9"), DirOut, TCPFlags{SYN: true}, 1, 0)
	require.NoError(t, err)

	clock.Advance(6 * time.Second)
	reaped := table.Tick()
	require.Len(t, reaped, 1, "transitory (non-established) connection should have idled out, emptying the mapping")
}

func TestTable_Touch_UpdatesLastUsedAt(t *testing.T) {
	clock := clockwork.NewFakeClock()
	table := NewTable(time.Minute, time.Minute, time.Minute, clock, nil)
	m, err := table.Insert(net.ParseIP("10.0.1.5").To4(), 1, MappingICMP, extIface())
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	table.Touch(m.Handle)

	got, ok := table.LookupExternal(m.ExtAux, MappingICMP)
	require.True(t, ok)
	require.True(t, got.LastUsedAt.After(m.LastUsedAt))
}
