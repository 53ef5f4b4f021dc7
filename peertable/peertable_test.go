package peertable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/meshcore/wire"
)

type fakeTransport struct {
	closed bool
	addr   string
}

func (f *fakeTransport) Send(msg *wire.Message) error { return nil }
func (f *fakeTransport) Close() error                 { f.closed = true; return nil }
func (f *fakeTransport) RemoteAddr() string            { return f.addr }

func TestLegalStateTransitions(t *testing.T) {
	p := New("peer-a")
	require.Equal(t, StateConnecting, p.State())

	require.NoError(t, p.SetState(StateConnected))
	require.NoError(t, p.SetState(StateDegraded))
	require.NoError(t, p.SetState(StateOffline))
	require.NoError(t, p.SetState(StateConnected))
	require.NoError(t, p.SetState(StateDisconnected))
}

func TestIllegalStateTransitionRejected(t *testing.T) {
	p := New("peer-a")
	err := p.SetState(StateDegraded)
	assert.Error(t, err)
	assert.Equal(t, StateConnecting, p.State())
}

func TestDisconnectedIsTerminal(t *testing.T) {
	p := New("peer-a")
	require.NoError(t, p.SetState(StateConnected))
	require.NoError(t, p.SetState(StateDisconnected))
	assert.Error(t, p.SetState(StateConnected))
}

func TestSetTransportClosesPreviousOccupant(t *testing.T) {
	p := New("peer-a")
	first := &fakeTransport{addr: "1.1.1.1"}
	second := &fakeTransport{addr: "2.2.2.2"}

	p.SetTransport(false, first)
	p.SetTransport(false, second)

	assert.True(t, first.closed)
	assert.False(t, second.closed)
}

func TestActiveTransportPrefersOutbound(t *testing.T) {
	p := New("peer-a")
	in := &fakeTransport{addr: "in"}
	out := &fakeTransport{addr: "out"}
	p.SetTransport(true, in)
	p.SetTransport(false, out)

	active, ok := p.ActiveTransport()
	require.True(t, ok)
	assert.Equal(t, out, active)
}

func TestClearTransportReportsEmpty(t *testing.T) {
	p := New("peer-a")
	out := &fakeTransport{addr: "out"}
	p.SetTransport(false, out)

	empty := p.ClearTransport(out)
	assert.True(t, empty)
	assert.False(t, p.HasLiveTransport())
}

func TestTableGetOrCreateIsIdempotent(t *testing.T) {
	tbl := NewTable()
	p1 := tbl.GetOrCreate("peer-a")
	p2 := tbl.GetOrCreate("peer-a")
	assert.Same(t, p1, p2)
}

func TestTableCountByState(t *testing.T) {
	tbl := NewTable()
	a := tbl.GetOrCreate("peer-a")
	b := tbl.GetOrCreate("peer-b")
	require.NoError(t, a.SetState(StateConnected))
	require.NoError(t, b.SetState(StateConnected))
	require.NoError(t, b.SetState(StateDegraded))

	assert.Equal(t, 1, tbl.CountByState(StateConnected))
	assert.Equal(t, 1, tbl.CountByState(StateDegraded))
}
