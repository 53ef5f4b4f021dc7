package peer

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/meshcore/config"
	"github.com/sage-x-project/meshcore/peertable"
	"github.com/sage-x-project/meshcore/vault"
	"github.com/sage-x-project/meshcore/wire"
)

func newTestVault(t *testing.T) *vault.Vault {
	t.Helper()
	store, err := vault.NewFileStore(filepath.Join(t.TempDir(), "vault.json"))
	require.NoError(t, err)
	v, err := vault.New(store, []byte("test-secret"), time.Hour)
	require.NoError(t, err)
	return v
}

type fakeExecutor struct {
	result any
	err    error
	calls  int
}

func (f *fakeExecutor) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func newTestController(t *testing.T, v *vault.Vault, id string, tools []string, executor ToolExecutor) (*Controller, string, string) {
	t.Helper()
	token, err := v.Register(id, tools, nil, "host-"+id, "")
	require.NoError(t, err)

	cfg := &config.Config{
		Mesh: &config.MeshConfig{
			GossipInterval:     time.Hour, // disabled for deterministic tests
			HealthPingInterval: time.Hour,
			CallTimeout:        2 * time.Second,
		},
		Hub: &config.HubConfig{DialTimeout: 500 * time.Millisecond},
	}
	c := New(cfg, v, id, token, tools, nil, executor, nil)

	ts := httptest.NewServer(c.Server())
	t.Cleanup(ts.Close)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	return c, wsURL, token
}

func TestHandshakeMutualAuth(t *testing.T) {
	v := newTestVault(t)
	a, wsURLA, _ := newTestController(t, v, "peer-a", []string{"echo"}, nil)
	b, _, _ := newTestController(t, v, "peer-b", nil, nil)

	conn, err := b.ConnectPeer(context.Background(), wsURLA)
	require.NoError(t, err)
	defer conn.Close()

	assert.Eventually(t, func() bool {
		return a.peers.CountByState(peertable.StateConnected) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, b.peers.CountByState(peertable.StateConnected))
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	v := newTestVault(t)
	_, wsURLA, _ := newTestController(t, v, "peer-a", nil, nil)

	other := newTestVault(t) // a different vault never registered peer-b
	b, _, _ := newTestController(t, other, "peer-b", nil, nil)

	_, err := b.ConnectPeer(context.Background(), wsURLA)
	require.Error(t, err)
}

func TestToolsCallInvokesLocalExecutor(t *testing.T) {
	v := newTestVault(t)
	exec := &fakeExecutor{result: map[string]any{"ok": true}}
	a, wsURLA, _ := newTestController(t, v, "peer-a", []string{"echo"}, exec)
	b, _, _ := newTestController(t, v, "peer-b", nil, nil)

	conn, err := b.ConnectPeer(context.Background(), wsURLA)
	require.NoError(t, err)
	defer conn.Close()
	_ = a

	reqID := b.calls.NewRequestID("test")
	b.calls.Register(reqID, "test", "peer-a")
	fwd, err := wire.NewRequest(reqID, wire.MethodToolsCall, wire.ToolsCallParams{Name: "echo"})
	require.NoError(t, err)
	require.NoError(t, conn.Send(fwd))

	raw, err := b.calls.Await(context.Background(), reqID, time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "ok")
	assert.Equal(t, 1, exec.calls)
}

func TestGossipMergeIsIdempotentAndKeepsNewestLastSeen(t *testing.T) {
	v := newTestVault(t)
	c, _, _ := newTestController(t, v, "peer-a", nil, nil)

	msg, err := wire.NewNotification(wire.MethodPeerGossip, wire.GossipParams{
		Records: []wire.GossipRecord{
			{PeerID: "peer-x", Address: "ws://unreachable:1", Tools: []string{"t1"}, LastSeen: 100},
		},
	})
	require.NoError(t, err)

	c.handleGossip(nil, msg)
	c.handleGossip(nil, msg)

	c.knownMu.Lock()
	require.Len(t, c.known, 1)
	assert.Equal(t, int64(100), c.known["peer-x"].LastSeen)
	c.knownMu.Unlock()

	// A later round with a newer timestamp should win, an older one should not.
	newer, _ := wire.NewNotification(wire.MethodPeerGossip, wire.GossipParams{
		Records: []wire.GossipRecord{{PeerID: "peer-x", Address: "ws://unreachable:1", LastSeen: 200}},
	})
	older, _ := wire.NewNotification(wire.MethodPeerGossip, wire.GossipParams{
		Records: []wire.GossipRecord{{PeerID: "peer-x", Address: "ws://unreachable:1", LastSeen: 50}},
	})
	c.handleGossip(nil, newer)
	c.handleGossip(nil, older)

	c.knownMu.Lock()
	defer c.knownMu.Unlock()
	assert.Equal(t, int64(200), c.known["peer-x"].LastSeen)
}

func TestGossipIgnoresSelf(t *testing.T) {
	v := newTestVault(t)
	c, _, _ := newTestController(t, v, "peer-a", nil, nil)

	msg, err := wire.NewNotification(wire.MethodPeerGossip, wire.GossipParams{
		Records: []wire.GossipRecord{{PeerID: "peer-a", Address: "ws://self", LastSeen: 1}},
	})
	require.NoError(t, err)
	c.handleGossip(nil, msg)

	c.knownMu.Lock()
	defer c.knownMu.Unlock()
	assert.Empty(t, c.known)
}

// fakeTransport is a minimal peertable.Transport used to unit-test the
// ping failure policy without a real socket.
type fakeTransport struct {
	closed bool
}

func (f *fakeTransport) Send(msg *wire.Message) error { return nil }
func (f *fakeTransport) Close() error                 { f.closed = true; return nil }
func (f *fakeTransport) RemoteAddr() string           { return "test" }

func TestDemoteOrCloseAppliesSingleRetryPolicy(t *testing.T) {
	v := newTestVault(t)
	c, _, _ := newTestController(t, v, "peer-a", nil, nil)

	p := peertable.New("neighbor-1")
	require.NoError(t, p.SetState(peertable.StateConnected))
	ft := &fakeTransport{}

	c.demoteOrClose(p, ft)
	assert.Equal(t, peertable.StateDegraded, p.State())
	assert.False(t, ft.closed)

	c.demoteOrClose(p, ft)
	assert.True(t, ft.closed)
}

func TestRouteForwardsThroughIntermediateNeighbor(t *testing.T) {
	v := newTestVault(t)
	exec := &fakeExecutor{result: "pong"}

	// chain: caller(b) --dial--> middle(m) --dial--> target(c)
	cNode, wsURLC, _ := newTestController(t, v, "node-c", []string{"echo"}, exec)
	m, wsURLM, _ := newTestController(t, v, "node-m", nil, nil)
	b, _, _ := newTestController(t, v, "node-b", nil, nil)
	_ = cNode

	connMC, err := m.ConnectPeer(context.Background(), wsURLC)
	require.NoError(t, err)
	defer connMC.Close()

	connBM, err := b.ConnectPeer(context.Background(), wsURLM)
	require.NoError(t, err)
	defer connBM.Close()

	assert.Eventually(t, func() bool {
		return m.peers.CountByState(peertable.StateConnected) == 2
	}, time.Second, 10*time.Millisecond)

	inner, err := wire.NewRequest("inner-1", wire.MethodToolsCall, wire.ToolsCallParams{Name: "echo"})
	require.NoError(t, err)

	reqID := b.calls.NewRequestID("b")
	b.calls.Register(reqID, "b", "node-m")
	routeReq, err := wire.NewRequest(reqID, wire.MethodMeshRoute, wire.RouteParams{
		Target:  "node-c",
		Message: *inner,
	})
	require.NoError(t, err)
	require.NoError(t, connBM.Send(routeReq))

	raw, err := b.calls.Await(context.Background(), reqID, 2*time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "pong")
	assert.Equal(t, 1, exec.calls)
}
