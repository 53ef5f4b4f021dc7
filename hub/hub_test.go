package hub

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/meshcore/config"
	"github.com/sage-x-project/meshcore/peertable"
	"github.com/sage-x-project/meshcore/transport"
	"github.com/sage-x-project/meshcore/vault"
	"github.com/sage-x-project/meshcore/wire"
)

type testPeer struct {
	conn     *transport.Conn
	mu       sync.Mutex
	inbox    []*wire.Message
	handlers map[string]func(*wire.Message)
}

func newTestPeer(t *testing.T, wsURL string, onMsg func(*transport.Conn, *wire.Message)) *testPeer {
	t.Helper()
	tp := &testPeer{handlers: make(map[string]func(*wire.Message))}
	dialer := transport.NewDialer(2 * time.Second)
	conn, err := dialer.Dial(context.Background(), wsURL, func(c *transport.Conn, msg *wire.Message) {
		tp.mu.Lock()
		tp.inbox = append(tp.inbox, msg)
		tp.mu.Unlock()
		if onMsg != nil {
			onMsg(c, msg)
		}
	})
	require.NoError(t, err)
	go conn.Serve()
	tp.conn = conn
	return tp
}

func newTestHub(t *testing.T) (*Controller, *vault.Vault, string) {
	t.Helper()
	store, err := vault.NewFileStore(filepath.Join(t.TempDir(), "vault.json"))
	require.NoError(t, err)
	v, err := vault.New(store, []byte("test-secret"), time.Hour)
	require.NoError(t, err)

	cfg := &config.Config{Mesh: &config.MeshConfig{
		HeartbeatInterval: 30 * time.Millisecond,
		DegradedAfter:     60 * time.Millisecond,
		OfflineAfter:      120 * time.Millisecond,
		CallTimeout:       2 * time.Second,
	}}
	h := New(cfg, v, nil)

	ts := httptest.NewServer(h.Server())
	t.Cleanup(ts.Close)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	return h, v, wsURL
}

func registerPeer(t *testing.T, v *vault.Vault, wsURL, nodeID string, tools []string, onMsg func(*transport.Conn, *wire.Message)) *testPeer {
	t.Helper()
	token, err := v.Register(nodeID, tools, nil, "host-"+nodeID, "")
	require.NoError(t, err)

	tp := newTestPeer(t, wsURL, onMsg)
	req, err := wire.NewRequest("reg-1", wire.MethodNodeRegister, wire.RegisterParams{
		NodeID: nodeID,
		Token:  token,
		Tools:  tools,
	})
	require.NoError(t, err)
	require.NoError(t, tp.conn.Send(req))
	time.Sleep(50 * time.Millisecond)
	return tp
}

func TestRegisterAcceptsValidToken(t *testing.T) {
	h, v, wsURL := newTestHub(t)
	tp := registerPeer(t, v, wsURL, "node-a", []string{"echo"}, nil)
	defer tp.conn.Close()

	assert.Equal(t, 1, h.peers.CountByState(peertable.StateConnected))
}

func TestRegisterRejectsBadToken(t *testing.T) {
	_, _, wsURL := newTestHub(t)
	tp := newTestPeer(t, wsURL, nil)
	defer tp.conn.Close()

	req, _ := wire.NewRequest("reg-1", wire.MethodNodeRegister, wire.RegisterParams{
		NodeID: "ghost",
		Token:  "not-a-real-token",
		Tools:  []string{"echo"},
	})
	require.NoError(t, tp.conn.Send(req))
	time.Sleep(50 * time.Millisecond)

	tp.mu.Lock()
	defer tp.mu.Unlock()
	require.Len(t, tp.inbox, 1)
	assert.NotNil(t, tp.inbox[0].Error)
	assert.Equal(t, wire.CodeUnauthorized, tp.inbox[0].Error.Code)
}

func TestToolsCallRoutesToProvider(t *testing.T) {
	h, v, wsURL := newTestHub(t)

	provider := registerPeer(t, v, wsURL, "provider-1", []string{"echo"}, func(c *transport.Conn, msg *wire.Message) {
		if msg.Method == wire.MethodToolsCall {
			var p wire.ToolsCallParams
			require.NoError(t, msg.DecodeParams(&p))
			resp, _ := wire.NewResult(msg.ID, map[string]any{"echoed": p.Args["x"]})
			c.Send(resp)
		}
	})
	defer provider.conn.Close()

	caller := registerPeer(t, v, wsURL, "caller-1", nil, nil)
	defer caller.conn.Close()

	callReq, err := wire.NewRequest("call-1", wire.MethodToolsCall, wire.ToolsCallParams{
		Name: "echo",
		Args: map[string]any{"x": float64(1)},
	})
	require.NoError(t, err)
	require.NoError(t, caller.conn.Send(callReq))

	deadline := time.After(2 * time.Second)
	for {
		caller.mu.Lock()
		var found *wire.Message
		for _, m := range caller.inbox {
			if m.ID == "call-1" {
				found = m
				break
			}
		}
		caller.mu.Unlock()
		if found != nil {
			require.Nil(t, found.Error)
			var result wire.ToolsCallResult
			require.NoError(t, found.DecodeResult(&result))
			assert.Equal(t, "provider-1", result.ProviderID)
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for tools/call response")
		case <-time.After(10 * time.Millisecond):
		}
	}

	assert.Equal(t, 1, h.tools.Len())
}

func TestToolsCallNoProvider(t *testing.T) {
	h, v, wsURL := newTestHub(t)
	_ = h

	caller := registerPeer(t, v, wsURL, "caller-2", nil, nil)
	defer caller.conn.Close()

	callReq, _ := wire.NewRequest("call-2", wire.MethodToolsCall, wire.ToolsCallParams{Name: "missing"})
	require.NoError(t, caller.conn.Send(callReq))

	deadline := time.After(1 * time.Second)
	for {
		caller.mu.Lock()
		var found *wire.Message
		for _, m := range caller.inbox {
			if m.ID == "call-2" {
				found = m
			}
		}
		caller.mu.Unlock()
		if found != nil {
			require.NotNil(t, found.Error)
			assert.Equal(t, wire.CodeNoProvider, found.Error.Code)
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestHeartbeatDemotesToOfflineAndExcludesFromIndex(t *testing.T) {
	h, v, wsURL := newTestHub(t)
	tp := registerPeer(t, v, wsURL, "silent-peer", []string{"echo"}, nil)
	defer tp.conn.Close()

	require.Equal(t, 1, h.tools.Len())
	time.Sleep(250 * time.Millisecond)

	h.reapOnce()

	assert.Equal(t, 0, h.tools.Len())
}

func TestStatsReportsPendingAndConnected(t *testing.T) {
	h, v, wsURL := newTestHub(t)
	tp := registerPeer(t, v, wsURL, "stats-peer", []string{"echo"}, nil)
	defer tp.conn.Close()

	stats := h.Stats()
	assert.Equal(t, 1, stats.ConnectedPeers)
	assert.Equal(t, 1, stats.KnownTools)
	assert.Equal(t, 0, stats.PendingCalls)
}
