package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/meshcore/wire"
)

func TestServerDialerRoundTrip(t *testing.T) {
	var mu sync.Mutex
	var received []*wire.Message

	srv := NewServer(nil, nil, func(conn *Conn, msg *wire.Message) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
		resp, _ := wire.NewResult(msg.ID, map[string]string{"ack": "ok"})
		conn.Send(resp)
	})

	ts := httptest.NewServer(srv)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	dialer := NewDialer(2 * time.Second)

	var gotResponse *wire.Message
	responseCh := make(chan struct{})
	conn, err := dialer.Dial(context.Background(), wsURL, func(c *Conn, msg *wire.Message) {
		gotResponse = msg
		close(responseCh)
	})
	require.NoError(t, err)
	defer conn.Close()

	go conn.Serve()

	req, err := wire.NewRequest("req-1", wire.MethodPing, nil)
	require.NoError(t, err)
	require.NoError(t, conn.Send(req))

	select {
	case <-responseCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}

	assert.Equal(t, "req-1", gotResponse.ID)

	mu.Lock()
	assert.Len(t, received, 1)
	assert.Equal(t, wire.MethodPing, received[0].Method)
	mu.Unlock()
}

func TestBackoffScheduleGrowsAndCaps(t *testing.T) {
	short := BackoffSchedule(0)
	assert.Greater(t, short, time.Duration(0))

	long := BackoffSchedule(20)
	assert.LessOrEqual(t, long, 36*time.Second) // 30s cap + 20% jitter ceiling
}

func TestSendAfterCloseReturnsError(t *testing.T) {
	srv := NewServer(nil, nil, func(conn *Conn, msg *wire.Message) {})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	dialer := NewDialer(2 * time.Second)
	conn, err := dialer.Dial(context.Background(), wsURL, func(c *Conn, msg *wire.Message) {})
	require.NoError(t, err)

	go conn.Serve()
	conn.Close()

	req, _ := wire.NewRequest("req-1", wire.MethodPing, nil)
	// Give the close a moment to propagate before asserting Send fails.
	time.Sleep(20 * time.Millisecond)
	err = conn.Send(req)
	assert.Error(t, err)
}

// TestSendQueueEvictsOldestNonCriticalOnOverflow exercises §5's
// back-pressure rule directly against the queue: a full queue of
// non-tool-call messages evicts its oldest entry to admit a new one,
// rather than dropping the message that just arrived.
func TestSendQueueEvictsOldestNonCriticalOnOverflow(t *testing.T) {
	q := newSendQueue(2)
	oldest, _ := wire.NewRequest("gossip-1", wire.MethodPeerGossip, nil)
	newer, _ := wire.NewRequest("gossip-2", wire.MethodPeerGossip, nil)
	require.True(t, q.tryEnqueue(oldest))
	require.True(t, q.tryEnqueue(newer))

	incoming, _ := wire.NewRequest("gossip-3", wire.MethodPeerGossip, nil)
	require.True(t, q.evictOldestNonCritical(incoming, isCriticalMessage))

	first, ok := q.dequeue()
	require.True(t, ok)
	assert.Equal(t, "gossip-2", first.ID)
	second, ok := q.dequeue()
	require.True(t, ok)
	assert.Equal(t, "gossip-3", second.ID)
}

// TestSendQueueNeverEvictsCriticalMessages confirms a queue saturated
// with tool calls rejects a new non-critical message outright instead
// of evicting a call that must not be silently dropped.
func TestSendQueueNeverEvictsCriticalMessages(t *testing.T) {
	q := newSendQueue(1)
	call, _ := wire.NewRequest("call-1", wire.MethodToolsCall, nil)
	require.True(t, q.tryEnqueue(call))

	incoming, _ := wire.NewRequest("gossip-1", wire.MethodPeerGossip, nil)
	assert.False(t, q.evictOldestNonCritical(incoming, isCriticalMessage))
}
