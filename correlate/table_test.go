package correlate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/meshcore/errs"
	"github.com/sage-x-project/meshcore/wire"
)

func TestResolveBeforeTimeout(t *testing.T) {
	tbl := New()
	id := tbl.NewRequestID("node-a")
	tbl.Register(id, "node-a", "node-b")

	go func() {
		time.Sleep(10 * time.Millisecond)
		ok := tbl.Resolve(id, []byte(`{"ok":true}`), nil)
		assert.True(t, ok)
	}()

	val, err := tbl.Await(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(val))
	assert.Equal(t, 0, tbl.Len())
}

func TestAwaitTimesOut(t *testing.T) {
	tbl := New()
	id := tbl.NewRequestID("node-a")
	tbl.Register(id, "node-a", "node-b")

	_, err := tbl.Await(context.Background(), id, 10*time.Millisecond)
	assert.ErrorIs(t, err, errs.ErrTimeout)
	assert.Equal(t, 0, tbl.Len())
}

func TestAwaitCancelledByContext(t *testing.T) {
	tbl := New()
	id := tbl.NewRequestID("node-a")
	tbl.Register(id, "node-a", "node-b")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	_, err := tbl.Await(ctx, id, time.Second)
	assert.ErrorIs(t, err, errs.ErrCancelled)
}

func TestResolveCarriesRPCError(t *testing.T) {
	tbl := New()
	id := tbl.NewRequestID("node-a")
	tbl.Register(id, "node-a", "node-b")

	go tbl.Resolve(id, nil, &wire.Error{Code: wire.CodeNoProvider, Message: "no provider"})

	_, err := tbl.Await(context.Background(), id, time.Second)
	assert.ErrorContains(t, err, "no provider")
}

func TestResolveIsOneShot(t *testing.T) {
	tbl := New()
	id := tbl.NewRequestID("node-a")
	tbl.Register(id, "node-a", "node-b")

	first := tbl.Resolve(id, []byte(`1`), nil)
	second := tbl.Resolve(id, []byte(`2`), nil)
	assert.True(t, first)
	assert.False(t, second)

	val, err := tbl.Await(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "1", string(val))
}

func TestResolveUnknownIDIsReportedNotPanicked(t *testing.T) {
	tbl := New()
	assert.False(t, tbl.Resolve("no-such-id", []byte(`1`), nil))
}

func TestCancelForTargetOnlyMatchesThatTarget(t *testing.T) {
	tbl := New()
	idA := tbl.NewRequestID("node-x")
	idB := tbl.NewRequestID("node-x")
	tbl.Register(idA, "node-x", "node-b")
	tbl.Register(idB, "node-x", "node-c")

	n := tbl.CancelForTarget("node-b")
	assert.Equal(t, 1, n)

	_, errA := tbl.Await(context.Background(), idA, time.Second)
	assert.ErrorIs(t, errA, errs.ErrTargetUnreachable)

	done := make(chan struct{})
	go func() {
		tbl.Resolve(idB, []byte(`"ok"`), nil)
		close(done)
	}()
	<-done
}

func TestCancelAllResolvesEveryPendingCall(t *testing.T) {
	tbl := New()
	id1 := tbl.NewRequestID("n")
	id2 := tbl.NewRequestID("n")
	tbl.Register(id1, "n", "p1")
	tbl.Register(id2, "n", "p2")

	n := tbl.CancelAll(errs.ErrServerShuttingDown)
	assert.Equal(t, 2, n)

	_, err1 := tbl.Await(context.Background(), id1, time.Second)
	_, err2 := tbl.Await(context.Background(), id2, time.Second)
	assert.ErrorIs(t, err1, errs.ErrServerShuttingDown)
	assert.ErrorIs(t, err2, errs.ErrServerShuttingDown)
}
