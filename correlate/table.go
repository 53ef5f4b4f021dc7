// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

// Package correlate implements the pending-call table: a one-shot
// rendezvous per outbound request id, generalized from the single
// transport's pendingResponses map into a controller-wide correlator.
package correlate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sage-x-project/meshcore/errs"
	"github.com/sage-x-project/meshcore/wire"
)

// Result is the terminal outcome of a pending call.
type Result struct {
	Value json.RawMessage
	Err   error
}

// DefaultDeadline is the default tools/call timeout (120s).
const DefaultDeadline = 120 * time.Second

type waiter struct {
	ch         chan Result
	targetID   string
	originID   string
	resolved   atomic.Bool
}

// Table correlates outbound request ids to one-shot waiters.
type Table struct {
	mu      sync.Mutex
	pending map[string]*waiter
	counter uint64
}

// New creates an empty pending-call table.
func New() *Table {
	return &Table{pending: make(map[string]*waiter)}
}

// NewRequestID reserves a fresh, monotonically increasing request id.
func (t *Table) NewRequestID(originPeerID string) string {
	n := atomic.AddUint64(&t.counter, 1)
	return fmt.Sprintf("%s-%d", originPeerID, n)
}

// Register installs a waiter for requestID, associated with the given
// origin and target peer ids (used for TargetUnreachable cancellation).
func (t *Table) Register(requestID, originPeerID, targetPeerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[requestID] = &waiter{
		ch:       make(chan Result, 1),
		originID: originPeerID,
		targetID: targetPeerID,
	}
}

// Await blocks until requestID resolves, the deadline elapses, or ctx is
// cancelled, removing the entry from the table in every case (I2).
func (t *Table) Await(ctx context.Context, requestID string, deadline time.Duration) (json.RawMessage, error) {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	t.mu.Lock()
	w, ok := t.pending[requestID]
	t.mu.Unlock()
	if !ok {
		return nil, errs.ErrTimeout
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case res := <-w.ch:
		t.remove(requestID)
		return res.Value, res.Err
	case <-timer.C:
		t.remove(requestID)
		return nil, errs.ErrTimeout
	case <-ctx.Done():
		t.remove(requestID)
		return nil, errs.ErrCancelled
	}
}

// Resolve completes a pending call with a response envelope's result or
// error. Spurious ids (no matching waiter) are reported via ok=false so
// the caller can log-and-drop rather than throw.
func (t *Table) Resolve(requestID string, result json.RawMessage, rpcErr *wire.Error) bool {
	t.mu.Lock()
	w, ok := t.pending[requestID]
	t.mu.Unlock()
	if !ok {
		return false
	}
	var err error
	if rpcErr != nil {
		err = fmt.Errorf("%s", rpcErr.Message)
	}
	return w.complete(Result{Value: result, Err: err})
}

// CancelForTarget resolves every outstanding call whose target peer id
// matches targetPeerID with TargetUnreachable — used when that peer's
// last transport dies mid-call.
func (t *Table) CancelForTarget(targetPeerID string) int {
	t.mu.Lock()
	var matched []*waiter
	for _, w := range t.pending {
		if w.targetID == targetPeerID {
			matched = append(matched, w)
		}
	}
	t.mu.Unlock()

	n := 0
	for _, w := range matched {
		if w.complete(Result{Err: errs.ErrTargetUnreachable}) {
			n++
		}
	}
	return n
}

// CancelAll resolves every outstanding call with err — used on shutdown.
func (t *Table) CancelAll(err error) int {
	t.mu.Lock()
	all := make([]*waiter, 0, len(t.pending))
	for _, w := range t.pending {
		all = append(all, w)
	}
	t.mu.Unlock()

	n := 0
	for _, w := range all {
		if w.complete(Result{Err: err}) {
			n++
		}
	}
	return n
}

// Cancel drops requestID's waiter without resolving it, for a caller
// that registered an id but the send it was waiting on never went out
// (so nothing will ever write to the table through the normal
// Resolve/CancelForTarget/CancelAll paths). A no-op if already removed.
func (t *Table) Cancel(requestID string) {
	t.remove(requestID)
}

// Len returns the number of outstanding pending calls.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Table) remove(requestID string) {
	t.mu.Lock()
	delete(t.pending, requestID)
	t.mu.Unlock()
}

// complete delivers res exactly once; subsequent calls are no-ops so a
// response racing a timeout never double-resolves the waiter (I2).
func (w *waiter) complete(res Result) bool {
	if !w.resolved.CompareAndSwap(false, true) {
		return false
	}
	w.ch <- res
	return true
}
