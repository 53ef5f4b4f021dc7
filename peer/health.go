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

package peer

import (
	"context"
	"time"

	"github.com/sage-x-project/meshcore/internal/metrics"
	"github.com/sage-x-project/meshcore/peertable"
	"github.com/sage-x-project/meshcore/wire"
)

// pingLoop actively probes every Connected or Degraded neighbor every
// pingInterval, demoting on a missed pong and closing the transport on
// a second consecutive miss (§4.7). peertable has no Failed state, so
// a neighbor that fails a probe while already Degraded is torn down
// directly; onClose then carries it to Disconnected exactly as it
// would for a dropped socket.
func (c *Controller) pingLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.pingOnce(ctx)
		}
	}
}

func (c *Controller) pingOnce(ctx context.Context) {
	for _, p := range c.peers.All() {
		st := p.State()
		if st != peertable.StateConnected && st != peertable.StateDegraded {
			continue
		}
		conn, ok := p.ActiveTransport()
		if !ok {
			continue
		}
		c.wg.Add(1)
		go c.pingPeer(ctx, p, conn)
	}
}

func (c *Controller) pingPeer(ctx context.Context, p *peertable.Peer, conn peertable.Transport) {
	defer c.wg.Done()

	reqID := c.calls.NewRequestID(c.selfID)
	c.calls.Register(reqID, c.selfID, p.PeerID)
	req, err := wire.NewRequest(reqID, wire.MethodPing, nil)
	if err != nil {
		return
	}
	if err := conn.Send(req); err != nil {
		metrics.HealthPingsTotal.WithLabelValues("timeout").Inc()
		c.demoteOrClose(p, conn)
		return
	}

	if _, err := c.calls.Await(ctx, reqID, c.pingDeadline); err != nil {
		metrics.HealthPingsTotal.WithLabelValues("timeout").Inc()
		c.demoteOrClose(p, conn)
		return
	}

	metrics.HealthPingsTotal.WithLabelValues("ok").Inc()
	p.Touch()
	if p.State() == peertable.StateDegraded {
		p.SetState(peertable.StateConnected)
	}
}

// demoteOrClose applies the single-retry failure policy: Connected ->
// Degraded on the first miss, and the transport is force-closed on a
// miss observed while already Degraded.
func (c *Controller) demoteOrClose(p *peertable.Peer, conn peertable.Transport) {
	if p.State() == peertable.StateConnected {
		p.SetState(peertable.StateDegraded)
		return
	}
	conn.Close()
}
