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

package hub

import (
	"context"
	"time"

	"github.com/sage-x-project/meshcore/internal/logger"
	"github.com/sage-x-project/meshcore/internal/metrics"
	"github.com/sage-x-project/meshcore/peertable"
)

// reapLoop drives the heartbeat-based failure detector (§4.5): peers
// silent past degradedAfter demote to Degraded, past offlineAfter to
// Offline (and are excluded from Tool Index selection per I1).
func (c *Controller) reapLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.reapOnce()
		}
	}
}

func (c *Controller) reapOnce() {
	now := time.Now()
	for _, p := range c.peers.All() {
		state := p.State()
		if state != peertable.StateConnected && state != peertable.StateDegraded {
			continue
		}
		idle := now.Sub(p.LastSeen())

		switch {
		case idle > c.offlineAfter:
			if state == peertable.StateConnected {
				p.SetState(peertable.StateDegraded)
			}
			if err := p.SetState(peertable.StateOffline); err == nil {
				c.tools.Remove(p.PeerID)
				metrics.HeartbeatReapsTotal.WithLabelValues("offline").Inc()
				c.log.Info("peer demoted to offline", logger.String("peer_id", p.PeerID))
			}
		case idle > c.degradedAfter:
			if state == peertable.StateConnected {
				p.SetState(peertable.StateDegraded)
				metrics.HeartbeatReapsTotal.WithLabelValues("degraded").Inc()
				c.log.Debug("peer demoted to degraded", logger.String("peer_id", p.PeerID))
			}
		}
	}
}
