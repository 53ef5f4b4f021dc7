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
	"github.com/sage-x-project/meshcore/internal/metrics"
	"github.com/sage-x-project/meshcore/peertable"
	"github.com/sage-x-project/meshcore/transport"
	"github.com/sage-x-project/meshcore/wire"
)

// handleBroadcast relays a mesh/broadcast to every Connected/Degraded
// neighbor except the one it arrived from and the original sender,
// decrementing TTL each hop to bound propagation (§4.7). A locally
// initiated broadcast (TTL omitted) starts at this node's configured
// broadcastTTL.
func (c *Controller) handleBroadcast(conn *transport.Conn, msg *wire.Message) {
	var p wire.BroadcastParams
	if err := msg.DecodeParams(&p); err != nil {
		if msg.IsRequest() {
			c.replyError(conn, msg.ID, wire.CodeMalformedEnvelope, "malformed broadcast params")
		}
		return
	}

	origin := p.Origin
	if origin == "" {
		origin = conn.PeerID()
	}
	ttl := p.TTL
	if ttl <= 0 {
		ttl = c.broadcastTTL
	}

	attempted := 0
	if ttl > 1 {
		attempted = c.relayBroadcast(conn.PeerID(), origin, ttl-1, p.Payload)
	}
	c.collector.RecordBroadcast()
	metrics.BroadcastFanout.Observe(float64(attempted))

	if msg.IsRequest() {
		resp, err := wire.NewResult(msg.ID, wire.BroadcastResult{Attempted: attempted})
		if err != nil {
			return
		}
		conn.Send(resp)
	}
}

// relayBroadcast best-effort forwards payload as a mesh/broadcast
// notification to every Connected/Degraded neighbor except fromPeerID
// (where it arrived from) and origin (the original sender, so it never
// loops straight back).
func (c *Controller) relayBroadcast(fromPeerID, origin string, ttl int, payload any) int {
	note, err := wire.NewNotification(wire.MethodMeshBroadcast, wire.BroadcastParams{
		Payload: payload,
		TTL:     ttl,
		Origin:  origin,
	})
	if err != nil {
		return 0
	}

	attempted := 0
	for _, p := range c.peers.All() {
		if p.PeerID == fromPeerID || p.PeerID == origin {
			continue
		}
		st := p.State()
		if st != peertable.StateConnected && st != peertable.StateDegraded {
			continue
		}
		t, ok := p.ActiveTransport()
		if !ok {
			continue
		}
		t.Send(note) // best-effort, non-blocking: back-pressure drop policy lives in transport.Conn.Send
		attempted++
	}
	return attempted
}
