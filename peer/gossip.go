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

	"github.com/sage-x-project/meshcore/internal/logger"
	"github.com/sage-x-project/meshcore/internal/metrics"
	"github.com/sage-x-project/meshcore/peertable"
	"github.com/sage-x-project/meshcore/transport"
	"github.com/sage-x-project/meshcore/wire"
)

// gossipLoop sends every Connected neighbor a peer/gossip summary of
// every other Connected neighbor, every gossipInterval (§4.6).
func (c *Controller) gossipLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.gossipInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.gossipOnce()
		}
	}
}

func (c *Controller) gossipOnce() {
	connected := c.peers.All()
	records := make([]wire.GossipRecord, 0, len(connected))
	for _, p := range connected {
		if p.State() != peertable.StateConnected {
			continue
		}
		records = append(records, wire.GossipRecord{
			PeerID:   p.PeerID,
			Address:  p.Address,
			Tools:    p.GetTools(),
			LastSeen: p.LastSeen().Unix(),
		})
	}

	for _, p := range connected {
		if p.State() != peertable.StateConnected {
			continue
		}
		t, ok := p.ActiveTransport()
		if !ok {
			continue
		}
		forP := make([]wire.GossipRecord, 0, len(records))
		for _, r := range records {
			if r.PeerID != p.PeerID {
				forP = append(forP, r)
			}
		}
		note, err := wire.NewNotification(wire.MethodPeerGossip, wire.GossipParams{Records: forP})
		if err != nil {
			continue
		}
		t.Send(note)
	}
	metrics.GossipRoundsTotal.Inc()
	c.collector.RecordGossipRound()
}

// handleGossip merges an inbound peer/gossip round into the known-peer
// table (idempotent: duplicate records are no-ops, last_seen takes the
// max — §8) and opportunistically dials any newly learned peer we are
// not currently connected to.
func (c *Controller) handleGossip(conn *transport.Conn, msg *wire.Message) {
	var p wire.GossipParams
	if err := msg.DecodeParams(&p); err != nil {
		return
	}

	var toDial []knownPeer
	c.knownMu.Lock()
	for _, r := range p.Records {
		if r.PeerID == "" || r.PeerID == c.selfID {
			continue
		}
		existing, ok := c.known[r.PeerID]
		if !ok {
			c.known[r.PeerID] = &knownPeer{PeerID: r.PeerID, Address: r.Address, Tools: r.Tools, LastSeen: r.LastSeen}
		} else {
			if r.LastSeen > existing.LastSeen {
				existing.LastSeen = r.LastSeen
			}
			if r.Address != "" {
				existing.Address = r.Address
			}
			existing.Tools = r.Tools
		}
		if r.Address != "" {
			if pr, connected := c.peers.Get(r.PeerID); !connected || pr.State() != peertable.StateConnected {
				toDial = append(toDial, knownPeer{PeerID: r.PeerID, Address: r.Address})
			}
		}
	}
	c.knownMu.Unlock()

	for _, kp := range toDial {
		c.maybeDialKnown(kp)
	}
}

// maybeDialKnown attempts a single, de-duplicated outbound dial to a
// gossip-learned peer. Failures are logged and dropped; the next
// gossip round will retry if the peer is still unreachable.
func (c *Controller) maybeDialKnown(kp knownPeer) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		// singleflight collapses concurrent gossip rounds that both
		// learn about kp.PeerID into a single in-flight dial.
		_, err, _ := c.dialSF.Do(kp.PeerID, func() (any, error) {
			if pr, ok := c.peers.Get(kp.PeerID); ok && pr.State() == peertable.StateConnected {
				return nil, nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), c.dialTimeout)
			defer cancel()
			_, dialErr := c.ConnectPeer(ctx, kp.Address)
			return nil, dialErr
		})
		if err != nil {
			c.log.Debug("gossip dial-out failed",
				logger.String("peer_id", kp.PeerID),
				logger.String("address", kp.Address),
				logger.Error(err),
			)
		}
	}()
}
