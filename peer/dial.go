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
	"encoding/json"
	"fmt"
	"time"

	"github.com/sage-x-project/meshcore/internal/logger"
	"github.com/sage-x-project/meshcore/internal/metrics"
	"github.com/sage-x-project/meshcore/peertable"
	"github.com/sage-x-project/meshcore/transport"
	"github.com/sage-x-project/meshcore/wire"
)

// unmarshalResult decodes a correlator result payload into v.
func unmarshalResult(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("peer: empty result payload")
	}
	return json.Unmarshal(raw, v)
}

// dialHubLoop dials hubURL with backoff, re-registering via
// node/register every time the connection drops, until ctx is done.
func (c *Controller) dialHubLoop(ctx context.Context, hubURL string) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		conn, err := c.dialer.DialWithBackoff(ctx, hubURL, c.dispatch)
		if err != nil {
			return // ctx cancelled mid-backoff
		}
		// The read loop must run while registerWithHub awaits node/accepted.
		go conn.Serve()
		if err := c.registerWithHub(ctx, conn); err != nil {
			c.log.Warn("node/register with hub failed", logger.Error(err))
			conn.Close()
			continue
		}

		c.hubMu.Lock()
		c.hubConn = conn
		c.hubAccepted = true
		c.hubMu.Unlock()
		c.log.Info("connected to hub", logger.String("hub_url", hubURL))

		<-conn.Done()

		c.hubMu.Lock()
		c.hubConn = nil
		c.hubAccepted = false
		c.hubMu.Unlock()
		c.log.Warn("lost connection to hub, reconnecting", logger.String("hub_url", hubURL))
	}
}

// registerWithHub sends node/register over conn and awaits node/accepted.
func (c *Controller) registerWithHub(ctx context.Context, conn *transport.Conn) error {
	reqID := c.calls.NewRequestID(c.selfID)
	c.calls.Register(reqID, c.selfID, "hub")
	req, err := wire.NewRequest(reqID, wire.MethodNodeRegister, wire.RegisterParams{
		NodeID:       c.selfID,
		Token:        c.selfToken,
		Tools:        c.ownTools,
		Capabilities: c.ownCapabilities,
		Address:      c.selfAddr,
	})
	if err != nil {
		return err
	}
	if err := conn.Send(req); err != nil {
		return err
	}
	if _, err := c.calls.Await(ctx, reqID, c.dialTimeout); err != nil {
		return fmt.Errorf("peer: node/register: %w", err)
	}
	return nil
}

// dialBootstrapLoop dials a peer bootstrap address with backoff,
// performing a peer/handshake each time the connection drops.
func (c *Controller) dialBootstrapLoop(ctx context.Context, address string) {
	defer c.wg.Done()
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}
		conn, err := c.ConnectPeer(ctx, address)
		if err != nil {
			metrics.ReconnectAttempts.Inc()
			attempt++
		} else {
			attempt = 0
			// Block until this link drops before attempting to redial.
			select {
			case <-conn.Done():
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			}
		}
		delay := transport.BackoffSchedule(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-c.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// ConnectPeer dials address, performs a mutually-authenticating
// peer/handshake, and registers the remote side as a Connected
// neighbor on success. ConnectPeer starts serveOutbound for the Conn in
// a background goroutine before sending the handshake.
func (c *Controller) ConnectPeer(ctx context.Context, address string) (*transport.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	conn, err := c.dialer.Dial(dialCtx, address, c.dispatch)
	if err != nil {
		return nil, err
	}

	reqID := c.calls.NewRequestID(c.selfID)
	c.calls.Register(reqID, c.selfID, "")
	req, err := wire.NewRequest(reqID, wire.MethodPeerHandshake, wire.HandshakeParams{
		NodeID:       c.selfID,
		Token:        c.selfToken,
		Address:      c.selfAddr,
		Tools:        c.ownTools,
		Capabilities: c.ownCapabilities,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.serveOutbound(conn)
	}()
	if err := conn.Send(req); err != nil {
		conn.Close()
		return nil, err
	}

	raw, err := c.calls.Await(ctx, reqID, c.dialTimeout)
	if err != nil {
		metrics.HandshakesAttempted.WithLabelValues("unreachable").Inc()
		conn.Close()
		return nil, fmt.Errorf("peer: handshake: %w", err)
	}

	var remote wire.HandshakeParams
	if err := unmarshalResult(raw, &remote); err != nil {
		conn.Close()
		return nil, err
	}
	if err := c.vault.VerifyIP(remote.NodeID, remote.Token, ""); err != nil {
		metrics.HandshakesAttempted.WithLabelValues("unauthorized").Inc()
		conn.Close()
		return nil, fmt.Errorf("peer: remote handshake rejected: %w", err)
	}

	p := c.peers.GetOrCreate(remote.NodeID)
	if old, ok := p.ActiveTransport(); ok && old != conn {
		old.Close() // I6
		c.calls.CancelForTarget(remote.NodeID)
	}
	p.SetMeta(remote.Address, "")
	p.SetAdvertised(remote.Tools, remote.Capabilities)
	conn.SetPeerID(remote.NodeID)
	p.SetTransport(false, conn)
	if err := p.SetState(peertable.StateConnected); err != nil {
		c.peers.Delete(remote.NodeID)
		p = c.peers.GetOrCreate(remote.NodeID)
		p.SetMeta(remote.Address, "")
		p.SetAdvertised(remote.Tools, remote.Capabilities)
		conn.SetPeerID(remote.NodeID)
		p.SetTransport(false, conn)
		p.SetState(peertable.StateConnected)
	}
	p.Touch()
	c.tools.Register(remote.NodeID, remote.Tools)
	metrics.HandshakesAttempted.WithLabelValues("accepted").Inc()
	metrics.PeersByState.WithLabelValues(string(peertable.StateConnected)).Inc()
	c.log.Info("dialed neighbor", logger.String("peer_id", remote.NodeID), logger.String("address", address))
	return conn, nil
}
