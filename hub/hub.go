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

// Package hub implements the Hub Controller: it accepts peer
// connections, registers them in the Peer Table, maintains the Tool
// Index, routes tools/call requests to a selected provider, and runs
// the heartbeat-driven failure detector that demotes/promotes peers
// and excludes Offline ones from selection (I1).
package hub

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sage-x-project/meshcore/config"
	"github.com/sage-x-project/meshcore/correlate"
	"github.com/sage-x-project/meshcore/errs"
	"github.com/sage-x-project/meshcore/index"
	"github.com/sage-x-project/meshcore/internal/logger"
	"github.com/sage-x-project/meshcore/internal/metrics"
	"github.com/sage-x-project/meshcore/internal/version"
	"github.com/sage-x-project/meshcore/peertable"
	"github.com/sage-x-project/meshcore/transport"
	"github.com/sage-x-project/meshcore/vault"
	"github.com/sage-x-project/meshcore/wire"
)

// Controller is the Hub: the distinguished peer that accepts
// registrations and performs central tool-call routing.
type Controller struct {
	cfg   *config.Config
	log   logger.Logger
	vault *vault.Vault

	peers *peertable.Table
	tools *index.Index
	calls *correlate.Table

	collector *metrics.Collector
	startedAt time.Time

	heartbeatInterval time.Duration
	degradedAfter     time.Duration
	offlineAfter      time.Duration
	callTimeout       time.Duration
	disconnectGrace   time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Hub Controller wired against v. cfg's Mesh section
// supplies heartbeat/timeout tuning; a nil cfg.Mesh falls back to the
// spec's defaults.
func New(cfg *config.Config, v *vault.Vault, log logger.Logger) *Controller {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	c := &Controller{
		cfg:               cfg,
		log:               log,
		vault:             v,
		peers:             peertable.NewTable(),
		tools:             index.New(),
		calls:             correlate.New(),
		collector:         metrics.NewCollector(),
		startedAt:         time.Now(),
		heartbeatInterval: 15 * time.Second,
		degradedAfter:     60 * time.Second,
		offlineAfter:      90 * time.Second,
		callTimeout:       correlate.DefaultDeadline,
		disconnectGrace:   10 * time.Second,
		stopCh:            make(chan struct{}),
	}
	if cfg != nil && cfg.Mesh != nil {
		if cfg.Mesh.HeartbeatInterval > 0 {
			c.heartbeatInterval = cfg.Mesh.HeartbeatInterval
		}
		if cfg.Mesh.DegradedAfter > 0 {
			c.degradedAfter = cfg.Mesh.DegradedAfter
		}
		if cfg.Mesh.OfflineAfter > 0 {
			c.offlineAfter = cfg.Mesh.OfflineAfter
		}
		if cfg.Mesh.CallTimeout > 0 {
			c.callTimeout = cfg.Mesh.CallTimeout
		}
	}
	return c
}

// Server builds the transport.Server that should be mounted at the
// hub's WebSocket listen path.
func (c *Controller) Server() *transport.Server {
	return transport.NewServer(c.onAccept, c.onClose, c.dispatch)
}

// Run starts the heartbeat reaper and blocks until ctx is cancelled,
// then shuts down cleanly.
func (c *Controller) Run(ctx context.Context) {
	c.wg.Add(1)
	go c.reapLoop(ctx)
	<-ctx.Done()
	c.Shutdown(context.Background())
}

// Shutdown cancels every pending call and stops background loops.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	n := c.calls.CancelAll(errs.ErrServerShuttingDown)
	c.log.Info("hub shutting down", logger.Int("pending_calls_cancelled", n))
	c.wg.Wait()
	return nil
}

func (c *Controller) onAccept(conn *transport.Conn) {
	c.log.Debug("connection accepted", logger.String("remote_addr", conn.RemoteAddr()))
}

func (c *Controller) onClose(conn *transport.Conn) {
	peerID := conn.PeerID()
	if peerID == "" {
		return
	}
	peer, ok := c.peers.Get(peerID)
	if !ok {
		return
	}
	if empty := peer.ClearTransport(conn); !empty {
		return // the other transport slot is still live (§4.7)
	}
	peer.SetState(peertable.StateDisconnected)
	c.tools.Remove(peerID)
	n := c.calls.CancelForTarget(peerID)
	c.log.Info("peer disconnected",
		logger.String("peer_id", peerID),
		logger.Int("calls_cancelled", n),
	)
	metrics.PeersByState.WithLabelValues(string(peertable.StateDisconnected)).Inc()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		timer := time.NewTimer(c.disconnectGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-c.stopCh:
		}
		if p2, ok := c.peers.Get(peerID); ok && p2.State() == peertable.StateDisconnected {
			c.peers.Delete(peerID)
		}
	}()
}

func (c *Controller) dispatch(conn *transport.Conn, msg *wire.Message) {
	if msg.IsResponse() {
		if !c.calls.Resolve(msg.ID, msg.Result, msg.Error) {
			c.log.Debug("dropped response with no matching pending call", logger.String("id", msg.ID))
		}
		return
	}

	if msg.Method != wire.MethodNodeRegister && conn.PeerID() == "" {
		c.replyError(conn, msg.ID, wire.CodeNotRegistered, "register before sending other messages")
		conn.Close()
		return
	}

	switch msg.Method {
	case wire.MethodNodeRegister:
		c.handleRegister(conn, msg)
	case wire.MethodPing:
		c.handlePing(conn, msg)
	case wire.MethodToolsList:
		c.handleToolsList(conn, msg)
	case wire.MethodToolsCall:
		c.handleToolsCall(conn, msg)
	case wire.MethodMeshNodes:
		c.handleMeshNodes(conn, msg)
	case wire.MethodMeshTools:
		c.handleMeshTools(conn, msg)
	case wire.MethodMeshStats:
		c.handleMeshStats(conn, msg)
	case wire.MethodMeshBroadcast:
		c.handleBroadcast(conn, msg)
	default:
		c.replyError(conn, msg.ID, wire.CodeMalformedEnvelope, fmt.Sprintf("unrecognized method %q", msg.Method))
	}
}

func (c *Controller) handleRegister(conn *transport.Conn, msg *wire.Message) {
	var p wire.RegisterParams
	if err := msg.DecodeParams(&p); err != nil {
		c.replyError(conn, msg.ID, wire.CodeMalformedEnvelope, "malformed register params")
		return
	}

	if err := c.vault.VerifyIP(p.NodeID, p.Token, clientIP(conn)); err != nil {
		metrics.NodesRegistered.WithLabelValues("unauthorized").Inc()
		c.replyError(conn, msg.ID, wire.CodeUnauthorized, "unauthorized")
		conn.Close()
		return
	}

	peer := c.peers.GetOrCreate(p.NodeID)
	if old, ok := peer.ActiveTransport(); ok && old != conn {
		old.Close() // I6: force-close the stale transport before installing the new one
		c.calls.CancelForTarget(p.NodeID)
	}

	peer.SetMeta(p.Address, p.Hostname)
	peer.SetAdvertised(p.Tools, p.Capabilities)
	conn.SetPeerID(p.NodeID)
	peer.SetTransport(true, conn)
	if err := peer.SetState(peertable.StateConnected); err != nil {
		// The prior incarnation reached the terminal Disconnected state
		// before this register arrived; start the peer fresh.
		c.peers.Delete(p.NodeID)
		peer = c.peers.GetOrCreate(p.NodeID)
		peer.SetMeta(p.Address, p.Hostname)
		peer.SetAdvertised(p.Tools, p.Capabilities)
		conn.SetPeerID(p.NodeID)
		peer.SetTransport(true, conn)
		peer.SetState(peertable.StateConnected)
	}
	peer.Touch()
	c.tools.Register(p.NodeID, p.Tools) // additive on initial registration (spec §9)

	metrics.NodesRegistered.WithLabelValues("accepted").Inc()
	metrics.PeersByState.WithLabelValues(string(peertable.StateConnected)).Inc()
	c.log.Info("node registered", logger.String("node_id", p.NodeID), logger.String("address", p.Address))

	result := wire.AcceptedResult{
		SessionID:      uuid.NewString(),
		NodeID:         p.NodeID,
		HubVersion:     version.Short(),
		ConnectedPeers: c.peers.CountByState(peertable.StateConnected),
		KnownTools:     c.tools.Len(),
	}
	resp, err := wire.NewResult(msg.ID, result)
	if err != nil {
		return
	}
	conn.Send(resp)
}

func (c *Controller) handlePing(conn *transport.Conn, msg *wire.Message) {
	peer, ok := c.peers.Get(conn.PeerID())
	if ok {
		peer.Touch()
		if st := peer.State(); st == peertable.StateDegraded || st == peertable.StateOffline {
			wasOffline := st == peertable.StateOffline
			if err := peer.SetState(peertable.StateConnected); err == nil && wasOffline {
				c.tools.Register(peer.PeerID, peer.GetTools()) // re-admit to selection (I1)
			}
		}
	}

	if msg.IsRequest() {
		pong, _ := wire.NewResult(msg.ID, map[string]any{"pong": true})
		conn.Send(pong)
		return
	}
	note, _ := wire.NewNotification(wire.MethodPong, nil)
	conn.Send(note)
}

func (c *Controller) handleToolsList(conn *transport.Conn, msg *wire.Message) {
	var p wire.ToolsListParams
	if err := msg.DecodeParams(&p); err != nil {
		return
	}
	peer, ok := c.peers.Get(conn.PeerID())
	if !ok {
		return
	}
	peer.ReplaceTools(p.Tools)
	c.tools.ReplaceAll(conn.PeerID(), p.Tools) // full replacement semantics (spec §9)
}

func (c *Controller) handleMeshNodes(conn *transport.Conn, msg *wire.Message) {
	resp, err := wire.NewResult(msg.ID, wire.NodesResult{Nodes: c.ListNodes()})
	if err != nil {
		return
	}
	conn.Send(resp)
}

// ListNodes returns a point-in-time snapshot of every known peer.
func (c *Controller) ListNodes() []wire.NodeSnapshot {
	peers := c.peers.All()
	out := make([]wire.NodeSnapshot, 0, len(peers))
	for _, p := range peers {
		snap := p.Snapshot()
		out = append(out, wire.NodeSnapshot{
			PeerID:       snap.PeerID,
			Address:      snap.Address,
			State:        string(snap.State),
			Tools:        snap.Tools,
			RequestCount: snap.RequestCount,
			LatencyMs:    snap.LatencyMs,
			ConnectedAt:  snap.ConnectedAt.Unix(),
		})
	}
	return out
}

func (c *Controller) handleMeshTools(conn *transport.Conn, msg *wire.Message) {
	resp, err := wire.NewResult(msg.ID, wire.ToolsResult{Tools: c.tools.Snapshot()})
	if err != nil {
		return
	}
	conn.Send(resp)
}

func (c *Controller) handleMeshStats(conn *transport.Conn, msg *wire.Message) {
	resp, err := wire.NewResult(msg.ID, c.Stats())
	if err != nil {
		return
	}
	conn.Send(resp)
}

// Stats returns the hub's current mesh/stats snapshot.
func (c *Controller) Stats() wire.StatsResult {
	snap := c.collector.Snapshot()
	return wire.StatsResult{
		ConnectedPeers: c.peers.CountByState(peertable.StateConnected),
		DegradedPeers:  c.peers.CountByState(peertable.StateDegraded),
		OfflinePeers:   c.peers.CountByState(peertable.StateOffline),
		KnownTools:     c.tools.Len(),
		PendingCalls:   c.calls.Len(),
		CallsRouted:    snap.CallsRouted,
		CallsFailed:    snap.CallsFailed,
		UptimeSeconds:  int64(time.Since(c.startedAt).Seconds()),
	}
}

// HealthSnapshot reports the data backing the /health contract (§6):
// status is "ok" if at least one peer is Connected, else "degraded".
func (c *Controller) HealthSnapshot() (status string, connectedPeers, knownTools int, uptime time.Duration) {
	connected := c.peers.CountByState(peertable.StateConnected)
	status = "degraded"
	if connected > 0 {
		status = "ok"
	}
	return status, connected, c.tools.Len(), time.Since(c.startedAt)
}

func (c *Controller) handleBroadcast(conn *transport.Conn, msg *wire.Message) {
	var p wire.BroadcastParams
	if err := msg.DecodeParams(&p); err != nil {
		c.replyError(conn, msg.ID, wire.CodeMalformedEnvelope, "malformed broadcast params")
		return
	}
	origin := conn.PeerID()
	attempted := c.fanout(origin, nil, p.Payload)
	metrics.BroadcastFanout.Observe(float64(attempted))
	c.collector.RecordBroadcast()

	resp, err := wire.NewResult(msg.ID, wire.BroadcastResult{Attempted: attempted})
	if err != nil {
		return
	}
	conn.Send(resp)
}

// fanout best-effort delivers payload as a mesh/broadcast notification
// to every Connected/Degraded peer except origin, optionally restricted
// to targets (nil means "every peer").
func (c *Controller) fanout(origin string, targets []string, payload any) int {
	var restrict map[string]bool
	if targets != nil {
		restrict = make(map[string]bool, len(targets))
		for _, t := range targets {
			restrict[t] = true
		}
	}

	note, err := wire.NewNotification(wire.MethodMeshBroadcast, payload)
	if err != nil {
		return 0
	}

	attempted := 0
	for _, peer := range c.peers.All() {
		if peer.PeerID == origin {
			continue
		}
		if restrict != nil && !restrict[peer.PeerID] {
			continue
		}
		st := peer.State()
		if st != peertable.StateConnected && st != peertable.StateDegraded {
			continue
		}
		pc, ok := peer.ActiveTransport()
		if !ok {
			continue
		}
		pc.Send(note) // best-effort, non-blocking: back-pressure drop policy lives in transport.Conn.Send
		attempted++
	}
	return attempted
}

// Multicast restricts a broadcast-shaped payload to the listed targets.
func (c *Controller) Multicast(origin string, targets []string, payload any) int {
	return c.fanout(origin, targets, payload)
}

func (c *Controller) replyError(conn *transport.Conn, id string, code int, msg string) {
	if id == "" {
		return
	}
	conn.Send(wire.NewError(id, code, msg))
}

func codeForErr(err error) (int, string) {
	switch {
	case err == nil:
		return 0, ""
	case isErr(err, errs.ErrNoProvider):
		return wire.CodeNoProvider, err.Error()
	case isErr(err, errs.ErrNoSuchTarget):
		return wire.CodeNoSuchTarget, err.Error()
	case isErr(err, errs.ErrTargetUnreachable):
		return wire.CodeTargetUnreachable, err.Error()
	case isErr(err, errs.ErrTimeout):
		return wire.CodeTimeout, err.Error()
	case isErr(err, errs.ErrCancelled), isErr(err, errs.ErrServerShuttingDown):
		return wire.CodeCancelled, err.Error()
	default:
		return wire.CodeInternal, err.Error()
	}
}

func isErr(err, target error) bool {
	return err == target || (err != nil && err.Error() == target.Error())
}

// clientIP extracts the bare IP (no port) from a transport's remote address.
func clientIP(conn *transport.Conn) string {
	addr := conn.RemoteAddr()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
