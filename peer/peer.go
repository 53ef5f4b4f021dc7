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

// Package peer implements the Peer Controller: a mesh node that is
// simultaneously a server (accepting direct peer dials and optional
// node registrations) and a client (dialing a hub and/or bootstrap
// peers), running gossip discovery, health-ping failure detection, and
// direct-neighbor multi-hop tool-call forwarding on top of the same
// peertable/index/correlate building blocks the Hub Controller uses.
package peer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

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

// ToolExecutor invokes a tool this node hosts locally. The mesh core
// treats the executor as an opaque callable supplied by the host
// application; meshcore itself never interprets tool arguments.
type ToolExecutor interface {
	Invoke(ctx context.Context, name string, args map[string]any) (any, error)
}

// knownPeer is a gossip-learned peer we are not (yet, or no longer)
// directly connected to.
type knownPeer struct {
	PeerID   string
	Address  string
	Tools    []string
	LastSeen int64
}

// Controller is the Peer: it accepts inbound peer/node dials, dials
// out to a hub and bootstrap peers, gossips membership, health-pings
// its neighbors, and forwards tools/call and mesh/route messages.
type Controller struct {
	cfg      *config.Config
	log      logger.Logger
	vault    *vault.Vault
	executor ToolExecutor

	selfID       string
	selfAddr     string
	selfToken    string
	ownTools     []string
	ownCapabilities []string

	peers *peertable.Table
	tools *index.Index
	calls *correlate.Table

	knownMu sync.Mutex
	known   map[string]*knownPeer
	dialSF  singleflight.Group // collapses concurrent gossip dial-outs to the same peer id

	dialer *transport.Dialer

	hubMu       sync.Mutex
	hubConn     *transport.Conn
	hubAccepted bool

	collector *metrics.Collector
	startedAt time.Time

	gossipInterval time.Duration
	pingInterval   time.Duration
	pingDeadline   time.Duration
	callTimeout    time.Duration
	dialTimeout    time.Duration
	broadcastTTL   int
	disconnectGrace time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Peer Controller identified as selfID, advertising tools
// and capabilities, authenticating outbound with selfToken (issued out
// of band by the vault's admin surface). executor may be nil if this
// node hosts no tools of its own and exists purely to route.
func New(cfg *config.Config, v *vault.Vault, selfID, selfToken string, tools, capabilities []string, executor ToolExecutor, log logger.Logger) *Controller {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	c := &Controller{
		cfg:             cfg,
		log:             log,
		vault:           v,
		executor:        executor,
		selfID:          selfID,
		selfToken:       selfToken,
		ownTools:        append([]string(nil), tools...),
		ownCapabilities: append([]string(nil), capabilities...),
		peers:           peertable.NewTable(),
		tools:           index.New(),
		calls:           correlate.New(),
		known:           make(map[string]*knownPeer),
		dialer:          transport.NewDialer(10 * time.Second),
		collector:       metrics.NewCollector(),
		startedAt:       time.Now(),
		gossipInterval:  30 * time.Second,
		pingInterval:    15 * time.Second,
		pingDeadline:    5 * time.Second,
		callTimeout:     correlate.DefaultDeadline,
		dialTimeout:     10 * time.Second,
		broadcastTTL:    3,
		disconnectGrace: 10 * time.Second,
		stopCh:          make(chan struct{}),
	}
	if cfg != nil {
		if cfg.Node != nil {
			c.selfAddr = cfg.Node.PublicURL
		}
		if cfg.Mesh != nil {
			if cfg.Mesh.GossipInterval > 0 {
				c.gossipInterval = cfg.Mesh.GossipInterval
			}
			if cfg.Mesh.HealthPingInterval > 0 {
				c.pingInterval = cfg.Mesh.HealthPingInterval
			}
			if cfg.Mesh.CallTimeout > 0 {
				c.callTimeout = cfg.Mesh.CallTimeout
			}
			if cfg.Mesh.BroadcastTTL > 0 {
				c.broadcastTTL = cfg.Mesh.BroadcastTTL
			}
		}
		if cfg.Hub != nil && cfg.Hub.DialTimeout > 0 {
			c.dialTimeout = cfg.Hub.DialTimeout
		}
	}
	return c
}

// Server builds the transport.Server that should be mounted at this
// node's own WebSocket listen path, for inbound peer/node dials.
func (c *Controller) Server() *transport.Server {
	return transport.NewServer(c.onAccept, c.onClose, c.dispatch)
}

// Run dials the configured hub and bootstrap peers, starts the gossip
// and health-ping loops, and blocks until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	if c.cfg != nil && c.cfg.Hub != nil {
		if c.cfg.Hub.HubURL != "" {
			c.wg.Add(1)
			go c.dialHubLoop(ctx, c.cfg.Hub.HubURL)
		}
		for _, addr := range c.cfg.Hub.BootstrapAddrs {
			c.wg.Add(1)
			go c.dialBootstrapLoop(ctx, addr)
		}
	}
	c.wg.Add(2)
	go c.gossipLoop(ctx)
	go c.pingLoop(ctx)

	<-ctx.Done()
	c.Shutdown(context.Background())
}

// Shutdown cancels every pending call, stops background loops, and
// closes every live transport (hub and peers).
func (c *Controller) Shutdown(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	n := c.calls.CancelAll(errs.ErrServerShuttingDown)
	c.log.Info("peer shutting down", logger.Int("pending_calls_cancelled", n))

	c.hubMu.Lock()
	if c.hubConn != nil {
		c.hubConn.Close()
	}
	c.hubMu.Unlock()
	for _, p := range c.peers.All() {
		if t, ok := p.ActiveTransport(); ok {
			t.Close()
		}
	}
	c.wg.Wait()
	return nil
}

func (c *Controller) onAccept(conn *transport.Conn) {
	c.log.Debug("peer connection accepted", logger.String("remote_addr", conn.RemoteAddr()))
}

func (c *Controller) onClose(conn *transport.Conn) {
	peerID := conn.PeerID()
	if peerID == "" {
		return
	}
	p, ok := c.peers.Get(peerID)
	if !ok {
		return
	}
	if empty := p.ClearTransport(conn); !empty {
		return // the other transport slot is still live (§4.7)
	}
	p.SetState(peertable.StateDisconnected)
	c.tools.Remove(peerID)
	n := c.calls.CancelForTarget(peerID)
	c.log.Info("neighbor disconnected",
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

// serveOutbound runs conn's read loop to completion then applies the
// same teardown onClose applies to inbound connections; outbound dials
// have no transport.Server to invoke that callback for them.
func (c *Controller) serveOutbound(conn *transport.Conn) {
	conn.Serve()
	c.onClose(conn)
}

func (c *Controller) dispatch(conn *transport.Conn, msg *wire.Message) {
	if msg.IsResponse() {
		if !c.calls.Resolve(msg.ID, msg.Result, msg.Error) {
			c.log.Debug("dropped response with no matching pending call", logger.String("id", msg.ID))
		}
		return
	}

	if conn.PeerID() == "" && msg.Method != wire.MethodPeerHandshake && msg.Method != wire.MethodNodeRegister {
		c.replyError(conn, msg.ID, wire.CodeNotRegistered, "handshake before sending other messages")
		conn.Close()
		return
	}

	switch msg.Method {
	case wire.MethodPeerHandshake:
		c.handleHandshake(conn, msg)
	case wire.MethodNodeRegister:
		c.handleNodeRegister(conn, msg)
	case wire.MethodPing:
		c.handlePing(conn, msg)
	case wire.MethodToolsList:
		c.handleToolsList(conn, msg)
	case wire.MethodToolsCall:
		c.handleToolsCall(conn, msg)
	case wire.MethodPeerGossip:
		c.handleGossip(conn, msg)
	case wire.MethodMeshRoute:
		c.handleRoute(conn, msg)
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

// handleHandshake accepts an inbound peer/handshake: the connecting
// side's identity and token are verified, our own are returned so the
// exchange is mutually authenticating, and the peer is registered
// Connected with its advertised tools merged additively into the index.
func (c *Controller) handleHandshake(conn *transport.Conn, msg *wire.Message) {
	var p wire.HandshakeParams
	if err := msg.DecodeParams(&p); err != nil {
		c.replyError(conn, msg.ID, wire.CodeMalformedEnvelope, "malformed handshake params")
		return
	}

	if err := c.vault.VerifyIP(p.NodeID, p.Token, clientIP(conn)); err != nil {
		metrics.HandshakesAttempted.WithLabelValues("unauthorized").Inc()
		c.replyError(conn, msg.ID, wire.CodeUnauthorized, "unauthorized")
		conn.Close()
		return
	}

	c.admitNeighbor(conn, p.NodeID, p.Address, p.Tools, p.Capabilities, false)

	metrics.HandshakesAttempted.WithLabelValues("accepted").Inc()
	c.log.Info("peer handshake accepted", logger.String("peer_id", p.NodeID))

	resp, err := wire.NewResult(msg.ID, wire.HandshakeParams{
		NodeID:       c.selfID,
		Token:        c.selfToken,
		Address:      c.selfAddr,
		Tools:        c.ownTools,
		Capabilities: c.ownCapabilities,
	})
	if err != nil {
		return
	}
	conn.Send(resp)
}

// handleNodeRegister lets a lighter-weight tool-hosting node register
// directly with this full peer exactly as it would with a hub,
// mirroring hub.Controller.handleRegister's accept contract.
func (c *Controller) handleNodeRegister(conn *transport.Conn, msg *wire.Message) {
	var p wire.RegisterParams
	if err := msg.DecodeParams(&p); err != nil {
		c.replyError(conn, msg.ID, wire.CodeMalformedEnvelope, "malformed register params")
		return
	}
	if err := c.vault.VerifyIP(p.NodeID, p.Token, clientIP(conn)); err != nil {
		metrics.HandshakesAttempted.WithLabelValues("unauthorized").Inc()
		c.replyError(conn, msg.ID, wire.CodeUnauthorized, "unauthorized")
		conn.Close()
		return
	}

	c.admitNeighbor(conn, p.NodeID, p.Address, p.Tools, p.Capabilities, true)
	metrics.HandshakesAttempted.WithLabelValues("accepted").Inc()

	result := wire.AcceptedResult{
		SessionID:  uuid.NewString(),
		NodeID:     p.NodeID,
		HubVersion: version.Short(),
	}
	resp, err := wire.NewResult(msg.ID, result)
	if err != nil {
		return
	}
	conn.Send(resp)
}

// admitNeighbor installs (or re-installs per I6) nodeID as a Connected
// inbound neighbor, merging its advertised tools additively.
func (c *Controller) admitNeighbor(conn *transport.Conn, nodeID, address string, tools, capabilities []string, additive bool) {
	p := c.peers.GetOrCreate(nodeID)
	if old, ok := p.ActiveTransport(); ok && old != conn {
		old.Close() // I6: force-close the stale transport before installing the new one
		c.calls.CancelForTarget(nodeID)
	}
	p.SetMeta(address, "")
	p.SetAdvertised(tools, capabilities)
	conn.SetPeerID(nodeID)
	p.SetTransport(true, conn)
	if err := p.SetState(peertable.StateConnected); err != nil {
		c.peers.Delete(nodeID)
		p = c.peers.GetOrCreate(nodeID)
		p.SetMeta(address, "")
		p.SetAdvertised(tools, capabilities)
		conn.SetPeerID(nodeID)
		p.SetTransport(true, conn)
		p.SetState(peertable.StateConnected)
	}
	p.Touch()
	c.tools.Register(nodeID, tools)
	metrics.PeersByState.WithLabelValues(string(peertable.StateConnected)).Inc()
	_ = additive
}

func (c *Controller) handlePing(conn *transport.Conn, msg *wire.Message) {
	if p, ok := c.peers.Get(conn.PeerID()); ok {
		p.Touch()
		if st := p.State(); st == peertable.StateDegraded || st == peertable.StateOffline {
			p.SetState(peertable.StateConnected)
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

// ListNodes returns a point-in-time snapshot of every directly
// connected neighbor (known peers reachable only via gossip are not
// included; see ListKnownPeers).
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

// ListKnownPeers returns every gossip-learned peer, connected or not.
func (c *Controller) ListKnownPeers() []wire.GossipRecord {
	c.knownMu.Lock()
	defer c.knownMu.Unlock()
	out := make([]wire.GossipRecord, 0, len(c.known))
	for _, k := range c.known {
		out = append(out, wire.GossipRecord{PeerID: k.PeerID, Address: k.Address, Tools: k.Tools, LastSeen: k.LastSeen})
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

// Stats returns this node's mesh/stats snapshot.
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
// status is "ok" if at least one neighbor (or the hub link) is
// Connected, else "degraded".
func (c *Controller) HealthSnapshot() (status string, connectedPeers, knownTools int, uptime time.Duration) {
	connected := c.peers.CountByState(peertable.StateConnected)
	status = "degraded"
	if connected > 0 || c.HubConnected() {
		status = "ok"
	}
	return status, connected, c.tools.Len(), time.Since(c.startedAt)
}

// HubConnected reports whether this node currently holds a live,
// accepted connection to its configured hub.
func (c *Controller) HubConnected() bool {
	c.hubMu.Lock()
	defer c.hubMu.Unlock()
	return c.hubConn != nil && c.hubAccepted
}

func (c *Controller) replyError(conn *transport.Conn, id string, code int, msg string) {
	if id == "" {
		return
	}
	conn.Send(wire.NewError(id, code, msg))
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
