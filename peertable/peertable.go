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

// Package peertable holds the shared peer connection state machine used
// by both the hub and peer controllers: State, Peer and Table.
package peertable

import (
	"fmt"
	"sync"
	"time"

	"github.com/sage-x-project/meshcore/wire"
)

// State is a peer's position in the connection lifecycle.
//
//	Connecting -> Connected -> Degraded -> Offline -> Disconnected
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDegraded     State = "degraded"
	StateOffline      State = "offline"
	StateDisconnected State = "disconnected"
)

// validTransitions enumerates the state machine's allowed edges (I1).
var validTransitions = map[State][]State{
	StateConnecting:   {StateConnected, StateDisconnected},
	StateConnected:    {StateDegraded, StateDisconnected},
	StateDegraded:     {StateConnected, StateOffline, StateDisconnected},
	StateOffline:      {StateConnected, StateDisconnected},
	StateDisconnected: {},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transport is the minimal sending surface a Peer needs from its
// underlying WebSocket connection; the transport package implements it.
type Transport interface {
	Send(msg *wire.Message) error
	Close() error
	RemoteAddr() string
}

// Peer is one mesh node as seen by the local controller: its identity,
// advertised capabilities, connection state, and up to two live
// transports (one inbound, one outbound — I6).
type Peer struct {
	mu sync.RWMutex

	PeerID       string
	Address      string
	Hostname     string
	Tools        []string
	Capabilities []string

	state       State
	inbound     Transport
	outbound    Transport
	connectedAt time.Time
	lastSeen    time.Time

	requestCount int64
	lastLatency  time.Duration
}

// New creates a Peer in the Connecting state.
func New(peerID string) *Peer {
	return &Peer{
		PeerID: peerID,
		state:  StateConnecting,
	}
}

// State returns the peer's current lifecycle state.
func (p *Peer) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// SetState transitions the peer to to, enforcing the state machine's
// legal edges (I1). Transitioning to itself is always a no-op success.
func (p *Peer) SetState(to State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == to {
		return nil
	}
	if !CanTransition(p.state, to) {
		return fmt.Errorf("peertable: illegal transition %s -> %s", p.state, to)
	}
	p.state = to
	if to == StateConnected {
		if p.connectedAt.IsZero() {
			p.connectedAt = time.Now()
		}
		p.lastSeen = time.Now()
	}
	return nil
}

// Touch records a successful liveness signal (pong, message received).
// last_seen is monotone non-decreasing for a live peer (I4): a touch
// racing an older one can never move the timestamp backwards.
func (p *Peer) Touch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	if now.After(p.lastSeen) {
		p.lastSeen = now
	}
}

// SetMeta records the peer's address and hostname as presented at
// handshake time.
func (p *Peer) SetMeta(address, hostname string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Address = address
	p.Hostname = hostname
}

// SetAdvertised records the tool/capability lists presented at
// handshake time, under the peer's lock (tools/list updates replace
// these via the Tool Index separately).
func (p *Peer) SetAdvertised(tools, capabilities []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Tools = append([]string(nil), tools...)
	p.Capabilities = append([]string(nil), capabilities...)
}

// ReplaceTools overwrites the peer's advertised tool list (tools/list
// full-replacement semantics, per spec §9).
func (p *Peer) ReplaceTools(tools []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Tools = append([]string(nil), tools...)
}

// LastSeen returns the last liveness timestamp.
func (p *Peer) LastSeen() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSeen
}

// SetTransport installs a transport in the inbound or outbound slot.
// A peer may hold at most one of each simultaneously (I6); setting a
// slot that is already occupied closes the previous transport.
func (p *Peer) SetTransport(inbound bool, t Transport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if inbound {
		if p.inbound != nil && p.inbound != t {
			p.inbound.Close()
		}
		p.inbound = t
	} else {
		if p.outbound != nil && p.outbound != t {
			p.outbound.Close()
		}
		p.outbound = t
	}
}

// ClearTransport removes t from whichever slot holds it. Returns true
// if the peer now has zero live transports.
func (p *Peer) ClearTransport(t Transport) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inbound == t {
		p.inbound = nil
	}
	if p.outbound == t {
		p.outbound = nil
	}
	return p.inbound == nil && p.outbound == nil
}

// ActiveTransport returns a transport to send on, preferring outbound
// (the peer's own dialed connection) over a purely inbound one.
func (p *Peer) ActiveTransport() (Transport, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.outbound != nil {
		return p.outbound, true
	}
	if p.inbound != nil {
		return p.inbound, true
	}
	return nil, false
}

// HasLiveTransport reports whether either slot is occupied.
func (p *Peer) HasLiveTransport() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.inbound != nil || p.outbound != nil
}

// GetTools returns a copy of the peer's currently advertised tools.
func (p *Peer) GetTools() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.Tools...)
}

// RecordCall updates the peer's rolling request count and last observed
// latency, used for mesh/nodes reporting.
func (p *Peer) RecordCall(latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requestCount++
	p.lastLatency = latency
}

// Snapshot captures the peer's current externally visible fields.
type Snapshot struct {
	PeerID       string
	Address      string
	State        State
	Tools        []string
	RequestCount int64
	LatencyMs    int64
	ConnectedAt  time.Time
}

// Snapshot returns a copy of the peer's state for reporting.
func (p *Peer) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Snapshot{
		PeerID:       p.PeerID,
		Address:      p.Address,
		State:        p.state,
		Tools:        append([]string(nil), p.Tools...),
		RequestCount: p.requestCount,
		LatencyMs:    p.lastLatency.Milliseconds(),
		ConnectedAt:  p.connectedAt,
	}
}

// Table is the shared registry of known peers, keyed by peer id.
type Table struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

// NewTable creates an empty peer table.
func NewTable() *Table {
	return &Table{peers: make(map[string]*Peer)}
}

// GetOrCreate returns the existing Peer for peerID, creating one in
// the Connecting state if it doesn't exist yet.
func (t *Table) GetOrCreate(peerID string) *Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[peerID]; ok {
		return p
	}
	p := New(peerID)
	t.peers[peerID] = p
	return p
}

// Get returns the Peer for peerID, if known.
func (t *Table) Get(peerID string) (*Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[peerID]
	return p, ok
}

// Delete removes peerID from the table entirely (Disconnected + reaped).
func (t *Table) Delete(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, peerID)
}

// All returns every known peer.
func (t *Table) All() []*Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

// CountByState returns the number of peers currently in state s.
func (t *Table) CountByState(s State) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, p := range t.peers {
		if p.State() == s {
			n++
		}
	}
	return n
}
