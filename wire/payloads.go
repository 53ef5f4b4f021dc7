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

package wire

// RegisterParams is the node/register request payload.
type RegisterParams struct {
	NodeID       string   `json:"node_id"`
	Token        string   `json:"token"`
	Tools        []string `json:"tools"`
	Capabilities []string `json:"capabilities,omitempty"`
	Hostname     string   `json:"hostname,omitempty"`
	Address      string   `json:"address,omitempty"`
	Tier         string   `json:"tier,omitempty"`
}

// AcceptedResult is the node/accepted response payload.
type AcceptedResult struct {
	SessionID      string `json:"session_id"`
	NodeID         string `json:"node_id"`
	HubVersion     string `json:"hub_version"`
	ConnectedPeers int    `json:"connected_peers"`
	KnownTools     int    `json:"known_tools"`
}

// HandshakeParams is the peer/handshake request/notification payload,
// symmetric in both directions.
type HandshakeParams struct {
	NodeID       string   `json:"node_id"`
	Token        string   `json:"token"`
	Address      string   `json:"address"`
	Hostname     string   `json:"hostname,omitempty"`
	Tools        []string `json:"tools"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// GossipRecord is one peer summary carried by peer/gossip.
type GossipRecord struct {
	PeerID   string   `json:"peer_id"`
	Address  string   `json:"address"`
	Tools    []string `json:"tools"`
	LastSeen int64    `json:"last_seen"`
}

// GossipParams is the peer/gossip notification payload.
type GossipParams struct {
	Records []GossipRecord `json:"records"`
}

// ToolsListParams is the tools/list notification payload: a full
// replacement of the sender's advertised tool set.
type ToolsListParams struct {
	Tools []string `json:"tools"`
}

// ToolsCallParams is the tools/call request payload.
type ToolsCallParams struct {
	Name       string         `json:"name"`
	Args       map[string]any `json:"args"`
	TargetNode string         `json:"target_node,omitempty"`
	TimeoutMs  int64          `json:"timeout_ms,omitempty"`
	Origin     string         `json:"origin,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
}

// ToolsCallResult is the tools/call success payload.
type ToolsCallResult struct {
	ProviderID string `json:"provider_id"`
	Result     any    `json:"result"`
}

// BroadcastParams is the mesh/broadcast request payload.
type BroadcastParams struct {
	Payload any    `json:"payload"`
	TTL     int    `json:"ttl,omitempty"`
	Origin  string `json:"origin,omitempty"`
}

// BroadcastResult reports how many peers a broadcast was attempted on.
type BroadcastResult struct {
	Attempted int `json:"attempted"`
}

// MulticastParams restricts a broadcast-shaped payload to explicit targets.
type MulticastParams struct {
	Targets []string `json:"targets"`
	Payload any      `json:"payload"`
}

// RouteParams is the mesh/route request payload for multi-hop forwarding.
type RouteParams struct {
	Target  string  `json:"target"`
	Message Message `json:"message"`
	Origin  string  `json:"origin,omitempty"`
}

// NodeSnapshot is one entry of a mesh/nodes response.
type NodeSnapshot struct {
	PeerID       string   `json:"peer_id"`
	Address      string   `json:"address"`
	State        string   `json:"state"`
	Tools        []string `json:"tools"`
	RequestCount int64    `json:"request_count"`
	LatencyMs    int64    `json:"latency_ms"`
	ConnectedAt  int64    `json:"connected_at"`
}

// NodesResult is the mesh/nodes response payload.
type NodesResult struct {
	Nodes []NodeSnapshot `json:"nodes"`
}

// ToolsResult is the mesh/tools response payload.
type ToolsResult struct {
	Tools map[string][]string `json:"tools"`
}

// StatsResult is the mesh/stats response payload.
type StatsResult struct {
	ConnectedPeers  int   `json:"connected_peers"`
	DegradedPeers   int   `json:"degraded_peers"`
	OfflinePeers    int   `json:"offline_peers"`
	KnownTools      int   `json:"known_tools"`
	PendingCalls    int   `json:"pending_calls"`
	CallsRouted     int64 `json:"calls_routed"`
	CallsFailed     int64 `json:"calls_failed"`
	UptimeSeconds   int64 `json:"uptime_seconds"`
}
