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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// NodesRegistered tracks node/register outcomes.
	NodesRegistered = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "nodes_registered_total",
			Help:      "Total node/register attempts by outcome",
		},
		[]string{"outcome"}, // accepted, unauthorized, conflict
	)

	// PeersByState is a gauge of peers currently in each state.
	PeersByState = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "peers_by_state",
			Help:      "Current number of peers in each connection state",
		},
		[]string{"state"}, // connecting, connected, degraded, offline, disconnected
	)

	// ToolsCallRouted tracks tools/call routing outcomes.
	ToolsCallRouted = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "tools_call_routed_total",
			Help:      "Total tools/call requests routed, by outcome",
		},
		[]string{"outcome"}, // success, no_provider, timeout, target_unreachable
	)

	// ToolsCallDuration tracks end-to-end tools/call latency as observed
	// by the hub between receiving the request and resolving it.
	ToolsCallDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "tools_call_duration_seconds",
			Help:      "tools/call round-trip latency as observed by the hub",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 18),
		},
	)

	// BroadcastFanout records how many peers a mesh/broadcast reached.
	BroadcastFanout = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "broadcast_fanout",
			Help:      "Number of peers a mesh/broadcast was attempted on",
			Buckets:   prometheus.LinearBuckets(0, 10, 10),
		},
	)

	// HeartbeatReapsTotal counts peer state demotions driven by the
	// heartbeat reaper (connected->degraded, degraded->offline).
	HeartbeatReapsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "heartbeat_reaps_total",
			Help:      "Peer state demotions driven by the heartbeat reaper",
		},
		[]string{"to_state"},
	)
)
