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
	// HandshakesAttempted tracks peer/handshake dial attempts.
	HandshakesAttempted = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "peer",
			Name:      "handshakes_total",
			Help:      "Total peer/handshake attempts by outcome",
		},
		[]string{"outcome"}, // accepted, unauthorized, unreachable
	)

	// GossipRoundsTotal tracks gossip loop iterations.
	GossipRoundsTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "peer",
			Name:      "gossip_rounds_total",
			Help:      "Total peer/gossip rounds sent",
		},
	)

	// HealthPingsTotal tracks the health-ping loop.
	HealthPingsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "peer",
			Name:      "health_pings_total",
			Help:      "Total ping/pong health probes by outcome",
		},
		[]string{"outcome"}, // ok, timeout
	)

	// ReconnectAttempts tracks transport reconnect/backoff attempts.
	ReconnectAttempts = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "peer",
			Name:      "reconnect_attempts_total",
			Help:      "Total reconnect attempts made by the peer's outbound dialer",
		},
	)

	// RouteHops records forwarded mesh/route messages; the peer observes
	// each handled mesh/route as one hop, since RouteParams carries no
	// hop count.
	RouteHops = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "peer",
			Name:      "route_hops",
			Help:      "Hop count of mesh/route messages forwarded by this node",
			Buckets:   prometheus.LinearBuckets(1, 1, 8),
		},
	)
)
