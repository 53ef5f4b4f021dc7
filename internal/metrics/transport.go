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
	// MessagesSent tracks wire messages written to a transport.
	MessagesSent = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "messages_sent_total",
			Help:      "Total wire messages written, by method",
		},
		[]string{"method"},
	)

	// MessagesReceived tracks wire messages read from a transport.
	MessagesReceived = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "messages_received_total",
			Help:      "Total wire messages read, by method",
		},
		[]string{"method"},
	)

	// SendQueueDepth is a gauge of the current depth of a transport's
	// bounded outbound send queue.
	SendQueueDepth = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "send_queue_depth",
			Help:      "Current depth of the per-transport outbound send queue",
		},
		[]string{"peer_id"},
	)

	// BackPressureDrops counts messages dropped because a send queue was full.
	BackPressureDrops = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "back_pressure_drops_total",
			Help:      "Total messages dropped due to a full outbound send queue",
		},
	)

	// DialAttempts tracks outbound WebSocket dial attempts by outcome.
	DialAttempts = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "dial_attempts_total",
			Help:      "Total outbound WebSocket dial attempts by outcome",
		},
		[]string{"outcome"}, // ok, error
	)
)
