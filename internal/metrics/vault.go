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
	// VaultOperations tracks federation vault operations.
	VaultOperations = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "operations_total",
			Help:      "Total federation vault operations by kind and outcome",
		},
		[]string{"operation", "outcome"}, // register/verify/rotate/revoke/list, ok/error
	)

	// TokensIssued counts bearer tokens issued on register and rotate.
	TokensIssued = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "tokens_issued_total",
			Help:      "Total bearer tokens issued",
		},
	)

	// PersistDuration tracks the latency of the vault's atomic file (or
	// Postgres) persistence writes.
	PersistDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "persist_duration_seconds",
			Help:      "Vault persistence write latency",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		},
	)

	// RegisteredNodes is a gauge of nodes currently held in the vault.
	RegisteredNodes = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "registered_nodes",
			Help:      "Current number of node identities held by the vault",
		},
	)
)
