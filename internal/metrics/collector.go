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

// Package metrics exposes the mesh core's Prometheus instrumentation.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "meshcore"

// Registry is the collector registry metrics are registered against.
// Kept separate from prometheus.DefaultRegisterer so tests and multiple
// in-process daemons never collide over global registration.
var Registry = prometheus.NewRegistry()

// Collector tracks a light in-process rollup of mesh activity, used by
// mesh/stats alongside the Prometheus series defined in this package.
type Collector struct {
	mu sync.RWMutex

	CallsRouted  int64
	CallsFailed  int64
	CallsTimedOut int64
	BroadcastsSent int64
	GossipRoundsSent int64
	HealthPingsSent int64

	routeLatencies []int64

	startTime time.Time
	maxSamples int
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		startTime:  time.Now(),
		maxSamples: 1000,
	}
}

// RecordRoute records the outcome and latency of a routed tools/call.
func (c *Collector) RecordRoute(success bool, timedOut bool, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if success {
		c.CallsRouted++
	} else {
		c.CallsFailed++
		if timedOut {
			c.CallsTimedOut++
		}
	}
	c.routeLatencies = append(c.routeLatencies, d.Microseconds())
	if len(c.routeLatencies) > c.maxSamples {
		c.routeLatencies = c.routeLatencies[len(c.routeLatencies)-c.maxSamples:]
	}
}

// RecordBroadcast increments the broadcast counter.
func (c *Collector) RecordBroadcast() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.BroadcastsSent++
}

// RecordGossipRound increments the gossip-round counter.
func (c *Collector) RecordGossipRound() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.GossipRoundsSent++
}

// RecordHealthPing increments the health-ping counter.
func (c *Collector) RecordHealthPing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.HealthPingsSent++
}

// Snapshot is a point-in-time rollup of collector state.
type Snapshot struct {
	Uptime           time.Duration
	CallsRouted      int64
	CallsFailed      int64
	CallsTimedOut    int64
	BroadcastsSent   int64
	GossipRoundsSent int64
	HealthPingsSent  int64
	AvgRouteLatency  float64
	P95RouteLatency  int64
}

// Snapshot returns a copy of the collector's current counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		Uptime:           time.Since(c.startTime),
		CallsRouted:      c.CallsRouted,
		CallsFailed:      c.CallsFailed,
		CallsTimedOut:    c.CallsTimedOut,
		BroadcastsSent:   c.BroadcastsSent,
		GossipRoundsSent: c.GossipRoundsSent,
		HealthPingsSent:  c.HealthPingsSent,
		AvgRouteLatency:  average(c.routeLatencies),
		P95RouteLatency:  percentile(c.routeLatencies, 95),
	}
}

func average(values []int64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum int64
	for _, v := range values {
		sum += v
	}
	return float64(sum) / float64(len(values))
}

func percentile(values []int64, p int) int64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]int64, len(values))
	copy(sorted, values)
	for i := 0; i < len(sorted)-1; i++ {
		for j := 0; j < len(sorted)-i-1; j++ {
			if sorted[j] > sorted[j+1] {
				sorted[j], sorted[j+1] = sorted[j+1], sorted[j]
			}
		}
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

var globalCollector = NewCollector()

// GetGlobalCollector returns the process-wide collector instance.
func GetGlobalCollector() *Collector {
	return globalCollector
}
