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

package transport

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sage-x-project/meshcore/internal/metrics"
	"github.com/sage-x-project/meshcore/internal/version"
)

// Dialer opens outbound WebSocket links.
type Dialer struct {
	HandshakeTimeout time.Duration
}

// NewDialer creates a Dialer with the given handshake timeout.
func NewDialer(handshakeTimeout time.Duration) *Dialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &Dialer{HandshakeTimeout: handshakeTimeout}
}

// Dial opens one WebSocket connection to url and wraps it in a Conn.
func (d *Dialer) Dial(ctx context.Context, url string, handler Handler, opts ...Option) (*Conn, error) {
	ws := &websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
	}
	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())

	conn, resp, err := ws.DialContext(ctx, url, header)
	if err != nil {
		metrics.DialAttempts.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	metrics.DialAttempts.WithLabelValues("ok").Inc()
	return NewConn(conn, handler, opts...), nil
}

// BackoffSchedule computes the reconnect delay for attempt n (0-based):
// exponential from 1s up to a 30s cap, with +/-20% jitter so a cluster
// of peers reconnecting to the same hub doesn't all retry in lockstep.
func BackoffSchedule(attempt int) time.Duration {
	const base = time.Second
	const maxDelay = 30 * time.Second

	d := base
	if attempt > 0 && attempt < 10 {
		d = base << uint(attempt)
	}
	if attempt >= 10 || d > maxDelay || d <= 0 {
		d = maxDelay
	}

	jitter := time.Duration(float64(d) * (rand.Float64()*0.4 - 0.2))
	return d + jitter
}

// DialWithBackoff redials url until it succeeds or ctx is cancelled,
// sleeping BackoffSchedule(attempt) between tries.
func (d *Dialer) DialWithBackoff(ctx context.Context, url string, handler Handler, opts ...Option) (*Conn, error) {
	attempt := 0
	for {
		conn, err := d.Dial(ctx, url, handler, opts...)
		if err == nil {
			return conn, nil
		}
		metrics.ReconnectAttempts.Inc()

		delay := BackoffSchedule(attempt)
		attempt++
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
