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

// Package transport implements the WebSocket framing used for mesh
// links: a Conn serializes writes through a single goroutine over a
// bounded send queue, and delivers reads to a Handler.
package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sage-x-project/meshcore/errs"
	"github.com/sage-x-project/meshcore/internal/metrics"
	"github.com/sage-x-project/meshcore/wire"
)

// DefaultSendQueueSize is the bounded outbound queue depth per Conn.
const DefaultSendQueueSize = 256

// Handler processes a message read from a Conn. Implementations must
// not block the read loop for long; hand off work to a goroutine.
type Handler func(conn *Conn, msg *wire.Message)

// Conn wraps a single WebSocket connection in both directions: a
// dedicated writer goroutine draining a bounded queue (so concurrent
// Send calls never interleave frames) and a reader loop dispatching to
// a Handler.
type Conn struct {
	ws    *websocket.Conn
	queue *sendQueue

	handler Handler

	writeTimeout time.Duration
	readTimeout  time.Duration

	closeOnce sync.Once
	closed    chan struct{}

	remoteAddr string
	peerID     string
}

// Option configures a Conn at construction time.
type Option func(*Conn)

// WithQueueSize overrides DefaultSendQueueSize.
func WithQueueSize(n int) Option {
	return func(c *Conn) {
		c.queue = newSendQueue(n)
	}
}

// WithTimeouts overrides the per-write and per-read deadlines.
func WithTimeouts(write, read time.Duration) Option {
	return func(c *Conn) {
		c.writeTimeout = write
		c.readTimeout = read
	}
}

// NewConn wraps ws, starts its writer goroutine, and returns the Conn.
// Call Serve to start dispatching reads to handler.
func NewConn(ws *websocket.Conn, handler Handler, opts ...Option) *Conn {
	c := &Conn{
		ws:           ws,
		queue:        newSendQueue(DefaultSendQueueSize),
		handler:      handler,
		writeTimeout: 10 * time.Second,
		readTimeout:  90 * time.Second,
		closed:       make(chan struct{}),
		remoteAddr:   ws.RemoteAddr().String(),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.writePump()
	return c
}

// SetPeerID tags the connection with the peer id it authenticated as,
// once known (inbound connections only learn this after node/register
// or peer/handshake).
func (c *Conn) SetPeerID(id string) { c.peerID = id }

// PeerID returns the tagged peer id, or "" if not yet known.
func (c *Conn) PeerID() string { return c.peerID }

// RemoteAddr returns the underlying TCP peer address.
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// Done returns a channel closed once the connection has been closed,
// letting a caller that dialed out block until the link drops.
func (c *Conn) Done() <-chan struct{} { return c.closed }

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// isCriticalMessage reports whether msg is a tools/call request or any
// response (an ID with no method): these are never dropped for
// back-pressure, because a silently dropped call or reply would hang
// its caller until the correlator's own timeout fires instead.
func isCriticalMessage(msg *wire.Message) bool {
	return msg.Method == wire.MethodToolsCall || (msg.ID != "" && msg.Method == "")
}

// Send enqueues msg for the writer goroutine. Critical messages (see
// isCriticalMessage) block up to writeTimeout for queue space. Every
// other message kind (gossip, ping, notifications) that arrives when
// the queue is full evicts the oldest non-tool-call message already
// queued to make room, per §5; if every queued message is itself a
// tool call, msg is dropped instead.
func (c *Conn) Send(msg *wire.Message) error {
	if c.queue.tryEnqueue(msg) {
		metrics.MessagesSent.WithLabelValues(labelFor(msg)).Inc()
		return nil
	}
	if c.isClosed() {
		return errs.ErrTargetUnreachable
	}

	if !isCriticalMessage(msg) {
		if !c.queue.evictOldestNonCritical(msg, isCriticalMessage) {
			metrics.BackPressureDrops.Inc()
			return errs.ErrBackPressureDrop
		}
		metrics.BackPressureDrops.Inc()
		metrics.MessagesSent.WithLabelValues(labelFor(msg)).Inc()
		return nil
	}

	if !c.queue.waitForSpace(time.Now().Add(c.writeTimeout)) || !c.queue.tryEnqueue(msg) {
		if c.isClosed() {
			return errs.ErrTargetUnreachable
		}
		metrics.BackPressureDrops.Inc()
		return errs.ErrBackPressureDrop
	}
	metrics.MessagesSent.WithLabelValues(labelFor(msg)).Inc()
	return nil
}

func labelFor(msg *wire.Message) string {
	if msg.Method != "" {
		return msg.Method
	}
	return "response"
}

// writePump is the sole goroutine allowed to call ws.WriteJSON,
// serializing every Send against concurrent callers. It keeps dequeuing
// until the queue is both closed and empty, so anything queued before
// Close() still gets flushed.
func (c *Conn) writePump() {
	for {
		msg, ok := c.queue.dequeue()
		if !ok {
			return
		}
		if c.writeOne(msg) {
			return
		}
	}
}

// writeOne writes a single frame, closing the connection (and
// reporting done=true) on a write error.
func (c *Conn) writeOne(msg *wire.Message) (done bool) {
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.ws.WriteJSON(msg); err != nil {
		c.Close()
		return true
	}
	return false
}

// Serve runs the read loop until the connection closes or errors.
// Blocks the calling goroutine; callers run it in its own goroutine.
func (c *Conn) Serve() error {
	defer c.Close()
	for {
		c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
		var msg wire.Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return err
			}
			if errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			return err
		}
		metrics.MessagesReceived.WithLabelValues(labelFor(&msg)).Inc()
		c.handler(c, &msg)
	}
}

// Close shuts down the connection's writer, closes the socket, and is
// safe to call more than once or concurrently with Serve/Send.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.queue.close()
		err = c.ws.Close()
	})
	return err
}

// sendQueue is a bounded FIFO of outbound messages. Unlike a plain
// channel, it supports evicting an arbitrary queued element, which a
// channel's blocking send/receive pair cannot express.
type sendQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []*wire.Message
	maxSize int
	closed  bool
}

func newSendQueue(size int) *sendQueue {
	q := &sendQueue{maxSize: size}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// tryEnqueue appends msg if there is room, reporting whether it fit.
func (q *sendQueue) tryEnqueue(msg *wire.Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.items) >= q.maxSize {
		return false
	}
	q.items = append(q.items, msg)
	q.cond.Signal()
	return true
}

// evictOldestNonCritical drops the oldest queued message for which
// critical returns false and appends msg in its place, preserving the
// relative order of everything else. Reports whether an evictable
// message was found.
func (q *sendQueue) evictOldestNonCritical(msg *wire.Message, critical func(*wire.Message) bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	for i, m := range q.items {
		if !critical(m) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.items = append(q.items, msg)
			q.cond.Signal()
			return true
		}
	}
	return false
}

// waitForSpace blocks until the queue has room, it is closed, or
// deadline passes, returning whether room is available.
func (q *sendQueue) waitForSpace(deadline time.Time) bool {
	timer := time.AfterFunc(time.Until(deadline), func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer timer.Stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) >= q.maxSize && !q.closed && time.Now().Before(deadline) {
		q.cond.Wait()
	}
	return !q.closed && len(q.items) < q.maxSize
}

// dequeue blocks until a message is available or the queue is closed
// and drained, in which case it reports false.
func (q *sendQueue) dequeue() (*wire.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg, true
}

func (q *sendQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
