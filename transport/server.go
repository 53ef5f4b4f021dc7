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
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// AcceptFunc is called once per accepted connection, before its read
// loop starts, so the caller can track it in a peer table.
type AcceptFunc func(conn *Conn)

// Server upgrades inbound HTTP connections to WebSocket and hands each
// one to AcceptFunc, then runs its read loop until it closes.
type Server struct {
	upgrader websocket.Upgrader
	onAccept AcceptFunc
	onClose  AcceptFunc
	handler  Handler

	mu    sync.Mutex
	conns map[*Conn]bool
}

// NewServer creates a Server. handler processes every message read
// from any accepted connection; onAccept is invoked once per new
// connection before messages start flowing; onClose (if non-nil) is
// invoked once the connection's read loop returns for any reason.
func NewServer(onAccept, onClose AcceptFunc, handler Handler) *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		onAccept: onAccept,
		onClose:  onClose,
		handler:  handler,
		conns:    make(map[*Conn]bool),
	}
}

// ServeHTTP upgrades the request to WebSocket, registers the resulting
// Conn, and blocks serving reads until the connection closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn := NewConn(ws, s.handler)
	s.addConn(conn)
	defer s.removeConn(conn)

	if s.onAccept != nil {
		s.onAccept(conn)
	}

	conn.Serve()

	if s.onClose != nil {
		s.onClose(conn)
	}
}

func (s *Server) addConn(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = true
}

func (s *Server) removeConn(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// ConnectionCount returns the number of currently accepted connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// CloseAll closes every tracked connection, used on daemon shutdown.
func (s *Server) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}
