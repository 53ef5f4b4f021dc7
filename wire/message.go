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

// Package wire defines the JSON-RPC-shaped message envelope exchanged
// between mesh nodes, and the method names the core recognizes.
package wire

import "encoding/json"

// Method names recognized by the hub and peer controllers.
const (
	MethodNodeRegister  = "node/register"
	MethodNodeAccepted  = "node/accepted"
	MethodPeerHandshake = "peer/handshake"
	MethodPeerGossip    = "peer/gossip"
	MethodPing          = "ping"
	MethodPong          = "pong"
	MethodMeshNodes     = "mesh/nodes"
	MethodMeshTools     = "mesh/tools"
	MethodMeshBroadcast = "mesh/broadcast"
	MethodMeshRoute     = "mesh/route"
	MethodMeshStats     = "mesh/stats"
	MethodToolsList     = "tools/list"
	MethodToolsCall     = "tools/call"
)

// Message is one JSON-RPC-shaped frame: a request (ID+Method set), a
// response (ID set, Method empty, Result or Error set), or a
// notification (ID nil, Method set).
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Well-known error codes, loosely mirroring the error kinds of the spec.
const (
	CodeMalformedEnvelope = -32700
	CodeNotRegistered     = -32001
	CodeUnauthorized      = -32002
	CodeNoProvider        = -32003
	CodeNoSuchTarget      = -32004
	CodeTargetUnreachable = -32005
	CodeTimeout           = -32006
	CodeCancelled         = -32007
	CodeNoRoute           = -32008
	CodeInternal          = -32603
)

// IsRequest reports whether m is a request (has both an id and a method).
func (m *Message) IsRequest() bool { return m.ID != "" && m.Method != "" }

// IsNotification reports whether m is a notification (a method, no id).
func (m *Message) IsNotification() bool { return m.ID == "" && m.Method != "" }

// IsResponse reports whether m is a response (an id, no method).
func (m *Message) IsResponse() bool { return m.ID != "" && m.Method == "" }

// NewRequest builds a request frame with the given id/method/params.
func NewRequest(id, method string, params any) (*Message, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: "2.0", ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification frame (no id).
func NewNotification(method string, params any) (*Message, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: "2.0", Method: method, Params: raw}, nil
}

// NewResult builds a success response frame for the given request id.
func NewResult(id string, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: "2.0", ID: id, Result: raw}, nil
}

// NewError builds an error response frame for the given request id.
func NewError(id string, code int, message string) *Message {
	return &Message{JSONRPC: "2.0", ID: id, Error: &Error{Code: code, Message: message}}
}

// DecodeParams unmarshals m.Params into v.
func (m *Message) DecodeParams(v any) error {
	if len(m.Params) == 0 {
		return nil
	}
	return json.Unmarshal(m.Params, v)
}

// DecodeResult unmarshals m.Result into v.
func (m *Message) DecodeResult(v any) error {
	if len(m.Result) == 0 {
		return nil
	}
	return json.Unmarshal(m.Result, v)
}
