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

package peer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sage-x-project/meshcore/errs"
	"github.com/sage-x-project/meshcore/internal/logger"
	"github.com/sage-x-project/meshcore/internal/metrics"
	"github.com/sage-x-project/meshcore/peertable"
	"github.com/sage-x-project/meshcore/transport"
	"github.com/sage-x-project/meshcore/wire"
)

// handleToolsCall serves a tool hosted locally by this node directly,
// and otherwise routes exactly like the hub's tools/call handler
// against this node's own (necessarily smaller, neighbor-only) tool
// index.
func (c *Controller) handleToolsCall(conn *transport.Conn, msg *wire.Message) {
	var p wire.ToolsCallParams
	if err := msg.DecodeParams(&p); err != nil {
		c.replyError(conn, msg.ID, wire.CodeMalformedEnvelope, "malformed tools/call params")
		return
	}

	if p.TargetNode == "" && c.executor != nil && contains(c.ownTools, p.Name) {
		result, err := c.invokeLocal(context.Background(), p.Name, p.Args)
		if err != nil {
			code, message := codeForErr(err)
			metrics.ToolsCallRouted.WithLabelValues(outcomeFor(err)).Inc()
			c.replyError(conn, msg.ID, code, message)
			return
		}
		metrics.ToolsCallRouted.WithLabelValues("success").Inc()
		resp, encErr := wire.NewResult(msg.ID, wire.ToolsCallResult{ProviderID: c.selfID, Result: result})
		if encErr != nil {
			return
		}
		conn.Send(resp)
		return
	}

	originID := conn.PeerID()
	targetID, ok := c.pickProvider(p.Name, p.TargetNode)
	if !ok {
		if p.TargetNode != "" {
			metrics.ToolsCallRouted.WithLabelValues("no_such_target").Inc()
			c.replyError(conn, msg.ID, wire.CodeNoSuchTarget, "target node not connected")
		} else {
			metrics.ToolsCallRouted.WithLabelValues("no_provider").Inc()
			c.replyError(conn, msg.ID, wire.CodeNoProvider, "no provider for tool "+p.Name)
		}
		return
	}

	target, ok := c.peers.Get(targetID)
	if !ok {
		metrics.ToolsCallRouted.WithLabelValues("no_such_target").Inc()
		c.replyError(conn, msg.ID, wire.CodeNoSuchTarget, "target node not connected")
		return
	}
	targetConn, ok := target.ActiveTransport()
	if !ok {
		metrics.ToolsCallRouted.WithLabelValues("target_unreachable").Inc()
		c.replyError(conn, msg.ID, wire.CodeTargetUnreachable, "target unreachable")
		return
	}

	reqID := c.calls.NewRequestID(originID)
	c.calls.Register(reqID, originID, targetID)

	fwd, err := wire.NewRequest(reqID, wire.MethodToolsCall, p)
	if err != nil {
		c.replyError(conn, msg.ID, wire.CodeMalformedEnvelope, "encode forwarded call")
		return
	}
	if err := targetConn.Send(fwd); err != nil {
		metrics.ToolsCallRouted.WithLabelValues("target_unreachable").Inc()
		c.replyError(conn, msg.ID, wire.CodeTargetUnreachable, "send to target failed")
		return
	}

	deadline := time.Duration(p.TimeoutMs) * time.Millisecond
	if deadline <= 0 {
		deadline = c.callTimeout
	}

	c.wg.Add(1)
	go c.awaitToolCall(conn, msg.ID, p.Name, targetID, reqID, deadline)
}

// pickProvider resolves a tools/call's target: an explicit target_node
// must be Connected, otherwise the Tool Index selects by lowest
// cumulative request_count (§4.3) among this node's own directly
// connected neighbors. A retry Unselects the stale pick so it never
// counts against that provider's request_count.
func (c *Controller) pickProvider(tool, targetNode string) (string, bool) {
	if targetNode != "" {
		p, ok := c.peers.Get(targetNode)
		if !ok || p.State() != peertable.StateConnected {
			return "", false
		}
		return targetNode, true
	}

	excluded := map[string]bool{}
	for {
		pid, ok := c.tools.Select(tool, excluded)
		if !ok {
			return "", false
		}
		p, ok := c.peers.Get(pid)
		if !ok || (p.State() != peertable.StateConnected && p.State() != peertable.StateDegraded) {
			c.tools.Unselect(tool, pid)
			excluded[pid] = true
			continue
		}
		return pid, true
	}
}

func (c *Controller) awaitToolCall(callerConn *transport.Conn, callerMsgID, tool, targetID, reqID string, deadline time.Duration) {
	defer c.wg.Done()
	start := time.Now()
	result, err := c.calls.Await(context.Background(), reqID, deadline)
	elapsed := time.Since(start)

	if target, ok := c.peers.Get(targetID); ok {
		target.RecordCall(elapsed)
	}
	metrics.ToolsCallDuration.Observe(elapsed.Seconds())

	if err != nil {
		c.collector.RecordRoute(false, isErr(err, errs.ErrTimeout), elapsed)
		code, message := codeForErr(err)
		metrics.ToolsCallRouted.WithLabelValues(outcomeFor(err)).Inc()
		c.log.Warn("tools/call failed",
			logger.String("tool", tool),
			logger.String("target", targetID),
			logger.Error(err),
		)
		c.replyError(callerConn, callerMsgID, code, message)
		return
	}

	c.collector.RecordRoute(true, false, elapsed)
	metrics.ToolsCallRouted.WithLabelValues("success").Inc()

	resp, encErr := wire.NewResult(callerMsgID, wire.ToolsCallResult{
		ProviderID: targetID,
		Result:     json.RawMessage(result),
	})
	if encErr != nil {
		return
	}
	callerConn.Send(resp)
}

func (c *Controller) invokeLocal(ctx context.Context, name string, args map[string]any) (any, error) {
	if c.executor == nil {
		return nil, errs.ErrNoProvider
	}
	return c.executor.Invoke(ctx, name, args)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// handleRoute implements direct-neighbor-only multi-hop forwarding: a
// node with no direct link to Target relays through one Connected
// neighbor (other than the envelope's origin), one hop at a
// time, until some node along the chain is actually Connected to
// Target or can serve it locally (§4.7).
func (c *Controller) handleRoute(conn *transport.Conn, msg *wire.Message) {
	var p wire.RouteParams
	if err := msg.DecodeParams(&p); err != nil {
		c.replyError(conn, msg.ID, wire.CodeMalformedEnvelope, "malformed route params")
		return
	}
	if p.Origin == "" {
		p.Origin = conn.PeerID()
	}
	metrics.RouteHops.Observe(1)

	if p.Target == c.selfID {
		c.executeRouted(conn, msg.ID, p.Message)
		return
	}

	tried := map[string]bool{}
	for {
		next, ok := c.nextHop(p.Target, p.Origin, tried)
		if !ok {
			c.replyError(conn, msg.ID, wire.CodeNoRoute, "no route to target")
			return
		}
		tried[next.PeerID] = true

		nextConn, ok := next.ActiveTransport()
		if !ok {
			continue
		}

		reqID := c.calls.NewRequestID(c.selfID)
		c.calls.Register(reqID, c.selfID, next.PeerID)
		fwd, err := wire.NewRequest(reqID, wire.MethodMeshRoute, wire.RouteParams{
			Target:  p.Target,
			Message: p.Message,
			Origin:  p.Origin,
		})
		if err != nil {
			c.calls.Cancel(reqID)
			c.replyError(conn, msg.ID, wire.CodeMalformedEnvelope, "encode forwarded route")
			return
		}
		if err := nextConn.Send(fwd); err != nil {
			c.calls.Cancel(reqID)
			continue
		}

		c.wg.Add(1)
		go c.awaitRoute(conn, msg.ID, reqID)
		return
	}
}

// nextHop picks a directly Connected neighbor to relay toward target,
// excluding the envelope's origin and any candidate already tried this
// call. The origin is not necessarily the previous hop, so a relayed
// message can be sent back to the neighbor it arrived from. handleRoute
// moves on to the next candidate only when a hop has no live transport
// or the send to it fails; once a send succeeds, that hop's reply
// (including an error reply or a timeout) is relayed to the caller and
// no further candidate is tried. NoRoute is replied once no candidate
// is left.
func (c *Controller) nextHop(target, origin string, tried map[string]bool) (*peertable.Peer, bool) {
	if p, ok := c.peers.Get(target); ok && p.State() == peertable.StateConnected && !tried[p.PeerID] {
		return p, true
	}
	for _, p := range c.peers.All() {
		if p.PeerID == origin || tried[p.PeerID] {
			continue
		}
		if p.State() == peertable.StateConnected {
			return p, true
		}
	}
	return nil, false
}

func (c *Controller) awaitRoute(callerConn *transport.Conn, callerMsgID, reqID string) {
	defer c.wg.Done()
	result, err := c.calls.Await(context.Background(), reqID, c.callTimeout)
	if err != nil {
		code, message := codeForErr(err)
		c.replyError(callerConn, callerMsgID, code, message)
		return
	}
	resp, encErr := wire.NewResult(callerMsgID, json.RawMessage(result))
	if encErr != nil {
		return
	}
	callerConn.Send(resp)
}

// executeRouted handles a mesh/route envelope whose Target is this
// node: the only embedded message kind meshcore forwards this way is a
// tools/call, executed locally exactly as handleToolsCall's local-fast
// path would.
func (c *Controller) executeRouted(conn *transport.Conn, routeMsgID string, inner wire.Message) {
	if inner.Method != wire.MethodToolsCall {
		c.replyError(conn, routeMsgID, wire.CodeMalformedEnvelope, "routed message must be tools/call")
		return
	}
	var p wire.ToolsCallParams
	if err := inner.DecodeParams(&p); err != nil {
		c.replyError(conn, routeMsgID, wire.CodeMalformedEnvelope, "malformed routed tools/call params")
		return
	}
	result, err := c.invokeLocal(context.Background(), p.Name, p.Args)
	if err != nil {
		code, message := codeForErr(err)
		c.replyError(conn, routeMsgID, code, message)
		return
	}
	resp, encErr := wire.NewResult(routeMsgID, wire.ToolsCallResult{ProviderID: c.selfID, Result: result})
	if encErr != nil {
		return
	}
	conn.Send(resp)
}

func outcomeFor(err error) string {
	switch {
	case isErr(err, errs.ErrTimeout):
		return "timeout"
	case isErr(err, errs.ErrTargetUnreachable):
		return "target_unreachable"
	case isErr(err, errs.ErrCancelled), isErr(err, errs.ErrServerShuttingDown):
		return "cancelled"
	default:
		return "error"
	}
}

func codeForErr(err error) (int, string) {
	switch {
	case err == nil:
		return 0, ""
	case isErr(err, errs.ErrNoProvider):
		return wire.CodeNoProvider, err.Error()
	case isErr(err, errs.ErrNoSuchTarget):
		return wire.CodeNoSuchTarget, err.Error()
	case isErr(err, errs.ErrTargetUnreachable):
		return wire.CodeTargetUnreachable, err.Error()
	case isErr(err, errs.ErrTimeout):
		return wire.CodeTimeout, err.Error()
	case isErr(err, errs.ErrCancelled), isErr(err, errs.ErrServerShuttingDown):
		return wire.CodeCancelled, err.Error()
	case isErr(err, errs.ErrNoRoute):
		return wire.CodeNoRoute, err.Error()
	default:
		return wire.CodeInternal, err.Error()
	}
}

func isErr(err, target error) bool {
	return err == target || (err != nil && err.Error() == target.Error())
}
