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

package hub

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

// handleToolsCall implements §4.4/§4.5's routing contract: select a
// provider (or validate an explicit target_node), forward the call,
// and resolve the caller asynchronously via the correlator.
func (c *Controller) handleToolsCall(conn *transport.Conn, msg *wire.Message) {
	var p wire.ToolsCallParams
	if err := msg.DecodeParams(&p); err != nil {
		c.replyError(conn, msg.ID, wire.CodeMalformedEnvelope, "malformed tools/call params")
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
// cumulative request_count (§4.3), retrying past providers whose peer
// record has gone stale between selection and lookup (the tie-break-
// retry scenario of §8). A retry Unselects the stale pick so it never
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
