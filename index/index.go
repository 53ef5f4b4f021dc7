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

// Package index maintains the hub's inverted index of tool name to the
// ordered set of peers that can provide it, and picks a provider for
// tools/call using lowest-cumulative-request-count selection.
package index

import "sync"

// entry tracks one peer's registration order and cumulative dispatch
// count for a given tool. requestCount increments on every selection
// and is never decremented on completion, matching the Peer entity's
// request_count field (§3): it is a running total of calls ever routed
// to this provider, not a live concurrency gauge.
type entry struct {
	peerID       string
	seq          uint64
	requestCount int
}

// Index is the hub's tool routing table. Safe for concurrent use.
type Index struct {
	mu      sync.RWMutex
	byTool  map[string][]*entry
	seqNext uint64
}

// New creates an empty tool index.
func New() *Index {
	return &Index{byTool: make(map[string][]*entry)}
}

// Register adds tools to peerID's provider set, additively: tools
// already registered for peerID are left untouched, tools not yet
// present are appended with the next registration-order sequence.
func (idx *Index) Register(peerID string, tools []string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, tool := range tools {
		entries := idx.byTool[tool]
		found := false
		for _, e := range entries {
			if e.peerID == peerID {
				found = true
				break
			}
		}
		if !found {
			idx.seqNext++
			idx.byTool[tool] = append(entries, &entry{peerID: peerID, seq: idx.seqNext})
		}
	}
}

// ReplaceAll replaces peerID's entire advertised tool set (tools/list
// semantics: full replacement, not additive).
func (idx *Index) ReplaceAll(peerID string, tools []string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.removeLocked(peerID)
	for _, tool := range tools {
		idx.seqNext++
		idx.byTool[tool] = append(idx.byTool[tool], &entry{peerID: peerID, seq: idx.seqNext})
	}
}

// Remove drops every entry for peerID, e.g. on disconnect.
func (idx *Index) Remove(peerID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(peerID)
}

func (idx *Index) removeLocked(peerID string) {
	for tool, entries := range idx.byTool {
		filtered := entries[:0]
		for _, e := range entries {
			if e.peerID != peerID {
				filtered = append(filtered, e)
			}
		}
		if len(filtered) == 0 {
			delete(idx.byTool, tool)
		} else {
			idx.byTool[tool] = filtered
		}
	}
}

// Select picks a provider for tool, preferring the peer with the
// fewest cumulative requests and breaking ties by registration order.
// excluded peers (already tried for this call) are skipped. The picked
// entry's requestCount is incremented immediately and is never
// decremented when the call later completes — §4.3's counter is a
// cumulative total, not a concurrency gauge.
func (idx *Index) Select(tool string, excluded map[string]bool) (string, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	entries := idx.byTool[tool]
	if len(entries) == 0 {
		return "", false
	}

	var best *entry
	for _, e := range entries {
		if excluded[e.peerID] {
			continue
		}
		if best == nil || e.requestCount < best.requestCount ||
			(e.requestCount == best.requestCount && e.seq < best.seq) {
			best = e
		}
	}
	if best == nil {
		return "", false
	}
	best.requestCount++
	return best.peerID, true
}

// Unselect undoes a Select that is discovered to be invalid before any
// call was actually dispatched (the picked peer's record turned out
// stale or disconnected between Select and use, per §8's tie-break
// retry scenario). It must not be called once a call has genuinely
// been forwarded to the provider.
func (idx *Index) Unselect(tool, peerID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, e := range idx.byTool[tool] {
		if e.peerID == peerID && e.requestCount > 0 {
			e.requestCount--
			return
		}
	}
}

// Snapshot returns the current tool -> provider peer ids map.
func (idx *Index) Snapshot() map[string][]string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make(map[string][]string, len(idx.byTool))
	for tool, entries := range idx.byTool {
		ids := make([]string, len(entries))
		for i, e := range entries {
			ids[i] = e.peerID
		}
		out[tool] = ids
	}
	return out
}

// Len returns the number of distinct tool names currently indexed.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.byTool)
}
