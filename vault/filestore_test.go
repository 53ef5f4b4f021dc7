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

package vault

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSavePersistsNodesEnvelope(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.json")
	store, err := NewFileStore(path)
	require.NoError(t, err)

	require.NoError(t, store.Save(map[string]*NodeRecord{
		"node-a": {NodeID: "node-a", Role: "node", Tools: []string{"search"}},
	}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var env map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Contains(t, env, "nodes")
	assert.Contains(t, env, "updated_at")

	var nodes []*NodeRecord
	require.NoError(t, json.Unmarshal(env["nodes"], &nodes))
	require.Len(t, nodes, 1)
	assert.Equal(t, "node-a", nodes[0].NodeID)
}

func TestLoadRoundTripsSavedEnvelope(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.json")
	store, err := NewFileStore(path)
	require.NoError(t, err)

	require.NoError(t, store.Save(map[string]*NodeRecord{
		"node-a": {NodeID: "node-a", Role: "node"},
		"node-b": {NodeID: "node-b", Role: "hub"},
	}))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "node", loaded["node-a"].Role)
	assert.Equal(t, "hub", loaded["node-b"].Role)
}

func TestLoadMissingFileReturnsEmptyMap(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "vault.json"))
	require.NoError(t, err)

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}
