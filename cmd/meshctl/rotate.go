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

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rotateCmd = &cobra.Command{
	Use:   "rotate <node-id>",
	Short: "Rotate a node's auth token and print the replacement",
	Args:  cobra.ExactArgs(1),
	RunE:  runRotate,
}

func init() {
	rootCmd.AddCommand(rotateCmd)
}

func runRotate(cmd *cobra.Command, args []string) error {
	nodeID := args[0]

	v, err := openVault(cmd.Context())
	if err != nil {
		return err
	}
	token, err := v.Rotate(nodeID)
	if err != nil {
		return fmt.Errorf("rotate %s: %w", nodeID, err)
	}

	fmt.Printf("node_id: %s\n", nodeID)
	fmt.Printf("new_token: %s\n", token)
	fmt.Println("note: update the node's MESHCORE_NODE_TOKEN and restart it")
	fmt.Printf("env_line: MESHCORE_NODE_TOKEN=%s\n", token)
	return nil
}
