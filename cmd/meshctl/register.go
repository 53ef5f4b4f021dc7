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
	"strings"

	"github.com/spf13/cobra"
)

var (
	registerRole         string
	registerTools        string
	registerCapabilities string
	registerAllowedIPs   string
	registerHostname     string
	registerTier         string
)

var registerCmd = &cobra.Command{
	Use:   "register <node-id>",
	Short: "Register a new federation node. Prints the auth token (shown once!)",
	Args:  cobra.ExactArgs(1),
	RunE:  runRegister,
}

func init() {
	rootCmd.AddCommand(registerCmd)

	registerCmd.Flags().StringVar(&registerRole, "role", "node", "node role (hub, node, contributor)")
	registerCmd.Flags().StringVar(&registerTools, "tools", "", "comma-separated tool names this node hosts")
	registerCmd.Flags().StringVar(&registerCapabilities, "capabilities", "", "comma-separated capability names")
	registerCmd.Flags().StringVar(&registerAllowedIPs, "allowed-ips", "", "comma-separated CIDR/IP allowlist")
	registerCmd.Flags().StringVar(&registerHostname, "hostname", "", "node hostname, for operator visibility")
	registerCmd.Flags().StringVar(&registerTier, "tier", "", "node tier label")
}

func runRegister(cmd *cobra.Command, args []string) error {
	nodeID := args[0]

	v, err := openVault(cmd.Context())
	if err != nil {
		return err
	}

	if _, ok := v.Get(nodeID); ok {
		return fmt.Errorf("node %s is already registered", nodeID)
	}

	token, err := v.RegisterNode(nodeID, registerRole, splitCSV(registerAllowedIPs),
		splitCSV(registerTools), splitCSV(registerCapabilities), registerHostname, registerTier)
	if err != nil {
		return fmt.Errorf("register node: %w", err)
	}

	fmt.Printf("node_id: %s\n", nodeID)
	fmt.Printf("role: %s\n", registerRole)
	fmt.Printf("token: %s\n", token)
	fmt.Println("note: save this token, it will not be shown again")
	fmt.Printf("env_line: MESHCORE_NODE_TOKEN=%s\n", token)
	return nil
}

// splitCSV splits a comma-separated flag value, dropping empty entries
// so an unset flag yields a nil slice rather than []string{""}.
func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
