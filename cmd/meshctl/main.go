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

// meshctl is the federation vault's admin CLI: it registers, verifies,
// rotates, revokes, and lists mesh node identities directly against
// the vault's configured backend, the same operations the original
// federation exposed as MCP tools (federation_register, _verify,
// _rotate, _revoke, _nodes).
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sage-x-project/meshcore/config"
	"github.com/sage-x-project/meshcore/internal/daemon"
	"github.com/sage-x-project/meshcore/vault"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "meshctl",
	Short: "meshctl manages federation vault node identities",
	Long: `meshctl is the administrative client for a mesh core deployment's
federation vault. It registers new nodes, verifies and rotates their
bearer tokens, revokes access, and lists the current node registry.`,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "meshctl.yaml", "path to the vault's config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "meshctl: %v\n", err)
		os.Exit(1)
	}
}

// openVault loads configPath and opens the vault it describes, for
// subcommands to operate against directly (no running daemon required).
func openVault(ctx context.Context) (*vault.Vault, error) {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	config.SubstituteEnvVarsInConfig(cfg)

	store, err := daemon.OpenVaultStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open vault store: %w", err)
	}

	ttl := cfg.Vault.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	v, err := vault.New(store, []byte(cfg.Security.SharedSecret), ttl)
	if err != nil {
		return nil, fmt.Errorf("init vault: %w", err)
	}
	return v, nil
}
