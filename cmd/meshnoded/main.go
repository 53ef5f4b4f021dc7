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

// meshnoded runs a mesh core Peer Controller: a node that dials a hub
// and/or bootstrap peers, gossips membership, and serves the tools it
// hosts locally to the rest of the mesh (§4.5).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/sage-x-project/meshcore/config"
	"github.com/sage-x-project/meshcore/internal/daemon"
	"github.com/sage-x-project/meshcore/internal/logger"
	"github.com/sage-x-project/meshcore/internal/version"
	"github.com/sage-x-project/meshcore/peer"
	"github.com/sage-x-project/meshcore/toolexec"
	"github.com/sage-x-project/meshcore/vault"
)

func main() {
	configPath := flag.String("config", "meshnoded.yaml", "path to the node's config file")
	token := flag.String("token", os.Getenv("MESHCORE_NODE_TOKEN"), "this node's federation auth token")
	flag.Parse()

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshnoded: %v\n", err)
		os.Exit(1)
	}
	config.SubstituteEnvVarsInConfig(cfg)
	cfg.Node.Role = "peer"

	for _, issue := range config.ValidateConfiguration(cfg) {
		if issue.Level == "error" {
			fmt.Fprintf(os.Stderr, "meshnoded: invalid config: %s: %s\n", issue.Field, issue.Message)
			os.Exit(1)
		}
	}
	if *token == "" {
		fmt.Fprintln(os.Stderr, "meshnoded: a federation auth token is required (-token or MESHCORE_NODE_TOKEN)")
		os.Exit(1)
	}

	log := daemon.NewLogger(cfg)
	log.Info("starting meshnoded",
		logger.String("version", version.Short()),
		logger.String("node_id", cfg.Node.ID),
		logger.String("environment", cfg.Environment),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := daemon.OpenVaultStore(ctx, cfg)
	if err != nil {
		log.Fatal("vault store", logger.Error(err))
	}
	v, err := vault.New(store, []byte(cfg.Security.SharedSecret), cfg.Vault.TokenTTL)
	if err != nil {
		log.Fatal("vault init", logger.Error(err))
	}

	executor := toolexec.New(cfg.Node.ToolCommands, log)
	p := peer.New(cfg, v, cfg.Node.ID, *token, cfg.Node.Tools, cfg.Node.Capabilities, executor, log)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); p.Run(ctx) }()
	go func() { defer wg.Done(); serveWS(ctx, cfg, p.Server(), log) }()
	go func() { defer wg.Done(); daemon.ServeSidecar(ctx, cfg, log, store, p.HealthSnapshot) }()

	daemon.WaitForSignal(log)
	cancel()
	wg.Wait()
	log.Info("meshnoded stopped")
}

// serveWS mounts the peer's WebSocket transport at /ws on the node's
// configured bind address, for inbound peer dials and node registrations.
func serveWS(ctx context.Context, cfg *config.Config, wsHandler http.Handler, log logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/ws", wsHandler)
	daemon.Serve(ctx, &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Node.BindHost, cfg.Node.BindPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}, "ws listener", log)
}
