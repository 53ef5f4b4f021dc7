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

// meshhubd runs the mesh core's Hub Controller: the distinguished node
// that accepts peer registrations and performs central tools/call
// routing (§4.6).
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
	"github.com/sage-x-project/meshcore/hub"
	"github.com/sage-x-project/meshcore/internal/daemon"
	"github.com/sage-x-project/meshcore/internal/logger"
	"github.com/sage-x-project/meshcore/internal/version"
	"github.com/sage-x-project/meshcore/vault"
)

func main() {
	configPath := flag.String("config", "meshhubd.yaml", "path to the hub's config file")
	flag.Parse()

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshhubd: %v\n", err)
		os.Exit(1)
	}
	config.SubstituteEnvVarsInConfig(cfg)
	cfg.Node.Role = "hub"

	for _, issue := range config.ValidateConfiguration(cfg) {
		if issue.Level == "error" {
			fmt.Fprintf(os.Stderr, "meshhubd: invalid config: %s: %s\n", issue.Field, issue.Message)
			os.Exit(1)
		}
	}

	log := daemon.NewLogger(cfg)
	log.Info("starting meshhubd",
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

	h := hub.New(cfg, v, log)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); h.Run(ctx) }()
	go func() { defer wg.Done(); serveWS(ctx, cfg, h.Server(), log) }()
	go func() { defer wg.Done(); daemon.ServeSidecar(ctx, cfg, log, store, h.HealthSnapshot) }()

	daemon.WaitForSignal(log)
	cancel()
	wg.Wait()
	log.Info("meshhubd stopped")
}

// serveWS mounts the hub's WebSocket transport at /ws on the node's
// configured bind address.
func serveWS(ctx context.Context, cfg *config.Config, wsHandler http.Handler, log logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/ws", wsHandler)
	daemon.Serve(ctx, &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Node.BindHost, cfg.Node.BindPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}, "ws listener", log)
}
