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

// Package daemon holds the process-level scaffolding shared by
// meshhubd and meshnoded: config-driven logger construction, vault
// store selection, the health/metrics sidecar HTTP servers, and
// signal-based shutdown.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sage-x-project/meshcore/config"
	"github.com/sage-x-project/meshcore/health"
	"github.com/sage-x-project/meshcore/internal/logger"
	"github.com/sage-x-project/meshcore/internal/metrics"
	"github.com/sage-x-project/meshcore/internal/version"
	"github.com/sage-x-project/meshcore/storage/postgres"
	"github.com/sage-x-project/meshcore/vault"
)

// pinger is satisfied by both vault.FileStore and storage/postgres.Store;
// it lets the sidecar register a vault connectivity health check without
// the vault.Store interface itself needing to grow a Ping method.
type pinger interface {
	Ping(ctx context.Context) error
}

// NewLogger builds the process logger from cfg.Logging.
func NewLogger(cfg *config.Config) logger.Logger {
	level := logger.InfoLevel
	switch cfg.Logging.Level {
	case "debug":
		level = logger.DebugLevel
	case "warn":
		level = logger.WarnLevel
	case "error":
		level = logger.ErrorLevel
	}
	l := logger.NewLogger(os.Stdout, level)
	l.SetPrettyPrint(cfg.Logging.Format != "json")
	return l
}

// OpenVaultStore opens the backend named by cfg.Vault.Backend.
func OpenVaultStore(ctx context.Context, cfg *config.Config) (vault.Store, error) {
	switch cfg.Vault.Backend {
	case "postgres":
		return postgres.NewStore(ctx, cfg.Vault.PostgresDSN)
	default:
		return vault.NewFileStore(cfg.Vault.Path)
	}
}

// HealthSnapshot is the HealthSnapshot method shape shared by
// hub.Controller and peer.Controller.
type HealthSnapshot func() (status string, connectedPeers, knownTools int, uptime time.Duration)

// ServeSidecar runs the health and metrics HTTP servers named in cfg
// until ctx is cancelled. It returns once both have shut down. store is
// the vault backend the process opened (used for a connectivity check
// if it supports Ping); snapshot reports the live node/mesh state.
func ServeSidecar(ctx context.Context, cfg *config.Config, log logger.Logger, store vault.Store, snapshot HealthSnapshot) {
	var wg sync.WaitGroup

	checker := health.NewHealthChecker(5 * time.Second)
	checker.SetLogger(log)
	if p, ok := store.(pinger); ok {
		checker.RegisterCheck("vault", health.VaultHealthCheck(p.Ping))
	}
	checker.RegisterCheck("mesh", health.PeerCountHealthCheck(0, func() int {
		_, connected, _, _ := snapshot()
		return connected
	}))

	if cfg.Health != nil && cfg.Health.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mux := http.NewServeMux()
			mux.HandleFunc(cfg.Health.Path, func(w http.ResponseWriter, r *http.Request) {
				status, connected, tools, uptime := snapshot()
				w.Header().Set("Content-Type", "application/json")
				if status != "ok" {
					w.WriteHeader(http.StatusServiceUnavailable)
				}
				json.NewEncoder(w).Encode(map[string]any{
					"status":          status,
					"connected_peers": connected,
					"known_tools":     tools,
					"uptime_seconds":  int64(uptime.Seconds()),
					"version":         version.Short(),
				})
			})
			mux.HandleFunc(strings.TrimSuffix(cfg.Health.Path, "/")+"/detailed", func(w http.ResponseWriter, r *http.Request) {
				sys := checker.GetSystemHealth(r.Context())
				w.Header().Set("Content-Type", "application/json")
				if sys.Status != health.StatusHealthy {
					w.WriteHeader(http.StatusServiceUnavailable)
				}
				json.NewEncoder(w).Encode(sys)
			})
			Serve(ctx, &http.Server{
				Addr:              fmt.Sprintf(":%d", cfg.Health.Port),
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}, "health listener", log)
		}()
	}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mux := http.NewServeMux()
			mux.Handle(cfg.Metrics.Path, metrics.Handler())
			Serve(ctx, &http.Server{
				Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}, "metrics listener", log)
		}()
	}

	wg.Wait()
}

// Serve runs srv until ctx is cancelled, then shuts it down with a
// bounded grace period.
func Serve(ctx context.Context, srv *http.Server, name string, log logger.Logger) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Info(name+" listening", logger.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error(name+" failed", logger.Error(err))
	}
}

// WaitForSignal blocks until SIGINT or SIGTERM and logs which one fired.
func WaitForSignal(log logger.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received signal, shutting down", logger.String("signal", sig.String()))
}
