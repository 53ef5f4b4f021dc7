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

package config

import "fmt"

// ValidationIssue describes a single configuration problem. Level
// "error" fails Load; "warning" is surfaced but non-fatal.
type ValidationIssue struct {
	Field   string
	Message string
	Level   string
}

// ValidateConfiguration checks the mesh core's fully-defaulted config
// for conditions that would prevent the hub or peer controller from
// starting.
func ValidateConfiguration(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue

	if cfg.Node == nil || cfg.Node.ID == "" {
		issues = append(issues, ValidationIssue{
			Field: "node.id", Level: "error",
			Message: "node id must be set",
		})
	}
	if cfg.Node != nil && cfg.Node.Role != "hub" && cfg.Node.Role != "peer" {
		issues = append(issues, ValidationIssue{
			Field: "node.role", Level: "error",
			Message: fmt.Sprintf("unknown role %q, expected hub or peer", cfg.Node.Role),
		})
	}
	if cfg.Node != nil && (cfg.Node.BindPort <= 0 || cfg.Node.BindPort > 65535) {
		issues = append(issues, ValidationIssue{
			Field: "node.bind_port", Level: "error",
			Message: "bind port must be between 1 and 65535",
		})
	}

	if cfg.Security == nil || cfg.Security.SharedSecret == "" {
		issues = append(issues, ValidationIssue{
			Field: "security.shared_secret", Level: "error",
			Message: "shared secret must be set for envelope signing",
		})
	}

	if cfg.Node != nil && cfg.Node.Role == "peer" && (cfg.Hub == nil || len(cfg.Hub.BootstrapAddrs) == 0) {
		issues = append(issues, ValidationIssue{
			Field: "hub.bootstrap_addrs", Level: "warning",
			Message: "peer has no bootstrap addresses configured and will rely on inbound dials only",
		})
	}

	if cfg.Mesh != nil && cfg.Mesh.DegradedAfter >= cfg.Mesh.OfflineAfter {
		issues = append(issues, ValidationIssue{
			Field: "mesh.degraded_after", Level: "error",
			Message: "degraded_after must be strictly less than offline_after",
		})
	}

	if cfg.Vault != nil {
		switch cfg.Vault.Backend {
		case "file":
			if cfg.Vault.Path == "" {
				issues = append(issues, ValidationIssue{
					Field: "vault.path", Level: "error",
					Message: "file vault requires a path",
				})
			}
		case "postgres":
			if cfg.Vault.PostgresDSN == "" {
				issues = append(issues, ValidationIssue{
					Field: "vault.postgres_dsn", Level: "error",
					Message: "postgres vault requires a dsn",
				})
			}
		default:
			issues = append(issues, ValidationIssue{
				Field: "vault.backend", Level: "error",
				Message: fmt.Sprintf("unknown vault backend %q, expected file or postgres", cfg.Vault.Backend),
			})
		}
	}

	return issues
}
