// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the mesh core's top-level configuration structure, loaded
// from a YAML (or JSON) file and then overlaid with environment
// variables.
type Config struct {
	Environment string          `yaml:"environment" json:"environment"`
	Node        *NodeConfig     `yaml:"node" json:"node"`
	Hub         *HubConfig      `yaml:"hub" json:"hub"`
	Security    *SecurityConfig `yaml:"security" json:"security"`
	Mesh        *MeshConfig     `yaml:"mesh" json:"mesh"`
	Vault       *VaultConfig    `yaml:"vault" json:"vault"`
	Logging     *LoggingConfig  `yaml:"logging" json:"logging"`
	Metrics     *MetricsConfig  `yaml:"metrics" json:"metrics"`
	Health      *HealthConfig   `yaml:"health" json:"health"`
}

// NodeConfig identifies this node and where it listens.
type NodeConfig struct {
	ID           string                 `yaml:"id" json:"id"`
	Role         string                 `yaml:"role" json:"role"` // hub, peer
	BindHost     string                 `yaml:"bind_host" json:"bind_host"`
	BindPort     int                    `yaml:"bind_port" json:"bind_port"`
	PublicURL    string                 `yaml:"public_url" json:"public_url"`
	Tools        []string               `yaml:"tools" json:"tools"`
	Capabilities []string               `yaml:"capabilities" json:"capabilities"`
	ToolCommands map[string]ToolCommand `yaml:"tool_commands" json:"tool_commands"`
}

// ToolCommand binds one locally-hosted tool name to an executable: the
// peer daemon's default ToolExecutor runs Command with Args plus the
// caller's arguments appended as "--key=value" flags, and kills it
// after Timeout (defaulting to 120s) if it has not returned.
type ToolCommand struct {
	Command string        `yaml:"command" json:"command"`
	Args    []string      `yaml:"args" json:"args"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// HubConfig configures a peer's outbound connections: an optional hub
// to register with via node/register, and/or bootstrap peers to dial
// directly via peer/handshake.
type HubConfig struct {
	HubURL         string        `yaml:"hub_url" json:"hub_url"`
	BootstrapAddrs []string      `yaml:"bootstrap_addrs" json:"bootstrap_addrs"`
	DialTimeout    time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
}

// SecurityConfig holds the shared signing secret and envelope window.
type SecurityConfig struct {
	SharedSecret  string        `yaml:"shared_secret" json:"shared_secret"`
	EnvelopeWindow time.Duration `yaml:"envelope_window" json:"envelope_window"`
}

// MeshConfig tunes the timing of mesh-wide control loops.
type MeshConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	DegradedAfter     time.Duration `yaml:"degraded_after" json:"degraded_after"`
	OfflineAfter      time.Duration `yaml:"offline_after" json:"offline_after"`
	GossipInterval    time.Duration `yaml:"gossip_interval" json:"gossip_interval"`
	HealthPingInterval time.Duration `yaml:"health_ping_interval" json:"health_ping_interval"`
	CallTimeout       time.Duration `yaml:"call_timeout" json:"call_timeout"`
	BroadcastTTL      int           `yaml:"broadcast_ttl" json:"broadcast_ttl"`
	SendQueueSize     int           `yaml:"send_queue_size" json:"send_queue_size"`
}

// VaultConfig selects and configures the federation vault backend.
type VaultConfig struct {
	Backend     string `yaml:"backend" json:"backend"` // file, postgres
	Path        string `yaml:"path" json:"path"`
	PostgresDSN string `yaml:"postgres_dsn" json:"postgres_dsn"`
	TokenTTL    time.Duration `yaml:"token_ttl" json:"token_ttl"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

// MetricsConfig represents metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port" json:"port"`
	Path    string `yaml:"path" json:"path"`
}

// HealthConfig represents health check configuration
type HealthConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	Port    int      `yaml:"port" json:"port"`
	Path    string   `yaml:"path" json:"path"`
	Checks  []string `yaml:"checks" json:"checks"`
}

// LoadFromFile loads configuration from a file, trying YAML then JSON.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file (tried YAML and JSON): %w", err)
		}
	}

	setDefaults(cfg)

	return cfg, nil
}

// SaveToFile saves configuration to a file, using the extension to pick
// the encoding.
func SaveToFile(cfg *Config, path string) error {
	var data []byte
	var err error

	if len(path) > 5 && path[len(path)-5:] == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setDefaults fills in the mesh core's operational defaults.
func setDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	if cfg.Node == nil {
		cfg.Node = &NodeConfig{}
	}
	if cfg.Node.Role == "" {
		cfg.Node.Role = "peer"
	}
	if cfg.Node.BindHost == "" {
		cfg.Node.BindHost = "0.0.0.0"
	}
	if cfg.Node.BindPort == 0 {
		cfg.Node.BindPort = 8765
	}

	if cfg.Hub == nil {
		cfg.Hub = &HubConfig{}
	}
	if cfg.Hub.DialTimeout == 0 {
		cfg.Hub.DialTimeout = 10 * time.Second
	}

	if cfg.Security == nil {
		cfg.Security = &SecurityConfig{}
	}
	if cfg.Security.EnvelopeWindow == 0 {
		cfg.Security.EnvelopeWindow = 300 * time.Second
	}

	if cfg.Mesh == nil {
		cfg.Mesh = &MeshConfig{}
	}
	if cfg.Mesh.HeartbeatInterval == 0 {
		cfg.Mesh.HeartbeatInterval = 15 * time.Second
	}
	if cfg.Mesh.DegradedAfter == 0 {
		cfg.Mesh.DegradedAfter = 60 * time.Second
	}
	if cfg.Mesh.OfflineAfter == 0 {
		cfg.Mesh.OfflineAfter = 90 * time.Second
	}
	if cfg.Mesh.GossipInterval == 0 {
		cfg.Mesh.GossipInterval = 30 * time.Second
	}
	if cfg.Mesh.HealthPingInterval == 0 {
		cfg.Mesh.HealthPingInterval = 15 * time.Second
	}
	if cfg.Mesh.CallTimeout == 0 {
		cfg.Mesh.CallTimeout = 120 * time.Second
	}
	if cfg.Mesh.BroadcastTTL == 0 {
		cfg.Mesh.BroadcastTTL = 3
	}
	if cfg.Mesh.SendQueueSize == 0 {
		cfg.Mesh.SendQueueSize = 256
	}

	if cfg.Vault == nil {
		cfg.Vault = &VaultConfig{}
	}
	if cfg.Vault.Backend == "" {
		cfg.Vault.Backend = "file"
	}
	if cfg.Vault.Path == "" {
		cfg.Vault.Path = "./vault.json"
	}
	if cfg.Vault.TokenTTL == 0 {
		cfg.Vault.TokenTTL = 24 * time.Hour
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Metrics == nil {
		cfg.Metrics = &MetricsConfig{Enabled: true, Port: 9090, Path: "/metrics"}
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Health == nil {
		cfg.Health = &HealthConfig{Enabled: true, Port: 8080, Path: "/health"}
	}
	if cfg.Health.Path == "" {
		cfg.Health.Path = "/health"
	}
}
