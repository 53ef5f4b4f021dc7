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

// Package postgres implements the federation vault's Store interface on
// top of a Postgres table, for deployments that want the vault's node
// registry to survive a lost disk and be queryable outside the process.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sage-x-project/meshcore/vault"
)

// Store persists vault.NodeRecord rows in a "vault_nodes" table. It
// satisfies vault.Store's whole-map Load/Save contract: Load reads
// every row back into a map, Save replaces the table's contents in one
// transaction so a vault.Vault call that race with a restart never
// observes a half-written set of records.
type Store struct {
	pool *pgxpool.Pool
}

// Config holds the Postgres connection parameters for the vault store.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// DSN renders cfg as a libpq connection string.
func (cfg Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
}

// NewStore opens a pool against dsn, verifies connectivity, and
// ensures the vault_nodes table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping database: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS vault_nodes (
			node_id       TEXT PRIMARY KEY,
			token_hash    TEXT NOT NULL,
			role          TEXT NOT NULL,
			allowed_ips   TEXT[] NOT NULL DEFAULT '{}',
			tools         TEXT[] NOT NULL DEFAULT '{}',
			capabilities  TEXT[] NOT NULL DEFAULT '{}',
			hostname      TEXT NOT NULL DEFAULT '',
			tier          TEXT NOT NULL DEFAULT '',
			revoked       BOOLEAN NOT NULL DEFAULT false,
			created_at    TIMESTAMPTZ NOT NULL,
			rotated_at    TIMESTAMPTZ,
			token_expires TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("postgres: migrate vault_nodes: %w", err)
	}
	return nil
}

// Ping checks the database connection, for wiring into health.VaultHealthCheck.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Load reads every node record back from vault_nodes.
func (s *Store) Load() (map[string]*vault.NodeRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT node_id, token_hash, role, allowed_ips, tools, capabilities,
		       hostname, tier, revoked, created_at, rotated_at, token_expires
		FROM vault_nodes
	`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load vault_nodes: %w", err)
	}
	defer rows.Close()

	records := make(map[string]*vault.NodeRecord)
	for rows.Next() {
		rec := &vault.NodeRecord{}
		var rotatedAt *time.Time
		if err := rows.Scan(
			&rec.NodeID, &rec.TokenHash, &rec.Role, &rec.AllowedIPs, &rec.Tools, &rec.Capabilities,
			&rec.Hostname, &rec.Tier, &rec.Revoked, &rec.CreatedAt, &rotatedAt, &rec.TokenExpires,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan vault_nodes row: %w", err)
		}
		if rotatedAt != nil {
			rec.RotatedAt = *rotatedAt
		}
		records[rec.NodeID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate vault_nodes: %w", err)
	}
	return records, nil
}

// Save replaces vault_nodes' contents with records inside a single
// transaction: upsert every record, then delete whatever node id is no
// longer present, so a concurrent Load never observes a partial set.
func (s *Store) Save(records map[string]*vault.NodeRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	keep := make([]string, 0, len(records))
	for id, rec := range records {
		keep = append(keep, id)
		var rotatedAt *time.Time
		if !rec.RotatedAt.IsZero() {
			rotatedAt = &rec.RotatedAt
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO vault_nodes (
				node_id, token_hash, role, allowed_ips, tools, capabilities,
				hostname, tier, revoked, created_at, rotated_at, token_expires
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			ON CONFLICT (node_id) DO UPDATE SET
				token_hash = EXCLUDED.token_hash,
				role = EXCLUDED.role,
				allowed_ips = EXCLUDED.allowed_ips,
				tools = EXCLUDED.tools,
				capabilities = EXCLUDED.capabilities,
				hostname = EXCLUDED.hostname,
				tier = EXCLUDED.tier,
				revoked = EXCLUDED.revoked,
				rotated_at = EXCLUDED.rotated_at,
				token_expires = EXCLUDED.token_expires
		`,
			rec.NodeID, rec.TokenHash, rec.Role, rec.AllowedIPs, rec.Tools, rec.Capabilities,
			rec.Hostname, rec.Tier, rec.Revoked, rec.CreatedAt, rotatedAt, rec.TokenExpires,
		)
		if err != nil {
			return fmt.Errorf("postgres: upsert node %s: %w", id, err)
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM vault_nodes WHERE NOT (node_id = ANY($1))`, keep); err != nil {
		return fmt.Errorf("postgres: prune removed nodes: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}
