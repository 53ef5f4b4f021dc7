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

// Package vault implements the federation vault: the registry of node
// identities and the bearer tokens issued to them. A node presents its
// token on every node/register and peer/handshake; the vault never
// stores the token itself, only a SHA-256 digest of it.
package vault

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/sage-x-project/meshcore/errs"
	"github.com/sage-x-project/meshcore/internal/metrics"
)

// NodeRecord is everything the vault keeps about a registered node.
// The bearer token itself is never persisted, only its digest.
type NodeRecord struct {
	NodeID       string    `json:"node_id"`
	TokenHash    string    `json:"token_hash"`
	Role         string    `json:"role"` // hub, node, contributor
	AllowedIPs   []string  `json:"allowed_ips,omitempty"`
	Tools        []string  `json:"tools"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Hostname     string    `json:"hostname,omitempty"`
	Tier         string    `json:"tier,omitempty"`
	Revoked      bool      `json:"revoked"`
	CreatedAt    time.Time `json:"created_at"`
	RotatedAt    time.Time `json:"rotated_at,omitempty"`
	TokenExpires time.Time `json:"token_expires"`
}

// claims is the JWT payload carried by issued bearer tokens. Each token
// gets a fresh jti, so every issued token (and its digest) is unique;
// the vault keeps one digest per node id, so issuing a new token for a
// node invalidates that node's previous token.
type claims struct {
	NodeID string `json:"node_id"`
	jwt.RegisteredClaims
}

// Store persists the vault's node records. FileStore and the Postgres
// backend under storage/postgres both satisfy it.
type Store interface {
	Load() (map[string]*NodeRecord, error)
	Save(map[string]*NodeRecord) error
}

// Vault is the federation vault: node registration, token
// verification, rotation and revocation, backed by a pluggable Store.
type Vault struct {
	mu      sync.RWMutex
	records map[string]*NodeRecord
	store   Store
	secret  []byte
	tokenTTL time.Duration

	rotating map[string]bool
}

// New loads a Vault's records from store and returns it ready for use.
func New(store Store, secret []byte, tokenTTL time.Duration) (*Vault, error) {
	records, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("vault: load: %w", err)
	}
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	metrics.RegisteredNodes.Set(float64(len(records)))
	return &Vault{
		records:  records,
		store:    store,
		secret:   secret,
		tokenTTL: tokenTTL,
		rotating: make(map[string]bool),
	}, nil
}

// Register creates (or re-registers) a node identity and returns a
// freshly issued bearer token. Re-registering an existing, non-revoked
// node updates its advertised tools/capabilities and rotates its
// token, invalidating whatever token it held before. The node is
// registered with role "node" and an empty allowed_ips set (any source
// IP permitted); use RegisterNode to set both explicitly.
func (v *Vault) Register(nodeID string, tools, capabilities []string, hostname, tier string) (string, error) {
	return v.RegisterNode(nodeID, "node", nil, tools, capabilities, hostname, tier)
}

// RegisterNode is the full form of Register, accepting the node's
// federation role and an optional allowed_ips allowlist (§4.2). An
// empty allowedIPs means any source IP is accepted (I5).
func (v *Vault) RegisterNode(nodeID, role string, allowedIPs, tools, capabilities []string, hostname, tier string) (string, error) {
	if nodeID == "" {
		return "", fmt.Errorf("vault: %w: empty node id", errs.ErrUnknownNode)
	}
	if role == "" {
		role = "node"
	}

	token, hash, expires, err := v.issueToken(nodeID)
	if err != nil {
		metrics.VaultOperations.WithLabelValues("register", "error").Inc()
		return "", err
	}

	v.mu.Lock()
	rec, exists := v.records[nodeID]
	if exists && rec.Revoked {
		v.mu.Unlock()
		metrics.VaultOperations.WithLabelValues("register", "error").Inc()
		return "", errs.ErrRevoked
	}
	v.records[nodeID] = &NodeRecord{
		NodeID:       nodeID,
		TokenHash:    hash,
		Role:         role,
		AllowedIPs:   allowedIPs,
		Tools:        tools,
		Capabilities: capabilities,
		Hostname:     hostname,
		Tier:         tier,
		CreatedAt:    timeNowOrKeep(rec),
		TokenExpires: expires,
	}
	metrics.RegisteredNodes.Set(float64(len(v.records)))
	snapshot := v.snapshotLocked()
	v.mu.Unlock()

	if err := v.persist(snapshot); err != nil {
		metrics.VaultOperations.WithLabelValues("register", "error").Inc()
		return "", err
	}
	metrics.VaultOperations.WithLabelValues("register", "ok").Inc()
	metrics.TokensIssued.Inc()
	return token, nil
}

func timeNowOrKeep(existing *NodeRecord) time.Time {
	if existing != nil {
		return existing.CreatedAt
	}
	return time.Now()
}

// Verify checks a presented bearer token against the stored digest for
// nodeID, and that the record has not been revoked or expired.
func (v *Vault) Verify(nodeID, token string) error {
	v.mu.RLock()
	rec, ok := v.records[nodeID]
	v.mu.RUnlock()

	if !ok {
		metrics.VaultOperations.WithLabelValues("verify", "error").Inc()
		return errs.ErrUnknownNode
	}
	if rec.Revoked {
		metrics.VaultOperations.WithLabelValues("verify", "error").Inc()
		return errs.ErrRevoked
	}
	if time.Now().After(rec.TokenExpires) {
		metrics.VaultOperations.WithLabelValues("verify", "error").Inc()
		return errs.ErrRevoked
	}

	if _, err := v.parseToken(token, nodeID); err != nil {
		metrics.VaultOperations.WithLabelValues("verify", "error").Inc()
		return fmt.Errorf("vault: %w", errs.ErrBadSignature)
	}

	if subtle.ConstantTimeCompare([]byte(hashToken(token)), []byte(rec.TokenHash)) != 1 {
		metrics.VaultOperations.WithLabelValues("verify", "error").Inc()
		return fmt.Errorf("vault: %w", errs.ErrBadSignature)
	}

	metrics.VaultOperations.WithLabelValues("verify", "ok").Inc()
	return nil
}

// VerifyIP is Verify plus the allowed_ips check of §4.1/I5: a non-empty
// allowed_ips set on the record restricts which observed source IP may
// authenticate as that node. clientIP == "" skips the check (used when
// the transport doesn't expose a remote address, e.g. in-process tests).
func (v *Vault) VerifyIP(nodeID, token, clientIP string) error {
	if err := v.Verify(nodeID, token); err != nil {
		return err
	}
	if clientIP == "" {
		return nil
	}
	v.mu.RLock()
	rec, ok := v.records[nodeID]
	v.mu.RUnlock()
	if !ok {
		return errs.ErrUnknownNode
	}
	if len(rec.AllowedIPs) == 0 {
		return nil
	}
	for _, allowed := range rec.AllowedIPs {
		if allowed == clientIP {
			return nil
		}
	}
	metrics.VaultOperations.WithLabelValues("verify", "error").Inc()
	return errs.ErrIPNotAllowed
}

// Role returns the registered role for nodeID, if known.
func (v *Vault) Role(nodeID string) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	rec, ok := v.records[nodeID]
	if !ok {
		return "", false
	}
	return rec.Role, true
}

// Rotate issues a fresh bearer token for an existing, non-revoked node,
// invalidating the previous one. Concurrent rotations for the same node
// are rejected with errs.ErrConflict so an in-flight rotation can never
// be clobbered by a second one racing it.
func (v *Vault) Rotate(nodeID string) (string, error) {
	v.mu.Lock()
	if v.rotating[nodeID] {
		v.mu.Unlock()
		metrics.VaultOperations.WithLabelValues("rotate", "error").Inc()
		return "", errs.ErrConflict
	}
	rec, ok := v.records[nodeID]
	if !ok {
		v.mu.Unlock()
		metrics.VaultOperations.WithLabelValues("rotate", "error").Inc()
		return "", errs.ErrUnknownNode
	}
	if rec.Revoked {
		v.mu.Unlock()
		metrics.VaultOperations.WithLabelValues("rotate", "error").Inc()
		return "", errs.ErrRevoked
	}
	v.rotating[nodeID] = true
	v.mu.Unlock()

	defer func() {
		v.mu.Lock()
		delete(v.rotating, nodeID)
		v.mu.Unlock()
	}()

	token, hash, expires, err := v.issueToken(nodeID)
	if err != nil {
		metrics.VaultOperations.WithLabelValues("rotate", "error").Inc()
		return "", err
	}

	v.mu.Lock()
	rec = v.records[nodeID]
	rec.TokenHash = hash
	rec.TokenExpires = expires
	rec.RotatedAt = time.Now()
	snapshot := v.snapshotLocked()
	v.mu.Unlock()

	if err := v.persist(snapshot); err != nil {
		metrics.VaultOperations.WithLabelValues("rotate", "error").Inc()
		return "", err
	}
	metrics.VaultOperations.WithLabelValues("rotate", "ok").Inc()
	metrics.TokensIssued.Inc()
	return token, nil
}

// Revoke marks a node's identity revoked; its token (and any future
// token) stops verifying immediately.
func (v *Vault) Revoke(nodeID string) error {
	v.mu.Lock()
	rec, ok := v.records[nodeID]
	if !ok {
		v.mu.Unlock()
		metrics.VaultOperations.WithLabelValues("revoke", "error").Inc()
		return errs.ErrUnknownNode
	}
	rec.Revoked = true
	snapshot := v.snapshotLocked()
	v.mu.Unlock()

	if err := v.persist(snapshot); err != nil {
		metrics.VaultOperations.WithLabelValues("revoke", "error").Inc()
		return err
	}
	metrics.VaultOperations.WithLabelValues("revoke", "ok").Inc()
	return nil
}

// List returns a snapshot of every node record, revoked or not.
func (v *Vault) List() []NodeRecord {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]NodeRecord, 0, len(v.records))
	for _, rec := range v.records {
		out = append(out, *rec)
	}
	metrics.VaultOperations.WithLabelValues("list", "ok").Inc()
	return out
}

// Get returns a single node's record.
func (v *Vault) Get(nodeID string) (NodeRecord, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	rec, ok := v.records[nodeID]
	if !ok {
		return NodeRecord{}, false
	}
	return *rec, true
}

func (v *Vault) snapshotLocked() map[string]*NodeRecord {
	out := make(map[string]*NodeRecord, len(v.records))
	for id, rec := range v.records {
		cp := *rec
		out[id] = &cp
	}
	return out
}

func (v *Vault) persist(records map[string]*NodeRecord) error {
	start := time.Now()
	err := v.store.Save(records)
	metrics.PersistDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("vault: persist: %w", err)
	}
	return nil
}

func (v *Vault) issueToken(nodeID string) (token, hash string, expires time.Time, err error) {
	now := time.Now()
	expires = now.Add(v.tokenTTL)
	c := claims{
		NodeID: nodeID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   nodeID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := t.SignedString(v.secret)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("vault: sign token: %w", err)
	}
	return signed, hashToken(signed), expires, nil
}

func (v *Vault) parseToken(token, expectNodeID string) (*claims, error) {
	c := &claims{}
	parsed, err := jwt.ParseWithClaims(token, c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if c.NodeID != expectNodeID {
		return nil, errors.New("token node id mismatch")
	}
	return c, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
