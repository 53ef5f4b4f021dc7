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

// Package envelope implements the HMAC-SHA256 signed envelope used for
// server-to-server messages: {data, timestamp, signature}.
package envelope

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Sentinel errors matching the verification-failure kinds of the spec.
var (
	ErrExpiredTimestamp = errors.New("envelope: expired timestamp")
	ErrBadSignature     = errors.New("envelope: bad signature")
	ErrMalformedEnvelope = errors.New("envelope: malformed envelope")
)

// DefaultWindow is the default replay window (±300s).
const DefaultWindow = 300 * time.Second

// Envelope is the outer signed structure carried between servers.
type Envelope struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	Signature string          `json:"signature"`
}

// Sign produces a signed envelope wrapping data, signed with secret at
// the given instant.
func Sign(secret []byte, data any, now time.Time) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal data: %w", err)
	}
	canon, err := canonicalize(raw)
	if err != nil {
		return nil, fmt.Errorf("envelope: canonicalize: %w", err)
	}
	ts := now.Unix()
	sig := sign(secret, ts, canon)
	return &Envelope{Data: raw, Timestamp: ts, Signature: sig}, nil
}

// Verify checks the envelope's timestamp against window and its
// signature against secret, returning the raw data on success.
func Verify(secret []byte, env *Envelope, now time.Time, window time.Duration) (json.RawMessage, error) {
	if env == nil || len(env.Data) == 0 || env.Signature == "" {
		return nil, ErrMalformedEnvelope
	}
	if window <= 0 {
		window = DefaultWindow
	}
	skew := now.Unix() - env.Timestamp
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second >= window {
		return nil, ErrExpiredTimestamp
	}
	canon, err := canonicalize(env.Data)
	if err != nil {
		return nil, ErrMalformedEnvelope
	}
	expected := sign(secret, env.Timestamp, canon)
	if !hmac.Equal([]byte(expected), []byte(env.Signature)) {
		return nil, ErrBadSignature
	}
	return env.Data, nil
}

// sign computes hex(HMAC-SHA256(secret, "{timestamp}:{canonical_json(data)}")).
func sign(secret []byte, timestamp int64, canonicalData []byte) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%d:", timestamp)
	mac.Write(canonicalData)
	return hex.EncodeToString(mac.Sum(nil))
}

// canonicalize re-marshals arbitrary JSON with object keys sorted
// lexicographically at every nesting level, so two semantically equal
// payloads always sign identically.
func canonicalize(raw json.RawMessage) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return marshalCanonical(v)
}

func marshalCanonical(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := marshalCanonical(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil
	case []any:
		buf := []byte{'['}
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			ib, err := marshalCanonical(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, ib...)
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		return json.Marshal(val)
	}
}
