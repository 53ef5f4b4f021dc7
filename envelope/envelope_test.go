package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	secret := []byte("shared-secret")
	now := time.Unix(1_700_000_000, 0)

	env, err := Sign(secret, map[string]any{"b": 1, "a": 2}, now)
	require.NoError(t, err)

	data, err := Verify(secret, env, now, DefaultWindow)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":2,"b":1}`, string(data))
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	secret := []byte("shared-secret")
	now := time.Unix(1_700_000_000, 0)

	env, err := Sign(secret, map[string]any{"x": 1}, now)
	require.NoError(t, err)

	_, err = Verify([]byte("wrong-secret"), env, now, DefaultWindow)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyReplayWindowBoundary(t *testing.T) {
	secret := []byte("shared-secret")
	signedAt := time.Unix(1_700_000_000, 0)

	env, err := Sign(secret, map[string]any{"x": 1}, signedAt)
	require.NoError(t, err)

	// Exactly at the window boundary: reject.
	_, err = Verify(secret, env, signedAt.Add(DefaultWindow), DefaultWindow)
	assert.ErrorIs(t, err, ErrExpiredTimestamp)

	// One second inside the window: accept.
	_, err = Verify(secret, env, signedAt.Add(DefaultWindow-time.Second), DefaultWindow)
	assert.NoError(t, err)
}

func TestVerifyMalformedEnvelope(t *testing.T) {
	_, err := Verify([]byte("s"), &Envelope{}, time.Now(), DefaultWindow)
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestCanonicalizationIsKeyOrderIndependent(t *testing.T) {
	secret := []byte("shared-secret")
	now := time.Unix(1_700_000_000, 0)

	env1, err := Sign(secret, map[string]any{"a": 1, "b": 2}, now)
	require.NoError(t, err)
	env2, err := Sign(secret, map[string]any{"b": 2, "a": 1}, now)
	require.NoError(t, err)

	assert.Equal(t, env1.Signature, env2.Signature)
}
