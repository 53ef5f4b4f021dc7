package vault

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/meshcore/errs"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "vault.json"))
	require.NoError(t, err)
	v, err := New(store, []byte("test-secret"), time.Hour)
	require.NoError(t, err)
	return v
}

func TestRegisterThenVerify(t *testing.T) {
	v := newTestVault(t)

	token, err := v.Register("node-a", []string{"search"}, nil, "host-a", "standard")
	require.NoError(t, err)
	assert.NoError(t, v.Verify("node-a", token))
}

func TestVerifyRejectsWrongToken(t *testing.T) {
	v := newTestVault(t)

	_, err := v.Register("node-a", []string{"search"}, nil, "", "")
	require.NoError(t, err)

	err = v.Verify("node-a", "not-a-real-token")
	assert.Error(t, err)
}

func TestVerifyUnknownNode(t *testing.T) {
	v := newTestVault(t)
	err := v.Verify("ghost", "whatever")
	assert.ErrorIs(t, err, errs.ErrUnknownNode)
}

func TestRotateInvalidatesPreviousToken(t *testing.T) {
	v := newTestVault(t)

	oldToken, err := v.Register("node-a", []string{"search"}, nil, "", "")
	require.NoError(t, err)

	newToken, err := v.Rotate("node-a")
	require.NoError(t, err)
	assert.NotEqual(t, oldToken, newToken)

	assert.Error(t, v.Verify("node-a", oldToken))
	assert.NoError(t, v.Verify("node-a", newToken))
}

func TestRevokeBlocksVerifyAndRotate(t *testing.T) {
	v := newTestVault(t)

	token, err := v.Register("node-a", []string{"search"}, nil, "", "")
	require.NoError(t, err)

	require.NoError(t, v.Revoke("node-a"))

	assert.ErrorIs(t, v.Verify("node-a", token), errs.ErrRevoked)
	_, err = v.Rotate("node-a")
	assert.ErrorIs(t, err, errs.ErrRevoked)
}

func TestRegisterRejectsRevokedNode(t *testing.T) {
	v := newTestVault(t)

	_, err := v.Register("node-a", []string{"search"}, nil, "", "")
	require.NoError(t, err)
	require.NoError(t, v.Revoke("node-a"))

	_, err = v.Register("node-a", []string{"search"}, nil, "", "")
	assert.ErrorIs(t, err, errs.ErrRevoked)
}

func TestConcurrentRotateIsRejected(t *testing.T) {
	v := newTestVault(t)
	_, err := v.Register("node-a", []string{"search"}, nil, "", "")
	require.NoError(t, err)

	v.mu.Lock()
	v.rotating["node-a"] = true
	v.mu.Unlock()

	_, err = v.Rotate("node-a")
	assert.ErrorIs(t, err, errs.ErrConflict)
}

func TestListReturnsAllRecords(t *testing.T) {
	v := newTestVault(t)
	_, err := v.Register("node-a", []string{"search"}, nil, "", "")
	require.NoError(t, err)
	_, err = v.Register("node-b", []string{"translate"}, nil, "", "")
	require.NoError(t, err)

	records := v.List()
	assert.Len(t, records, 2)
}

func TestVaultPersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vault.json")

	store1, err := NewFileStore(path)
	require.NoError(t, err)
	v1, err := New(store1, []byte("test-secret"), time.Hour)
	require.NoError(t, err)
	token, err := v1.Register("node-a", []string{"search"}, nil, "", "")
	require.NoError(t, err)

	store2, err := NewFileStore(path)
	require.NoError(t, err)
	v2, err := New(store2, []byte("test-secret"), time.Hour)
	require.NoError(t, err)

	assert.NoError(t, v2.Verify("node-a", token))
}
