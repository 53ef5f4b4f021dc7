package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromFileYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node:
  id: node-a
  role: hub
  bind_port: 9000
security:
  shared_secret: topsecret
`), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "node-a", cfg.Node.ID)
	assert.Equal(t, "hub", cfg.Node.Role)
	assert.Equal(t, 9000, cfg.Node.BindPort)
	assert.Equal(t, "topsecret", cfg.Security.SharedSecret)
	assert.Equal(t, 15*time.Second, cfg.Mesh.HeartbeatInterval)
}

func TestSetDefaultsFillsMeshTiming(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)

	assert.Equal(t, 60*time.Second, cfg.Mesh.DegradedAfter)
	assert.Equal(t, 90*time.Second, cfg.Mesh.OfflineAfter)
	assert.Equal(t, 256, cfg.Mesh.SendQueueSize)
	assert.Equal(t, "file", cfg.Vault.Backend)
	assert.Equal(t, "peer", cfg.Node.Role)
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("MESH_TEST_VALUE", "resolved")

	assert.Equal(t, "resolved", SubstituteEnvVars("${MESH_TEST_VALUE}"))
	assert.Equal(t, "fallback", SubstituteEnvVars("${MESH_UNSET_VALUE:fallback}"))
	assert.Equal(t, "", SubstituteEnvVars("${MESH_UNSET_VALUE}"))
}

func TestValidateConfigurationCatchesMissingSecret(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)
	cfg.Node.ID = "node-a"

	issues := ValidateConfiguration(cfg)
	require.NotEmpty(t, issues)

	found := false
	for _, issue := range issues {
		if issue.Field == "security.shared_secret" {
			found = true
			assert.Equal(t, "error", issue.Level)
		}
	}
	assert.True(t, found)
}

func TestValidateConfigurationRejectsBadTimingOrder(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)
	cfg.Node.ID = "node-a"
	cfg.Security.SharedSecret = "s"
	cfg.Mesh.DegradedAfter = 90 * time.Second
	cfg.Mesh.OfflineAfter = 60 * time.Second

	issues := ValidateConfiguration(cfg)
	var gotTimingError bool
	for _, issue := range issues {
		if issue.Field == "mesh.degraded_after" {
			gotTimingError = true
		}
	}
	assert.True(t, gotTimingError)
}

func TestValidateConfigurationAcceptsWellFormedConfig(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)
	cfg.Node.ID = "node-a"
	cfg.Node.Role = "hub"
	cfg.Security.SharedSecret = "s"

	issues := ValidateConfiguration(cfg)
	for _, issue := range issues {
		assert.NotEqual(t, "error", issue.Level)
	}
}
