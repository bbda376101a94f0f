package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
auth:
  admin_token: `+validBase64Token()+`
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 6666, cfg.Provider.Port)
	assert.Equal(t, 5555, cfg.Probe.Port)
	assert.Equal(t, 8080, cfg.Rest.Port)
	assert.Equal(t, 12*time.Hour, cfg.Auth.SessionTTL)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
provider:
  bind_addr: "0.0.0.0"
  port: 7777
auth:
  admin_token: `+validBase64Token()+`
  session_ttl: 1h
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Provider.BindAddr)
	assert.Equal(t, 7777, cfg.Provider.Port)
	assert.Equal(t, time.Hour, cfg.Auth.SessionTTL)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadReturnsErrorForMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestAdminTokenBytesValidatesLength(t *testing.T) {
	cfg := AuthConfig{AdminTokenBase64: "AAAA"}
	_, err := cfg.AdminTokenBytes()
	assert.Error(t, err)
}

func TestAdminTokenBytesDecodes(t *testing.T) {
	cfg := AuthConfig{AdminTokenBase64: validBase64Token()}
	b, err := cfg.AdminTokenBytes()
	require.NoError(t, err)
	assert.Len(t, b, 25)
}

func validBase64Token() string {
	return "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAg=="
}
