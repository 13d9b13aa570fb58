package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
client:
  request_timeout: 15s
  command_timeout: 45s
  max_reconnect_attempts: 3
  reconnect_interval: 500ms
  max_reconnect_delay: 10s
providers:
  asana:
    client_id: asana-id
    client_secret: asana-secret
    token_endpoint: https://app.asana.com/-/oauth_token
    command_base_url: https://app.asana.com/api/bridge
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.Client.RequestTimeout)
	assert.Equal(t, 45*time.Second, cfg.Client.CommandTimeout)
	assert.Equal(t, 3, cfg.Client.MaxReconnectAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Client.ReconnectInterval)
	assert.Equal(t, 10*time.Second, cfg.Client.MaxReconnectDelay)

	provider, ok := cfg.Providers["asana"]
	require.True(t, ok)
	assert.Equal(t, "asana", provider.Name)
	assert.Equal(t, "asana-id", provider.ClientID)
	assert.Equal(t, "asana-secret", provider.ClientSecret)
	assert.Equal(t, "https://app.asana.com/-/oauth_token", provider.TokenEndpoint)
}

func TestLoadSecretsFromEnv(t *testing.T) {
	t.Setenv("LINEAR_CLIENT_ID", "env-id")
	t.Setenv("LINEAR_CLIENT_SECRET", "env-secret")

	path := writeConfig(t, `
providers:
  linear:
    token_endpoint: https://api.linear.app/oauth/token
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	provider := cfg.Providers["linear"]
	assert.Equal(t, "env-id", provider.ClientID)
	assert.Equal(t, "env-secret", provider.ClientSecret)
}

func TestLoadMissingTokenEndpoint(t *testing.T) {
	path := writeConfig(t, `
providers:
  asana:
    client_id: id
`)

	_, err := Load(path)
	assert.ErrorContains(t, err, "token_endpoint")
}

func TestLoadBadDuration(t *testing.T) {
	path := writeConfig(t, `
client:
  command_timeout: soon
`)

	_, err := Load(path)
	assert.ErrorContains(t, err, "command_timeout")
}
