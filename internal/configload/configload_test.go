package configload

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
clients:
  - id: acme-cli
    name: ACME CLI
    enabled: true
    strategy_id: default
    secret_hash: deadbeef
    allowed_providers: ["openai-main"]
    mcp_access:
      kind: specific
      servers: ["weather"]

strategies:
  - id: default
    name: Default
    allowed_models:
      mode: wildcard
    rate_limits:
      - kind: requests
        window: minute
        limit: 60

providers:
  - id: openai-main
    family: openai_compat
    api_key_ref: openai-main-key
    base_url: https://api.openai.com/v1

mcp_servers:
  - id: weather
    name: Weather Tools
    enabled: true
    transport:
      kind: stdio
      command: weather-mcp-server
    auth:
      kind: none
`

func writeTempConfig(t *testing.T, content string) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "routing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_ParsesFullDocument(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)

	resolveSecret := func(ref string) (string, error) {
		return "resolved-" + ref, nil
	}

	snap, err := Load(path, resolveSecret)
	require.NoError(t, err)

	client, ok := snap.ClientByID("acme-cli")
	require.True(t, ok)
	assert.Contains(t, client.AllowedProviders, "openai-main")
	assert.Contains(t, client.MCPAccess.Servers, "weather")

	strategy, ok := snap.StrategyFor(client)
	require.True(t, ok)
	assert.Len(t, strategy.RateLimits, 1)

	provider, ok := snap.Providers["openai-main"]
	require.True(t, ok)
	assert.Equal(t, "resolved-openai-main-key", provider.APIKey)

	server, ok := snap.MCPServers["weather"]
	require.True(t, ok)
	assert.Equal(t, "weather-mcp-server", server.Transport.Command)
}

func TestLoad_FailsWhenSecretResolutionFails(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)

	_, err := Load(path, func(ref string) (string, error) {
		return "", assert.AnError
	})
	require.Error(t, err)
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), func(string) (string, error) { return "", nil })
	require.Error(t, err)
}
