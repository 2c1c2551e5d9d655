package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `
version: 1
servers:
  - id: fs
    name: Filesystem
    enabled: true
    transport:
      type: stdio
      command: mcp-fs
      args: ["--root", "/tmp"]
  - id: gh
    name: GitHub
    enabled: true
    transport:
      type: sse
      url: https://gh.example.com/mcp
    auth:
      type: oauth_browser
      client_id: gh-client
      auth_url: https://github.com/login/oauth/authorize
      token_url: https://github.com/login/oauth/access_token
      scopes: [repo]
strategies:
  - id: default
    mode: prioritized
    models:
      - provider: openai
        model: gpt-4o
      - provider: anthropic
        model: claude-sonnet
    rate_limits:
      - scope: requests
        window: 1m
        value: 60
clients:
  - id: lr-abc
    name: Editor
    secret_hash: "$argon2id$v=19$m=65536,t=1,p=4$c2FsdA$aGFzaA"
    enabled: true
    mcp_access: specific
    mcp_servers: [fs, gh]
    deferred_loading: true
    strategy: default
providers:
  - id: openai
    name: OpenAI
    base_url: https://api.openai.com/v1
    api_key_env: OPENAI_API_KEY
    enabled: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	require.Len(t, cfg.Servers, 2)
	assert.Equal(t, "stdio", cfg.Servers[0].Transport.Type)
	assert.Equal(t, "oauth_browser", cfg.Servers[1].Auth.Type)
	require.Len(t, cfg.Clients, 1)
	assert.Equal(t, []string{"fs", "gh"}, cfg.Clients[0].MCPServers)
	require.Len(t, cfg.Strategies, 1)
	assert.Equal(t, int64(60), cfg.Strategies[0].RateLimits[0].Value)
}

func TestLoadMissingFileYieldsEmptyConfig(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Servers)
	assert.Equal(t, CurrentVersion, cfg.Version)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			"unknown transport",
			func(c *Config) { c.Servers[0].Transport.Type = "carrier-pigeon" },
			"unknown transport type",
		},
		{
			"stdio without command",
			func(c *Config) { c.Servers[0].Transport.Command = "" },
			"needs a command",
		},
		{
			"client references unknown server",
			func(c *Config) { c.Clients[0].MCPServers = []string{"ghost"} },
			"unknown server",
		},
		{
			"client references unknown strategy",
			func(c *Config) { c.Clients[0].Strategy = "ghost" },
			"unknown strategy",
		},
		{
			"force strategy needs one model",
			func(c *Config) { c.Strategies[0].Mode = "force" },
			"exactly one model",
		},
		{
			"duplicate server id",
			func(c *Config) { c.Servers[1].ID = "fs" },
			"duplicate server id",
		},
		{
			"bad rate limit scope",
			func(c *Config) { c.Strategies[0].RateLimits[0].Scope = "bananas" },
			"unknown rate-limit scope",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, validConfig))
			require.NoError(t, err)
			test.mutate(cfg)
			require.ErrorContains(t, cfg.Validate(), test.wantErr)
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := writeConfig(t, validConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, Save(out, cfg))

	reloaded, err := Load(out)
	require.NoError(t, err)
	assert.Equal(t, cfg, reloaded)
}

func TestWatchDeliversReload(t *testing.T) {
	path := writeConfig(t, validConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, updates, stop, err := Watch(ctx, path)
	require.NoError(t, err)
	defer func() { _ = stop() }()
	require.Len(t, cfg.Servers, 2)

	// Rewrite with one server removed.
	shrunk := `
version: 1
servers:
  - id: fs
    name: Filesystem
    enabled: true
    transport:
      type: stdio
      command: mcp-fs
`
	require.NoError(t, os.WriteFile(path, []byte(shrunk), 0o644))

	select {
	case fresh := <-updates:
		require.Len(t, fresh.Servers, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("no config update delivered")
	}
}

func TestBaseDirDevSuffix(t *testing.T) {
	t.Setenv("LOCALROUTER_HOME", "/tmp/lr-test")
	base, err := BaseDir()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/lr-test", base)

	t.Setenv("LOCALROUTER_HOME", "")
	t.Setenv("LOCALROUTER_DEV", "1")
	base, err = BaseDir()
	require.NoError(t, err)
	assert.Contains(t, base, "-dev")
}
