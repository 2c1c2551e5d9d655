// Package config loads, validates, and watches the gateway's config.yaml:
// external clients (secret hashes only, never plaintext), routing
// strategies, MCP server configs (secret refs only), and LLM providers.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CurrentVersion is the config schema version this build reads and writes.
const CurrentVersion = 1

// Config is the root of config.yaml.
type Config struct {
	Version    int              `yaml:"version"`
	Clients    []ClientConfig   `yaml:"clients,omitempty"`
	Strategies []StrategyConfig `yaml:"strategies,omitempty"`
	Servers    []ServerConfig   `yaml:"servers,omitempty"`
	Providers  []ProviderConfig `yaml:"providers,omitempty"`
}

// ClientConfig is one external client. The secret itself never appears
// here — only its argon2id hash.
type ClientConfig struct {
	ID               string   `yaml:"id"`
	Name             string   `yaml:"name"`
	SecretHash       string   `yaml:"secret_hash"`
	Enabled          bool     `yaml:"enabled"`
	AllowedProviders []string `yaml:"allowed_providers,omitempty"`
	MCPAccess        string   `yaml:"mcp_access"` // none | all | specific
	MCPServers       []string `yaml:"mcp_servers,omitempty"`
	SamplingEnabled  bool     `yaml:"sampling_enabled"`
	DeferredLoading  bool     `yaml:"deferred_loading"`
	Strategy         string   `yaml:"strategy,omitempty"`
}

// StrategyConfig is one routing strategy.
type StrategyConfig struct {
	ID         string            `yaml:"id"`
	Mode       string            `yaml:"mode"` // force | prioritized | available
	Models     []ModelRef        `yaml:"models,omitempty"`
	RateLimits []RateLimitConfig `yaml:"rate_limits,omitempty"`
}

// ModelRef names one (provider, model) pair.
type ModelRef struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// RateLimitConfig is one admission limit on a strategy.
type RateLimitConfig struct {
	Scope  string `yaml:"scope"`  // requests | tokens
	Window string `yaml:"window"` // e.g. 1m, 1h
	Value  int64  `yaml:"value"`
}

// ServerConfig is one MCP backend. Secrets are referenced by vault ref,
// never inlined.
type ServerConfig struct {
	ID        string          `yaml:"id"`
	Name      string          `yaml:"name"`
	Enabled   bool            `yaml:"enabled"`
	Transport TransportConfig `yaml:"transport"`
	Auth      *AuthConfig     `yaml:"auth,omitempty"`
}

// TransportConfig picks one of the three backend transports.
type TransportConfig struct {
	Type    string            `yaml:"type"` // stdio | sse | websocket
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	URL     string            `yaml:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// AuthConfig is a backend's upstream authentication.
type AuthConfig struct {
	Type string `yaml:"type"` // none | env | bearer | headers | oauth | oauth_browser

	EnvVars  map[string]string `yaml:"env_vars,omitempty"`
	TokenRef string            `yaml:"token_ref,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty"`

	ClientID     string   `yaml:"client_id,omitempty"`
	SecretRef    string   `yaml:"secret_ref,omitempty"`
	AuthURL      string   `yaml:"auth_url,omitempty"`
	TokenURL     string   `yaml:"token_url,omitempty"`
	Scopes       []string `yaml:"scopes,omitempty"`
	RedirectPort int      `yaml:"redirect_port,omitempty"`
}

// ProviderConfig is one upstream LLM provider, reached over
// OpenAI-compatible HTTP. The API key comes from an environment variable
// or a vault ref, never the file.
type ProviderConfig struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
	APIKeyRef string `yaml:"api_key_ref,omitempty"`
	Enabled   bool   `yaml:"enabled"`
}

// Load reads and validates the config file at path. A missing file
// yields an empty, valid config. An invalid file is a startup-refusing
// error with a human-readable reason.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Config{Version: CurrentVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes cfg to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks cross-references and closed enum fields.
func (c *Config) Validate() error {
	if c.Version != CurrentVersion {
		return fmt.Errorf("unsupported config version %d (this build reads version %d)", c.Version, CurrentVersion)
	}

	strategies := make(map[string]bool, len(c.Strategies))
	for _, s := range c.Strategies {
		if s.ID == "" {
			return fmt.Errorf("strategy with empty id")
		}
		if strategies[s.ID] {
			return fmt.Errorf("duplicate strategy id %q", s.ID)
		}
		strategies[s.ID] = true
		switch s.Mode {
		case "force", "prioritized", "available":
		default:
			return fmt.Errorf("strategy %q: unknown mode %q", s.ID, s.Mode)
		}
		if s.Mode == "force" && len(s.Models) != 1 {
			return fmt.Errorf("strategy %q: force mode needs exactly one model", s.ID)
		}
		for _, rl := range s.RateLimits {
			if rl.Scope != "requests" && rl.Scope != "tokens" {
				return fmt.Errorf("strategy %q: unknown rate-limit scope %q", s.ID, rl.Scope)
			}
			if rl.Value <= 0 {
				return fmt.Errorf("strategy %q: rate-limit value must be positive", s.ID)
			}
		}
	}

	servers := make(map[string]bool, len(c.Servers))
	for _, s := range c.Servers {
		if s.ID == "" {
			return fmt.Errorf("server with empty id")
		}
		if servers[s.ID] {
			return fmt.Errorf("duplicate server id %q", s.ID)
		}
		servers[s.ID] = true

		switch s.Transport.Type {
		case "stdio":
			if s.Transport.Command == "" {
				return fmt.Errorf("server %q: stdio transport needs a command", s.ID)
			}
		case "sse", "websocket":
			if s.Transport.URL == "" {
				return fmt.Errorf("server %q: %s transport needs a url", s.ID, s.Transport.Type)
			}
		default:
			return fmt.Errorf("server %q: unknown transport type %q", s.ID, s.Transport.Type)
		}

		if s.Auth != nil {
			switch s.Auth.Type {
			case "none", "env", "bearer", "headers", "oauth", "oauth_browser":
			default:
				return fmt.Errorf("server %q: unknown auth type %q", s.ID, s.Auth.Type)
			}
		}
	}

	clients := make(map[string]bool, len(c.Clients))
	for _, cl := range c.Clients {
		if cl.ID == "" {
			return fmt.Errorf("client with empty id")
		}
		if clients[cl.ID] {
			return fmt.Errorf("duplicate client id %q", cl.ID)
		}
		clients[cl.ID] = true

		switch cl.MCPAccess {
		case "none", "all", "specific":
		default:
			return fmt.Errorf("client %q: unknown mcp_access %q", cl.ID, cl.MCPAccess)
		}
		for _, id := range cl.MCPServers {
			if !servers[id] {
				return fmt.Errorf("client %q references unknown server %q", cl.ID, id)
			}
		}
		if cl.Strategy != "" && !strategies[cl.Strategy] {
			return fmt.Errorf("client %q references unknown strategy %q", cl.ID, cl.Strategy)
		}
	}

	providers := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider with empty id")
		}
		if providers[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		providers[p.ID] = true
		if p.BaseURL == "" {
			return fmt.Errorf("provider %q: base_url is required", p.ID)
		}
	}

	return nil
}
