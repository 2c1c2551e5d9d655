// Package gateway assembles the whole system behind the HTTP surface:
// authentication, per-client sessions, the unified MCP dispatch, the
// streaming multiplexer, the OpenAI-compatible LLM proxy, and the
// background sweepers.
package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/localrouter/gateway/pkg/accesslog"
	"github.com/localrouter/gateway/pkg/auth"
	"github.com/localrouter/gateway/pkg/backend"
	"github.com/localrouter/gateway/pkg/config"
	"github.com/localrouter/gateway/pkg/db"
	"github.com/localrouter/gateway/pkg/jsonrpc"
	"github.com/localrouter/gateway/pkg/log"
	"github.com/localrouter/gateway/pkg/oauth"
	"github.com/localrouter/gateway/pkg/policy"
	"github.com/localrouter/gateway/pkg/providers"
	"github.com/localrouter/gateway/pkg/session"
	"github.com/localrouter/gateway/pkg/stream"
	"github.com/localrouter/gateway/pkg/vault"
)

// Options is the runtime knobs the CLI hands to Run.
type Options struct {
	Port          int
	Transport     string // "http" (default) or "stdio"
	StdioClient   string // client id served when Transport is "stdio"
	ConfigPath    string
	Verbose       bool
	LogFilePath   string
	RetentionDays int
}

// Gateway is the process-long-lived root object. Sessions, streams, and
// flows come and go; the Gateway and its backend Manager outlive them
// all.
type Gateway struct {
	Options

	mu         sync.RWMutex
	cfg        *config.Config
	strategies map[string]*policy.Strategy

	clients   *auth.Registry
	authn     *auth.Authenticator
	vault     *vault.Vault
	backends  *backend.Manager
	sessions  *session.Manager
	streamMux *stream.Multiplexer
	oauthMgr  *oauth.Manager
	limiter   policy.Limiter
	usage     *policy.Collector
	access    *accesslog.Writer
	dao       db.DAO
	providers *providers.Registry
	wsHub     *wsHub

	// capsMu guards which sessions declared tools.listChanged support
	// during initialize — the second half of the deferred-loading opt-in.
	capsMu      sync.RWMutex
	listChanged map[session.Key]bool
}

// New wires a Gateway from its parts. Configuration is applied via
// ApplyConfig, which is also the reload path.
func New(opts Options, v *vault.Vault, dao db.DAO, access *accesslog.Writer, registry *providers.Registry) *Gateway {
	g := &Gateway{
		Options:     opts,
		strategies:  make(map[string]*policy.Strategy),
		clients:     auth.NewRegistry(nil),
		vault:       v,
		sessions:    session.NewManager(),
		oauthMgr:    oauth.NewManager(v),
		limiter:     policy.NewMemoryLimiter(),
		usage:       policy.NewCollector(opts.RetentionDays),
		access:      access,
		dao:         dao,
		providers:   registry,
		wsHub:       newWSHub(),
		listChanged: make(map[session.Key]bool),
	}
	g.authn = &auth.Authenticator{Registry: g.clients, Tokens: auth.NewTokenStore()}
	g.backends = backend.New(g.onBackendNotification, g.onBackendRequest)
	g.streamMux = stream.New(g.backends)
	return g
}

// ApplyConfig swaps in a fresh configuration: clients, strategies, and
// the backend server set. Running backends that disappear from the config
// are stopped; new ones are configured but only dialed on demand.
func (g *Gateway) ApplyConfig(cfg *config.Config) {
	clients := make([]*auth.Client, 0, len(cfg.Clients))
	for _, c := range cfg.Clients {
		clients = append(clients, &auth.Client{
			ID:               c.ID,
			Name:             c.Name,
			SecretHash:       c.SecretHash,
			Enabled:          c.Enabled,
			AllowedProviders: c.AllowedProviders,
			MCPAccess:        auth.MCPAccessMode(c.MCPAccess),
			MCPServers:       c.MCPServers,
			SamplingEnabled:  c.SamplingEnabled,
			DeferredLoading:  c.DeferredLoading,
			StrategyID:       c.Strategy,
		})
	}
	g.clients.Replace(clients)

	strategies := make(map[string]*policy.Strategy, len(cfg.Strategies))
	for _, s := range cfg.Strategies {
		strategies[s.ID] = strategyFromConfig(s)
	}

	known := make(map[string]bool)
	for _, s := range cfg.Servers {
		if !s.Enabled {
			continue
		}
		known[s.ID] = true
		g.backends.Configure(g.backendConfig(s))
	}
	for _, id := range g.backends.ServerIDs() {
		if !known[id] {
			log.Logf("- Server %s removed from configuration, stopping", id)
			g.backends.Remove(id)
		}
	}

	g.mu.Lock()
	g.cfg = cfg
	g.strategies = strategies
	g.mu.Unlock()

	log.Logf("- Configuration applied: %d clients, %d strategies, %d servers, %d providers",
		len(cfg.Clients), len(cfg.Strategies), len(cfg.Servers), len(cfg.Providers))
}

func strategyFromConfig(s config.StrategyConfig) *policy.Strategy {
	out := &policy.Strategy{ID: s.ID}
	switch s.Mode {
	case "force":
		out.Mode = policy.ForceModel
	case "prioritized":
		out.Mode = policy.PrioritizedList
	default:
		out.Mode = policy.AvailableModels
	}
	for _, m := range s.Models {
		out.Models = append(out.Models, policy.Model{Provider: m.Provider, Model: m.Model})
	}
	for _, rl := range s.RateLimits {
		window, err := time.ParseDuration(rl.Window)
		if err != nil {
			log.Logf("! strategy %s: bad rate-limit window %q, skipping", s.ID, rl.Window)
			continue
		}
		out.RateLimits = append(out.RateLimits, policy.RateLimit{
			Scope:  rl.Scope,
			Window: window,
			Value:  rl.Value,
		})
	}
	return out
}

// backendConfig translates a server's config entry into a dialable
// backend config, resolving its upstream auth: env vars for stdio
// children, bearer/custom headers for HTTP transports, and stored OAuth
// access tokens for oauth-authenticated backends.
func (g *Gateway) backendConfig(s config.ServerConfig) backend.Config {
	cfg := backend.Config{
		ServerID: s.ID,
		Command:  s.Transport.Command,
		Args:     s.Transport.Args,
		URL:      s.Transport.URL,
		Headers:  make(map[string]string, len(s.Transport.Headers)),
	}
	for k, v := range s.Transport.Headers {
		cfg.Headers[k] = v
	}
	switch s.Transport.Type {
	case "stdio":
		cfg.Kind = backend.KindStdio
		for k, v := range s.Transport.Env {
			cfg.Env = append(cfg.Env, k+"="+v)
		}
	case "sse":
		cfg.Kind = backend.KindSSE
	case "websocket":
		cfg.Kind = backend.KindWebSocket
	}

	if s.Auth == nil {
		return cfg
	}
	switch s.Auth.Type {
	case "env":
		for k, v := range s.Auth.EnvVars {
			cfg.Env = append(cfg.Env, k+"="+v)
		}
	case "bearer":
		token, err := g.vault.Get(s.Auth.TokenRef)
		if err != nil {
			log.Logf("! server %s: resolving bearer token: %v", s.ID, err)
			break
		}
		cfg.Headers["Authorization"] = "Bearer " + token
	case "headers":
		for k, v := range s.Auth.Headers {
			cfg.Headers[k] = v
		}
	case "oauth", "oauth_browser":
		token, err := g.oauthMgr.AccessToken(context.Background(), s.ID, oauth.BrowserConfig{
			ClientID:  s.Auth.ClientID,
			SecretRef: s.Auth.SecretRef,
			AuthURL:   s.Auth.AuthURL,
			TokenURL:  s.Auth.TokenURL,
			Scopes:    s.Auth.Scopes,
		})
		if err != nil {
			log.Logf("! server %s: no usable OAuth token (authorize with `localrouter oauth authorize %s`): %v", s.ID, s.ID, err)
			break
		}
		cfg.Headers["Authorization"] = "Bearer " + token
	}
	return cfg
}

// clientByID returns the client record or nil.
func (g *Gateway) clientByID(clientID string) *auth.Client {
	c, ok := g.clients.Get(clientID)
	if !ok {
		return nil
	}
	return c
}

// strategyFor resolves a client's strategy, defaulting to the open one.
func (g *Gateway) strategyFor(c *auth.Client) *policy.Strategy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if c != nil && c.StrategyID != "" {
		if s, ok := g.strategies[c.StrategyID]; ok {
			return s
		}
	}
	return policy.DefaultStrategy()
}

// onBackendNotification is installed on every transport: list_changed
// notifications invalidate the matching cached catalogs; everything is
// forwarded to streaming sessions and the /ws feed.
func (g *Gateway) onBackendNotification(serverID string, notification *jsonrpc.Message) {
	switch notification.Method {
	case "notifications/tools/list_changed":
		g.invalidateCatalogs(serverID, func(s *session.Session) { s.InvalidateTools() })
	case "notifications/resources/list_changed":
		g.invalidateCatalogs(serverID, func(s *session.Session) { s.InvalidateResources() })
	case "notifications/prompts/list_changed":
		g.invalidateCatalogs(serverID, func(s *session.Session) { s.InvalidatePrompts() })
	}

	g.streamMux.NotifyBackend(serverID, notification)
	g.wsHub.broadcast(serverID, notification)
}

func (g *Gateway) invalidateCatalogs(serverID string, invalidate func(*session.Session)) {
	for _, s := range g.sessions.Snapshot() {
		if s.Allowed(serverID) {
			invalidate(s)
		}
	}
}

// onBackendRequest handles backend-initiated requests (sampling,
// elicitation, roots/list). Roots are answered from session state.
// Elicitations fan out to live streaming sessions as events and block
// until a client answers, the request times out, or every recipient
// session closes. Sampling needs a client-side model round-trip that no
// surface here holds open, so it is declined.
func (g *Gateway) onBackendRequest(ctx context.Context, serverID string, request *jsonrpc.Message) *jsonrpc.Message {
	switch request.Method {
	case "roots/list":
		roots := g.rootsForServer(serverID)
		result := rootsResult(roots)
		return &jsonrpc.Message{JSONRPC: "2.0", ID: request.ID, Result: result}

	case "elicitation/create":
		result, err := g.streamMux.RequestElicitation(ctx, serverID, request.Params)
		if err != nil {
			if errors.Is(err, stream.ErrNoElicitationRecipients) {
				log.Logf("- backend %s: declining %s (no streaming session attached)", serverID, request.Method)
				return &jsonrpc.Message{
					JSONRPC: "2.0",
					ID:      request.ID,
					Error:   jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "no client available for "+request.Method),
				}
			}
			return &jsonrpc.Message{
				JSONRPC: "2.0",
				ID:      request.ID,
				Error:   jsonrpc.NewError(jsonrpc.CodeInternalError, err.Error()),
			}
		}
		return &jsonrpc.Message{JSONRPC: "2.0", ID: request.ID, Result: result}

	default:
		log.Logf("- backend %s: declining %s (no interactive client attached)", serverID, request.Method)
		return &jsonrpc.Message{
			JSONRPC: "2.0",
			ID:      request.ID,
			Error:   jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "no client available for "+request.Method),
		}
	}
}

// rootsForServer unions the roots of every session allowed to reach the
// server.
func (g *Gateway) rootsForServer(serverID string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range g.sessions.Snapshot() {
		if !s.Allowed(serverID) {
			continue
		}
		for _, root := range s.Roots() {
			if !seen[root] {
				seen[root] = true
				out = append(out, root)
			}
		}
	}
	return out
}

// setListChanged records whether a session's client declared
// tools.listChanged support during initialize.
func (g *Gateway) setListChanged(key session.Key, supported bool) {
	g.capsMu.Lock()
	defer g.capsMu.Unlock()
	g.listChanged[key] = supported
}

func (g *Gateway) clientSupportsListChanged(key session.Key) bool {
	g.capsMu.RLock()
	defer g.capsMu.RUnlock()
	return g.listChanged[key]
}

// deferredMode needs both halves: the client record opted in, and this
// session's initialize declared list_changed support. Missing either
// falls back to the full catalog.
func (g *Gateway) deferredMode(c *auth.Client, key session.Key) bool {
	return c != nil && c.DeferredLoading && g.clientSupportsListChanged(key)
}
