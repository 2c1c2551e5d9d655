// Package oauth implements the browser-based OAuth 2.0 authorization-code
// flow (with PKCE) used to obtain user consent for upstream MCP backends,
// plus the vault-backed persistence of the resulting tokens and their
// transparent refresh.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/localrouter/gateway/pkg/log"
	"github.com/localrouter/gateway/pkg/vault"
)

// refreshMargin is how long before actual expiry a token is already
// treated as needing refresh.
const refreshMargin = 5 * time.Minute

// Manager orchestrates browser flows for backends configured with
// OAuth browser auth, and keeps their tokens fresh.
type Manager struct {
	stateManager *StateManager
	tokenStore   *TokenStore
	vault        *vault.Vault

	mu    sync.RWMutex
	flows map[string]*Flow

	refreshMu  sync.Mutex
	refreshing map[string]bool // serverID → refresh in progress
}

// NewManager creates an OAuth manager whose tokens and client secrets
// live in v.
func NewManager(v *vault.Vault) *Manager {
	return &Manager{
		stateManager: NewStateManager(),
		tokenStore:   NewTokenStore(&VaultCredentialHelper{Vault: v}),
		vault:        v,
		flows:        make(map[string]*Flow),
		refreshing:   make(map[string]bool),
	}
}

// TokenStore exposes the manager's token persistence, for callers that
// need direct retrieve/delete (revocation, transport auth headers).
func (m *Manager) TokenStore() *TokenStore {
	return m.tokenStore
}

// oauthConfig builds the oauth2 config for a backend, resolving the
// client secret from the vault when the config references one.
func (m *Manager) oauthConfig(cfg BrowserConfig, redirectURL string) (*oauth2.Config, error) {
	secret := ""
	if cfg.SecretRef != "" {
		s, err := m.vault.Get(cfg.SecretRef)
		if err != nil {
			return nil, fmt.Errorf("resolving OAuth client secret: %w", err)
		}
		secret = s
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: secret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthURL,
			TokenURL: cfg.TokenURL,
		},
		RedirectURL: redirectURL,
		Scopes:      cfg.Scopes,
	}, nil
}

// StartFlow opens the local callback server, builds the authorization URL
// with state and PKCE challenge, and returns the flow for the caller to
// hand to a browser. The flow advances in the background; callers poll
// Status. A flow untouched for five minutes times out.
func (m *Manager) StartFlow(ctx context.Context, serverID string, cfg BrowserConfig) (*Flow, error) {
	callback, err := NewCallbackServer(cfg.RedirectPort)
	if err != nil {
		return nil, err
	}

	config, err := m.oauthConfig(cfg, callback.URL())
	if err != nil {
		_ = callback.Shutdown(context.Background())
		return nil, err
	}

	verifier := oauth2.GenerateVerifier()

	flow := &Flow{
		ID:        uuid.New().String(),
		ServerID:  serverID,
		Config:    cfg,
		CreatedAt: time.Now(),
		state:     StatePending,
		verifier:  verifier,
	}

	state := m.stateManager.Generate(flow.ID, verifier)
	flow.AuthURL = config.AuthCodeURL(state,
		oauth2.AccessTypeOffline,             // request a refresh token
		oauth2.S256ChallengeOption(verifier), // PKCE challenge
	)

	flowCtx, cancel := context.WithCancel(ctx)
	flow.cancel = cancel

	m.mu.Lock()
	m.flows[flow.ID] = flow
	m.mu.Unlock()

	go func() {
		if err := callback.Start(); err != nil {
			log.Logf("! OAuth callback server for %s: %v", serverID, err)
		}
	}()
	go m.runFlow(flowCtx, flow, config, state, callback)

	log.Logf("- Started OAuth browser flow %s for %s", flow.ID, serverID)
	return flow, nil
}

// runFlow is the only mutator of a live flow: it waits for the redirect,
// verifies the state, exchanges the code, and persists the tokens.
func (m *Manager) runFlow(ctx context.Context, flow *Flow, config *oauth2.Config, expectedState string, callback *CallbackServer) {
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = callback.Shutdown(shutdownCtx)
		m.stateManager.Clear(expectedState)
	}()

	waitCtx, cancelWait := context.WithTimeout(ctx, FlowTimeout)
	defer cancelWait()

	code, gotState, err := callback.Wait(waitCtx)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			flow.transition(StateCancelled, "")
			log.Logf("- OAuth flow %s cancelled", flow.ID)
		case errors.Is(waitCtx.Err(), context.DeadlineExceeded):
			flow.transition(StateTimeout, "")
			log.Logf("! OAuth flow %s timed out after %s", flow.ID, FlowTimeout)
		default:
			flow.transition(StateError, err.Error())
			log.Logf("! OAuth flow %s failed: %v", flow.ID, err)
		}
		return
	}

	flowID, verifier, err := m.stateManager.Validate(gotState)
	if err != nil || flowID != flow.ID {
		flow.transition(StateError, "state parameter mismatch")
		log.Logf("! OAuth flow %s: callback state did not match", flow.ID)
		return
	}

	if !flow.transition(StateExchangingToken, "") {
		return
	}

	token, err := config.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		flow.transition(StateError, fmt.Sprintf("token exchange failed: %v", err))
		log.Logf("! OAuth flow %s: token exchange failed: %v", flow.ID, err)
		return
	}

	log.Logf("- Token exchanged for %s (access: %v, refresh: %v)",
		flow.ServerID, token.AccessToken != "", token.RefreshToken != "")

	if err := m.tokenStore.Save(flow.ServerID, token); err != nil {
		flow.transition(StateError, fmt.Sprintf("storing token: %v", err))
		return
	}

	flow.transition(StateSuccess, "")
}

// Status returns the poll view of flowID.
func (m *Manager) Status(flowID string) (Status, error) {
	m.mu.RLock()
	flow, ok := m.flows[flowID]
	m.mu.RUnlock()
	if !ok {
		return Status{}, fmt.Errorf("unknown flow %s", flowID)
	}
	return flow.Status(), nil
}

// Cancel terminates a live flow. Cancelling a terminal flow is a no-op.
func (m *Manager) Cancel(flowID string) error {
	m.mu.RLock()
	flow, ok := m.flows[flowID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown flow %s", flowID)
	}
	if flow.cancel != nil {
		flow.cancel()
	}
	return nil
}

// SweepFinished drops terminal flows older than maxAge and returns how
// many were removed.
func (m *Manager) SweepFinished(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, flow := range m.flows {
		state, _ := flow.State()
		if state.terminal() && time.Since(flow.CreatedAt) > maxAge {
			delete(m.flows, id)
			n++
		}
	}
	return n
}

// AccessToken returns a valid access token for serverID, refreshing it
// through the stored refresh token when it is within the refresh margin
// of expiry. Concurrent callers for the same server share one refresh.
func (m *Manager) AccessToken(ctx context.Context, serverID string, cfg BrowserConfig) (string, error) {
	token, err := m.tokenStore.Retrieve(serverID)
	if err != nil {
		return "", err
	}

	if token.Expiry.IsZero() || time.Until(token.Expiry) > refreshMargin {
		return token.AccessToken, nil
	}

	if token.RefreshToken == "" {
		return "", fmt.Errorf("token for %s expired and no refresh token is stored", serverID)
	}

	m.refreshMu.Lock()
	if m.refreshing[serverID] {
		m.refreshMu.Unlock()
		// Another caller is refreshing; the stale token is still the best
		// answer until the refresh lands.
		return token.AccessToken, nil
	}
	m.refreshing[serverID] = true
	m.refreshMu.Unlock()

	defer func() {
		m.refreshMu.Lock()
		delete(m.refreshing, serverID)
		m.refreshMu.Unlock()
	}()

	config, err := m.oauthConfig(cfg, "")
	if err != nil {
		return "", err
	}

	// The oauth2 token source only refreshes a token it sees as invalid,
	// and it sees one as valid until seconds before expiry; blanking the
	// access token makes it refresh inside the margin as well.
	stale := *token
	stale.AccessToken = ""
	fresh, err := config.TokenSource(ctx, &stale).Token()
	if err != nil {
		return "", fmt.Errorf("refreshing token for %s: %w", serverID, err)
	}

	if fresh.AccessToken != token.AccessToken {
		if err := m.tokenStore.Save(serverID, fresh); err != nil {
			return "", err
		}
		log.Logf("- Refreshed OAuth token for %s", serverID)
	}

	return fresh.AccessToken, nil
}

// Revoke deletes serverID's stored tokens.
func (m *Manager) Revoke(serverID string) error {
	return m.tokenStore.Delete(serverID)
}
