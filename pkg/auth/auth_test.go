package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, id, secret string, enabled bool) *Client {
	t.Helper()
	hash, err := HashSecret(secret)
	require.NoError(t, err)
	return &Client{
		ID:         id,
		Name:       id,
		SecretHash: hash,
		Enabled:    enabled,
		MCPAccess:  MCPAccessAll,
	}
}

func TestHashVerifySecret(t *testing.T) {
	hash, err := HashSecret("lr-topsecret")
	require.NoError(t, err)

	assert.True(t, VerifySecret("lr-topsecret", hash))
	assert.False(t, VerifySecret("lr-wrong", hash))
	assert.False(t, VerifySecret("lr-topsecret", "not-a-hash"))
}

func TestVerifyClientSecret(t *testing.T) {
	registry := NewRegistry([]*Client{
		newTestClient(t, "lr-abc", "lr-abc-secret", true),
		newTestClient(t, "lr-off", "lr-off-secret", false),
	})

	clientID, ok := registry.VerifyClientSecret("lr-abc-secret")
	require.True(t, ok)
	assert.Equal(t, "lr-abc", clientID)

	// A disabled client never matches.
	_, ok = registry.VerifyClientSecret("lr-off-secret")
	assert.False(t, ok)

	_, ok = registry.VerifyClientSecret("lr-unknown")
	assert.False(t, ok)
}

func TestTokenStoreLifecycle(t *testing.T) {
	store := NewTokenStore()

	token, expiresIn, err := store.Generate("lr-abc")
	require.NoError(t, err)
	assert.Equal(t, 3600, expiresIn)
	assert.True(t, strings.HasPrefix(token, SecretPrefix))

	clientID, ok := store.Verify(token)
	require.True(t, ok)
	assert.Equal(t, "lr-abc", clientID)

	store.Revoke(token)
	_, ok = store.Verify(token)
	assert.False(t, ok)
}

func TestTokenStoreExpiry(t *testing.T) {
	store := NewTokenStore()
	now := time.Now()
	store.now = func() time.Time { return now }

	token, _, err := store.Generate("lr-abc")
	require.NoError(t, err)

	now = now.Add(DefaultTokenTTL + time.Second)
	_, ok := store.Verify(token)
	assert.False(t, ok)
	// Lazy deletion removed the entry on verify.
	assert.Equal(t, 0, store.Len())
}

func TestRevokeClientTokens(t *testing.T) {
	store := NewTokenStore()

	var tokens []string
	for range 3 {
		token, _, err := store.Generate("lr-abc")
		require.NoError(t, err)
		tokens = append(tokens, token)
	}
	other, _, err := store.Generate("lr-other")
	require.NoError(t, err)

	assert.Equal(t, 3, store.RevokeClientTokens("lr-abc"))
	for _, token := range tokens {
		_, ok := store.Verify(token)
		assert.False(t, ok)
	}
	_, ok := store.Verify(other)
	assert.True(t, ok)
}

func TestSweepExpired(t *testing.T) {
	store := NewTokenStore()
	now := time.Now()
	store.now = func() time.Time { return now }

	_, _, err := store.Generate("lr-abc")
	require.NoError(t, err)
	now = now.Add(DefaultTokenTTL + time.Second)
	_, _, err = store.Generate("lr-abc")
	require.NoError(t, err)

	assert.Equal(t, 1, store.SweepExpired())
	assert.Equal(t, 1, store.Len())
}

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	return &Authenticator{
		Registry: NewRegistry([]*Client{
			newTestClient(t, "lr-abc", "lr-abc-secret", true),
		}),
		Tokens: NewTokenStore(),
	}
}

func TestMiddleware(t *testing.T) {
	a := newTestAuthenticator(t)
	var gotClientID string
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := ClientIDFromContext(r.Context()); ok {
			gotClientID = id
		}
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		path       string
		authHeader string
		wantStatus int
	}{
		{"no credential", "/", "", http.StatusUnauthorized},
		{"wrong secret", "/", "Bearer lr-nope", http.StatusUnauthorized},
		{"client secret", "/", "Bearer lr-abc-secret", http.StatusOK},
		{"health is public", "/health", "", http.StatusOK},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, test.path, nil)
			if test.authHeader != "" {
				r.Header.Set("Authorization", test.authHeader)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)
			assert.Equal(t, test.wantStatus, w.Code)
		})
	}

	assert.Equal(t, "lr-abc", gotClientID)
}

func TestTokenEndpointMintAndUse(t *testing.T) {
	a := newTestAuthenticator(t)

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {"lr-abc"},
		"client_secret": {"lr-abc-secret"},
	}
	r := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	a.TokenEndpoint(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, `"token_type":"Bearer"`)
	assert.Contains(t, body, `"expires_in":3600`)

	// The minted token authenticates, until the client's tokens are revoked.
	var resp tokenResponse
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	clientID, ok := a.Authenticate(resp.AccessToken)
	require.True(t, ok)
	assert.Equal(t, "lr-abc", clientID)

	a.Tokens.RevokeClientTokens("lr-abc")
	_, ok = a.Authenticate(resp.AccessToken)
	assert.False(t, ok)
}

func TestTokenEndpointRejectsBadCredentials(t *testing.T) {
	a := newTestAuthenticator(t)

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {"lr-abc"},
		"client_secret": {"lr-wrong"},
	}
	r := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	a.TokenEndpoint(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAllowedMCPServers(t *testing.T) {
	live := []string{"fs", "gh", "db"}

	all := &Client{MCPAccess: MCPAccessAll}
	assert.Equal(t, live, all.AllowedMCPServers(live))

	none := &Client{MCPAccess: MCPAccessNone}
	assert.Empty(t, none.AllowedMCPServers(live))

	specific := &Client{MCPAccess: MCPAccessSpecific, MCPServers: []string{"gh", "gone"}}
	assert.Equal(t, []string{"gh"}, specific.AllowedMCPServers(live))
}
