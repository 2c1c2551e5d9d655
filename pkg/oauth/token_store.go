package oauth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/docker/docker-credential-helpers/credentials"
	"golang.org/x/oauth2"

	"github.com/localrouter/gateway/pkg/log"
	"github.com/localrouter/gateway/pkg/vault"
)

// TokenStore persists OAuth tokens through a credential helper. The
// default helper is the encrypted vault (VaultCredentialHelper below),
// but any docker credential helper satisfies the same interface.
type TokenStore struct {
	credentialHelper credentials.Helper
}

// NewTokenStore creates a new token store
func NewTokenStore(credentialHelper credentials.Helper) *TokenStore {
	return &TokenStore{
		credentialHelper: credentialHelper,
	}
}

// tokenKey is the credential key for a backend's token set.
func tokenKey(serverID string) string {
	return fmt.Sprintf("oauth/%s", serverID)
}

// Save stores an OAuth token for a backend server
func (t *TokenStore) Save(serverID string, token *oauth2.Token) error {
	tokenJSON, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshalling token: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(tokenJSON)

	cred := &credentials.Credentials{
		ServerURL: tokenKey(serverID),
		Username:  fmt.Sprintf("oauth2_%s", serverID),
		Secret:    encoded,
	}

	if err := t.credentialHelper.Add(cred); err != nil {
		return fmt.Errorf("storing token for %s: %w", serverID, err)
	}

	log.Logf("- Stored OAuth token for %s", serverID)
	return nil
}

// Retrieve retrieves the OAuth token stored for a backend server
func (t *TokenStore) Retrieve(serverID string) (*oauth2.Token, error) {
	_, encoded, err := t.credentialHelper.Get(tokenKey(serverID))
	if err != nil {
		if credentials.IsErrCredentialsNotFound(err) {
			return nil, fmt.Errorf("token not found for %s", serverID)
		}
		return nil, fmt.Errorf("retrieving token for %s: %w", serverID, err)
	}

	tokenJSON, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding token for %s: %w", serverID, err)
	}

	var token oauth2.Token
	if err := json.Unmarshal(tokenJSON, &token); err != nil {
		return nil, fmt.Errorf("unmarshalling token for %s: %w", serverID, err)
	}

	return &token, nil
}

// Delete removes the OAuth token stored for a backend server
func (t *TokenStore) Delete(serverID string) error {
	if err := t.credentialHelper.Delete(tokenKey(serverID)); err != nil {
		return fmt.Errorf("deleting token for %s: %w", serverID, err)
	}

	log.Logf("- Deleted OAuth token for %s", serverID)
	return nil
}

// VaultCredentialHelper adapts the encrypted vault to the docker
// credential helper interface so the token store (and anything else
// written against credentials.Helper) can be backed by it.
type VaultCredentialHelper struct {
	Vault *vault.Vault
}

var _ credentials.Helper = (*VaultCredentialHelper)(nil)

type vaultCredential struct {
	Username string `json:"username"`
	Secret   string `json:"secret"`
}

func (h *VaultCredentialHelper) Add(cred *credentials.Credentials) error {
	data, err := json.Marshal(vaultCredential{Username: cred.Username, Secret: cred.Secret})
	if err != nil {
		return err
	}
	return h.Vault.Set(cred.ServerURL, string(data))
}

func (h *VaultCredentialHelper) Get(serverURL string) (string, string, error) {
	raw, err := h.Vault.Get(serverURL)
	if err != nil {
		return "", "", credentials.NewErrCredentialsNotFound()
	}
	var cred vaultCredential
	if err := json.Unmarshal([]byte(raw), &cred); err != nil {
		return "", "", err
	}
	return cred.Username, cred.Secret, nil
}

func (h *VaultCredentialHelper) Delete(serverURL string) error {
	return h.Vault.Delete(serverURL)
}

func (h *VaultCredentialHelper) List() (map[string]string, error) {
	out := make(map[string]string)
	for _, ref := range h.Vault.List() {
		raw, err := h.Vault.Get(ref)
		if err != nil {
			continue
		}
		var cred vaultCredential
		if err := json.Unmarshal([]byte(raw), &cred); err != nil {
			continue
		}
		out[ref] = cred.Username
	}
	return out, nil
}
