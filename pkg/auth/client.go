// Package auth implements external client authentication: argon2id-hashed
// long-lived client secrets, an in-memory bearer-token store with TTL, the
// HTTP middleware that accepts either credential, and the OAuth
// client-credentials token endpoint.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
)

// MCPAccessMode says which MCP backends a client may reach.
type MCPAccessMode string

const (
	MCPAccessNone     MCPAccessMode = "none"
	MCPAccessAll      MCPAccessMode = "all"
	MCPAccessSpecific MCPAccessMode = "specific"
)

// Client is one external caller's identity and capability set. The secret
// itself is never held — only its argon2id hash, which is verify-only.
type Client struct {
	ID               string
	Name             string
	SecretHash       string
	Enabled          bool
	AllowedProviders []string // empty means all providers
	MCPAccess        MCPAccessMode
	MCPServers       []string // only meaningful for MCPAccessSpecific
	SamplingEnabled  bool
	DeferredLoading  bool
	StrategyID       string
}

// AllowedMCPServers intersects the client's access mode with the live
// backend set and returns the effective allowed-server list.
func (c *Client) AllowedMCPServers(liveServers []string) []string {
	switch c.MCPAccess {
	case MCPAccessAll:
		out := make([]string, len(liveServers))
		copy(out, liveServers)
		return out
	case MCPAccessSpecific:
		live := make(map[string]bool, len(liveServers))
		for _, id := range liveServers {
			live[id] = true
		}
		var out []string
		for _, id := range c.MCPServers {
			if live[id] {
				out = append(out, id)
			}
		}
		return out
	default:
		return nil
	}
}

// ProviderAllowed reports whether the client may use providerID. An empty
// allowed-provider set means every provider is allowed.
func (c *Client) ProviderAllowed(providerID string) bool {
	if len(c.AllowedProviders) == 0 {
		return true
	}
	for _, id := range c.AllowedProviders {
		if id == providerID {
			return true
		}
	}
	return false
}

// argon2id parameters. Moderate cost: secret verification happens once per
// request for secret-authenticated callers, so this must stay affordable.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// SecretPrefix is the leading marker on every client secret and bearer
// token this gateway mints.
const SecretPrefix = "lr-"

// GenerateSecret returns a fresh client secret of the lr-… form.
func GenerateSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating client secret: %w", err)
	}
	return SecretPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashSecret derives the stored verify-only hash for secret. The encoded
// form carries the salt and parameters so verification is self-contained.
func HashSecret(secret string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	hash := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// VerifySecret reports whether secret matches the encoded argon2id hash.
// The hash comparison is constant-time.
func VerifySecret(secret, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}

	var memory, time uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	got := argon2.IDKey([]byte(secret), salt, time, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

// Registry holds the current set of external clients. The gateway swaps in
// a fresh snapshot on every configuration reload.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewRegistry returns a registry seeded with clients.
func NewRegistry(clients []*Client) *Registry {
	r := &Registry{}
	r.Replace(clients)
	return r
}

// Replace swaps the registry's client set.
func (r *Registry) Replace(clients []*Client) {
	m := make(map[string]*Client, len(clients))
	for _, c := range clients {
		m[c.ID] = c
	}
	r.mu.Lock()
	r.clients = m
	r.mu.Unlock()
}

// Get returns the client with id, enabled or not.
func (r *Registry) Get(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// VerifyClientSecret iterates the enabled clients and returns the id of
// the one whose hash matches secret. A disabled client never matches.
func (r *Registry) VerifyClientSecret(secret string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.clients {
		if !c.Enabled {
			continue
		}
		if VerifySecret(secret, c.SecretHash) {
			return c.ID, true
		}
	}
	return "", false
}
