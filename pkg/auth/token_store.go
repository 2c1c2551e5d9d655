package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// DefaultTokenTTL is the lifetime of a minted bearer token.
const DefaultTokenTTL = 3600 * time.Second

// TokenStore is the in-memory bearer-token map. Tokens do not survive a
// process restart; expired entries are removed lazily on verify and by a
// periodic sweep.
type TokenStore struct {
	mu     sync.Mutex
	tokens map[string]tokenEntry
	ttl    time.Duration
	now    func() time.Time
}

type tokenEntry struct {
	clientID  string
	expiresAt time.Time
}

// NewTokenStore returns an empty store with the default TTL.
func NewTokenStore() *TokenStore {
	return &TokenStore{
		tokens: make(map[string]tokenEntry),
		ttl:    DefaultTokenTTL,
		now:    time.Now,
	}
}

// Generate mints a fresh token for clientID and returns it with its
// lifetime in seconds.
func (s *TokenStore) Generate(clientID string) (token string, expiresIn int, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", 0, fmt.Errorf("generating bearer token: %w", err)
	}
	token = SecretPrefix + base64.RawURLEncoding.EncodeToString(raw)

	s.mu.Lock()
	s.tokens[token] = tokenEntry{clientID: clientID, expiresAt: s.now().Add(s.ttl)}
	s.mu.Unlock()

	return token, int(s.ttl.Seconds()), nil
}

// Verify returns the client id behind token, or false if the token is
// unknown or expired. An expired entry is deleted on the spot.
func (s *TokenStore) Verify(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tokens[token]
	if !ok {
		return "", false
	}
	if s.now().After(entry.expiresAt) {
		delete(s.tokens, token)
		return "", false
	}
	return entry.clientID, true
}

// Revoke removes one token.
func (s *TokenStore) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
}

// RevokeClientTokens removes every token minted for clientID and returns
// how many were dropped.
func (s *TokenStore) RevokeClientTokens(clientID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for token, entry := range s.tokens {
		if entry.clientID == clientID {
			delete(s.tokens, token)
			n++
		}
	}
	return n
}

// SweepExpired removes every expired entry and returns how many were
// dropped. Runs on a periodic background tick.
func (s *TokenStore) SweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for token, entry := range s.tokens {
		if now.After(entry.expiresAt) {
			delete(s.tokens, token)
			n++
		}
	}
	return n
}

// Len reports how many tokens are currently live (including not-yet-swept
// expired ones).
func (s *TokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}
