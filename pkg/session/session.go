// Package session implements the Gateway Session: the
// per-external-client, per-transport-flavor view of allowed backends,
// cached merged catalogs, the deferred-loading activation set, and each
// backend's init status.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/localrouter/gateway/pkg/deferred"
)

// InitStatus is a backend's last-known initialize outcome within a
// session.
type InitStatus int

const (
	NeverAttempted InitStatus = iota
	Ok
	Failed
)

// DefaultIdleTTL is how long a session may sit unused before the sweeper
// evicts it.
const DefaultIdleTTL = 30 * time.Minute

// DefaultCatalogTTL is the base TTL for a cached merged catalog list
// before it is considered stale absent an invalidating notification.
const DefaultCatalogTTL = 5 * time.Minute

// Key identifies a session: one external client may hold a distinct
// session per transport flavor (direct JSON-RPC vs. the Streaming
// Multiplexer).
type Key struct {
	ClientID        string
	TransportFlavor string
}

// CachedList is a copy-on-write snapshot of one merged list (tools,
// resources, or prompts) with its fetch time. Readers load the
// "tool catalog as cached value" note.
type CachedList struct {
	items     atomic.Pointer[[]byte] // JSON-encoded merged list
	fetchedAt atomic.Int64           // unix nanos; 0 means never fetched
}

func (c *CachedList) valid(ttl time.Duration) bool {
	at := c.fetchedAt.Load()
	if at == 0 {
		return false
	}
	return time.Since(time.Unix(0, at)) < ttl
}

func (c *CachedList) Set(data []byte) {
	c.items.Store(&data)
	c.fetchedAt.Store(time.Now().UnixNano())
}

func (c *CachedList) Get() ([]byte, bool) {
	p := c.items.Load()
	if p == nil {
		return nil, false
	}
	return *p, true
}

func (c *CachedList) invalidate() {
	c.fetchedAt.Store(0)
}

// Session is one Gateway Session: the state a client's requests read and
// mutate across the lifetime of its connection to this gateway.
type Session struct {
	Key Key

	mu             sync.RWMutex
	allowedServers map[string]bool
	initStatus     map[string]InitStatus
	roots          []string

	Tools     CachedList
	Resources CachedList
	Prompts   CachedList

	Activation *deferred.ActivationSet

	catalogTTL time.Duration
	idleTTL    time.Duration
	lastUsed   atomic.Int64
}

// New creates a session for key, authorized to reach allowedServers.
func New(key Key, allowedServers []string) *Session {
	s := &Session{
		Key:            key,
		allowedServers: make(map[string]bool, len(allowedServers)),
		initStatus:     make(map[string]InitStatus),
		Activation:     deferred.NewActivationSet(),
		catalogTTL:     DefaultCatalogTTL,
		idleTTL:        DefaultIdleTTL,
	}
	for _, id := range allowedServers {
		s.allowedServers[id] = true
	}
	s.Touch()
	return s
}

// Allowed reports whether serverID is in this session's allowed set.
// A namespaced method reaching an unauthorized server must
// behave as "method not found", never leaking the server's existence —
// callers should treat a false return exactly like an unknown server.
func (s *Session) Allowed(serverID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allowedServers[serverID]
}

// AllowedServers returns the session's allowed server ids, in no
// particular order.
func (s *Session) AllowedServers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.allowedServers))
	for id := range s.allowedServers {
		out = append(out, id)
	}
	return out
}

// SetInitStatus records serverID's most recent initialize outcome.
func (s *Session) SetInitStatus(serverID string, status InitStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initStatus[serverID] = status
}

// InitStatusOf returns serverID's last-recorded initialize outcome.
func (s *Session) InitStatusOf(serverID string) InitStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.initStatus[serverID]
	if !ok {
		return NeverAttempted
	}
	return st
}

// SetRoots replaces the session's roots list (as reported by the client
// during initialize or a roots/list round-trip).
func (s *Session) SetRoots(roots []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roots = roots
}

// Roots returns the session's current roots list.
func (s *Session) Roots() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.roots))
	copy(out, s.roots)
	return out
}

// Touch resets the idle deadline. Called on every request the session
// serves.
func (s *Session) Touch() {
	s.lastUsed.Store(time.Now().UnixNano())
}

// Idle reports whether the session has sat unused past its idle TTL.
func (s *Session) Idle() bool {
	last := s.lastUsed.Load()
	return time.Since(time.Unix(0, last)) > s.idleTTL
}

// CatalogValid reports whether a cached list is still within the
// session's catalog TTL.
func (s *Session) CatalogValid(c *CachedList) bool {
	return c.valid(s.catalogTTL)
}

// InvalidateTools marks the cached tools list stale, e.g. on a backend's
// notifications/tools/list_changed.
func (s *Session) InvalidateTools()     { s.Tools.invalidate() }
func (s *Session) InvalidateResources() { s.Resources.invalidate() }
func (s *Session) InvalidatePrompts()   { s.Prompts.invalidate() }

// Manager owns every live Gateway Session, keyed by (client_id,
// transport_flavor), and sweeps idle ones.
type Manager struct {
	mu       sync.Mutex
	sessions map[Key]*Session
}

// NewManager returns an empty session Manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[Key]*Session)}
}

// GetOrCreate returns the session for key, creating one authorized for
// allowedServers if none exists yet. An existing session's allowed-server
// set is left untouched — it was computed once at creation from the
// Client's access mode intersected with the live backend set.
func (m *Manager) GetOrCreate(key Key, allowedServers []string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		s.Touch()
		return s
	}
	s := New(key, allowedServers)
	m.sessions[key] = s
	return s
}

// Get returns the session for key if one exists.
func (m *Manager) Get(key Key) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	return s, ok
}

// Evict removes key's session immediately.
func (m *Manager) Evict(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key)
}

// SweepIdle removes every session past its idle deadline and returns how
// many were evicted. Intended to run on a periodic background tick
// tick.
func (m *Manager) SweepIdle() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, s := range m.sessions {
		if s.Idle() {
			delete(m.sessions, k)
			n++
		}
	}
	return n
}

// Len reports how many sessions are currently live.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Snapshot returns every live session, in no particular order.
func (m *Manager) Snapshot() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}
