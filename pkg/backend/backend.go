// Package backend implements the Backend Server Manager: it owns the
// lifecycle of every configured MCP server, keyed by server id, and is the
// only place in the gateway that starts, stops, or health-checks a backend
// connection. Concurrency-safety and idempotent start/stop are its whole
// job; callers never touch a transport.Transport directly.
package backend

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/localrouter/gateway/pkg/jsonrpc"
	"github.com/localrouter/gateway/pkg/log"
	"github.com/localrouter/gateway/pkg/transport"
)

// Kind selects the wire framing a server speaks.
type Kind string

const (
	KindStdio     Kind = "stdio"
	KindSSE       Kind = "sse"
	KindWebSocket Kind = "websocket"
)

// Config describes one configured MCP server (identity, transport
// Config), enough to dial it on demand.
type Config struct {
	ServerID string
	Kind     Kind

	// stdio
	Command string
	Args    []string
	Env     []string

	// sse / websocket
	URL     string
	Headers map[string]string
}

// entry tracks one server's live connection, if any. A nil transport means
// the server is configured but not currently started.
type entry struct {
	mu  sync.Mutex
	cfg Config
	tr  transport.Transport
}

// Manager owns every configured backend connection.
type Manager struct {
	mu      sync.RWMutex
	servers map[string]*entry

	onNotification func(serverID string, notification *jsonrpc.Message)
	onRequest      func(ctx context.Context, serverID string, request *jsonrpc.Message) *jsonrpc.Message
}

// New returns an empty Manager. onNotification and onRequest, if non-nil,
// are installed on every transport this Manager starts, tagged with the
// originating server id so the caller can route list_changed notifications
// and sampling/elicitation requests back to the right session.
func New(
	onNotification func(serverID string, notification *jsonrpc.Message),
	onRequest func(ctx context.Context, serverID string, request *jsonrpc.Message) *jsonrpc.Message,
) *Manager {
	return &Manager{
		servers:        make(map[string]*entry),
		onNotification: onNotification,
		onRequest:      onRequest,
	}
}

// ErrUnknownServer is returned for operations on a server id the Manager
// has never been configured for.
var ErrUnknownServer = fmt.Errorf("unknown server id")

// Configure registers or replaces a server's configuration without
// starting it. Re-configuring a running server does not affect the live
// connection until Stop+Start or Restart is called.
func (m *Manager) Configure(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.servers[cfg.ServerID]; ok {
		e.mu.Lock()
		e.cfg = cfg
		e.mu.Unlock()
		return
	}
	m.servers[cfg.ServerID] = &entry{cfg: cfg}
}

// Remove stops the server (if running) and forgets its configuration.
func (m *Manager) Remove(serverID string) {
	m.mu.Lock()
	e, ok := m.servers[serverID]
	delete(m.servers, serverID)
	m.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tr != nil {
		_ = e.tr.Close()
		e.tr = nil
	}
}

func (m *Manager) lookup(serverID string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.servers[serverID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("backend: %w: %s", ErrUnknownServer, serverID)
	}
	return e, nil
}

// Start dials serverID's backend if it is not already connected. Starting
// an already-healthy server is a no-op: this makes Start safe to call from
// multiple goroutines racing to warm the same lazily-activated server.
func (m *Manager) Start(ctx context.Context, serverID string) error {
	e, err := m.lookup(serverID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.tr != nil && e.tr.IsHealthy() {
		return nil
	}
	if e.tr != nil {
		_ = e.tr.Close()
		e.tr = nil
	}

	tr, err := dial(ctx, e.cfg)
	if err != nil {
		return fmt.Errorf("backend: start %s: %w", serverID, err)
	}

	if m.onNotification != nil {
		tr.SetNotificationCallback(func(n *jsonrpc.Message) {
			m.onNotification(serverID, n)
		})
	}
	if m.onRequest != nil {
		tr.SetRequestCallback(func(ctx context.Context, req *jsonrpc.Message) *jsonrpc.Message {
			return m.onRequest(ctx, serverID, req)
		})
	}

	e.tr = tr
	log.Logf("  > backend %s: connected (%s)", serverID, e.cfg.Kind)
	return nil
}

func dial(ctx context.Context, cfg Config) (transport.Transport, error) {
	switch cfg.Kind {
	case KindStdio:
		return transport.NewStdio(ctx, cfg.Command, cfg.Args, cfg.Env)
	case KindSSE:
		return transport.NewSSE(ctx, cfg.URL, cfg.Headers)
	case KindWebSocket:
		return transport.NewWebSocket(ctx, cfg.URL, cfg.Headers)
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}

// Stop disconnects serverID without forgetting its configuration. A
// subsequent Start reconnects it.
func (m *Manager) Stop(serverID string) error {
	e, err := m.lookup(serverID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tr == nil {
		return nil
	}
	err = e.tr.Close()
	e.tr = nil
	return err
}

// SendRequest forwards req to serverID, starting the backend on demand if
// it is not already connected.
func (m *Manager) SendRequest(ctx context.Context, serverID string, req *jsonrpc.Message) (*jsonrpc.Message, error) {
	e, err := m.lookup(serverID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	tr := e.tr
	e.mu.Unlock()

	if tr == nil || !tr.IsHealthy() {
		if err := m.Start(ctx, serverID); err != nil {
			return nil, err
		}
		e.mu.Lock()
		tr = e.tr
		e.mu.Unlock()
	}

	return tr.SendRequest(ctx, req)
}

// Healthy reports whether serverID is currently connected and its reader
// loop is alive.
func (m *Manager) Healthy(serverID string) bool {
	e, err := m.lookup(serverID)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tr != nil && e.tr.IsHealthy()
}

// HealthAll returns the health of every configured server, checked
// concurrently with the same bounded fan-out the catalog merger uses.
func (m *Manager) HealthAll(ctx context.Context) map[string]bool {
	m.mu.RLock()
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var mu sync.Mutex
	result := make(map[string]bool, len(ids))

	errs, _ := errgroup.WithContext(ctx)
	errs.SetLimit(runtime.NumCPU())
	for _, id := range ids {
		errs.Go(func() error {
			healthy := m.Healthy(id)
			mu.Lock()
			result[id] = healthy
			mu.Unlock()
			return nil
		})
	}
	_ = errs.Wait()

	return result
}

// ServerIDs returns the configured server ids in no particular order.
func (m *Manager) ServerIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	return ids
}

// ShutdownAll closes every live connection. Errors are logged, not
// returned, since shutdown must make a best effort across every server
// regardless of individual failures.
func (m *Manager) ShutdownAll() {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.servers))
	for _, e := range m.servers {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			e.mu.Lock()
			defer e.mu.Unlock()
			if e.tr == nil {
				return
			}
			if err := e.tr.Close(); err != nil {
				log.Logf("! backend %s: close: %v", e.cfg.ServerID, err)
			}
			e.tr = nil
		}(e)
	}
	wg.Wait()
}
