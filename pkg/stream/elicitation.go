package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/localrouter/gateway/pkg/log"
)

// DefaultElicitationTimeout bounds how long a backend's request for user
// input may wait for a client response.
const DefaultElicitationTimeout = 120 * time.Second

// pendingElicitation is one backend-initiated input request awaiting a
// client response. recipients tracks which streaming sessions were shown
// the request; only their owners may answer, and the request is cancelled
// when the last of them closes.
type pendingElicitation struct {
	requestID string
	serverID  string
	createdAt time.Time
	timeout   time.Duration

	recipients map[string]bool // session id -> still attached
	clients    map[string]bool // client ids allowed to respond

	once   sync.Once
	respCh chan json.RawMessage
}

func (p *pendingElicitation) expired() bool {
	return time.Since(p.createdAt) > p.timeout
}

// fulfill delivers the response exactly once; later calls are dropped.
func (p *pendingElicitation) fulfill(result json.RawMessage) {
	p.once.Do(func() {
		p.respCh <- result
		close(p.respCh)
	})
}

// ErrElicitationNotFound is returned when a response targets an unknown
// or already-finished request id.
var ErrElicitationNotFound = fmt.Errorf("elicitation request not found or expired")

// ErrElicitationCancelled is returned to the waiting backend when every
// session that saw the request has gone away.
var ErrElicitationCancelled = fmt.Errorf("elicitation request was cancelled")

// elicitationManager correlates backend-initiated input requests with the
// client responses submitted over HTTP. One per Multiplexer.
type elicitationManager struct {
	mu      sync.Mutex
	pending map[string]*pendingElicitation
	timeout time.Duration
}

func newElicitationManager() *elicitationManager {
	return &elicitationManager{
		pending: make(map[string]*pendingElicitation),
		timeout: DefaultElicitationTimeout,
	}
}

// register creates a pending entry for one backend request and returns
// it. recipients are the streaming sessions the event was fanned out to.
func (m *elicitationManager) register(serverID string, recipients []*Session) *pendingElicitation {
	p := &pendingElicitation{
		requestID:  uuid.NewString(),
		serverID:   serverID,
		createdAt:  time.Now(),
		timeout:    m.timeout,
		recipients: make(map[string]bool, len(recipients)),
		clients:    make(map[string]bool, len(recipients)),
		respCh:     make(chan json.RawMessage, 1),
	}
	for _, s := range recipients {
		p.recipients[s.ID] = true
		p.clients[s.ClientID] = true
	}

	m.mu.Lock()
	m.pending[p.requestID] = p
	m.mu.Unlock()
	return p
}

// await blocks until a response is submitted, the request times out, or
// ctx is cancelled. The pending entry is removed in every outcome.
func (m *elicitationManager) await(ctx context.Context, p *pendingElicitation) (json.RawMessage, error) {
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	defer m.remove(p.requestID)

	select {
	case result, ok := <-p.respCh:
		if !ok || result == nil {
			return nil, ErrElicitationCancelled
		}
		return result, nil
	case <-timer.C:
		log.Logf("! elicitation %s timed out after %s", p.requestID, p.timeout)
		return nil, fmt.Errorf("elicitation request timed out after %s", p.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// submit resolves requestID with the client's result. The submitting
// client must be one the request was shown to.
func (m *elicitationManager) submit(requestID, clientID string, result json.RawMessage) error {
	m.mu.Lock()
	p, ok := m.pending[requestID]
	if ok && !p.clients[clientID] {
		m.mu.Unlock()
		return ErrForbidden
	}
	if ok {
		delete(m.pending, requestID)
	}
	m.mu.Unlock()

	if !ok || p.expired() {
		return ErrElicitationNotFound
	}

	p.fulfill(result)
	log.Logf("- elicitation %s answered by client %s", requestID, clientID)
	return nil
}

// cancel wakes the waiting backend with a cancellation.
func (m *elicitationManager) cancel(requestID string) {
	m.mu.Lock()
	p, ok := m.pending[requestID]
	if ok {
		delete(m.pending, requestID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	p.once.Do(func() { close(p.respCh) })
	log.Logf("- elicitation %s cancelled", requestID)
}

// dropSession removes a closed session from every pending request and
// cancels requests left with no session that could still answer.
func (m *elicitationManager) dropSession(sessionID string) {
	m.mu.Lock()
	var orphaned []string
	for id, p := range m.pending {
		if p.recipients[sessionID] {
			delete(p.recipients, sessionID)
			if len(p.recipients) == 0 {
				orphaned = append(orphaned, id)
			}
		}
	}
	m.mu.Unlock()

	for _, id := range orphaned {
		m.cancel(id)
	}
}

// sweepExpired drops entries whose deadline passed without the awaiting
// side noticing (e.g. an await torn down by context cancellation).
func (m *elicitationManager) sweepExpired() int {
	m.mu.Lock()
	var expired []string
	for id, p := range m.pending {
		if p.expired() {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.cancel(id)
	}
	return len(expired)
}

// remove drops an entry without waking anyone; used by await's own exit.
func (m *elicitationManager) remove(requestID string) {
	m.mu.Lock()
	delete(m.pending, requestID)
	m.mu.Unlock()
}

// pendingCount reports how many requests are currently awaiting input.
func (m *elicitationManager) pendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
