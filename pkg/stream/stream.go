// Package stream implements the Streaming Multiplexer: a
// per-client SSE session that fans a JSON-RPC request out to N backend MCP
// servers and delivers responses, backend notifications, and errors back
// on one event stream, correlated by a gateway-minted request id.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/localrouter/gateway/pkg/backend"
	"github.com/localrouter/gateway/pkg/jsonrpc"
	"github.com/localrouter/gateway/pkg/log"
	"github.com/localrouter/gateway/pkg/session"
)

// Broadcast methods fan out to every allowed backend.
var broadcastMethods = map[string]bool{
	"tools/list":     true,
	"resources/list": true,
	"prompts/list":   true,
}

// DefaultHeartbeat is the SSE keepalive cadence.
const DefaultHeartbeat = 30 * time.Second

// DefaultRequestTimeout bounds how long a pending entry waits for its
// backend before the sweep emits an error event for it.
const DefaultRequestTimeout = 30 * time.Second

// EventType tags one outbound SSE event.
type EventType string

const (
	EventResponse     EventType = "response"
	EventNotification EventType = "notification"
	EventError        EventType = "error"
	EventHeartbeat    EventType = "heartbeat"
	EventElicitation  EventType = "elicitation"
)

// Event is one outbound SSE event.
type Event struct {
	Type EventType
	Data any
}

// ResponseData backs an "event: response" frame.
type ResponseData struct {
	RequestID string           `json:"request_id"`
	ServerID  string           `json:"server_id"`
	Response  *jsonrpc.Message `json:"response"`
}

// NotificationData backs an "event: notification" frame.
type NotificationData struct {
	ServerID     string           `json:"server_id"`
	Notification *jsonrpc.Message `json:"notification"`
}

// ErrorData backs an "event: error" frame.
type ErrorData struct {
	RequestID string `json:"request_id,omitempty"`
	ServerID  string `json:"server_id,omitempty"`
	Error     string `json:"error"`
}

// ElicitationData backs an "event: elicitation" frame: a backend is
// asking the user for structured input. The client answers with
// POST /gateway/stream/:id/elicitation/:request_id carrying the result.
type ElicitationData struct {
	RequestID string          `json:"request_id"`
	ServerID  string          `json:"server_id"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMS int64           `json:"timeout_ms"`
}

type pendingEntry struct {
	clientReqID string // original, caller-supplied request id, rendered for logging only
	serverID    string
	createdAt   time.Time
}

// Session is one Streaming Session. Exactly one owning
// client may attach an SSE reader or submit requests to it.
type Session struct {
	ID       string
	ClientID string

	allowed map[string]bool
	gw      *session.Session

	events chan Event

	mu      sync.Mutex
	pending map[string]map[string]*pendingEntry // requestID -> serverID -> entry
	closed  bool
}

// Owns reports whether clientID is the session's owner — the basis for
// the 403 ownership check on attach, submit, and close.
func (s *Session) Owns(clientID string) bool { return s.ClientID == clientID }

// Events returns the channel an SSE handler should range over. The
// channel is closed when the session is torn down.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) emit(ev Event) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		log.Logf("! stream %s: event channel full, dropping %s event", s.ID, ev.Type)
	}
}

// Multiplexer owns every live Streaming Session and the backend Manager
// it forwards requests through.
type Multiplexer struct {
	backend *backend.Manager

	mu       sync.Mutex
	sessions map[string]*Session

	elicitations *elicitationManager

	heartbeat      time.Duration
	requestTimeout time.Duration
}

// New returns a Multiplexer that forwards through backendMgr.
func New(backendMgr *backend.Manager) *Multiplexer {
	return &Multiplexer{
		backend:        backendMgr,
		sessions:       make(map[string]*Session),
		elicitations:   newElicitationManager(),
		heartbeat:      DefaultHeartbeat,
		requestTimeout: DefaultRequestTimeout,
	}
}

// CreateResult is what POST /gateway/stream returns.
type CreateResult struct {
	SessionID          string   `json:"session_id"`
	StreamURL          string   `json:"stream_url"`
	RequestURL         string   `json:"request_url"`
	InitializedServers []string `json:"initialized_servers"`
	FailedServers      []string `json:"failed_servers"`
}

// CreateSession initializes every server in allowedServers concurrently,
// collecting failures without failing the call, then allocates a fresh
// session id. A failed backend never fails the whole call.
func (m *Multiplexer) CreateSession(ctx context.Context, clientID string, gw *session.Session, allowedServers []string) CreateResult {
	s := &Session{
		ID:       uuid.NewString(),
		ClientID: clientID,
		allowed:  make(map[string]bool, len(allowedServers)),
		gw:       gw,
		events:   make(chan Event, 256),
		pending:  make(map[string]map[string]*pendingEntry),
	}
	for _, id := range allowedServers {
		s.allowed[id] = true
	}

	var mu sync.Mutex
	var initialized, failed []string

	errs, ctx := errgroup.WithContext(ctx)
	errs.SetLimit(runtime.NumCPU())
	for _, id := range allowedServers {
		errs.Go(func() error {
			_, err := m.backend.SendRequest(ctx, id, &jsonrpc.Message{JSONRPC: "2.0", Method: "initialize"})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, id)
				gw.SetInitStatus(id, session.Failed)
			} else {
				initialized = append(initialized, id)
				gw.SetInitStatus(id, session.Ok)
			}
			return nil
		})
	}
	_ = errs.Wait()

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	return CreateResult{
		SessionID:          s.ID,
		StreamURL:          fmt.Sprintf("/gateway/stream/%s", s.ID),
		RequestURL:         fmt.Sprintf("/gateway/stream/%s/request", s.ID),
		InitializedServers: initialized,
		FailedServers:      failed,
	}
}

var (
	// ErrNotFound is returned for an unknown session id.
	ErrNotFound = fmt.Errorf("streaming session not found")
	// ErrForbidden is returned when a caller other than the owner tries to
	// attach, submit to, or close a session.
	ErrForbidden = fmt.Errorf("streaming session: forbidden")
)

// Get returns sessionID's session, enforcing ownership.
func (m *Multiplexer) Get(sessionID, clientID string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	if !s.Owns(clientID) {
		return nil, ErrForbidden
	}
	return s, nil
}

// SubmitResult is what POST /gateway/stream/:id/request returns
// immediately, before any backend reply lands on the SSE stream.
type SubmitResult struct {
	RequestID     string   `json:"request_id"`
	TargetServers []string `json:"target_servers"`
	Broadcast     bool     `json:"broadcast"`
}

// ErrBadRouting is returned for a request whose method is neither
// namespaced nor one of the broadcast methods.
var ErrBadRouting = fmt.Errorf("method must be namespaced (server__method) or one of tools/list, resources/list, prompts/list")

// namespaceSplit mirrors catalogmerge.ParseNamespace without importing it,
// to keep this package's routing logic self-contained.
func namespaceSplit(method string) (server, rest string, ok bool) {
	for i := 0; i+1 < len(method); i++ {
		if method[i] == '_' && method[i+1] == '_' {
			return method[:i], method[i+2:], true
		}
	}
	return "", "", false
}

// SubmitRequest routes req: a namespaced method goes to
// one backend, an exact broadcast method fans out over every allowed
// server, anything else is ErrBadRouting. A fresh internal request id is
// minted; pending entries are registered before any backend call so the
// sweep can time out ones that never return.
func (m *Multiplexer) SubmitRequest(ctx context.Context, sessionID, clientID string, req *jsonrpc.Message) (SubmitResult, error) {
	s, err := m.Get(sessionID, clientID)
	if err != nil {
		return SubmitResult{}, err
	}

	var targets []string
	broadcast := false

	if server, method, ok := namespaceSplit(req.Method); ok {
		if !s.allowed[server] {
			return SubmitResult{}, fmt.Errorf("method not found: %s", req.Method)
		}
		targets = []string{server}
		req = req.Clone()
		req.Method = method
	} else if broadcastMethods[req.Method] {
		broadcast = true
		s.mu.Lock()
		for id := range s.allowed {
			targets = append(targets, id)
		}
		s.mu.Unlock()
	} else {
		return SubmitResult{}, ErrBadRouting
	}

	requestID := uuid.NewString()

	s.mu.Lock()
	entries := make(map[string]*pendingEntry, len(targets))
	for _, target := range targets {
		entries[target] = &pendingEntry{
			clientReqID: string(req.ID),
			serverID:    target,
			createdAt:   time.Now(),
		}
	}
	s.pending[requestID] = entries
	s.mu.Unlock()

	for _, target := range targets {
		go m.forward(ctx, s, requestID, target, req)
	}

	return SubmitResult{RequestID: requestID, TargetServers: targets, Broadcast: broadcast}, nil
}

// forward sends req to target and emits the correlated response or error
// event, then clears the pending entry.
func (m *Multiplexer) forward(ctx context.Context, s *Session, requestID, target string, req *jsonrpc.Message) {
	resp, err := m.backend.SendRequest(ctx, target, req)

	s.mu.Lock()
	if entries, ok := s.pending[requestID]; ok {
		delete(entries, target)
		if len(entries) == 0 {
			delete(s.pending, requestID)
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.emit(Event{Type: EventError, Data: ErrorData{RequestID: requestID, ServerID: target, Error: err.Error()}})
		return
	}
	s.emit(Event{Type: EventResponse, Data: ResponseData{RequestID: requestID, ServerID: target, Response: resp}})
}

// NotifyBackend delivers a backend-initiated notification to every live
// session whose allowed set includes serverID.
func (m *Multiplexer) NotifyBackend(serverID string, notification *jsonrpc.Message) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.allowed[serverID] {
			sessions = append(sessions, s)
		}
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.emit(Event{Type: EventNotification, Data: NotificationData{ServerID: serverID, Notification: notification}})
	}
}

// Close tears sessionID down: cancels outstanding pending entries
// (emitting an error event for each), closes the event channel so the SSE
// handler's range loop terminates, and drops the session.
func (m *Multiplexer) Close(sessionID, clientID string) error {
	s, err := m.Get(sessionID, clientID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for requestID, entries := range pending {
		for target := range entries {
			s.emit(Event{Type: EventError, Data: ErrorData{RequestID: requestID, ServerID: target, Error: "session closed"}})
		}
	}

	// Only now stop emit, so the error events above reach the channel.
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	// A request for input shown only to this session can never be
	// answered now; wake its backend with a cancellation.
	m.elicitations.dropSession(sessionID)

	close(s.events)
	return nil
}

// SweepExpired removes pending entries older than the request timeout
// across every live session, emitting an error event for each one it
// drops, and clears elicitation requests past their deadline.
func (m *Multiplexer) SweepExpired() {
	m.elicitations.sweepExpired()
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	now := time.Now()
	for _, s := range sessions {
		s.mu.Lock()
		var expired []struct {
			requestID, serverID string
		}
		for requestID, entries := range s.pending {
			for target, entry := range entries {
				if now.Sub(entry.createdAt) > m.requestTimeout {
					expired = append(expired, struct{ requestID, serverID string }{requestID, target})
					delete(entries, target)
				}
			}
			if len(entries) == 0 {
				delete(s.pending, requestID)
			}
		}
		s.mu.Unlock()

		for _, e := range expired {
			s.emit(Event{Type: EventError, Data: ErrorData{RequestID: e.requestID, ServerID: e.serverID, Error: "request timed out"}})
		}
	}
}

// Heartbeat returns the configured SSE keepalive cadence.
func (m *Multiplexer) Heartbeat() time.Duration { return m.heartbeat }

// ErrNoElicitationRecipients is returned when no live streaming session
// is allowed to see the requesting server; the caller decides how to
// answer the backend.
var ErrNoElicitationRecipients = fmt.Errorf("no streaming session can receive the elicitation")

// RequestElicitation fans a backend's request for user input out to every
// live session allowed to reach serverID, then blocks until one of their
// owners submits a response, the request times out, or every recipient
// session closes. The returned raw JSON is the client's result payload.
func (m *Multiplexer) RequestElicitation(ctx context.Context, serverID string, params json.RawMessage) (json.RawMessage, error) {
	m.mu.Lock()
	var recipients []*Session
	for _, s := range m.sessions {
		if s.allowed[serverID] {
			recipients = append(recipients, s)
		}
	}
	m.mu.Unlock()

	if len(recipients) == 0 {
		return nil, ErrNoElicitationRecipients
	}

	p := m.elicitations.register(serverID, recipients)
	log.Logf("- elicitation %s from %s fanned out to %d sessions", p.requestID, serverID, len(recipients))

	data := ElicitationData{
		RequestID: p.requestID,
		ServerID:  serverID,
		Params:    params,
		TimeoutMS: p.timeout.Milliseconds(),
	}
	for _, s := range recipients {
		s.emit(Event{Type: EventElicitation, Data: data})
	}

	return m.elicitations.await(ctx, p)
}

// SubmitElicitation resolves a pending elicitation with the result a
// client posted into its session. Ownership is enforced twice: the
// session must belong to the caller, and the caller must be one of the
// clients the request was shown to.
func (m *Multiplexer) SubmitElicitation(sessionID, clientID, requestID string, result json.RawMessage) error {
	if _, err := m.Get(sessionID, clientID); err != nil {
		return err
	}
	return m.elicitations.submit(requestID, clientID, result)
}

// PendingElicitations reports how many backend input requests are
// currently awaiting a client response.
func (m *Multiplexer) PendingElicitations() int {
	return m.elicitations.pendingCount()
}

// NotifyClient delivers a gateway-originated notification to every live
// session owned by clientID.
func (m *Multiplexer) NotifyClient(clientID string, notification *jsonrpc.Message) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.ClientID == clientID {
			sessions = append(sessions, s)
		}
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.emit(Event{Type: EventNotification, Data: NotificationData{Notification: notification}})
	}
}
