// Package transport implements the three backend MCP transports (stdio,
// SSE/streamable-HTTP, WebSocket). Each
// transport owns exactly one backend connection, a local-id pending map,
// and a single reader goroutine that classifies and dispatches inbound
// frames.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/localrouter/gateway/pkg/jsonrpc"
	"github.com/localrouter/gateway/pkg/log"
)

// DefaultTimeout is the fixed per-request timeout for send_request calls
// absent a configured override.
const DefaultTimeout = 30 * time.Second

// NotificationCallback is invoked for every backend-initiated notification.
type NotificationCallback func(notification *jsonrpc.Message)

// RequestCallback is invoked for every backend-initiated request (sampling,
// elicitation, roots/list) and must return the response to send back.
type RequestCallback func(ctx context.Context, request *jsonrpc.Message) *jsonrpc.Message

// Transport is the capability set every backend connection variant must
// satisfy. The variants are closed and fixed; nothing else implements it.
type Transport interface {
	// SendRequest assigns a fresh local id, rewrites it into req, sends the
	// frame, and blocks until a correlated response arrives or the default
	// timeout expires. The returned message carries the caller's original id.
	SendRequest(ctx context.Context, req *jsonrpc.Message) (*jsonrpc.Message, error)
	// IsHealthy reports whether the reader loop is still alive.
	IsHealthy() bool
	// Close tears down the connection and wakes every pending call with
	// a transport-closed error.
	Close() error
	// SetNotificationCallback installs the handler for backend notifications.
	SetNotificationCallback(NotificationCallback)
	// SetRequestCallback installs the handler for backend-initiated requests.
	SetRequestCallback(RequestCallback)
}

var ErrTransportClosed = errors.New("transport closed")

// pendingSlot is the one-shot correlation unit: a local id maps to exactly
// one of these until it is fulfilled, timed out, or drained on close.
type pendingSlot struct {
	originalID json.RawMessage
	ch         chan *jsonrpc.Message
	once       sync.Once
}

func (p *pendingSlot) fulfill(msg *jsonrpc.Message) {
	p.once.Do(func() {
		p.ch <- msg
		close(p.ch)
	})
}

// base holds the state and behavior common to every transport variant:
// the local-id counter, the pending map, health, and callbacks. Concrete
// transports embed it and supply only their framing (write one message,
// read one message, close the connection).
type base struct {
	mu       sync.Mutex
	nextID   int64
	pending  map[int64]*pendingSlot
	healthy  atomic.Bool
	notifyFn atomic.Pointer[NotificationCallback]
	reqFn    atomic.Pointer[RequestCallback]
}

func newBase() *base {
	b := &base{pending: make(map[int64]*pendingSlot)}
	b.healthy.Store(true)
	return b
}

func (b *base) SetNotificationCallback(fn NotificationCallback) {
	b.notifyFn.Store(&fn)
}

func (b *base) SetRequestCallback(fn RequestCallback) {
	b.reqFn.Store(&fn)
}

func (b *base) IsHealthy() bool {
	return b.healthy.Load()
}

// register installs a one-shot slot for a freshly minted local id and
// returns that id plus the slot to await.
func (b *base) register(originalID json.RawMessage) (int64, *pendingSlot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	slot := &pendingSlot{originalID: originalID, ch: make(chan *jsonrpc.Message, 1)}
	b.pending[id] = slot
	return id, slot
}

func (b *base) unregister(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, id)
}

// fulfill looks up the pending slot for id, reinstates the caller's
// original id on msg, and fulfills the slot. A response for an unknown
// id is logged and dropped.
func (b *base) fulfill(id int64, msg *jsonrpc.Message) {
	b.mu.Lock()
	slot, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()

	if !ok {
		log.Logf("! transport: response for unknown local id %d, dropping", id)
		return
	}
	out := msg.Clone()
	out.ID = slot.originalID
	slot.fulfill(out)
}

// drain wakes every pending slot with a transport-closed error. Called on
// close and when the reader loop detects the backend died.
func (b *base) drain() {
	b.healthy.Store(false)
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[int64]*pendingSlot)
	b.mu.Unlock()

	for _, slot := range pending {
		slot.fulfill(&jsonrpc.Message{
			JSONRPC: "2.0",
			ID:      slot.originalID,
			Error:   jsonrpc.NewError(jsonrpc.CodeInternalError, ErrTransportClosed.Error()),
		})
	}
}

func (b *base) notify(msg *jsonrpc.Message) {
	if fn := b.notifyFn.Load(); fn != nil {
		(*fn)(msg)
	}
}

func (b *base) handleBackendRequest(ctx context.Context, msg *jsonrpc.Message, reply func(*jsonrpc.Message)) {
	fn := b.reqFn.Load()
	if fn == nil {
		reply(&jsonrpc.Message{
			JSONRPC: "2.0",
			ID:      msg.ID,
			Error:   jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "no client-request handler installed"),
		})
		return
	}
	// Run on a separate goroutine so the reader loop is never blocked
	// waiting on a round-trip to the external client.
	go func() {
		resp := (*fn)(ctx, msg)
		if resp != nil {
			reply(resp)
		}
	}()
}

// classify inspects a decoded message and reports its kind.
func classify(msg *jsonrpc.Message) (isResponse, isNotification bool) {
	if msg.IsResponse() {
		return true, false
	}
	if msg.IsNotification() {
		return false, true
	}
	return false, false
}

func waitForSlot(ctx context.Context, id int64, b *base, slot *pendingSlot) (*jsonrpc.Message, error) {
	timeout := DefaultTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-slot.ch:
		// drain wakes a slot with a synthesized transport-closed error;
		// report it as ErrTransportClosed rather than as a response.
		if msg.Error != nil && msg.Error.Code == jsonrpc.CodeInternalError && msg.Error.Message == ErrTransportClosed.Error() {
			return nil, ErrTransportClosed
		}
		return msg, nil
	case <-timer.C:
		b.unregister(id)
		return nil, fmt.Errorf("request %d timed out after %s", id, timeout)
	case <-ctx.Done():
		b.unregister(id)
		return nil, ctx.Err()
	}
}
