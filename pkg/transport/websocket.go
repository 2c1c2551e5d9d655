package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/localrouter/gateway/pkg/jsonrpc"
	"github.com/localrouter/gateway/pkg/log"
)

// WebSocketTransport sends one JSON-RPC envelope per text frame.
type WebSocketTransport struct {
	*base

	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewWebSocket dials url, optionally sending custom headers during the
// handshake.
func NewWebSocket(ctx context.Context, url string, headers map[string]string) (*WebSocketTransport, error) {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}

	dialer := websocket.Dialer{}
	conn, resp, err := dialer.DialContext(ctx, url, h)
	if err != nil {
		return nil, fmt.Errorf("websocket transport: dial %s: %w", url, err)
	}
	if resp != nil {
		defer resp.Body.Close()
	}

	t := &WebSocketTransport{
		base: newBase(),
		conn: conn,
	}

	go t.readLoop()

	return t, nil
}

func (t *WebSocketTransport) readLoop() {
	defer t.base.drain()
	defer t.conn.Close()

	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var msg jsonrpc.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Logf("! websocket transport: malformed frame, dropping: %v", err)
			continue
		}

		isResponse, isNotification := classify(&msg)
		switch {
		case isResponse:
			var id int64
			if err := json.Unmarshal(msg.ID, &id); err != nil {
				log.Logf("! websocket transport: response with non-numeric local id, dropping")
				continue
			}
			t.base.fulfill(id, &msg)
		case isNotification:
			t.base.notify(&msg)
		default:
			t.base.handleBackendRequest(context.Background(), &msg, func(resp *jsonrpc.Message) {
				_ = t.writeFrame(resp)
			})
		}
	}
}

func (t *WebSocketTransport) writeFrame(msg *jsonrpc.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *WebSocketTransport) SendRequest(ctx context.Context, req *jsonrpc.Message) (*jsonrpc.Message, error) {
	if !t.IsHealthy() {
		return nil, ErrTransportClosed
	}

	localID, slot := t.base.register(req.ID)
	idBytes, _ := json.Marshal(localID)
	outgoing := req.Clone()
	outgoing.ID = idBytes

	if err := t.writeFrame(outgoing); err != nil {
		t.base.unregister(localID)
		return nil, fmt.Errorf("websocket transport: send: %w", err)
	}

	return waitForSlot(ctx, localID, t.base, slot)
}

func (t *WebSocketTransport) Close() error {
	t.base.drain()
	_ = t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return t.conn.Close()
}
