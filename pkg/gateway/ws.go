package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/localrouter/gateway/pkg/jsonrpc"
	"github.com/localrouter/gateway/pkg/log"
)

// wsEnvelope is one frame on the /ws notification feed.
type wsEnvelope struct {
	ServerID     string           `json:"server_id,omitempty"`
	Notification *jsonrpc.Message `json:"notification"`
}

// wsConn is one attached notification subscriber.
type wsConn struct {
	clientID string
	allowed  map[string]bool
	out      chan wsEnvelope
}

// wsHub fans backend notifications out to /ws subscribers, each scoped to
// the servers its client may see.
type wsHub struct {
	mu    sync.Mutex
	conns map[*wsConn]bool
}

func newWSHub() *wsHub {
	return &wsHub{conns: make(map[*wsConn]bool)}
}

func (h *wsHub) register(c *wsConn) {
	h.mu.Lock()
	h.conns[c] = true
	h.mu.Unlock()
}

func (h *wsHub) unregister(c *wsConn) {
	h.mu.Lock()
	if h.conns[c] {
		delete(h.conns, c)
		close(c.out)
	}
	h.mu.Unlock()
}

// broadcast delivers a backend notification to every subscriber allowed
// to see serverID. A slow subscriber drops frames rather than blocking
// the backend reader.
func (h *wsHub) broadcast(serverID string, notification *jsonrpc.Message) {
	h.deliver(func(c *wsConn) bool { return c.allowed[serverID] }, wsEnvelope{ServerID: serverID, Notification: notification})
}

// send delivers a gateway-originated notification to one client's
// subscribers.
func (h *wsHub) send(clientID string, notification *jsonrpc.Message) {
	h.deliver(func(c *wsConn) bool { return c.clientID == clientID }, wsEnvelope{Notification: notification})
}

func (h *wsHub) deliver(match func(*wsConn) bool, env wsEnvelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		if !match(c) {
			continue
		}
		select {
		case c.out <- env:
		default:
			log.Debugf("- ws: dropping notification for slow subscriber %s", c.clientID)
		}
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin is validated by the surrounding origin handler; same-process
	// browser pages are the only expected browser callers.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWS upgrades GET /ws into the notification feed for the
// authenticated client.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request, clientID string) {
	client := g.clientByID(clientID)
	if client == nil {
		http.Error(w, "unknown client", http.StatusUnauthorized)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Logf("! ws upgrade: %v", err)
		return
	}

	allowed := make(map[string]bool)
	for _, id := range client.AllowedMCPServers(g.backends.ServerIDs()) {
		allowed[id] = true
	}
	c := &wsConn{clientID: clientID, allowed: allowed, out: make(chan wsEnvelope, 64)}
	g.wsHub.register(c)

	// Reader goroutine: the feed is one-way, but reading is what detects
	// the peer going away.
	go func() {
		defer g.wsHub.unregister(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer conn.Close()
	for env := range c.out {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(env); err != nil {
			g.wsHub.unregister(c)
			return
		}
	}
}
