package stream

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/localrouter/gateway/pkg/jsonrpc"
	"github.com/localrouter/gateway/pkg/log"
)

// ServeSSE writes sessionID's event stream to w as Server-Sent Events
// until the client disconnects or the session is torn down. clientID must
// already be authenticated and authorized by the caller.
func (m *Multiplexer) ServeSSE(w http.ResponseWriter, r *http.Request, sessionID, clientID string) {
	s, err := m.Get(sessionID, clientID)
	if err != nil {
		writeSSEError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return
			}
			writeEvent(w, ev)
			flusher.Flush()
		case <-ticker.C:
			writeEvent(w, Event{Type: EventHeartbeat, Data: struct{}{}})
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, ev Event) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		log.Logf("! stream: marshal event %s: %v", ev.Type, err)
		return
	}
	_, _ = w.Write([]byte("event: " + string(ev.Type) + "\n"))
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n\n"))
}

func writeSSEError(w http.ResponseWriter, err error) {
	switch err {
	case ErrNotFound:
		http.Error(w, err.Error(), http.StatusNotFound)
	case ErrForbidden:
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// DecodeRequest parses the JSON-RPC envelope body of a
// POST /gateway/stream/:id/request call.
func DecodeRequest(r *http.Request) (*jsonrpc.Message, error) {
	var msg jsonrpc.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
