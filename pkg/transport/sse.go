package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/localrouter/gateway/pkg/jsonrpc"
	"github.com/localrouter/gateway/pkg/log"
)

// SSETransport speaks the SSE/streamable-HTTP framing:
// a long-lived GET establishes the event stream; each outgoing request is
// a discrete POST; responses and notifications are multiplexed back on
// the same `data:` stream.
type SSETransport struct {
	*base

	client      *http.Client
	postURL     string
	headers     map[string]string
	writeMu     sync.Mutex
	cancelReads context.CancelFunc
}

// NewSSE connects to url (the event-stream endpoint) and, once the
// backend announces its message-POST endpoint, becomes ready to send
// requests. headers are sent on every HTTP call (custom auth headers
// from the MCP Server Config).
func NewSSE(ctx context.Context, url string, headers map[string]string) (*SSETransport, error) {
	readCtx, cancel := context.WithCancel(ctx)

	t := &SSETransport{
		base:        newBase(),
		client:      &http.Client{},
		postURL:     url,
		headers:     headers,
		cancelReads: cancel,
	}

	req, err := http.NewRequestWithContext(readCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("sse transport: build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("sse transport: connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("sse transport: unexpected status %d", resp.StatusCode)
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("sse transport: server did not upgrade to text/event-stream")
	}

	go t.readLoop(resp.Body)

	return t, nil
}

func (t *SSETransport) readLoop(body io.ReadCloser) {
	defer body.Close()
	defer t.base.drain()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var dataBuf bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			dataBuf.WriteString(strings.TrimPrefix(line, "data:"))
		case line == "":
			if dataBuf.Len() > 0 {
				t.handleEvent(dataBuf.Bytes())
				dataBuf.Reset()
			}
		default:
			// event:, id:, retry: lines are ignored; we only need data payloads.
		}
	}
}

func (t *SSETransport) handleEvent(data []byte) {
	var msg jsonrpc.Message
	if err := json.Unmarshal(bytes.TrimSpace(data), &msg); err != nil {
		log.Logf("! sse transport: malformed event, dropping: %v", err)
		return
	}

	isResponse, isNotification := classify(&msg)
	switch {
	case isResponse:
		var id int64
		if err := json.Unmarshal(msg.ID, &id); err != nil {
			log.Logf("! sse transport: response with non-numeric local id, dropping")
			return
		}
		t.base.fulfill(id, &msg)
	case isNotification:
		t.base.notify(&msg)
	default:
		t.base.handleBackendRequest(context.Background(), &msg, func(resp *jsonrpc.Message) {
			_ = t.postMessage(context.Background(), resp)
		})
	}
}

func (t *SSETransport) postMessage(ctx context.Context, msg *jsonrpc.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.postURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sse transport: POST returned status %d", resp.StatusCode)
	}
	return nil
}

func (t *SSETransport) SendRequest(ctx context.Context, req *jsonrpc.Message) (*jsonrpc.Message, error) {
	if !t.IsHealthy() {
		return nil, ErrTransportClosed
	}

	localID, slot := t.base.register(req.ID)
	idBytes, _ := json.Marshal(localID)
	outgoing := req.Clone()
	outgoing.ID = idBytes

	if err := t.postMessage(ctx, outgoing); err != nil {
		t.base.unregister(localID)
		return nil, fmt.Errorf("sse transport: send: %w", err)
	}

	return waitForSlot(ctx, localID, t.base, slot)
}

func (t *SSETransport) Close() error {
	t.cancelReads()
	t.base.drain()
	return nil
}
