package transport

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localrouter/gateway/pkg/jsonrpc"
)

// echoScript reads newline-delimited JSON-RPC requests from stdin and
// writes back a response carrying the same (rewritten) id, so these tests
// exercise the real framing and the real pending-map discipline.
const echoScript = `
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  printf '{"jsonrpc":"2.0","id":%s,"result":{"echo":true}}\n' "$id"
done
`

func newEchoTransport(t *testing.T) *StdioTransport {
	t.Helper()
	tr, err := NewStdio(context.Background(), "/bin/sh", []string{"-c", echoScript}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func mustID(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestStdioTransport_ConcurrentRequestsGetOwnResponses(t *testing.T) {
	tr := newEchoTransport(t)

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	got := make([]json.RawMessage, n)

	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := tr.SendRequest(context.Background(), &jsonrpc.Message{
				JSONRPC: "2.0",
				ID:      mustID(t, i),
				Method:  "ping",
			})
			errs[i] = err
			if resp != nil {
				got[i] = resp.ID
			}
		}(i)
	}
	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i])
		assert.JSONEq(t, string(mustID(t, i)), string(got[i]), "client id must be restored invisibly")
	}
}

func TestStdioTransport_IDRewritingInvisible(t *testing.T) {
	tr := newEchoTransport(t)

	for _, id := range []any{42, "string-id", nil} {
		resp, err := tr.SendRequest(context.Background(), &jsonrpc.Message{
			JSONRPC: "2.0",
			ID:      mustID(t, id),
			Method:  "ping",
		})
		require.NoError(t, err)
		assert.JSONEq(t, string(mustID(t, id)), string(resp.ID))
	}
}

func TestStdioTransport_CloseWakesPending(t *testing.T) {
	// A backend that never answers.
	tr, err := NewStdio(context.Background(), "/bin/sh", []string{"-c", "sleep 600"}, nil)
	require.NoError(t, err)

	const k = 5
	var wg sync.WaitGroup
	errs := make([]error, k)
	for i := range k {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := tr.SendRequest(context.Background(), &jsonrpc.Message{
				JSONRPC: "2.0",
				ID:      mustID(t, i),
				Method:  "ping",
			})
			errs[i] = err
		}(i)
	}

	// Give the goroutines time to register before closing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, tr.Close())

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pending requests did not wake up after Close")
	}

	for i := range k {
		assert.Error(t, errs[i])
	}
	assert.False(t, tr.IsHealthy())
}

func TestStdioTransport_UnhealthyAfterChildExit(t *testing.T) {
	tr, err := NewStdio(context.Background(), "/bin/sh", []string{"-c", "exit 0"}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return !tr.IsHealthy()
	}, 2*time.Second, 10*time.Millisecond)

	_, err = tr.SendRequest(context.Background(), &jsonrpc.Message{
		JSONRPC: "2.0",
		ID:      mustID(t, 1),
		Method:  "ping",
	})
	assert.ErrorIs(t, err, ErrTransportClosed)
}
