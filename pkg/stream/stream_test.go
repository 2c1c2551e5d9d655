package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localrouter/gateway/pkg/backend"
	"github.com/localrouter/gateway/pkg/jsonrpc"
	"github.com/localrouter/gateway/pkg/session"
)

func TestNamespaceSplit(t *testing.T) {
	server, method, ok := namespaceSplit("fs__tools/call")
	require.True(t, ok)
	assert.Equal(t, "fs", server)
	assert.Equal(t, "tools/call", method)

	_, _, ok = namespaceSplit("tools/list")
	assert.False(t, ok)
}

func TestCreateSession_CollectsFailuresWithoutFailingCall(t *testing.T) {
	// backend.Manager with no configured servers: every initialize fails.
	mgr := backend.New(nil, nil)
	mgr.Configure(backend.Config{ServerID: "fs", Kind: backend.KindStdio, Command: "/bin/sh", Args: []string{"-c", "exit 1"}})
	mgr.Configure(backend.Config{ServerID: "gh", Kind: backend.KindStdio, Command: "/bin/sh", Args: []string{"-c", "exit 1"}})

	mux := New(mgr)
	gw := session.New(session.Key{ClientID: "c1", TransportFlavor: "stream"}, []string{"fs", "gh"})

	result := mux.CreateSession(context.Background(), "c1", gw, []string{"fs", "gh"})
	assert.NotEmpty(t, result.SessionID)
	assert.Len(t, result.FailedServers, 2)
	assert.Empty(t, result.InitializedServers)
}

func TestSessionOwnership(t *testing.T) {
	mgr := backend.New(nil, nil)
	mux := New(mgr)
	gw := session.New(session.Key{ClientID: "a", TransportFlavor: "stream"}, nil)
	result := mux.CreateSession(context.Background(), "a", gw, nil)

	_, err := mux.Get(result.SessionID, "a")
	require.NoError(t, err)

	_, err = mux.Get(result.SessionID, "b")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestSubmitRequest_BroadcastRoutesToAllAllowed(t *testing.T) {
	mgr := backend.New(nil, nil)
	mgr.Configure(backend.Config{ServerID: "fs", Kind: backend.KindStdio, Command: "/bin/sh", Args: []string{"-c", echoLoop}})
	mgr.Configure(backend.Config{ServerID: "gh", Kind: backend.KindStdio, Command: "/bin/sh", Args: []string{"-c", echoLoop}})

	mux := New(mgr)
	gw := session.New(session.Key{ClientID: "c1", TransportFlavor: "stream"}, []string{"fs", "gh"})
	result := mux.CreateSession(context.Background(), "c1", gw, []string{"fs", "gh"})

	submit, err := mux.SubmitRequest(context.Background(), result.SessionID, "c1", &jsonrpc.Message{
		JSONRPC: "2.0", ID: []byte(`1`), Method: "tools/list",
	})
	require.NoError(t, err)
	assert.True(t, submit.Broadcast)
	assert.ElementsMatch(t, []string{"fs", "gh"}, submit.TargetServers)

	s, err := mux.Get(result.SessionID, "c1")
	require.NoError(t, err)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-s.Events():
			if rd, ok := ev.Data.(ResponseData); ok && ev.Type == EventResponse {
				seen[rd.ServerID] = true
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for response events")
		}
	}
	assert.True(t, seen["fs"])
	assert.True(t, seen["gh"])
}

func TestSubmitRequest_BadRoutingMethod(t *testing.T) {
	mgr := backend.New(nil, nil)
	mux := New(mgr)
	gw := session.New(session.Key{ClientID: "c1", TransportFlavor: "stream"}, nil)
	result := mux.CreateSession(context.Background(), "c1", gw, nil)

	_, err := mux.SubmitRequest(context.Background(), result.SessionID, "c1", &jsonrpc.Message{
		JSONRPC: "2.0", ID: []byte(`1`), Method: "not_namespaced",
	})
	assert.ErrorIs(t, err, ErrBadRouting)
}

func TestClose_EmitsErrorsForPendingAndClosesChannel(t *testing.T) {
	mgr := backend.New(nil, nil)
	mgr.Configure(backend.Config{ServerID: "slow", Kind: backend.KindStdio, Command: "/bin/sh", Args: []string{"-c", "sleep 600"}})

	mux := New(mgr)
	gw := session.New(session.Key{ClientID: "c1", TransportFlavor: "stream"}, []string{"slow"})
	result := mux.CreateSession(context.Background(), "c1", gw, []string{"slow"})

	_, err := mux.SubmitRequest(context.Background(), result.SessionID, "c1", &jsonrpc.Message{
		JSONRPC: "2.0", ID: []byte(`1`), Method: "slow__tools/call",
	})
	require.NoError(t, err)

	s, err := mux.Get(result.SessionID, "c1")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, mux.Close(result.SessionID, "c1"))

	var gotError bool
	for ev := range s.Events() {
		if ev.Type == EventError {
			gotError = true
		}
	}
	assert.True(t, gotError)

	_, err = mux.Get(result.SessionID, "c1")
	assert.ErrorIs(t, err, ErrNotFound)
}

const echoLoop = `
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  printf '{"jsonrpc":"2.0","id":%s,"result":{"tools":[]}}\n' "$id"
done
`
