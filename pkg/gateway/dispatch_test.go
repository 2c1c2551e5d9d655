package gateway

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localrouter/gateway/pkg/accesslog"
	"github.com/localrouter/gateway/pkg/auth"
	"github.com/localrouter/gateway/pkg/config"
	"github.com/localrouter/gateway/pkg/jsonrpc"
	"github.com/localrouter/gateway/pkg/providers"
	"github.com/localrouter/gateway/pkg/session"
	"github.com/localrouter/gateway/pkg/vault"
)

// fakeBackend is an in-test MCP server speaking the SSE framing: GET
// holds the event stream open, POST accepts a JSON-RPC request and the
// response is written back onto the stream.
type fakeBackend struct {
	tools    []map[string]any
	requests chan *jsonrpc.Message
	events   chan []byte
	server   *httptest.Server
}

func newFakeBackend(t *testing.T, tools []map[string]any) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		tools:    tools,
		requests: make(chan *jsonrpc.Message, 64),
		events:   make(chan []byte, 64),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case data := <-b.events:
				fmt.Fprintf(w, "data: %s\n\n", data)
				w.(http.Flusher).Flush()
			}
		}
	})
	mux.HandleFunc("POST /", func(w http.ResponseWriter, r *http.Request) {
		var msg jsonrpc.Message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		b.requests <- &msg
		// Responses to backend-initiated requests terminate here; only
		// requests get an answer pushed back onto the stream.
		if msg.IsRequest() {
			resp := b.respond(&msg)
			if resp != nil {
				data, err := json.Marshal(resp)
				require.NoError(t, err)
				b.events <- data
			}
		}
		w.WriteHeader(http.StatusAccepted)
	})

	b.server = httptest.NewServer(mux)
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBackend) respond(req *jsonrpc.Message) *jsonrpc.Message {
	switch req.Method {
	case "initialize":
		result, _ := json.Marshal(map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{"tools": map[string]any{"listChanged": true}},
		})
		return &jsonrpc.Message{JSONRPC: "2.0", ID: req.ID, Result: result}
	case "tools/list":
		result, _ := json.Marshal(map[string]any{"tools": b.tools})
		return &jsonrpc.Message{JSONRPC: "2.0", ID: req.ID, Result: result}
	case "tools/call":
		result, _ := json.Marshal(map[string]any{
			"content": []map[string]any{{"type": "text", "text": "done"}},
		})
		return &jsonrpc.Message{JSONRPC: "2.0", ID: req.ID, Result: result}
	default:
		result, _ := json.Marshal(map[string]any{})
		return &jsonrpc.Message{JSONRPC: "2.0", ID: req.ID, Result: result}
	}
}

func testGateway(t *testing.T, clients []config.ClientConfig, backends map[string]*fakeBackend) *Gateway {
	t.Helper()

	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	v, err := vault.OpenWithKey(filepath.Join(t.TempDir(), "api_keys.json"), key)
	require.NoError(t, err)

	access, err := accesslog.NewWriter(t.TempDir(), 7)
	require.NoError(t, err)
	t.Cleanup(func() { _ = access.Close() })

	g := New(Options{}, v, nil, access, providers.NewRegistry(nil, v))

	cfg := &config.Config{Version: config.CurrentVersion, Clients: clients}
	for id := range backends {
		cfg.Servers = append(cfg.Servers, config.ServerConfig{
			ID:      id,
			Name:    id,
			Enabled: true,
			Transport: config.TransportConfig{
				Type: "sse",
				URL:  backends[id].server.URL,
			},
		})
	}
	g.ApplyConfig(cfg)
	t.Cleanup(g.backends.ShutdownAll)
	return g
}

func testClientConfig(t *testing.T, id string, deferredLoading bool, servers ...string) config.ClientConfig {
	t.Helper()
	hash, err := auth.HashSecret(id + "-secret")
	require.NoError(t, err)
	cfg := config.ClientConfig{
		ID:         id,
		Name:       id,
		SecretHash: hash,
		Enabled:    true,
		MCPAccess:  "all",
	}
	cfg.DeferredLoading = deferredLoading
	if len(servers) > 0 {
		cfg.MCPAccess = "specific"
		cfg.MCPServers = servers
	}
	return cfg
}

func toolDef(name, description string) map[string]any {
	return map[string]any{
		"name":        name,
		"description": description,
		"inputSchema": map[string]any{"type": "object"},
	}
}

func dispatch(t *testing.T, g *Gateway, clientID, method string, params any) *jsonrpc.Message {
	t.Helper()
	var rawParams json.RawMessage
	if params != nil {
		var err error
		rawParams, err = json.Marshal(params)
		require.NoError(t, err)
	}
	req := &jsonrpc.Message{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Method:  method,
		Params:  rawParams,
	}
	resp := g.Dispatch(context.Background(), clientID, req)
	require.NotNil(t, resp)
	return resp
}

func toolNames(t *testing.T, resp *jsonrpc.Message) []string {
	t.Helper()
	require.Nil(t, resp.Error, "unexpected error: %v", resp.Error)
	var result struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	return names
}

func TestUnifiedToolsList(t *testing.T) {
	fs := newFakeBackend(t, []map[string]any{
		toolDef("read_file", "Read a file"),
		toolDef("write_file", "Write a file"),
	})
	gh := newFakeBackend(t, []map[string]any{
		toolDef("create_issue", "Create a GitHub issue"),
	})
	g := testGateway(t, []config.ClientConfig{testClientConfig(t, "lr-abc", false)},
		map[string]*fakeBackend{"fs": fs, "gh": gh})

	resp := dispatch(t, g, "lr-abc", "tools/list", map[string]any{})
	assert.Equal(t, []string{"fs__read_file", "fs__write_file", "gh__create_issue"}, toolNames(t, resp))
}

func TestNamespacedCallRouting(t *testing.T) {
	fs := newFakeBackend(t, []map[string]any{toolDef("read_file", "Read a file")})
	gh := newFakeBackend(t, []map[string]any{toolDef("create_issue", "Create an issue")})
	g := testGateway(t, []config.ClientConfig{testClientConfig(t, "lr-abc", false)},
		map[string]*fakeBackend{"fs": fs, "gh": gh})

	resp := dispatch(t, g, "lr-abc", "tools/call", map[string]any{
		"name":      "fs__read_file",
		"arguments": map[string]any{"path": "/etc/hostname"},
	})
	require.Nil(t, resp.Error)

	// Exactly one request reached fs, with the original tool name.
	forwarded := <-fs.requests
	assert.Equal(t, "tools/call", forwarded.Method)
	var params struct {
		Name      string `json:"name"`
		Arguments struct {
			Path string `json:"path"`
		} `json:"arguments"`
	}
	require.NoError(t, json.Unmarshal(forwarded.Params, &params))
	assert.Equal(t, "read_file", params.Name)
	assert.Equal(t, "/etc/hostname", params.Arguments.Path)

	// gh saw nothing.
	select {
	case msg := <-gh.requests:
		t.Fatalf("gh received unexpected request %s", msg.Method)
	default:
	}
}

func TestUnauthorizedServerIsNotLeaked(t *testing.T) {
	fs := newFakeBackend(t, []map[string]any{toolDef("read_file", "Read a file")})
	gh := newFakeBackend(t, []map[string]any{toolDef("create_issue", "Create an issue")})
	// Client may only reach fs.
	g := testGateway(t, []config.ClientConfig{testClientConfig(t, "lr-abc", false, "fs")},
		map[string]*fakeBackend{"fs": fs, "gh": gh})

	resp := dispatch(t, g, "lr-abc", "gh__tools/list", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeMethodNotFound, resp.Error.Code)

	// The allowed list excludes gh entirely.
	names := toolNames(t, dispatch(t, g, "lr-abc", "tools/list", nil))
	assert.Equal(t, []string{"fs__read_file"}, names)
}

func TestDeferredSearchActivation(t *testing.T) {
	fs := newFakeBackend(t, []map[string]any{
		toolDef("read_file", "Read a file from disk"),
		toolDef("write_file", "Write a file to disk"),
		toolDef("stat_file", "Stat a file"),
	})
	gh := newFakeBackend(t, []map[string]any{
		toolDef("create_issue", "Create a GitHub issue"),
	})
	g := testGateway(t, []config.ClientConfig{testClientConfig(t, "lr-abc", true)},
		map[string]*fakeBackend{"fs": fs, "gh": gh})

	// The client declares tools.listChanged support during initialize —
	// the second half of the deferred opt-in.
	resp := dispatch(t, g, "lr-abc", "initialize", map[string]any{
		"capabilities": map[string]any{"tools": map[string]any{"listChanged": true}},
	})
	require.Nil(t, resp.Error)

	// Initial tools/list exposes only the search meta-tool.
	names := toolNames(t, dispatch(t, g, "lr-abc", "tools/list", nil))
	assert.Equal(t, []string{"search"}, names)

	// search activates matching tools.
	resp = dispatch(t, g, "lr-abc", "tools/call", map[string]any{
		"name":      "search",
		"arguments": map[string]any{"query": "read file", "limit": 5},
	})
	require.Nil(t, resp.Error)

	names = toolNames(t, dispatch(t, g, "lr-abc", "tools/list", nil))
	assert.Contains(t, names, "search")
	assert.Contains(t, names, "fs__read_file")
	assert.Greater(t, len(names), 1)
}

func TestDeferredImplicitActivation(t *testing.T) {
	fs := newFakeBackend(t, []map[string]any{
		toolDef("read_file", "Read a file"),
	})
	g := testGateway(t, []config.ClientConfig{testClientConfig(t, "lr-abc", true)},
		map[string]*fakeBackend{"fs": fs})

	resp := dispatch(t, g, "lr-abc", "initialize", map[string]any{
		"capabilities": map[string]any{"tools": map[string]any{"listChanged": true}},
	})
	require.Nil(t, resp.Error)

	// Call a tool the client was never shown: implicit activation.
	resp = dispatch(t, g, "lr-abc", "tools/call", map[string]any{
		"name":      "fs__read_file",
		"arguments": map[string]any{"path": "/tmp/x"},
	})
	require.Nil(t, resp.Error)

	names := toolNames(t, dispatch(t, g, "lr-abc", "tools/list", nil))
	assert.Contains(t, names, "fs__read_file")
}

func TestDeferredFallsBackWithoutListChanged(t *testing.T) {
	fs := newFakeBackend(t, []map[string]any{toolDef("read_file", "Read a file")})
	g := testGateway(t, []config.ClientConfig{testClientConfig(t, "lr-abc", true)},
		map[string]*fakeBackend{"fs": fs})

	// No initialize (so no listChanged declaration): full catalog mode.
	names := toolNames(t, dispatch(t, g, "lr-abc", "tools/list", nil))
	assert.Equal(t, []string{"fs__read_file"}, names)
}

func TestInitializeMergesBackends(t *testing.T) {
	fs := newFakeBackend(t, nil)
	g := testGateway(t, []config.ClientConfig{testClientConfig(t, "lr-abc", false)},
		map[string]*fakeBackend{"fs": fs})

	resp := dispatch(t, g, "lr-abc", "initialize", map[string]any{})
	require.Nil(t, resp.Error)

	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "2024-11-05", result.ProtocolVersion)
	assert.Equal(t, "LocalRouter Unified Gateway", result.ServerInfo.Name)

	key := session.Key{ClientID: "lr-abc", TransportFlavor: FlavorDirect}
	sess, ok := g.sessions.Get(key)
	require.True(t, ok)
	assert.Equal(t, session.Ok, sess.InitStatusOf("fs"))
}

func TestUnknownMethodIsMethodNotFound(t *testing.T) {
	g := testGateway(t, []config.ClientConfig{testClientConfig(t, "lr-abc", false)}, nil)

	resp := dispatch(t, g, "lr-abc", "bananas", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeMethodNotFound, resp.Error.Code)
}
