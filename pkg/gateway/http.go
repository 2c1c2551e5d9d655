package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/localrouter/gateway/pkg/auth"
	"github.com/localrouter/gateway/pkg/jsonrpc"
	"github.com/localrouter/gateway/pkg/session"
	"github.com/localrouter/gateway/pkg/stream"
	"github.com/localrouter/gateway/pkg/telemetry"
)

// Handler builds the gateway's full HTTP surface: the unified MCP
// endpoint, per-server pass-through, streaming sessions, the OAuth token
// endpoint, the OpenAI-compatible surface, and the operational endpoints.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /oauth/token", g.authn.TokenEndpoint)
	mux.HandleFunc("GET /openapi.json", g.handleOpenAPIJSON)
	mux.HandleFunc("GET /openapi.yaml", g.handleOpenAPIYAML)
	mux.Handle("GET /metrics", telemetry.MetricsHandler())

	mux.HandleFunc("GET /{$}", g.handleDocPage)
	mux.HandleFunc("POST /{$}", g.requireClient(g.handleUnified))
	mux.HandleFunc("POST /mcp/{server}", g.requireClient(g.handlePassThrough))

	mux.HandleFunc("POST /gateway/stream", g.requireClient(g.handleStreamCreate))
	mux.HandleFunc("GET /gateway/stream/{session}", g.requireClient(g.handleStreamAttach))
	mux.HandleFunc("POST /gateway/stream/{session}/request", g.requireClient(g.handleStreamSubmit))
	mux.HandleFunc("POST /gateway/stream/{session}/elicitation/{request}", g.requireClient(g.handleStreamElicitation))
	mux.HandleFunc("DELETE /gateway/stream/{session}", g.requireClient(g.handleStreamClose))

	mux.HandleFunc("GET /ws", g.requireClient(g.handleWS))

	mux.HandleFunc("GET /v1/models", g.requireClient(g.handleModels))
	mux.HandleFunc("GET /v1/models/{model}", g.requireClient(g.handleModel))
	mux.HandleFunc("POST /v1/chat/completions", g.requireClient(g.handleLLM("/chat/completions")))
	mux.HandleFunc("POST /v1/completions", g.requireClient(g.handleLLM("/completions")))
	mux.HandleFunc("POST /v1/embeddings", g.requireClient(g.handleLLM("/embeddings")))
	mux.HandleFunc("GET /v1/generation", g.requireClient(g.handleGeneration))

	return g.authn.Middleware(originSecurityHandler(telemetry.HTTPMiddleware("gateway", mux)))
}

// requireClient adapts a handler needing the authenticated client id.
func (g *Gateway) requireClient(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientID, ok := auth.ClientIDFromContext(r.Context())
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, clientID)
	}
}

// handleUnified serves POST /: one JSON-RPC envelope dispatched across
// the unified backend view.
func (g *Gateway) handleUnified(w http.ResponseWriter, r *http.Request, clientID string) {
	var req jsonrpc.Message
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, &jsonrpc.Message{
			JSONRPC: "2.0",
			Error:   jsonrpc.NewError(jsonrpc.CodeParseError, "parse error"),
		})
		return
	}

	resp := g.Dispatch(r.Context(), clientID, &req)
	writeJSON(w, http.StatusOK, resp)
}

// handlePassThrough serves POST /mcp/{server}: direct JSON-RPC to one
// backend, bypassing fan-out but not policy.
func (g *Gateway) handlePassThrough(w http.ResponseWriter, r *http.Request, clientID string) {
	serverID := r.PathValue("server")
	client := g.clientByID(clientID)
	if client == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	allowed := false
	for _, id := range client.AllowedMCPServers(g.backends.ServerIDs()) {
		if id == serverID {
			allowed = true
			break
		}
	}

	var req jsonrpc.Message
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, &jsonrpc.Message{
			JSONRPC: "2.0",
			Error:   jsonrpc.NewError(jsonrpc.CodeParseError, "parse error"),
		})
		return
	}

	if !allowed {
		// Same shape as an unknown method: existence is not leaked.
		writeJSON(w, http.StatusOK, errorResponse(&req, jsonrpc.CodeMethodNotFound, "method not found"))
		return
	}

	resp, err := g.backends.SendRequest(r.Context(), serverID, &req)
	if err != nil {
		writeJSON(w, http.StatusOK, errorResponse(&req, jsonrpc.CodeInternalError, "backend error: "+err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleStreamCreate(w http.ResponseWriter, r *http.Request, clientID string) {
	client := g.clientByID(clientID)
	if client == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	allowed := client.AllowedMCPServers(g.backends.ServerIDs())
	key := session.Key{ClientID: clientID, TransportFlavor: FlavorStreaming}
	gwSession := g.sessions.GetOrCreate(key, allowed)

	result := g.streamMux.CreateSession(r.Context(), clientID, gwSession, allowed)
	telemetry.StreamingSessionOpened(r.Context())
	writeJSON(w, http.StatusOK, result)
}

func (g *Gateway) handleStreamAttach(w http.ResponseWriter, r *http.Request, clientID string) {
	g.streamMux.ServeSSE(w, r, r.PathValue("session"), clientID)
}

func (g *Gateway) handleStreamSubmit(w http.ResponseWriter, r *http.Request, clientID string) {
	req, err := stream.DecodeRequest(r)
	if err != nil {
		http.Error(w, "malformed JSON-RPC body", http.StatusBadRequest)
		return
	}

	result, err := g.streamMux.SubmitRequest(r.Context(), r.PathValue("session"), clientID, req)
	if err != nil {
		writeStreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleStreamElicitation accepts a client's answer to a backend's
// request for user input. The body is the raw result payload; the
// waiting backend receives it as the elicitation/create result.
func (g *Gateway) handleStreamElicitation(w http.ResponseWriter, r *http.Request, clientID string) {
	var result json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		http.Error(w, "malformed JSON body", http.StatusBadRequest)
		return
	}

	err := g.streamMux.SubmitElicitation(r.PathValue("session"), clientID, r.PathValue("request"), result)
	if err != nil {
		writeStreamError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleStreamClose(w http.ResponseWriter, r *http.Request, clientID string) {
	if err := g.streamMux.Close(r.PathValue("session"), clientID); err != nil {
		writeStreamError(w, err)
		return
	}
	telemetry.StreamingSessionClosed(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func writeStreamError(w http.ResponseWriter, err error) {
	switch {
	case err == stream.ErrNotFound:
		http.Error(w, err.Error(), http.StatusNotFound)
	case err == stream.ErrForbidden:
		http.Error(w, err.Error(), http.StatusForbidden)
	case err == stream.ErrBadRouting:
		http.Error(w, err.Error(), http.StatusBadRequest)
	case err == stream.ErrElicitationNotFound:
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// isAllowedOrigin validates that the origin is from localhost.
// Returns true if the origin's hostname is "localhost" or "127.0.0.1".
func isAllowedOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1"
}

// originSecurityHandler validates the Origin header to prevent DNS
// rebinding attacks against the local gateway.
func originSecurityHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if os.Getenv("LOCALROUTER_SKIP_ORIGIN_CHECK") == "1" {
			next.ServeHTTP(w, r)
			return
		}

		origin := r.Header.Get("Origin")

		// Requests with no Origin header are non-browser clients or
		// same-origin; both are fine.
		if origin != "" && !isAllowedOrigin(origin) {
			http.Error(w, "Forbidden: Invalid Origin header", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) handleDocPage(w http.ResponseWriter, _ *http.Request) {
	g.mu.RLock()
	serverCount := 0
	if g.cfg != nil {
		serverCount = len(g.cfg.Servers)
	}
	g.mu.RUnlock()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>LocalRouter Gateway</title></head>
<body>
<h1>LocalRouter Gateway</h1>
<p>Unified MCP gateway over %d configured servers, plus an OpenAI-compatible LLM surface.</p>
<ul>
<li><code>POST /</code> — unified MCP JSON-RPC</li>
<li><code>POST /mcp/{server}</code> — direct pass-through</li>
<li><code>POST /gateway/stream</code> — create a streaming session</li>
<li><code>POST /oauth/token</code> — mint a bearer token</li>
<li><code>GET /v1/models</code>, <code>POST /v1/chat/completions</code> — LLM surface</li>
<li><code>GET /openapi.json</code> — full API description</li>
</ul>
<p>All endpoints except this page, <code>/health</code>, <code>/oauth/token</code>, <code>/openapi.json</code>, <code>/openapi.yaml</code> and <code>/metrics</code> require <code>Authorization: Bearer &lt;secret-or-token&gt;</code>.</p>
</body>
</html>
`, serverCount)
}

func (g *Gateway) handleOpenAPIJSON(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(openAPIJSON))
}

func (g *Gateway) handleOpenAPIYAML(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write([]byte(openAPIYAML))
}
