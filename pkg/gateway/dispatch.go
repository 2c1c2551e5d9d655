package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/localrouter/gateway/pkg/accesslog"
	"github.com/localrouter/gateway/pkg/auth"
	"github.com/localrouter/gateway/pkg/catalogmerge"
	"github.com/localrouter/gateway/pkg/deferred"
	"github.com/localrouter/gateway/pkg/jsonrpc"
	"github.com/localrouter/gateway/pkg/log"
	"github.com/localrouter/gateway/pkg/session"
	"github.com/localrouter/gateway/pkg/telemetry"
)

// Transport flavors a Gateway Session can be keyed by.
const (
	FlavorDirect    = "direct"
	FlavorStreaming = "streaming"
)

// listKind describes one of the three broadcast list methods.
type listKind struct {
	method string
	field  string
}

var (
	kindTools     = listKind{method: "tools/list", field: "tools"}
	kindResources = listKind{method: "resources/list", field: "resources"}
	kindPrompts   = listKind{method: "prompts/list", field: "prompts"}
)

// Dispatch serves one unified-gateway JSON-RPC request for an
// authenticated client. It never returns nil: every failure maps to a
// JSON-RPC error response carrying the caller's id.
func (g *Gateway) Dispatch(ctx context.Context, clientID string, req *jsonrpc.Message) *jsonrpc.Message {
	start := time.Now()
	client := g.clientByID(clientID)
	if client == nil {
		return errorResponse(req, jsonrpc.CodeInternalError, "unknown client")
	}

	key := session.Key{ClientID: clientID, TransportFlavor: FlavorDirect}
	sess := g.sessions.GetOrCreate(key, client.AllowedMCPServers(g.backends.ServerIDs()))
	sess.Touch()

	resp := g.dispatch(ctx, client, key, sess, req)

	status := 200
	errCode := ""
	if resp.Error != nil {
		status = 500
		errCode = fmt.Sprintf("%d", resp.Error.Code)
	}
	g.access.Write(accesslog.Entry{
		Direction: accesslog.DirectionMCP,
		ClientID:  clientID,
		Method:    req.Method,
		Status:    status,
		LatencyMS: time.Since(start).Milliseconds(),
		RequestID: string(req.ID),
		ErrorCode: errCode,
	})
	return resp
}

func (g *Gateway) dispatch(ctx context.Context, client *auth.Client, key session.Key, sess *session.Session, req *jsonrpc.Message) *jsonrpc.Message {
	switch req.Method {
	case "initialize":
		return g.handleInitialize(ctx, key, sess, req)
	case "ping":
		return resultResponse(req, map[string]any{})
	case "logging/setLevel":
		return g.handleSetLevel(ctx, sess, req)
	case "tools/list":
		return g.handleToolsList(ctx, client, key, sess, req)
	case "resources/list":
		return g.handleList(ctx, sess, kindResources, &sess.Resources, req)
	case "prompts/list":
		return g.handleList(ctx, sess, kindPrompts, &sess.Prompts, req)
	case "tools/call":
		return g.handleToolsCall(ctx, client, key, sess, req)
	case "notifications/roots/list_changed":
		// Client-side notification; nothing to return.
		return resultResponse(req, map[string]any{})
	}

	// Namespaced pass-through: server__method.
	if serverID, method, ok := catalogmerge.ParseNamespace(req.Method); ok {
		return g.forwardNamespaced(ctx, sess, serverID, method, req)
	}

	return errorResponse(req, jsonrpc.CodeMethodNotFound, "method not found: "+req.Method)
}

// initializeParams is the slice of the client's initialize params the
// gateway reads: whether it can receive tools/list_changed, and its
// advertised roots.
type initializeParams struct {
	Capabilities struct {
		Tools struct {
			ListChanged bool `json:"listChanged"`
		} `json:"tools"`
		Roots struct {
			ListChanged bool `json:"listChanged"`
		} `json:"roots"`
	} `json:"capabilities"`
	Roots []struct {
		URI string `json:"uri"`
	} `json:"roots"`
}

func (g *Gateway) handleInitialize(ctx context.Context, key session.Key, sess *session.Session, req *jsonrpc.Message) *jsonrpc.Message {
	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req, jsonrpc.CodeInvalidParams, "malformed initialize params")
		}
	}
	g.setListChanged(key, params.Capabilities.Tools.ListChanged)
	if len(params.Roots) > 0 {
		roots := make([]string, 0, len(params.Roots))
		for _, r := range params.Roots {
			roots = append(roots, r.URI)
		}
		sess.SetRoots(roots)
	}

	inits := g.initializeBackends(ctx, sess)
	merged := catalogmerge.MergeInitialize(inits)

	result := map[string]any{
		"protocolVersion": merged.ProtocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": merged.Capabilities.ToolsListChanged},
			"resources": map[string]any{"listChanged": merged.Capabilities.ResourcesListChanged, "subscribe": merged.Capabilities.ResourcesSubscribe},
			"prompts":   map[string]any{"listChanged": merged.Capabilities.PromptsListChanged},
			"logging":   map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    merged.ServerName,
			"version": "1.0.0",
		},
		"instructions": merged.Description,
	}
	if !merged.Capabilities.Logging {
		caps := result["capabilities"].(map[string]any)
		delete(caps, "logging")
	}
	return resultResponse(req, result)
}

// backendInitResult is one backend's parsed initialize response.
type backendInitResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	Capabilities    struct {
		Tools struct {
			ListChanged bool `json:"listChanged"`
		} `json:"tools"`
		Resources struct {
			ListChanged bool `json:"listChanged"`
			Subscribe   bool `json:"subscribe"`
		} `json:"resources"`
		Prompts struct {
			ListChanged bool `json:"listChanged"`
		} `json:"prompts"`
		Logging *struct{} `json:"logging"`
	} `json:"capabilities"`
}

// initializeBackends fans initialize out to every allowed server,
// recording per-server status on the session. A failing backend never
// fails the merge.
func (g *Gateway) initializeBackends(ctx context.Context, sess *session.Session) []catalogmerge.BackendInit {
	allowed := sess.AllowedServers()

	var mu sync.Mutex
	inits := make([]catalogmerge.BackendInit, 0, len(allowed))

	errs, ctx := errgroup.WithContext(ctx)
	errs.SetLimit(runtime.NumCPU())
	for _, serverID := range allowed {
		errs.Go(func() error {
			resp, err := g.backends.SendRequest(ctx, serverID, &jsonrpc.Message{
				JSONRPC: "2.0",
				ID:      json.RawMessage(`"init"`),
				Method:  "initialize",
				Params:  initializeForwardParams(),
			})

			init := catalogmerge.BackendInit{ServerID: serverID}
			if err != nil || resp.Error != nil {
				init.Failed = true
				if err != nil {
					init.FailReason = err.Error()
				} else {
					init.FailReason = resp.Error.Message
				}
				sess.SetInitStatus(serverID, session.Failed)
			} else {
				var parsed backendInitResult
				if jsonErr := json.Unmarshal(resp.Result, &parsed); jsonErr == nil {
					init.ProtocolVersion = parsed.ProtocolVersion
					init.Capabilities = catalogmerge.Capabilities{
						ToolsListChanged:     parsed.Capabilities.Tools.ListChanged,
						ResourcesListChanged: parsed.Capabilities.Resources.ListChanged,
						ResourcesSubscribe:   parsed.Capabilities.Resources.Subscribe,
						PromptsListChanged:   parsed.Capabilities.Prompts.ListChanged,
						Logging:              parsed.Capabilities.Logging != nil,
					}
				}
				sess.SetInitStatus(serverID, session.Ok)
			}

			mu.Lock()
			inits = append(inits, init)
			mu.Unlock()
			return nil
		})
	}
	_ = errs.Wait()
	return inits
}

// initializeForwardParams is what the gateway presents to backends as its
// own client identity.
func initializeForwardParams() json.RawMessage {
	return json.RawMessage(`{"protocolVersion":"2024-11-05","capabilities":{"roots":{"listChanged":true}},"clientInfo":{"name":"` + catalogmerge.GatewayServerName + `","version":"1.0.0"}}`)
}

func (g *Gateway) handleSetLevel(ctx context.Context, sess *session.Session, req *jsonrpc.Message) *jsonrpc.Message {
	for _, serverID := range sess.AllowedServers() {
		forward := req.Clone()
		if _, err := g.backends.SendRequest(ctx, serverID, forward); err != nil {
			log.Debugf("- logging/setLevel: %s: %v", serverID, err)
		}
	}
	return resultResponse(req, map[string]any{})
}

// catalogItem is one merged list entry: its namespaced raw JSON plus the
// parsed identity deferred loading ranks on.
type catalogItem struct {
	ServerID    string
	Name        string
	Description string
	Raw         json.RawMessage
}

// fetchList returns the merged, namespaced list for kind, served from the
// session cache while it is fresh.
func (g *Gateway) fetchList(ctx context.Context, sess *session.Session, kind listKind, cache *session.CachedList) ([]catalogItem, error) {
	if sess.CatalogValid(cache) {
		if data, ok := cache.Get(); ok {
			var items []catalogItem
			if err := json.Unmarshal(data, &items); err == nil {
				return items, nil
			}
		}
	}

	allowed := sess.AllowedServers()

	var mu sync.Mutex
	var merged []catalogmerge.NamedItem
	parsedByName := make(map[string]catalogItem)

	errs, fanCtx := errgroup.WithContext(ctx)
	errs.SetLimit(runtime.NumCPU())
	for _, serverID := range allowed {
		errs.Go(func() error {
			resp, err := g.backends.SendRequest(fanCtx, serverID, &jsonrpc.Message{
				JSONRPC: "2.0",
				ID:      json.RawMessage(`"list"`),
				Method:  kind.method,
			})
			if err != nil || resp.Error != nil {
				// Partial failure: the union of the successful servers is
				// still the right answer.
				log.Debugf("- %s: %s unavailable", kind.method, serverID)
				return nil
			}

			var result map[string]json.RawMessage
			if err := json.Unmarshal(resp.Result, &result); err != nil {
				return nil
			}
			var rawItems []json.RawMessage
			if err := json.Unmarshal(result[kind.field], &rawItems); err != nil {
				return nil
			}

			for _, raw := range rawItems {
				var meta struct {
					Name        string `json:"name"`
					Description string `json:"description"`
				}
				if err := json.Unmarshal(raw, &meta); err != nil || meta.Name == "" {
					continue
				}

				mu.Lock()
				merged = append(merged, catalogmerge.NamedItem{
					ServerID:     serverID,
					OriginalName: meta.Name,
					Rewrite:      rewriteName(raw),
				})
				parsedByName[catalogmerge.ApplyNamespace(serverID, meta.Name)] = catalogItem{
					ServerID:    serverID,
					Name:        meta.Name,
					Description: meta.Description,
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = errs.Wait()

	rawList, err := catalogmerge.MergeList(merged)
	if err != nil {
		return nil, err
	}

	items := make([]catalogItem, 0, len(rawList))
	for _, raw := range rawList {
		var meta struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(raw, &meta); err != nil {
			continue
		}
		item := parsedByName[meta.Name]
		item.Raw = raw
		items = append(items, item)
	}

	if data, err := json.Marshal(items); err == nil {
		cache.Set(data)
	}
	return items, nil
}

// rewriteName returns a Rewrite closure that replaces the item's name
// field with the namespaced name, leaving every other field untouched.
func rewriteName(raw json.RawMessage) func(string) (json.RawMessage, error) {
	return func(namespaced string) (json.RawMessage, error) {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, err
		}
		name, err := json.Marshal(namespaced)
		if err != nil {
			return nil, err
		}
		obj["name"] = name
		return json.Marshal(obj)
	}
}

func (g *Gateway) handleList(ctx context.Context, sess *session.Session, kind listKind, cache *session.CachedList, req *jsonrpc.Message) *jsonrpc.Message {
	items, err := g.fetchList(ctx, sess, kind, cache)
	if err != nil {
		return errorResponse(req, jsonrpc.CodeInternalError, err.Error())
	}
	raws := make([]json.RawMessage, 0, len(items))
	for _, it := range items {
		raws = append(raws, it.Raw)
	}
	return resultResponse(req, map[string]any{kind.field: raws})
}

func (g *Gateway) handleToolsList(ctx context.Context, client *auth.Client, key session.Key, sess *session.Session, req *jsonrpc.Message) *jsonrpc.Message {
	items, err := g.fetchList(ctx, sess, kindTools, &sess.Tools)
	if err != nil {
		return errorResponse(req, jsonrpc.CodeInternalError, err.Error())
	}

	if !g.deferredMode(client, key) {
		raws := make([]json.RawMessage, 0, len(items))
		for _, it := range items {
			raws = append(raws, it.Raw)
		}
		return resultResponse(req, map[string]any{"tools": raws})
	}

	// Deferred mode: the search meta-tool plus whatever this session has
	// activated so far.
	tools := []json.RawMessage{searchToolJSON()}
	for _, it := range items {
		if sess.Activation.Contains(it.ServerID, it.Name) {
			tools = append(tools, it.Raw)
		}
	}
	return resultResponse(req, map[string]any{"tools": tools})
}

// toolsCallParams is the slice of tools/call params the gateway routes on.
type toolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (g *Gateway) handleToolsCall(ctx context.Context, client *auth.Client, key session.Key, sess *session.Session, req *jsonrpc.Message) *jsonrpc.Message {
	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req, jsonrpc.CodeInvalidParams, "malformed tools/call params")
	}

	if params.Name == deferred.MetaToolName && g.deferredMode(client, key) {
		return g.handleSearch(ctx, sess, req, params.Arguments)
	}

	serverID, toolName, ok := catalogmerge.ParseNamespace(params.Name)
	if !ok {
		return errorResponse(req, jsonrpc.CodeMethodNotFound, "unknown tool: "+params.Name)
	}
	if !sess.Allowed(serverID) {
		// Never leak whether the server exists.
		return errorResponse(req, jsonrpc.CodeMethodNotFound, "unknown tool: "+params.Name)
	}

	if g.deferredMode(client, key) && !sess.Activation.Contains(serverID, toolName) {
		// Safety net for clients that missed the list_changed: activate
		// implicitly and proceed.
		items, err := g.fetchList(ctx, sess, kindTools, &sess.Tools)
		if err == nil {
			loader := deferred.New(toolsFromItems(items))
			if loader.EnsureActivated(sess.Activation, serverID, toolName) {
				g.notifyToolsListChanged(sess)
			}
		}
	}

	forward := req.Clone()
	forwardParams, err := json.Marshal(map[string]any{
		"name":      toolName,
		"arguments": params.Arguments,
	})
	if err != nil {
		return errorResponse(req, jsonrpc.CodeInternalError, err.Error())
	}
	forward.Params = forwardParams

	start := time.Now()
	resp, err := g.backends.SendRequest(ctx, serverID, forward)
	telemetry.RecordToolCall(ctx, serverID, toolName, time.Since(start), err)
	if err != nil {
		return errorResponse(req, jsonrpc.CodeInternalError, "backend error: "+err.Error())
	}
	return resp
}

// searchArguments is the search meta-tool's input.
type searchArguments struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func (g *Gateway) handleSearch(ctx context.Context, sess *session.Session, req *jsonrpc.Message, rawArgs json.RawMessage) *jsonrpc.Message {
	var args searchArguments
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return errorResponse(req, jsonrpc.CodeInvalidParams, "malformed search arguments")
		}
	}

	items, err := g.fetchList(ctx, sess, kindTools, &sess.Tools)
	if err != nil {
		return errorResponse(req, jsonrpc.CodeInternalError, err.Error())
	}

	loader := deferred.New(toolsFromItems(items))
	activated := loader.Search(sess.Activation, args.Query, args.Limit)

	type searchHit struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
	}
	hits := make([]searchHit, 0, len(activated))
	for _, t := range activated {
		hits = append(hits, searchHit{
			Name:        catalogmerge.ApplyNamespace(t.ServerID, t.Name),
			Description: t.Description,
		})
	}
	text, _ := json.Marshal(hits)

	// One list_changed per search call, after the activation set moved.
	g.notifyToolsListChanged(sess)

	return resultResponse(req, map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": string(text)},
		},
	})
}

func toolsFromItems(items []catalogItem) []deferred.Tool {
	tools := make([]deferred.Tool, 0, len(items))
	for _, it := range items {
		tools = append(tools, deferred.Tool{
			ServerID:    it.ServerID,
			Name:        it.Name,
			Description: it.Description,
		})
	}
	return tools
}

// notifyToolsListChanged pushes notifications/tools/list_changed to the
// session's client over whatever push channels it holds open.
func (g *Gateway) notifyToolsListChanged(sess *session.Session) {
	notification := &jsonrpc.Message{
		JSONRPC: "2.0",
		Method:  "notifications/tools/list_changed",
	}
	g.wsHub.send(sess.Key.ClientID, notification)
	g.streamMux.NotifyClient(sess.Key.ClientID, notification)
}

func (g *Gateway) forwardNamespaced(ctx context.Context, sess *session.Session, serverID, method string, req *jsonrpc.Message) *jsonrpc.Message {
	if !sess.Allowed(serverID) {
		return errorResponse(req, jsonrpc.CodeMethodNotFound, "method not found: "+req.Method)
	}

	forward := req.Clone()
	forward.Method = method
	resp, err := g.backends.SendRequest(ctx, serverID, forward)
	if err != nil {
		return errorResponse(req, jsonrpc.CodeInternalError, "backend error: "+err.Error())
	}
	return resp
}

// searchToolJSON is the synthetic search tool's catalog entry.
func searchToolJSON() json.RawMessage {
	tool := map[string]any{
		"name":        deferred.MetaToolName,
		"description": deferred.MetaToolDescription,
		"inputSchema": searchInputSchema(),
	}
	raw, _ := json.Marshal(tool)
	return raw
}

func resultResponse(req *jsonrpc.Message, result any) *jsonrpc.Message {
	raw, err := json.Marshal(result)
	if err != nil {
		return errorResponse(req, jsonrpc.CodeInternalError, err.Error())
	}
	return &jsonrpc.Message{JSONRPC: "2.0", ID: req.ID, Result: raw}
}

func errorResponse(req *jsonrpc.Message, code int, message string) *jsonrpc.Message {
	return &jsonrpc.Message{JSONRPC: "2.0", ID: req.ID, Error: jsonrpc.NewError(code, message)}
}
