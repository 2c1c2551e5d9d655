package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/localrouter/gateway/pkg/catalogmerge"
	"github.com/localrouter/gateway/pkg/deferred"
	"github.com/localrouter/gateway/pkg/jsonrpc"
	"github.com/localrouter/gateway/pkg/log"
	"github.com/localrouter/gateway/pkg/session"
)

// ServeStdio exposes the unified gateway to one local client over
// stdin/stdout using the MCP SDK server. stdio is a local trust boundary:
// whoever spawned the process is the client, so clientID comes from a
// flag rather than a bearer credential.
func (g *Gateway) ServeStdio(ctx context.Context, clientID string) error {
	client := g.clientByID(clientID)
	if client == nil {
		return fmt.Errorf("unknown client %q", clientID)
	}

	key := session.Key{ClientID: clientID, TransportFlavor: "stdio"}
	sess := g.sessions.GetOrCreate(key, client.AllowedMCPServers(g.backends.ServerIDs()))

	server := mcp.NewServer(&mcp.Implementation{
		Name:    catalogmerge.GatewayServerName,
		Version: "1.0.0",
	}, &mcp.ServerOptions{
		HasTools: true,
		InitializedHandler: func(_ context.Context, req *mcp.InitializedRequest) {
			clientInfo := req.Session.InitializeParams().ClientInfo
			log.Log(fmt.Sprintf("- Client initialized %s@%s", clientInfo.Name, clientInfo.Version))
		},
	})

	if client.DeferredLoading {
		server.AddTool(&mcp.Tool{
			Name:        deferred.MetaToolName,
			Description: deferred.MetaToolDescription,
			InputSchema: searchInputSchema(),
		}, g.stdioSearchHandler(sess, server))
	} else {
		if err := g.registerMergedTools(ctx, sess, server, nil); err != nil {
			return err
		}
	}

	log.Logf("- Serving unified gateway on stdio for client %s", clientID)
	return server.Run(ctx, &mcp.StdioTransport{})
}

// registerMergedTools registers the merged catalog (or only the subset in
// filter, when non-nil) on the SDK server, each tool forwarding to its
// backend.
func (g *Gateway) registerMergedTools(ctx context.Context, sess *session.Session, server *mcp.Server, filter map[string]bool) error {
	items, err := g.fetchList(ctx, sess, kindTools, &sess.Tools)
	if err != nil {
		return err
	}

	for _, item := range items {
		namespaced := catalogmerge.ApplyNamespace(item.ServerID, item.Name)
		if filter != nil && !filter[namespaced] {
			continue
		}

		schema := &jsonschema.Schema{Type: "object"}
		var parsed struct {
			InputSchema *jsonschema.Schema `json:"inputSchema"`
		}
		if err := json.Unmarshal(item.Raw, &parsed); err == nil && parsed.InputSchema != nil {
			schema = parsed.InputSchema
		}

		server.AddTool(&mcp.Tool{
			Name:        namespaced,
			Description: item.Description,
			InputSchema: schema,
		}, g.forwardingToolHandler(sess, item.ServerID, item.Name))
	}
	return nil
}

// forwardingToolHandler proxies one SDK tool call to its backend with
// the original un-namespaced name.
func (g *Gateway) forwardingToolHandler(sess *session.Session, serverID, toolName string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sess.Touch()

		params, err := json.Marshal(map[string]any{
			"name":      toolName,
			"arguments": req.Params.Arguments,
		})
		if err != nil {
			return nil, err
		}

		resp, err := g.backends.SendRequest(ctx, serverID, &jsonrpc.Message{
			JSONRPC: "2.0",
			ID:      json.RawMessage(`"call"`),
			Method:  "tools/call",
			Params:  params,
		})
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", serverID, err)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("backend %s: %s", serverID, resp.Error.Message)
		}

		var result mcp.CallToolResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			// Backend answered something unshaped; hand it over as text.
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: string(resp.Result)}},
			}, nil
		}
		return &result, nil
	}
}

// stdioSearchHandler is the deferred-mode search tool on the stdio
// surface: matching tools are registered on the SDK server, which emits
// tools/list_changed to the connected client itself.
func (g *Gateway) stdioSearchHandler(sess *session.Session, server *mcp.Server) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sess.Touch()

		var params struct {
			Query string `json:"query"`
			Limit int    `json:"limit"`
		}
		if req.Params.Arguments != nil {
			raw, err := json.Marshal(req.Params.Arguments)
			if err == nil {
				_ = json.Unmarshal(raw, &params)
			}
		}

		items, err := g.fetchList(ctx, sess, kindTools, &sess.Tools)
		if err != nil {
			return nil, err
		}

		loader := deferred.New(toolsFromItems(items))
		activated := loader.Search(sess.Activation, params.Query, params.Limit)

		filter := make(map[string]bool, len(activated))
		names := make([]string, 0, len(activated))
		for _, t := range activated {
			namespaced := catalogmerge.ApplyNamespace(t.ServerID, t.Name)
			filter[namespaced] = true
			names = append(names, namespaced)
		}
		if err := g.registerMergedTools(ctx, sess, server, filter); err != nil {
			return nil, err
		}

		text, _ := json.Marshal(names)
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(text)}},
		}, nil
	}
}
