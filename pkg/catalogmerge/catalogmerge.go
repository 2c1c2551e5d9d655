// Package catalogmerge merges per-server MCP catalogs into one: it
// namespaces and merges per-backend tool/resource/prompt catalogs into one
// deterministically ordered view, and merges backend "initialize" results
// into a single synthetic one.
package catalogmerge

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/localrouter/gateway/pkg/jsonrpc"
)

// Separator namespaces every exported tool/resource/prompt name. Fixed at
// two underscores, which never appear in a server id.
const Separator = "__"

// GatewayServerName is the fixed serverInfo.name advertised to clients
// across every reachable backend.
const GatewayServerName = "LocalRouter Unified Gateway"

// FallbackProtocolVersion is used when no backend reports a version, or
// none can be parsed.
const FallbackProtocolVersion = "2024-11-05"

// Item is one tool/resource/prompt as returned by a backend's list method,
// wrapped with the server it came from. Its exposed name is
// ServerID + Separator + OriginalName.
type Item struct {
	ServerID     string
	OriginalName string
	Raw          json.RawMessage // the backend's tool/resource/prompt object, name field not yet rewritten
}

// ApplyNamespace builds the exposed name for an item originating at server.
func ApplyNamespace(server, name string) string {
	return server + Separator + name
}

// ParseNamespace splits an exposed name back into (server, name). It
// returns ok=false if s does not contain the separator, so the
// apply/parse pair round-trips for any name free of it.
func ParseNamespace(s string) (server, name string, ok bool) {
	idx := strings.Index(s, Separator)
	if idx < 0 {
		return "", "", false
	}
	return s[:idx], s[idx+len(Separator):], true
}

// NamedItem is the subset of fields every list item (tool, resource,
// prompt) needs for merge ordering and name rewriting.
type NamedItem struct {
	ServerID     string
	OriginalName string
	// Rewrite receives the original name and must return a copy of the raw
	// item JSON with its "name" field replaced by the namespaced name.
	Rewrite func(namespacedName string) (json.RawMessage, error)
}

// MergeList sorts items primarily by ServerID, secondarily by
// OriginalName, rewrites each exposed name, and returns the
// JSON-encodable raw values in that order.
func MergeList(items []NamedItem) ([]json.RawMessage, error) {
	sorted := make([]NamedItem, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].ServerID != sorted[j].ServerID {
			return sorted[i].ServerID < sorted[j].ServerID
		}
		return sorted[i].OriginalName < sorted[j].OriginalName
	})

	out := make([]json.RawMessage, 0, len(sorted))
	for _, it := range sorted {
		raw, err := it.Rewrite(ApplyNamespace(it.ServerID, it.OriginalName))
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

// BackendInit is one backend's response to "initialize", reduced to the
// fields the merge cares about.
type BackendInit struct {
	ServerID        string
	ProtocolVersion string
	Capabilities    Capabilities
	Failed          bool
	FailReason      string
}

// Capabilities is the subset of MCP server capabilities that merge by
// boolean OR across backends.
type Capabilities struct {
	ToolsListChanged     bool
	ResourcesListChanged bool
	ResourcesSubscribe   bool
	PromptsListChanged   bool
	Logging              bool
}

// MergedInit is the synthetic "initialize" result presented to the client.
type MergedInit struct {
	ProtocolVersion string
	Capabilities    Capabilities
	ServerName      string
	Description     string
}

// MergeInitialize combines N backends' initialize results: protocol
// version is the minimum of the reachable backends' versions (falling
// back to FallbackProtocolVersion if none parse), capabilities are
// element-wise OR, and the description enumerates reachable and failed
// backends by id.
func MergeInitialize(inits []BackendInit) MergedInit {
	out := MergedInit{
		ProtocolVersion: "",
		ServerName:      GatewayServerName,
	}

	var reachable, failed []string
	for _, in := range inits {
		if in.Failed {
			failed = append(failed, in.ServerID)
			continue
		}
		reachable = append(reachable, in.ServerID)

		if (out.ProtocolVersion == "" && len(in.ProtocolVersion) == 10) || lessVersion(in.ProtocolVersion, out.ProtocolVersion) {
			out.ProtocolVersion = in.ProtocolVersion
		}
		out.Capabilities.ToolsListChanged = out.Capabilities.ToolsListChanged || in.Capabilities.ToolsListChanged
		out.Capabilities.ResourcesListChanged = out.Capabilities.ResourcesListChanged || in.Capabilities.ResourcesListChanged
		out.Capabilities.ResourcesSubscribe = out.Capabilities.ResourcesSubscribe || in.Capabilities.ResourcesSubscribe
		out.Capabilities.PromptsListChanged = out.Capabilities.PromptsListChanged || in.Capabilities.PromptsListChanged
		out.Capabilities.Logging = out.Capabilities.Logging || in.Capabilities.Logging
	}

	if out.ProtocolVersion == "" {
		out.ProtocolVersion = FallbackProtocolVersion
	}

	var b strings.Builder
	b.WriteString("Unified gateway over ")
	b.WriteString(joinOrNone(reachable))
	if len(failed) > 0 {
		b.WriteString("; unreachable: ")
		b.WriteString(joinOrNone(failed))
	}
	out.Description = b.String()

	return out
}

func joinOrNone(ids []string) string {
	if len(ids) == 0 {
		return "none"
	}
	return strings.Join(ids, ", ")
}

// lessVersion compares two "YYYY-MM-DD"-shaped MCP protocol versions
// lexicographically, which is correct for that format, and falls back to
// treating an unparseable candidate as never smaller.
func lessVersion(candidate, current string) bool {
	if len(candidate) != 10 {
		return false
	}
	return candidate < current
}

// NewParseError builds the JSON-RPC error returned for a namespaced method
// whose server prefix does not parse.
func NewParseError(raw string) *jsonrpc.Error {
	return jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "method not found: "+raw)
}
