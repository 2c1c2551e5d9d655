package gateway

import (
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"
)

// searchInputSchema is the search meta-tool's input schema.
func searchInputSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"query": {
				Type:        "string",
				Description: "What you want to do, in a few words (e.g. 'read a file', 'create an issue')",
			},
			"limit": {
				Type:        "integer",
				Description: "Maximum number of tools to surface (default 10, max 50)",
			},
		},
		Required: []string{"query"},
	}
}

// rootsResult builds a roots/list response body.
func rootsResult(roots []string) json.RawMessage {
	type root struct {
		URI string `json:"uri"`
	}
	out := struct {
		Roots []root `json:"roots"`
	}{Roots: make([]root, 0, len(roots))}
	for _, uri := range roots {
		out.Roots = append(out.Roots, root{URI: uri})
	}
	raw, _ := json.Marshal(out)
	return raw
}
