package gateway

// openAPIJSON is the machine-readable API description served at
// /openapi.json. Kept deliberately compact: paths and auth, not full
// response schemas — the JSON-RPC payloads are described by the MCP
// specification, the /v1 payloads by the OpenAI one.
const openAPIJSON = `{
  "openapi": "3.0.3",
  "info": {
    "title": "LocalRouter Gateway",
    "description": "Local API gateway unifying MCP servers and OpenAI-compatible LLM providers.",
    "version": "1.0.0"
  },
  "components": {
    "securitySchemes": {
      "bearerAuth": {"type": "http", "scheme": "bearer"}
    }
  },
  "security": [{"bearerAuth": []}],
  "paths": {
    "/": {
      "get": {"summary": "Documentation page", "security": []},
      "post": {"summary": "Unified MCP gateway (JSON-RPC 2.0)"}
    },
    "/mcp/{server_id}": {
      "post": {"summary": "Direct JSON-RPC pass-through to one backend"}
    },
    "/gateway/stream": {
      "post": {"summary": "Create a streaming session"}
    },
    "/gateway/stream/{session_id}": {
      "get": {"summary": "Attach as SSE subscriber"},
      "delete": {"summary": "Tear down a streaming session"}
    },
    "/gateway/stream/{session_id}/request": {
      "post": {"summary": "Submit a JSON-RPC request into a streaming session"}
    },
    "/gateway/stream/{session_id}/elicitation/{request_id}": {
      "post": {"summary": "Answer a backend's elicitation request"}
    },
    "/oauth/token": {
      "post": {"summary": "OAuth client-credentials token endpoint", "security": []}
    },
    "/ws": {
      "get": {"summary": "WebSocket notification feed"}
    },
    "/v1/models": {"get": {"summary": "List models permitted by client policy"}},
    "/v1/models/{id}": {"get": {"summary": "Describe one model"}},
    "/v1/chat/completions": {"post": {"summary": "OpenAI-compatible chat completions"}},
    "/v1/completions": {"post": {"summary": "OpenAI-compatible completions"}},
    "/v1/embeddings": {"post": {"summary": "OpenAI-compatible embeddings"}},
    "/v1/generation": {"get": {"summary": "Usage lookup for a prior generation id"}},
    "/health": {"get": {"summary": "Liveness", "security": []}},
    "/metrics": {"get": {"summary": "Prometheus metrics", "security": []}}
  }
}
`

// openAPIYAML mirrors openAPIJSON for YAML-preferring tooling.
const openAPIYAML = `openapi: "3.0.3"
info:
  title: LocalRouter Gateway
  description: Local API gateway unifying MCP servers and OpenAI-compatible LLM providers.
  version: "1.0.0"
components:
  securitySchemes:
    bearerAuth:
      type: http
      scheme: bearer
security:
  - bearerAuth: []
paths:
  /:
    get: {summary: Documentation page, security: []}
    post: {summary: Unified MCP gateway (JSON-RPC 2.0)}
  /mcp/{server_id}:
    post: {summary: Direct JSON-RPC pass-through to one backend}
  /gateway/stream:
    post: {summary: Create a streaming session}
  /gateway/stream/{session_id}:
    get: {summary: Attach as SSE subscriber}
    delete: {summary: Tear down a streaming session}
  /gateway/stream/{session_id}/request:
    post: {summary: Submit a JSON-RPC request into a streaming session}
  /gateway/stream/{session_id}/elicitation/{request_id}:
    post: {summary: Answer a backend's elicitation request}
  /oauth/token:
    post: {summary: OAuth client-credentials token endpoint, security: []}
  /ws:
    get: {summary: WebSocket notification feed}
  /v1/models:
    get: {summary: List models permitted by client policy}
  /v1/models/{id}:
    get: {summary: Describe one model}
  /v1/chat/completions:
    post: {summary: OpenAI-compatible chat completions}
  /v1/completions:
    post: {summary: OpenAI-compatible completions}
  /v1/embeddings:
    post: {summary: OpenAI-compatible embeddings}
  /v1/generation:
    get: {summary: Usage lookup for a prior generation id}
  /health:
    get: {summary: Liveness, security: []}
  /metrics:
    get: {summary: Prometheus metrics, security: []}
`
