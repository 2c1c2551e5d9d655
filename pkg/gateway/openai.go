package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/localrouter/gateway/pkg/accesslog"
	"github.com/localrouter/gateway/pkg/auth"
	"github.com/localrouter/gateway/pkg/db"
	"github.com/localrouter/gateway/pkg/log"
	"github.com/localrouter/gateway/pkg/policy"
	"github.com/localrouter/gateway/pkg/telemetry"
)

// modelView is one entry of the OpenAI-compatible /v1/models response.
type modelView struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// availableModelsFor is the live model catalog filtered to providers the
// client may use.
func (g *Gateway) availableModelsFor(r *http.Request, client *auth.Client) []policy.Model {
	all := g.providers.Models(r.Context())
	var out []policy.Model
	for _, m := range all {
		if client.ProviderAllowed(m.Provider) {
			out = append(out, m)
		}
	}
	return out
}

func (g *Gateway) handleModels(w http.ResponseWriter, r *http.Request, clientID string) {
	client := g.clientByID(clientID)
	if client == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	visible := g.strategyFor(client).Filter(g.availableModelsFor(r, client))
	data := make([]modelView, 0, len(visible))
	for _, m := range visible {
		data = append(data, modelView{ID: m.Model, Object: "model", OwnedBy: m.Provider})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (g *Gateway) handleModel(w http.ResponseWriter, r *http.Request, clientID string) {
	client := g.clientByID(clientID)
	if client == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	modelID := r.PathValue("model")
	for _, m := range g.strategyFor(client).Filter(g.availableModelsFor(r, client)) {
		if m.Model == modelID {
			writeJSON(w, http.StatusOK, modelView{ID: m.Model, Object: "model", OwnedBy: m.Provider})
			return
		}
	}
	http.Error(w, "model not found", http.StatusNotFound)
}

// llmRequestBody is the slice of the request body the gateway inspects;
// the rest passes through opaque.
type llmRequestBody struct {
	Model string `json:"model"`
}

// handleLLM serves the OpenAI-compatible POST endpoints: strategy
// resolution, admission, forwarding, then usage recording.
func (g *Gateway) handleLLM(path string) func(http.ResponseWriter, *http.Request, string) {
	return func(w http.ResponseWriter, r *http.Request, clientID string) {
		start := time.Now()
		client := g.clientByID(clientID)
		if client == nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "reading request body", http.StatusBadRequest)
			return
		}
		var parsed llmRequestBody
		if err := json.Unmarshal(body, &parsed); err != nil {
			http.Error(w, "malformed JSON body", http.StatusBadRequest)
			return
		}

		strategy := g.strategyFor(client)
		resolved, err := strategy.Resolve(g.availableModelsFor(r, client), parsed.Model)
		if err != nil {
			if errors.Is(err, policy.ErrNoModel) {
				http.Error(w, "no model permitted by client policy: "+err.Error(), http.StatusForbidden)
			} else {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
			return
		}

		// Admission: the requests-scoped buckets gate up front; the
		// tokens-scoped buckets are drawn down after the response reports
		// actual usage.
		for _, limit := range strategy.RateLimits {
			if limit.Scope != "requests" {
				continue
			}
			ok, retryAfter, err := g.limiter.Allow(r.Context(), clientID, limit, 1)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if !ok {
				telemetry.RecordRateLimitRejection(r.Context(), clientID, limit.Scope)
				telemetry.CountRejection(limit.Scope)
				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds()+0.5)))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
		}

		provider, ok := g.providers.Get(resolved.Provider)
		if !ok {
			http.Error(w, "provider unavailable: "+resolved.Provider, http.StatusBadGateway)
			return
		}

		// The resolved model overrides whatever the caller asked for, so
		// the provider sees a model it actually serves.
		forwardBody := body
		if parsed.Model != resolved.Model {
			forwardBody = rewriteModel(body, resolved.Model)
		}

		result, err := provider.Forward(r.Context(), path, forwardBody, w)
		latency := time.Since(start)
		if err != nil {
			log.Logf("! llm %s: %v", resolved.Provider, err)
			// The response may be partially written; nothing more to send.
		}

		generationID := result.GenerationID
		if generationID == "" {
			generationID = "gen-" + uuid.NewString()
		}

		telemetry.RecordLLMRequest(r.Context(), resolved.Provider, resolved.Model, result.PromptTokens, result.CompletionTokens)
		g.usage.Record(policy.Usage{
			ClientID:         clientID,
			Provider:         resolved.Provider,
			Model:            resolved.Model,
			PromptTokens:     result.PromptTokens,
			CompletionTokens: result.CompletionTokens,
		})

		for _, limit := range strategy.RateLimits {
			if limit.Scope != "tokens" {
				continue
			}
			tokens := result.PromptTokens + result.CompletionTokens
			if tokens > 0 {
				// Draw down; a rejection here only affects later requests.
				_, _, _ = g.limiter.Allow(r.Context(), clientID, limit, tokens)
			}
		}

		if g.dao != nil && !result.Streamed {
			if err := g.dao.InsertGeneration(r.Context(), db.Generation{
				ID:               generationID,
				ClientID:         clientID,
				Provider:         resolved.Provider,
				Model:            resolved.Model,
				PromptTokens:     result.PromptTokens,
				CompletionTokens: result.CompletionTokens,
				LatencyMS:        latency.Milliseconds(),
				CreatedAt:        time.Now().UTC(),
			}); err != nil {
				log.Logf("! recording generation %s: %v", generationID, err)
			}
		}

		g.access.Write(accesslog.Entry{
			Direction: accesslog.DirectionLLM,
			ClientID:  clientID,
			Provider:  resolved.Provider,
			Model:     resolved.Model,
			Method:    path,
			Status:    result.Status,
			LatencyMS: latency.Milliseconds(),
			RequestID: generationID,
		})
	}
}

// rewriteModel replaces the body's model field, leaving everything else
// untouched. On any parse trouble the original body is forwarded.
func rewriteModel(body []byte, model string) []byte {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return body
	}
	raw, err := json.Marshal(model)
	if err != nil {
		return body
	}
	obj["model"] = raw
	out, err := json.Marshal(obj)
	if err != nil {
		return body
	}
	return out
}

// handleGeneration serves GET /v1/generation?id=…, scoped to the calling
// client's own records.
func (g *Gateway) handleGeneration(w http.ResponseWriter, r *http.Request, clientID string) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id parameter", http.StatusBadRequest)
		return
	}
	if g.dao == nil {
		http.Error(w, "usage store unavailable", http.StatusServiceUnavailable)
		return
	}

	generation, err := g.dao.GetGeneration(r.Context(), clientID, id)
	if err != nil {
		if errors.Is(err, db.ErrGenerationNotFound) {
			http.Error(w, "generation not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": generation})
}
