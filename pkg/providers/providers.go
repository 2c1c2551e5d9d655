// Package providers reaches upstream LLM providers over their
// OpenAI-compatible HTTP surface. The gateway treats provider payloads as
// opaque JSON: requests are forwarded as-is, responses are streamed or
// copied back, and only the usage fields are inspected on the way out.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/worldline-go/klient"

	"github.com/localrouter/gateway/pkg/config"
	"github.com/localrouter/gateway/pkg/log"
	"github.com/localrouter/gateway/pkg/policy"
	"github.com/localrouter/gateway/pkg/vault"
)

// Provider is one upstream LLM endpoint.
type Provider struct {
	ID     string
	Name   string
	client *klient.Client
}

// New builds a provider from its config, resolving the API key from the
// environment or the vault.
func New(cfg config.ProviderConfig, v *vault.Vault) (*Provider, error) {
	apiKey := ""
	switch {
	case cfg.APIKeyEnv != "":
		apiKey = os.Getenv(cfg.APIKeyEnv)
	case cfg.APIKeyRef != "":
		key, err := v.Get(cfg.APIKeyRef)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", cfg.ID, err)
		}
		apiKey = key
	}

	headers := http.Header{"Content-Type": []string{"application/json"}}
	if apiKey != "" {
		headers.Set("Authorization", "Bearer "+apiKey)
	}

	client, err := klient.New(
		klient.WithBaseURL(cfg.BaseURL),
		klient.WithDisableBaseURLCheck(true),
		klient.WithDisableRetry(true),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(headers),
	)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", cfg.ID, err)
	}

	return &Provider{ID: cfg.ID, Name: cfg.Name, client: client}, nil
}

// modelsResponse is the OpenAI-compatible GET /models shape.
type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Models lists the provider's models.
func (p *Provider) Models(ctx context.Context) ([]policy.Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return nil, err
	}

	var result modelsResponse
	if err := p.client.Do(req, func(r *http.Response) error {
		if r.StatusCode != http.StatusOK {
			return fmt.Errorf("listing models: status %d", r.StatusCode)
		}
		return json.NewDecoder(r.Body).Decode(&result)
	}); err != nil {
		return nil, fmt.Errorf("provider %s: %w", p.ID, err)
	}

	models := make([]policy.Model, 0, len(result.Data))
	for _, m := range result.Data {
		models = append(models, policy.Model{Provider: p.ID, Model: m.ID})
	}
	return models, nil
}

// ForwardResult summarizes one forwarded request for usage recording.
type ForwardResult struct {
	GenerationID     string
	Status           int
	Streamed         bool
	PromptTokens     int64
	CompletionTokens int64
}

// usageEnvelope extracts the usage and id fields from a non-streamed
// OpenAI-compatible response body.
type usageEnvelope struct {
	ID    string `json:"id"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// Forward sends body to path on the provider and writes the response —
// streamed or not — straight through to w. For non-streamed JSON
// responses the usage fields are parsed out; streamed responses pass
// through untouched.
func (p *Provider) Forward(ctx context.Context, path string, body []byte, w http.ResponseWriter) (ForwardResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return ForwardResult{}, err
	}

	var result ForwardResult
	err = p.client.Do(req, func(r *http.Response) error {
		result.Status = r.StatusCode

		contentType := r.Header.Get("Content-Type")
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(r.StatusCode)

		if contentType == "text/event-stream" {
			result.Streamed = true
			flusher, _ := w.(http.Flusher)
			buf := make([]byte, 32*1024)
			for {
				n, readErr := r.Body.Read(buf)
				if n > 0 {
					if _, writeErr := w.Write(buf[:n]); writeErr != nil {
						return nil // client went away; upstream is drained by Close
					}
					if flusher != nil {
						flusher.Flush()
					}
				}
				if readErr == io.EOF {
					return nil
				}
				if readErr != nil {
					return readErr
				}
			}
		}

		data, readErr := io.ReadAll(r.Body)
		if readErr != nil {
			return readErr
		}
		if _, writeErr := w.Write(data); writeErr != nil {
			return nil
		}

		var env usageEnvelope
		if json.Unmarshal(data, &env) == nil {
			result.GenerationID = env.ID
			result.PromptTokens = env.Usage.PromptTokens
			result.CompletionTokens = env.Usage.CompletionTokens
		}
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("provider %s: %w", p.ID, err)
	}
	return result, nil
}

// Registry holds the live provider set and a TTL-cached view of every
// provider's models.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Provider

	cacheMu     sync.Mutex
	cachedAt    time.Time
	cacheTTL    time.Duration
	modelsCache []policy.Model
}

// NewRegistry builds providers for every enabled config entry. A provider
// that fails to construct is logged and skipped, never fatal.
func NewRegistry(cfgs []config.ProviderConfig, v *vault.Vault) *Registry {
	r := &Registry{
		providers: make(map[string]*Provider),
		cacheTTL:  5 * time.Minute,
	}
	for _, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		p, err := New(cfg, v)
		if err != nil {
			log.Logf("! provider %s: %v", cfg.ID, err)
			continue
		}
		r.providers[cfg.ID] = p
	}
	return r
}

// Get returns providerID's adapter.
func (r *Registry) Get(providerID string) (*Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[providerID]
	return p, ok
}

// IDs returns the registered provider ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Models returns the union of every provider's models, cached for the
// registry's TTL. A provider that fails to list contributes nothing this
// round; the others still answer.
func (r *Registry) Models(ctx context.Context) []policy.Model {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	if time.Since(r.cachedAt) < r.cacheTTL && r.modelsCache != nil {
		return r.modelsCache
	}

	var all []policy.Model
	for _, id := range r.IDs() {
		p, _ := r.Get(id)
		models, err := p.Models(ctx)
		if err != nil {
			log.Logf("! provider %s: listing models: %v", id, err)
			continue
		}
		all = append(all, models...)
	}

	r.modelsCache = all
	r.cachedAt = time.Now()
	return all
}
