// Package policy resolves which (provider, model) pair serves a client's
// LLM request, admits requests against the strategy's rate limits, and
// aggregates recorded usage into time buckets.
package policy

import (
	"fmt"
	"time"
)

// Model names one (provider, model) pair.
type Model struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Mode is how a strategy picks among its models.
type Mode string

const (
	// ForceModel always resolves to the strategy's single model.
	ForceModel Mode = "force"
	// PrioritizedList tries the strategy's models in order.
	PrioritizedList Mode = "prioritized"
	// AvailableModels lets the client pick any model in the set.
	AvailableModels Mode = "available"
)

// RateLimit is one admission limit on a strategy.
type RateLimit struct {
	Scope  string // "requests" or "tokens"
	Window time.Duration
	Value  int64
}

// Strategy is the policy object attached to a client.
type Strategy struct {
	ID         string
	Mode       Mode
	Models     []Model
	RateLimits []RateLimit
}

// ErrNoModel is returned when no model qualifies; the HTTP layer maps it
// to 403.
var ErrNoModel = fmt.Errorf("no model qualifies under the client's strategy")

// Resolve picks the (provider, model) pair for a request. available is
// the live model view already filtered to providers the client may use;
// requested is the model the caller asked for ("" when the caller leaves
// the choice to the strategy).
func (s *Strategy) Resolve(available []Model, requested string) (Model, error) {
	have := make(map[Model]bool, len(available))
	for _, m := range available {
		have[m] = true
	}

	switch s.Mode {
	case ForceModel:
		if len(s.Models) != 1 {
			return Model{}, fmt.Errorf("strategy %s: force mode with %d models", s.ID, len(s.Models))
		}
		forced := s.Models[0]
		if !have[forced] {
			return Model{}, fmt.Errorf("%w: forced model %s/%s is unavailable", ErrNoModel, forced.Provider, forced.Model)
		}
		return forced, nil

	case PrioritizedList:
		for _, m := range s.Models {
			if !have[m] {
				continue
			}
			if requested != "" && m.Model != requested {
				continue
			}
			return m, nil
		}
		return Model{}, ErrNoModel

	case AvailableModels:
		for _, m := range s.effectiveModels(available) {
			if !have[m] {
				continue
			}
			if requested == "" || m.Model == requested {
				return m, nil
			}
		}
		return Model{}, ErrNoModel

	default:
		return Model{}, fmt.Errorf("strategy %s: unknown mode %q", s.ID, s.Mode)
	}
}

// DefaultStrategy admits every available model with no rate limits. Used
// for clients with no strategy configured.
func DefaultStrategy() *Strategy {
	return &Strategy{ID: "default", Mode: AvailableModels}
}

// effectiveModels is the strategy's model set, where an empty set means
// "everything available".
func (s *Strategy) effectiveModels(available []Model) []Model {
	if len(s.Models) == 0 {
		return available
	}
	return s.Models
}

// Filter returns the subset of available the strategy exposes, in
// catalog order. Used by /v1/models so a client only sees what it can
// actually request.
func (s *Strategy) Filter(available []Model) []Model {
	allowed := make(map[Model]bool)
	for _, m := range s.effectiveModels(available) {
		allowed[m] = true
	}
	var out []Model
	for _, m := range available {
		if allowed[m] {
			out = append(out, m)
		}
	}
	return out
}
