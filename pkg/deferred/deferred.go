// Package deferred implements deferred tool loading: when a
// session opts into deferred loading and the client declared
// tools.listChanged support, the full tool catalog is replaced by a single
// "search" meta-tool. Real tools are activated into the session's view on
// demand, either explicitly via search or implicitly on tools/call.
package deferred

import (
	"sort"
	"strings"
	"sync"
)

// MetaToolName is the synthetic tool exposed in place of the full catalog.
const MetaToolName = "search"

// MetaToolDescription tells the model to discover real tools before
// attempting any domain action.
const MetaToolDescription = "Search the full tool catalog for tools relevant to a task. " +
	"Call this before attempting any domain-specific action — most tools are " +
	"not visible until activated by a matching search."

const (
	// DefaultLimit is used when a search call omits a limit.
	DefaultLimit = 10
	// MaxLimit is the hard cap on how many tools one search call may activate.
	MaxLimit = 50
	// MinActivations is the floor on how many tools a search call activates,
	// so the model is never shown an empty result.
	MinActivations = 3
)

// Tool is the minimal shape deferred loading ranks and activates. Name is
// the backend's original (un-namespaced) tool name.
type Tool struct {
	ServerID    string
	Name        string
	Description string
}

// key returns the string used to identify a Tool in an ActivationSet,
// distinct from the namespaced name so this package does not need to
// import catalogmerge just to build one.
func (t Tool) key() string { return t.ServerID + "\x00" + t.Name }

// ActivationSet is the per-session set of tools a deferred-mode client has
// been shown. Safe for concurrent use.
type ActivationSet struct {
	mu        sync.Mutex
	activated map[string]Tool
}

// NewActivationSet returns an empty set.
func NewActivationSet() *ActivationSet {
	return &ActivationSet{activated: make(map[string]Tool)}
}

// Activate adds t to the set. It reports whether t was newly added — the
// set is idempotent, so activating an already-active tool is a no-op.
func (s *ActivationSet) Activate(t Tool) (added bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := t.key()
	if _, ok := s.activated[k]; ok {
		return false
	}
	s.activated[k] = t
	return true
}

// Contains reports whether (serverID, name) is already activated.
func (s *ActivationSet) Contains(serverID, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.activated[Tool{ServerID: serverID, Name: name}.key()]
	return ok
}

// List returns every currently activated tool, in no particular order.
func (s *ActivationSet) List() []Tool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Tool, 0, len(s.activated))
	for _, t := range s.activated {
		out = append(out, t)
	}
	return out
}

// Len reports how many tools are currently activated.
func (s *ActivationSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.activated)
}

// Loader ranks and activates tools out of a fixed full catalog for one
// Gateway Session's lifetime. The catalog itself is refreshed by whatever
// owns the Loader (the Gateway Session) whenever the merged catalog
// invalidates; Loader holds no backend connections of its own.
type Loader struct {
	mu      sync.RWMutex
	catalog []Tool
}

// New returns a Loader over catalog.
func New(catalog []Tool) *Loader {
	l := &Loader{}
	l.SetCatalog(catalog)
	return l
}

// SetCatalog replaces the full catalog the Loader ranks against, e.g. when
// the Catalog Merger's cache refreshes.
func (l *Loader) SetCatalog(catalog []Tool) {
	cp := make([]Tool, len(catalog))
	copy(cp, catalog)
	l.mu.Lock()
	l.catalog = cp
	l.mu.Unlock()
}

// Search ranks the full catalog against query, activates the matches into
// set, and returns exactly the tools it activated this call (for the
// caller to render the search result and emit tools/list_changed, which
// happens once per search call regardless of whether anything was newly
// activated).
func (l *Loader) Search(set *ActivationSet, query string, limit int) []Tool {
	l.mu.RLock()
	catalog := l.catalog
	l.mu.RUnlock()

	ranked := rank(catalog, query, limit)
	for _, t := range ranked {
		set.Activate(t)
	}
	return ranked
}

// EnsureActivated is the deferred-mode safety net for tools/call, for
// clients that miss the change notification: a tool not yet in the
// session's activation set is activated implicitly before the call
// proceeds. It reports whether the tool exists in the full catalog at
// all.
func (l *Loader) EnsureActivated(set *ActivationSet, serverID, name string) (found bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, t := range l.catalog {
		if t.ServerID == serverID && t.Name == name {
			set.Activate(t)
			return true
		}
	}
	return false
}

// rank scores every catalog tool against query using token-overlap and
// substring matching against name and description, then returns the top
// max(effectiveLimit, MinActivations) tools, capped at len(catalog),
// highest score first, ties broken by (ServerID, Name) for determinism.
// Tools scoring zero still fill the result up to that count.
func rank(catalog []Tool, query string, limit int) []Tool {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	min := MinActivations
	if min > len(catalog) {
		min = len(catalog)
	}
	k := limit
	if k < min {
		k = min
	}
	if k > len(catalog) {
		k = len(catalog)
	}
	if k == 0 {
		return nil
	}

	type scored struct {
		tool  Tool
		score int
	}
	queryLower := strings.ToLower(strings.TrimSpace(query))
	tokens := strings.Fields(queryLower)

	out := make([]scored, len(catalog))
	for i, t := range catalog {
		out[i] = scored{tool: t, score: score(t, queryLower, tokens)}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		if out[i].tool.ServerID != out[j].tool.ServerID {
			return out[i].tool.ServerID < out[j].tool.ServerID
		}
		return out[i].tool.Name < out[j].tool.Name
	})

	result := make([]Tool, k)
	for i := 0; i < k; i++ {
		result[i] = out[i].tool
	}
	return result
}

func score(t Tool, queryLower string, tokens []string) int {
	s := 0
	nameLower := strings.ToLower(t.Name)
	descLower := strings.ToLower(t.Description)

	if queryLower != "" {
		switch {
		case nameLower == queryLower:
			s = maxInt(s, 100)
		case strings.Contains(nameLower, queryLower):
			s = maxInt(s, 50)
		}
		switch {
		case descLower == queryLower:
			s = maxInt(s, 95)
		case strings.Contains(descLower, queryLower):
			s = maxInt(s, 45)
		}
	}

	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		if strings.Contains(nameLower, tok) {
			s += 5
		}
		if strings.Contains(descLower, tok) {
			s += 5
		}
	}

	return s
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
