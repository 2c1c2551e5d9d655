package oauth

import (
	"sync"
	"time"
)

// FlowState is one step of the browser flow's forward-only state machine.
type FlowState string

const (
	StatePending         FlowState = "pending"
	StateExchangingToken FlowState = "exchanging_token"
	StateSuccess         FlowState = "success"
	StateError           FlowState = "error"
	StateTimeout         FlowState = "timeout"
	StateCancelled       FlowState = "cancelled"
)

// FlowTimeout is the hard cap on how long a browser flow may stay open.
const FlowTimeout = 5 * time.Minute

// terminal reports whether a state admits no further transitions.
func (s FlowState) terminal() bool {
	switch s {
	case StateSuccess, StateError, StateTimeout, StateCancelled:
		return true
	}
	return false
}

// BrowserConfig is the OAuth configuration of a backend that needs a
// user-consent browser flow. SecretRef, if set, names the vault entry
// holding the OAuth client secret (public PKCE clients leave it empty).
type BrowserConfig struct {
	ClientID     string
	SecretRef    string
	AuthURL      string
	TokenURL     string
	Scopes       []string
	RedirectPort int
}

// Flow is one in-progress (or finished) browser authorization. The state
// machine only moves forward; terminal states are immutable. The local
// callback server is the sole mutator of a live flow — the status
// endpoint just reads.
type Flow struct {
	ID        string
	ServerID  string
	Config    BrowserConfig
	AuthURL   string
	CreatedAt time.Time

	mu       sync.Mutex
	state    FlowState
	errMsg   string
	verifier string
	cancel   func()
}

// State returns the flow's current state and, for StateError, the message.
func (f *Flow) State() (FlowState, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.errMsg
}

// transition advances the flow if it is not already terminal. Returns
// whether the transition was applied.
func (f *Flow) transition(to FlowState, errMsg string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.terminal() {
		return false
	}
	f.state = to
	f.errMsg = errMsg
	return true
}

// Status is the poll endpoint's view of a flow.
type Status struct {
	FlowID    string    `json:"flow_id"`
	ServerID  string    `json:"server_id"`
	State     FlowState `json:"state"`
	Error     string    `json:"error,omitempty"`
	AuthURL   string    `json:"auth_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Status returns a snapshot for the poll endpoint. The authorization URL
// is only included while the flow still awaits the browser.
func (f *Flow) Status() Status {
	state, errMsg := f.State()
	s := Status{
		FlowID:    f.ID,
		ServerID:  f.ServerID,
		State:     state,
		Error:     errMsg,
		CreatedAt: f.CreatedAt,
	}
	if state == StatePending {
		s.AuthURL = f.AuthURL
	}
	return s
}
