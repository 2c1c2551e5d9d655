package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localrouter/gateway/pkg/backend"
	"github.com/localrouter/gateway/pkg/session"
)

func newElicitationFixture(t *testing.T, clientID string, allowed []string) (*Multiplexer, CreateResult) {
	t.Helper()
	mux := New(backend.New(nil, nil))
	gw := session.New(session.Key{ClientID: clientID, TransportFlavor: "stream"}, allowed)
	result := mux.CreateSession(context.Background(), clientID, gw, allowed)
	return mux, result
}

// elicitationEvent drains the session's event stream until the
// elicitation frame arrives.
func elicitationEvent(t *testing.T, mux *Multiplexer, sessionID, clientID string) ElicitationData {
	t.Helper()
	s, err := mux.Get(sessionID, clientID)
	require.NoError(t, err)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if ev.Type == EventElicitation {
				return ev.Data.(ElicitationData)
			}
		case <-deadline:
			t.Fatal("no elicitation event arrived")
		}
	}
}

func TestElicitation_SubmitResponse(t *testing.T) {
	mux, created := newElicitationFixture(t, "c1", []string{"fs"})

	params := json.RawMessage(`{"message":"Enter your name","requestedSchema":{"type":"string"}}`)
	resultCh := make(chan json.RawMessage, 1)
	errCh := make(chan error, 1)
	go func() {
		result, err := mux.RequestElicitation(context.Background(), "fs", params)
		resultCh <- result
		errCh <- err
	}()

	ev := elicitationEvent(t, mux, created.SessionID, "c1")
	assert.Equal(t, "fs", ev.ServerID)
	assert.JSONEq(t, string(params), string(ev.Params))
	require.Equal(t, 1, mux.PendingElicitations())

	answer := json.RawMessage(`{"action":"accept","content":"John Doe"}`)
	require.NoError(t, mux.SubmitElicitation(created.SessionID, "c1", ev.RequestID, answer))

	require.NoError(t, <-errCh)
	assert.JSONEq(t, string(answer), string(<-resultCh))
	assert.Equal(t, 0, mux.PendingElicitations())
}

func TestElicitation_Timeout(t *testing.T) {
	mux, _ := newElicitationFixture(t, "c1", []string{"fs"})
	mux.elicitations.timeout = 50 * time.Millisecond

	_, err := mux.RequestElicitation(context.Background(), "fs", nil)
	require.ErrorContains(t, err, "timed out")
	assert.Equal(t, 0, mux.PendingElicitations())
}

func TestElicitation_CancelledWhenLastRecipientCloses(t *testing.T) {
	mux, created := newElicitationFixture(t, "c1", []string{"fs"})

	errCh := make(chan error, 1)
	go func() {
		_, err := mux.RequestElicitation(context.Background(), "fs", nil)
		errCh <- err
	}()

	// Wait until the request is pending, then tear the only session down.
	elicitationEvent(t, mux, created.SessionID, "c1")
	require.NoError(t, mux.Close(created.SessionID, "c1"))

	assert.ErrorIs(t, <-errCh, ErrElicitationCancelled)
	assert.Equal(t, 0, mux.PendingElicitations())
}

func TestElicitation_NoRecipients(t *testing.T) {
	mux := New(backend.New(nil, nil))
	_, err := mux.RequestElicitation(context.Background(), "fs", nil)
	assert.ErrorIs(t, err, ErrNoElicitationRecipients)
}

func TestElicitation_OnlyShownClientMayAnswer(t *testing.T) {
	mux, createdA := newElicitationFixture(t, "a", []string{"fs"})

	// Client b holds a live session too, but one that cannot see fs, so
	// the request is never shown to it.
	gwB := session.New(session.Key{ClientID: "b", TransportFlavor: "stream"}, []string{"gh"})
	createdB := mux.CreateSession(context.Background(), "b", gwB, []string{"gh"})

	go func() {
		_, _ = mux.RequestElicitation(context.Background(), "fs", nil)
	}()
	ev := elicitationEvent(t, mux, createdA.SessionID, "a")

	// b answering through a's session fails on session ownership.
	err := mux.SubmitElicitation(createdA.SessionID, "b", ev.RequestID, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrForbidden)

	// b answering through its own session fails because the request was
	// never shown to b; the request stays pending for a.
	err = mux.SubmitElicitation(createdB.SessionID, "b", ev.RequestID, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, 1, mux.PendingElicitations())

	require.NoError(t, mux.SubmitElicitation(createdA.SessionID, "a", ev.RequestID, json.RawMessage(`{}`)))
}

func TestElicitation_UnknownRequestNotFound(t *testing.T) {
	mux, created := newElicitationFixture(t, "c1", []string{"fs"})

	err := mux.SubmitElicitation(created.SessionID, "c1", "never-issued", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrElicitationNotFound)
}
