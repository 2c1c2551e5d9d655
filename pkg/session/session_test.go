package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localrouter/gateway/pkg/deferred"
)

func TestAllowed_OnlyConfiguredServers(t *testing.T) {
	s := New(Key{ClientID: "c1", TransportFlavor: "direct"}, []string{"fs", "gh"})
	assert.True(t, s.Allowed("fs"))
	assert.True(t, s.Allowed("gh"))
	assert.False(t, s.Allowed("db"))
}

func TestManager_GetOrCreate_ReturnsSameSession(t *testing.T) {
	m := NewManager()
	key := Key{ClientID: "c1", TransportFlavor: "direct"}
	s1 := m.GetOrCreate(key, []string{"fs"})
	s2 := m.GetOrCreate(key, []string{"gh"}) // allowed servers ignored on existing session
	require.Same(t, s1, s2)
	assert.True(t, s2.Allowed("fs"))
	assert.False(t, s2.Allowed("gh"))
}

func TestManager_SweepIdle(t *testing.T) {
	m := NewManager()
	key := Key{ClientID: "c1", TransportFlavor: "direct"}
	s := m.GetOrCreate(key, nil)
	s.idleTTL = 10 * time.Millisecond

	time.Sleep(30 * time.Millisecond)
	n := m.SweepIdle()
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, m.Len())
}

func TestCachedList_TTLAndInvalidate(t *testing.T) {
	s := New(Key{ClientID: "c1", TransportFlavor: "direct"}, nil)
	s.catalogTTL = 20 * time.Millisecond

	assert.False(t, s.CatalogValid(&s.Tools), "never-fetched list is invalid")

	s.Tools.Set([]byte(`[]`))
	assert.True(t, s.CatalogValid(&s.Tools))

	time.Sleep(40 * time.Millisecond)
	assert.False(t, s.CatalogValid(&s.Tools), "list must expire after its TTL")

	s.Tools.Set([]byte(`["x"]`))
	s.InvalidateTools()
	assert.False(t, s.CatalogValid(&s.Tools), "explicit invalidation must clear validity even before TTL")
}

func TestActivation_IsPerSessionAndIsolated(t *testing.T) {
	s1 := New(Key{ClientID: "c1", TransportFlavor: "direct"}, []string{"fs"})
	s2 := New(Key{ClientID: "c2", TransportFlavor: "direct"}, []string{"fs"})

	s1.Activation.Activate(deferred.Tool{ServerID: "fs", Name: "read_file", Description: "reads a file"})

	assert.Equal(t, 0, s2.Activation.Len(), "sessions must not share activation state")
}
