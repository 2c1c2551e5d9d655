package policy

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var available = []Model{
	{Provider: "openai", Model: "gpt-4o"},
	{Provider: "anthropic", Model: "claude-sonnet"},
	{Provider: "openai", Model: "gpt-4o-mini"},
}

func TestResolveForceModel(t *testing.T) {
	s := &Strategy{ID: "s", Mode: ForceModel, Models: []Model{{Provider: "openai", Model: "gpt-4o"}}}

	// The forced model wins regardless of what the caller asked for.
	m, err := s.Resolve(available, "claude-sonnet")
	require.NoError(t, err)
	assert.Equal(t, Model{Provider: "openai", Model: "gpt-4o"}, m)

	_, err = s.Resolve(nil, "")
	assert.ErrorIs(t, err, ErrNoModel)
}

func TestResolvePrioritized(t *testing.T) {
	s := &Strategy{ID: "s", Mode: PrioritizedList, Models: []Model{
		{Provider: "mistral", Model: "large"}, // not available
		{Provider: "anthropic", Model: "claude-sonnet"},
		{Provider: "openai", Model: "gpt-4o"},
	}}

	m, err := s.Resolve(available, "")
	require.NoError(t, err)
	assert.Equal(t, Model{Provider: "anthropic", Model: "claude-sonnet"}, m)

	// A requested model narrows the list.
	m, err = s.Resolve(available, "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, Model{Provider: "openai", Model: "gpt-4o"}, m)

	_, err = s.Resolve(available, "gpt-nonexistent")
	assert.ErrorIs(t, err, ErrNoModel)
}

func TestResolveAvailableSet(t *testing.T) {
	s := &Strategy{ID: "s", Mode: AvailableModels, Models: []Model{
		{Provider: "openai", Model: "gpt-4o-mini"},
	}}

	m, err := s.Resolve(available, "gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", m.Model)

	// Outside the set is a policy violation even though it is available.
	_, err = s.Resolve(available, "gpt-4o")
	assert.ErrorIs(t, err, ErrNoModel)
}

func TestDefaultStrategyAdmitsEverything(t *testing.T) {
	s := DefaultStrategy()
	m, err := s.Resolve(available, "claude-sonnet")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", m.Provider)
	assert.Equal(t, available, s.Filter(available))
}

func TestMemoryLimiterExhaustion(t *testing.T) {
	limiter := NewMemoryLimiter()
	now := time.Now()
	limiter.now = func() time.Time { return now }

	limit := RateLimit{Scope: "requests", Window: time.Minute, Value: 10}

	for i := 0; i < 10; i++ {
		ok, _, err := limiter.Allow(context.Background(), "lr-abc", limit, 1)
		require.NoError(t, err)
		require.True(t, ok, "request %d should be admitted", i+1)
	}

	ok, retryAfter, err := limiter.Allow(context.Background(), "lr-abc", limit, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))

	// After a full window one slot frees up.
	now = now.Add(time.Minute)
	ok, _, err = limiter.Allow(context.Background(), "lr-abc", limit, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	limiter := NewMemoryLimiter()
	limit := RateLimit{Scope: "requests", Window: time.Minute, Value: 1}

	ok, _, err := limiter.Allow(context.Background(), "lr-a", limit, 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _, err = limiter.Allow(context.Background(), "lr-b", limit, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLimiterExhaustion(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewRedisLimiter(client)

	limit := RateLimit{Scope: "requests", Window: time.Minute, Value: 3}

	for i := 0; i < 3; i++ {
		ok, _, err := limiter.Allow(context.Background(), "lr-abc", limit, 1)
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, retryAfter, err := limiter.Allow(context.Background(), "lr-abc", limit, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))

	// A fresh window admits again.
	mr.FastForward(2 * time.Minute)
	ok, _, err = limiter.Allow(context.Background(), "lr-abc", limit, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCollectorRecordAndTotals(t *testing.T) {
	c := NewCollector(30)
	base := time.Date(2026, 8, 1, 12, 0, 30, 0, time.UTC)
	c.now = func() time.Time { return base }

	c.Record(Usage{ClientID: "lr-abc", Provider: "openai", Model: "gpt-4o", PromptTokens: 100, CompletionTokens: 50, Cost: 0.01, At: base})
	c.Record(Usage{ClientID: "lr-abc", Provider: "openai", Model: "gpt-4o", PromptTokens: 10, CompletionTokens: 5, Cost: 0.001, At: base})
	c.Record(Usage{ClientID: "lr-other", Provider: "openai", Model: "gpt-4o", PromptTokens: 999, At: base})

	totals := c.ClientTotals("lr-abc", base.Add(-time.Hour))
	assert.Equal(t, int64(2), totals.Requests)
	assert.Equal(t, int64(110), totals.PromptTokens)
	assert.Equal(t, int64(55), totals.CompletionTokens)
	assert.InDelta(t, 0.011, totals.Cost, 1e-9)
}

func TestCollectorAggregateRollsUp(t *testing.T) {
	c := NewCollector(30)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	old := base.Add(-2 * time.Hour)
	c.Record(Usage{ClientID: "lr-abc", Provider: "p", Model: "m", PromptTokens: 7, At: old})
	c.Record(Usage{ClientID: "lr-abc", Provider: "p", Model: "m", PromptTokens: 3, At: old.Add(time.Minute)})

	c.Aggregate()

	// Minute buckets rolled into one hour bucket; totals survive.
	assert.Empty(t, c.minutes)
	assert.Len(t, c.hours, 1)
	totals := c.ClientTotals("lr-abc", old.Add(-time.Hour))
	assert.Equal(t, int64(10), totals.PromptTokens)
}

func TestCollectorRetention(t *testing.T) {
	c := NewCollector(7)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	ancient := base.AddDate(0, 0, -10)
	c.Record(Usage{ClientID: "lr-abc", Provider: "p", Model: "m", PromptTokens: 7, At: ancient})

	// One pass rolls minute → hour → day and drops it past retention; the
	// further passes find nothing left.
	c.Aggregate()
	c.Aggregate()
	c.Aggregate()

	totals := c.ClientTotals("lr-abc", ancient.Add(-time.Hour))
	assert.Equal(t, int64(0), totals.Requests)
}
