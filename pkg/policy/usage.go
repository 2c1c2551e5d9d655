package policy

import (
	"sync"
	"time"
)

// Usage is one request's recorded consumption.
type Usage struct {
	ClientID         string
	Provider         string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	Cost             float64
	At               time.Time
}

// bucketTotals is the aggregate inside one time bucket.
type bucketTotals struct {
	Requests         int64
	PromptTokens     int64
	CompletionTokens int64
	Cost             float64
}

func (b *bucketTotals) add(u Usage) {
	b.Requests++
	b.PromptTokens += u.PromptTokens
	b.CompletionTokens += u.CompletionTokens
	b.Cost += u.Cost
}

func (b *bucketTotals) merge(other bucketTotals) {
	b.Requests += other.Requests
	b.PromptTokens += other.PromptTokens
	b.CompletionTokens += other.CompletionTokens
	b.Cost += other.Cost
}

type usageKey struct {
	clientID string
	provider string
	model    string
	bucket   time.Time
}

// Collector aggregates usage into minute buckets, rolled up into hour and
// day buckets by a periodic background Aggregate pass, with retention
// cleanup past a horizon.
type Collector struct {
	mu      sync.Mutex
	minutes map[usageKey]*bucketTotals
	hours   map[usageKey]*bucketTotals
	days    map[usageKey]*bucketTotals

	retentionDays int
	now           func() time.Time
}

// NewCollector returns a collector retaining day buckets for
// retentionDays (default 30 when non-positive).
func NewCollector(retentionDays int) *Collector {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &Collector{
		minutes:       make(map[usageKey]*bucketTotals),
		hours:         make(map[usageKey]*bucketTotals),
		days:          make(map[usageKey]*bucketTotals),
		retentionDays: retentionDays,
		now:           time.Now,
	}
}

// Record adds one request's usage to its minute bucket. Called on the
// request path; O(1) under one lock.
func (c *Collector) Record(u Usage) {
	if u.At.IsZero() {
		u.At = c.now()
	}
	key := usageKey{
		clientID: u.ClientID,
		provider: u.Provider,
		model:    u.Model,
		bucket:   u.At.Truncate(time.Minute),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.minutes[key]
	if !ok {
		b = &bucketTotals{}
		c.minutes[key] = b
	}
	b.add(u)
}

// Aggregate rolls minute buckets older than an hour into hour buckets,
// hour buckets older than a day into day buckets, and drops day buckets
// past the retention horizon. Runs on a background tick, never on the
// request path.
func (c *Collector) Aggregate() {
	now := c.now()
	hourCutoff := now.Add(-time.Hour)
	dayCutoff := now.Add(-24 * time.Hour)
	retentionCutoff := now.AddDate(0, 0, -c.retentionDays)

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, totals := range c.minutes {
		if key.bucket.Before(hourCutoff) {
			hourKey := key
			hourKey.bucket = key.bucket.Truncate(time.Hour)
			c.mergeLocked(c.hours, hourKey, *totals)
			delete(c.minutes, key)
		}
	}

	for key, totals := range c.hours {
		if key.bucket.Before(dayCutoff) {
			dayKey := key
			dayKey.bucket = key.bucket.Truncate(24 * time.Hour)
			c.mergeLocked(c.days, dayKey, *totals)
			delete(c.hours, key)
		}
	}

	for key := range c.days {
		if key.bucket.Before(retentionCutoff) {
			delete(c.days, key)
		}
	}
}

func (c *Collector) mergeLocked(m map[usageKey]*bucketTotals, key usageKey, totals bucketTotals) {
	b, ok := m[key]
	if !ok {
		b = &bucketTotals{}
		m[key] = b
	}
	b.merge(totals)
}

// Totals is a client's aggregate usage since a point in time.
type Totals struct {
	Requests         int64   `json:"requests"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	Cost             float64 `json:"cost"`
}

// ClientTotals sums every bucket for clientID at or after since.
func (c *Collector) ClientTotals(clientID string, since time.Time) Totals {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out Totals
	for _, m := range []map[usageKey]*bucketTotals{c.minutes, c.hours, c.days} {
		for key, totals := range m {
			if key.clientID != clientID || key.bucket.Before(since) {
				continue
			}
			out.Requests += totals.Requests
			out.PromptTokens += totals.PromptTokens
			out.CompletionTokens += totals.CompletionTokens
			out.Cost += totals.Cost
		}
	}
	return out
}
