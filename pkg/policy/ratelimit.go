package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter admits n units against one (key, limit) bucket. ok=false means
// the caller should reject with 429 and the returned Retry-After.
type Limiter interface {
	Allow(ctx context.Context, key string, limit RateLimit, n int64) (ok bool, retryAfter time.Duration, err error)
}

// bucketKey identifies one token bucket.
type bucketKey struct {
	key   string
	scope string
}

// memoryBucket is a continuously refilling token bucket.
type memoryBucket struct {
	tokens   float64
	lastFill time.Time
}

// MemoryLimiter is the default in-process token-bucket limiter.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[bucketKey]*memoryBucket
	now     func() time.Time
}

// NewMemoryLimiter returns an empty in-process limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		buckets: make(map[bucketKey]*memoryBucket),
		now:     time.Now,
	}
}

// Allow refills the bucket for elapsed time, then admits n units if the
// bucket holds them.
func (l *MemoryLimiter) Allow(_ context.Context, key string, limit RateLimit, n int64) (bool, time.Duration, error) {
	if limit.Value <= 0 || limit.Window <= 0 {
		return true, 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bk := bucketKey{key: key, scope: limit.Scope}
	b, ok := l.buckets[bk]
	now := l.now()
	if !ok {
		b = &memoryBucket{tokens: float64(limit.Value), lastFill: now}
		l.buckets[bk] = b
	}

	rate := float64(limit.Value) / limit.Window.Seconds() // units per second
	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * rate
	if b.tokens > float64(limit.Value) {
		b.tokens = float64(limit.Value)
	}
	b.lastFill = now

	if b.tokens >= float64(n) {
		b.tokens -= float64(n)
		return true, 0, nil
	}

	deficit := float64(n) - b.tokens
	retryAfter := time.Duration(deficit / rate * float64(time.Second))
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return false, retryAfter, nil
}

// SweepIdle drops buckets untouched for longer than maxIdle and returns
// how many were removed.
func (l *MemoryLimiter) SweepIdle(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	n := 0
	for key, b := range l.buckets {
		if now.Sub(b.lastFill) > maxIdle {
			delete(l.buckets, key)
			n++
		}
	}
	return n
}

// RedisLimiter counts admissions in fixed windows in Redis, so several
// gateway processes could one day share limits. It is a drop-in for the
// memory limiter behind the same interface.
type RedisLimiter struct {
	client *redis.Client
}

// NewRedisLimiter wraps an existing Redis client.
func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

// Allow increments the current fixed window's counter by n and admits
// while the total stays at or under the limit.
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit RateLimit, n int64) (bool, time.Duration, error) {
	if limit.Value <= 0 || limit.Window <= 0 {
		return true, 0, nil
	}

	now := time.Now()
	windowStart := now.Truncate(limit.Window)
	redisKey := fmt.Sprintf("ratelimit:%s:%s:%d", key, limit.Scope, windowStart.Unix())

	count, err := l.client.IncrBy(ctx, redisKey, n).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate-limit counter: %w", err)
	}
	if count == n {
		// First hit in this window owns setting the expiry.
		if err := l.client.Expire(ctx, redisKey, limit.Window+time.Second).Err(); err != nil {
			return false, 0, fmt.Errorf("rate-limit expiry: %w", err)
		}
	}

	if count > limit.Value {
		retryAfter := windowStart.Add(limit.Window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return false, retryAfter, nil
	}
	return true, 0, nil
}
