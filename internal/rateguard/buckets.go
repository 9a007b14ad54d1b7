// Package rateguard enforces per-route and per-actor rate limits and the
// delegated-agent auto-cooldown policy. Bucket state lives behind the
// Buckets interface: in-process fixed windows for a single node, or redis
// when several replicas must share counters.
package rateguard

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Buckets counts events per key within a fixed window and reports whether
// the count stayed at or under limit.
type Buckets interface {
	// Allow increments the counter for key and returns (allowed, retryAfter).
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

// ── In-memory buckets ───────────────────────────────────────

type bucketWindow struct {
	count       int
	windowStart time.Time
}

// MemoryBuckets is a fixed-window counter map with periodic cleanup.
type MemoryBuckets struct {
	mu      sync.Mutex
	windows map[string]*bucketWindow
	done    chan struct{}
	once    sync.Once
}

// NewMemoryBuckets creates in-process buckets and starts the cleanup loop.
func NewMemoryBuckets() *MemoryBuckets {
	b := &MemoryBuckets{
		windows: make(map[string]*bucketWindow),
		done:    make(chan struct{}),
	}
	go b.cleanup()
	return b
}

func (b *MemoryBuckets) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.windows[key]
	if !ok || now.Sub(w.windowStart) > window {
		b.windows[key] = &bucketWindow{count: 1, windowStart: now}
		return true, 0, nil
	}
	w.count++
	if w.count > limit {
		retry := window - now.Sub(w.windowStart)
		if retry < 0 {
			retry = 0
		}
		return false, retry, nil
	}
	return true, 0, nil
}

// cleanup periodically drops expired windows to bound memory.
func (b *MemoryBuckets) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-10 * time.Minute)
			b.mu.Lock()
			for key, w := range b.windows {
				if w.windowStart.Before(cutoff) {
					delete(b.windows, key)
				}
			}
			b.mu.Unlock()
		}
	}
}

// Close stops the cleanup goroutine.
func (b *MemoryBuckets) Close() {
	b.once.Do(func() { close(b.done) })
}

// ── Redis buckets ───────────────────────────────────────────

// RedisBuckets shares fixed-window counters across replicas via INCR+EXPIRE.
type RedisBuckets struct {
	client *redis.Client
	prefix string
}

// NewRedisBuckets wraps an existing redis client.
func NewRedisBuckets(client *redis.Client, prefix string) *RedisBuckets {
	if prefix == "" {
		prefix = "rateguard"
	}
	return &RedisBuckets{client: client, prefix: prefix}
}

func (b *RedisBuckets) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	// Window-aligned key so all replicas agree on the bucket boundary.
	slot := time.Now().UnixMilli() / window.Milliseconds()
	rkey := b.prefix + ":" + key + ":" + strconv.FormatInt(slot, 10)

	pipe := b.client.TxPipeline()
	incr := pipe.Incr(ctx, rkey)
	pipe.Expire(ctx, rkey, window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		// Fail open: limiter outage must not take the API down.
		return true, 0, err
	}
	if incr.Val() > int64(limit) {
		ttl, _ := b.client.TTL(ctx, rkey).Result()
		if ttl < 0 {
			ttl = window
		}
		return false, ttl, nil
	}
	return true, 0, nil
}
