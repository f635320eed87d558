package channels

import (
	"sync"
	"time"
)

// maxTrackedKeys caps the number of tracked rate-limit keys so rotating
// source instances/IPs cannot exhaust memory.
const maxTrackedKeys = 4096

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// WebhookRateLimiter counts webhook requests per key in a sliding window.
// Safe for concurrent use.
type WebhookRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*rateLimitEntry
	window  time.Duration
	maxHits int
}

// NewWebhookRateLimiter creates a bounded limiter allowing maxHitsPerMinute
// requests per key per minute.
func NewWebhookRateLimiter(maxHitsPerMinute int) *WebhookRateLimiter {
	if maxHitsPerMinute <= 0 {
		maxHitsPerMinute = 30
	}
	return &WebhookRateLimiter{
		entries: make(map[string]*rateLimitEntry),
		window:  time.Minute,
		maxHits: maxHitsPerMinute,
	}
}

// Allow returns true if the key is within rate limits. Stale entries are
// pruned when the map approaches its cap; if pruning is not enough, an
// arbitrary entry is evicted so the map never exceeds maxTrackedKeys.
func (r *WebhookRateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= r.window {
				delete(r.entries, k)
			}
		}
		for len(r.entries) >= maxTrackedKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok || now.Sub(e.windowStart) >= r.window {
		r.entries[key] = &rateLimitEntry{windowStart: now, count: 1}
		return true
	}
	e.count++
	return e.count <= r.maxHits
}
