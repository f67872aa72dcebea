package executor

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultIdempotencyTTL matches the spec's default cache lifetime.
const DefaultIdempotencyTTL = 60 * time.Second

// CachedResponse is what an idempotency hit replays verbatim.
type CachedResponse struct {
	Status     string
	OutputJSON string
	Error      string
	expiresAt  time.Time
}

// IdempotencyCache stores one response per key, evicted lazily on next
// lookup past its TTL rather than via a background sweep. Concurrent
// calls sharing an idempotency key that both miss the cache are
// coalesced through group so the underlying tool runs once, not once
// per caller.
type IdempotencyCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[string]*CachedResponse
	now   func() time.Time
	group singleflight.Group
}

// NewIdempotencyCache returns a cache with ttl (defaulting to
// DefaultIdempotencyTTL when <= 0).
func NewIdempotencyCache(ttl time.Duration) *IdempotencyCache {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &IdempotencyCache{ttl: ttl, items: make(map[string]*CachedResponse), now: time.Now}
}

// Coalesce runs fn under key's singleflight group: concurrent callers
// sharing key while fn is in flight all receive fn's single result
// instead of each invoking the tool. key must be non-empty; an empty key
// always calls fn directly (no idempotency tracking applies).
func (c *IdempotencyCache) Coalesce(key string, fn func() (CachedResponse, error)) (CachedResponse, error) {
	if key == "" {
		return fn()
	}
	if cached, ok := c.Lookup(key); ok {
		return *cached, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		if cached, ok := c.Lookup(key); ok {
			return *cached, nil
		}
		resp, err := fn()
		if err != nil {
			return CachedResponse{}, err
		}
		c.Store(key, resp)
		return resp, nil
	})
	if err != nil {
		return CachedResponse{}, err
	}
	return v.(CachedResponse), nil
}

// Lookup returns the cached response for key, if present and unexpired.
// An expired entry is evicted on this call (lazy eviction).
func (c *IdempotencyCache) Lookup(key string) (*CachedResponse, bool) {
	if key == "" {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if c.now().After(r.expiresAt) {
		delete(c.items, key)
		return nil, false
	}
	return r, true
}

// Store records resp under key with the cache's TTL.
func (c *IdempotencyCache) Store(key string, resp CachedResponse) {
	if key == "" {
		return
	}
	resp.expiresAt = c.now().Add(c.ttl)
	c.mu.Lock()
	c.items[key] = &resp
	c.mu.Unlock()
}
