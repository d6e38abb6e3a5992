package rules

import (
	"sync"
	"time"

	"github.com/aegis-gateway/aegis/internal/reqctx"
)

// BypassCacheOption configures a BypassCache.
type BypassCacheOption func(*bypassCacheConfig)

type bypassCacheConfig struct {
	ttl     time.Duration
	maxKeys int
}

// WithTTL sets the cache entry TTL. Lower values track whitelist edits
// sooner, higher values shed more evaluation work from the bypass hot
// path. Default: 1s.
func WithTTL(ttl time.Duration) BypassCacheOption {
	return func(c *bypassCacheConfig) { c.ttl = ttl }
}

// WithMaxKeys bounds the cache size; oldest entries are evicted past this.
// Default: 100000.
func WithMaxKeys(maxKeys int) BypassCacheOption {
	return func(c *bypassCacheConfig) { c.maxKeys = maxKeys }
}

// BypassCache wraps a BypassChecker with an L1 in-process cache: the
// bypass check runs glob and CIDR matching on every request, and most
// traffic repeats the same (ip, userId, apiKey, path) tuple within a
// short window.
type BypassCache struct {
	inner   *BypassChecker
	config  bypassCacheConfig
	mu      sync.Mutex
	entries map[string]*bypassCacheEntry
	closeCh chan struct{}
	closed  bool
}

type bypassCacheEntry struct {
	decision  Decision
	fetchedAt time.Time
}

// NewBypassCache wraps inner with a local decision cache.
func NewBypassCache(inner *BypassChecker, opts ...BypassCacheOption) *BypassCache {
	cfg := bypassCacheConfig{ttl: time.Second, maxKeys: 100000}
	for _, o := range opts {
		o(&cfg)
	}
	c := &BypassCache{
		inner:   inner,
		config:  cfg,
		entries: make(map[string]*bypassCacheEntry),
		closeCh: make(chan struct{}),
	}
	go c.evictionLoop()
	return c
}

// Check returns the cached Decision for ctx's bypass key, computing and
// caching it on a miss.
func (c *BypassCache) Check(ctx reqctx.Context) Decision {
	key := bypassCacheKey(ctx)

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && time.Since(e.fetchedAt) < c.config.ttl {
		d := e.decision
		c.mu.Unlock()
		return d
	}
	c.mu.Unlock()

	decision := c.inner.Check(ctx)

	c.mu.Lock()
	c.entries[key] = &bypassCacheEntry{decision: decision, fetchedAt: time.Now()}
	c.evictIfOverCapacityLocked()
	c.mu.Unlock()

	return decision
}

// Close stops the background eviction goroutine.
func (c *BypassCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closeCh)
	}
}

func bypassCacheKey(ctx reqctx.Context) string {
	return ctx.IP + "\x00" + ctx.UserID + "\x00" + ctx.APIKey + "\x00" + ctx.Path
}

func (c *BypassCache) evictIfOverCapacityLocked() {
	if len(c.entries) <= c.config.maxKeys {
		return
	}
	var oldestKey string
	var oldestTime time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.fetchedAt.Before(oldestTime) {
			oldestKey = k
			oldestTime = e.fetchedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

func (c *BypassCache) evictionLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-c.closeCh:
			return
		}
	}
}

func (c *BypassCache) evictExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if time.Since(e.fetchedAt) >= c.config.ttl {
			delete(c.entries, k)
		}
	}
}
