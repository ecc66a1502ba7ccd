package cache

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"ChatPortal/internal/session"
)

// CachedResponse represents a cached completion
type CachedResponse struct {
	Response  string
	Timestamp time.Time
}

// GenerateCacheKey generates a cache key from a model id and messages
func GenerateCacheKey(model string, messages []session.Message) string {
	h := sha256.New()
	h.Write([]byte(model))
	for _, msg := range messages {
		h.Write([]byte{0})
		h.Write([]byte(msg.Role))
		h.Write([]byte{0})
		h.Write([]byte(msg.Content))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Cache is an in-memory response cache with a fixed time-to-live.
// A zero TTL disables it.
type Cache struct {
	ttl     time.Duration
	entries sync.Map
	now     func() time.Time

	mu        sync.Mutex
	lastSweep time.Time
}

// New creates a cache whose entries expire after ttl
func New(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, now: time.Now}
}

// Enabled reports whether the cache stores anything
func (c *Cache) Enabled() bool {
	return c != nil && c.ttl > 0
}

// Get returns a cached response if present and not expired
func (c *Cache) Get(key string) (string, bool) {
	if !c.Enabled() {
		return "", false
	}
	val, ok := c.entries.Load(key)
	if !ok {
		return "", false
	}
	cached := val.(CachedResponse)
	if c.now().Sub(cached.Timestamp) > c.ttl {
		c.entries.Delete(key)
		return "", false
	}
	return cached.Response, true
}

// Put stores a response
func (c *Cache) Put(key, response string) {
	if !c.Enabled() {
		return
	}
	now := c.now()
	c.entries.Store(key, CachedResponse{
		Response:  response,
		Timestamp: now,
	})
	c.sweep(now)
}

// sweep drops expired entries, at most once per ttl
func (c *Cache) sweep(now time.Time) {
	c.mu.Lock()
	if now.Sub(c.lastSweep) < c.ttl {
		c.mu.Unlock()
		return
	}
	c.lastSweep = now
	c.mu.Unlock()

	c.entries.Range(func(key, val any) bool {
		if now.Sub(val.(CachedResponse).Timestamp) > c.ttl {
			c.entries.Delete(key)
		}
		return true
	})
}
