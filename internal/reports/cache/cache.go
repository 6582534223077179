// Package cache holds materialized report results with a TTL and a size
// bound.
package cache

import (
	"strings"
	"sync"
	"time"
)

// Config configures a Cache.
type Config struct {
	DefaultTTL      time.Duration `json:"default_ttl"`
	MaxEntries      int           `json:"max_entries"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:      5 * time.Minute,
		MaxEntries:      1000,
		CleanupInterval: time.Minute,
	}
}

// Cache is a keyed store with per-entry expiry. When an insert finds the
// cache full, expired entries are purged first, then the live entry closest
// to expiry is evicted.
type Cache[V any] struct {
	data       map[string]*entry[V]
	ttl        time.Duration
	maxEntries int
	mu         sync.RWMutex
	now        func() time.Time

	cleanup  *time.Ticker
	done     chan struct{}
	stopOnce sync.Once

	hits        int64
	misses      int64
	evictions   int64
	lastCleanup time.Time
}

type entry[V any] struct {
	value      V
	expiration time.Time
}

// New creates a cache and starts its janitor when CleanupInterval > 0.
func New[V any](cfg Config) *Cache[V] {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultConfig().DefaultTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}

	c := &Cache[V]{
		data:        make(map[string]*entry[V]),
		ttl:         cfg.DefaultTTL,
		maxEntries:  cfg.MaxEntries,
		now:         time.Now,
		done:        make(chan struct{}),
		lastCleanup: time.Now(),
	}
	if cfg.CleanupInterval > 0 {
		c.cleanup = time.NewTicker(cfg.CleanupInterval)
		go c.cleanupLoop()
	}
	return c
}

// Get returns a live entry. Expired entries are never returned.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.data[key]
	if !ok || !c.now().Before(e.expiration) {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	return e.value, true
}

// Set stores a value with the default TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores a value with a custom TTL. A later write to the same
// key replaces the earlier one.
func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.data[key]; !exists && len(c.data) >= c.maxEntries {
		c.removeExpiredLocked(now)
		if len(c.data) >= c.maxEntries {
			c.evictSoonestLocked()
		}
	}
	c.data[key] = &entry[V]{value: value, expiration: now.Add(ttl)}
}

// Delete removes a value from the cache
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.data, key)
}

// DeleteByPrefix removes all entries with keys starting with the given prefix
func (c *Cache[V]) DeleteByPrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.data {
		if strings.HasPrefix(key, prefix) {
			delete(c.data, key)
			removed++
		}
	}
	return removed
}

// Clear removes all entries from the cache
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data = make(map[string]*entry[V])
}

// Len returns the number of stored entries, expired ones included until
// the next purge.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.data)
}

// Capacity returns the entry bound.
func (c *Cache[V]) Capacity() int { return c.maxEntries }

// Full reports whether the cache holds as many live entries as it may.
func (c *Cache[V]) Full() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.data) < c.maxEntries {
		return false
	}
	now := c.now()
	live := 0
	for _, e := range c.data {
		if now.Before(e.expiration) {
			live++
		}
	}
	return live >= c.maxEntries
}

func (c *Cache[V]) cleanupLoop() {
	for {
		select {
		case <-c.cleanup.C:
			c.RemoveExpired()
		case <-c.done:
			return
		}
	}
}

// RemoveExpired purges expired entries.
func (c *Cache[V]) RemoveExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeExpiredLocked(c.now())
	c.lastCleanup = c.now()
}

func (c *Cache[V]) removeExpiredLocked(now time.Time) {
	for key, e := range c.data {
		if !now.Before(e.expiration) {
			delete(c.data, key)
		}
	}
}

func (c *Cache[V]) evictSoonestLocked() {
	var victim string
	var soonest time.Time
	for key, e := range c.data {
		if victim == "" || e.expiration.Before(soonest) {
			victim, soonest = key, e.expiration
		}
	}
	if victim != "" {
		delete(c.data, victim)
		c.evictions++
	}
}

// Stop stops the janitor. It is safe to call more than once.
func (c *Cache[V]) Stop() {
	c.stopOnce.Do(func() {
		if c.cleanup != nil {
			c.cleanup.Stop()
		}
		close(c.done)
	})
}

// Stats is a point-in-time view of cache usage.
type Stats struct {
	Size        int       `json:"size"`
	Capacity    int       `json:"capacity"`
	Hits        int64     `json:"hits"`
	Misses      int64     `json:"misses"`
	Evictions   int64     `json:"evictions"`
	HitRate     float64   `json:"hit_rate"`
	LastCleanup time.Time `json:"last_cleanup"`
}

// Stats returns cache statistics
func (c *Cache[V]) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := c.hits + c.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}
	return Stats{
		Size:        len(c.data),
		Capacity:    c.maxEntries,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		HitRate:     hitRate,
		LastCleanup: c.lastCleanup,
	}
}
