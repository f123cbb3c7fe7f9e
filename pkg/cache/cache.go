// Package cache provides a thread-safe generic TTL cache with background
// cleanup. Grantline uses it to hold revoked refresh-token IDs until their
// natural expiry.
package cache

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultTTL applies when Set is called with a zero ttl.
	DefaultTTL = 5 * time.Minute
	// DefaultCleanupInterval is how often expired items are swept.
	DefaultCleanupInterval = 10 * time.Minute
)

// Store is the behavior the cache exposes to consumers.
type Store[K comparable, V any] interface {
	Get(ctx context.Context, key K) (V, bool)
	Set(ctx context.Context, key K, value V, ttl time.Duration)
	Delete(ctx context.Context, key K)
	Count() int
	Close()
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
	permanent bool
}

// Cache is the in-memory Store implementation.
type Cache[K comparable, V any] struct {
	mu              sync.RWMutex
	items           map[K]entry[V]
	defaultTTL      time.Duration
	cleanupInterval time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
}

// Option configures a Cache.
type Option[K comparable, V any] func(*Cache[K, V])

// WithDefaultTTL overrides the TTL used for zero-ttl Sets.
func WithDefaultTTL[K comparable, V any](ttl time.Duration) Option[K, V] {
	return func(c *Cache[K, V]) { c.defaultTTL = ttl }
}

// WithCleanupInterval overrides the background sweep interval.
func WithCleanupInterval[K comparable, V any](interval time.Duration) Option[K, V] {
	return func(c *Cache[K, V]) { c.cleanupInterval = interval }
}

// New creates a cache and starts its cleanup goroutine.
func New[K comparable, V any](opts ...Option[K, V]) *Cache[K, V] {
	c := &Cache[K, V]{
		items:           make(map[K]entry[V]),
		defaultTTL:      DefaultTTL,
		cleanupInterval: DefaultCleanupInterval,
		stop:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.cleanupLoop()
	return c
}

// Set stores value under key. A ttl of 0 uses the default TTL; a ttl of -1
// stores the item without expiry.
func (c *Cache[K, V]) Set(ctx context.Context, key K, value V, ttl time.Duration) {
	e := entry[V]{value: value}
	switch ttl {
	case -1:
		e.permanent = true
	case 0:
		e.expiresAt = time.Now().Add(c.defaultTTL)
	default:
		e.expiresAt = time.Now().Add(ttl)
	}

	c.mu.Lock()
	c.items[key] = e
	c.mu.Unlock()
}

// Get returns the value for key if present and unexpired. Expired items are
// left for the sweep so the read path never upgrades its lock.
func (c *Cache[K, V]) Get(ctx context.Context, key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.items[key]
	if !ok || (!e.permanent && time.Now().After(e.expiresAt)) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Delete removes key from the cache.
func (c *Cache[K, V]) Delete(ctx context.Context, key K) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Count returns the number of stored items, expired or not.
func (c *Cache[K, V]) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the cleanup goroutine. Idempotent.
func (c *Cache[K, V]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache[K, V]) cleanupLoop() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, e := range c.items {
				if !e.permanent && now.After(e.expiresAt) {
					delete(c.items, k)
				}
			}
			c.mu.Unlock()
		case <-c.stop:
			return
		}
	}
}
