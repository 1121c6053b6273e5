// Package localcache provides a typed in-memory cache with TTL and LRU
// eviction, used for rule and ban lookups between store round trips.
package localcache

import (
	"container/list"
	"sync"
	"time"
)

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
	element   *list.Element
}

// Cache is an in-memory cache with LRU eviction and per-entry TTL.
// Safe for concurrent use.
type Cache[V any] struct {
	mu          sync.Mutex
	data        map[string]*entry[V]
	lruList     *list.List
	maxSize     int
	defaultTTL  time.Duration
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// Config holds local cache configuration.
type Config struct {
	MaxSize     int
	DefaultTTL  time.Duration
	CleanupTick time.Duration
}

// New creates a new cache and starts its cleanup loop.
func New[V any](config Config) *Cache[V] {
	if config.MaxSize <= 0 {
		config.MaxSize = 10000
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = time.Minute
	}
	if config.CleanupTick <= 0 {
		config.CleanupTick = time.Minute
	}

	c := &Cache[V]{
		data:        make(map[string]*entry[V]),
		lruList:     list.New(),
		maxSize:     config.MaxSize,
		defaultTTL:  config.DefaultTTL,
		stopCleanup: make(chan struct{}),
	}

	go c.cleanupLoop(config.CleanupTick)
	return c
}

// Get retrieves a value from the cache.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.data[key]
	if !ok {
		return zero, false
	}
	if time.Now().After(e.expiresAt) {
		c.removeEntry(e)
		return zero, false
	}

	c.lruList.MoveToFront(e.element)
	return e.value, true
}

// Set stores a value with the given TTL, evicting the LRU entry when full.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	expiresAt := time.Now().Add(ttl)

	if e, ok := c.data[key]; ok {
		e.value = value
		e.expiresAt = expiresAt
		c.lruList.MoveToFront(e.element)
		return
	}

	if len(c.data) >= c.maxSize {
		c.evictOldest()
	}

	e := &entry[V]{key: key, value: value, expiresAt: expiresAt}
	e.element = c.lruList.PushFront(e)
	c.data[key] = e
}

// Delete removes a key from the cache.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.data[key]; ok {
		c.removeEntry(e)
	}
}

// Len returns the number of live entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// Close stops the cleanup loop.
func (c *Cache[V]) Close() {
	c.stopOnce.Do(func() { close(c.stopCleanup) })
}

func (c *Cache[V]) evictOldest() {
	back := c.lruList.Back()
	if back == nil {
		return
	}
	c.removeEntry(back.Value.(*entry[V]))
}

func (c *Cache[V]) removeEntry(e *entry[V]) {
	c.lruList.Remove(e.element)
	delete(c.data, e.key)
}

func (c *Cache[V]) cleanupLoop(tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCleanup:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *Cache[V]) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for _, e := range c.data {
		if now.After(e.expiresAt) {
			c.removeEntry(e)
		}
	}
}
