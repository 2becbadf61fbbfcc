package cache

import (
	"sync"
	"time"
)

// Cache is a small in-process key/value store with per-entry expiry.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V, ttl time.Duration)
	Delete(key K)
	Len() int
}

const sweepInterval = time.Minute

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

type ttlCache[K comparable, V any] struct {
	mu         sync.RWMutex
	items      map[K]entry[V]
	maxEntries int
	nextSweep  time.Time
	now        func() time.Time
}

// NewTTLCache returns a cache holding at most maxEntries items. Expired
// entries are dropped on read and by a sweep that piggybacks on writes.
// A non-positive maxEntries leaves the size unbounded.
func NewTTLCache[K comparable, V any](maxEntries int) Cache[K, V] {
	return newTTLCache[K, V](maxEntries, time.Now)
}

func newTTLCache[K comparable, V any](maxEntries int, now func() time.Time) *ttlCache[K, V] {
	return &ttlCache[K, V]{
		items:      make(map[K]entry[V]),
		maxEntries: maxEntries,
		nextSweep:  now().Add(sweepInterval),
		now:        now,
	}
}

func (c *ttlCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if item.expired(c.now()) {
		c.mu.Lock()
		if current, still := c.items[key]; still && current.expiresAt.Equal(item.expiresAt) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return zero, false
	}
	return item.value, true
}

// Set stores value; a non-positive ttl keeps the entry until deleted or
// evicted by the size cap.
func (c *ttlCache[K, V]) Set(key K, value V, ttl time.Duration) {
	now := c.now()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !now.Before(c.nextSweep) {
		c.sweepLocked(now)
	}
	if _, exists := c.items[key]; !exists && c.maxEntries > 0 && len(c.items) >= c.maxEntries {
		c.sweepLocked(now)
		if len(c.items) >= c.maxEntries {
			c.evictOldestLocked()
		}
	}
	c.items[key] = entry[V]{value: value, expiresAt: expiresAt}
}

func (c *ttlCache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

func (c *ttlCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *ttlCache[K, V]) sweepLocked(now time.Time) {
	for key, item := range c.items {
		if item.expired(now) {
			delete(c.items, key)
		}
	}
	c.nextSweep = now.Add(sweepInterval)
}

// evictOldestLocked drops the entry closest to expiry. Entries without a ttl
// go last.
func (c *ttlCache[K, V]) evictOldestLocked() {
	var (
		victim K
		at     time.Time
		found  bool
	)
	for key, item := range c.items {
		if item.expiresAt.IsZero() {
			if !found {
				victim, found = key, true
			}
			continue
		}
		if !found || at.IsZero() || item.expiresAt.Before(at) {
			victim, at, found = key, item.expiresAt, true
		}
	}
	if found {
		delete(c.items, victim)
	}
}

func (e entry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}
