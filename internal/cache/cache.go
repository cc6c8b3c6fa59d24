// Package cache provides a process-local key/value store with per-entry
// expiry.
//
// Expiry is lazy: Get treats an entry as absent once its deadline has passed
// and removes it. A background sweep started by New removes entries that are
// written once and never read again. There is no capacity bound; every key
// used in this service comes from a bounded space (per IP, per user, per
// session token).
package cache

import (
	"sync"
	"time"
)

// DefaultSweepInterval is the sweep period used by the server.
const DefaultSweepInterval = 5 * time.Minute

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a TTL cache holding values of a single type.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]entry[V]
	now     func() time.Time

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a cache that reads time from now and sweeps expired entries
// every sweepInterval. A nil now uses time.Now; a non-positive interval
// disables the background sweep.
func New[V any](now func() time.Time, sweepInterval time.Duration) *Cache[V] {
	if now == nil {
		now = time.Now
	}
	c := &Cache[V]{
		entries: make(map[string]entry[V]),
		now:     now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if sweepInterval > 0 {
		go c.sweepLoop(sweepInterval)
	} else {
		close(c.done)
	}
	return c
}

// Set stores value under key, replacing any existing entry. The entry
// expires ttl after now. A non-positive ttl removes the key.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, ttl)
}

// Add stores value under key only if key holds no live entry. It reports
// whether the value was stored.
func (c *Cache[V]) Add(key string, value V, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.getLocked(key); ok {
		return false
	}
	c.setLocked(key, value, ttl)
	return ttl > 0
}

func (c *Cache[V]) setLocked(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		delete(c.entries, key)
		return
	}
	c.entries[key] = entry[V]{value: value, expiresAt: c.now().Add(ttl)}
}

// Get returns the value stored under key if it has not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Cache[V]) getLocked(key string) (V, bool) {
	var zero V
	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return zero, false
	}
	return e.value, true
}

// Update performs an atomic read-modify-write on key. fn receives the
// current live value (ok is false when absent or expired) and returns the
// value to store with its ttl; a non-positive ttl deletes the key. Update
// returns the value fn produced.
//
// fn runs with the cache locked and must not call back into the cache.
func (c *Cache[V]) Update(key string, fn func(cur V, ok bool) (V, time.Duration)) V {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.getLocked(key)
	next, ttl := fn(cur, ok)
	c.setLocked(key, next, ttl)
	return next
}

// TTL returns the time left before key expires, or false if it is absent.
func (c *Cache[V]) TTL(key string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return 0, false
	}
	left := e.expiresAt.Sub(c.now())
	if left <= 0 {
		delete(c.entries, key)
		return 0, false
	}
	return left, true
}

// Delete removes key immediately.
func (c *Cache[V]) Delete(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
}

// Clear removes every entry.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry[V])
}

// Len reports the number of stored entries, including expired entries that
// have not been read or swept yet.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep removes all expired entries and returns how many were removed.
func (c *Cache[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Close stops the background sweep. It is safe to call more than once.
// The cache remains usable after Close.
func (c *Cache[V]) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
	})
	<-c.done
}

func (c *Cache[V]) sweepLoop(interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stop:
			return
		}
	}
}
