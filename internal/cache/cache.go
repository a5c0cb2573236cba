// Package cache provides time-boxed storage of the last good snapshots,
// serving stale-but-usable data when the upstream is unavailable.
package cache

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/candidate-feed/internal/model"
)

// DefaultCapacity bounds the number of entries held at once.
const DefaultCapacity = 100

// DefaultTTL is the freshness window for the candidate snapshot key.
const DefaultTTL = 30 * time.Second

type entry struct {
	data         model.Snapshot
	storedAt     time.Time
	ttl          time.Duration
	staleAllowed bool
}

// Cache is a bounded TTL cache with stale-while-revalidate semantics. Reads
// are non-destructive; expired entries with staleAllowed are kept and flagged
// stale, others are evicted on read. Insertion at capacity evicts the
// structurally-oldest entry, not the least recently used one.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	order    []string // insertion order, oldest first
	capacity int

	now func() time.Time
}

// New creates a cache bounded to capacity entries. A non-positive capacity
// falls back to DefaultCapacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		entries:  make(map[string]*entry),
		capacity: capacity,
		now:      time.Now,
	}
}

// Set stores a snapshot under key. Overwriting an existing key re-inserts it
// at the back of the eviction order.
func (c *Cache) Set(key string, data model.Snapshot, ttl time.Duration, staleAllowed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		c.removeFromOrder(key)
	} else if len(c.entries) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
		logrus.WithField("key", oldest).Debug("Cache at capacity, evicted oldest entry")
	}

	c.entries[key] = &entry{
		data:         data,
		storedAt:     c.now(),
		ttl:          ttl,
		staleAllowed: staleAllowed,
	}
	c.order = append(c.order, key)
}

// Get returns the snapshot stored under key. stale is true when the entry has
// outlived its TTL but was stored with staleAllowed; an expired entry without
// staleAllowed is deleted and reported absent.
func (c *Cache) Get(key string) (data model.Snapshot, stale bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.entries[key]
	if !exists {
		return model.Snapshot{}, false, false
	}

	if c.now().Sub(e.storedAt) <= e.ttl {
		return e.data, false, true
	}

	if !e.staleAllowed {
		delete(c.entries, key)
		c.removeFromOrder(key)
		return model.Snapshot{}, false, false
	}

	return e.data, true, true
}

// Age returns how long ago the entry under key was stored.
func (c *Cache) Age(key string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.entries[key]
	if !exists {
		return 0, false
	}
	return c.now().Sub(e.storedAt), true
}

// Delete removes the entry under key, if present.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		delete(c.entries, key)
		c.removeFromOrder(key)
	}
}

// Len returns the number of stored entries, stale ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// removeFromOrder drops key from the insertion-order slice. Caller holds mu.
func (c *Cache) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}
