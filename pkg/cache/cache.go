// Package cache provides a small threadsafe LRU with optional expiry.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Stats holds cache statistics.
type Stats struct {
	Hits      int64
	Misses    int64
	Size      int
	Capacity  int
	Evictions int64
	Expired   int64
}

// Cache is a threadsafe LRU keyed by K. Entries older than the TTL are
// dropped lazily on access.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	ll       *list.List
	items    map[K]*list.Element
	capacity int
	ttl      time.Duration
	now      func() time.Time
	stats    Stats
}

type entry[K comparable, V any] struct {
	key    K
	value  V
	expire time.Time
}

// New returns a cache with the given capacity and ttl. A non-positive
// capacity means 1024 entries; a non-positive ttl disables expiry.
func New[K comparable, V any](capacity int, ttl time.Duration) *Cache[K, V] {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Cache[K, V]{
		ll:       list.New(),
		items:    make(map[K]*list.Element),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Get retrieves a value if present and not expired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	ele, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	ent := ele.Value.(*entry[K, V])
	if c.ttl > 0 && c.now().After(ent.expire) {
		c.removeElement(ele)
		c.stats.Expired++
		c.stats.Misses++
		return zero, false
	}
	c.ll.MoveToFront(ele)
	c.stats.Hits++
	return ent.value, true
}

// Set inserts or updates an entry, evicting the least recently used one when
// full.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var expire time.Time
	if c.ttl > 0 {
		expire = c.now().Add(c.ttl)
	}
	if ele, ok := c.items[key]; ok {
		c.ll.MoveToFront(ele)
		ent := ele.Value.(*entry[K, V])
		ent.value = value
		ent.expire = expire
		return
	}
	if c.ll.Len() >= c.capacity {
		if oldest := c.ll.Back(); oldest != nil {
			c.removeElement(oldest)
			c.stats.Evictions++
		}
	}
	c.items[key] = c.ll.PushFront(&entry[K, V]{key: key, value: value, expire: expire})
}

// Delete removes key if present.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.items[key]; ok {
		c.removeElement(ele)
	}
}

// Clear removes all entries.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]*list.Element)
	c.ll.Init()
}

func (c *Cache[K, V]) removeElement(ele *list.Element) {
	c.ll.Remove(ele)
	delete(c.items, ele.Value.(*entry[K, V]).key)
}

// Stats returns current cache statistics.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.ll.Len()
	s.Capacity = c.capacity
	return s
}

// Len returns the current number of entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
