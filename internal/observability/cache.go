package observability

import (
	"container/list"
	"sync"
	"time"
)

// Cache is a thread-safe LRU cache with TTL expiry and an injected clock.
type Cache[V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	now      func() time.Time
	items    map[string]*list.Element
	order    *list.List
}

type cacheEntry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// NewCache creates a cache. A nil now uses time.Now.
func NewCache[V any](capacity int, ttl time.Duration, now func() time.Time) *Cache[V] {
	if capacity < 1 {
		capacity = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Cache[V]{
		capacity: capacity,
		ttl:      ttl,
		now:      now,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get returns (value, true) on a live hit.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	elem, ok := c.items[key]
	if !ok {
		return zero, false
	}
	entry := elem.Value.(*cacheEntry[V])
	if !c.now().Before(entry.expiresAt) {
		c.removeLocked(elem)
		return zero, false
	}
	c.order.MoveToFront(elem)
	return entry.value, true
}

func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(c.ttl)
	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		entry := elem.Value.(*cacheEntry[V])
		entry.value = value
		entry.expiresAt = expires
		return
	}
	if c.order.Len() >= c.capacity {
		if back := c.order.Back(); back != nil {
			c.removeLocked(back)
		}
	}
	c.items[key] = c.order.PushFront(&cacheEntry[V]{key: key, value: value, expiresAt: expires})
}

// Take returns and removes a live entry.
func (c *Cache[V]) Take(key string) (V, bool) {
	v, ok := c.Get(key)
	if ok {
		c.Delete(key)
	}
	return v, ok
}

func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.removeLocked(elem)
	}
}

func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache[V]) removeLocked(elem *list.Element) {
	entry := elem.Value.(*cacheEntry[V])
	delete(c.items, entry.key)
	c.order.Remove(elem)
}
