package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// cacheEntry holds the key and value for a cache item.
type cacheEntry[K comparable, V any] struct {
	key   K
	value V
}

// LRUCache implements a fixed-size LRU cache. Container readers use it to
// keep recently decoded chunks.
type LRUCache[K comparable, V any] struct {
	mu         sync.Mutex
	capacity   int
	lruList    *list.List
	cacheItems map[K]*list.Element
	onEvicted  func(key K, value V) // Optional callback on eviction

	hits   atomic.Int64
	misses atomic.Int64
}

var _ Interface[int, []byte] = (*LRUCache[int, []byte])(nil)

// NewLRUCache creates a new LRUCache. A capacity <= 0 disables caching.
func NewLRUCache[K comparable, V any](capacity int, onEvicted func(key K, value V)) *LRUCache[K, V] {
	if capacity < 0 {
		capacity = 0
	}
	return &LRUCache[K, V]{
		capacity:   capacity,
		lruList:    list.New(),
		cacheItems: make(map[K]*list.Element),
		onEvicted:  onEvicted,
	}
}

// Get retrieves a value from the cache.
func (c *LRUCache[K, V]) Get(key K) (value V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// A disabled cache does not count misses.
	if c.capacity <= 0 {
		return value, false
	}

	if elem, ok := c.cacheItems[key]; ok {
		c.hits.Add(1)
		c.lruList.MoveToFront(elem)
		return elem.Value.(*cacheEntry[K, V]).value, true
	}
	c.misses.Add(1)
	return value, false
}

// Put adds a value to the cache.
func (c *LRUCache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return
	}

	if elem, ok := c.cacheItems[key]; ok {
		c.lruList.MoveToFront(elem)
		elem.Value.(*cacheEntry[K, V]).value = value
		return
	}

	if c.lruList.Len() >= c.capacity {
		c.evict()
	}
	element := c.lruList.PushFront(&cacheEntry[K, V]{key: key, value: value})
	c.cacheItems[key] = element
}

// Len returns the current number of items in the cache.
func (c *LRUCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// evict removes the least recently used item from the cache.
// Must be called with c.mu locked.
func (c *LRUCache[K, V]) evict() {
	if elem := c.lruList.Back(); elem != nil {
		removed := c.lruList.Remove(elem).(*cacheEntry[K, V])
		delete(c.cacheItems, removed.key)
		if c.onEvicted != nil {
			c.onEvicted(removed.key, removed.value)
		}
	}
}

// Clear removes all entries from the cache and resets the hit counters.
// onEvicted is called for every entry so pooled buffers get returned.
func (c *LRUCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.onEvicted != nil {
		for _, elem := range c.cacheItems {
			e := elem.Value.(*cacheEntry[K, V])
			c.onEvicted(e.key, e.value)
		}
	}
	c.lruList = list.New()
	c.cacheItems = make(map[K]*list.Element)
	c.hits.Store(0)
	c.misses.Store(0)
}

// Stats returns the hit and miss counts since creation or the last Clear.
func (c *LRUCache[K, V]) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// GetHitRate calculates the cache hit rate.
func (c *LRUCache[K, V]) GetHitRate() float64 {
	hits, misses := c.Stats()
	total := hits + misses
	if total == 0 {
		return 0.0
	}
	return float64(hits) / float64(total)
}
