// ABOUTME: Thread-safe TTL cache for suppressing duplicate message deliveries
// ABOUTME: Keyed by server-assigned message ID; size-bounded with FIFO eviction

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry stores the arrival time and list element for a seen key.
type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache tracks recently seen message IDs so a redelivered message can be
// dropped instead of surfacing twice. Entries expire after the TTL; when
// the cache is full the oldest entry is evicted (O(1) via insertion-order
// list).
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // keys in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
}

// New creates a dedupe cache with the given TTL and maximum size.
// Expired entries are pruned lazily on insertion; there is no background
// goroutine to leak across client reconnects.
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Seen atomically checks whether key was already recorded and records it
// if not. Returns true for a duplicate, false for a first sighting.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if e, ok := c.seen[key]; ok && now.Sub(e.seenAt) < c.ttl {
		return true
	}

	c.pruneExpired(now)

	if e, ok := c.seen[key]; ok {
		// Expired entry for the same key: refresh in place
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return false
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &entry{seenAt: now, element: elem}
	return false
}

// Len returns the number of tracked keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// pruneExpired removes expired entries from the front of the insertion
// list. Must be called with mu held.
func (c *Cache) pruneExpired(now time.Time) {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key, _ := front.Value.(string)
		e, ok := c.seen[key]
		if !ok {
			c.order.Remove(front)
			continue
		}
		if now.Sub(e.seenAt) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.seen, key)
	}
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}
