// Package lru implements a small bounded LRU with an explicit eviction
// policy, replacing the ad-hoc caches the source used for entity/vector/
// embedding layers (DESIGN NOTES §9).
package lru

import "container/list"

// Cache is a fixed-capacity, generic least-recently-used cache. Not
// goroutine-safe; callers that need concurrent access wrap it with their
// own mutex (the component-level locks already mandated by §5 cover this).
type Cache[K comparable, V any] struct {
	capacity int
	ll       *list.List
	items    map[K]*list.Element
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

// New creates a cache holding at most capacity entries. capacity <= 0
// means unbounded (eviction disabled) — used sparingly, and only where a
// caller has already bounded the key space some other way.
func New[K comparable, V any](capacity int) *Cache[K, V] {
	return &Cache[K, V]{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[K]*list.Element),
	}
}

// Get returns the value for key and marks it most-recently-used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	var zero V
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*entry[K, V]).value, true
}

// Put inserts or updates key, evicting the least-recently-used entry if
// capacity is exceeded. Returns the evicted key, if any.
func (c *Cache[K, V]) Put(key K, value V) (evicted K, didEvict bool) {
	if el, ok := c.items[key]; ok {
		el.Value.(*entry[K, V]).value = value
		c.ll.MoveToFront(el)
		return evicted, false
	}
	el := c.ll.PushFront(&entry[K, V]{key: key, value: value})
	c.items[key] = el

	if c.capacity > 0 && c.ll.Len() > c.capacity {
		back := c.ll.Back()
		if back != nil {
			ev := back.Value.(*entry[K, V])
			evicted = ev.key
			didEvict = true
			c.ll.Remove(back)
			delete(c.items, ev.key)
		}
	}
	return evicted, didEvict
}

// Remove evicts key unconditionally, if present.
func (c *Cache[K, V]) Remove(key K) {
	if el, ok := c.items[key]; ok {
		c.ll.Remove(el)
		delete(c.items, key)
	}
}

// Len reports the current number of entries.
func (c *Cache[K, V]) Len() int { return c.ll.Len() }

// Keys returns keys ordered most-recently-used first, for test assertions
// on eviction order.
func (c *Cache[K, V]) Keys() []K {
	out := make([]K, 0, c.ll.Len())
	for el := c.ll.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry[K, V]).key)
	}
	return out
}
