// Package lru is a fixed-capacity recency cache.
//
// Slots live in one arena allocated by New and are linked by index, so
// touching and evicting never allocate and no slot holds a pointer to
// another. A Cache is not safe for concurrent use; callers serialize access.
package lru

const none = -1

type slot[K comparable, V any] struct {
	key   K
	value V
	used  bool
	prev  int
	next  int
}

// Cache maps keys to values, evicting the least recently used slot when
// full.
type Cache[K comparable, V any] struct {
	slots []slot[K, V]
	index map[K]int
	head  int // most recently used
	tail  int // least recently used
}

// New creates a cache holding up to capacity entries. Capacity below one
// is raised to one.
func New[K comparable, V any](capacity int) *Cache[K, V] {
	if capacity < 1 {
		capacity = 1
	}

	c := &Cache[K, V]{
		slots: make([]slot[K, V], capacity),
		index: make(map[K]int, capacity),
		head:  0,
		tail:  capacity - 1,
	}

	for i := range c.slots {
		c.slots[i].prev = i - 1
		c.slots[i].next = i + 1
	}
	c.slots[capacity-1].next = none
	return c
}

// Len returns the number of occupied slots.
func (c *Cache[K, V]) Len() int { return len(c.index) }

// Cap returns the number of slots.
func (c *Cache[K, V]) Cap() int { return len(c.slots) }

// Touch moves slot i to the head of the list.
func (c *Cache[K, V]) Touch(i int) {
	if i == c.head {
		return
	}

	s := &c.slots[i]
	c.slots[s.prev].next = s.next
	if s.next != none {
		c.slots[s.next].prev = s.prev
	} else {
		c.tail = s.prev
	}

	s.prev = none
	s.next = c.head
	c.slots[c.head].prev = i
	c.head = i
}

// Evict returns the least recently used slot, moved to the head and
// cleared of its previous key.
func (c *Cache[K, V]) Evict() int {
	i := c.tail
	if s := &c.slots[i]; s.used {
		delete(c.index, s.key)
		s.used = false
	}
	c.Touch(i)
	return i
}

// Get returns the value for key and marks it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	i, ok := c.index[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.Touch(i)
	return c.slots[i].value, true
}

// Peek returns the value for key without changing recency.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	i, ok := c.index[key]
	if !ok {
		var zero V
		return zero, false
	}
	return c.slots[i].value, true
}

// Put stores value under key. When a slot had to be reclaimed, the key and
// value it held are returned with evicted set.
func (c *Cache[K, V]) Put(key K, value V) (oldKey K, oldValue V, evicted bool) {
	if i, ok := c.index[key]; ok {
		c.slots[i].value = value
		c.Touch(i)
		return
	}

	i := c.tail
	s := &c.slots[i]
	if s.used {
		oldKey, oldValue, evicted = s.key, s.value, true
	}
	i = c.Evict()

	s.key = key
	s.value = value
	s.used = true
	c.index[key] = i
	return
}

// Slot returns the value stored in slot i, which callers may reuse in
// place after Evict.
func (c *Cache[K, V]) Slot(i int) *V { return &c.slots[i].value }

// Assign binds key to slot i, typically one just returned by Evict.
func (c *Cache[K, V]) Assign(i int, key K) {
	if old, ok := c.index[key]; ok && old != i {
		c.slots[old].used = false
		delete(c.index, key)
	}
	c.slots[i].key = key
	c.slots[i].used = true
	c.index[key] = i
}

// Keys returns the cached keys from most to least recently used.
func (c *Cache[K, V]) Keys() []K {
	keys := make([]K, 0, len(c.index))
	for i := c.head; i != none; i = c.slots[i].next {
		if c.slots[i].used {
			keys = append(keys, c.slots[i].key)
		}
	}
	return keys
}
