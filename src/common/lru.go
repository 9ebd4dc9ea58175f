package common

import "container/list"

// LRU is a bounded cache with least-recently-used eviction. It is not safe for
// concurrent use; callers wrap it in their own locks.
type LRU struct {
	Size      int
	evictList *list.List
	items     map[interface{}]*list.Element
	onEvicted func(key interface{}, value interface{})
}

type entry struct {
	key   interface{}
	value interface{}
}

// NewLRU creates an LRU of the given size. onEvicted may be nil.
func NewLRU(size int, onEvicted func(key interface{}, value interface{})) *LRU {
	return &LRU{
		Size:      size,
		evictList: list.New(),
		items:     make(map[interface{}]*list.Element),
		onEvicted: onEvicted,
	}
}

// Add adds a value to the cache, evicting the oldest item if full.
func (c *LRU) Add(key, value interface{}) {
	if ent, ok := c.items[key]; ok {
		c.evictList.MoveToFront(ent)
		ent.Value.(*entry).value = value
		return
	}

	ent := &entry{key, value}
	c.items[key] = c.evictList.PushFront(ent)

	if c.evictList.Len() > c.Size {
		c.removeOldest()
	}
}

// Get looks up a key's value and marks it recently used.
func (c *LRU) Get(key interface{}) (interface{}, bool) {
	if ent, ok := c.items[key]; ok {
		c.evictList.MoveToFront(ent)
		return ent.Value.(*entry).value, true
	}
	return nil, false
}

// Peek returns the value without updating recency.
func (c *LRU) Peek(key interface{}) (interface{}, bool) {
	if ent, ok := c.items[key]; ok {
		return ent.Value.(*entry).value, true
	}
	return nil, false
}

// Remove removes the provided key from the cache.
func (c *LRU) Remove(key interface{}) {
	if ent, ok := c.items[key]; ok {
		c.removeElement(ent)
	}
}

// Len returns the number of items in the cache.
func (c *LRU) Len() int {
	return c.evictList.Len()
}

// Purge clears the cache completely.
func (c *LRU) Purge() {
	for k, v := range c.items {
		if c.onEvicted != nil {
			c.onEvicted(k, v.Value.(*entry).value)
		}
		delete(c.items, k)
	}
	c.evictList.Init()
}

func (c *LRU) removeOldest() {
	ent := c.evictList.Back()
	if ent != nil {
		c.removeElement(ent)
	}
}

func (c *LRU) removeElement(e *list.Element) {
	c.evictList.Remove(e)
	kv := e.Value.(*entry)
	delete(c.items, kv.key)
	if c.onEvicted != nil {
		c.onEvicted(kv.key, kv.value)
	}
}
