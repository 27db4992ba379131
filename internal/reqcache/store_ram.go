package reqcache

import (
	"strings"
	"sync"
)

type ramItem struct {
	key  string
	ent  CacheEntry
	size int64
	prev *ramItem
	next *ramItem
}

// ramCache is the decoded hot tier in front of the durable backend. It is an
// LRU bounded by approximate entry size; maxBytes <= 0 means unbounded.
type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMCache(maxBytes int64) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}}
}

func ramKey(p Partition, key CacheKey) string {
	return p.ID() + "\x00" + string(key)
}

func entrySize(ent CacheEntry) int64 {
	sz := int64(len(ent.Body) + len(ent.Key))
	for k, vs := range ent.Header {
		sz += int64(len(k))
		for _, v := range vs {
			sz += int64(len(v))
		}
	}
	return sz
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *ramCache) Get(key string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return CacheEntry{}, false
	}
	c.moveToFront(it)
	return it.ent, true
}

func (c *ramCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		c.removeItemLocked(it)
	}
}

// DeletePrefix drops every item whose key starts with prefix.
func (c *ramCache) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, it := range c.items {
		if strings.HasPrefix(k, prefix) {
			c.removeItemLocked(it)
			n++
		}
	}
	return n
}

// Put stores ent and reports how many items were evicted to make room.
func (c *ramCache) Put(key string, ent CacheEntry) (evicted int) {
	sz := entrySize(ent)
	if c.maxBytes > 0 && sz > c.maxBytes {
		// too big for RAM, the backend still has it
		c.Delete(key)
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.total -= it.size
		it.ent = ent
		it.size = sz
		c.total += sz
		c.moveToFront(it)
	} else {
		it := &ramItem{key: key, ent: ent, size: sz}
		c.items[key] = it
		c.addToFront(it)
		c.total += sz
	}

	for c.maxBytes > 0 && c.total > c.maxBytes && c.tail != nil && c.tail.key != key {
		evicted += c.evictLocked(key)
	}
	return evicted
}

// evictLocked drops the least recently used 10% (at least one), never the
// item named keep.
func (c *ramCache) evictLocked(keep string) int {
	n := len(c.items) / 10
	if n < 1 {
		n = 1
	}
	dropped := 0
	for i := 0; i < n; i++ {
		it := c.tail
		if it == nil || it.key == keep {
			break
		}
		c.removeItemLocked(it)
		dropped++
	}
	return dropped
}

func (c *ramCache) removeItemLocked(it *ramItem) {
	c.remove(it)
	delete(c.items, it.key)
	c.total -= it.size
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}
