package optimizer

import (
	"container/list"
	"sync"
	"time"
)

type resultCache struct {
	mu      sync.Mutex
	max     int
	ttl     time.Duration
	now     func() time.Time
	order   *list.List
	entries map[string]*list.Element
}

type cacheItem struct {
	key     string
	value   map[string]any
	expires time.Time
}

func newResultCache(capacity int, ttl time.Duration, now func() time.Time) *resultCache {
	return &resultCache{
		max:     capacity,
		ttl:     ttl,
		now:     now,
		order:   list.New(),
		entries: make(map[string]*list.Element, capacity),
	}
}

func (c *resultCache) Get(key string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	item := elem.Value.(cacheItem)
	if c.ttl > 0 && c.now().After(item.expires) {
		c.order.Remove(elem)
		delete(c.entries, key)
		return nil, false
	}
	c.order.MoveToFront(elem)
	return item.value, true
}

func (c *resultCache) Add(key string, value map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item := cacheItem{key: key, value: value, expires: c.now().Add(c.ttl)}
	if elem, ok := c.entries[key]; ok {
		elem.Value = item
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(item)
	c.entries[key] = elem

	if c.order.Len() <= c.max {
		return
	}

	oldest := c.order.Back()
	if oldest != nil {
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(cacheItem).key)
	}
}

func (c *resultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
