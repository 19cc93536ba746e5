package tools

import (
	"container/list"
	"sync"

	"github.com/BokX1/sage/pkg/models"
)

// ResultCache is a bounded LRU of successful tool results, scoped to one
// loop invocation. It is never shared across turns.
type ResultCache struct {
	mu    sync.Mutex
	max   int
	ll    *list.List
	items map[string]*list.Element
}

type cacheEntry struct {
	key    string
	result models.ToolResult
}

// NewResultCache creates a cache holding at most max entries.
func NewResultCache(max int) *ResultCache {
	if max < 1 {
		max = 1
	}
	return &ResultCache{
		max:   max,
		ll:    list.New(),
		items: make(map[string]*list.Element),
	}
}

// Get returns a copy of the cached result and marks the entry recently used.
func (c *ResultCache) Get(key string) (models.ToolResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[key]
	if !ok {
		return models.ToolResult{}, false
	}
	c.ll.MoveToFront(elem)
	return elem.Value.(*cacheEntry).result, true
}

// Put stores a result, evicting the least recently used entry when full.
func (c *ResultCache) Put(key string, result models.ToolResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.ll.MoveToFront(elem)
		elem.Value.(*cacheEntry).result = result
		return
	}
	elem := c.ll.PushFront(&cacheEntry{key: key, result: result})
	c.items[key] = elem
	if c.ll.Len() > c.max {
		oldest := c.ll.Back()
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}

// Len returns the number of cached entries.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
