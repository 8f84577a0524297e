package coherence

import (
	"container/list"
	"slices"
	"sync"
	"time"

	"github.com/msageha/phasegraph/internal/model"
)

// resultCache is a small LRU of recent anomaly results per execution.
// Entries expire after ttl; a zero ttl disables caching.
type resultCache struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	lru     *list.List
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

type cacheItem struct {
	key       string
	value     []model.Anomaly
	expiresAt time.Time
}

func newResultCache(maxSize int, ttl time.Duration, now func() time.Time) *resultCache {
	return &resultCache{
		items:   make(map[string]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     now,
	}
}

// Get returns a copy of a fresh entry.
func (c *resultCache) Get(key string) ([]model.Anomaly, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	item := elem.Value.(*cacheItem)
	if c.now().After(item.expiresAt) {
		c.removeElement(elem)
		return nil, false
	}
	c.lru.MoveToFront(elem)
	return slices.Clone(item.value), true
}

func (c *resultCache) Set(key string, value []model.Anomaly) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.ttl)
	if elem, ok := c.items[key]; ok {
		c.lru.MoveToFront(elem)
		item := elem.Value.(*cacheItem)
		item.value = slices.Clone(value)
		item.expiresAt = expiresAt
		return
	}

	elem := c.lru.PushFront(&cacheItem{key: key, value: slices.Clone(value), expiresAt: expiresAt})
	c.items[key] = elem
	if c.lru.Len() > c.maxSize {
		c.removeElement(c.lru.Back())
	}
}

// Clear drops every entry. Called when thresholds change.
func (c *resultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.lru = list.New()
}

func (c *resultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *resultCache) removeElement(elem *list.Element) {
	c.lru.Remove(elem)
	delete(c.items, elem.Value.(*cacheItem).key)
}
