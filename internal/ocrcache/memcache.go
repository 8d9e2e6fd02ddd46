package ocrcache

import (
	"container/list"
	"sync"

	"github.com/examcore/examcore/internal/domain"
)

// memCache is tier 1: an optional in-memory LRU over PageLayout, keyed by
// (workdirPath, pageID). No ecosystem LRU library appears anywhere in the
// reference pack for this codebase, so it's built directly on
// container/list + map — the same building blocks a dedicated LRU package
// would use internally, without pulling one in for a single call site.
type memCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type memEntry struct {
	key    string
	layout domain.PageLayout
}

func newMemCache(capacity int) *memCache {
	if capacity <= 0 {
		capacity = 512
	}
	return &memCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

func cacheKey(workdir, pageID string) string { return workdir + "\x00" + pageID }

// get returns the cached layout and promotes it to most-recently-used.
func (c *memCache) get(workdir, pageID string) (domain.PageLayout, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[cacheKey(workdir, pageID)]
	if !ok {
		return domain.PageLayout{}, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*memEntry).layout, true
}

// put inserts or updates an entry and promotes it, evicting the least
// recently used entry if the cache is over capacity.
func (c *memCache) put(workdir, pageID string, layout domain.PageLayout) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey(workdir, pageID)
	if el, ok := c.items[key]; ok {
		el.Value.(*memEntry).layout = layout
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&memEntry{key: key, layout: layout})
	c.items[key] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*memEntry).key)
		}
	}
}

func (c *memCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
