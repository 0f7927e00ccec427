package idempotency

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultCacheSize is spec.md §4.2's default bounded cache size.
const DefaultCacheSize = 1000

// entry is what the LRU cache stores: a positive hit recorded after the
// store reports a duplicate or after a successful outcome is recorded.
type entry struct {
	seen bool
}

// Cache is the bounded in-process LRU of processed event_ids spec.md
// §4.2 describes. Cache entries are authoritative only for positive hits;
// a miss always falls through to the backing Store (Guard enforces this,
// not Cache itself). golang-lru's *lru.Cache already locks internally; mu
// additionally serializes every Cache method call.
type Cache struct {
	mu    sync.Mutex
	inner *lru.Cache
}

// NewCache builds a Cache with the given capacity, defaulting to
// DefaultCacheSize when size <= 0.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	inner, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cache{inner: inner}, nil
}

func key(consumer, eventID string) string {
	return consumer + ":" + eventID
}

// Seen reports whether (consumer, eventID) has already been recorded as
// processed.
func (c *Cache) Seen(consumer, eventID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.inner.Get(key(consumer, eventID))
	if !ok {
		return false
	}
	e, _ := v.(entry)
	return e.seen
}

// MarkSeen records (consumer, eventID) as processed.
func (c *Cache) MarkSeen(consumer, eventID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Add(key(consumer, eventID), entry{seen: true})
}

// Forget removes (consumer, eventID) from the cache, used alongside
// Store.Reset for a manual re-drive.
func (c *Cache) Forget(consumer, eventID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Remove(key(consumer, eventID))
}

// Len reports the current number of cached entries (test/diagnostic use).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Len()
}
