package results

import (
	"sync"

	"github.com/ahrav/scan-console/internal/domain/findings"
)

// DefaultCacheSize bounds the number of pages a query keeps.
const DefaultCacheSize = 32

type cacheEntry[T any] struct {
	page       findings.Page[T]
	generation uint64
}

// ResultCache holds the pages fetched for one scan, keyed by descriptor key.
// Invalidate bumps a generation stamp; entries written under an older
// generation are stale and never served. When full, the oldest entry is
// evicted first.
type ResultCache[T any] struct {
	mu         sync.Mutex
	maxEntries int
	generation uint64
	entries    map[string]cacheEntry[T]
	order      []string
}

// NewResultCache returns a cache holding at most maxEntries pages.
func NewResultCache[T any](maxEntries int) *ResultCache[T] {
	if maxEntries <= 0 {
		maxEntries = DefaultCacheSize
	}
	return &ResultCache[T]{
		maxEntries: maxEntries,
		entries:    make(map[string]cacheEntry[T]),
	}
}

// Generation returns the current generation stamp.
func (c *ResultCache[T]) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Get returns the fresh page stored under key.
func (c *ResultCache[T]) Get(key string) (findings.Page[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.generation != c.generation {
		return findings.Page[T]{}, false
	}
	return e.page, true
}

// Put stores page under key if generation is still current. A page fetched
// before an invalidation is discarded and Put reports false.
func (c *ResultCache[T]) Put(key string, page findings.Page[T], generation uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if generation != c.generation {
		return false
	}

	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = cacheEntry[T]{page: page, generation: generation}

	for len(c.order) > c.maxEntries {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	return true
}

// Invalidate marks every entry stale.
func (c *ResultCache[T]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
}

// Len returns the number of stored entries, stale ones included.
func (c *ResultCache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
