// Package tilecache holds decoded tile bytes in a process-local,
// byte-budgeted LRU, keyed by the full tuple of inputs that determine a
// tile's pixels (dataset keys, bounds, requested size, nodata, resampling
// method).
package tilecache

import (
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// maxEntries bounds simplelru.LRU's own entry count; the cache is
// actually governed by total byte size (the eviction loop in Add), so this only
// needs to be large enough to never kick in first.
const maxEntries = 1 << 20

// Cache is an LRU of raw tile bytes, bounded by total size rather than
// entry count — a handful of huge tiles and a great many small ones
// should both fit the same byte budget.
type Cache struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[string, []byte]
	maxBytes int64
	curBytes int64
}

// New creates a cache that evicts least-recently-used entries once the
// total size of cached tiles would exceed maxBytes.
func New(maxBytes int64) (*Cache, error) {
	c := &Cache{maxBytes: maxBytes}
	lru, err := simplelru.NewLRU[string, []byte](maxEntries, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create tile cache: %w", err)
	}
	c.lru = lru
	return c, nil
}

func (c *Cache) onEvict(key string, value []byte) {
	c.curBytes -= int64(len(value))
}

// Key builds the cache key for one tile request, over the full tuple
// spec.md §4.F names: dataset keys, bounds, requested size, and nodata.
// hasBounds distinguishes an explicit bounds argument from the "use the
// default warp footprint" case (bounds is unset, not merely zero-valued).
func Key(datasetKeys []string, hasBounds bool, bounds [4]float64, width, height int, nodata float64, resampling string) string {
	b := "default"
	if hasBounds {
		b = fmt.Sprintf("%.10f,%.10f,%.10f,%.10f", bounds[0], bounds[1], bounds[2], bounds[3])
	}
	s := fmt.Sprintf("%s|%dw%dh%gn%s", b, width, height, nodata, resampling)
	for _, k := range datasetKeys {
		s = k + "/" + s
	}
	return s
}

// Get returns the cached bytes for key, if present.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Get(key)
}

// Add stores data under key, evicting the least-recently-used entries
// until the cache fits within its byte budget. An entry larger than the
// whole budget is simply not cached.
func (c *Cache) Add(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := int64(len(data))
	if size > c.maxBytes {
		return
	}

	if old, ok := c.lru.Peek(key); ok {
		c.curBytes -= int64(len(old))
	}
	c.lru.Add(key, data)
	c.curBytes += size

	for c.curBytes > c.maxBytes {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
}

// Len returns the number of cached tiles.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Size returns the total bytes currently cached.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curBytes
}

// Purge empties the cache.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}
