package storage

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/louisbranch/messagevault/internal/services/indexer/domain/auction"
)

// DefaultSnapshotCacheSize bounds the number of point-in-time grids kept.
const DefaultSnapshotCacheSize = 128

// SnapshotCache memoizes point-in-time grids by seq. Entries are cloned on the
// way in and out. Stores purge it on rollback and reset; each purge starts a
// new generation so a grid computed before the purge is never added after it.
type SnapshotCache struct {
	cache *lru.Cache

	mu         sync.Mutex
	generation uint64
}

// NewSnapshotCache creates a cache holding up to size grids.
func NewSnapshotCache(size int) (*SnapshotCache, error) {
	if size <= 0 {
		size = DefaultSnapshotCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("create snapshot cache: %w", err)
	}
	return &SnapshotCache{cache: cache}, nil
}

// Get returns the cached grid at seq.
func (c *SnapshotCache) Get(seq uint64) (auction.Grid, bool) {
	if c == nil {
		return auction.Grid{}, false
	}
	value, ok := c.cache.Get(seq)
	if !ok {
		return auction.Grid{}, false
	}
	return value.(auction.Grid).Clone(), true
}

// Generation returns the current purge generation. Read it before loading the
// data a grid is built from and hand it to AddAt.
func (c *SnapshotCache) Generation() uint64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Add stores grid under its seq in the current generation.
func (c *SnapshotCache) Add(grid auction.Grid) {
	c.AddAt(c.Generation(), grid)
}

// AddAt stores grid only when no purge happened since generation was read.
// It reports whether the grid was cached.
func (c *SnapshotCache) AddAt(generation uint64, grid auction.Grid) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if generation != c.generation {
		return false
	}
	c.cache.Add(grid.Seq, grid.Clone())
	return true
}

// Purge drops every entry and starts a new generation.
func (c *SnapshotCache) Purge() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.cache.Purge()
}

// Len reports the number of cached grids.
func (c *SnapshotCache) Len() int {
	if c == nil {
		return 0
	}
	return c.cache.Len()
}
