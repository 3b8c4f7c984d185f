// Package cache provides the shared query result cache: key → fused
// results with TTL expiry and a bounded LRU footprint.
package cache

import (
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kailas-cloud/fusion/internal/domain"
)

// Entry is one cached aggregation. Entries are only written after a fully
// clean aggregation; TTL is evaluated against the live config on read so
// hot-reloaded TTL changes apply to existing entries.
type Entry struct {
	Results   []domain.FusedResult
	CreatedAt time.Time
}

// ResultCache is a thread-safe LRU of fused query results.
type ResultCache struct {
	lru  *lru.Cache[string, Entry]
	size atomic.Int64
	now  func() time.Time
}

// New creates a result cache bounded to size entries.
func New(size int) (*ResultCache, error) {
	if size < 1 {
		size = 1
	}
	c, err := lru.New[string, Entry](size)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	rc := &ResultCache{lru: c, now: time.Now}
	rc.size.Store(int64(size))
	return rc, nil
}

// Get returns the cached results for key if present and younger than ttl.
// Expired entries are removed on access. A non-positive ttl never hits.
func (c *ResultCache) Get(key string, ttl time.Duration) ([]domain.FusedResult, bool) {
	if ttl <= 0 {
		return nil, false
	}
	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.CreatedAt) > ttl {
		c.lru.Remove(key)
		return nil, false
	}
	return e.Results, true
}

// Put stores results under key, evicting the least-recently-used entry
// when the cache is full.
func (c *ResultCache) Put(key string, results []domain.FusedResult) {
	c.lru.Add(key, Entry{Results: results, CreatedAt: c.now()})
}

// Len returns the number of live entries (including not-yet-expired ones).
func (c *ResultCache) Len() int { return c.lru.Len() }

// Resize changes the cache bound, evicting LRU entries as needed. An
// unchanged size is a no-op, so callers may invoke it per query with
// the live config value.
func (c *ResultCache) Resize(size int) {
	if size < 1 {
		size = 1
	}
	if c.size.Swap(int64(size)) == int64(size) {
		return
	}
	c.lru.Resize(size)
}

// Purge drops every entry.
func (c *ResultCache) Purge() { c.lru.Purge() }
