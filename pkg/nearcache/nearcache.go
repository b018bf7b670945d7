// Package nearcache implements the near-cache (C5): an optional process-local
// loading cache keyed by the normalised key, with single-flight population
// and a NotFound sentinel (§3.6, §4.3).
//
// Grounded on cachemir's pkg/cache Value{Data, ExpiresAt} entry shape,
// generalized from a Redis-style multi-type store to a loader-based cache.
// Storage is an LRU (hashicorp/golang-lru) and load coalescing is
// golang.org/x/sync/singleflight, matching §4.3's "at-most-one concurrent
// load per key" requirement verbatim.
package nearcache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"
)

// notFound is the explicit NotFound marker (§3.6). It is unexported so callers
// cannot construct it directly; IsNotFound reports whether a loaded value is it.
type notFound struct{}

var notFoundMarker = notFound{}

// IsNotFound reports whether a value returned by Get/GetOrLoad is the
// near-cache's NotFound marker.
func IsNotFound(v any) bool {
	_, ok := v.(notFound)
	return ok
}

type entry struct {
	value     any
	expiresAt time.Time
}

// Loader populates the cache on a miss. Typically wraps the Read Orchestrator
// (§4.3: "the underlying load path is the same Read Orchestrator").
type Loader func(ctx context.Context, key string) (any, error)

// Cache is a single-flight, TTL-bounded, size-bounded loading cache.
type Cache struct {
	store *lru.Cache
	sf    singleflight.Group
	ttl   time.Duration
}

// New builds a Cache with the given maximum entry count and TTL.
func New(maxEntries int, ttl time.Duration) (*Cache, error) {
	store, err := lru.New(maxEntries)
	if err != nil {
		return nil, err
	}
	return &Cache{store: store, ttl: ttl}, nil
}

// Peek returns a cached value without triggering a load, and whether it was
// present and unexpired.
func (c *Cache) Peek(key string) (any, bool) {
	raw, ok := c.store.Get(key)
	if !ok {
		return nil, false
	}
	e := raw.(entry)
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		c.store.Remove(key)
		return nil, false
	}
	return e.value, true
}

// GetOrLoad returns the cached value for key, loading it via loader on a
// miss. Concurrent callers for the same key share one load (§4.3).
func (c *Cache) GetOrLoad(ctx context.Context, key string, loader Loader) (any, error) {
	if v, ok := c.Peek(key); ok {
		return v, nil
	}

	v, err, _ := c.sf.Do(key, func() (any, error) {
		if v, ok := c.Peek(key); ok {
			return v, nil
		}
		loaded, err := loader(ctx, key)
		if err != nil {
			return nil, err
		}
		if loaded == nil {
			loaded = notFoundMarker
		}
		c.put(key, loaded)
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Put stores a value directly, bypassing the loader.
func (c *Cache) Put(key string, value any) {
	c.put(key, value)
}

func (c *Cache) put(key string, value any) {
	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = time.Now().Add(c.ttl)
	}
	c.store.Add(key, entry{value: value, expiresAt: expiresAt})
}

// Invalidate removes key from the cache.
func (c *Cache) Invalidate(key string) {
	c.store.Remove(key)
}
