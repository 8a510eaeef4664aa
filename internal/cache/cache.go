// Package cache is a cache-aside read layer. Values are opaque bytes;
// callers marshal what they store. Writers never mutate cached values
// in place, they only invalidate.
package cache

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/singleflight"
)

// Store is a cache backend. Pattern deletes take a key prefix ending in
// '*' and remove every matching entry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeletePattern(ctx context.Context, pattern string) error
}

type Cache struct {
	store Store
	group singleflight.Group
}

func New(store Store) *Cache {
	return &Cache{store: store}
}

// GetOrCompute returns the cached value for key, computing and storing
// it on a miss. Concurrent callers of the same key share one compute
// call. Backend read or write failures degrade to computing directly;
// the cache never turns a healthy store into an error.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	value, ok, err := c.store.Get(ctx, key)
	if err != nil {
		log.Printf("cache get error key=%s: %v", key, err)
	} else if ok {
		return value, nil
	}

	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Re-check: another flight may have filled the key while this
		// caller was queued behind it.
		if value, ok, err := c.store.Get(ctx, key); err == nil && ok {
			return value, nil
		}
		computed, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.store.Set(ctx, key, computed, ttl); err != nil {
			log.Printf("cache set error key=%s: %v", key, err)
		}
		return computed, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// Invalidate removes every entry matching the given keys or patterns
// (trailing '*' marks a prefix). Failures are logged and swallowed;
// cache freshness never outranks the mutation that triggered it.
func (c *Cache) Invalidate(ctx context.Context, patterns ...string) {
	for _, pattern := range patterns {
		var err error
		if len(pattern) > 0 && pattern[len(pattern)-1] == '*' {
			err = c.store.DeletePattern(ctx, pattern)
		} else {
			err = c.store.Delete(ctx, pattern)
		}
		if err != nil {
			log.Printf("cache invalidate error pattern=%s: %v", pattern, err)
		}
	}
}
