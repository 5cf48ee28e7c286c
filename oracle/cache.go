package oracle

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type entry[T any] struct {
	value     T
	fetchedAt time.Time
}

// staleCache is an in-memory TTL cache that keeps expired entries around as
// a fallback. A singleflight guard collapses concurrent refreshes per key.
type staleCache[T any] struct {
	mu      sync.RWMutex
	entries map[string]entry[T]
	ttl     time.Duration
	group   singleflight.Group
}

func newStaleCache[T any](ttl time.Duration) *staleCache[T] {
	return &staleCache[T]{
		entries: make(map[string]entry[T]),
		ttl:     ttl,
	}
}

// GetOrFetch returns the cached value if fresh, otherwise refreshes via
// fetch. When the refresh fails and an expired entry exists, that entry is
// returned with degraded=true.
func (c *staleCache[T]) GetOrFetch(key string, fetch func() (T, error)) (value T, degraded bool, err error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && time.Since(e.fetchedAt) < c.ttl {
		return e.value, false, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Another flight may have refreshed while we waited.
		c.mu.RLock()
		e, ok := c.entries[key]
		c.mu.RUnlock()
		if ok && time.Since(e.fetchedAt) < c.ttl {
			return e.value, nil
		}

		val, err := fetch()
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.entries[key] = entry[T]{value: val, fetchedAt: time.Now()}
		c.mu.Unlock()
		return val, nil
	})
	if err != nil {
		if ok {
			return e.value, true, nil
		}
		var zero T
		return zero, false, err
	}

	return v.(T), false, nil
}

// Age returns how long ago the entry for key was fetched, if present.
func (c *staleCache[T]) Age(key string) (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return 0, false
	}
	return time.Since(e.fetchedAt), true
}
