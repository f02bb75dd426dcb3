// Package cache provides a string-keyed loader cache combining LRU storage with
// singleflight so concurrent misses for the same key trigger a single load.
package cache

import (
	"context"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// LoaderCache loads values on miss via a callback and keeps the most recently used entries.
// Keys are normalized with NormalizeKey, so "Who wins?" and "  Who   wins? " share an entry.
// Failed loads are never cached.
type LoaderCache[V any] struct {
	lru   *lru.Cache[string, V]
	group singleflight.Group
}

// NewLoaderCache creates a loader cache holding at most maxEntries values.
func NewLoaderCache[V any](maxEntries int) (*LoaderCache[V], error) {
	l, err := lru.New[string, V](maxEntries)
	if err != nil {
		return nil, err
	}

	return &LoaderCache[V]{lru: l}, nil
}

// NormalizeKey trims key and collapses runs of whitespace. Case is kept: embedding models
// are case-sensitive, so differently cased keys may load different values.
func NormalizeKey(key string) string {
	return strings.Join(strings.Fields(key), " ")
}

// Get returns the value for key and whether it was served from cache.
// On a miss only one goroutine runs load for a given key; concurrent callers share its result.
func (c *LoaderCache[V]) Get(ctx context.Context, key string, load func(context.Context, string) (V, error)) (V, bool, error) {
	k := NormalizeKey(key)
	if v, ok := c.lru.Get(k); ok {
		return v, true, nil
	}

	val, err, _ := c.group.Do(k, func() (any, error) {
		loaded, loadErr := load(ctx, key)
		if loadErr != nil {
			return nil, loadErr
		}

		c.lru.Add(k, loaded)

		return loaded, nil
	})
	if err != nil {
		var zero V

		return zero, false, err
	}

	return val.(V), false, nil
}

// Purge removes all entries.
func (c *LoaderCache[V]) Purge() {
	c.lru.Purge()
}

// Len returns the number of cached entries.
func (c *LoaderCache[V]) Len() int {
	return c.lru.Len()
}
