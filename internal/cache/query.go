package cache

import (
	"context"
	"fmt"
	"time"
)

// Result is the typed view of a query.
type Result[V any] struct {
	Data      V
	HasData   bool
	IsLoading bool
	IsError   bool
	IsStale   bool
	Err       error
	FetchedAt time.Time
	Version   uint64
}

// Typed adapts a typed fetch function to a Fetcher.
func Typed[V any](fetch func(ctx context.Context) (V, error)) Fetcher {
	if fetch == nil {
		return nil
	}
	return func(ctx context.Context) (any, error) {
		return fetch(ctx)
	}
}

// Query reads key through the cache and returns its typed result.
func Query[V any](ctx context.Context, c *Cache, key Key, fetch func(ctx context.Context) (V, error), opts Options) Result[V] {
	entry, err := c.Fetch(ctx, key, Typed(fetch), opts)
	res := ResultOf[V](entry)
	if err != nil {
		res.Err = err
		res.IsError = true
	}
	return res
}

// ResultOf converts an Entry into a typed Result. A value of the wrong type
// surfaces as an error rather than a panic.
func ResultOf[V any](entry Entry) Result[V] {
	res := Result[V]{
		IsLoading: entry.Fetching && !entry.Present,
		IsStale:   entry.Stale,
		Err:       entry.Err,
		IsError:   entry.Err != nil,
		FetchedAt: entry.FetchedAt,
		Version:   entry.Version,
	}
	if !entry.Present {
		return res
	}
	value, ok := entry.Value.(V)
	if !ok {
		res.Err = fmt.Errorf("cache: key %s holds %T", entry.Key, entry.Value)
		res.IsError = true
		return res
	}
	res.Data = value
	res.HasData = true
	return res
}

// Value returns the typed value stored under key.
func Value[V any](c *Cache, key Key) (V, bool) {
	var zero V
	entry, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	value, ok := entry.Value.(V)
	return value, ok
}

// Update applies fn to the typed value under key and returns the new version.
func Update[V any](c *Cache, key Key, fn func(prev V, ok bool) V) uint64 {
	return c.SetData(key, func(prev any, ok bool) any {
		typed, match := prev.(V)
		return fn(typed, ok && match)
	})
}
