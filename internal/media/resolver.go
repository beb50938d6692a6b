package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"detection-relay/internal/platform/metrics"

	"golang.org/x/sync/singleflight"
)

// ErrNotFound is returned when an artifact cannot be obtained upstream.
var ErrNotFound = errors.New("artifact not found")

// DefaultFetchTimeout bounds one shared upstream fetch.
const DefaultFetchTimeout = 40 * time.Second

// Fetcher loads artifact bytes from wherever they are produced.
type Fetcher interface {
	FetchResult(ctx context.Context, filename string) ([]byte, error)
}

// Resolver serves artifacts from the cache, falling back to the Fetcher on a
// miss. Concurrent misses for one filename share a single upstream call.
type Resolver struct {
	cache   *Cache
	fetcher Fetcher
	metrics *metrics.Metrics
	group   singleflight.Group
	timeout time.Duration
}

// NewResolver returns a Resolver. Metrics may be nil.
func NewResolver(cache *Cache, fetcher Fetcher, m *metrics.Metrics) *Resolver {
	return &Resolver{cache: cache, fetcher: fetcher, metrics: m, timeout: DefaultFetchTimeout}
}

// Resolve returns the bytes for filename. The upstream fetch is shared by
// every waiting caller and outlives any one of them; a caller whose ctx ends
// stops waiting without affecting the rest.
func (r *Resolver) Resolve(ctx context.Context, filename string) ([]byte, error) {
	if data, ok := r.cache.Get(filename); ok {
		r.metrics.IncCacheHits()
		return data, nil
	}
	r.metrics.IncCacheMisses()

	res := r.group.DoChan(filename, func() (any, error) {
		if data, ok := r.cache.Get(filename); ok {
			return data, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		data, err := r.fetcher.FetchResult(fetchCtx, filename)
		if err != nil {
			return nil, err
		}
		r.cache.Put(filename, data)
		return data, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-res:
		if out.Err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, filename, out.Err)
		}
		return out.Val.([]byte), nil
	}
}
