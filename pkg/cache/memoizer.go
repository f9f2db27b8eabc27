package cache

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/forgeworks/anvil/pkg/errors"
)

// ComputeFunc produces the response bytes for a cache miss.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// Memoizer wraps a Cache with get-or-compute semantics: a fingerprint match
// returns the stored response without invoking the compute function; a miss
// invokes it exactly once, with concurrent callers for the same fingerprint
// coalescing onto one in-flight computation. A failed computation stores
// nothing, and cache I/O failures degrade to misses rather than aborting the
// caller.
type Memoizer struct {
	cache Cache
	ttl   time.Duration
	group singleflight.Group
}

// NewMemoizer creates a memoizer over the given cache. ttl of 0 defers to
// the cache's default.
func NewMemoizer(c Cache, ttl time.Duration) *Memoizer {
	return &Memoizer{cache: c, ttl: ttl}
}

type memoResult struct {
	value []byte
	hit   bool
}

// GetOrCompute returns the cached response for fingerprint, or computes,
// stores, and returns it. The second return value reports whether the
// response was served from cache.
func (m *Memoizer) GetOrCompute(ctx context.Context, fingerprint string, compute ComputeFunc) ([]byte, bool, error) {
	if fingerprint == "" {
		return nil, false, errors.New(errors.InvalidInput, "fingerprint is required")
	}
	if err := errors.CheckContext(ctx, "cache lookup"); err != nil {
		return nil, false, err
	}

	v, err, _ := m.group.Do(fingerprint, func() (interface{}, error) {
		if value, ok, err := m.cache.Get(ctx, fingerprint); err == nil && ok {
			return memoResult{value: value, hit: true}, nil
		}
		// A read failure is a miss: the compute path must still work when
		// the cache is unavailable.

		value, err := compute(ctx)
		if err != nil {
			// Never poison the cache with a failed computation.
			return nil, err
		}

		// A write failure only costs a future recomputation.
		_ = m.cache.Set(ctx, fingerprint, value, m.ttl)
		return memoResult{value: value, hit: false}, nil
	})
	if err != nil {
		return nil, false, err
	}

	res := v.(memoResult)
	return res.value, res.hit, nil
}
