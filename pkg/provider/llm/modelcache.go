package llm

import (
	"context"
	"sync"
	"time"
)

// DefaultModelCacheTTL is how long a cached model list stays fresh when the
// adapter does not configure its own TTL.
const DefaultModelCacheTTL = 10 * time.Minute

// ModelCache memoises a provider's model list with a TTL. Each adapter owns
// one cache; refreshes are serialised so concurrent ListModels calls trigger
// at most one upstream fetch. A failed refresh serves the previous list when
// one exists.
type ModelCache struct {
	mu        sync.Mutex
	ttl       time.Duration
	models    []ModelInfo
	fetchedAt time.Time
}

// NewModelCache creates a cache with the given TTL. A non-positive ttl falls
// back to DefaultModelCacheTTL.
func NewModelCache(ttl time.Duration) *ModelCache {
	if ttl <= 0 {
		ttl = DefaultModelCacheTTL
	}
	return &ModelCache{ttl: ttl}
}

// Get returns the cached model list, calling fetch to refresh it when the
// cache is empty or stale. When fetch fails and a previous list exists, the
// stale list is returned with a nil error so transient registry outages do
// not break scheduling.
func (c *ModelCache) Get(ctx context.Context, fetch func(ctx context.Context) ([]ModelInfo, error)) ([]ModelInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.models != nil && time.Since(c.fetchedAt) < c.ttl {
		return cloneModels(c.models), nil
	}

	models, err := fetch(ctx)
	if err != nil {
		if c.models != nil {
			return cloneModels(c.models), nil
		}
		return nil, err
	}

	c.models = models
	c.fetchedAt = time.Now()
	return cloneModels(models), nil
}

// Invalidate clears the cache so the next Get refreshes.
func (c *ModelCache) Invalidate() {
	c.mu.Lock()
	c.models = nil
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}

func cloneModels(in []ModelInfo) []ModelInfo {
	out := make([]ModelInfo, len(in))
	copy(out, in)
	return out
}
