package semantic

import (
	"context"
	"sync"
)

// DefaultCacheSize bounds a CachingEmbedder when no size is configured.
const DefaultCacheSize = 4096

// CachingEmbedder memoizes embedding vectors by input text.
// Safe for concurrent use. Eviction is FIFO: embedders are
// deterministic, so evicting a hot entry costs one recompute, never
// correctness.
type CachingEmbedder struct {
	inner Embedder

	mu      sync.Mutex
	entries map[string][]float32
	order   []string
	max     int
}

// NewCachingEmbedder wraps inner with a cache of at most max entries.
// If max <= 0, DefaultCacheSize is used.
func NewCachingEmbedder(inner Embedder, max int) (*CachingEmbedder, error) {
	if inner == nil {
		return nil, ErrNilEmbedder
	}
	if max <= 0 {
		max = DefaultCacheSize
	}
	return &CachingEmbedder{
		inner:   inner,
		entries: make(map[string][]float32),
		max:     max,
	}, nil
}

// Embed implements Embedder. Cached vectors are returned as-is; callers
// must not mutate them.
func (c *CachingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.mu.Lock()
	if vec, ok := c.entries[text]; ok {
		c.mu.Unlock()
		return vec, nil
	}
	c.mu.Unlock()

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if _, ok := c.entries[text]; !ok {
		for len(c.entries) >= c.max {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.entries[text] = vec
		c.order = append(c.order, text)
	}
	c.mu.Unlock()

	return vec, nil
}

// Size returns the current number of cached entries.
func (c *CachingEmbedder) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
