package memory

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"

	"agentcore/pkg/llm"
	"agentcore/pkg/metrics"
)

// DefaultEmbedCacheSize bounds the number of cached embeddings when none is configured.
const DefaultEmbedCacheSize = 4096

// CachedEmbedder memoizes embeddings by exact text.
type CachedEmbedder struct {
	next    llm.Embedder
	cache   *ristretto.Cache
	metrics *metrics.Recorder
}

// NewCachedEmbedder wraps next with a cache holding up to maxItems vectors.
func NewCachedEmbedder(next llm.Embedder, maxItems int64, rec *metrics.Recorder) (*CachedEmbedder, error) {
	if maxItems <= 0 {
		maxItems = DefaultEmbedCacheSize
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        maxItems * 10,
		MaxCost:            maxItems,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	return &CachedEmbedder{next: next, cache: cache, metrics: rec}, nil
}

// Dimensions returns the wrapped embedder's vector size.
func (c *CachedEmbedder) Dimensions() int { return c.next.Dimensions() }

// Embed returns a copy of the cached vector or computes and caches one.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		if vec, ok := v.([]float32); ok {
			c.metrics.EmbedCacheHit()
			return append([]float32(nil), vec...), nil
		}
	}
	c.metrics.EmbedCacheMiss()

	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(text, append([]float32(nil), vec...), 1)
	c.cache.Wait()
	return vec, nil
}

// Close releases the cache.
func (c *CachedEmbedder) Close() {
	c.cache.Close()
}
