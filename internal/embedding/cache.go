package embedding

import (
	"context"
	"encoding/hex"
	"slices"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// Cache stores embeddings by content key. Implementations must be safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool, error)
	Put(ctx context.Context, key string, vec []float32) error
}

// CacheKey derives the cache key for text embedded by the given model version.
// Vectors from a different model version never share a key.
func CacheKey(modelVersion, text string) string {
	sum := blake2b.Sum256([]byte(modelVersion + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// MemoryCache is a bounded in-process cache that evicts the oldest entry first.
type MemoryCache struct {
	entries map[string][]float32
	order   []string
	limit   int
	mu      sync.Mutex
}

// NewMemoryCache creates a cache holding at most limit vectors (limit <= 0 means 4096).
func NewMemoryCache(limit int) *MemoryCache {
	if limit <= 0 {
		limit = 4096
	}
	return &MemoryCache{entries: make(map[string][]float32), limit: limit}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]float32, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(v), true, nil
}

func (c *MemoryCache) Put(_ context.Context, key string, vec []float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		c.order = append(c.order, key)
	}
	c.entries[key] = slices.Clone(vec)
	for len(c.order) > c.limit {
		delete(c.entries, c.order[0])
		c.order = c.order[1:]
	}
	return nil
}

// Len returns the number of cached vectors.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// TieredCache consults each tier in order and back-fills faster tiers on a hit.
// Writes go to every tier; a failing tier does not stop the others.
type TieredCache struct {
	tiers []Cache
}

// NewTieredCache layers caches from fastest to slowest. Nil tiers are skipped.
func NewTieredCache(tiers ...Cache) *TieredCache {
	t := &TieredCache{}
	for _, c := range tiers {
		if c != nil {
			t.tiers = append(t.tiers, c)
		}
	}
	return t
}

func (t *TieredCache) Get(ctx context.Context, key string) ([]float32, bool, error) {
	var firstErr error
	for i, c := range t.tiers {
		v, ok, err := c.Get(ctx, key)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !ok {
			continue
		}
		for j := 0; j < i; j++ {
			_ = t.tiers[j].Put(ctx, key, v)
		}
		return v, true, nil
	}
	return nil, false, firstErr
}

func (t *TieredCache) Put(ctx context.Context, key string, vec []float32) error {
	var firstErr error
	for _, c := range t.tiers {
		if err := c.Put(ctx, key, vec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
