package embedding

import (
	"context"
	"fmt"
	"log"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"SimpleLLM/internal/observe"
	"SimpleLLM/internal/runtime"
)

// Cache returns embeddings from disk when present and computes and stores
// them otherwise. Vectors are addressed by model path and input content,
// so the same input against the same model always yields the same file.
//
// The disk layer takes no lock: two callers missing on the same key both
// compute and the last rename wins.
type Cache struct {
	store       *DiskStore
	computer    Computer
	memory      *lru.Cache[CacheKey, []float32]
	fingerprint bool
	metrics     *observe.Metrics
}

// Option configures a Cache.
type Option func(*Cache)

// WithModelFingerprint folds the model file's size and modification time
// into every key.
func WithModelFingerprint() Option {
	return func(c *Cache) { c.fingerprint = true }
}

// WithMemoryEntries keeps up to n recently used vectors in memory in front
// of the disk store.
func WithMemoryEntries(n int) Option {
	return func(c *Cache) {
		if n <= 0 {
			return
		}
		mem, err := lru.New[CacheKey, []float32](n)
		if err == nil {
			c.memory = mem
		}
	}
}

// WithMetrics records lookups and compute latency.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// NewCache returns a cache storing vectors under dir.
func NewCache(dir string, computer Computer, opts ...Option) *Cache {
	c := &Cache{store: NewDiskStore(dir), computer: computer}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Computer returns the underlying computer.
func (c *Cache) Computer() Computer { return c.computer }

// Store returns the disk store.
func (c *Cache) Store() *DiskStore { return c.store }

// Key returns the cache key of in together with its content.
func (c *Cache) Key(in Input) (CacheKey, []byte, error) {
	data, err := in.Bytes()
	if err != nil {
		return "", nil, err
	}
	if !c.fingerprint {
		return NewCacheKey(c.computer.ModelPath(), data), data, nil
	}
	key, err := fingerprintKey(c.computer.ModelPath(), data)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", runtime.ErrCacheIO, err)
	}
	return key, data, nil
}

// GetOrCompute returns the vector for in.
func (c *Cache) GetOrCompute(ctx context.Context, in Input) ([]float32, error) {
	key, data, err := c.Key(in)
	if err != nil {
		return nil, err
	}

	if c.memory != nil {
		if vec, ok := c.memory.Get(key); ok {
			c.metrics.RecordCacheLookup(ctx, true)
			return clone(vec), nil
		}
	}

	vec, ok, err := c.store.Load(key)
	if err != nil {
		return nil, err
	}
	if ok {
		c.metrics.RecordCacheLookup(ctx, true)
		c.remember(key, vec)
		return vec, nil
	}
	c.metrics.RecordCacheLookup(ctx, false)

	start := time.Now()
	vec, err = c.computer.Compute(ctx, string(data))
	if err != nil {
		return nil, err
	}
	c.metrics.RecordEmbed(ctx, time.Since(start))

	if err := c.store.Save(key, vec); err != nil {
		return nil, err
	}
	log.Printf("embedding: cached %s (%d dims) for %s", key, len(vec), in)
	c.remember(key, vec)
	return vec, nil
}

// Embed is GetOrCompute for inline text.
func (c *Cache) Embed(ctx context.Context, text string) ([]float32, error) {
	return c.GetOrCompute(ctx, TextInput(text))
}

func (c *Cache) remember(key CacheKey, vec []float32) {
	if c.memory != nil {
		c.memory.Add(key, clone(vec))
	}
}

func clone(vec []float32) []float32 {
	out := make([]float32, len(vec))
	copy(out, vec)
	return out
}
