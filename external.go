package hybrigo

import (
	"context"

	"github.com/hupe1980/hybrigo/internal/cache"
)

// queryCacheSize bounds the query embedding cache.
const queryCacheSize = 100

// Embedder is the external text-to-vector model contract. Implementations
// must be idempotent over identical input text.
type Embedder interface {
	// Dim returns the embedding dimensionality.
	Dim() int

	// Embed returns the vector for text, with len == Dim.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds multiple texts, reporting progress when onProgress
	// is non-nil.
	EmbedBatch(ctx context.Context, texts []string, onProgress func(done, total int)) ([][]float32, error)
}

// StoreOp is a single document store bulk operation.
type StoreOp struct {
	// Delete marks the op as a removal; Value is ignored.
	Delete bool
	Key    string
	Value  map[string]any
}

// DocumentStore is the optional outer store for full documents.
type DocumentStore interface {
	Put(ctx context.Context, key string, value map[string]any) error
	Get(ctx context.Context, key string) (map[string]any, error)
	Delete(ctx context.Context, key string) error
	BulkWrite(ctx context.Context, ops []StoreOp) error
	Snapshot(ctx context.Context) (any, error)
	Keys(ctx context.Context) ([]string, error)
}

// cachedEmbedder memoizes query embeddings in a bounded LRU so repeated
// queries skip the model round-trip.
type cachedEmbedder struct {
	embedder Embedder
	cache    *cache.LRU[string, []float32]
}

func newCachedEmbedder(e Embedder) *cachedEmbedder {
	return &cachedEmbedder{
		embedder: e,
		cache:    cache.NewLRU[string, []float32](queryCacheSize),
	}
}

func (c *cachedEmbedder) Dim() int { return c.embedder.Dim() }

func (c *cachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := c.cache.Get(text); ok {
		return vec, nil
	}

	vec, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return nil, &ErrEmbeddingFailed{cause: err}
	}

	c.cache.Set(text, vec)
	return vec, nil
}
