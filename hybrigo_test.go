package hybrigo

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/hybrigo/model"
	"github.com/hupe1980/hybrigo/testutil"
)

// memoryStore is an in-memory DocumentStore for tests.
type memoryStore struct {
	mu   sync.RWMutex
	docs map[string]map[string]any
}

func newMemoryStore() *memoryStore {
	return &memoryStore{docs: make(map[string]map[string]any)}
}

func (s *memoryStore) Put(_ context.Context, key string, value map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[key] = value
	return nil
}

func (s *memoryStore) Get(_ context.Context, key string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docs[key], nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, key)
	return nil
}

func (s *memoryStore) BulkWrite(ctx context.Context, ops []StoreOp) error {
	for _, op := range ops {
		if op.Delete {
			if err := s.Delete(ctx, op.Key); err != nil {
				return err
			}
			continue
		}
		if err := s.Put(ctx, op.Key, op.Value); err != nil {
			return err
		}
	}
	return nil
}

func (s *memoryStore) Snapshot(_ context.Context) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := make(map[string]map[string]any, len(s.docs))
	for k, v := range s.docs {
		snapshot[k] = v
	}
	return snapshot, nil
}

func (s *memoryStore) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.docs))
	for k := range s.docs {
		keys = append(keys, k)
	}
	return keys, nil
}

func newTestEngine(t *testing.T, optFns ...Option) *Engine {
	t.Helper()

	e, err := New(t.TempDir(), append([]Option{
		WithEmbedder(&testutil.HashEmbedder{Dimension: 8}),
	}, optFns...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	return e
}

func putDocs(t *testing.T, e *Engine) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, "tech", "d1", &model.Document{Content: "vector search"}))
	require.NoError(t, e.Put(ctx, "tech", "d2", &model.Document{Content: "knowledge base"}))
	require.NoError(t, e.Put(ctx, "other", "d3", &model.Document{Content: "vector graph"}))
}

func TestEngine(t *testing.T) {
	ctx := context.Background()

	t.Run("FilterFirstWithFullText", func(t *testing.T) {
		e := newTestEngine(t)
		putDocs(t, e)

		resp, err := e.Search(ctx, model.SearchRequest{
			Structural: map[string]string{"collection": "tech"},
			Semantic:   &model.SemanticQuery{Query: "vector", UseEmbedding: false},
			Strategy:   model.StrategyFilterFirst,
			Limit:      10,
		})
		require.NoError(t, err)

		require.Len(t, resp.Results, 1, "d3 matches lexically but is outside the collection")
		assert.Equal(t, "d1", resp.Results[0].ID)
	})

	t.Run("SemanticSearch", func(t *testing.T) {
		e := newTestEngine(t)
		putDocs(t, e)

		resp, err := e.Search(ctx, model.SearchRequest{
			Structural: map[string]string{"collection": "tech"},
			Semantic:   &model.SemanticQuery{Query: "vector search", UseEmbedding: true},
			Limit:      10,
		})
		require.NoError(t, err)

		require.NotEmpty(t, resp.Results)
		// The hash embedder is deterministic: the identical text embeds
		// identically, so d1 reranks to the top with similarity ~1.
		assert.Equal(t, "d1", resp.Results[0].ID)
		assert.InDelta(t, 1.0, resp.Results[0].Score, 1e-3)
		assert.False(t, resp.Metrics.Downgraded)
	})

	t.Run("SemanticDowngradesWithoutEmbedder", func(t *testing.T) {
		e, err := New(t.TempDir(), WithoutVectorIndex())
		require.NoError(t, err)
		t.Cleanup(func() { _ = e.Close() })

		require.NoError(t, e.Put(ctx, "tech", "d1", &model.Document{Content: "vector search"}))

		resp, err := e.Search(ctx, model.SearchRequest{
			Structural: map[string]string{"collection": "tech"},
			Semantic:   &model.SemanticQuery{Query: "vector", UseEmbedding: true},
		})
		require.NoError(t, err)

		assert.True(t, resp.Metrics.Downgraded)
		require.Len(t, resp.Results, 1)
		assert.Equal(t, "d1", resp.Results[0].ID)
	})

	t.Run("ParallelFusion", func(t *testing.T) {
		e := newTestEngine(t)
		putDocs(t, e)

		resp, err := e.Search(ctx, model.SearchRequest{
			Structural: map[string]string{"collection": "tech"},
			Semantic:   &model.SemanticQuery{Query: "vector", UseEmbedding: true},
			Strategy:   model.StrategyParallel,
			Limit:      10,
		})
		require.NoError(t, err)

		require.NotEmpty(t, resp.Results)
		for _, r := range resp.Results {
			assert.NotEmpty(t, r.Sources)
			assert.GreaterOrEqual(t, r.Score, 0.0)
			assert.LessOrEqual(t, r.Score, 1.0, "fused score within [0, sum of weights]")
		}
	})

	t.Run("UpdateReplacesEverywhere", func(t *testing.T) {
		e := newTestEngine(t)

		require.NoError(t, e.Put(ctx, "tech", "d1", &model.Document{
			Content:    "old words",
			Attributes: map[string]any{"metadata.category": "alpha"},
		}))
		require.NoError(t, e.Put(ctx, "tech", "d1", &model.Document{
			Content:    "new words",
			Attributes: map[string]any{"metadata.category": "beta"},
		}))

		resp, err := e.Search(ctx, model.SearchRequest{
			Semantic: &model.SemanticQuery{Query: "old"},
		})
		require.NoError(t, err)
		assert.Empty(t, resp.Results)

		resp, err = e.Search(ctx, model.SearchRequest{
			Structural: map[string]string{"metadata.category": "beta"},
		})
		require.NoError(t, err)
		require.Len(t, resp.Results, 1)
		assert.Equal(t, "d1", resp.Results[0].ID)
	})

	t.Run("Delete", func(t *testing.T) {
		e := newTestEngine(t)
		putDocs(t, e)

		require.NoError(t, e.Delete(ctx, "tech", "d1"))

		resp, err := e.Search(ctx, model.SearchRequest{
			Semantic: &model.SemanticQuery{Query: "vector"},
		})
		require.NoError(t, err)
		for _, r := range resp.Results {
			assert.NotEqual(t, "d1", r.ID)
		}
	})

	t.Run("BulkWrite", func(t *testing.T) {
		e := newTestEngine(t)

		ops := []WriteOp{
			{Collection: "tech", ID: "b1", Document: &model.Document{Content: "first bulk doc"}},
			{Collection: "tech", ID: "b2", Document: &model.Document{Content: "second bulk doc"}},
			{Collection: "tech", ID: "b1", Document: nil}, // delete partition
		}
		require.NoError(t, e.BulkWrite(ctx, ops))

		resp, err := e.Search(ctx, model.SearchRequest{
			Semantic: &model.SemanticQuery{Query: "bulk"},
		})
		require.NoError(t, err)
		require.Len(t, resp.Results, 1)
		assert.Equal(t, "b2", resp.Results[0].ID)
	})

	t.Run("DocumentStoreHydration", func(t *testing.T) {
		store := newMemoryStore()
		e := newTestEngine(t, WithDocumentStore(store))
		putDocs(t, e)

		resp, err := e.Search(ctx, model.SearchRequest{
			Semantic: &model.SemanticQuery{Query: "knowledge"},
		})
		require.NoError(t, err)
		require.Len(t, resp.Results, 1)
		require.NotNil(t, resp.Results[0].Document)
		assert.Equal(t, "knowledge base", resp.Results[0].Document.Content)
		assert.NotEmpty(t, resp.Results[0].Citation.Checksum)

		doc, err := e.Get(ctx, "d2")
		require.NoError(t, err)
		assert.Equal(t, "knowledge base", doc["content"])

		snapshot, err := e.Snapshot(ctx)
		require.NoError(t, err)
		assert.Len(t, snapshot, 3)
	})

	t.Run("StructuralRehydration", func(t *testing.T) {
		dir := t.TempDir()
		store := newMemoryStore()

		e, err := New(dir, WithEmbedder(&testutil.HashEmbedder{Dimension: 8}), WithDocumentStore(store))
		require.NoError(t, err)
		require.NoError(t, e.Put(ctx, "tech", "d1", &model.Document{
			Content:    "vector search",
			Attributes: map[string]any{"type": "article"},
		}))
		require.NoError(t, e.Close())

		e2, err := New(dir, WithEmbedder(&testutil.HashEmbedder{Dimension: 8}), WithDocumentStore(store))
		require.NoError(t, err)
		t.Cleanup(func() { _ = e2.Close() })

		resp, err := e2.Search(ctx, model.SearchRequest{
			Structural: map[string]string{"type": "article"},
		})
		require.NoError(t, err)
		require.Len(t, resp.Results, 1)
		assert.Equal(t, "d1", resp.Results[0].ID)
	})

	t.Run("MaintenanceRebuilds", func(t *testing.T) {
		e := newTestEngine(t)
		putDocs(t, e)

		require.NoError(t, e.Delete(ctx, "tech", "d1"))
		require.NoError(t, e.Delete(ctx, "tech", "d2"))

		stats, err := e.VectorStats(ctx)
		require.NoError(t, err)
		assert.Greater(t, stats.TombstoneRatio, 0.3)

		rebuilt, err := e.Maintenance(ctx)
		require.NoError(t, err)
		assert.True(t, rebuilt)

		stats, err = e.VectorStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0.0, stats.TombstoneRatio)
	})

	t.Run("ClosedEngineRejectsOperations", func(t *testing.T) {
		e := newTestEngine(t)
		require.NoError(t, e.Close())

		err := e.Put(ctx, "c", "id", &model.Document{Content: "x"})
		require.ErrorIs(t, err, ErrNotInitialized)

		_, err = e.Search(ctx, model.SearchRequest{})
		require.ErrorIs(t, err, ErrNotInitialized)

		// Close is idempotent
		require.NoError(t, e.Close())
	})

	t.Run("ExpiredDeadlineRejectedBeforeStart", func(t *testing.T) {
		e := newTestEngine(t)

		expired, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
		defer cancel()

		err := e.Put(expired, "c", "id", &model.Document{Content: "x"})
		require.ErrorIs(t, err, ErrTimedOut)
	})

	t.Run("NoDocumentStore", func(t *testing.T) {
		e := newTestEngine(t)

		_, err := e.Get(ctx, "d1")
		require.ErrorIs(t, err, ErrNoDocumentStore)

		_, err = e.Snapshot(ctx)
		require.ErrorIs(t, err, ErrNoDocumentStore)
	})

	t.Run("AutoSave", func(t *testing.T) {
		e := newTestEngine(t, WithAutoSave(50*time.Millisecond))

		require.NoError(t, e.Put(ctx, "tech", "d1", &model.Document{Content: "vector search"}))

		require.Eventually(t, func() bool {
			stats, err := e.VectorStats(ctx)
			return err == nil && stats.ActiveVectors == 1 && !e.vectorLayer.Dirty()
		}, 3*time.Second, 25*time.Millisecond, "auto-save must clear the dirty flag")
	})

	t.Run("SaveAndReopen", func(t *testing.T) {
		dir := t.TempDir()

		e, err := New(dir, WithEmbedder(&testutil.HashEmbedder{Dimension: 8}))
		require.NoError(t, err)
		putDocs(t, e)
		require.NoError(t, e.Save(ctx))
		require.NoError(t, e.Close())

		e2, err := New(dir, WithEmbedder(&testutil.HashEmbedder{Dimension: 8}))
		require.NoError(t, err)
		t.Cleanup(func() { _ = e2.Close() })

		resp, err := e2.Search(ctx, model.SearchRequest{
			Semantic: &model.SemanticQuery{Query: "vector search", UseEmbedding: true},
		})
		require.NoError(t, err)
		require.NotEmpty(t, resp.Results)
		assert.Equal(t, "d1", resp.Results[0].ID)
	})
}

func TestPartialIndexErrorMask(t *testing.T) {
	assert.Equal(t, "structural", LayerStructural.String())
	assert.Equal(t, "structural,vector", (LayerStructural | LayerVector).String())
	assert.Equal(t, "none", IndexLayer(0).String())

	err := &PartialIndexError{Failed: LayerFullText}
	assert.Contains(t, err.Error(), "fulltext")
}
