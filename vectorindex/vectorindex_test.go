package vectorindex

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/hybrigo/generation"
	"github.com/hupe1980/hybrigo/hnsw"
	"github.com/hupe1980/hybrigo/internal/fs"
)

func openTestLayer(t *testing.T, base string, optFns ...func(o *Options)) *Layer {
	t.Helper()

	l, err := Open(base, append([]func(o *Options){func(o *Options) {
		o.Dimension = 4
		o.Space = hnsw.SpaceInnerProduct
	}}, optFns...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	return l
}

func TestUpsertAndRecall(t *testing.T) {
	ctx := context.Background()
	l := openTestLayer(t, t.TempDir())

	require.NoError(t, l.Upsert(ctx, "a", []float32{1, 0, 0, 0}, nil))

	hits, err := l.Search(ctx, []float32{1, 0, 0, 0}, 1, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].DocID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)

	stats, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SidecarCount)
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	l := openTestLayer(t, t.TempDir())

	// Already unit length, so normalization leaves it untouched.
	vec := []float32{0, 1, 0, 0}
	require.NoError(t, l.Upsert(ctx, "a", vec, map[string]any{"k": "v"}))

	rec, err := l.GetVector(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, vec, rec.Vector)
	assert.Equal(t, "v", rec.Metadata["k"])
	assert.True(t, rec.Normalized)
}

func TestIdempotentUpsert(t *testing.T) {
	ctx := context.Background()
	l := openTestLayer(t, t.TempDir())

	require.NoError(t, l.Upsert(ctx, "a", []float32{1, 0, 0, 0}, nil))
	require.NoError(t, l.Upsert(ctx, "a", []float32{1, 0, 0, 0}, nil))

	stats, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), stats.NextLabel, "identical payload must not allocate a new label")
	assert.Equal(t, 1, stats.ActiveVectors)
	assert.Equal(t, 0.0, stats.TombstoneRatio)
}

func TestTombstoneAfterUpdate(t *testing.T) {
	ctx := context.Background()
	l := openTestLayer(t, t.TempDir())

	require.NoError(t, l.Upsert(ctx, "a", []float32{1, 0, 0, 0}, nil))
	require.NoError(t, l.Upsert(ctx, "a", []float32{0, 1, 0, 0}, nil))

	hits, err := l.Search(ctx, []float32{1, 0, 0, 0}, 5, SearchOptions{WithVector: true})
	require.NoError(t, err)
	require.Len(t, hits, 1, "exactly one hit for the logical document")
	assert.Equal(t, "a", hits[0].DocID)
	assert.Equal(t, []float32{0, 1, 0, 0}, hits[0].Vector)

	stats, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), stats.NextLabel)
	assert.Equal(t, 1, stats.ActiveVectors)
	assert.Equal(t, 0.5, stats.TombstoneRatio)

	// Rebuild reclaims the tombstone and renumbers densely.
	require.NoError(t, l.Rebuild(ctx, nil))

	stats, err = l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), stats.NextLabel)
	assert.Equal(t, 0.0, stats.TombstoneRatio)

	hits, err = l.Search(ctx, []float32{1, 0, 0, 0}, 5, SearchOptions{WithVector: true})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].DocID)
	assert.Equal(t, []float32{0, 1, 0, 0}, hits[0].Vector)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	l := openTestLayer(t, t.TempDir())

	require.NoError(t, l.Upsert(ctx, "a", []float32{1, 0, 0, 0}, nil))
	require.NoError(t, l.Upsert(ctx, "b", []float32{0, 1, 0, 0}, nil))
	require.NoError(t, l.Delete(ctx, "a"))

	hits, err := l.Search(ctx, []float32{1, 0, 0, 0}, 5, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].DocID)

	// Idempotent
	require.NoError(t, l.Delete(ctx, "a"))
}

func TestSearchFilterAndMinScore(t *testing.T) {
	ctx := context.Background()
	l := openTestLayer(t, t.TempDir())

	require.NoError(t, l.Upsert(ctx, "a", []float32{1, 0, 0, 0}, nil))
	require.NoError(t, l.Upsert(ctx, "b", []float32{0, 1, 0, 0}, nil))

	hits, err := l.Search(ctx, []float32{1, 0, 0, 0}, 5, SearchOptions{
		Filter: func(docID string) bool { return docID != "a" },
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].DocID)

	hits, err = l.Search(ctx, []float32{1, 0, 0, 0}, 5, SearchOptions{MinScore: 0.9})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].DocID)
}

func TestSaveAndReload(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()

	l := openTestLayer(t, base)
	require.NoError(t, l.Upsert(ctx, "a", []float32{1, 0, 0, 0}, nil))
	require.NoError(t, l.Upsert(ctx, "b", []float32{0, 1, 0, 0}, nil))

	assert.True(t, l.Dirty())
	require.NoError(t, l.Save(ctx))
	assert.False(t, l.Dirty())

	// The meta sidecar file is written alongside the generation.
	data, err := fs.Default.ReadFile(filepath.Join(base, "vectors.meta.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"dimensions": 4`)
	assert.Contains(t, string(data), `"space": "inner_product"`)

	require.NoError(t, l.Close())

	l2 := openTestLayer(t, base)

	hits, err := l2.Search(ctx, []float32{1, 0, 0, 0}, 1, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].DocID)
}

func TestRebuildEquivalence(t *testing.T) {
	ctx := context.Background()
	l := openTestLayer(t, t.TempDir())

	docs := map[string][]float32{
		"a": {1, 0, 0, 0},
		"b": {0, 1, 0, 0},
		"c": {0, 0, 1, 0},
		"d": {0, 0, 0, 1},
	}
	for id, vec := range docs {
		require.NoError(t, l.Upsert(ctx, id, vec, nil))
	}
	require.NoError(t, l.Delete(ctx, "d"))

	check := func() {
		for id, vec := range docs {
			if id == "d" {
				continue
			}
			hits, err := l.Search(ctx, vec, 1, SearchOptions{})
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.Equal(t, id, hits[0].DocID, "own vector must return the doc at rank 1")
			assert.GreaterOrEqual(t, hits[0].Score, 1-1e-3)
		}
	}

	check()

	var lastDone, lastTotal int
	require.NoError(t, l.Rebuild(ctx, func(done, total int) { lastDone, lastTotal = done, total }))
	assert.Equal(t, 3, lastDone)
	assert.Equal(t, 3, lastTotal)

	check()
}

func TestMaintenance(t *testing.T) {
	ctx := context.Background()
	l := openTestLayer(t, t.TempDir())

	require.NoError(t, l.Upsert(ctx, "a", []float32{1, 0, 0, 0}, nil))
	require.NoError(t, l.Upsert(ctx, "b", []float32{0, 1, 0, 0}, nil))
	require.NoError(t, l.Upsert(ctx, "c", []float32{0, 0, 1, 0}, nil))

	rebuilt, err := l.Maintenance(ctx)
	require.NoError(t, err)
	assert.False(t, rebuilt, "ratio below threshold must not rebuild")

	require.NoError(t, l.Delete(ctx, "b"))
	require.NoError(t, l.Delete(ctx, "c"))

	assert.Greater(t, l.TombstoneRatio(), 0.3)

	rebuilt, err = l.Maintenance(ctx)
	require.NoError(t, err)
	assert.True(t, rebuilt)
	assert.Equal(t, 0.0, l.TombstoneRatio())
}

func TestInconsistentMetadata(t *testing.T) {
	base := t.TempDir()

	l := openTestLayer(t, base)
	require.NoError(t, l.Upsert(context.Background(), "a", []float32{1, 0, 0, 0}, nil))
	require.NoError(t, l.Close())

	_, err := Open(base, func(o *Options) {
		o.Dimension = 4
		o.Space = hnsw.SpaceL2
	})
	var im *ErrInconsistentMetadata
	require.ErrorAs(t, err, &im)
	assert.Equal(t, "space", im.Field)
}

func TestLockHeld(t *testing.T) {
	base := t.TempDir()

	_ = openTestLayer(t, base)

	_, err := Open(base, func(o *Options) {
		o.Dimension = 4
		o.Space = hnsw.SpaceInnerProduct
	})
	require.ErrorIs(t, err, generation.ErrLockHeld)
}

// TestCrashSafePublish exercises the publish fallback chain: the first and
// second strategies fail, the third succeeds, and after a restart the new
// generation is active with every document queryable.
func TestCrashSafePublish(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	faulty := fs.NewFaultyFS(nil)

	l := openTestLayer(t, base, func(o *Options) {
		o.GenerationOptions = []func(o *generation.Options){
			func(o *generation.Options) {
				o.FS = faulty
				o.Backoff = nil
			},
		}
	})

	vecs := make(map[string][]float32, 100)
	for i := 0; i < 100; i++ {
		vec := []float32{float32(i + 1), float32(i % 7), float32(i % 3), 1}
		id := string(rune('0'+i/10)) + string(rune('0'+i%10))
		vecs[id] = vec
		require.NoError(t, l.Upsert(ctx, id, vec, nil))
	}

	// Strategy a writes <base>/vectors-...; strategy b needs chdir into
	// base. Both fail; the local-write-plus-move path carries the save.
	faulty.SetFault(filepath.Join(base, "vectors-"), fs.Fault{FailOpen: true, FailWrite: true})
	faulty.SetFault(base, fs.Fault{FailChdir: true})

	require.NoError(t, l.Save(ctx))

	faulty.ClearFaults()
	require.NoError(t, l.Close())

	// Restart: resolve_current returns the new generation and all 100
	// documents are queryable.
	l2 := openTestLayer(t, base)

	for id, vec := range vecs {
		hits, err := l2.Search(ctx, vec, 1, SearchOptions{})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, id, hits[0].DocID)
	}
}

// TestCrashBeforeSaveRecovers covers the complementary case: every publish
// strategy fails (simulating a crash mid-save), CURRENT stays on the old
// generation, and a fresh open reconciles the graph from the durable
// sidecar state.
func TestCrashBeforeSaveRecovers(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	faulty := fs.NewFaultyFS(nil)

	genOpts := []func(o *generation.Options){
		func(o *generation.Options) {
			o.FS = faulty
			o.Backoff = nil
		},
	}

	l := openTestLayer(t, base, func(o *Options) { o.GenerationOptions = genOpts })

	require.NoError(t, l.Upsert(ctx, "a", []float32{1, 0, 0, 0}, nil))
	require.NoError(t, l.Save(ctx))

	require.NoError(t, l.Upsert(ctx, "b", []float32{0, 1, 0, 0}, nil))

	faulty.SetFault("vectors-", fs.Fault{FailOpen: true, FailWrite: true, FailRename: true})
	faulty.SetFault(base, fs.Fault{FailChdir: true})

	require.ErrorIs(t, l.Save(ctx), generation.ErrPersistenceFailed)

	faulty.ClearFaults()
	require.NoError(t, l.Close())

	l2 := openTestLayer(t, base)

	for id, vec := range map[string][]float32{"a": {1, 0, 0, 0}, "b": {0, 1, 0, 0}} {
		hits, err := l2.Search(ctx, vec, 1, SearchOptions{})
		require.NoError(t, err)
		require.Len(t, hits, 1, "doc %s must survive the failed save", id)
		assert.Equal(t, id, hits[0].DocID)
	}
}

func TestDimensionAndZeroVectorValidation(t *testing.T) {
	ctx := context.Background()
	l := openTestLayer(t, t.TempDir())

	err := l.Upsert(ctx, "a", []float32{1, 0}, nil)
	require.Error(t, err)

	err = l.Upsert(ctx, "a", []float32{0, 0, 0, 0}, nil)
	require.Error(t, err)
}
