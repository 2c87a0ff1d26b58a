// Package vectorindex composes the HNSW graph, the sidecar store and the
// generation manager into a durable vector index layer.
//
// The layer owns the doc_id <-> label bijections, vector normalization,
// content-hash deduplication, tombstone accounting and index rebuild. The
// sidecar is the canonical truth: on startup the bijections are rebuilt from
// it and the graph is reconciled against it.
package vectorindex

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/hupe1980/hybrigo/generation"
	"github.com/hupe1980/hybrigo/hnsw"
	"github.com/hupe1980/hybrigo/sidecar"
)

const (
	// defaultStem names the index files inside the base directory.
	defaultStem = "vectors"

	// defaultRebuildThreshold is the tombstone ratio that triggers a rebuild
	// during maintenance.
	defaultRebuildThreshold = 0.3

	// rebuildMinInterval bounds how often automatic maintenance may rebuild.
	rebuildMinInterval = time.Minute
)

// Options configures the Layer.
type Options struct {
	// Dimension is the vector dimensionality (required).
	Dimension int

	// Space is the distance space. Vectors are unit-normalized for
	// inner-product and cosine spaces.
	Space hnsw.Space

	// Stem names the on-disk files (<stem>.db, <stem>-....idx, <stem>.lock,
	// <stem>.meta.json).
	Stem string

	// HNSW tuning.
	M              int
	EFConstruction int
	EFSearch       int
	MaxElements    int
	RandomSeed     *int64

	// RebuildThreshold is the tombstone ratio above which Maintenance
	// rebuilds the graph.
	RebuildThreshold float64

	// ModelVersion is recorded on every sidecar row.
	ModelVersion string

	// Logger receives structured logs. Nil discards.
	Logger *slog.Logger

	// GenerationOptions tune the generation manager (tests inject failing
	// filesystems and short backoffs through this).
	GenerationOptions []func(o *generation.Options)

	// DisableLock skips the advisory write lock. Tests opening several
	// layers over the same directory need this.
	DisableLock bool
}

// SearchOptions configures Search.
type SearchOptions struct {
	// EF overrides the search breadth.
	EF int

	// Filter drops documents for which it returns false.
	Filter func(docID string) bool

	// MinScore drops hits scoring below it.
	MinScore float64

	// WithMetadata hydrates hit metadata from the sidecar.
	WithMetadata bool

	// WithVector hydrates the stored vector from the sidecar.
	WithVector bool
}

// Hit is one search result.
type Hit struct {
	DocID    string
	Label    uint32
	Score    float64
	Distance float32
	Vector   []float32
	Metadata map[string]any
}

// Stats describes the layer state.
type Stats struct {
	NextLabel      uint32    `json:"next_label"`
	ActiveVectors  int       `json:"active_vectors"`
	DeletedVectors int       `json:"deleted_vectors"`
	TombstoneRatio float64   `json:"tombstone_ratio"`
	SidecarCount   int       `json:"sidecar_count"`
	SidecarBytes   int64     `json:"sidecar_bytes"`
	LastUpdate     time.Time `json:"last_update"`
}

// Layer is the durable vector index.
type Layer struct {
	opts Options

	base    string
	sidecar *sidecar.Store
	genmgr  *generation.Manager
	logger  *slog.Logger

	// mu guards the bijections, nextLabel and index swaps (rebuild).
	mu         sync.RWMutex
	index      *hnsw.HNSW
	docToLabel map[string]uint32
	labelToDoc map[uint32]string
	nextLabel  uint32

	// saveMu serializes overlapping saves (auto-save vs explicit).
	saveMu sync.Mutex
	dirty  atomic.Bool

	rebuildLimiter *rate.Limiter
}

// Open opens (or creates) a vector layer in the base directory.
func Open(base string, optFns ...func(o *Options)) (*Layer, error) {
	opts := Options{
		Stem:             defaultStem,
		RebuildThreshold: defaultRebuildThreshold,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("vectorindex: invalid dimension: %d", opts.Dimension)
	}
	if opts.Stem == "" {
		opts.Stem = defaultStem
	}
	if opts.RebuildThreshold <= 0 {
		opts.RebuildThreshold = defaultRebuildThreshold
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(discardHandler{})
	}

	genmgr, err := generation.New(base, opts.Stem, opts.GenerationOptions...)
	if err != nil {
		return nil, err
	}

	if !opts.DisableLock {
		if err := genmgr.Lock(); err != nil {
			return nil, err
		}
	}

	sc, err := sidecar.Open(filepath.Join(base, opts.Stem+".db"), opts.Dimension)
	if err != nil {
		_ = genmgr.Unlock()
		return nil, err
	}

	l := &Layer{
		opts:           opts,
		base:           base,
		sidecar:        sc,
		genmgr:         genmgr,
		logger:         logger,
		docToLabel:     make(map[string]uint32),
		labelToDoc:     make(map[uint32]string),
		rebuildLimiter: rate.NewLimiter(rate.Every(rebuildMinInterval), 1),
	}

	if err := l.load(context.Background()); err != nil {
		_ = sc.Close()
		_ = genmgr.Unlock()
		return nil, err
	}

	return l, nil
}

// Close releases the sidecar handle and the write lock.
func (l *Layer) Close() error {
	err := l.sidecar.Close()
	if uerr := l.genmgr.Unlock(); err == nil {
		err = uerr
	}
	return err
}

// Dimension returns the configured dimensionality.
func (l *Layer) Dimension() int { return l.opts.Dimension }

// Space returns the configured distance space.
func (l *Layer) Space() hnsw.Space { return l.opts.Space }

// Dirty reports whether there are unsaved changes.
func (l *Layer) Dirty() bool { return l.dirty.Load() }

// SetEF adjusts the default search breadth.
func (l *Layer) SetEF(ef int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.index.SetEF(ef)
}

// contentHash fingerprints a vector payload for idempotent upserts.
func contentHash(vector []float32, metadata map[string]any) string {
	h := sha256.New()

	var buf [4]byte
	for _, f := range vector {
		bits := math.Float32bits(f)
		buf[0] = byte(bits)
		buf[1] = byte(bits >> 8)
		buf[2] = byte(bits >> 16)
		buf[3] = byte(bits >> 24)
		h.Write(buf[:])
	}

	if len(metadata) > 0 {
		if b, err := json.Marshal(metadata); err == nil {
			h.Write(b)
		}
	}

	return hex.EncodeToString(h.Sum(nil))
}

// prepare validates and, for normalized spaces, unit-normalizes a copy of v.
func (l *Layer) prepare(v []float32) ([]float32, error) {
	if len(v) != l.opts.Dimension {
		return nil, &sidecar.ErrDimensionMismatch{Expected: l.opts.Dimension, Actual: len(v)}
	}

	vec := make([]float32, len(v))
	copy(vec, v)

	if l.opts.Space.Normalized() {
		var norm2 float32
		for _, f := range vec {
			norm2 += f * f
		}
		if norm2 == 0 {
			return nil, &hnsw.ErrZeroVector{}
		}
		norm := float32(math.Sqrt(float64(norm2)))
		if math.Abs(float64(norm)-1) > 1e-2 {
			inv := 1 / norm
			for i := range vec {
				vec[i] *= inv
			}
		}
	}

	return vec, nil
}

// Upsert inserts or replaces the vector for a document. Replacement assigns
// a fresh label and tombstones the old one; identical payloads are skipped
// without allocating a label.
func (l *Layer) Upsert(ctx context.Context, docID string, vector []float32, metadata map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	vec, err := l.prepare(vector)
	if err != nil {
		return err
	}

	hash := contentHash(vec, metadata)

	l.mu.Lock()
	defer l.mu.Unlock()

	oldLabel, exists := l.docToLabel[docID]
	if exists {
		// Dedup: identical payload for the same document is a no-op.
		if rec, err := l.sidecar.GetVector(ctx, docID); err == nil && rec.ContentHash == hash {
			return nil
		}
	}

	newLabel := l.nextLabel

	if err := l.index.Add(vec, newLabel); err != nil {
		return fmt.Errorf("vectorindex: adding to graph: %w", err)
	}

	rec := sidecar.Record{
		DocID:        docID,
		Label:        newLabel,
		Vector:       vec,
		Metadata:     metadata,
		ContentHash:  hash,
		ModelVersion: l.opts.ModelVersion,
		Normalized:   l.opts.Space.Normalized(),
	}
	if err := l.sidecar.SaveVector(ctx, rec); err != nil {
		// The graph point stays behind as a tombstone; the mapping was
		// never published so readers cannot resolve it.
		l.index.MarkDeleted(newLabel)
		l.nextLabel = newLabel + 1
		return fmt.Errorf("vectorindex: saving sidecar: %w", err)
	}

	if exists {
		l.index.MarkDeleted(oldLabel)
		delete(l.labelToDoc, oldLabel)
	}

	// The bijection is updated only after graph insert and sidecar commit
	// both succeeded, so a reader never resolves a label that is not
	// durable yet.
	l.docToLabel[docID] = newLabel
	l.labelToDoc[newLabel] = docID
	l.nextLabel = newLabel + 1

	l.dirty.Store(true)
	l.logger.DebugContext(ctx, "upsert completed", "doc_id", docID, "label", newLabel)

	return nil
}

// Delete drops the mapping and the sidecar row. The graph retains a
// tombstone until the next rebuild.
func (l *Layer) Delete(ctx context.Context, docID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	label, ok := l.docToLabel[docID]
	if !ok {
		return nil
	}

	if err := l.sidecar.RemoveVector(ctx, docID); err != nil {
		return fmt.Errorf("vectorindex: removing sidecar row: %w", err)
	}

	l.index.MarkDeleted(label)
	delete(l.docToLabel, docID)
	delete(l.labelToDoc, label)

	l.dirty.Store(true)
	l.logger.DebugContext(ctx, "delete completed", "doc_id", docID, "label", label)

	return nil
}

// GetVector returns the stored vector and metadata for a document.
func (l *Layer) GetVector(ctx context.Context, docID string) (*sidecar.Record, error) {
	return l.sidecar.GetVector(ctx, docID)
}

// GetLabel returns the label currently mapped to a document.
func (l *Layer) GetLabel(docID string) (uint32, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	label, ok := l.docToLabel[docID]
	return label, ok
}

// distanceToScore maps a raw distance to a monotonically non-increasing
// score in [0, 1] suitable for fusion with the other index layers.
func (l *Layer) distanceToScore(d float32) float64 {
	switch l.opts.Space {
	case hnsw.SpaceInnerProduct:
		return (2 - float64(d)) / 2
	case hnsw.SpaceCosine:
		return 1 - float64(d)/2
	default:
		return 1 / (1 + float64(d))
	}
}

// Search returns up to k documents nearest to query. Tombstoned labels are
// filtered; the graph is over-fetched (2k) so k survivors remain available
// when possible.
func (l *Layer) Search(ctx context.Context, query []float32, k int, opts SearchOptions) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, fmt.Errorf("vectorindex: k must be positive")
	}

	l.mu.RLock()
	index := l.index
	active := index.ActiveCount()

	kEff := 2 * k
	if active < kEff {
		kEff = active
	}

	if kEff == 0 {
		l.mu.RUnlock()
		return nil, nil
	}

	results, err := index.KNNSearch(query, kEff, opts.EF)
	if err != nil {
		l.mu.RUnlock()
		return nil, err
	}

	hits := make([]Hit, 0, k)
	for _, r := range results {
		docID, ok := l.labelToDoc[r.Label]
		if !ok {
			// Tombstone: label no longer resolves to a live document
			continue
		}

		score := l.distanceToScore(r.Distance)
		if opts.MinScore > 0 && score < opts.MinScore {
			continue
		}
		if opts.Filter != nil && !opts.Filter(docID) {
			continue
		}

		hits = append(hits, Hit{DocID: docID, Label: r.Label, Score: score, Distance: r.Distance})
		if len(hits) == k {
			break
		}
	}
	l.mu.RUnlock()

	if opts.WithMetadata || opts.WithVector {
		for i := range hits {
			rec, err := l.sidecar.GetVector(ctx, hits[i].DocID)
			if err != nil {
				continue
			}
			if opts.WithMetadata {
				hits[i].Metadata = rec.Metadata
			}
			if opts.WithVector {
				hits[i].Vector = rec.Vector
			}
		}
	}

	return hits, nil
}

// Stats returns tombstone accounting and sidecar totals.
func (l *Layer) Stats(ctx context.Context) (Stats, error) {
	l.mu.RLock()
	next := l.nextLabel
	active := len(l.docToLabel)
	l.mu.RUnlock()

	s := Stats{
		NextLabel:      next,
		ActiveVectors:  active,
		DeletedVectors: int(next) - active,
	}
	if next > 0 {
		s.TombstoneRatio = float64(int(next)-active) / float64(next)
	}

	scStats, err := l.sidecar.Stats(ctx)
	if err != nil {
		return s, err
	}
	s.SidecarCount = scStats.Count
	s.SidecarBytes = scStats.TotalBytes
	s.LastUpdate = scStats.LastUpdate

	return s, nil
}

// TombstoneRatio returns (next_label - active) / next_label.
func (l *Layer) TombstoneRatio() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.nextLabel == 0 {
		return 0
	}
	return float64(int(l.nextLabel)-len(l.docToLabel)) / float64(l.nextLabel)
}

// discardHandler drops all log records.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }

// sortedChecksum fingerprints the live doc_id set for the save protocol.
func sortedChecksum(ids []string) string {
	sort.Strings(ids)

	h := sha256.New()
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil))
}
