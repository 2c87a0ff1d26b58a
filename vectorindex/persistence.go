package vectorindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/hupe1980/hybrigo/hnsw"
)

const (
	metaKeyDimensions = "dimensions"
	metaKeySpace      = "space"
	metaKeyTotals     = "total_vectors"
	metaKeyActive     = "active_vectors"
	metaKeyChecksum   = "doc_checksum"
)

// ErrInconsistentMetadata indicates that the persisted index does not match
// the configured dimension or space.
type ErrInconsistentMetadata struct {
	Field    string
	Expected string
	Actual   string
}

func (e *ErrInconsistentMetadata) Error() string {
	return fmt.Sprintf("vectorindex: inconsistent metadata: %s is %q, configured %q", e.Field, e.Actual, e.Expected)
}

// Meta is the sidecar <stem>.meta.json document.
type Meta struct {
	Dimensions     int    `json:"dimensions"`
	Space          string `json:"space"`
	Normalized     bool   `json:"normalized"`
	TotalVectors   uint32 `json:"total_vectors"`
	ActiveVectors  int    `json:"active_vectors"`
	DeletedVectors int    `json:"deleted_vectors"`
	SavedAt        string `json:"saved_at"`
	GenerationPath string `json:"generation_path"`
}

// load opens the active generation (if any), verifies metadata, rehydrates
// the bijections from the sidecar and reconciles graph and sidecar.
func (l *Layer) load(ctx context.Context) error {
	if err := l.checkMeta(ctx); err != nil {
		return err
	}

	var index *hnsw.HNSW
	if path, ok := l.genmgr.ResolveCurrent(); ok {
		loaded, err := l.loadGeneration(path)
		if err != nil {
			return err
		}
		index = loaded
	} else {
		fresh, err := l.newIndex()
		if err != nil {
			return err
		}
		index = fresh
	}

	if index.Dimension() != l.opts.Dimension {
		return &ErrInconsistentMetadata{
			Field:    "dimensions",
			Expected: strconv.Itoa(l.opts.Dimension),
			Actual:   strconv.Itoa(index.Dimension()),
		}
	}
	if index.Space() != l.opts.Space {
		return &ErrInconsistentMetadata{
			Field:    "space",
			Expected: l.opts.Space.String(),
			Actual:   index.Space().String(),
		}
	}

	mappings, err := l.sidecar.AllMappings(ctx)
	if err != nil {
		return err
	}

	l.index = index

	// The sidecar is durable on every upsert while the graph persists only
	// on save, so after a crash the sidecar may be ahead. Rebuild the graph
	// from the sidecar in that case.
	behind := false
	for _, m := range mappings {
		if m.Label >= index.NextLabel() {
			behind = true
			break
		}
	}

	if behind {
		l.logger.WarnContext(ctx, "graph behind sidecar, rebuilding from durable state",
			"graph_count", index.Count(), "sidecar_count", len(mappings))
		if err := l.rebuildLocked(ctx, nil, false); err != nil {
			return err
		}
		l.dirty.Store(true)
	} else {
		for _, m := range mappings {
			l.docToLabel[m.DocID] = m.Label
			l.labelToDoc[m.Label] = m.DocID
		}

		// Labels present in the graph but absent from the sidecar are
		// tombstones (deletes and replaced labels).
		for label := uint32(0); label < index.NextLabel(); label++ {
			if _, ok := l.labelToDoc[label]; !ok {
				index.MarkDeleted(label)
			}
		}

		l.nextLabel = index.NextLabel()
	}

	return l.selfCheck(ctx)
}

// checkMeta compares the persisted dimension/space against the
// configuration, failing fast on mismatch, and records them on first open.
func (l *Layer) checkMeta(ctx context.Context) error {
	dim, ok, err := l.sidecar.GetMeta(ctx, metaKeyDimensions)
	if err != nil {
		return err
	}
	if ok && dim != strconv.Itoa(l.opts.Dimension) {
		return &ErrInconsistentMetadata{Field: "dimensions", Expected: strconv.Itoa(l.opts.Dimension), Actual: dim}
	}

	space, ok, err := l.sidecar.GetMeta(ctx, metaKeySpace)
	if err != nil {
		return err
	}
	if ok && space != l.opts.Space.String() {
		return &ErrInconsistentMetadata{Field: "space", Expected: l.opts.Space.String(), Actual: space}
	}

	if err := l.sidecar.PutMeta(ctx, metaKeyDimensions, strconv.Itoa(l.opts.Dimension)); err != nil {
		return err
	}
	return l.sidecar.PutMeta(ctx, metaKeySpace, l.opts.Space.String())
}

// selfCheck probes the index so misconfiguration fails at startup, not at
// the first query.
func (l *Layer) selfCheck(ctx context.Context) error {
	if len(l.docToLabel) != l.index.ActiveCount() {
		return fmt.Errorf("vectorindex: self-check failed: %d mappings but %d active graph points",
			len(l.docToLabel), l.index.ActiveCount())
	}

	// Probe the knn return shape with a stored vector.
	for docID := range l.docToLabel {
		rec, err := l.sidecar.GetVector(ctx, docID)
		if err != nil {
			return fmt.Errorf("vectorindex: self-check failed: %w", err)
		}

		results, err := l.index.KNNSearch(rec.Vector, 1, 0)
		if err != nil {
			return fmt.Errorf("vectorindex: self-check probe failed: %w", err)
		}
		if len(results) == 0 {
			return fmt.Errorf("vectorindex: self-check probe returned no results")
		}
		if _, ok := l.labelToDoc[results[0].Label]; !ok {
			return fmt.Errorf("vectorindex: self-check probe returned unmapped label %d", results[0].Label)
		}
		break
	}

	return nil
}

func (l *Layer) newIndex() (*hnsw.HNSW, error) {
	return hnsw.New(l.opts.Dimension, l.opts.Space, func(o *hnsw.Options) {
		if l.opts.M > 0 {
			o.M = l.opts.M
		}
		if l.opts.EFConstruction > 0 {
			o.EFConstruction = l.opts.EFConstruction
		}
		if l.opts.EFSearch > 0 {
			o.EFSearch = l.opts.EFSearch
		}
		if l.opts.MaxElements > 0 {
			o.MaxElements = l.opts.MaxElements
		}
		o.RandomSeed = l.opts.RandomSeed
	})
}

// writeGeneration returns the write function handed to the generation
// manager. The payload is the gob-encoded graph behind a zstd frame.
func (l *Layer) writeGeneration(index *hnsw.HNSW) func(path string) error {
	return func(path string) error {
		f, err := l.genmgr.FS().OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}

		zw, err := zstd.NewWriter(f)
		if err != nil {
			_ = f.Close()
			return err
		}

		if err := index.Save(zw); err != nil {
			_ = zw.Close()
			_ = f.Close()
			return err
		}

		if err := zw.Close(); err != nil {
			_ = f.Close()
			return err
		}

		if err := f.Sync(); err != nil && !errors.Is(err, os.ErrPermission) {
			_ = f.Close()
			return err
		}

		return f.Close()
	}
}

func (l *Layer) loadGeneration(path string) (*hnsw.HNSW, error) {
	f, err := l.genmgr.FS().OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: opening generation: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: opening zstd stream: %w", err)
	}
	defer zr.Close()

	index, err := hnsw.Load(zr)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: loading generation: %w", err)
	}

	return index, nil
}

// Save publishes a new generation reflecting the mapping state at save
// time. The ordered protocol: sidecar stats first, then the generation
// publish, then best-effort checkpoint, then the meta sidecar file.
func (l *Layer) Save(ctx context.Context) error {
	l.saveMu.Lock()
	defer l.saveMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.RLock()
	index := l.index
	next := l.nextLabel
	active := len(l.docToLabel)
	ids := make([]string, 0, active)
	for docID := range l.docToLabel {
		ids = append(ids, docID)
	}
	l.mu.RUnlock()

	// Step 1: durable totals + checksum of the live doc_id set.
	if err := l.sidecar.PutMeta(ctx, metaKeyTotals, strconv.FormatUint(uint64(next), 10)); err != nil {
		return err
	}
	if err := l.sidecar.PutMeta(ctx, metaKeyActive, strconv.Itoa(active)); err != nil {
		return err
	}
	if err := l.sidecar.PutMeta(ctx, metaKeyChecksum, sortedChecksum(ids)); err != nil {
		return err
	}

	// Step 2: atomic generation publish.
	genPath, err := l.genmgr.Publish(l.writeGeneration(index))
	if err != nil {
		return err
	}

	// Step 3: best-effort WAL checkpoint; logged, never propagated.
	if err := l.sidecar.Checkpoint(ctx); err != nil {
		l.logger.WarnContext(ctx, "sidecar checkpoint failed", "error", err)
	}

	// Step 4: sidecar meta file.
	meta := Meta{
		Dimensions:     l.opts.Dimension,
		Space:          l.opts.Space.String(),
		Normalized:     l.opts.Space.Normalized(),
		TotalVectors:   next,
		ActiveVectors:  active,
		DeletedVectors: int(next) - active,
		SavedAt:        time.Now().UTC().Format(time.RFC3339),
		GenerationPath: genPath,
	}
	if err := l.writeMeta(meta); err != nil {
		l.logger.WarnContext(ctx, "writing meta file failed", "error", err)
	}

	l.dirty.Store(false)
	l.logger.InfoContext(ctx, "index saved", "generation", genPath, "active", active, "total", next)

	return nil
}

func (l *Layer) writeMeta(meta Meta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(l.base, l.opts.Stem+".meta.json")
	return l.genmgr.FS().WriteFile(path, data, 0o644)
}

// Rebuild builds a fresh graph with densely renumbered labels, swaps it in
// atomically and saves. Reclaims tombstone space.
func (l *Layer) Rebuild(ctx context.Context, onProgress func(done, total int)) error {
	if err := l.rebuildLocked(ctx, onProgress, true); err != nil {
		return err
	}
	return l.Save(ctx)
}

// rebuildLocked performs the rebuild. Callers must guarantee no concurrent
// writes (the engine serializes all writes on one path; startup recovery
// runs before the layer is published).
func (l *Layer) rebuildLocked(ctx context.Context, onProgress func(done, total int), lock bool) error {
	mappings, err := l.sidecar.AllMappings(ctx)
	if err != nil {
		return err
	}

	fresh, err := l.newIndex()
	if err != nil {
		return err
	}

	labels := make(map[string]uint32, len(mappings))
	docToLabel := make(map[string]uint32, len(mappings))
	labelToDoc := make(map[uint32]string, len(mappings))

	for i, m := range mappings {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, err := l.sidecar.GetVector(ctx, m.DocID)
		if err != nil {
			return fmt.Errorf("vectorindex: rebuild: reading %s: %w", m.DocID, err)
		}

		label := uint32(i)
		if err := fresh.Add(rec.Vector, label); err != nil {
			return fmt.Errorf("vectorindex: rebuild: adding %s: %w", m.DocID, err)
		}

		labels[m.DocID] = label
		docToLabel[m.DocID] = label
		labelToDoc[label] = m.DocID

		if onProgress != nil {
			onProgress(i+1, len(mappings))
		}
	}

	// Renumber sidecar labels in one transaction. The shift offset must
	// clear every existing label so the UNIQUE constraint holds mid-flight.
	var offset uint32
	for _, m := range mappings {
		if m.Label+1 > offset {
			offset = m.Label + 1
		}
	}
	if err := l.sidecar.RenumberLabels(ctx, labels, offset); err != nil {
		return err
	}

	if lock {
		l.mu.Lock()
	}
	l.index = fresh
	l.docToLabel = docToLabel
	l.labelToDoc = labelToDoc
	l.nextLabel = uint32(len(mappings))
	if lock {
		l.mu.Unlock()
	}

	l.dirty.Store(true)

	return nil
}

// Maintenance rebuilds when the tombstone ratio exceeds the configured
// threshold. Rebuilds are rate-limited so repeated maintenance calls cannot
// thrash. Returns true when a rebuild ran.
func (l *Layer) Maintenance(ctx context.Context) (bool, error) {
	if l.TombstoneRatio() <= l.opts.RebuildThreshold {
		return false, nil
	}

	if !l.rebuildLimiter.Allow() {
		return false, nil
	}

	l.logger.InfoContext(ctx, "tombstone ratio above threshold, rebuilding",
		"ratio", l.TombstoneRatio(), "threshold", l.opts.RebuildThreshold)

	if err := l.Rebuild(ctx, nil); err != nil {
		return false, err
	}

	return true, nil
}
