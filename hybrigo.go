package hybrigo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/hybrigo/fulltext"
	"github.com/hupe1980/hybrigo/model"
	"github.com/hupe1980/hybrigo/planner"
	"github.com/hupe1980/hybrigo/structural"
	"github.com/hupe1980/hybrigo/vectorindex"
)

// bulkBatchSize bounds how many operations a bulk write drains at once.
const bulkBatchSize = 64

// fulltextFile names the full-text database inside the engine directory.
const fulltextFile = "fulltext.db"

// Engine is the public surface of the hybrid retrieval engine. It routes
// writes to the structural, full-text and vector layers and reads through
// the query planner.
//
// All writes are serialized on a single logical write path; readers proceed
// in parallel with writers.
type Engine struct {
	dir  string
	opts options

	structuralIdx *structural.Index
	textIdx       *fulltext.SQLiteIndex
	vectorLayer   *vectorindex.Layer
	embedder      *cachedEmbedder
	store         DocumentStore
	plan          *planner.Planner
	logger        *Logger

	writeMu sync.Mutex
	closed  atomic.Bool

	autoSaveStop chan struct{}
	autoSaveDone chan struct{}
}

// New opens the engine in dir: storage and indices are opened, the vector
// bijections are rebuilt from the sidecar, the structural index is
// rehydrated from the document store (when configured), and the optional
// auto-save timer is installed.
func New(dir string, optFns ...Option) (*Engine, error) {
	opts := applyOptions(optFns)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("hybrigo: creating directory: %w", err)
	}

	if opts.dimension == 0 && opts.embedder != nil {
		opts.dimension = opts.embedder.Dim()
	}

	textIdx, err := fulltext.Open(filepath.Join(dir, fulltextFile), func(o *fulltext.Options) {
		o.CJK = opts.cjk
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		dir:           dir,
		opts:          opts,
		structuralIdx: structural.New(),
		textIdx:       textIdx,
		store:         opts.store,
		logger:        opts.logger,
	}

	if !opts.disableVector && opts.dimension > 0 {
		layer, err := vectorindex.Open(dir, append([]func(o *vectorindex.Options){
			func(o *vectorindex.Options) {
				o.Dimension = opts.dimension
				o.Space = opts.space
				o.Logger = opts.logger.Logger
			},
		}, opts.vectorOptions...)...)
		if err != nil {
			_ = textIdx.Close()
			return nil, err
		}
		e.vectorLayer = layer
	}

	if opts.embedder != nil {
		e.embedder = newCachedEmbedder(opts.embedder)
	}

	if err := e.rehydrateStructural(context.Background()); err != nil {
		_ = e.disposeLayers()
		return nil, err
	}

	var plannerVector planner.Vector
	if e.vectorLayer != nil {
		plannerVector = e.vectorLayer
	}
	var plannerEmbedder planner.Embedder
	if e.embedder != nil {
		plannerEmbedder = e.embedder
	}
	var plannerStore planner.DocumentStore
	if e.store != nil {
		plannerStore = e.store
	}

	e.plan = planner.New(e.structuralIdx, e.textIdx, plannerVector, plannerEmbedder, plannerStore,
		func(o *planner.Options) {
			o.Weights = opts.weights
			o.Logger = opts.logger.Logger
		})

	if opts.autoSaveInterval > 0 && e.vectorLayer != nil {
		e.autoSaveStop = make(chan struct{})
		e.autoSaveDone = make(chan struct{})
		go e.autoSaveLoop(opts.autoSaveInterval)
	}

	return e, nil
}

// rehydrateStructural rebuilds the in-memory structural index from the
// document store. Without a store the index starts empty.
func (e *Engine) rehydrateStructural(ctx context.Context) error {
	if e.store == nil {
		return nil
	}

	keys, err := e.store.Keys(ctx)
	if err != nil {
		return fmt.Errorf("hybrigo: listing store keys: %w", err)
	}

	for _, key := range keys {
		raw, err := e.store.Get(ctx, key)
		if err != nil || raw == nil {
			continue
		}

		id, _ := raw["id"].(string)
		if id == "" {
			id = key
		}
		collection, _ := raw["collection"].(string)
		attributes, _ := raw["attributes"].(map[string]any)

		if err := e.structuralIdx.Add(id, structuralDocument(id, collection, attributes)); err != nil {
			return err
		}
	}

	e.logger.DebugContext(ctx, "structural index rehydrated", "documents", e.structuralIdx.Count())

	return nil
}

func (e *Engine) autoSaveLoop(interval time.Duration) {
	defer close(e.autoSaveDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.autoSaveStop:
			return
		case <-ticker.C:
			if e.vectorLayer.Dirty() {
				ctx := context.Background()
				err := e.vectorLayer.Save(ctx)
				e.logger.LogSave(ctx, err)
			}
		}
	}
}

// checkWrite rejects operations on a closed engine and writes whose
// deadline has already passed.
func (e *Engine) checkWrite(ctx context.Context) error {
	if e.closed.Load() {
		return ErrNotInitialized
	}
	if deadline, ok := ctx.Deadline(); ok && time.Now().After(deadline) {
		return ErrTimedOut
	}
	return nil
}

// Put indexes a document under (collection, id). The external document
// store (when configured) is written first, then all three index layers in
// parallel. Structural and full-text failures are fatal; a vector failure
// is logged and the put still succeeds, since the embedder dependency may
// be transient - subsequent semantic queries score such documents 0 until
// the embedding is supplied.
func (e *Engine) Put(ctx context.Context, collection, id string, doc *model.Document) error {
	if err := e.checkWrite(ctx); err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("hybrigo: nil document")
	}

	d := *doc
	d.ID = id
	d.Collection = collection

	// The embedder is the slowest dependency; call it outside every index
	// lock.
	vector := d.Vector
	var embedErr error
	if vector == nil && e.vectorLayer != nil && e.embedder != nil && strings.TrimSpace(d.Content) != "" {
		vector, embedErr = e.embedder.Embed(ctx, d.Content)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.store != nil {
		if err := e.store.Put(ctx, id, storeDocument(&d)); err != nil {
			return fmt.Errorf("hybrigo: document store put: %w", err)
		}
	}

	var (
		structuralErr error
		textErr       error
		vectorErr     error
	)

	g := new(errgroup.Group)

	g.Go(func() error {
		structuralErr = e.structuralIdx.Add(id, structuralDocument(id, collection, d.Attributes))
		return nil
	})

	g.Go(func() error {
		textErr = e.textIdx.Add(id, collection, d.Content, map[string]any{"collection": collection})
		return nil
	})

	if e.vectorLayer != nil {
		g.Go(func() error {
			switch {
			case embedErr != nil:
				vectorErr = embedErr
			case vector == nil:
				// No vector available and no embedder: skip silently;
				// the document remains findable via the other layers.
			default:
				vectorErr = e.vectorLayer.Upsert(ctx, id, vector, vectorMetadata(collection, d.Attributes))
			}
			return nil
		})
	}

	_ = g.Wait()

	var failed IndexLayer
	errs := make([]error, 0, 3)
	if structuralErr != nil {
		failed |= LayerStructural
		errs = append(errs, structuralErr)
	}
	if textErr != nil {
		failed |= LayerFullText
		errs = append(errs, textErr)
	}
	if vectorErr != nil {
		failed |= LayerVector
		errs = append(errs, vectorErr)
	}

	if failed&(LayerStructural|LayerFullText) != 0 {
		err := &PartialIndexError{Failed: failed, cause: errors.Join(errs...)}
		e.logger.LogPut(ctx, collection, id, err)
		return err
	}

	if failed&LayerVector != 0 {
		// Vector-only failure: the put succeeds on the other layers.
		e.logger.WarnContext(ctx, "vector layer failed, document indexed without embedding",
			"collection", collection, "id", id, "error", vectorErr)
	}

	e.logger.LogPut(ctx, collection, id, nil)

	return nil
}

// Delete removes a document from every layer. The vector graph retains a
// tombstone until the next rebuild.
func (e *Engine) Delete(ctx context.Context, collection, id string) error {
	if err := e.checkWrite(ctx); err != nil {
		return err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.store != nil {
		if err := e.store.Delete(ctx, id); err != nil {
			return fmt.Errorf("hybrigo: document store delete: %w", err)
		}
	}

	var failed IndexLayer
	errs := make([]error, 0, 3)

	if err := e.structuralIdx.Remove(id); err != nil {
		failed |= LayerStructural
		errs = append(errs, err)
	}
	if err := e.textIdx.Remove(id, collection); err != nil {
		failed |= LayerFullText
		errs = append(errs, err)
	}
	if e.vectorLayer != nil {
		if err := e.vectorLayer.Delete(ctx, id); err != nil {
			failed |= LayerVector
			errs = append(errs, err)
			e.logger.WarnContext(ctx, "vector layer delete failed", "id", id, "error", err)
		}
	}

	if failed&(LayerStructural|LayerFullText) != 0 {
		err := &PartialIndexError{Failed: failed, cause: errors.Join(errs...)}
		e.logger.LogDelete(ctx, collection, id, err)
		return err
	}

	e.logger.LogDelete(ctx, collection, id, nil)

	return nil
}

// WriteOp is one bulk operation. A nil Document deletes.
type WriteOp struct {
	Collection string
	ID         string
	Document   *model.Document
}

// BulkWrite splits ops into put and delete partitions and drains them in
// batches.
func (e *Engine) BulkWrite(ctx context.Context, ops []WriteOp) error {
	if err := e.checkWrite(ctx); err != nil {
		return err
	}

	var puts, deletes []WriteOp
	for _, op := range ops {
		if op.Document == nil {
			deletes = append(deletes, op)
		} else {
			puts = append(puts, op)
		}
	}

	for start := 0; start < len(puts); start += bulkBatchSize {
		end := min(start+bulkBatchSize, len(puts))
		for _, op := range puts[start:end] {
			if err := e.Put(ctx, op.Collection, op.ID, op.Document); err != nil {
				return err
			}
		}
	}

	for start := 0; start < len(deletes); start += bulkBatchSize {
		end := min(start+bulkBatchSize, len(deletes))
		for _, op := range deletes[start:end] {
			if err := e.Delete(ctx, op.Collection, op.ID); err != nil {
				return err
			}
		}
	}

	return nil
}

// Search executes a hybrid query through the planner.
func (e *Engine) Search(ctx context.Context, req model.SearchRequest) (*model.SearchResponse, error) {
	if e.closed.Load() {
		return nil, ErrNotInitialized
	}

	resp, err := e.plan.Search(ctx, req)
	if err != nil {
		e.logger.LogSearch(ctx, string(req.Strategy), 0, err)
		return nil, err
	}

	e.logger.LogSearch(ctx, string(resp.Metrics.Strategy), resp.Total, nil)

	return resp, nil
}

// Get reads a document back from the document store.
func (e *Engine) Get(ctx context.Context, id string) (map[string]any, error) {
	if e.closed.Load() {
		return nil, ErrNotInitialized
	}
	if e.store == nil {
		return nil, ErrNoDocumentStore
	}

	return e.store.Get(ctx, id)
}

// Snapshot delegates to the document store's snapshot primitive.
func (e *Engine) Snapshot(ctx context.Context) (any, error) {
	if e.closed.Load() {
		return nil, ErrNotInitialized
	}
	if e.store == nil {
		return nil, ErrNoDocumentStore
	}

	return e.store.Snapshot(ctx)
}

// Save persists the vector index as a new generation.
func (e *Engine) Save(ctx context.Context) error {
	if e.closed.Load() {
		return ErrNotInitialized
	}
	if e.vectorLayer == nil {
		return nil
	}

	err := e.vectorLayer.Save(ctx)
	e.logger.LogSave(ctx, err)

	return err
}

// Maintenance rebuilds the vector index when its tombstone ratio exceeds
// the threshold. Returns true when a rebuild ran.
func (e *Engine) Maintenance(ctx context.Context) (bool, error) {
	if e.closed.Load() {
		return false, ErrNotInitialized
	}
	if e.vectorLayer == nil {
		return false, nil
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	return e.vectorLayer.Maintenance(ctx)
}

// VectorStats exposes the vector layer accounting.
func (e *Engine) VectorStats(ctx context.Context) (vectorindex.Stats, error) {
	if e.vectorLayer == nil {
		return vectorindex.Stats{}, nil
	}
	return e.vectorLayer.Stats(ctx)
}

// Close stops the auto-save timer, saves the index if dirty and disposes
// all layers. Further operations return ErrNotInitialized.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}

	if e.autoSaveStop != nil {
		close(e.autoSaveStop)
		<-e.autoSaveDone
	}

	var errs []error

	if e.vectorLayer != nil && e.vectorLayer.Dirty() {
		if err := e.vectorLayer.Save(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}

	if err := e.disposeLayers(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (e *Engine) disposeLayers() error {
	var errs []error

	if err := e.textIdx.Close(); err != nil {
		errs = append(errs, err)
	}
	if e.vectorLayer != nil {
		if err := e.vectorLayer.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// structuralDocument builds the tree the structural extraction walks:
// top-level identity fields plus the document attributes expanded from
// their dotted paths.
func structuralDocument(id, collection string, attributes map[string]any) map[string]any {
	doc := attributesToTree(attributes)
	doc["id"] = id
	if collection != "" {
		doc["collection"] = collection
	}
	return doc
}

// attributesToTree expands dotted attribute paths into nested maps, e.g.
// {"metadata.category": "tech"} -> {"metadata": {"category": "tech"}}.
func attributesToTree(attributes map[string]any) map[string]any {
	tree := make(map[string]any, len(attributes))

	for path, value := range attributes {
		parts := strings.Split(path, ".")
		node := tree

		for i, part := range parts {
			if i == len(parts)-1 {
				node[part] = value
				break
			}

			child, ok := node[part].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[part] = child
			}
			node = child
		}
	}

	return tree
}

// vectorMetadata is the metadata blob persisted alongside a vector.
func vectorMetadata(collection string, attributes map[string]any) map[string]any {
	meta := make(map[string]any, len(attributes)+1)
	for k, v := range attributes {
		meta[k] = v
	}
	if collection != "" {
		meta["collection"] = collection
	}
	return meta
}

// storeDocument is the document store representation.
func storeDocument(doc *model.Document) map[string]any {
	raw := map[string]any{
		"id":         doc.ID,
		"collection": doc.Collection,
		"content":    doc.Content,
	}
	if len(doc.Attributes) > 0 {
		raw["attributes"] = doc.Attributes
	}
	return raw
}
