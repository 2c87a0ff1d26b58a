// Package structural provides an inverted index from (field path, value)
// pairs to document id sets, with nested-field extraction.
//
// Document ids are interned to dense uint32 keys so posting sets can live in
// roaring bitmaps; criteria queries are bitmap intersections.
package structural

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

type fieldValue struct {
	field string
	value string
}

// Index is an in-memory structural index.
type Index struct {
	mu sync.RWMutex

	// Interning: external doc_id <-> dense internal id
	ids   map[string]uint32
	docs  []string
	free  []uint32
	alive *roaring.Bitmap

	// field -> value -> posting set
	postings map[string]map[string]*roaring.Bitmap

	// internal id -> rows currently indexed, for atomic replacement
	docFields map[uint32][]fieldValue
}

// New creates an empty structural index.
func New() *Index {
	return &Index{
		ids:       make(map[string]uint32),
		alive:     roaring.New(),
		postings:  make(map[string]map[string]*roaring.Bitmap),
		docFields: make(map[uint32][]fieldValue),
	}
}

func (idx *Index) intern(docID string) uint32 {
	if id, ok := idx.ids[docID]; ok {
		return id
	}

	var id uint32
	if n := len(idx.free); n > 0 {
		id = idx.free[n-1]
		idx.free = idx.free[:n-1]
		idx.docs[id] = docID
	} else {
		id = uint32(len(idx.docs))
		idx.docs = append(idx.docs, docID)
	}

	idx.ids[docID] = id
	return id
}

// Add indexes a document, replacing all prior rows for this doc_id
// atomically. The document is walked to the configured depth; see Extract.
func (idx *Index) Add(docID string, document map[string]any) error {
	rows := Extract(document)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	id := idx.intern(docID)
	idx.removeLocked(id)
	idx.alive.Add(id)

	fields := make([]fieldValue, 0, len(rows))
	for _, row := range rows {
		values, ok := idx.postings[row.Field]
		if !ok {
			values = make(map[string]*roaring.Bitmap)
			idx.postings[row.Field] = values
		}

		bm, ok := values[row.Value]
		if !ok {
			bm = roaring.New()
			values[row.Value] = bm
		}

		bm.Add(id)
		fields = append(fields, fieldValue{field: row.Field, value: row.Value})
	}

	idx.docFields[id] = fields
	return nil
}

// Remove deletes all rows for a doc_id. Unknown ids are a no-op.
func (idx *Index) Remove(docID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	id, ok := idx.ids[docID]
	if !ok {
		return nil
	}

	idx.removeLocked(id)
	idx.alive.Remove(id)
	delete(idx.ids, docID)
	idx.docs[id] = ""
	idx.free = append(idx.free, id)

	return nil
}

func (idx *Index) removeLocked(id uint32) {
	for _, fv := range idx.docFields[id] {
		values, ok := idx.postings[fv.field]
		if !ok {
			continue
		}
		if bm, ok := values[fv.value]; ok {
			bm.Remove(id)
			if bm.IsEmpty() {
				delete(values, fv.value)
			}
		}
		if len(values) == 0 {
			delete(idx.postings, fv.field)
		}
	}
	delete(idx.docFields, id)
}

// FindByIndex returns the doc_ids indexed under (field, value) in interned-id
// order. Ids freed by Remove are reused, so this is insertion order only
// until a document has been removed.
func (idx *Index) FindByIndex(field, value string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	values, ok := idx.postings[field]
	if !ok {
		return nil
	}

	bm, ok := values[value]
	if !ok {
		return nil
	}

	return idx.materializeLocked(bm)
}

// Query returns the doc_ids matching all equality predicates (AND).
// An empty criteria set matches every indexed document.
func (idx *Index) Query(criteria map[string]string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(criteria) == 0 {
		return idx.materializeLocked(idx.alive)
	}

	var result *roaring.Bitmap
	for field, value := range criteria {
		values, ok := idx.postings[field]
		if !ok {
			return nil
		}

		bm, ok := values[value]
		if !ok {
			return nil
		}

		if result == nil {
			result = bm.Clone()
		} else {
			result.And(bm)
		}

		if result.IsEmpty() {
			return nil
		}
	}

	return idx.materializeLocked(result)
}

// Contains reports whether a doc_id is currently indexed.
func (idx *Index) Contains(docID string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.ids[docID]
	return ok
}

// Count returns the number of indexed documents.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return int(idx.alive.GetCardinality())
}

// Clear drops everything.
func (idx *Index) Clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.ids = make(map[string]uint32)
	idx.docs = idx.docs[:0]
	idx.free = idx.free[:0]
	idx.alive = roaring.New()
	idx.postings = make(map[string]map[string]*roaring.Bitmap)
	idx.docFields = make(map[uint32][]fieldValue)
}

func (idx *Index) materializeLocked(bm *roaring.Bitmap) []string {
	out := make([]string, 0, bm.GetCardinality())

	it := bm.Iterator()
	for it.HasNext() {
		id := it.Next()
		if int(id) < len(idx.docs) && idx.docs[id] != "" {
			out = append(out, idx.docs[id])
		}
	}

	return out
}
