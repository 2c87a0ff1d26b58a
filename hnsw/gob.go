package hnsw

import (
	"encoding/gob"
	"fmt"
	"io"

	"github.com/bits-and-blooms/bitset"
)

// serialized is the on-disk form of the graph. The surrounding layers treat
// the byte stream as opaque.
type serialized struct {
	Dimension   int
	Space       Space
	M           int
	EFConstruct int
	EFSearch    int
	ML          float64
	EP          uint32
	MaxLevel    int
	MaxElements int
	Heuristic   bool
	Nodes       []*Node
	Tombstones  []byte
	Deleted     int
}

// Save writes the graph to w.
func (h *HNSW) Save(w io.Writer) error {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	tombstones, err := h.tombstones.MarshalBinary()
	if err != nil {
		return fmt.Errorf("hnsw: marshal tombstones: %w", err)
	}

	s := serialized{
		Dimension:   h.dimension,
		Space:       h.space,
		M:           h.opts.M,
		EFConstruct: h.opts.EFConstruction,
		EFSearch:    h.efSearch,
		ML:          h.ml,
		EP:          h.ep,
		MaxLevel:    h.maxLevel,
		MaxElements: h.maxElements,
		Heuristic:   h.opts.Heuristic,
		Nodes:       h.nodes,
		Tombstones:  tombstones,
		Deleted:     h.deleted,
	}

	if err := gob.NewEncoder(w).Encode(&s); err != nil {
		return fmt.Errorf("hnsw: encode: %w", err)
	}

	return nil
}

// Load reads a graph previously written with Save.
func Load(r io.Reader) (*HNSW, error) {
	var s serialized
	if err := gob.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("hnsw: decode: %w", err)
	}

	tombstones := bitset.New(uint(s.MaxElements))
	if len(s.Tombstones) > 0 {
		if err := tombstones.UnmarshalBinary(s.Tombstones); err != nil {
			return nil, fmt.Errorf("hnsw: unmarshal tombstones: %w", err)
		}
	}

	h, err := New(s.Dimension, s.Space, func(o *Options) {
		o.M = s.M
		o.EFConstruction = s.EFConstruct
		o.EFSearch = s.EFSearch
		o.MaxElements = s.MaxElements
		o.Heuristic = s.Heuristic
	})
	if err != nil {
		return nil, err
	}

	h.ml = s.ML
	h.ep = s.EP
	h.maxLevel = s.MaxLevel
	h.nodes = s.Nodes
	h.tombstones = tombstones
	h.deleted = s.Deleted

	return h, nil
}
