// Package hnsw implements a Hierarchical Navigable Small World graph over
// integer labels with tombstone deletion.
package hnsw

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/hupe1980/hybrigo/internal/math32"
	"github.com/hupe1980/hybrigo/queue"
)

const (
	// growthThreshold is the fill ratio at which capacity is doubled.
	growthThreshold = 0.8

	// normTolerance is the maximum deviation from unit length before a
	// vector is re-normalized on insert/query.
	normTolerance = 1e-2
)

// ErrCapacityExceeded is returned when the graph cannot grow further.
var ErrCapacityExceeded = errors.New("hnsw: capacity exceeded")

// ErrDimensionMismatch is a named error type for dimension mismatch.
type ErrDimensionMismatch struct {
	Expected int // Expected dimensions
	Actual   int // Actual dimensions
}

// Error returns the error message for dimension mismatch.
func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// ErrZeroVector is returned when a zero-norm vector is submitted for a
// space that requires normalization.
type ErrZeroVector struct {
	Label uint32
}

func (e *ErrZeroVector) Error() string {
	return fmt.Sprintf("zero vector rejected for normalized space (label %d)", e.Label)
}

// ErrLabelOutOfOrder is returned when Add is called with a label that does
// not continue the monotonic label sequence.
type ErrLabelOutOfOrder struct {
	Label uint32
	Next  uint32
}

func (e *ErrLabelOutOfOrder) Error() string {
	return fmt.Sprintf("label %d out of order: next expected label is %d", e.Label, e.Next)
}

// Space identifies the distance space of the graph.
type Space int

const (
	// SpaceL2 uses squared Euclidean distance.
	SpaceL2 Space = iota
	// SpaceInnerProduct uses 1 - dot(a, b) over unit-normalized vectors.
	SpaceInnerProduct
	// SpaceCosine uses 1 - cos(a, b); vectors are unit-normalized so it
	// coincides with inner product distance.
	SpaceCosine
)

func (s Space) String() string {
	switch s {
	case SpaceL2:
		return "l2"
	case SpaceInnerProduct:
		return "inner_product"
	case SpaceCosine:
		return "cosine"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ParseSpace converts a space name back into a Space.
func ParseSpace(s string) (Space, error) {
	switch s {
	case "l2":
		return SpaceL2, nil
	case "inner_product":
		return SpaceInnerProduct, nil
	case "cosine":
		return SpaceCosine, nil
	default:
		return 0, fmt.Errorf("unknown space %q", s)
	}
}

// Normalized reports whether vectors in this space are unit-normalized.
func (s Space) Normalized() bool {
	return s == SpaceInnerProduct || s == SpaceCosine
}

// Node represents a node in the HNSW graph.
type Node struct {
	Connections [][]uint32 // Links to other nodes, one slice per layer
	Vector      []float32  // Vector (dimension entries)
	Layer       int        // Top layer the node exists in
	ID          uint32     // Label
}

// Options represents the options for configuring HNSW.
type Options struct {
	// M specifies the number of established connections for every new
	// element during construction. The range M=12-48 is ok for most use
	// cases; low-dimensional data works with smaller M.
	M int

	// EFConstruction specifies the size of the dynamic candidate list used
	// while building the graph.
	EFConstruction int

	// EFSearch specifies the default candidate list size at query time.
	// Larger values improve recall at the cost of latency.
	EFSearch int

	// MaxElements is the initial capacity hint. The graph doubles it
	// whenever the element count reaches 80% of the current value.
	MaxElements int

	// Heuristic indicates whether to use the heuristic neighbour selection
	// (true) or the naive top-M selection (false).
	Heuristic bool

	// RandomSeed pins the layer RNG for reproducible graphs.
	RandomSeed *int64
}

// DefaultOptions contains the default options for HNSW.
var DefaultOptions = Options{
	M:              16,
	EFConstruction: 200,
	EFSearch:       100,
	MaxElements:    1024,
	Heuristic:      true,
}

// HNSW represents the Hierarchical Navigable Small World graph.
type HNSW struct {
	dimension   int
	space       Space
	mmax        int     // Max number of connections per element/per layer
	mmax0       int     // Max for the 0 layer
	ml          float64 // Normalization factor for level generation
	ep          uint32  // Entry point
	maxLevel    int     // Track the current max level used
	maxElements int
	efSearch    int

	nodes      []*Node
	tombstones *bitset.BitSet
	deleted    int

	rng  *rand.Rand
	opts Options

	mutex sync.RWMutex
}

// Result is a single nearest-neighbour hit.
type Result struct {
	Label    uint32
	Distance float32
}

// New creates a new HNSW instance for the given dimension and space.
func New(dimension int, space Space, optFns ...func(o *Options)) (*HNSW, error) {
	opts := DefaultOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	if dimension <= 0 {
		return nil, fmt.Errorf("invalid dimension: %d", dimension)
	}

	if opts.M < 2 {
		// M == 1 would result in division by zero in the level multiplier
		opts.M = 2
	}

	if opts.MaxElements <= 0 {
		opts.MaxElements = DefaultOptions.MaxElements
	}

	seed := int64(1)
	if opts.RandomSeed != nil {
		seed = *opts.RandomSeed
	}

	return &HNSW{
		dimension:   dimension,
		space:       space,
		mmax:        opts.M,
		mmax0:       2 * opts.M,
		ml:          1 / math.Log(1.0*float64(opts.M)),
		maxLevel:    -1,
		maxElements: opts.MaxElements,
		efSearch:    opts.EFSearch,
		nodes:       make([]*Node, 0, opts.MaxElements),
		tombstones:  bitset.New(uint(opts.MaxElements)),
		rng:         rand.New(rand.NewSource(seed)), //nolint:gosec // layer assignment, not crypto
		opts:        opts,
	}, nil
}

// Dimension returns the configured dimensionality.
func (h *HNSW) Dimension() int { return h.dimension }

// Space returns the configured distance space.
func (h *HNSW) Space() Space { return h.space }

// SetEF adjusts the default search breadth.
func (h *HNSW) SetEF(ef int) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.efSearch = ef
}

// Count returns the total number of points ever added, tombstones included.
func (h *HNSW) Count() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.nodes)
}

// ActiveCount returns the number of live (non-tombstoned) points.
func (h *HNSW) ActiveCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.nodes) - h.deleted
}

// NextLabel returns the label the next Add call must use.
func (h *HNSW) NextLabel() uint32 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return uint32(len(h.nodes))
}

// Vector returns the stored (possibly normalized) vector for a label.
func (h *HNSW) Vector(label uint32) ([]float32, bool) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if int(label) >= len(h.nodes) {
		return nil, false
	}

	return h.nodes[label].Vector, true
}

func (h *HNSW) distance(a, b []float32) float32 {
	switch h.space {
	case SpaceInnerProduct, SpaceCosine:
		return 1 - math32.Dot(a, b)
	default:
		return math32.SquaredL2(a, b)
	}
}

// prepareVector validates v and returns a normalized copy when the space
// requires unit vectors and v deviates from unit length.
func (h *HNSW) prepareVector(v []float32, label uint32) ([]float32, error) {
	if len(v) != h.dimension {
		return nil, &ErrDimensionMismatch{Expected: h.dimension, Actual: len(v)}
	}

	vec := make([]float32, len(v))
	copy(vec, v)

	if h.space.Normalized() {
		norm := math32.Norm(vec)
		if norm == 0 {
			return nil, &ErrZeroVector{Label: label}
		}
		if math.Abs(float64(norm)-1) > normTolerance {
			math32.ScaleInPlace(vec, 1/norm)
		}
	}

	return vec, nil
}

// Add inserts a vector under the given label. Labels must continue the
// monotonic sequence established by previous Add calls.
func (h *HNSW) Add(v []float32, label uint32) error {
	vec, err := h.prepareVector(v, label)
	if err != nil {
		return err
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	if label != uint32(len(h.nodes)) {
		return &ErrLabelOutOfOrder{Label: label, Next: uint32(len(h.nodes))}
	}

	// Double capacity before the graph fills up.
	if len(h.nodes) >= int(growthThreshold*float64(h.maxElements)) {
		if h.maxElements > math.MaxInt/2 {
			return ErrCapacityExceeded
		}
		h.maxElements *= 2
	}

	layer := int(math.Floor(-math.Log(h.rng.Float64()) * h.ml))
	if layer > h.mmax {
		// Connections are sized for mmax+1 layers
		layer = h.mmax
	}

	node := &Node{
		ID:          label,
		Vector:      vec,
		Layer:       layer,
		Connections: make([][]uint32, h.mmax+1),
	}

	// First node becomes the entry point
	if len(h.nodes) == 0 {
		h.nodes = append(h.nodes, node)
		h.ep = node.ID
		h.maxLevel = node.Layer
		return nil
	}

	// Find single shortest path from the top layers above our new node,
	// which will be our starting point
	currObj, currDist := h.findShortestPath(node)

	topCandidates := &queue.PriorityQueue{Order: false}

	// For all levels equal and below our node, find the closest candidates
	// and link them
	for level := min(node.Layer, h.maxLevel); level >= 0; level-- {
		h.searchLayer(vec, &queue.PriorityQueueItem{Distance: currDist, Node: currObj.ID}, topCandidates, h.opts.EFConstruction, level, false)

		if h.opts.Heuristic {
			h.selectNeighboursHeuristic(topCandidates, h.opts.M, false)
		} else {
			h.selectNeighboursSimple(topCandidates, h.opts.M)
		}

		node.Connections[level] = make([]uint32, topCandidates.Len())

		for i := topCandidates.Len() - 1; i >= 0; i-- {
			candidate, _ := heap.Pop(topCandidates).(*queue.PriorityQueueItem)
			node.Connections[level][i] = candidate.Node
		}
	}

	// Append the new node
	h.nodes = append(h.nodes, node)

	// Link the neighbour nodes back to the new node, making it visible
	for level := min(node.Layer, h.maxLevel); level >= 0; level-- {
		for _, neighbour := range node.Connections[level] {
			h.link(neighbour, node.ID, level)
		}
	}

	if node.Layer > h.maxLevel {
		h.ep = node.ID
		h.maxLevel = node.Layer
	}

	return nil
}

// MarkDeleted tombstones a label. The point stays in the graph for
// connectivity but never appears in search output.
func (h *HNSW) MarkDeleted(label uint32) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if int(label) >= len(h.nodes) {
		return
	}

	if !h.tombstones.Test(uint(label)) {
		h.tombstones.Set(uint(label))
		h.deleted++
	}
}

// IsDeleted reports whether a label is tombstoned.
func (h *HNSW) IsDeleted(label uint32) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.tombstones.Test(uint(label))
}

func (h *HNSW) findShortestPath(node *Node) (*Node, float32) {
	currObj := h.nodes[h.ep]
	currDist := h.distance(currObj.Vector, node.Vector)

	for level := currObj.Layer; level > node.Layer; level-- {
		changed := true
		for changed {
			changed = false

			for _, nodeID := range currObj.Connections[level] {
				newObj := h.nodes[nodeID]

				newDist := h.distance(newObj.Vector, node.Vector)
				if newDist < currDist {
					currObj = newObj
					currDist = newDist
					changed = true
				}
			}
		}
	}

	return currObj, currDist
}

// KNNSearch performs a k-nearest neighbour search. Tombstoned labels are
// traversed for connectivity but excluded from the result set.
func (h *HNSW) KNNSearch(q []float32, k int, efSearch int) ([]Result, error) {
	vec, err := h.prepareVector(q, 0)
	if err != nil {
		return nil, err
	}

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if len(h.nodes) == 0 || k <= 0 {
		return nil, nil
	}

	if efSearch <= 0 {
		efSearch = h.efSearch
	}
	if efSearch < k {
		efSearch = k
	}

	currObj := h.nodes[h.ep]
	currDist := h.distance(vec, currObj.Vector)

	// Greedy descent through the upper layers
	for level := h.maxLevel; level > 0; level-- {
		changed := true
		for changed {
			changed = false

			for _, nodeID := range currObj.Connections[level] {
				nodeDist := h.distance(h.nodes[nodeID].Vector, vec)
				if nodeDist < currDist {
					currObj = h.nodes[nodeID]
					currDist = nodeDist
					changed = true
				}
			}
		}
	}

	topCandidates := &queue.PriorityQueue{Order: true}
	heap.Init(topCandidates)

	h.searchLayer(vec, &queue.PriorityQueueItem{Distance: currDist, Node: currObj.ID}, topCandidates, efSearch, 0, true)

	for topCandidates.Len() > k {
		_ = heap.Pop(topCandidates)
	}

	// Pop worst-first, fill results back-to-front
	results := make([]Result, topCandidates.Len())
	for i := topCandidates.Len() - 1; i >= 0; i-- {
		item, _ := heap.Pop(topCandidates).(*queue.PriorityQueueItem)
		results[i] = Result{Label: item.Node, Distance: item.Distance}
	}

	return results, nil
}

// BruteSearch performs an exact scan. Used by the startup self-check and by
// tests as ground truth.
func (h *HNSW) BruteSearch(q []float32, k int) ([]Result, error) {
	vec, err := h.prepareVector(q, 0)
	if err != nil {
		return nil, err
	}

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if k <= 0 {
		return nil, nil
	}

	topCandidates := &queue.PriorityQueue{Order: true}
	heap.Init(topCandidates)

	for _, node := range h.nodes {
		if h.tombstones.Test(uint(node.ID)) {
			continue
		}

		nodeDist := h.distance(vec, node.Vector)

		if topCandidates.Len() < k {
			heap.Push(topCandidates, &queue.PriorityQueueItem{Node: node.ID, Distance: nodeDist})
			continue
		}

		largest, _ := topCandidates.Top().(*queue.PriorityQueueItem)
		if nodeDist < largest.Distance {
			heap.Pop(topCandidates)
			heap.Push(topCandidates, &queue.PriorityQueueItem{Node: node.ID, Distance: nodeDist})
		}
	}

	results := make([]Result, topCandidates.Len())
	for i := topCandidates.Len() - 1; i >= 0; i-- {
		item, _ := heap.Pop(topCandidates).(*queue.PriorityQueueItem)
		results[i] = Result{Label: item.Node, Distance: item.Distance}
	}

	return results, nil
}

// link adds a connection between nodes, pruning when a node exceeds its
// connection budget.
func (h *HNSW) link(first uint32, second uint32, level int) {
	maxConnections := h.mmax
	// HNSW allows double the connections for the bottom level (0)
	if level == 0 {
		maxConnections = h.mmax0
	}

	node := h.nodes[first]
	node.Connections[level] = append(node.Connections[level], second)

	if len(node.Connections[level]) > maxConnections {
		topCandidates := &queue.PriorityQueue{Order: false}
		heap.Init(topCandidates)

		for _, id := range node.Connections[level] {
			heap.Push(topCandidates, &queue.PriorityQueueItem{
				Node:     id,
				Distance: h.distance(node.Vector, h.nodes[id].Vector),
			})
		}

		if h.opts.Heuristic {
			h.selectNeighboursHeuristic(topCandidates, maxConnections, true)
		} else {
			h.selectNeighboursSimple(topCandidates, maxConnections)
		}

		// Reorder the connections by best match first
		node.Connections[level] = make([]uint32, maxConnections)

		for i := maxConnections - 1; i >= 0; i-- {
			item, _ := heap.Pop(topCandidates).(*queue.PriorityQueueItem)
			node.Connections[level][i] = item.Node
		}
	}
}

// searchLayer performs a search in a specified layer of the HNSW graph.
// When filterDeleted is set, tombstoned labels are traversed but kept out of
// topCandidates.
func (h *HNSW) searchLayer(q []float32, ep *queue.PriorityQueueItem, topCandidates *queue.PriorityQueue, ef int, level int, filterDeleted bool) {
	var visited bitset.BitSet

	visited.Set(uint(ep.Node))

	candidates := &queue.PriorityQueue{Order: false}
	heap.Init(candidates)
	heap.Push(candidates, ep)

	topCandidates.Order = true // max-heap
	topCandidates.Items = topCandidates.Items[:0]
	heap.Init(topCandidates)

	if !filterDeleted || !h.tombstones.Test(uint(ep.Node)) {
		heap.Push(topCandidates, &queue.PriorityQueueItem{Distance: ep.Distance, Node: ep.Node})
	}

	for candidates.Len() > 0 {
		candidate, _ := heap.Pop(candidates).(*queue.PriorityQueueItem)

		if topCandidates.Len() >= ef {
			lowerBound := topCandidates.Top().(*queue.PriorityQueueItem).Distance
			if candidate.Distance > lowerBound {
				break
			}
		}

		node := h.nodes[candidate.Node]

		if len(node.Connections) > level {
			for _, n := range node.Connections[level] {
				if visited.Test(uint(n)) {
					continue
				}
				visited.Set(uint(n))

				distance := h.distance(q, h.nodes[n].Vector)

				item := &queue.PriorityQueueItem{Distance: distance, Node: n}

				if topCandidates.Len() < ef {
					heap.Push(candidates, item)
					if !filterDeleted || !h.tombstones.Test(uint(n)) {
						heap.Push(topCandidates, &queue.PriorityQueueItem{Distance: distance, Node: n})
					}
				} else if topCandidates.Top().(*queue.PriorityQueueItem).Distance > distance {
					heap.Push(candidates, item)
					if !filterDeleted || !h.tombstones.Test(uint(n)) {
						heap.Pop(topCandidates)
						heap.Push(topCandidates, &queue.PriorityQueueItem{Distance: distance, Node: n})
					}
				}
			}
		}
	}
}

// selectNeighboursSimple selects the nearest neighbours by keeping the top M.
func (h *HNSW) selectNeighboursSimple(topCandidates *queue.PriorityQueue, m int) {
	for topCandidates.Len() > m {
		_ = heap.Pop(topCandidates)
	}
}

// selectNeighboursHeuristic selects neighbours preserving the relative
// neighbourhood property for better graph connectivity.
func (h *HNSW) selectNeighboursHeuristic(topCandidates *queue.PriorityQueue, m int, order bool) {
	if topCandidates.Len() < m {
		return
	}

	newCandidates := &queue.PriorityQueue{}

	tmpCandidates := &queue.PriorityQueue{Order: order}
	heap.Init(tmpCandidates)

	items := make([]*queue.PriorityQueueItem, 0, m)

	if !order {
		newCandidates.Order = order
		heap.Init(newCandidates)

		for topCandidates.Len() > 0 {
			item, _ := heap.Pop(topCandidates).(*queue.PriorityQueueItem)
			heap.Push(newCandidates, item)
		}
	} else {
		newCandidates = topCandidates
	}

	for newCandidates.Len() > 0 {
		if len(items) >= m {
			break
		}

		item, _ := heap.Pop(newCandidates).(*queue.PriorityQueueItem)
		hit := true

		// A candidate is kept only if no already-selected neighbour is
		// closer to it than the source node is
		for _, v := range items {
			if h.distance(h.nodes[v.Node].Vector, h.nodes[item.Node].Vector) < item.Distance {
				hit = false
				break
			}
		}

		if hit {
			items = append(items, item)
		} else {
			heap.Push(tmpCandidates, item)
		}
	}

	for len(items) < m && tmpCandidates.Len() > 0 {
		item, _ := heap.Pop(tmpCandidates).(*queue.PriorityQueueItem)
		items = append(items, item)
	}

	for _, item := range items {
		heap.Push(topCandidates, item)
	}
}
