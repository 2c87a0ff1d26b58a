// Package model defines the shared data types of the hybrid retrieval engine.
package model

import "time"

// Label is the internal integer identifier of a point in the ANN graph.
// Labels increase monotonically and are never reused within one generation;
// a rebuild renumbers them densely.
type Label = uint32

// Document is the caller-visible unit of indexing.
type Document struct {
	// ID is an opaque, globally unique identifier.
	ID string `json:"id"`

	// Collection partitions documents (e.g. "articles"). Structural filters
	// and full-text queries can be scoped to a collection.
	Collection string `json:"collection"`

	// Content is the text used by the full-text index and, after embedding,
	// by the vector index.
	Content string `json:"content"`

	// Attributes maps dotted field paths (e.g. "metadata.category") to a
	// scalar or a list of scalars. Feeds the structural index.
	Attributes map[string]any `json:"attributes,omitempty"`

	// Vector is an optional precomputed embedding. When nil the engine
	// derives one from Content via the external embedder.
	Vector []float32 `json:"vector,omitempty"`
}

// HybridStrategy selects how the query planner combines the index layers.
type HybridStrategy string

const (
	// StrategyFilterFirst resolves structural candidates first, then ranks
	// them lexically or semantically. The default.
	StrategyFilterFirst HybridStrategy = "filter-first"

	// StrategySemanticFirst runs the vector search first, then applies
	// structural predicates as a post-filter.
	StrategySemanticFirst HybridStrategy = "semantic-first"

	// StrategyParallel dispatches all layers concurrently and fuses the
	// ranked lists with per-source weights.
	StrategyParallel HybridStrategy = "parallel"
)

// SemanticQuery describes the semantic part of a search request.
type SemanticQuery struct {
	// Query is the natural language query text.
	Query string `json:"query"`

	// UseEmbedding enables vector rerank/search through the embedder.
	// When false the query is served lexically.
	UseEmbedding bool `json:"use_embedding"`

	// Threshold drops results scoring below it (0 disables).
	Threshold float64 `json:"threshold,omitempty"`
}

// FusionWeights holds the per-source weights for the parallel strategy.
type FusionWeights struct {
	Structural float64 `json:"structural"`
	FullText   float64 `json:"fulltext"`
	Semantic   float64 `json:"semantic"`
}

// DefaultFusionWeights returns the default late-fusion weights.
func DefaultFusionWeights() FusionWeights {
	return FusionWeights{Structural: 0.3, FullText: 0.3, Semantic: 0.4}
}

// SearchRequest describes a hybrid query.
type SearchRequest struct {
	// Structural holds equality predicates ANDed together
	// (field path -> value).
	Structural map[string]string `json:"structural,omitempty"`

	// Semantic holds the text query, if any.
	Semantic *SemanticQuery `json:"semantic,omitempty"`

	// Strategy selects the hybrid execution plan. Empty means filter-first.
	Strategy HybridStrategy `json:"hybrid_strategy,omitempty"`

	// Limit caps the number of returned results. Zero means 10.
	Limit int `json:"limit,omitempty"`

	// Weights configures late fusion. Zero value means defaults.
	Weights FusionWeights `json:"fusion_weights,omitempty"`
}

// Citation records the provenance of a search result.
type Citation struct {
	Source     string    `json:"source"`
	DocumentID string    `json:"document_id"`
	Timestamp  time.Time `json:"timestamp"`
	Collection string    `json:"collection,omitempty"`
	Checksum   string    `json:"checksum,omitempty"`
}

// SearchResult is a single hydrated result.
type SearchResult struct {
	ID         string         `json:"id"`
	Collection string         `json:"collection,omitempty"`
	Score      float64        `json:"score"`
	Snippet    string         `json:"snippet,omitempty"`
	Document   *Document      `json:"document,omitempty"`
	Sources    []string       `json:"sources,omitempty"`
	Citation   Citation       `json:"citation"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// SearchMetrics reports execution details of a search.
type SearchMetrics struct {
	Strategy   HybridStrategy `json:"strategy"`
	Downgraded bool           `json:"downgraded,omitempty"`
	TimedOut   bool           `json:"timed_out,omitempty"`
	Elapsed    time.Duration  `json:"elapsed"`
}

// SearchResponse is the planner's reply.
type SearchResponse struct {
	Results []SearchResult `json:"results"`
	Total   int            `json:"total"`
	Metrics SearchMetrics  `json:"metrics"`
}
