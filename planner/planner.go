// Package planner executes hybrid search requests across the structural,
// full-text and vector index layers.
//
// Three interchangeable strategies are provided: filter-first (structural
// candidates ranked lexically or by semantic rerank), semantic-first (vector
// search post-filtered structurally) and parallel late fusion (all layers
// dispatched concurrently, ranked lists fused with per-source weights).
package planner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/hybrigo/fulltext"
	"github.com/hupe1980/hybrigo/internal/math32"
	"github.com/hupe1980/hybrigo/model"
	"github.com/hupe1980/hybrigo/sidecar"
	"github.com/hupe1980/hybrigo/vectorindex"
)

const (
	// defaultLimit caps results when the request does not.
	defaultLimit = 10

	// semanticOverFetch is the minimum k for the semantic-first vector pass.
	semanticOverFetch = 100
)

// Structural resolves equality predicates to candidate documents.
type Structural interface {
	Query(criteria map[string]string) []string
	FindByIndex(field, value string) []string
}

// Vector is the semantic layer surface the planner needs.
type Vector interface {
	Search(ctx context.Context, query []float32, k int, opts vectorindex.SearchOptions) ([]vectorindex.Hit, error)
	GetVector(ctx context.Context, docID string) (*sidecar.Record, error)
}

// Embedder turns query text into a vector.
type Embedder interface {
	Dim() int
	Embed(ctx context.Context, text string) ([]float32, error)
}

// DocumentStore hydrates results to full documents.
type DocumentStore interface {
	Get(ctx context.Context, key string) (map[string]any, error)
}

// Options configures the Planner.
type Options struct {
	// Weights are the default fusion weights for the parallel strategy.
	Weights model.FusionWeights

	// Logger receives downgrade and timing logs. Nil discards.
	Logger *slog.Logger
}

// Planner coordinates the index layers for a search request.
type Planner struct {
	structural Structural
	text       fulltext.Index
	vector     Vector
	embedder   Embedder
	store      DocumentStore

	weights model.FusionWeights
	logger  *slog.Logger
}

// New creates a Planner. The vector layer, embedder and document store are
// optional; requests degrade per the fallback rules when they are absent.
func New(structuralIdx Structural, textIdx fulltext.Index, vectorLayer Vector, embedder Embedder, store DocumentStore, optFns ...func(o *Options)) *Planner {
	opts := Options{
		Weights: model.DefaultFusionWeights(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(noopHandler{})
	}

	return &Planner{
		structural: structuralIdx,
		text:       textIdx,
		vector:     vectorLayer,
		embedder:   embedder,
		store:      store,
		weights:    opts.Weights,
		logger:     logger,
	}
}

// fragment is an intermediate, un-hydrated result.
type fragment struct {
	id      string
	coll    string
	score   float64
	snippet string
	sources []string
	meta    map[string]any
}

// Search executes a request and returns enriched results.
func (p *Planner) Search(ctx context.Context, req model.SearchRequest) (*model.SearchResponse, error) {
	start := time.Now()

	if req.Limit <= 0 {
		req.Limit = defaultLimit
	}
	if req.Strategy == "" {
		req.Strategy = model.StrategyFilterFirst
	}
	if req.Weights == (model.FusionWeights{}) {
		req.Weights = p.weights
	}

	metrics := model.SearchMetrics{Strategy: req.Strategy}

	// Fallback rule: a semantic request without a vector layer or embedder
	// downgrades to lexical filter-first, once.
	if req.Semantic != nil && req.Semantic.UseEmbedding && (p.vector == nil || p.embedder == nil) {
		p.logger.WarnContext(ctx, "semantic search unavailable, downgrading to filter-first",
			"vector", p.vector != nil, "embedder", p.embedder != nil)

		sem := *req.Semantic
		sem.UseEmbedding = false
		req.Semantic = &sem
		req.Strategy = model.StrategyFilterFirst
		metrics.Strategy = model.StrategyFilterFirst
		metrics.Downgraded = true
	}

	var (
		frags []fragment
		err   error
	)

	switch req.Strategy {
	case model.StrategySemanticFirst:
		frags, err = p.semanticFirst(ctx, req)
	case model.StrategyParallel:
		frags, err = p.parallel(ctx, req)
	default:
		frags, err = p.filterFirst(ctx, req)
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// Partial results are better than none once the deadline hit.
			metrics.TimedOut = true
		} else {
			return nil, err
		}
	}

	results := p.enrich(ctx, frags, req)

	metrics.Elapsed = time.Since(start)

	return &model.SearchResponse{
		Results: results,
		Total:   len(results),
		Metrics: metrics,
	}, nil
}

// filterFirst resolves structural candidates, then ranks them lexically or
// by semantic rerank.
func (p *Planner) filterFirst(ctx context.Context, req model.SearchRequest) ([]fragment, error) {
	sem := req.Semantic

	// Pure lexical path: no structural predicates and no embedding.
	if len(req.Structural) == 0 && (sem == nil || !sem.UseEmbedding) {
		if sem != nil && strings.TrimSpace(sem.Query) != "" {
			return p.lexical(ctx, sem.Query, "", nil, req.Limit)
		}

		// Nothing to rank: all structural candidates, in structural index order.
		frags := make([]fragment, 0, req.Limit)
		for _, id := range p.structural.Query(nil) {
			frags = append(frags, fragment{id: id, sources: []string{"structural"}})
			if len(frags) == req.Limit {
				break
			}
		}
		return frags, nil
	}

	candidates := p.structural.Query(req.Structural)
	if len(candidates) == 0 {
		return nil, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Lexical intersection on the candidate set.
	if sem != nil && !sem.UseEmbedding && strings.TrimSpace(sem.Query) != "" {
		candidateSet := make(map[string]struct{}, len(candidates))
		for _, id := range candidates {
			candidateSet[id] = struct{}{}
		}
		frags, err := p.lexical(ctx, sem.Query, req.Structural["collection"], candidateSet, req.Limit)
		if err != nil {
			return nil, err
		}
		return frags, nil
	}

	// Semantic rerank of the candidates by cosine similarity against each
	// document's persisted vector. Documents lacking a vector score 0.
	if sem != nil && sem.UseEmbedding {
		query, err := p.embedder.Embed(ctx, sem.Query)
		if err != nil {
			return nil, fmt.Errorf("planner: embedding query: %w", err)
		}

		frags := make([]fragment, 0, len(candidates))
		for _, id := range candidates {
			if err := ctx.Err(); err != nil {
				return frags, err
			}

			var score float64
			if rec, gerr := p.vector.GetVector(ctx, id); gerr == nil && len(rec.Vector) > 0 {
				score = float64(math32.CosineSimilarity(query, rec.Vector))
			}

			if sem.Threshold > 0 && score < sem.Threshold {
				continue
			}

			frags = append(frags, fragment{id: id, score: score, sources: []string{"structural", "semantic"}})
		}

		sortFragments(frags)
		return truncate(frags, req.Limit), nil
	}

	// Structural-only: candidates in structural index order.
	frags := make([]fragment, 0, min(len(candidates), req.Limit))
	for _, id := range candidates {
		frags = append(frags, fragment{id: id, sources: []string{"structural"}})
		if len(frags) == req.Limit {
			break
		}
	}
	return frags, nil
}

// semanticFirst runs the vector search first and applies structural
// predicates as a post-filter.
func (p *Planner) semanticFirst(ctx context.Context, req model.SearchRequest) ([]fragment, error) {
	if p.vector == nil || p.embedder == nil || req.Semantic == nil {
		return p.filterFirst(ctx, req)
	}

	query, err := p.embedder.Embed(ctx, req.Semantic.Query)
	if err != nil {
		return nil, fmt.Errorf("planner: embedding query: %w", err)
	}

	k := req.Limit
	if k < semanticOverFetch {
		k = semanticOverFetch
	}

	hits, err := p.vector.Search(ctx, query, k, vectorindex.SearchOptions{WithMetadata: true})
	if err != nil {
		return nil, err
	}

	var allowed map[string]struct{}
	if len(req.Structural) > 0 {
		ids := p.structural.Query(req.Structural)
		allowed = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			allowed[id] = struct{}{}
		}
	}

	frags := make([]fragment, 0, req.Limit)
	for _, hit := range hits {
		if allowed != nil {
			if _, ok := allowed[hit.DocID]; !ok {
				continue
			}
		}

		if req.Semantic.Threshold > 0 && hit.Score < req.Semantic.Threshold {
			continue
		}

		frags = append(frags, fragment{
			id:      hit.DocID,
			score:   hit.Score,
			sources: []string{"semantic"},
			meta:    hit.Metadata,
		})
		if len(frags) == req.Limit {
			break
		}
	}

	return frags, nil
}

// parallel dispatches all available layers concurrently and fuses the
// ranked lists: a document at rank i in list L with weight w contributes
// w * (1 - i/|L|) to its fused score.
func (p *Planner) parallel(ctx context.Context, req model.SearchRequest) ([]fragment, error) {
	var (
		structuralList []string
		lexicalList    []fulltext.Hit
		semanticList   []vectorindex.Hit
	)

	g, gctx := errgroup.WithContext(ctx)

	if len(req.Structural) > 0 {
		g.Go(func() error {
			structuralList = p.structural.Query(req.Structural)
			return gctx.Err()
		})
	}

	if req.Semantic != nil && strings.TrimSpace(req.Semantic.Query) != "" {
		query := req.Semantic.Query

		g.Go(func() error {
			hits, err := p.text.Search(query, fulltext.SearchOptions{Limit: max(req.Limit, semanticOverFetch)})
			if err != nil {
				return err
			}
			lexicalList = hits
			return gctx.Err()
		})

		if req.Semantic.UseEmbedding && p.vector != nil && p.embedder != nil {
			g.Go(func() error {
				vec, err := p.embedder.Embed(gctx, query)
				if err != nil {
					return err
				}
				hits, err := p.vector.Search(gctx, vec, max(req.Limit, semanticOverFetch), vectorindex.SearchOptions{})
				if err != nil {
					return err
				}
				semanticList = hits
				return nil
			})
		}
	}

	err := g.Wait()

	type fused struct {
		fragment
		order int // first-seen order for deterministic iteration
	}

	scores := make(map[string]*fused)
	next := 0

	contribute := func(id string, weight float64, rank, total int, source, snippet string, meta map[string]any) {
		f, ok := scores[id]
		if !ok {
			f = &fused{fragment: fragment{id: id}, order: next}
			next++
			scores[id] = f
		}
		f.score += weight * (1 - float64(rank)/float64(total))
		f.sources = append(f.sources, source)
		if snippet != "" && f.snippet == "" {
			f.snippet = snippet
		}
		if meta != nil && f.meta == nil {
			f.meta = meta
		}
	}

	for i, id := range structuralList {
		contribute(id, req.Weights.Structural, i, len(structuralList), "structural", "", nil)
	}
	for i, hit := range lexicalList {
		contribute(hit.DocID, req.Weights.FullText, i, len(lexicalList), "fulltext", hit.Snippet, hit.Metadata)
	}
	for i, hit := range semanticList {
		contribute(hit.DocID, req.Weights.Semantic, i, len(semanticList), "semantic", "", hit.Metadata)
	}

	frags := make([]fragment, 0, len(scores))
	ordered := make([]*fused, 0, len(scores))
	for _, f := range scores {
		ordered = append(ordered, f)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].order < ordered[j].order })
	for _, f := range ordered {
		frags = append(frags, f.fragment)
	}

	sortFragments(frags)

	return truncate(frags, req.Limit), err
}

// lexical runs a full-text query, optionally restricted to a candidate set.
func (p *Planner) lexical(ctx context.Context, query, collection string, candidates map[string]struct{}, limit int) ([]fragment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fetchLimit := limit
	if candidates != nil {
		fetchLimit = limit + len(candidates)
	}

	hits, err := p.text.Search(query, fulltext.SearchOptions{Limit: fetchLimit, Collection: collection})
	if err != nil {
		return nil, err
	}

	frags := make([]fragment, 0, limit)
	for _, hit := range hits {
		if candidates != nil {
			if _, ok := candidates[hit.DocID]; !ok {
				continue
			}
		}

		frags = append(frags, fragment{
			id:      hit.DocID,
			coll:    hit.Collection,
			score:   hit.Score,
			snippet: hit.Snippet,
			sources: []string{"fulltext"},
			meta:    hit.Metadata,
		})
		if len(frags) == limit {
			break
		}
	}

	return frags, nil
}

// enrich hydrates fragments to full documents where the store allows it and
// attaches citations. A failed hydration still yields a result carrying the
// index fragment fields.
func (p *Planner) enrich(ctx context.Context, frags []fragment, req model.SearchRequest) []model.SearchResult {
	results := make([]model.SearchResult, 0, len(frags))

	for _, f := range frags {
		result := model.SearchResult{
			ID:         f.id,
			Collection: f.coll,
			Score:      f.score,
			Snippet:    f.snippet,
			Sources:    f.sources,
			Metadata:   f.meta,
		}

		source := "index"
		if len(f.sources) > 0 {
			source = strings.Join(f.sources, ",")
		}

		result.Citation = model.Citation{
			Source:     source,
			DocumentID: f.id,
			Timestamp:  time.Now().UTC(),
			Collection: f.coll,
		}

		if p.store != nil {
			// doc_ids are globally unique, so they key the store directly.
			if raw, err := p.store.Get(ctx, f.id); err == nil && raw != nil {
				doc := documentFromMap(raw)
				result.Document = &doc
				if result.Collection == "" {
					result.Collection = doc.Collection
					result.Citation.Collection = doc.Collection
				}
				if doc.Content != "" {
					sum := sha256.Sum256([]byte(doc.Content))
					result.Citation.Checksum = hex.EncodeToString(sum[:])
				}
			}
		}

		results = append(results, result)
	}

	return results
}

// sortFragments orders by score descending with doc id as the tie breaker.
func sortFragments(frags []fragment) {
	sort.SliceStable(frags, func(i, j int) bool {
		if frags[i].score != frags[j].score {
			return frags[i].score > frags[j].score
		}
		return frags[i].id < frags[j].id
	})
}

func truncate(frags []fragment, limit int) []fragment {
	if len(frags) > limit {
		return frags[:limit]
	}
	return frags
}

func documentFromMap(raw map[string]any) model.Document {
	doc := model.Document{}
	if v, ok := raw["id"].(string); ok {
		doc.ID = v
	}
	if v, ok := raw["collection"].(string); ok {
		doc.Collection = v
	}
	if v, ok := raw["content"].(string); ok {
		doc.Content = v
	}
	if v, ok := raw["attributes"].(map[string]any); ok {
		doc.Attributes = v
	}
	return doc
}

type noopHandler struct{}

func (noopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (noopHandler) Handle(context.Context, slog.Record) error { return nil }
func (noopHandler) WithAttrs([]slog.Attr) slog.Handler        { return noopHandler{} }
func (noopHandler) WithGroup(string) slog.Handler             { return noopHandler{} }
