// Package hybrigo provides an embedded hybrid retrieval engine that unifies
// three index layers behind a single query planner: an approximate
// nearest-neighbor vector index with a durable sidecar store, a ranked
// full-text index, and a structural metadata index.
//
// Writes fan out to all layers; reads flow through interchangeable hybrid
// strategies (filter-first, semantic-first, parallel late fusion) with
// result fusion and provenance. Index files are published as immutable
// generations under a CURRENT pointer, making saves crash-safe even on
// filesystems that refuse to rename or unlink open files.
//
// Basic usage:
//
//	engine, err := hybrigo.New("./data",
//	    hybrigo.WithEmbedder(embedder),
//	    hybrigo.WithCJK(true),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//
//	err = engine.Put(ctx, "articles", "a1", &model.Document{
//	    Content:    "vector search in production",
//	    Attributes: map[string]any{"metadata.category": "tech"},
//	})
//
//	resp, err := engine.Search(ctx, model.SearchRequest{
//	    Structural: map[string]string{"collection": "articles"},
//	    Semantic:   &model.SemanticQuery{Query: "vector search", UseEmbedding: true},
//	    Limit:      10,
//	})
package hybrigo
