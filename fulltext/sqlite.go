package fulltext

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

const (
	defaultLimit         = 10
	defaultSnippetTokens = 30
	defaultSnippetStart  = "<b>"
	defaultSnippetEnd    = "</b>"
	snippetEllipsis      = "…"
)

// Options configures the SQLite index.
type Options struct {
	// CJK enables single-character segmentation for CJK runs so mixed-script
	// queries match. When off, a stemming English tokenizer is used.
	CJK bool
}

// SQLiteIndex is an FTS5-backed Index.
type SQLiteIndex struct {
	db   *sql.DB
	path string
	cjk  bool
}

var _ Index = (*SQLiteIndex)(nil)

// Open opens (or creates) a full-text index at path.
func Open(path string, optFns ...func(o *Options)) (*SQLiteIndex, error) {
	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("fulltext: opening database: %w", err)
	}

	idx := &SQLiteIndex{
		db:   db,
		path: path,
		cjk:  opts.CJK,
	}

	if err := idx.createSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return idx, nil
}

func (idx *SQLiteIndex) createSchema() error {
	tokenizer := "porter unicode61"
	if idx.cjk {
		// Single-codepoint CJK tokens are produced by segmentation; a plain
		// Unicode tokenizer must not stem them away.
		tokenizer = "unicode61"
	}

	schema := fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS docs_fts USING fts5(
			content,
			doc_id UNINDEXED,
			collection UNINDEXED,
			raw UNINDEXED,
			metadata UNINDEXED,
			tokenize = '%s'
		);
	`, tokenizer)

	if _, err := idx.db.Exec(schema); err != nil {
		return fmt.Errorf("fulltext: creating schema: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (idx *SQLiteIndex) Close() error {
	return idx.db.Close()
}

// Add indexes a document, replacing any prior row with the same
// (collection, doc_id).
func (idx *SQLiteIndex) Add(docID, collection, content string, metadata map[string]any) error {
	docID, collection = SplitKey(docID, collection)

	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("fulltext: marshalling metadata: %w", err)
	}

	indexed := content
	if idx.cjk {
		indexed = segmentCJK(content)
	}

	tx, err := idx.db.Begin()
	if err != nil {
		return fmt.Errorf("fulltext: beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec("DELETE FROM docs_fts WHERE doc_id = ? AND collection = ?", docID, collection); err != nil {
		return fmt.Errorf("fulltext: replacing document: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO docs_fts (content, doc_id, collection, raw, metadata)
		VALUES (?, ?, ?, ?, ?)
	`, indexed, docID, collection, content, string(metadataJSON)); err != nil {
		return fmt.Errorf("fulltext: inserting document: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("fulltext: committing transaction: %w", err)
	}

	return nil
}

// Remove deletes a document from the index.
func (idx *SQLiteIndex) Remove(docID, collection string) error {
	docID, collection = SplitKey(docID, collection)

	if _, err := idx.db.Exec("DELETE FROM docs_fts WHERE doc_id = ? AND collection = ?", docID, collection); err != nil {
		return fmt.Errorf("fulltext: removing document: %w", err)
	}

	return nil
}

// Search performs a ranked query, best hits first.
func (idx *SQLiteIndex) Search(query string, opts SearchOptions) ([]Hit, error) {
	return idx.AdvancedSearch(query, AdvancedSearchOptions{
		SearchOptions: opts,
		WithScore:     true,
	})
}

// AdvancedSearch is Search with configurable snippet rendering.
func (idx *SQLiteIndex) AdvancedSearch(query string, opts AdvancedSearchOptions) ([]Hit, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	if isWildcardQuery(query) {
		return idx.scanAll(opts.Collection, limit)
	}

	match := buildMatchQuery(query, idx.cjk)
	if match == "" {
		return idx.scanAll(opts.Collection, limit)
	}

	start := opts.SnippetStart
	if start == "" {
		start = defaultSnippetStart
	}
	end := opts.SnippetEnd
	if end == "" {
		end = defaultSnippetEnd
	}
	tokens := opts.SnippetTokens
	if tokens <= 0 {
		tokens = defaultSnippetTokens
	}
	if tokens > 64 {
		// FTS5 snippet window limit
		tokens = 64
	}

	// rank orders ascending in the raw index (bm25: lower is better); the
	// score exposed to callers is flipped so higher is better.
	q := `
		SELECT doc_id, collection, snippet(docs_fts, 0, ?, ?, ?, ?), -rank, metadata
		FROM docs_fts
		WHERE docs_fts MATCH ?`
	args := []any{start, end, snippetEllipsis, tokens, match}

	if opts.Collection != "" {
		q += " AND collection = ?"
		args = append(args, opts.Collection)
	}

	q += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := idx.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("fulltext: querying: %w", err)
	}
	defer rows.Close()

	var hits []Hit //nolint:prealloc // size unknown from query
	for rows.Next() {
		var hit Hit
		var score float64
		var metadataJSON sql.NullString

		if err := rows.Scan(&hit.DocID, &hit.Collection, &hit.Snippet, &score, &metadataJSON); err != nil {
			return nil, fmt.Errorf("fulltext: scanning hit: %w", err)
		}

		if opts.WithScore {
			hit.Score = score
		}

		if err := unmarshalMetadata(metadataJSON, &hit); err != nil {
			return nil, err
		}

		hits = append(hits, hit)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fulltext: iterating hits: %w", err)
	}

	return hits, nil
}

// scanAll returns the first limit rows deterministically (rowid order)
// without ranking. Serves empty and wildcard-only queries.
func (idx *SQLiteIndex) scanAll(collection string, limit int) ([]Hit, error) {
	q := "SELECT doc_id, collection, raw, metadata FROM docs_fts"
	args := []any{}

	if collection != "" {
		q += " WHERE collection = ?"
		args = append(args, collection)
	}

	q += " ORDER BY rowid LIMIT ?"
	args = append(args, limit)

	rows, err := idx.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("fulltext: scanning: %w", err)
	}
	defer rows.Close()

	var hits []Hit //nolint:prealloc // size unknown from query
	for rows.Next() {
		var hit Hit
		var metadataJSON sql.NullString

		if err := rows.Scan(&hit.DocID, &hit.Collection, &hit.Snippet, &metadataJSON); err != nil {
			return nil, fmt.Errorf("fulltext: scanning row: %w", err)
		}

		if err := unmarshalMetadata(metadataJSON, &hit); err != nil {
			return nil, err
		}

		hits = append(hits, hit)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fulltext: iterating rows: %w", err)
	}

	return hits, nil
}

// Clear removes all rows.
func (idx *SQLiteIndex) Clear() error {
	if _, err := idx.db.Exec("DELETE FROM docs_fts"); err != nil {
		return fmt.Errorf("fulltext: clearing index: %w", err)
	}
	return nil
}

// ClearCollection removes all rows of one collection.
func (idx *SQLiteIndex) ClearCollection(collection string) error {
	if _, err := idx.db.Exec("DELETE FROM docs_fts WHERE collection = ?", collection); err != nil {
		return fmt.Errorf("fulltext: clearing collection: %w", err)
	}
	return nil
}

// Stats returns row counts, total and per collection.
func (idx *SQLiteIndex) Stats() (Stats, error) {
	stats := Stats{Collections: make(map[string]int)}

	rows, err := idx.db.Query("SELECT collection, COUNT(*) FROM docs_fts GROUP BY collection")
	if err != nil {
		return Stats{}, fmt.Errorf("fulltext: querying stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var collection string
		var count int
		if err := rows.Scan(&collection, &count); err != nil {
			return Stats{}, fmt.Errorf("fulltext: scanning stats: %w", err)
		}
		stats.Collections[collection] = count
		stats.Count += count
	}

	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("fulltext: iterating stats: %w", err)
	}

	return stats, nil
}

func unmarshalMetadata(metadataJSON sql.NullString, hit *Hit) error {
	if !metadataJSON.Valid || metadataJSON.String == "" || metadataJSON.String == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(metadataJSON.String), &hit.Metadata); err != nil {
		return fmt.Errorf("fulltext: unmarshaling metadata: %w", err)
	}
	return nil
}
