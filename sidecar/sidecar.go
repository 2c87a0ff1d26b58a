// Package sidecar provides the durable doc_id <-> label <-> vector store
// that backs the vector index. It is the canonical record of what exists;
// the in-memory bijections and the ANN graph are rebuilt from it.
package sidecar

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// ErrNotFound is returned when a doc_id has no record.
var ErrNotFound = errors.New("sidecar: not found")

// ErrDimensionMismatch indicates a vector whose length does not match the
// configured dimension.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("sidecar: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Record is one durable vector row.
type Record struct {
	DocID        string
	Label        uint32
	Vector       []float32
	Metadata     map[string]any
	ContentHash  string
	ModelVersion string
	Normalized   bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Mapping is one doc_id -> label pair.
type Mapping struct {
	DocID string
	Label uint32
}

// Stats summarizes the store contents.
type Stats struct {
	Count      int
	TotalBytes int64
	LastUpdate time.Time
}

// Store is a SQLite-backed sidecar store.
type Store struct {
	db        *sql.DB
	path      string
	dimension int
}

// Open opens (or creates) the sidecar database at path for vectors of the
// given dimension. The database uses WAL journaling so readers proceed in
// parallel with the single writer.
func Open(path string, dimension int) (*Store, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("sidecar: invalid dimension: %d", dimension)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("sidecar: opening database: %w", err)
	}

	s := &Store{
		db:        db,
		path:      path,
		dimension: dimension,
	}

	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) createSchema() error {
	// The CHECK constraint enforces the configured dimension at the
	// storage boundary: 4 bytes per float32 component.
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS vectors (
			doc_id TEXT PRIMARY KEY,
			label INTEGER NOT NULL UNIQUE,
			vector BLOB NOT NULL CHECK (length(vector) = %d),
			metadata BLOB,
			content_hash TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			model_version TEXT,
			normalized BOOLEAN NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS mappings (
			doc_id TEXT PRIMARY KEY,
			label INTEGER NOT NULL UNIQUE
		);
		CREATE TABLE IF NOT EXISTS index_metadata (
			key TEXT PRIMARY KEY,
			value TEXT
		);
	`, s.dimension*4)

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("sidecar: creating schema: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Dimension returns the configured vector dimension.
func (s *Store) Dimension() int {
	return s.dimension
}

// SaveVector writes the vectors and mappings rows for rec in one
// transaction. Idempotent on identical payloads.
func (s *Store) SaveVector(ctx context.Context, rec Record) error {
	if len(rec.Vector) != s.dimension {
		return &ErrDimensionMismatch{Expected: s.dimension, Actual: len(rec.Vector)}
	}

	metadataJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("sidecar: marshalling metadata: %w", err)
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sidecar: beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO vectors (doc_id, label, vector, metadata, content_hash, created_at, updated_at, model_version, normalized)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
			label = excluded.label,
			vector = excluded.vector,
			metadata = excluded.metadata,
			content_hash = excluded.content_hash,
			updated_at = excluded.updated_at,
			model_version = excluded.model_version,
			normalized = excluded.normalized
	`, rec.DocID, rec.Label, float32SliceToBytes(rec.Vector), string(metadataJSON),
		rec.ContentHash, rec.CreatedAt.Format(time.RFC3339Nano), rec.UpdatedAt.Format(time.RFC3339Nano),
		rec.ModelVersion, rec.Normalized)
	if err != nil {
		return fmt.Errorf("sidecar: saving vector: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO mappings (doc_id, label)
		VALUES (?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
			label = excluded.label
	`, rec.DocID, rec.Label)
	if err != nil {
		return fmt.Errorf("sidecar: saving mapping: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sidecar: committing transaction: %w", err)
	}

	return nil
}

// GetVector retrieves the record for a doc_id. Returns ErrNotFound when the
// document has no vector.
func (s *Store) GetVector(ctx context.Context, docID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT doc_id, label, vector, metadata, content_hash, created_at, updated_at, model_version, normalized
		FROM vectors WHERE doc_id = ?
	`, docID)

	return scanRecord(row)
}

// GetLabel returns the label mapped to a doc_id.
func (s *Store) GetLabel(ctx context.Context, docID string) (uint32, bool, error) {
	var label uint32
	err := s.db.QueryRowContext(ctx, "SELECT label FROM mappings WHERE doc_id = ?", docID).Scan(&label)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("sidecar: getting label: %w", err)
	}

	return label, true, nil
}

// RemoveVector deletes a document from both tables transactionally.
// A missing doc_id is a no-op.
func (s *Store) RemoveVector(ctx context.Context, docID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sidecar: beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, "DELETE FROM vectors WHERE doc_id = ?", docID); err != nil {
		return fmt.Errorf("sidecar: deleting vector: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM mappings WHERE doc_id = ?", docID); err != nil {
		return fmt.Errorf("sidecar: deleting mapping: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sidecar: committing transaction: %w", err)
	}

	return nil
}

// BatchGet retrieves records for multiple doc_ids. Missing ids are simply
// absent from the result.
func (s *Store) BatchGet(ctx context.Context, docIDs []string) (map[string]*Record, error) {
	records := make(map[string]*Record, len(docIDs))

	for _, docID := range docIDs {
		rec, err := s.GetVector(ctx, docID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		records[docID] = rec
	}

	return records, nil
}

// AllMappings returns every doc_id -> label pair ordered by label. Used on
// startup to rehydrate the in-memory bijections.
func (s *Store) AllMappings(ctx context.Context) ([]Mapping, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT doc_id, label FROM mappings ORDER BY label")
	if err != nil {
		return nil, fmt.Errorf("sidecar: querying mappings: %w", err)
	}
	defer rows.Close()

	var mappings []Mapping //nolint:prealloc // size unknown from query
	for rows.Next() {
		var m Mapping
		if err := rows.Scan(&m.DocID, &m.Label); err != nil {
			return nil, fmt.Errorf("sidecar: scanning mapping: %w", err)
		}
		mappings = append(mappings, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sidecar: iterating mappings: %w", err)
	}

	return mappings, nil
}

// RenumberLabels rewrites all labels in one transaction. The renumbering map
// assigns the new label for each doc_id; documents absent from it keep their
// old label shifted up by offset. Used by index rebuild to assign dense labels.
func (s *Store) RenumberLabels(ctx context.Context, labels map[string]uint32, offset uint32) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sidecar: beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// Shift everything above the live range first so the per-document
	// updates below cannot trip the UNIQUE constraint.
	if _, err := tx.ExecContext(ctx, "UPDATE vectors SET label = label + ?", offset); err != nil {
		return fmt.Errorf("sidecar: shifting labels: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE mappings SET label = label + ?", offset); err != nil {
		return fmt.Errorf("sidecar: shifting mappings: %w", err)
	}

	for docID, label := range labels {
		if _, err := tx.ExecContext(ctx, "UPDATE vectors SET label = ? WHERE doc_id = ?", label, docID); err != nil {
			return fmt.Errorf("sidecar: renumbering vector %s: %w", docID, err)
		}
		if _, err := tx.ExecContext(ctx, "UPDATE mappings SET label = ? WHERE doc_id = ?", label, docID); err != nil {
			return fmt.Errorf("sidecar: renumbering mapping %s: %w", docID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sidecar: committing transaction: %w", err)
	}

	return nil
}

// Stats returns the record count, total vector bytes and the most recent
// update time.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	var totalBytes sql.NullInt64
	var lastUpdate sql.NullString

	row := s.db.QueryRowContext(ctx, "SELECT COUNT(*), SUM(length(vector)), MAX(updated_at) FROM vectors")
	if err := row.Scan(&stats.Count, &totalBytes, &lastUpdate); err != nil {
		return Stats{}, fmt.Errorf("sidecar: scanning stats: %w", err)
	}

	stats.TotalBytes = totalBytes.Int64
	if lastUpdate.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, lastUpdate.String); err == nil {
			stats.LastUpdate = ts
		}
	}

	return stats, nil
}

// PutMeta stores a key/value pair in index_metadata.
func (s *Store) PutMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO index_metadata (key, value)
		VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("sidecar: saving metadata: %w", err)
	}

	return nil
}

// GetMeta retrieves a value from index_metadata.
func (s *Store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM index_metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sidecar: getting metadata: %w", err)
	}

	return value, true, nil
}

// Checkpoint truncates the WAL. Best-effort: callers log failures but do not
// propagate them.
func (s *Store) Checkpoint(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func scanRecord(row *sql.Row) (*Record, error) {
	var rec Record
	var vectorBlob []byte
	var metadataJSON sql.NullString
	var contentHash, modelVersion sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(&rec.DocID, &rec.Label, &vectorBlob, &metadataJSON,
		&contentHash, &createdAt, &updatedAt, &modelVersion, &rec.Normalized); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sidecar: scanning record: %w", err)
	}

	rec.Vector = bytesToFloat32Slice(vectorBlob)
	rec.ContentHash = contentHash.String
	rec.ModelVersion = modelVersion.String
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("sidecar: unmarshaling metadata: %w", err)
		}
	}

	return &rec, nil
}

// float32SliceToBytes converts a []float32 to a byte slice for storage.
func float32SliceToBytes(floats []float32) []byte {
	if len(floats) == 0 {
		return nil
	}
	buf := make([]byte, len(floats)*4)
	for i, f := range floats {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// bytesToFloat32Slice converts a byte slice back to []float32.
func bytesToFloat32Slice(data []byte) []float32 {
	if len(data) == 0 {
		return nil
	}
	floats := make([]float32, len(data)/4)
	for i := range floats {
		floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return floats
}
