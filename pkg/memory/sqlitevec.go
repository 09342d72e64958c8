package memory

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

// SQLiteVecIndex keeps documents in an in-memory SQLite database and ranks
// them with the vec0 virtual table from sqlite-vec.
type SQLiteVecIndex struct {
	mu    sync.RWMutex
	db    *sql.DB
	dim   int
	ids   map[int64]struct{}
	maxID int64
}

// NewSQLiteVecIndex creates an empty sqlite-vec backed index
func NewSQLiteVecIndex() (*SQLiteVecIndex, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	// Every pooled connection would otherwise get its own empty database
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE IF NOT EXISTS documents (
			source_id INTEGER PRIMARY KEY,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	var version string
	if err := db.QueryRow("SELECT vec_version()").Scan(&version); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite-vec extension not available: %w", err)
	}

	return &SQLiteVecIndex{
		db:  db,
		ids: make(map[int64]struct{}),
	}, nil
}

func (s *SQLiteVecIndex) createVectorTable(dim int) error {
	vectorSchema := fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS vectors USING vec0(
			embedding float[%d] distance_metric=cosine
		);
	`, dim)
	if _, err := s.db.Exec(vectorSchema); err != nil {
		return fmt.Errorf("failed to create vector table: %w", err)
	}
	return nil
}

func (s *SQLiteVecIndex) AddBatch(docs []Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(docs) == 0 {
		return nil
	}

	dim := s.dim
	seen := make(map[int64]struct{}, len(docs))
	for _, doc := range docs {
		if len(doc.Embedding) == 0 {
			return fmt.Errorf("%w: source_id %d", ErrEmbeddingUnavailable, doc.SourceID)
		}
		if dim == 0 {
			dim = len(doc.Embedding)
		}
		if len(doc.Embedding) != dim {
			return fmt.Errorf("%w: source_id %d has %d, index has %d", ErrDimensionMismatch, doc.SourceID, len(doc.Embedding), dim)
		}
		if _, ok := s.ids[doc.SourceID]; ok {
			return fmt.Errorf("%w: source_id %d", ErrDuplicateDocument, doc.SourceID)
		}
		if _, ok := seen[doc.SourceID]; ok {
			return fmt.Errorf("%w: source_id %d", ErrDuplicateDocument, doc.SourceID)
		}
		seen[doc.SourceID] = struct{}{}
	}

	if s.dim == 0 {
		if err := s.createVectorTable(dim); err != nil {
			return err
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, doc := range docs {
		blob, err := sqlite_vec.SerializeFloat32(doc.Embedding)
		if err != nil {
			return fmt.Errorf("failed to serialize embedding: %w", err)
		}

		ts := int64(zeroTime)
		if !doc.Metadata.CreatedAt.IsZero() {
			ts = doc.Metadata.CreatedAt.UnixNano()
		}

		if _, err := tx.Exec(
			"INSERT INTO documents (source_id, role, text, created_at) VALUES (?, ?, ?, ?)",
			doc.SourceID, doc.Metadata.Role, doc.Text, ts,
		); err != nil {
			return fmt.Errorf("failed to insert document %d: %w", doc.SourceID, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO vectors (rowid, embedding) VALUES (?, ?)",
			doc.SourceID, blob,
		); err != nil {
			return fmt.Errorf("failed to insert vector %d: %w", doc.SourceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	s.dim = dim
	for _, doc := range docs {
		s.ids[doc.SourceID] = struct{}{}
		if doc.SourceID > s.maxID {
			s.maxID = doc.SourceID
		}
	}
	return nil
}

func (s *SQLiteVecIndex) Search(query []float32, k int) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.ids) == 0 || k <= 0 {
		return []SearchResult{}, nil
	}
	if len(query) != s.dim {
		return nil, fmt.Errorf("%w: query has %d, index has %d", ErrDimensionMismatch, len(query), s.dim)
	}

	blob, err := sqlite_vec.SerializeFloat32(query)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize query: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT
			v.rowid,
			vec_distance_cosine(v.embedding, ?) AS distance,
			v.embedding,
			d.role,
			d.text,
			d.created_at
		FROM vectors v
		JOIN documents d ON d.source_id = v.rowid
		ORDER BY distance ASC, v.rowid ASC
		LIMIT ?
	`, blob, k)
	if err != nil {
		return nil, fmt.Errorf("vector query failed: %w", err)
	}
	defer rows.Close()

	results := make([]SearchResult, 0, k)
	for rows.Next() {
		var (
			res      SearchResult
			distance float64
			raw      []byte
		)
		doc, err := scanDocument(rows, &distance, &raw)
		if err != nil {
			return nil, err
		}
		res.Document = doc
		// cosine distance is 1 - similarity
		res.Score = 1.0 - distance
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rankResults(results)
	return results, nil
}

func (s *SQLiteVecIndex) Serialize() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.ids) == 0 {
		return encodeSnapshot(s.dim, nil)
	}

	rows, err := s.db.Query(`
		SELECT v.rowid, 0.0, v.embedding, d.role, d.text, d.created_at
		FROM vectors v
		JOIN documents d ON d.source_id = v.rowid
		ORDER BY v.rowid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to read documents: %w", err)
	}
	defer rows.Close()

	docs := make([]Document, 0, len(s.ids))
	for rows.Next() {
		var (
			distance float64
			raw      []byte
		)
		doc, err := scanDocument(rows, &distance, &raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return encodeSnapshot(s.dim, docs)
}

func (s *SQLiteVecIndex) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

func (s *SQLiteVecIndex) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dim
}

func (s *SQLiteVecIndex) MaxSourceID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxID
}

func (s *SQLiteVecIndex) Close() error {
	return s.db.Close()
}

func scanDocument(rows *sql.Rows, distance *float64, raw *[]byte) (Document, error) {
	var (
		doc Document
		ts  int64
	)
	if err := rows.Scan(&doc.SourceID, distance, raw, &doc.Metadata.Role, &doc.Text, &ts); err != nil {
		return doc, fmt.Errorf("failed to scan document: %w", err)
	}
	if ts != zeroTime {
		doc.Metadata.CreatedAt = time.Unix(0, ts).UTC()
	}
	doc.Embedding = decodeFloat32(*raw)
	return doc, nil
}

func decodeFloat32(raw []byte) []float32 {
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}
