package memory

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Metadata carries the message attributes stored alongside an embedding
type Metadata struct {
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Document is an indexed chat message. SourceID is the message id in the chat log.
type Document struct {
	SourceID  int64     `json:"source_id"`
	Embedding []float32 `json:"-"`
	Text      string    `json:"text"`
	Metadata  Metadata  `json:"metadata"`
}

// SearchResult is a document with its cosine similarity to the query
type SearchResult struct {
	Document
	Score float64 `json:"score"`
}

// VectorIndex stores documents and answers k-nearest-neighbor queries.
//
// Implementations must be safe for concurrent use.
type VectorIndex interface {
	// AddBatch appends documents. A failing batch leaves the index unchanged.
	AddBatch(docs []Document) error

	// Search returns at most k documents, best similarity first. Equal scores
	// rank the lower source id first. An empty index yields an empty result.
	Search(query []float32, k int) ([]SearchResult, error)

	// Serialize returns the full index state in the snapshot format.
	Serialize() ([]byte, error)

	Len() int
	Dimension() int
	MaxSourceID() int64
	Close() error
}

// Backend names a VectorIndex implementation
type Backend string

const (
	BackendFlat      Backend = "flat"
	BackendSQLiteVec Backend = "sqlite-vec"
)

// NewIndex creates an empty index for the backend
func NewIndex(backend Backend) (VectorIndex, error) {
	switch backend {
	case "", BackendFlat:
		return NewFlatIndex(), nil
	case BackendSQLiteVec:
		return NewSQLiteVecIndex()
	default:
		return nil, fmt.Errorf("unknown index backend: %s", backend)
	}
}

// DeserializeIndex rebuilds an index from a snapshot. Any decoding problem is
// reported as ErrCorruptIndex and no index is returned.
func DeserializeIndex(backend Backend, data []byte) (VectorIndex, error) {
	dim, docs, err := decodeSnapshot(data)
	if err != nil {
		return nil, err
	}

	idx, err := NewIndex(backend)
	if err != nil {
		return nil, err
	}

	if flat, ok := idx.(*FlatIndex); ok {
		flat.dim = dim
	}
	if len(docs) == 0 {
		return idx, nil
	}

	if err := idx.AddBatch(docs); err != nil {
		idx.Close()
		return nil, corruptf("snapshot rejected: %v", err)
	}
	return idx, nil
}

// FlatIndex is a brute-force in-memory cosine index
type FlatIndex struct {
	mu    sync.RWMutex
	dim   int
	docs  []Document
	norms []float64
	ids   map[int64]struct{}
	maxID int64
}

// NewFlatIndex creates an empty flat index
func NewFlatIndex() *FlatIndex {
	return &FlatIndex{ids: make(map[int64]struct{})}
}

func (f *FlatIndex) AddBatch(docs []Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	dim := f.dim
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
		if _, ok := f.ids[doc.SourceID]; ok {
			return fmt.Errorf("%w: source_id %d", ErrDuplicateDocument, doc.SourceID)
		}
		if _, ok := seen[doc.SourceID]; ok {
			return fmt.Errorf("%w: source_id %d", ErrDuplicateDocument, doc.SourceID)
		}
		seen[doc.SourceID] = struct{}{}
	}

	f.dim = dim
	for _, doc := range docs {
		emb := make([]float32, len(doc.Embedding))
		copy(emb, doc.Embedding)
		doc.Embedding = emb

		f.docs = append(f.docs, doc)
		f.norms = append(f.norms, norm(emb))
		f.ids[doc.SourceID] = struct{}{}
		if doc.SourceID > f.maxID {
			f.maxID = doc.SourceID
		}
	}
	return nil
}

func (f *FlatIndex) Search(query []float32, k int) ([]SearchResult, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if len(f.docs) == 0 || k <= 0 {
		return []SearchResult{}, nil
	}
	if len(query) != f.dim {
		return nil, fmt.Errorf("%w: query has %d, index has %d", ErrDimensionMismatch, len(query), f.dim)
	}

	qn := norm(query)
	results := make([]SearchResult, len(f.docs))
	for i, doc := range f.docs {
		results[i] = SearchResult{
			Document: doc,
			Score:    cosine(query, qn, doc.Embedding, f.norms[i]),
		}
	}

	rankResults(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (f *FlatIndex) Serialize() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return encodeSnapshot(f.dim, f.docs)
}

func (f *FlatIndex) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.docs)
}

func (f *FlatIndex) Dimension() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dim
}

func (f *FlatIndex) MaxSourceID() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.maxID
}

func (f *FlatIndex) Close() error {
	return nil
}

// rankResults orders by score descending, then source id ascending
func rankResults(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].SourceID < results[j].SourceID
	})
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func cosine(a []float32, an float64, b []float32, bn float64) float64 {
	if an == 0 || bn == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (an * bn)
}
