package store

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/coder/hnsw"

	"github.com/ragline/ragline/internal/errors"
)

// HNSWVector is the embedded in-process fallback for the external vector
// service. Vectors live for the process lifetime; the relational store
// remains the durable source of truth.
type HNSWVector struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[uint64]
	dims  int

	idMap   map[string]uint64 // chunk id -> graph key
	keyMap  map[uint64]string // graph key -> chunk id
	byDoc   map[string][]string
	payload map[string]map[string]any
	nextKey uint64
}

// NewHNSWVector creates the fallback store with cosine distance.
func NewHNSWVector(dims int) *HNSWVector {
	if dims <= 0 {
		dims = 1536
	}
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 32
	graph.Ml = 0.25

	return &HNSWVector{
		graph:   graph,
		dims:    dims,
		idMap:   make(map[string]uint64),
		keyMap:  make(map[uint64]string),
		byDoc:   make(map[string][]string),
		payload: make(map[string]map[string]any),
	}
}

// EnsureReady is a no-op for the embedded store.
func (s *HNSWVector) EnsureReady(ctx context.Context) error { return nil }

// UpsertChunk inserts or replaces the chunk's vector. Replacement is lazy:
// the old graph node is orphaned rather than removed, which sidesteps
// delete instability in the graph implementation.
func (s *HNSWVector) UpsertChunk(ctx context.Context, chunk *ChunkRecord, vector []float32) error {
	if len(vector) != s.dims {
		return errors.Newf(errors.KindInvalidInput,
			"vector has %d dimensions, store expects %d", len(vector), s.dims)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if oldKey, exists := s.idMap[chunk.ChunkID]; exists {
		delete(s.keyMap, oldKey)
	} else {
		s.byDoc[chunk.DocumentID] = append(s.byDoc[chunk.DocumentID], chunk.ChunkID)
	}

	key := s.nextKey
	s.nextKey++

	vec := make([]float32, len(vector))
	copy(vec, vector)
	normalize(vec)

	s.graph.Add(hnsw.MakeNode(key, vec))
	s.idMap[chunk.ChunkID] = key
	s.keyMap[key] = chunk.ChunkID
	s.payload[chunk.ChunkID] = vectorPayload(chunk)
	return nil
}

// Search returns the nearest chunks above the similarity threshold.
func (s *HNSWVector) Search(ctx context.Context, vector []float32, limit int, threshold float32) ([]SearchHit, error) {
	if len(vector) != s.dims {
		return nil, errors.Newf(errors.KindInvalidInput,
			"query vector has %d dimensions, store expects %d", len(vector), s.dims)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.graph.Len() == 0 {
		return []SearchHit{}, nil
	}

	query := make([]float32, len(vector))
	copy(query, vector)
	normalize(query)

	// Over-fetch to compensate for orphaned nodes skipped below.
	nodes := s.graph.Search(query, limit*2)

	hits := make([]SearchHit, 0, limit)
	for _, node := range nodes {
		id, live := s.keyMap[node.Key]
		if !live {
			continue
		}
		score := 1 - s.graph.Distance(query, node.Value)/2
		if threshold > 0 && score < threshold {
			continue
		}

		hit := SearchHit{
			ChunkID:  id,
			Score:    float64(score),
			Source:   "vector",
			Metadata: s.payload[id],
		}
		if meta := s.payload[id]; meta != nil {
			if docID, ok := meta["document_id"].(string); ok {
				hit.DocumentID = docID
			}
			if title, ok := meta["title"].(string); ok {
				hit.Title = title
			}
		}
		hits = append(hits, hit)
		if len(hits) == limit {
			break
		}
	}
	return hits, nil
}

// DeleteDocument lazily removes every chunk of one document.
func (s *HNSWVector) DeleteDocument(ctx context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.byDoc[documentID] {
		if key, exists := s.idMap[id]; exists {
			delete(s.keyMap, key)
			delete(s.idMap, id)
			delete(s.payload, id)
		}
	}
	delete(s.byDoc, documentID)
	return nil
}

// Count returns the number of live vectors.
func (s *HNSWVector) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.idMap)
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}

// String identifies the store in logs.
func (s *HNSWVector) String() string {
	return fmt.Sprintf("hnsw(dims=%d, count=%d)", s.dims, s.Count())
}

var _ Vector = (*HNSWVector)(nil)
