package knowledge

import (
	"context"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/biem/types"
)

// VectorHit is one triple-index search result. The entry vector is
// returned so cluster expansion can search around a hit without another
// round trip.
type VectorHit struct {
	TripleID string
	Score    float64
	Vector   []float64
}

// VectorIndex is the semantic side of the knowledge base: one global
// collection of triple embeddings keyed by triple id. The relational
// store remains authoritative for triple bodies; this index only
// answers similarity queries.
type VectorIndex interface {
	// Put inserts or replaces a triple's embedding.
	Put(ctx context.Context, tripleID string, vector []float64) error
	// Delete removes an embedding. Deleting an absent id is a no-op.
	Delete(ctx context.Context, tripleID string) error
	// Search returns up to topK entries with cosine similarity >= minScore,
	// ordered by descending score. Ids in exclude never appear.
	Search(ctx context.Context, query []float64, topK int, minScore float64, exclude []string) ([]VectorHit, error)
	// Count returns the number of indexed triples.
	Count(ctx context.Context) (int, error)
}

// InMemoryVectorIndex is the default VectorIndex: a mutex-guarded map
// with exact cosine scan, mirroring the memory layer's reference index.
type InMemoryVectorIndex struct {
	mu      sync.RWMutex
	vectors map[string][]float64

	logger *zap.Logger
}

var _ VectorIndex = (*InMemoryVectorIndex)(nil)

// NewInMemoryVectorIndex creates an empty index.
func NewInMemoryVectorIndex(logger *zap.Logger) *InMemoryVectorIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryVectorIndex{
		vectors: make(map[string][]float64),
		logger:  logger.With(zap.String("component", "knowledge_index")),
	}
}

// Put inserts or replaces an embedding. The index stores its own copy.
func (ix *InMemoryVectorIndex) Put(ctx context.Context, tripleID string, vector []float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tripleID == "" {
		return types.NewError(types.ErrInvalidRequest, "triple id must not be empty")
	}
	if len(vector) == 0 {
		return types.NewError(types.ErrInvalidRequest, "triple vector must not be empty")
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.vectors[tripleID] = append([]float64(nil), vector...)
	return nil
}

// Delete removes an embedding if present.
func (ix *InMemoryVectorIndex) Delete(ctx context.Context, tripleID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.vectors, tripleID)
	return nil
}

// Search scans the collection. Ties break on triple id so results are
// deterministic.
func (ix *InMemoryVectorIndex) Search(ctx context.Context, query []float64, topK int, minScore float64, exclude []string) ([]VectorHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, nil
	}
	excluded := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}

	ix.mu.RLock()
	hits := make([]VectorHit, 0, 16)
	for id, vec := range ix.vectors {
		if _, skip := excluded[id]; skip {
			continue
		}
		score := cosineSimilarity(query, vec)
		if score < minScore {
			continue
		}
		hits = append(hits, VectorHit{
			TripleID: id,
			Score:    score,
			Vector:   append([]float64(nil), vec...),
		})
	}
	ix.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].TripleID < hits[j].TripleID
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Count returns the number of indexed triples.
func (ix *InMemoryVectorIndex) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.vectors), nil
}

// cosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched lengths and zero vectors score 0.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
