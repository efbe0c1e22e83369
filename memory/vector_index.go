package memory

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/biem/types"
)

// SearchFilter narrows a vector search. Zero values mean "no constraint".
type SearchFilter struct {
	// Tier restricts hits to one storage tier.
	Tier Tier
	// MinEnergy drops hits whose stored energy is below the floor.
	MinEnergy float64
	// Since/Until bound the node creation time (inclusive).
	Since time.Time
	Until time.Time
	// ExcludeDegraded drops zero-vector nodes awaiting re-embedding.
	ExcludeDegraded bool
	// ExcludeIDs drops specific nodes, typically the query node itself.
	ExcludeIDs []string
}

// Hit is a single vector search result.
type Hit struct {
	Node  *Node
	Score float64
}

// VectorIndex is the durable L2 surface: every node the engine knows lives
// here, keyed by id, searchable by cosine similarity within one scope.
// Scope is mandatory on search; the index never returns nodes across
// scope boundaries.
type VectorIndex interface {
	// Put inserts or fully replaces a node.
	Put(ctx context.Context, node *Node) error
	// Get returns a node by id, or a not-found error.
	Get(ctx context.Context, id string) (*Node, error)
	// Delete removes a node. Deleting an absent id is a no-op.
	Delete(ctx context.Context, id string) error
	// Search returns up to topK nodes of the scope ordered by descending
	// cosine similarity to the query vector.
	Search(ctx context.Context, scope string, query []float64, topK int, filter *SearchFilter) ([]Hit, error)
	// UpdateEnergy writes through an energy transition without replacing
	// the node body.
	UpdateEnergy(ctx context.Context, id string, energy float64, lastAccessed time.Time) error
	// UpdateTier writes through a tier transition.
	UpdateTier(ctx context.Context, id string, tier Tier) error
	// Count returns the node count for one scope.
	Count(ctx context.Context, scope string) (int, error)
	// Scopes lists all scopes present in the index.
	Scopes(ctx context.Context) ([]string, error)
}

// InMemoryVectorIndex is the default VectorIndex: a mutex-guarded map with
// exact cosine scan. It is the reference implementation; deployments that
// outgrow it swap in an external index behind the same interface.
type InMemoryVectorIndex struct {
	mu    sync.RWMutex
	nodes map[string]*Node

	logger *zap.Logger
}

var _ VectorIndex = (*InMemoryVectorIndex)(nil)

// NewInMemoryVectorIndex creates an empty index.
func NewInMemoryVectorIndex(logger *zap.Logger) *InMemoryVectorIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryVectorIndex{
		nodes:  make(map[string]*Node),
		logger: logger.With(zap.String("component", "vector_index")),
	}
}

// Put inserts or replaces a node. The index stores its own copy.
func (ix *InMemoryVectorIndex) Put(ctx context.Context, node *Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if node == nil || node.ID == "" {
		return types.NewError(types.ErrInvalidRequest, "node id must not be empty")
	}
	if node.Scope == "" {
		return types.NewError(types.ErrInvalidScope, "node scope must not be empty")
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.nodes[node.ID] = node.Clone()
	return nil
}

// Get returns a copy of the node.
func (ix *InMemoryVectorIndex) Get(ctx context.Context, id string) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	n, ok := ix.nodes[id]
	if !ok {
		return nil, types.NewError(types.ErrNodeNotFound, "node not found: "+id)
	}
	return n.Clone(), nil
}

// Delete removes a node if present.
func (ix *InMemoryVectorIndex) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.nodes, id)
	return nil
}

// Search scans the scope and returns the topK most similar nodes. Ties
// break on older creation time, then id, so results are deterministic.
func (ix *InMemoryVectorIndex) Search(ctx context.Context, scope string, query []float64, topK int, filter *SearchFilter) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if scope == "" {
		return nil, types.NewError(types.ErrInvalidScope, "search scope must not be empty")
	}
	if topK <= 0 {
		return nil, nil
	}

	excluded := make(map[string]struct{})
	if filter != nil {
		for _, id := range filter.ExcludeIDs {
			excluded[id] = struct{}{}
		}
	}

	ix.mu.RLock()
	hits := make([]Hit, 0, 32)
	for _, n := range ix.nodes {
		if n.Scope != scope {
			continue
		}
		if _, skip := excluded[n.ID]; skip {
			continue
		}
		if filter != nil && !matchesFilter(n, filter) {
			continue
		}
		hits = append(hits, Hit{Node: n.Clone(), Score: CosineSimilarity(query, n.Vector)})
	}
	ix.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].Node.CreatedAt.Equal(hits[j].Node.CreatedAt) {
			return hits[i].Node.CreatedAt.Before(hits[j].Node.CreatedAt)
		}
		return hits[i].Node.ID < hits[j].Node.ID
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// UpdateEnergy writes through an energy transition.
func (ix *InMemoryVectorIndex) UpdateEnergy(ctx context.Context, id string, energy float64, lastAccessed time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	n, ok := ix.nodes[id]
	if !ok {
		return types.NewError(types.ErrNodeNotFound, "node not found: "+id)
	}
	n.Energy = energy
	n.Metadata.LastAccessed = lastAccessed
	return nil
}

// UpdateTier writes through a tier transition.
func (ix *InMemoryVectorIndex) UpdateTier(ctx context.Context, id string, tier Tier) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	n, ok := ix.nodes[id]
	if !ok {
		return types.NewError(types.ErrNodeNotFound, "node not found: "+id)
	}
	n.Tier = tier
	return nil
}

// Count returns the node count for one scope.
func (ix *InMemoryVectorIndex) Count(ctx context.Context, scope string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	count := 0
	for _, n := range ix.nodes {
		if n.Scope == scope {
			count++
		}
	}
	return count, nil
}

// Scopes lists the scopes present in the index, sorted.
func (ix *InMemoryVectorIndex) Scopes(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, n := range ix.nodes {
		seen[n.Scope] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func matchesFilter(n *Node, f *SearchFilter) bool {
	if f.Tier != "" && n.Tier != f.Tier {
		return false
	}
	if f.MinEnergy > 0 && n.Energy < f.MinEnergy {
		return false
	}
	if !f.Since.IsZero() && n.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && n.CreatedAt.After(f.Until) {
		return false
	}
	if f.ExcludeDegraded && n.Metadata.Degraded {
		return false
	}
	return true
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched lengths and zero vectors score 0.
func CosineSimilarity(a, b []float64) float64 {
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
	// Rounding can push the ratio a hair past ±1 for near-identical
	// vectors; clamp so callers can use the score as a link weight.
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return math.Max(-1, math.Min(1, sim))
}
