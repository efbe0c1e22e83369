package memory

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/biem/types"
)

// recentRingMax bounds the per-scope record of recent ingests the temporal
// router consults.
const recentRingMax = 50

type recentEntry struct {
	id string
	at time.Time
}

// Router wires each newly ingested node into the association graph.
// Temporal links connect the node symmetrically to recent ingests of the
// same scope; semantic links connect it to its nearest vector neighbours
// above the similarity threshold. Causal links are never inferred here;
// they only enter through explicit feedback.
//
// Every accepted edge is mirrored to the crystal store. Writes that fail
// are queued and retried by FlushPending, so the durable mirror converges
// within the reconciliation window.
type Router struct {
	cfg     Config
	index   VectorIndex
	graph   *Graph
	crystal *CrystalStore
	now     func() time.Time
	logger  *zap.Logger

	mu      sync.Mutex
	recent  map[string][]recentEntry
	pending []Link
}

// NewRouter creates a router. crystal may be nil, in which case edges are
// kept in memory only.
func NewRouter(cfg Config, index VectorIndex, graph *Graph, crystal *CrystalStore, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.normalize()
	return &Router{
		cfg:     cfg,
		index:   index,
		graph:   graph,
		crystal: crystal,
		now:     cfg.Now,
		logger:  logger.With(zap.String("component", "router")),
		recent:  make(map[string][]recentEntry),
	}
}

// Route links a freshly stored node into its scope's graph and returns the
// edges that were actually added. The node must already be present in the
// vector index.
func (r *Router) Route(ctx context.Context, node *Node) ([]Link, error) {
	now := r.now()
	var added []Link

	for _, id := range r.temporalTargets(node.Scope, now) {
		added = append(added, r.addPair(ctx, node, id, LinkTemporal, 1.0, now)...)
	}

	semantic, err := r.semanticTargets(ctx, node)
	if err != nil {
		r.logger.Warn("semantic routing skipped",
			zap.String("node_id", node.ID),
			zap.Error(err))
	}
	for _, hit := range semantic {
		added = append(added, r.addPair(ctx, node, hit.Node.ID, LinkSemantic, hit.Score, now)...)
	}

	r.remember(node.Scope, node.ID, now)

	if len(added) > 0 {
		r.logger.Debug("routed node",
			zap.String("node_id", node.ID),
			zap.String("scope", node.Scope),
			zap.Int("links", len(added)))
	}
	return added, nil
}

// RouteSemantic re-runs semantic routing only, without touching the
// temporal ring. Used after a degraded node gains its real vector.
func (r *Router) RouteSemantic(ctx context.Context, node *Node) []Link {
	now := r.now()
	var added []Link
	semantic, err := r.semanticTargets(ctx, node)
	if err != nil {
		r.logger.Warn("semantic routing skipped",
			zap.String("node_id", node.ID),
			zap.Error(err))
		return nil
	}
	for _, hit := range semantic {
		added = append(added, r.addPair(ctx, node, hit.Node.ID, LinkSemantic, hit.Score, now)...)
	}
	return added
}

// RecordCausal adds an explicit causal edge between two nodes of one scope.
func (r *Router) RecordCausal(ctx context.Context, scope, sourceID, targetID string, weight float64) error {
	if sourceID == targetID {
		return types.NewError(types.ErrInvalidLink, "causal link endpoints must differ")
	}
	if weight <= 0 || weight > 1 {
		weight = 1.0
	}
	l := Link{
		Source:    sourceID,
		Target:    targetID,
		Type:      LinkCausal,
		Weight:    weight,
		Scope:     scope,
		CreatedAt: r.now(),
	}
	added, err := r.graph.AddLink(l)
	if err != nil {
		return err
	}
	if added {
		r.persist(ctx, l)
	}
	return nil
}

// temporalTargets returns the most recent ingests of the scope still inside
// the temporal window, newest first, capped at the fanout.
func (r *Router) temporalTargets(scope string, now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ring := r.recent[scope]
	var ids []string
	for i := len(ring) - 1; i >= 0 && len(ids) < r.cfg.TemporalFanout; i-- {
		if now.Sub(ring[i].at) > r.cfg.TemporalWindow {
			break
		}
		ids = append(ids, ring[i].id)
	}
	return ids
}

// semanticTargets searches the scope for nearest neighbours above the
// semantic threshold, excluding the node itself and degraded neighbours.
func (r *Router) semanticTargets(ctx context.Context, node *Node) ([]Hit, error) {
	hits, err := r.index.Search(ctx, node.Scope, node.Vector, r.cfg.SemanticTopK, &SearchFilter{
		ExcludeIDs:      []string{node.ID},
		ExcludeDegraded: true,
	})
	if err != nil {
		return nil, err
	}
	out := hits[:0]
	for _, h := range hits {
		if h.Score >= r.cfg.SemanticThreshold {
			out = append(out, h)
		}
	}
	return out, nil
}

// addPair inserts the symmetric edge pair between node and other.
func (r *Router) addPair(ctx context.Context, node *Node, other string, t LinkType, weight float64, now time.Time) []Link {
	if other == node.ID {
		return nil
	}
	var added []Link
	for _, l := range []Link{
		{Source: node.ID, Target: other, Type: t, Weight: weight, Scope: node.Scope, CreatedAt: now},
		{Source: other, Target: node.ID, Type: t, Weight: weight, Scope: node.Scope, CreatedAt: now},
	} {
		ok, err := r.graph.AddLink(l)
		if err != nil {
			r.logger.Warn("link rejected", zap.String("key", l.Key()), zap.Error(err))
			continue
		}
		if ok {
			added = append(added, l)
			r.persist(ctx, l)
		}
	}
	return added
}

// persist mirrors one edge to the crystal store, queueing it on failure.
func (r *Router) persist(ctx context.Context, l Link) {
	if r.crystal == nil {
		return
	}
	if err := r.crystal.SaveLink(ctx, l); err != nil {
		r.logger.Warn("crystal link write failed, queued for reconcile",
			zap.String("key", l.Key()),
			zap.Error(err))
		r.mu.Lock()
		r.pending = append(r.pending, l)
		r.mu.Unlock()
	}
}

// FlushPending retries queued crystal writes and returns how many remain.
func (r *Router) FlushPending(ctx context.Context) int {
	r.mu.Lock()
	queued := r.pending
	r.pending = nil
	r.mu.Unlock()

	if len(queued) == 0 {
		return 0
	}

	var still []Link
	for _, l := range queued {
		if err := r.crystal.SaveLink(ctx, l); err != nil {
			still = append(still, l)
		}
	}
	if len(still) > 0 {
		r.mu.Lock()
		r.pending = append(still, r.pending...)
		r.mu.Unlock()
		r.logger.Warn("crystal reconcile incomplete", zap.Int("remaining", len(still)))
	} else if len(queued) > 0 {
		r.logger.Info("crystal reconcile flushed queued links", zap.Int("flushed", len(queued)))
	}
	return len(still)
}

// PendingCount returns the size of the reconcile queue.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// remember records an ingest in the scope's recent ring.
func (r *Router) remember(scope, id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ring := append(r.recent[scope], recentEntry{id: id, at: at})
	if len(ring) > recentRingMax {
		ring = ring[len(ring)-recentRingMax:]
	}
	r.recent[scope] = ring
}
