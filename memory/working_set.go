package memory

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WorkingSet is the per-scope L1 layer: a bounded map of high-energy nodes
// held in process for fast recall. Admission requires energy at or above
// the admit threshold; overflow evicts the lowest-energy resident; idle or
// drained nodes are removed lazily on access and by the periodic scan.
//
// The working set owns its copies. Callers get clones back and must write
// changes through Put again.
type WorkingSet struct {
	mu     sync.RWMutex
	scopes map[string]map[string]*Node

	cfg    Config
	energy *EnergyController
	logger *zap.Logger
}

// NewWorkingSet creates an empty working set.
func NewWorkingSet(cfg Config, energy *EnergyController, logger *zap.Logger) *WorkingSet {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkingSet{
		scopes: make(map[string]map[string]*Node),
		cfg:    cfg.normalize(),
		energy: energy,
		logger: logger.With(zap.String("component", "working_set")),
	}
}

// Put admits or refreshes a node. It reports whether the node resides in
// the set afterwards and returns the node evicted to make room, if any.
// Nodes below the admit threshold are not admitted; a resident node that
// is rewritten below the threshold is removed.
func (w *WorkingSet) Put(node *Node) (admitted bool, evicted *Node) {
	w.mu.Lock()
	defer w.mu.Unlock()

	bucket := w.scopes[node.Scope]
	if node.Energy < w.cfg.AdmitThreshold {
		if bucket != nil {
			delete(bucket, node.ID)
		}
		return false, nil
	}

	if bucket == nil {
		bucket = make(map[string]*Node)
		w.scopes[node.Scope] = bucket
	}

	_, resident := bucket[node.ID]
	if !resident && len(bucket) >= w.cfg.L1Max {
		evicted = w.evictLowest(bucket)
	}
	bucket[node.ID] = node.Clone()
	return true, evicted
}

// evictLowest removes and returns the lowest-energy node of the bucket.
// Ties break on older LastAccessed, then id, so eviction is deterministic.
func (w *WorkingSet) evictLowest(bucket map[string]*Node) *Node {
	var victim *Node
	for _, n := range bucket {
		if victim == nil {
			victim = n
			continue
		}
		if n.Energy < victim.Energy ||
			(n.Energy == victim.Energy && n.Metadata.LastAccessed.Before(victim.Metadata.LastAccessed)) ||
			(n.Energy == victim.Energy && n.Metadata.LastAccessed.Equal(victim.Metadata.LastAccessed) && n.ID < victim.ID) {
			victim = n
		}
	}
	if victim != nil {
		delete(bucket, victim.ID)
	}
	return victim
}

// Get returns a clone of the node, or nil when it is not resident. A node
// whose effective energy has drained below the lazy floor or that has been
// idle past the TTL is removed on the spot and reported as a miss.
func (w *WorkingSet) Get(scope, id string, now time.Time) *Node {
	w.mu.Lock()
	defer w.mu.Unlock()

	bucket := w.scopes[scope]
	if bucket == nil {
		return nil
	}
	n, ok := bucket[id]
	if !ok {
		return nil
	}
	if w.stale(n, now) {
		delete(bucket, n.ID)
		return nil
	}
	return n.Clone()
}

// Delete removes a node if resident.
func (w *WorkingSet) Delete(scope, id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if bucket := w.scopes[scope]; bucket != nil {
		delete(bucket, id)
	}
}

// Size returns the resident count for a scope.
func (w *WorkingSet) Size(scope string) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.scopes[scope])
}

// Scopes lists scopes that currently hold residents.
func (w *WorkingSet) Scopes() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.scopes))
	for s, bucket := range w.scopes {
		if len(bucket) > 0 {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// Scan sweeps one scope and removes nodes whose effective energy has fallen
// below the demote threshold or that have idled past the TTL. The removed
// nodes are returned with their decayed energy materialized so the caller
// can demote them in the index.
func (w *WorkingSet) Scan(scope string, now time.Time) []*Node {
	w.mu.Lock()
	defer w.mu.Unlock()

	bucket := w.scopes[scope]
	if bucket == nil {
		return nil
	}

	var removed []*Node
	for id, n := range bucket {
		effective := w.energy.EnergyAt(n, now)
		idle := now.Sub(n.Metadata.LastAccessed)
		if effective < w.cfg.DemoteThreshold || idle > w.cfg.L1TTL {
			c := n.Clone()
			c.Energy = effective
			c.Metadata.LastAccessed = now
			removed = append(removed, c)
			delete(bucket, id)
		}
	}
	if len(removed) > 0 {
		sort.Slice(removed, func(i, j int) bool { return removed[i].ID < removed[j].ID })
		w.logger.Debug("working set scan removed nodes",
			zap.String("scope", scope),
			zap.Int("removed", len(removed)),
			zap.Int("remaining", len(bucket)))
	}
	return removed
}

// stale reports whether a resident should be lazily dropped on access.
func (w *WorkingSet) stale(n *Node, now time.Time) bool {
	if w.energy.EnergyAt(n, now) < w.cfg.L1MinEnergy {
		return true
	}
	return now.Sub(n.Metadata.LastAccessed) > w.cfg.L1TTL
}
