package memory

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/biem/types"
)

// activationFloor drops activation contributions too small to matter.
const activationFloor = 0.01

// Neighbor is one outgoing edge of a node.
type Neighbor struct {
	ID     string
	Type   LinkType
	Weight float64
}

// Graph is the in-memory association graph (C5): a directed multigraph of
// node ids with typed, weighted edges. Edges are idempotent on
// (scope, source, target, type). The graph holds ids only; node bodies live
// in the working set and the vector index.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]string  // node id -> scope
	adj   map[string][]*Link // node id -> outgoing links
	keys  map[string]struct{}

	logger *zap.Logger
}

// NewGraph creates an empty graph.
func NewGraph(logger *zap.Logger) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Graph{
		nodes:  make(map[string]string),
		adj:    make(map[string][]*Link),
		keys:   make(map[string]struct{}),
		logger: logger.With(zap.String("component", "graph")),
	}
}

// AddNode registers a node id in a scope. Re-adding is a no-op.
func (g *Graph) AddNode(id, scope string) {
	if id == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[id]; !ok {
		g.nodes[id] = scope
	}
}

// HasNode reports whether the id is registered.
func (g *Graph) HasNode(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[id]
	return ok
}

// RemoveNode drops a node and every edge touching it.
func (g *Graph) RemoveNode(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.nodes, id)
	for _, l := range g.adj[id] {
		delete(g.keys, l.Key())
	}
	delete(g.adj, id)
	for src, links := range g.adj {
		kept := links[:0]
		for _, l := range links {
			if l.Target == id {
				delete(g.keys, l.Key())
				continue
			}
			kept = append(kept, l)
		}
		g.adj[src] = kept
	}
}

// AddLink inserts a directed edge. It reports whether the edge was new;
// inserting an existing (scope, source, target, type) edge is a no-op.
func (g *Graph) AddLink(l Link) (bool, error) {
	if l.Source == "" || l.Target == "" {
		return false, types.NewError(types.ErrInvalidLink, "link endpoints must not be empty")
	}
	if !ValidLinkType(l.Type) {
		return false, types.NewError(types.ErrInvalidLink, "unknown link type: "+string(l.Type))
	}
	if l.Weight <= 0 || l.Weight > 1 {
		return false, types.NewError(types.ErrInvalidLink, "link weight must be in (0, 1]")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	key := l.Key()
	if _, ok := g.keys[key]; ok {
		return false, nil
	}
	if _, ok := g.nodes[l.Source]; !ok {
		g.nodes[l.Source] = l.Scope
	}
	if _, ok := g.nodes[l.Target]; !ok {
		g.nodes[l.Target] = l.Scope
	}
	g.keys[key] = struct{}{}
	cp := l
	g.adj[l.Source] = append(g.adj[l.Source], &cp)
	return true, nil
}

// Neighbors returns the outgoing edges of a node, optionally filtered by
// link type (empty matches all).
func (g *Graph) Neighbors(id string, t LinkType) []Neighbor {
	g.mu.RLock()
	defer g.mu.RUnlock()
	links := g.adj[id]
	out := make([]Neighbor, 0, len(links))
	for _, l := range links {
		if t != "" && l.Type != t {
			continue
		}
		out = append(out, Neighbor{ID: l.Target, Type: l.Type, Weight: l.Weight})
	}
	return out
}

// Spread runs spreading activation from the seed set. Each seed starts at
// activation 1.0; each hop propagates the wave outwards, a neighbour
// receiving activation = source activation * decay * edge weight.
// A node reached more than once keeps the maximum activation observed.
// Contributions below the activation floor are dropped.
//
// The returned map excludes the seeds; hops = 0 yields an empty map. The
// whole walk runs under a read lock, so it sees one consistent snapshot of
// the adjacency lists.
func (g *Graph) Spread(seeds []string, hops int, decay float64) map[string]float64 {
	result := make(map[string]float64)
	if hops <= 0 || len(seeds) == 0 || decay <= 0 {
		return result
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	seedSet := make(map[string]struct{}, len(seeds))
	wave := make(map[string]float64, len(seeds))
	for _, s := range seeds {
		if _, ok := g.nodes[s]; !ok {
			continue
		}
		seedSet[s] = struct{}{}
		wave[s] = 1.0
	}

	for h := 0; h < hops && len(wave) > 0; h++ {
		next := make(map[string]float64)
		for id, score := range wave {
			for _, l := range g.adj[id] {
				a := score * decay * l.Weight
				if a < activationFloor {
					continue
				}
				if a > next[l.Target] {
					next[l.Target] = a
				}
			}
		}
		for id, a := range next {
			if _, isSeed := seedSet[id]; isSeed {
				continue
			}
			if a > result[id] {
				result[id] = a
			}
		}
		wave = next
	}
	return result
}

// Clusters returns the connected components of one scope with at least
// minSize members, treating edges as undirected. Components are used as
// consolidation candidates.
func (g *Graph) Clusters(scope string, minSize int) [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	// Undirected adjacency restricted to the scope.
	und := make(map[string][]string)
	for src, links := range g.adj {
		for _, l := range links {
			if l.Scope != scope {
				continue
			}
			und[src] = append(und[src], l.Target)
			und[l.Target] = append(und[l.Target], src)
		}
	}

	visited := make(map[string]struct{})
	var clusters [][]string
	for id, sc := range g.nodes {
		if sc != scope {
			continue
		}
		if _, ok := visited[id]; ok {
			continue
		}
		var component []string
		stack := []string{id}
		visited[id] = struct{}{}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			component = append(component, cur)
			for _, nb := range und[cur] {
				if _, ok := visited[nb]; ok {
					continue
				}
				visited[nb] = struct{}{}
				stack = append(stack, nb)
			}
		}
		if len(component) >= minSize {
			sort.Strings(component)
			clusters = append(clusters, component)
		}
	}
	sort.Slice(clusters, func(i, j int) bool { return clusters[i][0] < clusters[j][0] })
	return clusters
}

// NodeCount returns the registered node count for a scope.
func (g *Graph) NodeCount(scope string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	count := 0
	for _, sc := range g.nodes {
		if sc == scope {
			count++
		}
	}
	return count
}

// LinkCount returns the edge count for a scope.
func (g *Graph) LinkCount(scope string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	count := 0
	for _, links := range g.adj {
		for _, l := range links {
			if l.Scope == scope {
				count++
			}
		}
	}
	return count
}

// Scopes lists scopes with at least one registered node, sorted.
func (g *Graph) Scopes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, sc := range g.nodes {
		seen[sc] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
