package memory

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func link(scope, src, tgt string, t LinkType, w float64) Link {
	return Link{Scope: scope, Source: src, Target: tgt, Type: t, Weight: w}
}

func TestGraph_AddLink(t *testing.T) {
	t.Parallel()
	g := NewGraph(nil)

	t.Run("registers endpoints implicitly", func(t *testing.T) {
		added, err := g.AddLink(link("s", "a", "b", LinkTemporal, 1.0))
		require.NoError(t, err)
		assert.True(t, added)
		assert.True(t, g.HasNode("a"))
		assert.True(t, g.HasNode("b"))
	})

	t.Run("duplicate edge is a no-op", func(t *testing.T) {
		added, err := g.AddLink(link("s", "a", "b", LinkTemporal, 1.0))
		require.NoError(t, err)
		assert.False(t, added)
		assert.Equal(t, 1, g.LinkCount("s"))
	})

	t.Run("same endpoints with a different type is a new edge", func(t *testing.T) {
		added, err := g.AddLink(link("s", "a", "b", LinkSemantic, 0.9))
		require.NoError(t, err)
		assert.True(t, added)
		assert.Equal(t, 2, g.LinkCount("s"))
	})

	t.Run("rejects invalid edges", func(t *testing.T) {
		_, err := g.AddLink(link("s", "", "b", LinkTemporal, 1.0))
		assert.Error(t, err)
		_, err = g.AddLink(link("s", "a", "b", LinkType("mystery"), 1.0))
		assert.Error(t, err)
		_, err = g.AddLink(link("s", "a", "b", LinkCausal, 0))
		assert.Error(t, err)
		_, err = g.AddLink(link("s", "a", "b", LinkCausal, 1.1))
		assert.Error(t, err)
	})
}

func TestGraph_Neighbors(t *testing.T) {
	t.Parallel()
	g := NewGraph(nil)
	_, _ = g.AddLink(link("s", "a", "b", LinkTemporal, 1.0))
	_, _ = g.AddLink(link("s", "a", "c", LinkSemantic, 0.8))
	_, _ = g.AddLink(link("s", "b", "a", LinkTemporal, 1.0))

	all := g.Neighbors("a", "")
	assert.Len(t, all, 2)

	semantic := g.Neighbors("a", LinkSemantic)
	require.Len(t, semantic, 1)
	assert.Equal(t, "c", semantic[0].ID)
	assert.Equal(t, 0.8, semantic[0].Weight)

	assert.Empty(t, g.Neighbors("missing", ""))
}

func TestGraph_RemoveNode(t *testing.T) {
	t.Parallel()
	g := NewGraph(nil)
	_, _ = g.AddLink(link("s", "a", "b", LinkTemporal, 1.0))
	_, _ = g.AddLink(link("s", "b", "a", LinkTemporal, 1.0))
	_, _ = g.AddLink(link("s", "b", "c", LinkSemantic, 0.9))

	g.RemoveNode("a")

	assert.False(t, g.HasNode("a"))
	assert.Empty(t, g.Neighbors("a", ""))
	for _, nb := range g.Neighbors("b", "") {
		assert.NotEqual(t, "a", nb.ID)
	}

	// the removed edges can be re-added
	added, err := g.AddLink(link("s", "b", "a", LinkTemporal, 1.0))
	require.NoError(t, err)
	assert.True(t, added)
}

func TestGraph_Spread(t *testing.T) {
	t.Parallel()

	// a -> b -> c, plus a weak direct edge a -> c
	build := func() *Graph {
		g := NewGraph(nil)
		_, _ = g.AddLink(link("s", "a", "b", LinkSemantic, 1.0))
		_, _ = g.AddLink(link("s", "b", "c", LinkSemantic, 1.0))
		_, _ = g.AddLink(link("s", "a", "c", LinkSemantic, 0.2))
		return g
	}

	t.Run("activation decays per hop", func(t *testing.T) {
		g := build()
		act := g.Spread([]string{"a"}, 2, 0.5)
		require.Contains(t, act, "b")
		require.Contains(t, act, "c")
		assert.InDelta(t, 0.5, act["b"], 1e-9)
		// direct weak edge gives 0.5*0.2 = 0.1; two-hop path gives 0.25. Max wins.
		assert.InDelta(t, 0.25, act["c"], 1e-9)
	})

	t.Run("seeds are excluded from the result", func(t *testing.T) {
		g := build()
		_, _ = g.AddLink(link("s", "b", "a", LinkSemantic, 1.0))
		act := g.Spread([]string{"a"}, 2, 0.5)
		assert.NotContains(t, act, "a")
	})

	t.Run("zero hops yields nothing", func(t *testing.T) {
		g := build()
		assert.Empty(t, g.Spread([]string{"a"}, 0, 0.5))
	})

	t.Run("unknown seeds are ignored", func(t *testing.T) {
		g := build()
		assert.Empty(t, g.Spread([]string{"ghost"}, 2, 0.5))
	})

	t.Run("contributions under the floor are dropped", func(t *testing.T) {
		g := NewGraph(nil)
		_, _ = g.AddLink(link("s", "a", "b", LinkSemantic, 0.019))
		act := g.Spread([]string{"a"}, 1, 0.5)
		assert.NotContains(t, act, "b")
	})

	t.Run("multiple seeds merge by maximum", func(t *testing.T) {
		g := NewGraph(nil)
		_, _ = g.AddLink(link("s", "a", "x", LinkSemantic, 0.4))
		_, _ = g.AddLink(link("s", "b", "x", LinkSemantic, 0.9))
		act := g.Spread([]string{"a", "b"}, 1, 0.5)
		assert.InDelta(t, 0.45, act["x"], 1e-9)
	})

	t.Run("a cycle does not loop forever", func(t *testing.T) {
		g := NewGraph(nil)
		_, _ = g.AddLink(link("s", "a", "b", LinkSemantic, 1.0))
		_, _ = g.AddLink(link("s", "b", "a", LinkSemantic, 1.0))
		act := g.Spread([]string{"a"}, 10, 0.5)
		assert.InDelta(t, 0.5, act["b"], 1e-9)
	})
}

func TestGraph_Clusters(t *testing.T) {
	t.Parallel()
	g := NewGraph(nil)

	// component one: a-b-c-d-e (chain), component two: x-y
	_, _ = g.AddLink(link("s", "a", "b", LinkTemporal, 1.0))
	_, _ = g.AddLink(link("s", "b", "c", LinkTemporal, 1.0))
	_, _ = g.AddLink(link("s", "c", "d", LinkTemporal, 1.0))
	_, _ = g.AddLink(link("s", "d", "e", LinkTemporal, 1.0))
	_, _ = g.AddLink(link("s", "x", "y", LinkTemporal, 1.0))

	clusters := g.Clusters("s", 5)
	require.Len(t, clusters, 1)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, clusters[0])

	clusters = g.Clusters("s", 2)
	require.Len(t, clusters, 2)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, clusters[0])
	assert.Equal(t, []string{"x", "y"}, clusters[1])

	assert.Empty(t, g.Clusters("other-scope", 1))
}

func TestGraph_ScopeIsolation(t *testing.T) {
	t.Parallel()
	g := NewGraph(nil)
	_, _ = g.AddLink(link("tenant-a", "a1", "a2", LinkTemporal, 1.0))
	_, _ = g.AddLink(link("tenant-b", "b1", "b2", LinkTemporal, 1.0))

	assert.Equal(t, 2, g.NodeCount("tenant-a"))
	assert.Equal(t, 1, g.LinkCount("tenant-a"))
	assert.Equal(t, []string{"tenant-a", "tenant-b"}, g.Scopes())
	assert.Empty(t, g.Clusters("tenant-a", 3))
}

func TestProperty_SpreadActivationBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("activation stays in (0, 1] and never includes seeds", prop.ForAll(
		func(edges []int, hops int, decay float64) bool {
			g := NewGraph(nil)
			const nodes = 8
			for i := 0; i+2 < len(edges); i += 3 {
				src := fmt.Sprintf("n%d", edges[i]%nodes)
				tgt := fmt.Sprintf("n%d", edges[i+1]%nodes)
				if src == tgt {
					continue
				}
				w := 0.1 + float64(edges[i+2]%10)/10.0
				if w > 1 {
					w = 1
				}
				_, _ = g.AddLink(link("s", src, tgt, LinkSemantic, w))
			}

			seeds := []string{"n0", "n1"}
			act := g.Spread(seeds, hops, decay)

			for id, a := range act {
				if a <= 0 || a > 1 {
					t.Logf("activation out of range: %s=%v", id, a)
					return false
				}
				if id == "n0" || id == "n1" {
					t.Logf("seed %s leaked into result", id)
					return false
				}
			}
			return true
		},
		gen.SliceOfN(30, gen.IntRange(0, 100)),
		gen.IntRange(1, 5),
		gen.Float64Range(0.1, 0.9),
	))

	properties.Property("more hops never lowers best activation", prop.ForAll(
		func(edges []int) bool {
			g := NewGraph(nil)
			const nodes = 6
			for i := 0; i+1 < len(edges); i += 2 {
				src := fmt.Sprintf("n%d", edges[i]%nodes)
				tgt := fmt.Sprintf("n%d", edges[i+1]%nodes)
				if src == tgt {
					continue
				}
				_, _ = g.AddLink(link("s", src, tgt, LinkSemantic, 0.9))
			}

			one := g.Spread([]string{"n0"}, 1, 0.5)
			two := g.Spread([]string{"n0"}, 2, 0.5)
			for id, a := range one {
				if two[id] < a {
					t.Logf("node %s lost activation going from 1 to 2 hops: %v -> %v", id, a, two[id])
					return false
				}
			}
			return true
		},
		gen.SliceOfN(20, gen.IntRange(0, 100)),
	))

	properties.TestingRun(t)
}
