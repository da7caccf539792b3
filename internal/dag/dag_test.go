package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/rulegridgo/internal/node"
)

func addTargets(g *Graph, paths ...string) {
	for _, p := range paths {
		g.AddTarget(&node.Target{Path: p})
	}
}

func TestNew(t *testing.T) {
	g := New()
	require.NotNil(t, g)
	assert.NotNil(t, g.nodes)
	assert.Empty(t, g.nodes)
}

func TestAddTarget(t *testing.T) {
	g := New()

	a := &node.Target{Path: "a"}
	got := g.AddTarget(a)
	assert.Same(t, a, got)
	assert.Len(t, g.nodes, 1)
	nodeA, ok := g.nodes["a"]
	require.True(t, ok)
	assert.Equal(t, "a", nodeA.id)
	assert.NotNil(t, nodeA.deps)
	assert.NotNil(t, nodeA.dependents)

	// Idempotent: the first target wins.
	got = g.AddTarget(&node.Target{Path: "a"})
	assert.Same(t, a, got)
	assert.Len(t, g.nodes, 1)

	addTargets(g, "b")
	assert.Equal(t, 2, g.Len())
}

func TestAddEdge(t *testing.T) {
	t.Run("success case", func(t *testing.T) {
		g := New()
		addTargets(g, "a", "b")

		err := g.AddEdge("a", "b") // b depends on a
		require.NoError(t, err)

		nodeA := g.nodes["a"]
		nodeB := g.nodes["b"]

		assert.Contains(t, nodeA.dependents, "b")
		assert.Equal(t, nodeB, nodeA.dependents["b"])
		assert.Contains(t, nodeB.deps, "a")
		assert.Equal(t, nodeA, nodeB.deps["a"])

		deps, err := g.Dependencies("b")
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, deps)
		dependents, err := g.Dependents("a")
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, dependents)
	})

	t.Run("error cases", func(t *testing.T) {
		g := New()
		addTargets(g, "a", "b")

		err := g.AddEdge("dne", "a")
		assert.ErrorContains(t, err, "source node not found")

		err = g.AddEdge("a", "dne")
		assert.ErrorContains(t, err, "destination node not found")

		err = g.AddEdge("a", "a")
		assert.ErrorContains(t, err, "self-referential edge")

		_, err = g.Dependencies("dne")
		assert.ErrorContains(t, err, "node not found")
	})
}

func TestDetectCycles(t *testing.T) {
	t.Run("empty graph has no cycles", func(t *testing.T) {
		g := New()
		assert.NoError(t, g.DetectCycles())
	})

	t.Run("graph with nodes but no edges has no cycles", func(t *testing.T) {
		g := New()
		addTargets(g, "a", "b", "c")
		assert.NoError(t, g.DetectCycles())
	})

	t.Run("valid dag has no cycles", func(t *testing.T) {
		g := New()
		addTargets(g, "a", "b", "c", "d")
		require.NoError(t, g.AddEdge("a", "b"))
		require.NoError(t, g.AddEdge("b", "c"))
		require.NoError(t, g.AddEdge("a", "c")) // Transitive edge
		require.NoError(t, g.AddEdge("c", "d"))
		assert.NoError(t, g.DetectCycles())
	})

	t.Run("simple direct cycle is detected", func(t *testing.T) {
		g := New()
		addTargets(g, "a", "b")
		require.NoError(t, g.AddEdge("a", "b"))
		require.NoError(t, g.AddEdge("b", "a")) // Cycle
		err := g.DetectCycles()

		var cycle *CyclicDependencyError
		require.ErrorAs(t, err, &cycle)
		assert.Equal(t, []string{"a", "b", "a"}, cycle.Cycle)
		assert.ErrorContains(t, err, "a -> b -> a")
	})

	t.Run("cycle in a disjoint component is detected", func(t *testing.T) {
		g := New()
		addTargets(g, "a", "b", "x", "y", "z")
		require.NoError(t, g.AddEdge("a", "b"))
		require.NoError(t, g.AddEdge("x", "y"))
		require.NoError(t, g.AddEdge("y", "z"))
		require.NoError(t, g.AddEdge("z", "y")) // Cycle

		err := g.DetectCycles()
		assert.ErrorContains(t, err, "cyclic dependency")
	})
}

func TestTopologicalOrder(t *testing.T) {
	g := New()
	addTargets(g, "bam", "bai", "stats", "fastq", "filtered")
	require.NoError(t, g.AddEdge("fastq", "filtered"))
	require.NoError(t, g.AddEdge("filtered", "bam"))
	require.NoError(t, g.AddEdge("bam", "bai"))
	require.NoError(t, g.AddEdge("bam", "stats"))
	require.NoError(t, g.AddEdge("bai", "stats"))

	order, err := g.TopologicalOrder()
	require.NoError(t, err)

	var paths []string
	for _, tg := range order {
		paths = append(paths, tg.Path)
	}
	assert.Equal(t, []string{"fastq", "filtered", "bam", "bai", "stats"}, paths)

	require.NoError(t, g.AddEdge("stats", "fastq"))
	_, err = g.TopologicalOrder()
	assert.ErrorContains(t, err, "cycle")
}
