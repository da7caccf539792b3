package dag

import (
	"sync"

	"github.com/vk/rulegridgo/internal/node"
)

// Graph is a collection of targets and their dependencies, representing a DAG.
// All operations on the graph are concurrency-safe.
type Graph struct {
	// mutex protects the nodes map during concurrent access.
	mutex sync.RWMutex
	// nodes stores all nodes in the graph, keyed by target path.
	nodes map[string]*vertex
	// requested holds the targets the graph was resolved for, in order.
	requested []string
}

// vertex is a single node in the graph. It is un-exported to enforce
// interaction with the graph via the public API (using target paths).
type vertex struct {
	id     string
	target *node.Target
	// deps holds the set of nodes that this node depends on (predecessors).
	deps map[string]*vertex
	// dependents holds the set of nodes that depend on this node (successors).
	dependents map[string]*vertex
}
