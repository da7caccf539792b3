package dag

import (
	"fmt"
	"sort"

	"github.com/vk/rulegridgo/internal/node"
)

// New creates and returns an initialized, empty Graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[string]*vertex),
	}
}

// AddTarget adds t to the graph keyed by its path. If a target with the same
// path already exists, the existing one is returned and t is discarded.
func (g *Graph) AddTarget(t *node.Target) *node.Target {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if v, ok := g.nodes[t.Path]; ok {
		return v.target
	}

	g.nodes[t.Path] = &vertex{
		id:         t.Path,
		target:     t,
		deps:       make(map[string]*vertex),
		dependents: make(map[string]*vertex),
	}
	return t
}

// AddEdge creates a directed edge from the `fromID` node to the `toID` node.
// This signifies that `toID` has a dependency on `fromID`. An error is returned
// if either node does not exist or if the edge would create a self-reference.
func (g *Graph) AddEdge(fromID, toID string) error {
	if fromID == toID {
		return fmt.Errorf("self-referential edge not allowed: %s -> %s", fromID, fromID)
	}

	g.mutex.Lock()
	defer g.mutex.Unlock()

	fromNode, ok := g.nodes[fromID]
	if !ok {
		return fmt.Errorf("source node not found: %s", fromID)
	}

	toNode, ok := g.nodes[toID]
	if !ok {
		return fmt.Errorf("destination node not found: %s", toID)
	}

	toNode.deps[fromID] = fromNode
	fromNode.dependents[toID] = toNode

	return nil
}

// Target returns the target stored under path.
func (g *Graph) Target(path string) (*node.Target, bool) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	v, ok := g.nodes[path]
	if !ok {
		return nil, false
	}
	return v.target, true
}

// Len returns the number of targets in the graph.
func (g *Graph) Len() int {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return len(g.nodes)
}

// Targets returns every target sorted by path.
func (g *Graph) Targets() []*node.Target {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	out := make([]*node.Target, 0, len(g.nodes))
	for _, v := range g.nodes {
		out = append(out, v.target)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Requested returns the targets the graph was built for.
func (g *Graph) Requested() []string {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return append([]string(nil), g.requested...)
}

func (g *Graph) setRequested(targets []string) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.requested = append([]string(nil), targets...)
}

// Dependencies returns the sorted paths the given target depends on.
func (g *Graph) Dependencies(id string) ([]string, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node not found: %s", id)
	}
	return sortedKeys(n.deps), nil
}

// Dependents returns the sorted paths that depend on the given target.
func (g *Graph) Dependents(id string) ([]string, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node not found: %s", id)
	}
	return sortedKeys(n.dependents), nil
}

func sortedKeys(m map[string]*vertex) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// TopologicalOrder returns every target so that each one follows all of its
// dependencies. Ties are broken by path.
func (g *Graph) TopologicalOrder() ([]*node.Target, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	indegree := make(map[string]int, len(g.nodes))
	var queue []string
	for id, v := range g.nodes {
		indegree[id] = len(v.deps)
		if len(v.deps) == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	out := make([]*node.Target, 0, len(g.nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		v := g.nodes[id]
		out = append(out, v.target)

		var unlocked []string
		for depID := range v.dependents {
			indegree[depID]--
			if indegree[depID] == 0 {
				unlocked = append(unlocked, depID)
			}
		}
		sort.Strings(unlocked)
		queue = append(queue, unlocked...)
		sort.Strings(queue)
	}

	if len(out) != len(g.nodes) {
		return nil, fmt.Errorf("graph contains a cycle")
	}
	return out, nil
}

// Jobs returns the jobs of all non-fresh targets in topological order.
func (g *Graph) Jobs() []*node.Job {
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil
	}
	var jobs []*node.Job
	for _, t := range order {
		if t.Job != nil {
			jobs = append(jobs, t.Job)
		}
	}
	return jobs
}

// DependentJobs returns the jobs of targets that directly depend on path.
func (g *Graph) DependentJobs(path string) []*node.Job {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	v, ok := g.nodes[path]
	if !ok {
		return nil
	}
	var jobs []*node.Job
	for _, id := range sortedKeys(v.dependents) {
		if j := v.dependents[id].target.Job; j != nil {
			jobs = append(jobs, j)
		}
	}
	return jobs
}

// PendingDependencies counts the direct dependencies of path that still
// need a job.
func (g *Graph) PendingDependencies(path string) int {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	v, ok := g.nodes[path]
	if !ok {
		return 0
	}
	n := 0
	for _, d := range v.deps {
		if d.target.Job != nil {
			n++
		}
	}
	return n
}

// DetectCycles checks the graph for any cycles. It returns a non-nil error
// if a cycle is found, indicating the first node involved in the detected cycle.
func (g *Graph) DetectCycles() error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	// Use classic depth-first search with three sets of nodes:
	// permanent: nodes that have been fully visited and are not part of a cycle.
	// temporary: nodes currently in the recursion stack for the current traversal.
	// unvisited: all other nodes.
	permanent := make(map[string]bool)
	temporary := make(map[string]bool)
	var stack []string

	var visit func(n *vertex) error
	visit = func(n *vertex) error {
		if permanent[n.id] {
			return nil
		}
		if temporary[n.id] {
			return newCycleError(stack, n.id)
		}

		temporary[n.id] = true
		stack = append(stack, n.id)

		for _, id := range sortedKeys(n.dependents) {
			if err := visit(n.dependents[id]); err != nil {
				return err
			}
		}

		stack = stack[:len(stack)-1]
		delete(temporary, n.id)
		permanent[n.id] = true

		return nil
	}

	for _, id := range sortedKeys(g.nodes) {
		if err := visit(g.nodes[id]); err != nil {
			return err
		}
	}

	return nil
}
