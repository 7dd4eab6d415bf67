package engine

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"

	"github.com/picklr-io/tierctl/internal/ir"
)

// RefPrefix marks a property value that refers to another resource's handle.
const RefPrefix = "ref://"

// GraphConfig controls graph validation.
type GraphConfig struct {
	// External ids already exist and are never created by this run.
	// Edges to them are accepted and dropped from ordering.
	External []string
}

// DAG represents a directed acyclic graph of resources for dependency ordering.
type DAG struct {
	nodes map[string]*dagNode
	order []string // topological order (creation order)
}

type dagNode struct {
	res      *ir.Resource
	index    int      // declaration index, breaks ordering ties
	edges    []string // resources this node depends on
	revEdges []string // resources that depend on this node
}

// BuildGraph validates resources and orders them so that every dependency
// precedes its dependents. Edges come from DependsOn and from ref://
// property values. resources is not modified.
func BuildGraph(resources []*ir.Resource, cfg GraphConfig) (*DAG, error) {
	dag := &DAG{
		nodes: make(map[string]*dagNode, len(resources)),
	}

	external := make(map[string]bool, len(cfg.External))
	for _, id := range cfg.External {
		external[id] = true
	}

	for i, res := range resources {
		if res == nil || res.ID == "" {
			return nil, &InvalidResourceError{Reason: fmt.Sprintf("resource at position %d has no id", i)}
		}
		if !res.Kind.Valid() {
			return nil, &InvalidResourceError{ID: res.ID, Reason: fmt.Sprintf("unknown kind %q", res.Kind)}
		}
		if _, dup := dag.nodes[res.ID]; dup {
			return nil, &DuplicateIDError{ID: res.ID}
		}
		if external[res.ID] {
			return nil, &InvalidResourceError{ID: res.ID, Reason: "declared both as a resource and as external"}
		}
		dag.nodes[res.ID] = &dagNode{res: res.Clone(), index: i}
	}

	// Edges in declaration order, explicit first, then references.
	for _, res := range resources {
		node := dag.nodes[res.ID]
		seen := make(map[string]bool)

		deps := append([]string(nil), res.DependsOn...)
		for _, ref := range ExtractRefs(res.Properties) {
			deps = append(deps, RefTarget(ref))
		}

		for _, dep := range deps {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			switch {
			case dep == res.ID:
				return nil, &SelfReferenceError{ID: res.ID}
			case external[dep]:
				continue
			case dag.nodes[dep] == nil:
				return nil, &UnknownDependencyError{ID: res.ID, Missing: dep}
			}
			node.edges = append(node.edges, dep)
			dag.nodes[dep].revEdges = append(dag.nodes[dep].revEdges, res.ID)
		}
	}

	if cycle := dag.findCycle(resources); cycle != nil {
		return nil, &CycleError{Path: cycle}
	}

	dag.order = dag.topoSort()
	return dag, nil
}

// findCycle walks dependencies depth first, keeping the current path on a
// recursion stack, and returns the first cycle found.
func (d *DAG) findCycle(resources []*ir.Resource) []string {
	visited := make(map[string]bool, len(d.nodes))
	onStack := make(map[string]bool)
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		for _, dep := range d.nodes[id].edges {
			if onStack[dep] {
				for i, p := range path {
					if p == dep {
						cycle := append([]string(nil), path[i:]...)
						return append(cycle, dep)
					}
				}
			}
			if !visited[dep] {
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}

		onStack[id] = false
		path = path[:len(path)-1]
		return nil
	}

	for _, res := range resources {
		if !visited[res.ID] {
			if cycle := visit(res.ID); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// topoSort is Kahn's algorithm with the ready set ordered by declaration
// index, so identical input always yields the identical order.
func (d *DAG) topoSort() []string {
	inDegree := make(map[string]int, len(d.nodes))
	ready := &indexHeap{}
	for id, node := range d.nodes {
		inDegree[id] = len(node.edges)
		if inDegree[id] == 0 {
			heap.Push(ready, node)
		}
	}

	sorted := make([]string, 0, len(d.nodes))
	for ready.Len() > 0 {
		node := heap.Pop(ready).(*dagNode)
		sorted = append(sorted, node.res.ID)
		for _, dependent := range node.revEdges {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				heap.Push(ready, d.nodes[dependent])
			}
		}
	}
	return sorted
}

type indexHeap []*dagNode

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i].index < h[j].index }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x any)        { *h = append(*h, x.(*dagNode)) }
func (h *indexHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Plan returns the apply plan: dependencies first.
func (d *DAG) Plan() *ir.Plan {
	ordered := make([]*ir.Resource, len(d.order))
	waitsOn := make(map[string][]string, len(d.order))
	for i, id := range d.order {
		ordered[i] = d.nodes[id].res
		waitsOn[id] = d.nodes[id].edges
	}
	return ir.NewPlan(ir.DirectionApply, ordered, waitsOn)
}

// TeardownPlan returns the reverse of the apply plan: dependents first.
func (d *DAG) TeardownPlan() *ir.Plan {
	return d.TeardownPlanFor(d.order)
}

// TeardownPlanFor returns a teardown plan restricted to ids. A resource
// waits for every transitive dependent in the subset, even when the
// resources linking them are not being torn down.
func (d *DAG) TeardownPlanFor(ids []string) *ir.Plan {
	subset := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := d.nodes[id]; ok {
			subset[id] = true
		}
	}

	var ordered []*ir.Resource
	waitsOn := make(map[string][]string, len(subset))
	for i := len(d.order) - 1; i >= 0; i-- {
		id := d.order[i]
		if !subset[id] {
			continue
		}
		ordered = append(ordered, d.nodes[id].res)
		for _, dep := range d.TransitiveDependents(id) {
			if subset[dep] {
				waitsOn[id] = append(waitsOn[id], dep)
			}
		}
	}
	return ir.NewPlan(ir.DirectionTeardown, ordered, waitsOn)
}

// Order returns ids in creation order.
func (d *DAG) Order() []string {
	return append([]string(nil), d.order...)
}

// Has reports whether id is a node of the graph.
func (d *DAG) Has(id string) bool {
	_, ok := d.nodes[id]
	return ok
}

// Dependencies returns the direct dependencies of id.
func (d *DAG) Dependencies(id string) []string {
	if node, ok := d.nodes[id]; ok {
		return append([]string(nil), node.edges...)
	}
	return nil
}

// Dependents returns the resources that directly depend on id.
func (d *DAG) Dependents(id string) []string {
	if node, ok := d.nodes[id]; ok {
		return append([]string(nil), node.revEdges...)
	}
	return nil
}

// TransitiveDependents returns everything that depends on id, directly or
// not, in creation order.
func (d *DAG) TransitiveDependents(id string) []string {
	return d.reach(id, func(n *dagNode) []string { return n.revEdges })
}

// TransitiveDependencies returns everything id depends on, in creation order.
func (d *DAG) TransitiveDependencies(id string) []string {
	return d.reach(id, func(n *dagNode) []string { return n.edges })
}

func (d *DAG) reach(id string, next func(*dagNode) []string) []string {
	node, ok := d.nodes[id]
	if !ok {
		return nil
	}
	seen := make(map[string]bool)
	stack := append([]string(nil), next(node)...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, next(d.nodes[cur])...)
	}

	var out []string
	for _, candidate := range d.order {
		if seen[candidate] {
			out = append(out, candidate)
		}
	}
	return out
}

// DOT renders the graph in Graphviz format. Edges point from a resource to
// what it depends on.
func (d *DAG) DOT() string {
	var b strings.Builder
	b.WriteString("digraph tierctl {\n")
	b.WriteString("  rankdir=BT;\n")
	b.WriteString("  node [shape=box];\n")
	for _, id := range d.order {
		fmt.Fprintf(&b, "  %q [label=%q];\n", id, fmt.Sprintf("%s\n%s", id, d.nodes[id].res.Kind))
	}
	for _, id := range d.order {
		deps := append([]string(nil), d.nodes[id].edges...)
		sort.Strings(deps)
		for _, dep := range deps {
			fmt.Fprintf(&b, "  %q -> %q;\n", id, dep)
		}
	}
	b.WriteString("}\n")
	return b.String()
}

// ExtractRefs returns every ref:// value found in a property tree.
func ExtractRefs(v any) []string {
	var refs []string
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, RefPrefix) {
			refs = append(refs, val)
		}
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			refs = append(refs, ExtractRefs(val[k])...)
		}
	case map[any]any:
		refs = append(refs, ExtractRefs(ir.NormalizeValue(val))...)
	case []any:
		for _, v := range val {
			refs = append(refs, ExtractRefs(v)...)
		}
	case []string:
		for _, v := range val {
			refs = append(refs, ExtractRefs(v)...)
		}
	}
	return refs
}

// RefTarget returns the resource id a reference points at.
// ref://backend-role/arn -> backend-role
func RefTarget(ref string) string {
	path := strings.TrimPrefix(ref, RefPrefix)
	id, _, _ := strings.Cut(path, "/")
	return id
}

// RefOutput returns the output name of a reference, or "" for the handle id.
func RefOutput(ref string) string {
	path := strings.TrimPrefix(ref, RefPrefix)
	_, output, _ := strings.Cut(path, "/")
	return output
}
