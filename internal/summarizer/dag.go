// Package summarizer is the Dependency-Aware Parallel Summarizer
// (spec.md §4.9): it builds an in-memory DAG of code entities from the
// graph store, collapses cycles into super-nodes, then summarizes the
// DAG bottom-up with bounded parallelism via the LLM Gateway, storing one
// Summary node per entity.
package summarizer

import (
	"context"
	"fmt"
	"sort"

	"github.com/ingestforge/ingestforge/internal/domain"
)

// dagKinds are the node kinds the DAG is built over — every entity that
// gets its own Summary node (spec.md §4.9: "per code entity and per
// directory, plus one top-level repository summary").
var dagKinds = []domain.NodeKind{
	domain.KindRepository,
	domain.KindDirectory,
	domain.KindFile,
	domain.KindModule,
	domain.KindClass,
	domain.KindFunction,
}

// containmentEdges reflect "must be summarized first": the edge kinds
// whose direction determines a predecessor relationship in the DAG
// (spec.md §4.9's "edge set").
var containmentEdges = []domain.EdgeKind{
	domain.EdgeContains,
	domain.EdgeDefines,
	domain.EdgeCalls,
	domain.EdgeInheritsFrom,
}

// Node is one vertex in the in-memory DependencyDAG (spec.md §3). A Node
// with len(Members) > 1 is a collapsed strongly-connected component;
// Members holds the original node keys in that case.
type Node struct {
	Key     string
	Kind    domain.NodeKind
	Props   map[string]any
	Members []string

	preds map[string]struct{}
	succs map[string]struct{}
}

// DAG is the in-memory DependencyDAG, owned solely by the Summarizer job
// instance that built it (spec.md §3's Ownership invariant).
type DAG struct {
	Nodes map[string]*Node
	Root  string
}

// Store is the subset of graphstore.Store the DAGBuilder and Generator
// need, kept narrow so both can be exercised against a fake in tests.
type Store interface {
	AllNodes(ctx context.Context, kind domain.NodeKind) ([]domain.Node, error)
	AllEdges(ctx context.Context, kind domain.EdgeKind) ([]domain.Edge, error)
	GetNode(ctx context.Context, kind domain.NodeKind, key string) (domain.Node, error)
	MergeNode(ctx context.Context, node domain.Node) error
	MergeEdge(ctx context.Context, fromKind, toKind domain.NodeKind, edge domain.Edge) error
}

// DAGBuilder constructs a DAG from the graph store's current state.
type DAGBuilder struct {
	store Store
}

// NewDAGBuilder creates a DAGBuilder over store.
func NewDAGBuilder(store Store) *DAGBuilder {
	return &DAGBuilder{store: store}
}

// Build queries the graph for all code entities plus their containment/
// call/inheritance edges and assembles the in-memory DAG, collapsing any
// cycle into a single super-node (spec.md §4.9).
func (b *DAGBuilder) Build(ctx context.Context) (*DAG, error) {
	kindOf := make(map[string]domain.NodeKind)
	dag := &DAG{Nodes: make(map[string]*Node)}

	for _, kind := range dagKinds {
		nodes, err := b.store.AllNodes(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("summarizer: dag build: list %s: %w", kind, err)
		}
		for _, n := range nodes {
			kindOf[n.Key] = kind
			dag.Nodes[n.Key] = &Node{
				Key:   n.Key,
				Kind:  kind,
				Props: n.Props,
				preds: make(map[string]struct{}),
				succs: make(map[string]struct{}),
			}
			if kind == domain.KindRepository {
				dag.Root = n.Key
			}
		}
	}

	for _, edgeKind := range containmentEdges {
		edges, err := b.store.AllEdges(ctx, edgeKind)
		if err != nil {
			return nil, fmt.Errorf("summarizer: dag build: edges %s: %w", edgeKind, err)
		}
		for _, e := range edges {
			pred, succ, ok := predSucc(edgeKind, e)
			if !ok {
				continue
			}
			if dag.Nodes[pred] == nil || dag.Nodes[succ] == nil {
				continue // endpoint outside the code-entity kinds (e.g. a Summary node)
			}
			dag.Nodes[succ].preds[pred] = struct{}{}
			dag.Nodes[pred].succs[succ] = struct{}{}
		}
	}

	return CollapseCycles(dag), nil
}

// predSucc maps a raw graph edge to a (predecessor, successor) pair in
// "must be summarized first" order, per spec.md §4.9:
//   - CONTAINS: child -> parent (From=parent, To=child: child is pred)
//   - DEFINES: member -> container (From=file/class, To=function/method)
//   - CALLS: callee -> caller (From=caller, To=callee: callee is pred)
//   - INHERITS_FROM: superclass -> subclass (From=subclass, To=superclass)
func predSucc(kind domain.EdgeKind, e domain.Edge) (pred, succ string, ok bool) {
	switch kind {
	case domain.EdgeContains, domain.EdgeDefines:
		return e.To, e.From, true
	case domain.EdgeCalls:
		return e.To, e.From, true
	case domain.EdgeInheritsFrom:
		return e.To, e.From, true
	default:
		return "", "", false
	}
}

// Ready returns the keys of every node whose predecessors are all already
// in done, sorted for deterministic iteration in tests.
func (d *DAG) Ready(done map[string]bool) []string {
	var ready []string
	for key, n := range d.Nodes {
		if done[key] {
			continue
		}
		allDone := true
		for pred := range n.preds {
			if !done[pred] {
				allDone = false
				break
			}
		}
		if allDone {
			ready = append(ready, key)
		}
	}
	sort.Strings(ready)
	return ready
}

// Successors returns the keys of nodes that depend on key.
func (d *DAG) Successors(key string) []string {
	n, ok := d.Nodes[key]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(n.succs))
	for s := range n.succs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Predecessors returns the keys of nodes key depends on.
func (d *DAG) Predecessors(key string) []string {
	n, ok := d.Nodes[key]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(n.preds))
	for p := range n.preds {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
