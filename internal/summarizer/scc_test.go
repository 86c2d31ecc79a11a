package summarizer

import (
	"testing"

	"github.com/ingestforge/ingestforge/internal/domain"
)

func newNode(key string) *Node {
	return &Node{Key: key, Kind: domain.KindFunction, preds: map[string]struct{}{}, succs: map[string]struct{}{}}
}

func link(pred, succ *Node) {
	succ.preds[pred.Key] = struct{}{}
	pred.succs[succ.Key] = struct{}{}
}

func TestCollapseCyclesMutualRecursion(t *testing.T) {
	a := newNode("a")
	b := newNode("b")
	c := newNode("c")
	// a and b call each other (mutual recursion); c depends on a (a must
	// be summarized before c, so c is a's successor).
	link(a, b)
	link(b, a)
	link(a, c)

	dag := &DAG{Nodes: map[string]*Node{"a": a, "b": b, "c": c}}
	out := CollapseCycles(dag)

	if len(out.Nodes) != 2 {
		t.Fatalf("expected 2 nodes after collapse, got %d: %v", len(out.Nodes), keysOf(out))
	}
	var super *Node
	for _, n := range out.Nodes {
		if len(n.Members) == 2 {
			super = n
		}
	}
	if super == nil {
		t.Fatalf("expected a collapsed super-node with 2 members")
	}
	if got := out.Successors(super.Key); len(got) != 1 || got[0] != "c" {
		t.Fatalf("super-node successors = %v, want [c]", got)
	}
}

func TestCollapseCyclesSelfRecursion(t *testing.T) {
	f := newNode("f")
	f.succs["f"] = struct{}{}
	f.preds["f"] = struct{}{}

	dag := &DAG{Nodes: map[string]*Node{"f": f}}
	out := CollapseCycles(dag)

	if len(out.Nodes) != 1 {
		t.Fatalf("expected 1 node after self-loop collapse, got %d", len(out.Nodes))
	}
	n := out.Nodes["f"]
	if n == nil {
		t.Fatalf("expected node keyed f to survive collapse")
	}
	if len(n.preds) != 0 || len(n.succs) != 0 {
		t.Fatalf("self-loop must not leave a residual predecessor/successor, got preds=%v succs=%v", n.preds, n.succs)
	}
}

func TestCollapseCyclesAcyclicIsUnchanged(t *testing.T) {
	a := newNode("a")
	b := newNode("b")
	link(a, b)

	dag := &DAG{Nodes: map[string]*Node{"a": a, "b": b}, Root: "b"}
	out := CollapseCycles(dag)

	if len(out.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(out.Nodes))
	}
	if out.Root != "b" {
		t.Fatalf("expected root to survive collapse, got %q", out.Root)
	}
	for _, n := range out.Nodes {
		if len(n.Members) != 0 {
			t.Fatalf("acyclic node %q unexpectedly marked as collapsed SCC", n.Key)
		}
	}
}

func keysOf(d *DAG) []string {
	var ks []string
	for k := range d.Nodes {
		ks = append(ks, k)
	}
	return ks
}
