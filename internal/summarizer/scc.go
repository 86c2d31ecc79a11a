package summarizer

import "sort"

// CollapseCycles finds every strongly-connected component of more than
// one node (or a self-loop) in dag and collapses it into a single
// super-node summarized in one LLM call over the combined content
// (spec.md §4.9: "cycles broken deterministically"). Returns a new DAG;
// the input is left unmodified.
func CollapseCycles(dag *DAG) *DAG {
	sccs := tarjanSCC(dag)

	out := &DAG{Nodes: make(map[string]*Node)}
	keyToSuper := make(map[string]string)

	for _, members := range sccs {
		sort.Strings(members)
		superKey := members[0]
		if len(members) > 1 {
			superKey = "scc:" + members[0]
		}
		for _, m := range members {
			keyToSuper[m] = superKey
		}
	}

	for _, members := range sccs {
		sort.Strings(members)
		superKey := keyToSuper[members[0]]

		existing := out.Nodes[superKey]
		if existing == nil {
			existing = &Node{
				Key:   superKey,
				Kind:  dag.Nodes[members[0]].Kind,
				preds: make(map[string]struct{}),
				succs: make(map[string]struct{}),
			}
			out.Nodes[superKey] = existing
		}
		if len(members) > 1 {
			existing.Members = append(existing.Members, members...)
		}
		if dag.Root == members[0] || contains(members, dag.Root) {
			out.Root = superKey
		}
	}

	for key, n := range dag.Nodes {
		superKey := keyToSuper[key]
		super := out.Nodes[superKey]
		for pred := range n.preds {
			predSuper := keyToSuper[pred]
			if predSuper == superKey {
				continue // internal SCC edge, absorbed into the super-node
			}
			super.preds[predSuper] = struct{}{}
			out.Nodes[predSuper].succs[superKey] = struct{}{}
		}
	}

	return out
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// tarjanSCC runs Tarjan's strongly-connected-components algorithm over
// dag's predecessor graph, returning each component's member keys.
// Iterative to avoid stack-depth limits on large repositories.
func tarjanSCC(dag *DAG) [][]string {
	index := 0
	indices := make(map[string]int)
	lowlink := make(map[string]int)
	onStack := make(map[string]bool)
	var stack []string
	var components [][]string

	// sorted keys for deterministic traversal order, which in turn makes
	// the deterministic-super-node-key choice in CollapseCycles stable.
	keys := make([]string, 0, len(dag.Nodes))
	for k := range dag.Nodes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	type frame struct {
		v        string
		childIdx int
		children []string
	}

	var strongconnect func(v string)
	strongconnect = func(start string) {
		var work []*frame
		push := func(v string) {
			indices[v] = index
			lowlink[v] = index
			index++
			stack = append(stack, v)
			onStack[v] = true
			children := dag.Nodes[v].successors()
			work = append(work, &frame{v: v, children: children})
		}
		push(start)

		for len(work) > 0 {
			top := work[len(work)-1]
			if top.childIdx < len(top.children) {
				w := top.children[top.childIdx]
				top.childIdx++
				if _, seen := indices[w]; !seen {
					push(w)
					continue
				}
				if onStack[w] {
					if lowlink[w] < lowlink[top.v] {
						lowlink[top.v] = lowlink[w]
					}
				}
				continue
			}

			// Done with top.v: pop and propagate lowlink to parent.
			work = work[:len(work)-1]
			if lowlink[top.v] == indices[top.v] {
				var component []string
				for {
					n := len(stack) - 1
					w := stack[n]
					stack = stack[:n]
					onStack[w] = false
					component = append(component, w)
					if w == top.v {
						break
					}
				}
				components = append(components, component)
			}
			if len(work) > 0 {
				parent := work[len(work)-1]
				if lowlink[top.v] < lowlink[parent.v] {
					lowlink[parent.v] = lowlink[top.v]
				}
			}
		}
	}

	for _, v := range keys {
		if _, seen := indices[v]; !seen {
			strongconnect(v)
		}
	}
	return components
}

func (n *Node) successors() []string {
	out := make([]string, 0, len(n.succs))
	for s := range n.succs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
