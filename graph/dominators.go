// ABOUTME: Computes immediate dominators of the object graph from the synthetic super-root
// ABOUTME: Uses the iterative Cooper-Harvey-Kennedy scheme over a dense reverse postorder numbering

package graph

// denseGraph renumbers the reachable part of a Graph. Index 0 is the
// super-root, which points at every root; the rest follow reverse postorder.
type denseGraph struct {
	ids   []ObjID // index -> object ID, in reverse postorder
	index map[ObjID]int
	preds [][]int
	succs [][]int
}

func buildDense(g Graph) *denseGraph {
	adj := func(id ObjID) []ObjID {
		if id == 0 {
			return g.GetRoots().IDs()
		}
		if obj := g.GetObject(id); obj != nil {
			return obj.Ptrs
		}
		return nil
	}

	// Iterative DFS producing a postorder of reachable IDs.
	type frame struct {
		id   ObjID
		next int
		ptrs []ObjID
	}
	visited := map[ObjID]bool{0: true}
	var post []ObjID
	stack := []frame{{id: 0, ptrs: adj(0)}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next == len(top.ptrs) {
			post = append(post, top.id)
			stack = stack[:len(stack)-1]
			continue
		}
		w := top.ptrs[top.next]
		top.next++
		if w == 0 || visited[w] || g.GetObject(w) == nil {
			continue
		}
		visited[w] = true
		stack = append(stack, frame{id: w, ptrs: adj(w)})
	}

	d := &denseGraph{
		ids:   make([]ObjID, len(post)),
		index: make(map[ObjID]int, len(post)),
	}
	for i, id := range post {
		rpo := len(post) - 1 - i
		d.ids[rpo] = id
		d.index[id] = rpo
	}
	d.preds = make([][]int, len(d.ids))
	d.succs = make([][]int, len(d.ids))
	for v, id := range d.ids {
		for _, w := range adj(id) {
			if wi, ok := d.index[w]; ok && w != 0 {
				d.succs[v] = append(d.succs[v], wi)
				d.preds[wi] = append(d.preds[wi], v)
			}
		}
	}
	return d
}

// idoms returns the immediate dominator index of every dense node. The
// super-root is its own dominator.
func (d *denseGraph) idoms() []int {
	idom := make([]int, len(d.ids))
	for i := range idom {
		idom[i] = -1
	}
	if len(idom) == 0 {
		return idom
	}
	idom[0] = 0

	// Reverse postorder numbers decrease towards the super-root, so walking
	// up the tree means moving to smaller indices.
	intersect := func(a, b int) int {
		for a != b {
			for a > b {
				a = idom[a]
			}
			for b > a {
				b = idom[b]
			}
		}
		return a
	}

	for changed := true; changed; {
		changed = false
		for v := 1; v < len(d.ids); v++ {
			newIdom := -1
			for _, p := range d.preds[v] {
				if idom[p] == -1 {
					continue
				}
				if newIdom == -1 {
					newIdom = p
				} else {
					newIdom = intersect(p, newIdom)
				}
			}
			if newIdom != idom[v] {
				idom[v] = newIdom
				changed = true
			}
		}
	}
	return idom
}

// Dominators computes the immediate dominator of every object reachable from
// the roots. Roots, and objects only reachable through several roots, map to
// the super-root 0. Unreachable objects are left out.
func Dominators(g Graph) map[ObjID]ObjID {
	d := buildDense(g)
	idom := d.idoms()
	result := make(map[ObjID]ObjID, len(d.ids))
	for v := 1; v < len(d.ids); v++ {
		result[d.ids[v]] = d.ids[idom[v]]
	}
	return result
}

// DominatorTree inverts immediate dominators into child lists. The super-root
// is always present.
func DominatorTree(idom map[ObjID]ObjID) map[ObjID][]ObjID {
	tree := map[ObjID][]ObjID{0: {}}
	for node := range idom {
		if _, ok := tree[node]; !ok {
			tree[node] = []ObjID{}
		}
	}
	for node, dom := range idom {
		tree[dom] = append(tree[dom], node)
	}
	return tree
}
