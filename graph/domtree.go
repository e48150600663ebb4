// ABOUTME: Utility functions for working with dominator trees
// ABOUTME: Depths, dominator chains and dominance queries used when explaining leaks

package graph

// DominatorDepth computes the depth of each node in the dominator tree. The
// super-root has depth 0.
func DominatorDepth(tree map[ObjID][]ObjID) map[ObjID]int {
	depth := map[ObjID]int{0: 0}
	queue := []ObjID{0}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, child := range tree[node] {
			depth[child] = depth[node] + 1
			queue = append(queue, child)
		}
	}
	return depth
}

// DominatorPath follows immediate dominators from node up to the super-root.
// The path starts with node and ends with 0.
func DominatorPath(idom map[ObjID]ObjID, node ObjID) []ObjID {
	path := []ObjID{node}
	for current := node; current != 0; {
		dom, ok := idom[current]
		if !ok {
			dom = 0
		}
		path = append(path, dom)
		current = dom
	}
	return path
}

// IsDominated reports whether every path from the roots to node passes
// through dominator. A node dominates itself.
func IsDominated(idom map[ObjID]ObjID, node, dominator ObjID) bool {
	for current := node; ; {
		if current == dominator {
			return true
		}
		dom, ok := idom[current]
		if !ok {
			return false
		}
		current = dom
	}
}
