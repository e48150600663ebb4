// ABOUTME: Breadth-first search for reference chains from an object back to the roots
// ABOUTME: Shortest chains come first; a chain never visits the same object twice

package graph

// Path is a chain of references from an object back to a root.
type Path struct {
	IDs []ObjID // From the target to the root, both included
}

// PathsToRoots finds up to maxPaths reference chains that keep from alive.
func PathsToRoots(g Graph, from ObjID, maxPaths int) []Path {
	if maxPaths <= 0 {
		return nil
	}
	reverse := BuildReverseEdges(g)
	rootSet := make(map[ObjID]bool)
	for _, id := range g.GetRoots().IDs() {
		rootSet[id] = true
	}
	if rootSet[from] {
		return []Path{{IDs: []ObjID{from}}}
	}

	// Each search node links to the node it was reached from, so paths share
	// their tails instead of being copied at every step.
	type step struct {
		id     ObjID
		parent int
		depth  int
	}
	steps := []step{{id: from, parent: -1}}
	onPath := func(i int, id ObjID) bool {
		for ; i >= 0; i = steps[i].parent {
			if steps[i].id == id {
				return true
			}
		}
		return false
	}
	materialize := func(i int) Path {
		ids := make([]ObjID, steps[i].depth+1)
		for k := len(ids) - 1; i >= 0; i, k = steps[i].parent, k-1 {
			ids[k] = steps[i].id
		}
		return Path{IDs: ids}
	}

	var result []Path
	for head := 0; head < len(steps) && len(result) < maxPaths; head++ {
		current := steps[head]
		if head > 0 && rootSet[current.id] {
			continue
		}
		for _, referrer := range reverse[current.id] {
			if onPath(head, referrer) {
				continue
			}
			steps = append(steps, step{id: referrer, parent: head, depth: current.depth + 1})
			if rootSet[referrer] {
				result = append(result, materialize(len(steps)-1))
				if len(result) >= maxPaths {
					break
				}
			}
		}
	}
	return result
}
