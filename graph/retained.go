// ABOUTME: Calculates retained memory sizes using dominator tree analysis
// ABOUTME: An object retains itself plus everything it dominates

package graph

import "sort"

// RetainedSize computes, for every object reachable from the roots, the bytes
// that would become garbage if that object alone were dropped.
func RetainedSize(g Graph) map[ObjID]uint64 {
	d := buildDense(g)
	idom := d.idoms()
	sizes := make([]uint64, len(d.ids))
	for v := 1; v < len(d.ids); v++ {
		sizes[v] = g.GetObject(d.ids[v]).Size
	}
	// A dominator always precedes what it dominates in reverse postorder,
	// so one backwards pass folds every subtree into its parent.
	for v := len(d.ids) - 1; v > 0; v-- {
		sizes[idom[v]] += sizes[v]
	}
	result := make(map[ObjID]uint64, len(d.ids))
	for v := 1; v < len(d.ids); v++ {
		result[d.ids[v]] = sizes[v]
	}
	return result
}

// Retainer is an object together with its retained size.
type Retainer struct {
	ID       ObjID
	Type     string
	Retained uint64
}

// TopRetainers returns the n objects retaining the most memory, largest
// first. Ties are broken by address.
func TopRetainers(g Graph, n int) []Retainer {
	if n <= 0 {
		return nil
	}
	retained := RetainedSize(g)
	result := make([]Retainer, 0, len(retained))
	for id, size := range retained {
		result = append(result, Retainer{ID: id, Type: g.GetObject(id).Type, Retained: size})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Retained != result[j].Retained {
			return result[i].Retained > result[j].Retained
		}
		return result[i].ID < result[j].ID
	})
	if len(result) > n {
		result = result[:n]
	}
	return result
}
