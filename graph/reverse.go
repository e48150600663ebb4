// ABOUTME: Builds reverse edges for graph traversal
// ABOUTME: Maps objects to their distinct referrers for paths-to-roots

package graph

// ReverseEdges maps each object to the objects that point to it
type ReverseEdges map[ObjID][]ObjID

// BuildReverseEdges creates a map of reverse edges. An object holding several
// members to the same target is listed once, so path searches do not report
// the same chain twice.
func BuildReverseEdges(g Graph) ReverseEdges {
	reverse := make(ReverseEdges)
	g.ForEachObject(func(obj *Object) {
		for _, target := range obj.Ptrs {
			if target == 0 {
				continue
			}
			referrers := reverse[target]
			// Referrers of one target are appended in object order, so a
			// repeat can only be the last entry.
			if n := len(referrers); n > 0 && referrers[n-1] == obj.ID {
				continue
			}
			reverse[target] = append(referrers, obj.ID)
		}
	})
	return reverse
}
