// ABOUTME: Tests for immediate dominator computation and dominator tree helpers
// ABOUTME: Verifies chains, diamonds, cycles, unreachable objects and a larger random graph

package graph

import (
	"math/rand"
	"reflect"
	"testing"
)

func TestDominators(t *testing.T) {
	tests := []struct {
		name     string
		graph    Graph
		expected map[ObjID]ObjID // node -> immediate dominator
	}{
		{
			name: "simple linear chain",
			graph: func() Graph {
				g := NewMemGraph()
				g.AddObject(&Object{ID: 2, Type: "node", Ptrs: []ObjID{3}})
				g.AddObject(&Object{ID: 3, Type: "node", Ptrs: []ObjID{4}})
				g.AddObject(&Object{ID: 4, Type: "leaf"})
				g.SetRoots(RootsOf(2))
				return g
			}(),
			expected: map[ObjID]ObjID{2: 0, 3: 2, 4: 3},
		},
		{
			name: "diamond pattern",
			graph: func() Graph {
				g := NewMemGraph()
				g.AddObject(&Object{ID: 1, Type: "root", Ptrs: []ObjID{2, 3}})
				g.AddObject(&Object{ID: 2, Type: "left", Ptrs: []ObjID{4}})
				g.AddObject(&Object{ID: 3, Type: "right", Ptrs: []ObjID{4}})
				g.AddObject(&Object{ID: 4, Type: "merge"})
				g.SetRoots(RootsOf(1))
				return g
			}(),
			expected: map[ObjID]ObjID{1: 0, 2: 1, 3: 1, 4: 1},
		},
		{
			name: "multiple paths",
			graph: func() Graph {
				g := NewMemGraph()
				g.AddObject(&Object{ID: 1, Ptrs: []ObjID{2, 3}})
				g.AddObject(&Object{ID: 2, Ptrs: []ObjID{4}})
				g.AddObject(&Object{ID: 3, Ptrs: []ObjID{4, 5}})
				g.AddObject(&Object{ID: 4, Ptrs: []ObjID{6}})
				g.AddObject(&Object{ID: 5, Ptrs: []ObjID{6}})
				g.AddObject(&Object{ID: 6})
				g.SetRoots(RootsOf(1))
				return g
			}(),
			expected: map[ObjID]ObjID{1: 0, 2: 1, 3: 1, 4: 1, 5: 3, 6: 1},
		},
		{
			name: "unreachable objects are left out",
			graph: func() Graph {
				g := NewMemGraph()
				g.AddObject(&Object{ID: 1, Ptrs: []ObjID{2}})
				g.AddObject(&Object{ID: 2})
				g.AddObject(&Object{ID: 3, Ptrs: []ObjID{2}})
				g.SetRoots(RootsOf(1))
				return g
			}(),
			expected: map[ObjID]ObjID{1: 0, 2: 1},
		},
		{
			name: "cycle through the root",
			graph: func() Graph {
				g := NewMemGraph()
				g.AddObject(&Object{ID: 1, Ptrs: []ObjID{2}})
				g.AddObject(&Object{ID: 2, Ptrs: []ObjID{3}})
				g.AddObject(&Object{ID: 3, Ptrs: []ObjID{1}})
				g.SetRoots(RootsOf(1))
				return g
			}(),
			expected: map[ObjID]ObjID{1: 0, 2: 1, 3: 2},
		},
		{
			name: "object shared by two roots",
			graph: func() Graph {
				g := NewMemGraph()
				g.AddObject(&Object{ID: 1, Ptrs: []ObjID{3}})
				g.AddObject(&Object{ID: 2, Ptrs: []ObjID{3}})
				g.AddObject(&Object{ID: 3})
				g.SetRoots(RootsOf(1, 2))
				return g
			}(),
			expected: map[ObjID]ObjID{1: 0, 2: 0, 3: 0},
		},
		{
			name: "dangling references are ignored",
			graph: func() Graph {
				g := NewMemGraph()
				g.AddObject(&Object{ID: 1, Ptrs: []ObjID{99, 2}})
				g.AddObject(&Object{ID: 2})
				g.SetRoots(RootsOf(1, 98))
				return g
			}(),
			expected: map[ObjID]ObjID{1: 0, 2: 1},
		},
		{
			name:     "no roots",
			graph:    NewMemGraph(),
			expected: map[ObjID]ObjID{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Dominators(tt.graph)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestDominatorTreeHelpers(t *testing.T) {
	g := NewMemGraph()
	g.AddObject(&Object{ID: 1, Ptrs: []ObjID{2, 3}})
	g.AddObject(&Object{ID: 2, Ptrs: []ObjID{4}})
	g.AddObject(&Object{ID: 3, Ptrs: []ObjID{4}})
	g.AddObject(&Object{ID: 4, Ptrs: []ObjID{5}})
	g.AddObject(&Object{ID: 5})
	g.SetRoots(RootsOf(1))

	idom := Dominators(g)
	tree := DominatorTree(idom)
	if len(tree[0]) != 1 || tree[0][0] != 1 {
		t.Errorf("Expected super-root to have child 1, got %v", tree[0])
	}
	if len(tree[1]) != 3 {
		t.Errorf("Expected 1 to dominate 3 objects directly, got %v", tree[1])
	}

	depth := DominatorDepth(tree)
	wantDepth := map[ObjID]int{0: 0, 1: 1, 2: 2, 3: 2, 4: 2, 5: 3}
	if !reflect.DeepEqual(depth, wantDepth) {
		t.Errorf("Expected depths %v, got %v", wantDepth, depth)
	}

	if got := DominatorPath(idom, 5); !reflect.DeepEqual(got, []ObjID{5, 4, 1, 0}) {
		t.Errorf("Expected dominator path [5 4 1 0], got %v", got)
	}

	tests := []struct {
		node, dominator ObjID
		want            bool
	}{
		{5, 1, true},
		{5, 4, true},
		{5, 2, false},
		{4, 4, true},
		{2, 0, true},
		{42, 1, false},
	}
	for _, tt := range tests {
		if got := IsDominated(idom, tt.node, tt.dominator); got != tt.want {
			t.Errorf("IsDominated(%d, %d): expected %v, got %v", tt.node, tt.dominator, tt.want, got)
		}
	}
}

// naiveDominates checks dominance by deleting the candidate and testing
// reachability again.
func naiveDominates(g Graph, node, dominator ObjID) bool {
	if node == dominator {
		return true
	}
	seen := map[ObjID]bool{dominator: true}
	queue := []ObjID{}
	for _, r := range g.GetRoots().IDs() {
		if !seen[r] && g.GetObject(r) != nil {
			seen[r] = true
			queue = append(queue, r)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == node {
			return false
		}
		for _, p := range g.GetObject(id).Ptrs {
			if !seen[p] && g.GetObject(p) != nil {
				seen[p] = true
				queue = append(queue, p)
			}
		}
	}
	return true
}

// Property: on random graphs the immediate dominator dominates its node and
// agrees with the reachability definition.
func TestPropertyDominatorsMatchReachability(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for iter := 0; iter < 30; iter++ {
		g := NewMemGraph()
		n := 5 + rng.Intn(30)
		for i := 1; i <= n; i++ {
			obj := &Object{ID: ObjID(i), Size: uint64(rng.Intn(64) + 1)}
			for e := rng.Intn(4); e > 0; e-- {
				obj.Ptrs = append(obj.Ptrs, ObjID(rng.Intn(n)+1))
			}
			g.AddObject(obj)
		}
		g.SetRoots(RootsOf(ObjID(rng.Intn(n)+1), ObjID(rng.Intn(n)+1)))

		idom := Dominators(g)
		for node, dom := range idom {
			if dom != 0 && !naiveDominates(g, node, dom) {
				t.Fatalf("Iteration %d: %d does not dominate %d", iter, dom, node)
			}
			// Every other dominator of node must also dominate its idom.
			for other := range idom {
				if other == node || other == dom || !naiveDominates(g, node, other) {
					continue
				}
				if dom == 0 || !naiveDominates(g, dom, other) {
					t.Fatalf("Iteration %d: %d dominates %d but not its idom %d", iter, other, node, dom)
				}
			}
		}
	}
}
