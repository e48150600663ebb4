// ABOUTME: Tests for retained memory size calculation using dominator trees
// ABOUTME: Verifies retained sizes for common topologies and the top retainer report

package graph

import (
	"math/rand"
	"reflect"
	"testing"
)

func TestRetainedSize(t *testing.T) {
	tests := []struct {
		name     string
		graph    Graph
		expected map[ObjID]uint64 // node -> retained size
	}{
		{
			name: "simple linear chain",
			graph: func() Graph {
				g := NewMemGraph()
				g.AddObject(&Object{ID: 1, Size: 100, Ptrs: []ObjID{2}})
				g.AddObject(&Object{ID: 2, Size: 50, Ptrs: []ObjID{3}})
				g.AddObject(&Object{ID: 3, Size: 25})
				g.SetRoots(RootsOf(1))
				return g
			}(),
			expected: map[ObjID]uint64{1: 175, 2: 75, 3: 25},
		},
		{
			name: "diamond pattern",
			graph: func() Graph {
				g := NewMemGraph()
				g.AddObject(&Object{ID: 1, Size: 100, Ptrs: []ObjID{2, 3}})
				g.AddObject(&Object{ID: 2, Size: 30, Ptrs: []ObjID{4}})
				g.AddObject(&Object{ID: 3, Size: 40, Ptrs: []ObjID{4}})
				g.AddObject(&Object{ID: 4, Size: 20})
				g.SetRoots(RootsOf(1))
				return g
			}(),
			expected: map[ObjID]uint64{1: 190, 2: 30, 3: 40, 4: 20},
		},
		{
			name: "shared between roots",
			graph: func() Graph {
				g := NewMemGraph()
				g.AddObject(&Object{ID: 1, Size: 10, Ptrs: []ObjID{3}})
				g.AddObject(&Object{ID: 2, Size: 20, Ptrs: []ObjID{3}})
				g.AddObject(&Object{ID: 3, Size: 300})
				g.SetRoots(RootsOf(1, 2))
				return g
			}(),
			expected: map[ObjID]uint64{1: 10, 2: 20, 3: 300},
		},
		{
			name: "unreachable objects retain nothing",
			graph: func() Graph {
				g := NewMemGraph()
				g.AddObject(&Object{ID: 1, Size: 10})
				g.AddObject(&Object{ID: 2, Size: 1000, Ptrs: []ObjID{1}})
				g.SetRoots(RootsOf(1))
				return g
			}(),
			expected: map[ObjID]uint64{1: 10},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RetainedSize(tt.graph)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestTopRetainers(t *testing.T) {
	g := NewMemGraph()
	g.AddObject(&Object{ID: 1, Type: "Root", Size: 8, Ptrs: []ObjID{2, 3}})
	g.AddObject(&Object{ID: 2, Type: "Cache", Size: 16, Ptrs: []ObjID{4}})
	g.AddObject(&Object{ID: 3, Type: "Leaf", Size: 32})
	g.AddObject(&Object{ID: 4, Type: "Buffer", Size: 1024})
	g.SetRoots(RootsOf(1))

	got := TopRetainers(g, 2)
	want := []Retainer{
		{ID: 1, Type: "Root", Retained: 1080},
		{ID: 2, Type: "Cache", Retained: 1040},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %+v, got %+v", want, got)
	}
	if TopRetainers(g, 0) != nil {
		t.Error("Expected no retainers for n=0")
	}
}

// Property: the super-root's children retain exactly the reachable bytes.
func TestPropertyRetainedSumsToReachable(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for iter := 0; iter < 50; iter++ {
		g := NewMemGraph()
		n := 1 + rng.Intn(40)
		for i := 1; i <= n; i++ {
			obj := &Object{ID: ObjID(i), Size: uint64(rng.Intn(100) + 1)}
			for e := rng.Intn(3); e > 0; e-- {
				obj.Ptrs = append(obj.Ptrs, ObjID(rng.Intn(n)+1))
			}
			g.AddObject(obj)
		}
		g.SetRoots(RootsOf(ObjID(rng.Intn(n)+1), ObjID(rng.Intn(n)+1), ObjID(rng.Intn(n)+1)))

		idom := Dominators(g)
		retained := RetainedSize(g)
		var reachable, top uint64
		for id := range idom {
			reachable += g.GetObject(id).Size
			if idom[id] == 0 {
				top += retained[id]
			}
		}
		if top != reachable {
			t.Fatalf("Iteration %d: top-level retained %d, reachable %d", iter, top, reachable)
		}
	}
}
