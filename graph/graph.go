// ABOUTME: Graph interface and the in-memory implementation filled by heap snapshots
// ABOUTME: Iteration is in ascending address order so reports and dumps are stable

package graph

import (
	"sort"
	"sync"
)

// Graph is a snapshot of managed objects and the references between them.
type Graph interface {
	AddObject(obj *Object)
	GetObject(id ObjID) *Object
	NumObjects() int
	// ForEachObject visits objects in ascending ID order.
	ForEachObject(fn func(*Object))
	SetRoots(roots Roots)
	GetRoots() Roots
}

// MemGraph keeps the whole snapshot in memory.
type MemGraph struct {
	mu      sync.RWMutex
	objects map[ObjID]*Object
	order   []ObjID
	sorted  bool
	roots   Roots
}

func NewMemGraph() *MemGraph {
	return &MemGraph{
		objects: make(map[ObjID]*Object),
		sorted:  true,
	}
}

// AddObject inserts obj, replacing any object with the same ID.
func (g *MemGraph) AddObject(obj *Object) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.objects[obj.ID]; !exists {
		if n := len(g.order); n > 0 && g.order[n-1] > obj.ID {
			g.sorted = false
		}
		g.order = append(g.order, obj.ID)
	}
	g.objects[obj.ID] = obj
}

func (g *MemGraph) GetObject(id ObjID) *Object {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.objects[id]
}

func (g *MemGraph) NumObjects() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.objects)
}

func (g *MemGraph) ForEachObject(fn func(*Object)) {
	g.mu.Lock()
	if !g.sorted {
		sort.Slice(g.order, func(i, j int) bool { return g.order[i] < g.order[j] })
		g.sorted = true
	}
	order := g.order
	objects := g.objects
	g.mu.Unlock()

	for _, id := range order {
		fn(objects[id])
	}
}

func (g *MemGraph) SetRoots(roots Roots) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.roots = roots
}

// AddRoot appends one entry to the root set.
func (g *MemGraph) AddRoot(root Root) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.roots.Entries = append(g.roots.Entries, root)
}

func (g *MemGraph) GetRoots() Roots {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.roots
}

// TypeStat aggregates the objects of one type.
type TypeStat struct {
	Type    string
	Objects int
	Bytes   uint64
}

// Histogram groups objects by type, largest byte count first.
func Histogram(g Graph) []TypeStat {
	byType := make(map[string]*TypeStat)
	g.ForEachObject(func(obj *Object) {
		s, ok := byType[obj.Type]
		if !ok {
			s = &TypeStat{Type: obj.Type}
			byType[obj.Type] = s
		}
		s.Objects++
		s.Bytes += obj.Size
	})
	stats := make([]TypeStat, 0, len(byType))
	for _, s := range byType {
		stats = append(stats, *s)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Bytes != stats[j].Bytes {
			return stats[i].Bytes > stats[j].Bytes
		}
		return stats[i].Type < stats[j].Type
	})
	return stats
}
