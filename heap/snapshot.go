// ABOUTME: Heap snapshots: the live object graph recorded with a tracing visitor
// ABOUTME: Records edges and roots without touching mark bits, so pending sweeps are unaffected

package heap

import (
	"time"

	"github.com/prateek/oilpan/callbackstack"
	"github.com/prateek/oilpan/graph"
)

// Snapshot stops every other thread and records the objects reachable from
// the roots, the same set a collection started from ts would keep. Nothing
// is freed and no finalizer runs.
func (h *Heap) Snapshot(ts *ThreadState) *graph.MemGraph {
	start := time.Now()
	scope := h.enterGCScope(ts, HeapPointersOnStack)
	defer scope.leave()

	for _, t := range h.threads {
		t.eachHeap(func(th *ThreadHeap) { th.sealAllocationArea() })
	}
	defer func() {
		for _, t := range h.threads {
			t.eachHeap(func(th *ThreadHeap) { th.invalidateObjectStartBitMaps() })
		}
	}()

	v := newSnapshotVisitor(h)
	v.root = graph.Root{Kind: graph.RootCrossThread}
	h.globalRootsMu.Lock()
	visitPersistentRing(h.globalRoots, v)
	h.globalRootsMu.Unlock()
	for _, t := range h.threads {
		v.root = graph.Root{Kind: graph.RootStack, Thread: t.id}
		t.visitStack(v)
		v.root = graph.Root{Kind: graph.RootPersistent, Thread: t.id}
		t.visitPersistents(v)
	}
	for v.work.PopAndInvoke(v.record) {
	}

	h.logger().Debug("snapshot",
		"thread", ts.id,
		"objects", v.graph.NumObjects(),
		"roots", len(v.graph.GetRoots().Entries),
		"duration", time.Since(start),
	)
	return v.graph
}

// snapshotVisitor keeps its own visited set instead of mark bits. Objects of
// threads that have not swept since the last collection still carry marks.
type snapshotVisitor struct {
	heap    *Heap
	seen    map[Address]bool
	work    *callbackstack.Stack[TraceCallback]
	graph   *graph.MemGraph
	current *graph.Object
	root    graph.Root
}

func newSnapshotVisitor(h *Heap) *snapshotVisitor {
	return &snapshotVisitor{
		heap:  h,
		seen:  make(map[Address]bool),
		work:  callbackstack.New[TraceCallback](),
		graph: graph.NewMemGraph(),
	}
}

func (v *snapshotVisitor) Mark(obj Address, trace TraceCallback) {
	if obj == 0 {
		return
	}
	v.MarkHeader(HeaderFromPayload(obj), trace)
}

func (v *snapshotVisitor) MarkHeader(header HeapObjectHeader, trace TraceCallback) {
	payload := header.Payload()
	id := graph.ObjID(payload)
	if v.current != nil {
		v.current.Ptrs = append(v.current.Ptrs, id)
	} else {
		root := v.root
		root.ID = id
		v.graph.AddRoot(root)
	}
	if v.seen[payload] {
		return
	}
	v.seen[payload] = true
	v.work.Push(payload, trace)
}

// Weak references are not edges of the retention graph.
func (v *snapshotVisitor) RegisterWeakCell(Address, WeakPointerCallback)             {}
func (v *snapshotVisitor) RegisterWeakMembers(Address, Address, WeakPointerCallback) {}

func (v *snapshotVisitor) IsMarked(obj Address) bool { return v.seen[obj] }

func (v *snapshotVisitor) record(item callbackstack.Item[TraceCallback]) {
	header := HeaderFromPayload(item.Object)
	obj := &graph.Object{
		ID:   graph.ObjID(item.Object),
		Type: gcInfoName(header.GCInfo()),
		Size: uint64(header.PayloadSize()),
		Ptrs: []graph.ObjID{},
	}
	v.graph.AddObject(obj)
	if item.Callback == nil {
		return
	}
	v.current = obj
	item.Callback(v, item.Object)
	v.current = nil
}
