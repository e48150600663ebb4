// ABOUTME: Tests for the managed collections: vectors, strong and weak hash sets and maps, persistent collections
// ABOUTME: Each collection lives in a rooted bag object and liveness is checked through the finalize log

package heap

import (
	"errors"
	"testing"

	"github.com/prateek/oilpan/graph"
)

// bag owns one collection of every kind.
type bag struct {
	GarbageCollected
	items   HeapVector[node]
	set     HeapHashSet[node]
	weakSet WeakHeapHashSet[node]
	byKey   HeapHashMap[node, node]
	weakMap WeakHeapHashMap[node, node]
}

func (b *bag) Trace(v Visitor) {
	b.items.Trace(v)
	b.set.Trace(v)
	b.weakSet.Trace(v)
	b.byKey.Trace(v)
	b.weakMap.Trace(v)
}

func newBag(t *testing.T, ts *ThreadState) *bag {
	t.Helper()
	b, err := New[bag](ts)
	if err != nil {
		t.Fatalf("New[bag] failed: %v", err)
	}
	NewPersistent(ts, b)
	return b
}

func newNodes(t *testing.T, ts *ThreadState, n int) []*node {
	t.Helper()
	nodes := make([]*node, n)
	for i := range nodes {
		nodes[i] = newNode(t, ts)
	}
	return nodes
}

func ids(nodes []*node) []int64 {
	out := make([]int64, len(nodes))
	for i, n := range nodes {
		out[i] = n.id
	}
	return out
}

func checkFinalized(t *testing.T, what string, ids []int64, want int) {
	t.Helper()
	for _, id := range ids {
		if got := finalized.count(id); got != want {
			t.Errorf("%s: expected node %d finalized %d times, got %d", what, id, want, got)
		}
	}
}

func TestHeapVector(t *testing.T) {
	h, ts := newTestHeap(t)
	b := newBag(t, ts)

	nodes := newNodes(t, ts, 100)
	nodeIDs := ids(nodes)
	var caps []int
	for _, n := range nodes {
		if err := b.items.Append(ts, n); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if len(caps) == 0 || caps[len(caps)-1] != b.items.Cap() {
			caps = append(caps, b.items.Cap())
		}
	}
	if want := []int{4, 8, 16, 32, 64, 128}; !equalInts(caps, want) {
		t.Errorf("Expected capacities %v, got %v", want, caps)
	}

	h.CollectGarbage(ts, NoHeapPointersOnStack)
	checkFinalized(t, "appended", nodeIDs, 0)
	if b.items.Len() != 100 {
		t.Fatalf("Expected 100 elements, got %d", b.items.Len())
	}
	for i, n := range nodes {
		if b.items.At(i) != n {
			t.Fatalf("Element %d: expected %p, got %p", i, n, b.items.At(i))
		}
	}

	b.items.Truncate(50)
	if got := b.items.RemoveLast(); got != nodes[49] {
		t.Errorf("Expected RemoveLast to return element 49, got %p", got)
	}
	if err := b.items.ShrinkToFit(ts); err != nil {
		t.Fatalf("ShrinkToFit failed: %v", err)
	}
	if b.items.Cap() != 49 || b.items.Len() != 49 {
		t.Errorf("Expected length and capacity 49, got %d and %d", b.items.Len(), b.items.Cap())
	}
	b.items.Set(0, nodes[1])

	h.CollectGarbage(ts, NoHeapPointersOnStack)
	checkFinalized(t, "truncated", nodeIDs[49:], 1)
	checkFinalized(t, "replaced", nodeIDs[:1], 1)
	checkFinalized(t, "kept", nodeIDs[1:49], 0)
	count := 0
	b.items.Each(func(i int, n *node) bool {
		if i > 0 && n != nodes[i] {
			t.Errorf("Element %d changed after shrinking", i)
		}
		count++
		return true
	})
	if count != 49 {
		t.Errorf("Expected Each to visit 49 elements, got %d", count)
	}

	b.items.Clear()
	h.CollectGarbage(ts, NoHeapPointersOnStack)
	checkFinalized(t, "cleared", nodeIDs[1:49], 1)
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestHeapVectorIndexOutOfRange(t *testing.T) {
	_, ts := newTestHeap(t)
	b := newBag(t, ts)
	if err := b.items.Append(ts, newNode(t, ts)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	tests := []struct {
		name string
		fn   func()
	}{
		{name: "At", fn: func() { b.items.At(1) }},
		{name: "Set", fn: func() { b.items.Set(-1, nil) }},
		{name: "Truncate", fn: func() { b.items.Truncate(2) }},
	}
	for _, tt := range tests {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("%s: expected an out of range panic", tt.name)
				}
			}()
			tt.fn()
		}()
	}
}

func TestHeapHashSet(t *testing.T) {
	h, ts := newTestHeap(t)
	b := newBag(t, ts)

	nodes := newNodes(t, ts, 200)
	nodeIDs := ids(nodes)
	for _, n := range nodes {
		if added, err := b.set.Add(ts, n); !added || err != nil {
			t.Fatalf("Add: expected (true, nil), got (%v, %v)", added, err)
		}
	}
	if added, _ := b.set.Add(ts, nodes[0]); added {
		t.Error("Expected adding a member twice to report false")
	}
	if b.set.Len() != 200 {
		t.Errorf("Expected 200 members, got %d", b.set.Len())
	}
	if b.set.Capacity()*3 < b.set.Len()*4 {
		t.Errorf("Expected the load to stay under three quarters, got %d in %d", b.set.Len(), b.set.Capacity())
	}

	for _, n := range nodes[100:] {
		if !b.set.Remove(n) {
			t.Fatalf("Expected node %d to be removed", n.id)
		}
	}
	if b.set.Remove(nodes[150]) {
		t.Error("Expected removing an absent member to report false")
	}
	// Reinserting lands in deleted slots.
	if added, _ := b.set.Add(ts, nodes[199]); !added {
		t.Error("Expected a removed member to be added again")
	}

	h.CollectGarbage(ts, NoHeapPointersOnStack)
	checkFinalized(t, "members", nodeIDs[:100], 0)
	checkFinalized(t, "removed", nodeIDs[100:199], 1)
	checkFinalized(t, "re-added", nodeIDs[199:], 0)
	for _, n := range nodes[:100] {
		if !b.set.Contains(n) {
			t.Errorf("Expected node %d to stay a member", n.id)
		}
	}
	seen := 0
	b.set.Each(func(*node) bool { seen++; return true })
	if seen != 101 || b.set.Len() != 101 {
		t.Errorf("Expected 101 members, got Len %d and Each %d", b.set.Len(), seen)
	}

	if _, err := b.set.Add(ts, nil); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Expected a nil member to fail with %v, got %v", ErrInvalidKey, err)
	}
	if b.set.Contains(nil) {
		t.Error("Expected nil never to be a member")
	}
}

func TestWeakHeapHashSet(t *testing.T) {
	h, ts := newTestHeap(t)
	b := newBag(t, ts)

	nodes := newNodes(t, ts, 40)
	for i, n := range nodes {
		if _, err := b.weakSet.Add(ts, n); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		if i%2 == 0 {
			NewPersistent(ts, n)
		}
	}

	var live []*node
	var deadIDs []int64
	for i, n := range nodes {
		if i%2 == 0 {
			live = append(live, n)
		} else {
			deadIDs = append(deadIDs, n.id)
		}
	}
	h.CollectGarbage(ts, NoHeapPointersOnStack)

	checkFinalized(t, "rooted", ids(live), 0)
	checkFinalized(t, "weakly held", deadIDs, 1)
	if b.weakSet.Len() != len(live) {
		t.Errorf("Expected %d members after the collection, got %d", len(live), b.weakSet.Len())
	}
	for _, n := range live {
		if !b.weakSet.Contains(n) {
			t.Errorf("Expected rooted node %d to stay a member", n.id)
		}
	}
	b.weakSet.Each(func(n *node) bool {
		if finalized.count(n.id) != 0 {
			t.Errorf("Expected no finalized node in the set, found %d", n.id)
		}
		return true
	})

	// The table keeps working after weak removals left deleted slots.
	extra := newNode(t, ts)
	NewPersistent(ts, extra)
	if added, _ := b.weakSet.Add(ts, extra); !added {
		t.Error("Expected a new member to be added after weak processing")
	}
	h.CollectGarbage(ts, NoHeapPointersOnStack)
	if b.weakSet.Len() != len(live)+1 {
		t.Errorf("Expected %d members, got %d", len(live)+1, b.weakSet.Len())
	}
}

func TestHeapHashMap(t *testing.T) {
	h, ts := newTestHeap(t)
	b := newBag(t, ts)

	keys := newNodes(t, ts, 30)
	values := newNodes(t, ts, 30)
	for i := range keys {
		if added, err := b.byKey.Set(ts, keys[i], values[i]); !added || err != nil {
			t.Fatalf("Set: expected (true, nil), got (%v, %v)", added, err)
		}
	}
	keyIDs, valueIDs := ids(keys), ids(values)
	if added, _ := b.byKey.Set(ts, keys[0], values[1]); added {
		t.Error("Expected updating a key to report false")
	}
	b.byKey.Remove(keys[29])

	h.CollectGarbage(ts, NoHeapPointersOnStack)

	checkFinalized(t, "keys", keyIDs[:29], 0)
	checkFinalized(t, "values", valueIDs[1:29], 0)
	checkFinalized(t, "replaced value", valueIDs[:1], 1)
	checkFinalized(t, "removed entry", []int64{keyIDs[29], valueIDs[29]}, 1)
	if got := b.byKey.Get(keys[0]); got != values[1] {
		t.Errorf("Expected the updated value, got %p", got)
	}
	if got := b.byKey.Get(keys[5]); got != values[5] {
		t.Errorf("Expected value 5, got %p", got)
	}
	if b.byKey.Contains(keys[29]) {
		t.Error("Expected the removed key to be absent")
	}
	entries := 0
	b.byKey.Each(func(*node, *node) bool {
		entries++
		return true
	})
	if entries != 29 || b.byKey.Len() != 29 {
		t.Errorf("Expected 29 entries, got Len %d and Each %d", b.byKey.Len(), entries)
	}
}

func TestWeakHeapHashMap(t *testing.T) {
	h, ts := newTestHeap(t)
	b := newBag(t, ts)

	liveKey := newNode(t, ts)
	NewPersistent(ts, liveKey)
	deadKey := newNode(t, ts)
	liveValue := newNode(t, ts)
	orphan := newNode(t, ts)
	deadKeyID, orphanID := deadKey.id, orphan.id
	for _, e := range []struct{ k, v *node }{{liveKey, liveValue}, {deadKey, orphan}} {
		if _, err := b.weakMap.Set(ts, e.k, e.v); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	h.CollectGarbage(ts, NoHeapPointersOnStack)
	checkFinalized(t, "dead key", []int64{deadKeyID}, 1)
	// The value was traced before its key was found dead.
	checkFinalized(t, "values", []int64{liveValue.id, orphanID}, 0)
	if b.weakMap.Len() != 1 || b.weakMap.Get(liveKey) != liveValue {
		t.Errorf("Expected only the live key to remain, got %d entries", b.weakMap.Len())
	}

	h.CollectGarbage(ts, NoHeapPointersOnStack)
	checkFinalized(t, "orphaned value", []int64{orphanID}, 1)
	checkFinalized(t, "live value", []int64{liveValue.id}, 0)
}

func TestPersistentCollections(t *testing.T) {
	h, ts := newTestHeap(t)

	vec := NewPersistentHeapVector[node](ts)
	m := NewPersistentHeapHashMap[node, node](ts)
	nodes := newNodes(t, ts, 10)
	nodeIDs := ids(nodes)
	for i, n := range nodes {
		if err := vec.Append(ts, n); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if _, err := m.Set(ts, n, nodes[(i+1)%len(nodes)]); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	h.CollectGarbage(ts, NoHeapPointersOnStack)
	checkFinalized(t, "rooted", nodeIDs, 0)
	if vec.Len() != 10 || m.Len() != 10 || m.Get(nodes[9]) != nodes[0] {
		t.Errorf("Expected both collections intact, got %d and %d entries", vec.Len(), m.Len())
	}

	vec.Dispose()
	if vec.Len() != 0 {
		t.Errorf("Expected a disposed vector to be empty, got %d", vec.Len())
	}
	h.CollectGarbage(ts, NoHeapPointersOnStack)
	checkFinalized(t, "still mapped", nodeIDs, 0)

	m.Dispose()
	h.CollectGarbage(ts, NoHeapPointersOnStack)
	checkFinalized(t, "released", nodeIDs, 1)

	expectFatal(t, ErrDisposed, vec.Dispose)
	expectFatal(t, ErrDisposed, m.Dispose)
}

func TestCollectionsInSnapshot(t *testing.T) {
	h, ts := newTestHeap(t)
	b := newBag(t, ts)
	n := newNode(t, ts)
	if err := b.items.Append(ts, n); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := b.weakSet.Add(ts, newNode(t, ts)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	g := h.Snapshot(ts)
	types := map[string]int{}
	g.ForEachObject(func(o *graph.Object) { types[o.Type]++ })
	// The weakly held node is no edge of the retention graph.
	if types["heap.vectorBacking"] != 1 || types["heap.weakHashSetBacking"] != 1 || types["heap.node"] != 1 {
		t.Errorf("Expected one vector backing, one weak set backing and one node, got %v", types)
	}
}
