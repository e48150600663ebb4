// ABOUTME: Persistent handles: roots held from outside the managed heap
// ABOUTME: Thread-affine persistents and rooted collections link into their thread's ring, cross-thread ones into a global ring

package heap

// persistentNode is an element of a doubly linked ring whose sentinel is the
// anchor owned by a thread or by the heap.
type persistentNode struct {
	trace      func(v Visitor)
	prev, next *persistentNode
}

func newPersistentAnchor() *persistentNode {
	a := &persistentNode{}
	a.prev, a.next = a, a
	return a
}

func (n *persistentNode) link(anchor *persistentNode) {
	n.next = anchor.next
	n.prev = anchor
	anchor.next.prev = n
	anchor.next = n
}

func (n *persistentNode) unlink() {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev, n.next = nil, nil
}

func (n *persistentNode) linked() bool { return n.next != nil }

func visitPersistentRing(anchor *persistentNode, v Visitor) {
	for n := anchor.next; n != anchor; n = n.next {
		n.trace(v)
	}
}

func countPersistents(anchor *persistentNode) int {
	count := 0
	for n := anchor.next; n != anchor; n = n.next {
		count++
	}
	return count
}

// Persistent keeps an object alive from ordinary Go code. It belongs to the
// thread that created it and must be disposed on that thread.
type Persistent[T Collectable] struct {
	node  persistentNode
	raw   Address
	state *ThreadState
}

func NewPersistent[T Collectable](ts *ThreadState, p *T) *Persistent[T] {
	ts.checkThread()
	h := &Persistent[T]{raw: addressOf(p), state: ts}
	h.node.trace = h.trace
	h.node.link(ts.persistents)
	return h
}

func (h *Persistent[T]) trace(v Visitor) {
	MarkObject(v, h.raw)
}

func (h *Persistent[T]) Get() *T          { return pointerAt[T](h.raw) }
func (h *Persistent[T]) Set(p *T)         { h.raw = addressOf(p) }
func (h *Persistent[T]) Clear()           { h.raw = 0 }
func (h *Persistent[T]) IsNil() bool      { return h.raw == 0 }
func (h *Persistent[T]) Address() Address { return h.raw }

func (h *Persistent[T]) Release() *T {
	p := h.Get()
	h.raw = 0
	return p
}

// Dispose removes the handle from the root set.
func (h *Persistent[T]) Dispose() {
	if !h.node.linked() {
		fatal("Persistent.Dispose", ErrDisposed)
	}
	h.state.checkThread()
	h.node.unlink()
	h.raw = 0
}

// CrossThreadPersistent is a root that may be created, updated and disposed
// from any goroutine, attached or not.
type CrossThreadPersistent[T Collectable] struct {
	node persistentNode
	raw  Address
	heap *Heap
}

func NewCrossThreadPersistent[T Collectable](h *Heap, p *T) *CrossThreadPersistent[T] {
	c := &CrossThreadPersistent[T]{raw: addressOf(p), heap: h}
	c.node.trace = c.trace
	h.globalRootsMu.Lock()
	c.node.link(h.globalRoots)
	h.globalRootsMu.Unlock()
	return c
}

// trace runs with globalRootsMu held.
func (c *CrossThreadPersistent[T]) trace(v Visitor) {
	MarkObject(v, c.raw)
}

func (c *CrossThreadPersistent[T]) Get() *T {
	c.heap.globalRootsMu.Lock()
	defer c.heap.globalRootsMu.Unlock()
	return pointerAt[T](c.raw)
}

func (c *CrossThreadPersistent[T]) Set(p *T) {
	c.heap.globalRootsMu.Lock()
	c.raw = addressOf(p)
	c.heap.globalRootsMu.Unlock()
}

func (c *CrossThreadPersistent[T]) Clear() {
	c.Set(nil)
}

func (c *CrossThreadPersistent[T]) Dispose() {
	c.heap.globalRootsMu.Lock()
	defer c.heap.globalRootsMu.Unlock()
	if !c.node.linked() {
		fatal("CrossThreadPersistent.Dispose", ErrDisposed)
	}
	c.node.unlink()
	c.raw = 0
}

// PersistentHeapVector is a HeapVector owned by Go code. Its elements stay
// alive until it is disposed.
type PersistentHeapVector[T Collectable] struct {
	HeapVector[T]
	node  persistentNode
	state *ThreadState
}

func NewPersistentHeapVector[T Collectable](ts *ThreadState) *PersistentHeapVector[T] {
	ts.checkThread()
	p := &PersistentHeapVector[T]{state: ts}
	p.node.trace = p.Trace
	p.node.link(ts.persistents)
	return p
}

func (p *PersistentHeapVector[T]) Dispose() {
	if !p.node.linked() {
		fatal("PersistentHeapVector.Dispose", ErrDisposed)
	}
	p.state.checkThread()
	p.node.unlink()
	p.Clear()
}

// PersistentHeapHashMap is a HeapHashMap owned by Go code.
type PersistentHeapHashMap[K, V Collectable] struct {
	HeapHashMap[K, V]
	node  persistentNode
	state *ThreadState
}

func NewPersistentHeapHashMap[K, V Collectable](ts *ThreadState) *PersistentHeapHashMap[K, V] {
	ts.checkThread()
	p := &PersistentHeapHashMap[K, V]{state: ts}
	p.node.trace = p.Trace
	p.node.link(ts.persistents)
	return p
}

func (p *PersistentHeapHashMap[K, V]) Dispose() {
	if !p.node.linked() {
		fatal("PersistentHeapHashMap.Dispose", ErrDisposed)
	}
	p.state.checkThread()
	p.node.unlink()
	p.Clear()
}
