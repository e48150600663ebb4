// ABOUTME: The tracing protocol between managed objects and the collector
// ABOUTME: The marking visitor sets mark bits and queues trace and weak callbacks for later

package heap

// Visitor is handed to Trace methods. Implementations decide what reaching an
// object means: the collector marks it, a snapshot records an edge.
type Visitor interface {
	// Mark reports a strong reference to the object whose payload starts at
	// obj. trace is queued to run on obj the first time it is reached.
	Mark(obj Address, trace TraceCallback)
	MarkHeader(header HeapObjectHeader, trace TraceCallback)
	// RegisterWeakCell queues callback to run on the word at cell once
	// marking is finished, so the cell can be cleared if its target died.
	RegisterWeakCell(cell Address, callback WeakPointerCallback)
	// RegisterWeakMembers queues callback on the thread that owns obj. It
	// runs before that thread sweeps.
	RegisterWeakMembers(closure, obj Address, callback WeakPointerCallback)
	IsMarked(obj Address) bool
}

// MarkObject marks obj with the trace callback recorded in its GCInfo.
func MarkObject(v Visitor, obj Address) {
	if obj == 0 {
		return
	}
	v.Mark(obj, traceCallbackOf(obj))
}

// IsAlive reports whether obj survived marking. Only meaningful inside weak
// callbacks.
func IsAlive(v Visitor, obj Address) bool {
	return obj == 0 || v.IsMarked(obj)
}

// clearDeadWeakCell is the weak callback registered for WeakMember fields.
func clearDeadWeakCell(v Visitor, cell Address) {
	target := addressAt(cell)
	if *target != 0 && !v.IsMarked(*target) {
		*target = 0
	}
}

type markingVisitor struct {
	heap   *Heap
	marked int
}

func (v *markingVisitor) Mark(obj Address, trace TraceCallback) {
	if obj == 0 {
		return
	}
	v.MarkHeader(HeaderFromPayload(obj), trace)
}

func (v *markingVisitor) MarkHeader(header HeapObjectHeader, trace TraceCallback) {
	if header.IsMarked() {
		return
	}
	header.Mark()
	v.marked++
	if trace != nil {
		v.heap.markingStack.Push(header.Payload(), trace)
	}
}

func (v *markingVisitor) RegisterWeakCell(cell Address, callback WeakPointerCallback) {
	v.heap.weakCellStack.Push(cell, callback)
}

func (v *markingVisitor) RegisterWeakMembers(closure, obj Address, callback WeakPointerCallback) {
	owner := v.heap.threadForPage(obj)
	if owner == nil {
		fatalf("RegisterWeakMembers", ErrNotAttached, "no thread owns %#x", obj)
	}
	owner.weakCallbackStack.Push(closure, callback)
}

func (v *markingVisitor) IsMarked(obj Address) bool {
	return HeaderFromPayload(obj).IsMarked()
}
