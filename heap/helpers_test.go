// ABOUTME: Managed types and helpers shared by the heap tests
// ABOUTME: Finalizers report into a package level log since managed objects cannot hold Go pointers

package heap

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

// finalizeLog counts finalizer runs per node id.
type finalizeLog struct {
	mu  sync.Mutex
	ids map[int64]int
}

var finalized = &finalizeLog{ids: make(map[int64]int)}

func (l *finalizeLog) record(id int64) {
	l.mu.Lock()
	l.ids[id]++
	l.mu.Unlock()
}

func (l *finalizeLog) count(id int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ids[id]
}

func (l *finalizeLog) reset() {
	l.mu.Lock()
	l.ids = make(map[int64]int)
	l.mu.Unlock()
}

var nextNodeID atomic.Int64

// node is the general purpose managed object of the tests.
type node struct {
	GarbageCollected
	next  Member[node]
	other Member[node]
	weak  WeakMember[node]
	id    int64
}

func (n *node) Trace(v Visitor) {
	n.next.Trace(v)
	n.other.Trace(v)
	n.weak.Trace(v)
}

func (n *node) Finalize() {
	finalized.record(n.id)
}

// point lives on a typed heap of its own.
type point struct {
	Typed
	x, y int64
}

func (p *point) Trace(Visitor) {}

// blob is big enough to fill pages quickly.
type blob struct {
	GarbageCollected
	next Member[blob]
	data [1000]int64
}

func (b *blob) Trace(v Visitor) { b.next.Trace(v) }

// bigBlob is always a large object.
type bigBlob struct {
	GarbageCollected
	data [1 << 17]int64
}

func (b *bigBlob) Trace(Visitor) {}

type empty struct {
	GarbageCollected
}

func (e *empty) Trace(Visitor) {}

type badNode struct {
	GarbageCollected
	name string
}

func (b *badNode) Trace(Visitor) {}

// weakPair clears itself when its key dies.
type weakPair struct {
	GarbageCollected
	key   Address
	value int64
}

func (p *weakPair) Trace(v Visitor) {
	v.RegisterWeakMembers(addressOf(p), addressOf(p), clearDeadPair)
}

func clearDeadPair(v Visitor, closure Address) {
	p := pointerAt[weakPair](closure)
	if !IsAlive(v, p.key) {
		p.key = 0
		p.value = 0
	}
}

// traceHook runs whenever a hooked object is traced.
var traceHook func(v Visitor)

type hooked struct {
	GarbageCollected
	child Member[node]
}

func (o *hooked) Trace(v Visitor) {
	if traceHook != nil {
		traceHook(v)
	}
	o.child.Trace(v)
}

func setTraceHook(t *testing.T, fn func(v Visitor)) {
	traceHook = fn
	t.Cleanup(func() { traceHook = nil })
}

var rawBufferInfo = RegisterGCInfo("buffer", nil, nil)

// newTestHeap initialises a heap on the test goroutine and shuts it down when
// the test ends. Automatic collections are pushed out of reach unless opts
// say otherwise.
func newTestHeap(t *testing.T, opts ...Option) (*Heap, *ThreadState) {
	t.Helper()
	finalized.reset()
	opts = append([]Option{WithGCThresholds(0, 0, 1<<12)}, opts...)
	h := Init(opts...)
	t.Cleanup(h.Shutdown)
	return h, h.MainThread()
}

func newNode(t *testing.T, ts *ThreadState) *node {
	t.Helper()
	n, err := New[node](ts)
	if err != nil {
		t.Fatalf("New[node] failed: %v", err)
	}
	n.id = nextNodeID.Add(1)
	return n
}

// expectFatal runs fn and checks that it panics with a FatalError wrapping
// target.
func expectFatal(t *testing.T, target error, fn func()) {
	t.Helper()
	err := catchFatal(fn)
	if err == nil {
		t.Fatalf("Expected fatal error %v, got none", target)
	}
	if !errors.Is(err, target) {
		t.Errorf("Expected fatal error %v, got %v", target, err)
	}
}

func catchFatal(fn func()) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if fe, ok := r.(*FatalError); ok {
			err = fe
			return
		}
		err = fmt.Errorf("unexpected panic: %v", r)
	}()
	fn()
	return nil
}

// onWorker runs fn on a freshly attached thread while ts waits at a
// safepoint, then detaches the worker.
func onWorker(t *testing.T, h *Heap, ts *ThreadState, fn func(w *ThreadState)) {
	t.Helper()
	done := make(chan error, 1)
	scope := ts.EnterSafePointScope(NoHeapPointersOnStack, NoNesting)
	go func() {
		w := h.Attach()
		done <- catchFatal(func() {
			fn(w)
			w.Detach()
		})
	}()
	err := <-done
	scope.Leave()
	if err != nil {
		t.Fatalf("Worker failed: %v", err)
	}
}
