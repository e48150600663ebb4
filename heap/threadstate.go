// ABOUTME: Per-thread collector state: heaps, roots, safepoint status, sweep requests and stats
// ABOUTME: A ThreadState is bound to the OS thread that attached it and must only be used there

package heap

import (
	"github.com/prateek/oilpan/callbackstack"
)

// StackState tells the collector whether a thread's shadow stack may hold
// pointers into the heap and therefore has to be scanned.
type StackState int

const (
	NoHeapPointersOnStack StackState = iota
	HeapPointersOnStack
)

func (s StackState) String() string {
	if s == NoHeapPointersOnStack {
		return "NoHeapPointersOnStack"
	}
	return "HeapPointersOnStack"
}

// Interruptor asks a thread to come to a safepoint. RequestInterrupt is
// called from the collecting thread; the interrupted thread answers by
// calling OnInterrupted on its ThreadState.
type Interruptor interface {
	RequestInterrupt()
	ClearInterrupt()
}

// CleanupTask lets embedders drop the persistent handles they own before a
// detaching thread's heap is verified to be empty.
type CleanupTask interface {
	PreCleanup()
	PostCleanup()
}

// ThreadState is the collector's view of one attached thread.
type ThreadState struct {
	heap   *Heap
	id     uint32
	tid    int
	isMain bool

	heaps         []*ThreadHeap
	persistents   *persistentNode
	containsCache *HeapContainsCache

	// stack stands in for the machine stack: words held by open frames are
	// scanned conservatively when the thread has heap pointers on its stack.
	stack              []Address
	safePointStackCopy []Address
	stackState         StackState
	atSafePoint        bool

	interruptors []Interruptor
	cleanupTasks []CleanupTask
	isCleaningUp bool

	gcRequested       bool
	sweepRequested    bool
	sweepInProgress   bool
	inGC              bool
	noAllocationCount int

	weakCallbackStack *callbackstack.Stack[WeakPointerCallback]

	stats            HeapStats
	statsAfterLastGC HeapStats
}

func newThreadState(h *Heap, isMain bool) *ThreadState {
	ts := &ThreadState{
		heap:              h,
		isMain:            isMain,
		persistents:       newPersistentAnchor(),
		containsCache:     newHeapContainsCache(),
		stackState:        HeapPointersOnStack,
		weakCallbackStack: callbackstack.New[WeakPointerCallback](),
	}
	ts.heaps = []*ThreadHeap{newThreadHeap(ts, gcInfoHeapIndex, nil)}
	return ts
}

func (ts *ThreadState) Heap() *Heap             { return ts.heap }
func (ts *ThreadState) ID() uint32              { return ts.id }
func (ts *ThreadState) IsMainThread() bool      { return ts.isMain }
func (ts *ThreadState) IsAtSafePoint() bool     { return ts.atSafePoint }
func (ts *ThreadState) IsInGC() bool            { return ts.inGC }
func (ts *ThreadState) IsSweepInProgress() bool { return ts.sweepInProgress }
func (ts *ThreadState) GCRequested() bool       { return ts.gcRequested }
func (ts *ThreadState) IsAllocationAllowed() bool {
	return ts.noAllocationCount == 0 && !ts.atSafePoint
}

// Stats returns the live object and reserved space of this thread's heaps.
func (ts *ThreadState) Stats() HeapStats { return ts.stats }

// StatsAfterLastGC returns the figures recorded when the last sweep finished.
func (ts *ThreadState) StatsAfterLastGC() HeapStats { return ts.statsAfterLastGC }

func (ts *ThreadState) checkThread() {
	if !ts.heap.opts.checkThread {
		return
	}
	if tid := currentThreadID(); tid != ts.tid {
		fatalf("checkThread", ErrWrongThread, "state of thread %d used from thread %d", ts.tid, tid)
	}
}

// heapFor returns the heap info allocates on, creating typed heaps lazily.
func (ts *ThreadState) heapFor(info *GCInfo) *ThreadHeap {
	index := info.heapIndex
	if index >= len(ts.heaps) {
		grown := make([]*ThreadHeap, index+1)
		copy(grown, ts.heaps)
		ts.heaps = grown
	}
	if ts.heaps[index] == nil {
		ts.heaps[index] = newThreadHeap(ts, index, info)
	}
	return ts.heaps[index]
}

func (ts *ThreadState) eachHeap(fn func(*ThreadHeap)) {
	for _, h := range ts.heaps {
		if h != nil {
			fn(h)
		}
	}
}

func (ts *ThreadState) setGCRequested() {
	ts.checkThread()
	ts.gcRequested = true
}

func (ts *ThreadState) clearGCRequested() {
	ts.checkThread()
	ts.gcRequested = false
}

func (ts *ThreadState) minGCSize() uintptr {
	return uintptr(ts.heap.opts.minGCPages) * blinkPagePayloadSize()
}

// shouldGC reports whether object space grew enough since the last GC to be
// worth a collection at the next safepoint. Allocation during sweeping never
// triggers one.
func (ts *ThreadState) shouldGC() bool {
	if ts.sweepInProgress {
		return false
	}
	newSize := ts.stats.totalObjectSpace
	if newSize < ts.minGCSize() {
		return false
	}
	return float64(newSize) > ts.heap.opts.gcGrowth*float64(ts.statsAfterLastGC.totalObjectSpace)
}

// shouldForceConservativeGC reports growth large enough that waiting for a
// safepoint is not acceptable.
func (ts *ThreadState) shouldForceConservativeGC() bool {
	if ts.sweepInProgress {
		return false
	}
	newSize := ts.stats.totalObjectSpace
	if newSize < ts.minGCSize() {
		return false
	}
	return float64(newSize) > ts.heap.opts.forceGrowth*float64(ts.statsAfterLastGC.totalObjectSpace)
}

func (ts *ThreadState) enterNoAllocationScope() { ts.noAllocationCount++ }
func (ts *ThreadState) leaveNoAllocationScope() { ts.noAllocationCount-- }

// NoAllocationScope forbids allocation on the thread until Leave.
type NoAllocationScope struct {
	ts *ThreadState
}

func (ts *ThreadState) EnterNoAllocationScope() NoAllocationScope {
	ts.enterNoAllocationScope()
	return NoAllocationScope{ts: ts}
}

func (s NoAllocationScope) Leave() {
	s.ts.leaveNoAllocationScope()
}

// prepareForGC runs on the collecting thread for every attached thread while
// they are all stopped.
func (ts *ThreadState) prepareForGC() {
	ts.eachHeap(func(h *ThreadHeap) {
		h.makeConsistentForGC()
		// A thread that never got round to sweeping after the last GC still
		// carries that GC's marks.
		if ts.sweepRequested {
			h.clearMarks()
		}
	})
	ts.sweepRequested = true
}

// abandonGC forgets the marks and weak callbacks of an abandoned collection.
// A page too corrupt to walk keeps its marks; the next collection that
// reaches it fails the same way.
func (ts *ThreadState) abandonGC() {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(*FatalError); !ok {
				panic(r)
			}
		}
	}()
	ts.weakCallbackStack.Clear()
	if !ts.sweepRequested {
		return
	}
	ts.sweepRequested = false
	ts.eachHeap(func(h *ThreadHeap) { h.clearMarks() })
}

func (ts *ThreadState) isConsistentForGC() bool {
	for _, h := range ts.heaps {
		if h != nil && !h.isConsistentForGC() {
			return false
		}
	}
	return true
}

// performPendingSweep runs this thread's weak member callbacks, then sweeps
// and finalizes its heaps, if a GC has happened since the last sweep.
func (ts *ThreadState) performPendingSweep() {
	if !ts.sweepRequested {
		return
	}
	ts.sweepInProgress = true
	ts.enterNoAllocationScope()
	v := ts.heap.visitor
	for ts.weakCallbackStack.PopAndInvoke(func(item callbackstack.Item[WeakPointerCallback]) {
		item.Callback(v, item.Object)
	}) {
	}
	ts.leaveNoAllocationScope()

	ts.stats.clear()
	ts.eachHeap(func(h *ThreadHeap) { h.sweep() })
	ts.statsAfterLastGC = ts.stats
	ts.sweepInProgress = false
	ts.clearGCRequested()
	ts.sweepRequested = false
}

// visitPersistents marks everything held by this thread's persistent handles.
func (ts *ThreadState) visitPersistents(v Visitor) {
	visitPersistentRing(ts.persistents, v)
}

// visitStack scans the shadow stack conservatively. A thread at a safepoint
// is scanned through the copy taken when it got there.
func (ts *ThreadState) visitStack(v Visitor) {
	if ts.stackState == NoHeapPointersOnStack {
		return
	}
	words := ts.stack
	if ts.atSafePoint {
		words = ts.safePointStackCopy
	}
	for _, w := range words {
		ts.heap.checkAndMarkPointer(v, w)
	}
}

func (ts *ThreadState) trace(v Visitor) {
	ts.visitStack(v)
	ts.visitPersistents(v)
}

// checkAndMarkPointer marks the object a points into if a belongs to this
// thread. Threads being torn down ignore conservative pointers.
func (ts *ThreadState) checkAndMarkPointer(v Visitor, a Address) bool {
	if ts.isCleaningUp {
		return false
	}
	if page := ts.heapPageFromAddress(a); page != nil {
		return page.checkAndMarkPointer(v, a)
	}
	for _, h := range ts.heaps {
		if h != nil && h.checkAndMarkLargeHeapObject(v, a) {
			return true
		}
	}
	return false
}

func (ts *ThreadState) heapPageFromAddress(a Address) basePage {
	if page, found := ts.containsCache.lookup(a); found {
		return page
	}
	var page basePage
	for _, h := range ts.heaps {
		if h == nil {
			continue
		}
		if page = h.pageFromAddress(a); page != nil {
			break
		}
	}
	ts.containsCache.addEntry(a, page)
	return page
}

// Contains reports whether a lies in memory owned by this thread's heaps.
func (ts *ThreadState) Contains(a Address) bool {
	if ts.heapPageFromAddress(a) != nil {
		return true
	}
	for _, h := range ts.heaps {
		if h != nil && h.largeHeapObjectFromAddress(a) != nil {
			return true
		}
	}
	return false
}

// scannedStats walks every page, unlike Stats which is maintained
// incrementally. The heaps must be consistent.
func (ts *ThreadState) scannedStats() HeapStats {
	var stats HeapStats
	ts.eachHeap(func(h *ThreadHeap) { h.getStats(&stats) })
	return stats
}

// AddInterruptor registers i to be poked whenever another thread wants to
// collect garbage.
func (ts *ThreadState) AddInterruptor(i Interruptor) {
	scope := ts.EnterSafePointScope(HeapPointersOnStack, AllowNesting)
	defer scope.Leave()
	ts.heap.attachMu.Lock()
	ts.interruptors = append(ts.interruptors, i)
	ts.heap.attachMu.Unlock()
}

func (ts *ThreadState) RemoveInterruptor(i Interruptor) {
	scope := ts.EnterSafePointScope(HeapPointersOnStack, AllowNesting)
	defer scope.Leave()
	ts.heap.attachMu.Lock()
	defer ts.heap.attachMu.Unlock()
	for n, existing := range ts.interruptors {
		if existing == i {
			ts.interruptors = append(ts.interruptors[:n], ts.interruptors[n+1:]...)
			return
		}
	}
}

// OnInterrupted is called by the interrupted thread in response to
// RequestInterrupt.
func (ts *ThreadState) OnInterrupted() {
	ts.SafePoint(HeapPointersOnStack)
}

func (ts *ThreadState) requestInterrupts() {
	for _, i := range ts.interruptors {
		i.RequestInterrupt()
	}
}

func (ts *ThreadState) clearInterrupts() {
	for _, i := range ts.interruptors {
		i.ClearInterrupt()
	}
}

func (ts *ThreadState) AddCleanupTask(task CleanupTask) {
	ts.cleanupTasks = append(ts.cleanupTasks, task)
}

// cleanup runs while detaching. After pre-cleanup every object is expected
// to be unreachable, and the heaps are checked to be empty.
func (ts *ThreadState) cleanup() {
	ts.isCleaningUp = true
	for _, task := range ts.cleanupTasks {
		task.PreCleanup()
	}
	ts.heap.CollectAllGarbage(ts, NoHeapPointersOnStack)
	ts.eachHeap(func(h *ThreadHeap) { h.assertEmpty() })
	for _, task := range ts.cleanupTasks {
		task.PostCleanup()
	}
	ts.cleanupTasks = nil
}

// releaseMemory returns all page memory of the thread to the OS.
func (ts *ThreadState) releaseMemory() {
	ts.eachHeap(func(h *ThreadHeap) { h.deletePages() })
	ts.stats.clear()
	ts.statsAfterLastGC.clear()
}
