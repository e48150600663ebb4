// ABOUTME: Stop-the-world coordination: the safepoint barrier, safepoint scopes and the GC scope
// ABOUTME: Threads park at safepoints while another thread marks and resume to sweep their own heaps

package heap

import (
	"sync"
	"sync/atomic"
)

// safePointBarrier parks every attached thread except the collecting one.
// unparkedThreadCount counts threads that are neither parked nor at a
// safepoint while a GC is being requested; the collector proceeds once it
// drops to zero.
type safePointBarrier struct {
	heap *Heap

	canResume           atomic.Bool
	unparkedThreadCount atomic.Int64

	mu     sync.Mutex
	parked *sync.Cond
	resume *sync.Cond
}

func newSafePointBarrier(h *Heap) *safePointBarrier {
	b := &safePointBarrier{heap: h}
	b.canResume.Store(true)
	b.parked = sync.NewCond(&b.mu)
	b.resume = sync.NewCond(&b.mu)
	return b
}

// parkOthers takes the attach mutex, so no thread can attach or detach until
// resumeOthers, and waits until every other thread is parked or at a
// safepoint.
func (b *safePointBarrier) parkOthers(current *ThreadState) {
	b.heap.attachMu.Lock()
	threads := b.heap.threads

	b.mu.Lock()
	b.unparkedThreadCount.Add(int64(len(threads)))
	b.canResume.Store(false)
	for _, ts := range threads {
		if ts != current {
			ts.requestInterrupts()
		}
	}
	for b.unparkedThreadCount.Load() > 0 {
		b.parked.Wait()
	}
	b.mu.Unlock()
}

func (b *safePointBarrier) resumeOthers() {
	threads := b.heap.threads
	b.unparkedThreadCount.Add(-int64(len(threads)))
	b.canResume.Store(true)

	b.mu.Lock()
	b.resume.Broadcast()
	b.mu.Unlock()

	for _, ts := range threads {
		ts.clearInterrupts()
	}
	b.heap.attachMu.Unlock()
}

func (b *safePointBarrier) checkAndPark(state *ThreadState) {
	if !b.canResume.Load() {
		b.doPark(state)
		state.performPendingSweep()
	}
}

func (b *safePointBarrier) doPark(state *ThreadState) {
	b.mu.Lock()
	if b.unparkedThreadCount.Add(-1) == 0 {
		b.parked.Signal()
	}
	for !b.canResume.Load() {
		b.resume.Wait()
	}
	b.unparkedThreadCount.Add(1)
	b.mu.Unlock()
}

func (b *safePointBarrier) enterSafePoint(state *ThreadState) {
	if b.unparkedThreadCount.Add(-1) == 0 {
		b.mu.Lock()
		b.parked.Signal()
		b.mu.Unlock()
	}
}

func (b *safePointBarrier) leaveSafePoint(state *ThreadState) {
	if b.unparkedThreadCount.Add(1) > 0 {
		b.checkAndPark(state)
	}
}

// SafePoint parks the thread if another thread is collecting. With
// NoHeapPointersOnStack it also runs a GC this thread has requested.
func (ts *ThreadState) SafePoint(stackState StackState) {
	ts.checkThread()
	if stackState == NoHeapPointersOnStack && ts.gcRequested {
		ts.heap.CollectGarbage(ts, NoHeapPointersOnStack)
	}
	ts.stackState = stackState
	ts.heap.barrier.checkAndPark(ts)
	ts.stackState = HeapPointersOnStack
}

// EnterSafePoint promises that the thread will not touch managed memory
// until LeaveSafePoint, so other threads may collect without waiting for it.
func (ts *ThreadState) EnterSafePoint(stackState StackState) {
	if stackState == NoHeapPointersOnStack && ts.gcRequested {
		ts.heap.CollectGarbage(ts, NoHeapPointersOnStack)
	}
	ts.checkThread()
	if ts.atSafePoint {
		fatal("EnterSafePoint", ErrSafePointNesting)
	}
	ts.atSafePoint = true
	ts.stackState = stackState
	if stackState == HeapPointersOnStack {
		ts.safePointStackCopy = append(ts.safePointStackCopy[:0], ts.stack...)
	}
	ts.heap.barrier.enterSafePoint(ts)
}

// LeaveSafePoint parks if a GC is still running and then sweeps if one ran.
func (ts *ThreadState) LeaveSafePoint() {
	ts.checkThread()
	if !ts.atSafePoint {
		fatalf("LeaveSafePoint", ErrSafePointNesting, "thread is not at a safepoint")
	}
	ts.heap.barrier.leaveSafePoint(ts)
	ts.atSafePoint = false
	ts.stackState = HeapPointersOnStack
	ts.safePointStackCopy = ts.safePointStackCopy[:0]
	ts.performPendingSweep()
}

// SafePointNesting controls whether a SafePointScope may open while the
// thread is already at a safepoint.
type SafePointNesting int

const (
	NoNesting SafePointNesting = iota
	AllowNesting
)

// SafePointScope keeps the thread at a safepoint until Leave.
type SafePointScope struct {
	ts      *ThreadState
	entered bool
}

func (ts *ThreadState) EnterSafePointScope(stackState StackState, nesting SafePointNesting) *SafePointScope {
	if ts.atSafePoint {
		if nesting == NoNesting {
			fatal("EnterSafePointScope", ErrSafePointNesting)
		}
		return &SafePointScope{ts: ts}
	}
	ts.EnterSafePoint(stackState)
	return &SafePointScope{ts: ts, entered: true}
}

func (s *SafePointScope) Leave() {
	if s.entered {
		s.entered = false
		s.ts.LeaveSafePoint()
	}
}

// gcScope stops the world around a collection. Ending it resumes the other
// threads and sweeps the collecting thread.
type gcScope struct {
	ts                *ThreadState
	safePoint         *SafePointScope
	noAllocationCount int
	left              bool
}

func (h *Heap) enterGCScope(ts *ThreadState, stackState StackState) *gcScope {
	if h.inGC.Load() {
		fatal("GCScope", ErrGCInProgress)
	}
	s := &gcScope{ts: ts, safePoint: ts.EnterSafePointScope(stackState, NoNesting), noAllocationCount: ts.noAllocationCount}
	ts.checkThread()
	if ts.inGC {
		fatal("GCScope", ErrGCInProgress)
	}
	if ts.sweepInProgress {
		fatal("GCScope", ErrSweepInProgress)
	}
	h.barrier.parkOthers(ts)
	ts.inGC = true
	h.inGC.Store(true)
	return s
}

func (s *gcScope) leave() {
	s.left = true
	s.ts.inGC = false
	s.ts.heap.inGC.Store(false)
	s.ts.heap.barrier.resumeOthers()
	s.safePoint.Leave()
}

// abandon unwinds a collection cut short by a fatal error and is a no-op once
// the scope has been left. Marks are dropped and nobody sweeps, so every
// thread resumes with the objects it had before the collection started.
// Garbage found so far stays until the next collection.
func (s *gcScope) abandon() {
	if s.left {
		return
	}
	h := s.ts.heap
	h.markingStack.Clear()
	h.weakCellStack.Clear()
	for _, t := range h.threads {
		t.abandonGC()
	}
	s.ts.noAllocationCount = s.noAllocationCount
	h.setPhase(PhaseIdle)
	s.leave()
}
