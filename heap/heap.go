// ABOUTME: Package heap implements a page based, thread local, stop-the-world mark-sweep heap
// ABOUTME: Heap ties attached threads, global roots and the marking machinery together

// Package heap is a managed heap for pointer-free Go structs living in
// OS-mapped pages. Objects are reclaimed by a stop-the-world mark-sweep
// collector that traces Member references, persistent handles and the
// shadow stacks of attached threads.
package heap

import (
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prateek/oilpan/callbackstack"
)

// GCPhase reports what the collector is doing.
type GCPhase int32

const (
	PhaseIdle GCPhase = iota
	PhaseMarking
	PhaseWeakCallbacks
	PhaseSweeping
)

func (p GCPhase) String() string {
	switch p {
	case PhaseMarking:
		return "marking"
	case PhaseWeakCallbacks:
		return "weak-callbacks"
	case PhaseSweeping:
		return "sweeping"
	default:
		return "idle"
	}
}

// Heap is the process-wide part of the collector. Objects themselves live in
// the heaps of the thread that allocated them.
type Heap struct {
	opts options

	// attachMu guards threads and is held by the collecting thread for the
	// whole time the world is stopped.
	attachMu sync.Mutex
	threads  []*ThreadState
	nextID   uint32
	main     *ThreadState
	shutdown bool

	barrier *safePointBarrier
	inGC    atomic.Bool
	phase   atomic.Int32
	gcCount atomic.Uint64

	globalRootsMu sync.Mutex
	globalRoots   *persistentNode

	markingStack  *callbackstack.Stack[TraceCallback]
	weakCellStack *callbackstack.Stack[WeakPointerCallback]
	visitor       *markingVisitor
}

// Init creates a heap and attaches the calling goroutine, locked to its OS
// thread, as the main thread.
func Init(opts ...Option) *Heap {
	h := &Heap{
		opts:          newOptions(opts),
		globalRoots:   newPersistentAnchor(),
		markingStack:  callbackstack.New[TraceCallback](),
		weakCellStack: callbackstack.New[WeakPointerCallback](),
	}
	h.barrier = newSafePointBarrier(h)
	h.visitor = &markingVisitor{heap: h}
	h.main = h.attach(true)
	return h
}

func (h *Heap) logger() *slog.Logger { return h.opts.logger }

// MainThread returns the state created by Init.
func (h *Heap) MainThread() *ThreadState { return h.main }

func (h *Heap) Phase() GCPhase { return GCPhase(h.phase.Load()) }

// GCCount is the number of collections completed so far.
func (h *Heap) GCCount() uint64 { return h.gcCount.Load() }

func (h *Heap) IsInGC() bool { return h.inGC.Load() }

func (h *Heap) setPhase(p GCPhase) { h.phase.Store(int32(p)) }

// Attach registers the calling goroutine as a heap thread and locks it to its
// OS thread until Detach.
func (h *Heap) Attach() *ThreadState {
	return h.attach(false)
}

func (h *Heap) attach(isMain bool) *ThreadState {
	runtime.LockOSThread()
	ts := newThreadState(h, isMain)
	ts.tid = currentThreadID()

	h.attachMu.Lock()
	defer h.attachMu.Unlock()
	if h.shutdown {
		runtime.UnlockOSThread()
		fatal("Attach", ErrHeapShutdown)
	}
	h.nextID++
	ts.id = h.nextID
	h.threads = append(h.threads, ts)
	h.logger().Debug("thread attached", "thread", ts.id, "tid", ts.tid, "main", isMain)
	return ts
}

// AttachedThreads returns the number of threads currently attached.
func (h *Heap) AttachedThreads() int {
	h.attachMu.Lock()
	defer h.attachMu.Unlock()
	return len(h.threads)
}

// removeThread unlinks ts. Callers hold attachMu.
func (h *Heap) removeThread(ts *ThreadState) {
	for i, t := range h.threads {
		if t == ts {
			h.threads = append(h.threads[:i], h.threads[i+1:]...)
			return
		}
	}
}

// threadForPage finds the thread owning the page obj lives on. Only valid
// while the world is stopped.
func (h *Heap) threadForPage(obj Address) *ThreadState {
	id := pageHeaderAt(obj).threadID
	for _, ts := range h.threads {
		if ts.id == id {
			return ts
		}
	}
	return nil
}

// Detach collects the thread's garbage, verifies nothing it allocated is
// still reachable and returns its memory. The main thread is released by
// Shutdown instead.
func (ts *ThreadState) Detach() {
	if ts.isMain {
		fatalf("Detach", ErrNotAttached, "the main thread is released by Shutdown")
	}
	ts.checkThread()
	ts.cleanup()

	// Get to a safepoint before taking the attach mutex: a collector may
	// hold it while waiting for this thread.
	if !ts.atSafePoint {
		ts.EnterSafePoint(NoHeapPointersOnStack)
	}
	h := ts.heap
	h.attachMu.Lock()
	ts.LeaveSafePoint()
	h.removeThread(ts)
	h.attachMu.Unlock()

	ts.releaseMemory()
	h.logger().Debug("thread detached", "thread", ts.id)
	runtime.UnlockOSThread()
}

// Shutdown finishes any pending sweep on the main thread and releases all of
// its memory. Every other thread must have detached.
func (h *Heap) Shutdown() {
	ts := h.main
	ts.checkThread()
	ts.performPendingSweep()

	h.attachMu.Lock()
	if len(h.threads) != 1 {
		n := len(h.threads) - 1
		h.attachMu.Unlock()
		fatalf("Shutdown", ErrNotAttached, "%d threads still attached", n)
	}
	h.removeThread(ts)
	h.shutdown = true
	h.attachMu.Unlock()

	ts.releaseMemory()
	runtime.UnlockOSThread()
}

// CollectGarbage runs a full stop-the-world collection from ts. With
// HeapPointersOnStack the frames of ts are scanned conservatively as well.
func (h *Heap) CollectGarbage(ts *ThreadState, stackState StackState) {
	ts.clearGCRequested()
	start := time.Now()
	scope := h.enterGCScope(ts, stackState)
	defer scope.abandon()

	ts.enterNoAllocationScope()
	h.prepareForGC()

	h.setPhase(PhaseMarking)
	h.visitor.marked = 0
	h.visitRoots(h.visitor)
	for h.markingStack.PopAndInvoke(h.invokeTrace) {
	}
	marked := h.visitor.marked
	markDone := time.Now()

	h.setPhase(PhaseWeakCallbacks)
	for h.weakCellStack.PopAndInvoke(h.invokeWeak) {
	}
	if !h.markingStack.IsEmpty() {
		fatalf("CollectGarbage", ErrGCInProgress, "objects were traced during weak processing")
	}
	ts.leaveNoAllocationScope()
	count := h.gcCount.Add(1)

	before := ts.stats.totalObjectSpace
	h.setPhase(PhaseSweeping)
	scope.leave()
	h.setPhase(PhaseIdle)

	if h.opts.gctrace {
		h.logger().Info("gc",
			"gc", count,
			"thread", ts.id,
			"stack", stackState.String(),
			"marked", marked,
			"mark", markDone.Sub(start),
			"total", time.Since(start),
			"objectSpaceBefore", before,
			"objectSpaceAfter", ts.stats.totalObjectSpace,
			"allocatedSpace", ts.stats.totalAllocatedSpace,
		)
	}
}

// CollectAllGarbage collects repeatedly so objects only released by
// finalizers of the previous round are reclaimed too.
func (h *Heap) CollectAllGarbage(ts *ThreadState, stackState StackState) {
	for i := 0; i < 5; i++ {
		h.CollectGarbage(ts, stackState)
	}
}

func (h *Heap) invokeTrace(item callbackstack.Item[TraceCallback]) {
	item.Callback(h.visitor, item.Object)
}

func (h *Heap) invokeWeak(item callbackstack.Item[WeakPointerCallback]) {
	item.Callback(h.visitor, item.Object)
}

func (h *Heap) prepareForGC() {
	for _, ts := range h.threads {
		ts.prepareForGC()
	}
}

func (h *Heap) visitRoots(v Visitor) {
	h.globalRootsMu.Lock()
	visitPersistentRing(h.globalRoots, v)
	h.globalRootsMu.Unlock()
	for _, ts := range h.threads {
		ts.trace(v)
	}
}

// checkAndMarkPointer conservatively marks whatever a points into, on any
// thread.
func (h *Heap) checkAndMarkPointer(v Visitor, a Address) bool {
	for _, ts := range h.threads {
		if ts.checkAndMarkPointer(v, a) {
			return true
		}
	}
	return false
}

// Contains reports whether a lies in any attached thread's heap. The other
// threads are stopped for the lookup.
func (h *Heap) Contains(ts *ThreadState, a Address) bool {
	found := false
	h.stopTheWorld(ts, func() {
		for _, t := range h.threads {
			if t.Contains(a) {
				found = true
				return
			}
		}
	})
	return found
}

// Stats sums the figures of every attached thread.
func (h *Heap) Stats(ts *ThreadState) HeapStats {
	var stats HeapStats
	h.stopTheWorld(ts, func() {
		for _, t := range h.threads {
			stats.add(t.stats)
		}
	})
	return stats
}

// stopTheWorld runs fn with every other thread parked, without collecting.
func (h *Heap) stopTheWorld(ts *ThreadState, fn func()) {
	scope := h.enterGCScope(ts, HeapPointersOnStack)
	defer scope.leave()
	fn()
}
