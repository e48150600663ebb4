// ABOUTME: Allocation entry points: typed New, raw Allocate and Reallocate for general heap buffers
// ABOUTME: Sizes are validated here before the owning thread heap carves out memory

package heap

import (
	"fmt"
)

func (ts *ThreadState) checkAllocationAllowed(op string) {
	if ts.atSafePoint {
		fatalf(op, ErrAllocationNotAllowed, "thread is at a safepoint")
	}
	if ts.noAllocationCount > 0 {
		fatalf(op, ErrAllocationNotAllowed, "inside a no allocation scope")
	}
}

// Allocate returns a zeroed payload of size bytes described by info.
func (ts *ThreadState) Allocate(size uintptr, info *GCInfo) (Address, error) {
	if size == 0 || size >= MaxHeapObjectSize {
		return 0, fmt.Errorf("allocate %d bytes of %s: %w", size, info.Name, ErrInvalidSize)
	}
	ts.checkAllocationAllowed("Allocate")
	return ts.heapFor(info).allocate(size, info), nil
}

// New allocates a zeroed T on ts's heap. T must embed GarbageCollected or
// Typed and must not contain Go pointers.
func New[T Collectable, PT interface {
	*T
	Tracer
}](ts *ThreadState) (PT, error) {
	info, err := GCInfoFor[T, PT]()
	if err != nil {
		return nil, err
	}
	size := info.size
	if size == 0 {
		size = 1
	}
	obj, err := ts.Allocate(size, info)
	if err != nil {
		return nil, err
	}
	return PT(pointerAt[T](obj)), nil
}

// Reallocate moves a general heap buffer to a new allocation of size bytes,
// copying as much of the old payload as fits. Size zero frees nothing and
// returns zero; the old buffer is reclaimed by the next GC once unreachable.
func (ts *ThreadState) Reallocate(prev Address, size uintptr, info *GCInfo) (Address, error) {
	if size == 0 {
		return 0, nil
	}
	if info.Typed() {
		return 0, fmt.Errorf("reallocate %s: typed heap objects cannot be reallocated: %w", info.Name, ErrInvalidSize)
	}
	next, err := ts.Allocate(size, info)
	if err != nil {
		return 0, err
	}
	if prev == 0 {
		return next, nil
	}
	copySize := HeaderFromPayload(prev).PayloadSize()
	if size < copySize {
		copySize = size
	}
	copyMemory(next, prev, copySize)
	return next, nil
}
