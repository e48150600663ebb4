// ABOUTME: HeapVector: a growable array of strong references kept in a managed backing buffer
// ABOUTME: The backing is a raw general heap allocation that grows through Reallocate

package heap

import (
	"fmt"
	"unsafe"
)

const wordSize = unsafe.Sizeof(Address(0))

// vectorBackingInfo traces every word of a vector backing as a strong
// reference. Slots past the length are kept zero.
var vectorBackingInfo = RegisterGCInfo("heap.vectorBacking", traceVectorBacking, nil)

func traceVectorBacking(v Visitor, obj Address) {
	words := HeaderFromPayload(obj).PayloadSize() / wordSize
	for i := uintptr(0); i < words; i++ {
		MarkObject(v, *addressAt(obj + i*wordSize))
	}
}

// HeapVector holds references to managed objects in order. Its zero value is
// empty. Embed it in a managed object and call Trace from the object's Trace,
// or use PersistentHeapVector to root one from Go code.
type HeapVector[T Collectable] struct {
	buffer   Address
	length   uintptr
	capacity uintptr
}

func (vec *HeapVector[T]) Len() int { return int(vec.length) }
func (vec *HeapVector[T]) Cap() int { return int(vec.capacity) }

func (vec *HeapVector[T]) slot(i int) *Address {
	if i < 0 || uintptr(i) >= vec.length {
		panic(fmt.Sprintf("heap: vector index %d out of range [0:%d]", i, vec.length))
	}
	return addressAt(vec.buffer + uintptr(i)*wordSize)
}

func (vec *HeapVector[T]) At(i int) *T      { return pointerAt[T](*vec.slot(i)) }
func (vec *HeapVector[T]) Set(i int, p *T)  { *vec.slot(i) = addressOf(p) }
func (vec *HeapVector[T]) Address() Address { return vec.buffer }
func (vec *HeapVector[T]) Trace(v Visitor)  { MarkObject(v, vec.buffer) }
func (vec *HeapVector[T]) IsEmpty() bool    { return vec.length == 0 }
func (vec *HeapVector[T]) Last() *T         { return vec.At(vec.Len() - 1) }
func (vec *HeapVector[T]) First() *T        { return vec.At(0) }

// Append adds p at the end, growing the backing on ts when it is full. A
// collection may run while the backing grows, so p must be reachable.
func (vec *HeapVector[T]) Append(ts *ThreadState, p *T) error {
	if vec.length == vec.capacity {
		if err := vec.Reserve(ts, max(4, 2*int(vec.capacity))); err != nil {
			return err
		}
	}
	*addressAt(vec.buffer + vec.length*wordSize) = addressOf(p)
	vec.length++
	return nil
}

// Reserve makes room for at least n elements.
func (vec *HeapVector[T]) Reserve(ts *ThreadState, n int) error {
	if n <= int(vec.capacity) {
		return nil
	}
	return vec.resize(ts, uintptr(n))
}

func (vec *HeapVector[T]) resize(ts *ThreadState, capacity uintptr) error {
	buffer, err := ts.Reallocate(vec.buffer, capacity*wordSize, vectorBackingInfo)
	if err != nil {
		return fmt.Errorf("resize vector to %d elements: %w", capacity, err)
	}
	vec.buffer, vec.capacity = buffer, capacity
	return nil
}

// Truncate drops the elements from n on.
func (vec *HeapVector[T]) Truncate(n int) {
	if n < 0 || uintptr(n) > vec.length {
		panic(fmt.Sprintf("heap: vector truncate %d out of range [0:%d]", n, vec.length))
	}
	clearMemory(vec.buffer+uintptr(n)*wordSize, (vec.length-uintptr(n))*wordSize)
	vec.length = uintptr(n)
}

// RemoveLast drops the last element and returns it.
func (vec *HeapVector[T]) RemoveLast() *T {
	p := vec.Last()
	vec.Truncate(vec.Len() - 1)
	return p
}

// ShrinkToFit moves the elements to a backing of exactly their number. The
// old backing is reclaimed by the next collection.
func (vec *HeapVector[T]) ShrinkToFit(ts *ThreadState) error {
	if vec.length == vec.capacity {
		return nil
	}
	if vec.length == 0 {
		vec.Clear()
		return nil
	}
	return vec.resize(ts, vec.length)
}

// Clear empties the vector and lets go of its backing.
func (vec *HeapVector[T]) Clear() {
	*vec = HeapVector[T]{}
}

// Each calls fn with every element in order until fn returns false.
func (vec *HeapVector[T]) Each(fn func(i int, p *T) bool) {
	for i := 0; i < vec.Len(); i++ {
		if !fn(i, vec.At(i)) {
			return
		}
	}
}
